package app

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/carlmjohnson/requests"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"jobwatch/models"
)

// Synchronizer owns the scrape side of the pipeline: the quick-check probe,
// the full listing fetch, dedup persistence, and the per-run scrape log.
type Synchronizer struct {
	log    *zap.Logger
	db     *gorm.DB
	source *SourceClient
}

func NewSynchronizer(lc fx.Lifecycle, log *zap.Logger, db *gorm.DB, source *SourceClient) *Synchronizer {
	return &Synchronizer{log, db, source}
}

func isBlocked(err error) bool {
	return requests.HasStatusErr(err, http.StatusTooManyRequests)
}

// PollCategory probes the newest listing row and only falls through to a
// full sync when that row is unknown. Probe failures and empty pages are
// treated as "nothing to do", never as errors; the probe exists purely to
// avoid fetching a page that has not changed.
func (s *Synchronizer) PollCategory(ctx context.Context, cat *models.Category) (newJobs models.Jobs, skipped bool, err error) {
	probe, err := s.source.FetchFirstListing(ctx, cat.SourceURL)
	if err != nil {
		s.log.Sugar().Debugw("Quick check failed", "category", cat.Name, "err", err)
		return nil, true, nil
	}
	if probe == nil {
		s.log.Sugar().Debugw("Quick check found no postings", "category", cat.Name)
		return nil, true, nil
	}

	known, err := s.postingKnown(probe)
	if err != nil {
		return nil, false, err
	}
	if known {
		s.log.Sugar().Debugw("First posting unchanged, skipping full sync", "category", cat.Name)
		return nil, true, nil
	}

	jobs, err := s.SyncCategory(ctx, cat)
	return jobs, false, err
}

// postingKnown applies the dedup invariant: a candidate is already known
// when either its title fingerprint or its URL matches an existing job.
func (s *Synchronizer) postingKnown(p *JobPosting) (bool, error) {
	var count int64
	tx := s.db.Model(&models.Job{}).
		Where("content_hash = ? OR url = ?", models.HashTitle(p.Title), p.URL).
		Count(&count)
	return count > 0, tx.Error
}

// SyncCategory performs the full fetch for one category, persists any
// unknown postings, and writes exactly one scrape log row for the run.
// Idempotent under retry: a rerun over an unchanged page saves nothing.
func (s *Synchronizer) SyncCategory(ctx context.Context, cat *models.Category) (models.Jobs, error) {
	start := time.Now().UTC()

	postings, err := s.source.FetchListing(ctx, cat.SourceURL)
	if err != nil {
		outcome := models.OutcomeError
		if isBlocked(err) {
			outcome = models.OutcomeBlocked
		}
		s.recordRun(cat, outcome, 0, time.Since(start), err)
		s.updateCategoryStatus(cat, false)
		return nil, err
	}

	newJobs, err := s.saveNewJobs(cat, postings)
	if err != nil {
		s.recordRun(cat, models.OutcomeError, 0, time.Since(start), err)
		s.updateCategoryStatus(cat, false)
		return nil, err
	}

	s.recordRun(cat, models.OutcomeSuccess, len(newJobs), time.Since(start), nil)
	s.updateCategoryStatus(cat, true)

	s.log.Sugar().Infow("Category synced",
		"category", cat.Name, "postings", len(postings), "new", len(newJobs),
	)
	return newJobs, nil
}

func (s *Synchronizer) saveNewJobs(cat *models.Category, postings []JobPosting) (models.Jobs, error) {
	var saved models.Jobs
	err := s.db.Transaction(func(tx *gorm.DB) error {
		for _, p := range postings {
			hash := models.HashTitle(p.Title)

			var count int64
			err := tx.Model(&models.Job{}).
				Where("content_hash = ? OR url = ?", hash, p.URL).
				Count(&count).Error
			if err != nil {
				return err
			}
			if count > 0 {
				continue
			}

			job := models.Job{
				Title:       p.Title,
				URL:         p.URL,
				ContentHash: hash,
				CategoryID:  cat.ID,
				ScrapedAt:   time.Now().UTC(),
			}
			if err := tx.Create(&job).Error; err != nil {
				return err
			}
			saved = append(saved, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *Synchronizer) recordRun(cat *models.Category, status string, found int, elapsed time.Duration, cause error) {
	entry := models.ScrapeLog{
		CategoryID:      sql.NullInt64{Int64: int64(cat.ID), Valid: true},
		Status:          status,
		JobsFound:       found,
		DurationSeconds: elapsed.Seconds(),
		ScrapedAt:       time.Now().UTC(),
	}
	if cause != nil {
		entry.ErrorMessage = sql.NullString{String: cause.Error(), Valid: true}
	}

	if err := s.db.Create(&entry).Error; err != nil {
		s.log.Sugar().Errorw("Failed to write scrape log", "category", cat.Name, "err", err)
	}
}

func (s *Synchronizer) updateCategoryStatus(cat *models.Category, success bool) {
	failures := cat.ScrapeFailures + 1
	if success {
		failures = 0
	}

	tx := s.db.Model(cat).Updates(map[string]any{
		"last_scraped_at": time.Now().UTC(),
		"scrape_failures": failures,
	})
	if tx.Error != nil {
		s.log.Sugar().Errorw("Failed to update category status", "category", cat.Name, "err", tx.Error)
	}
	cat.ScrapeFailures = failures
}
