package app

import (
	"context"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"jobwatch/config"
	"jobwatch/models"
)

const enrichAttempts = 3

// requestPacer is the pool-wide rate gate: a single "next allowed request
// time" cursor that every worker advances before going to the network.
// Pacing must stay global to the pool or the source will throttle us.
type requestPacer struct {
	mu       sync.Mutex
	next     time.Time
	interval time.Duration
}

// reserve claims the next request slot and returns how long the caller has
// to wait for it.
func (p *requestPacer) reserve() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	slot := p.next
	if slot.Before(now) {
		slot = now
	}
	p.next = slot.Add(p.interval)
	return slot.Sub(now)
}

func (p *requestPacer) wait(ctx context.Context) error {
	delay := p.reserve()
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Enricher fetches each newly discovered job's detail page on a bounded
// worker pool and records the hiring-rate score when one is published.
type Enricher struct {
	log    *zap.Logger
	db     *gorm.DB
	source *SourceClient

	workers      int
	pace         *requestPacer
	throttleBase time.Duration
	linearStep   time.Duration
}

func NewEnricher(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, db *gorm.DB, source *SourceClient) *Enricher {
	return &Enricher{
		log:          log,
		db:           db,
		source:       source,
		workers:      cfg.EnrichWorkers,
		pace:         &requestPacer{interval: cfg.EnrichMinInterval},
		throttleBase: 2 * time.Second,
		linearStep:   500 * time.Millisecond,
	}
}

// EnrichJobs scores the given jobs. Jobs are passed by identifier and
// re-fetched from the store inside each worker; a job for which no score
// can be obtained simply keeps a null HireRate.
func (e *Enricher) EnrichJobs(ctx context.Context, jobIDs []uint) {
	if len(jobIDs) == 0 {
		return
	}

	ids := make(chan uint, len(jobIDs))
	for _, id := range jobIDs {
		ids <- id
	}
	close(ids)

	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range ids {
				e.enrichJob(ctx, id)
			}
		}()
	}
	wg.Wait()
}

func (e *Enricher) enrichJob(ctx context.Context, jobID uint) {
	var job models.Job
	if err := e.db.First(&job, jobID).Error; err != nil {
		e.log.Sugar().Warnw("Job disappeared before enrichment", "job_id", jobID, "err", err)
		return
	}

	rate, ok, err := e.fetchWithBackoff(ctx, job.URL)
	if err != nil {
		e.log.Sugar().Warnw("Giving up on hire rate", "job_id", job.ID, "err", err)
		return
	}
	if !ok {
		e.log.Sugar().Debugw("No hire rate published yet", "job_id", job.ID)
		return
	}

	tx := e.db.Model(&models.Job{}).Where("id = ?", job.ID).Update("hire_rate", rate)
	if tx.Error != nil {
		e.log.Sugar().Errorw("Failed to store hire rate", "job_id", job.ID, "err", tx.Error)
		return
	}
	e.log.Sugar().Debugw("Job enriched", "job_id", job.ID, "hire_rate", rate)
}

// fetchWithBackoff retries a detail fetch up to enrichAttempts times.
// Throttling responses back off exponentially from throttleBase; other
// transport errors use a shorter linear delay.
func (e *Enricher) fetchWithBackoff(ctx context.Context, url string) (float64, bool, error) {
	var lastErr error
	for attempt := 1; attempt <= enrichAttempts; attempt++ {
		if err := e.pace.wait(ctx); err != nil {
			return 0, false, err
		}

		rate, ok, err := e.source.FetchHireRate(ctx, url)
		if err == nil {
			return rate, ok, nil
		}
		lastErr = err
		if attempt == enrichAttempts {
			break
		}

		var delay time.Duration
		if isBlocked(err) {
			delay = e.throttleBase << (attempt - 1)
		} else {
			delay = time.Duration(attempt) * e.linearStep
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, false, ctx.Err()
		case <-timer.C:
		}
	}
	return 0, false, lastErr
}
