package app

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"jobwatch/models"
)

const detailPage = `<html><body><table><tr><td>معدل التوظيف</td><td>75%</td></tr></table></body></html>`

func newTestEnricher(t *testing.T, srv *countingServer, workers int, minInterval time.Duration) (*Enricher, *gorm.DB) {
	t.Helper()

	cfg := newTestConfig(srv.URL)
	db := newTestDB(t)
	enricher := &Enricher{
		log:          zap.NewNop(),
		db:           db,
		source:       newTestSource(cfg),
		workers:      workers,
		pace:         &requestPacer{interval: minInterval},
		throttleBase: time.Millisecond,
		linearStep:   time.Millisecond,
	}
	return enricher, db
}

func seedJobs(t *testing.T, db *gorm.DB, srv *countingServer, n int) []uint {
	t.Helper()

	cat := models.Category{Name: "اختبار", SourceURL: srv.URL}
	require.NoError(t, db.Create(&cat).Error)

	ids := make([]uint, n)
	for i := range ids {
		job := models.Job{
			Title:      string(rune('أ' + i)),
			URL:        srv.URL + "/project/" + string(rune('0'+i)),
			CategoryID: cat.ID,
			ScrapedAt:  time.Now().UTC(),
		}
		require.NoError(t, db.Create(&job).Error)
		ids[i] = job.ID
	}
	return ids
}

func TestEnrichJobsStoresRate(t *testing.T) {
	srv := newCountingServer(t, detailPage)
	enricher, db := newTestEnricher(t, srv, 2, time.Millisecond)
	ids := seedJobs(t, db, srv, 3)

	enricher.EnrichJobs(context.Background(), ids)

	var jobs models.Jobs
	require.NoError(t, db.Where("id IN ?", ids).Find(&jobs).Error)
	for _, job := range jobs {
		require.True(t, job.HireRate.Valid)
		assert.Equal(t, 75.0, job.HireRate.Float64)
	}
}

func TestEnrichJobsNotYetComputed(t *testing.T) {
	srv := newCountingServer(t,
		`<html><body><table><tr><td>معدل التوظيف</td><td>لم يحسب بعد</td></tr></table></body></html>`)
	enricher, db := newTestEnricher(t, srv, 1, time.Millisecond)
	ids := seedJobs(t, db, srv, 1)

	enricher.EnrichJobs(context.Background(), ids)

	job := models.Job{}
	require.NoError(t, db.First(&job, ids[0]).Error)
	assert.False(t, job.HireRate.Valid)
	assert.Equal(t, 1, srv.count())
}

func TestEnrichJobsPoolWideMinimumGap(t *testing.T) {
	const interval = 25 * time.Millisecond

	srv := newCountingServer(t, detailPage)
	enricher, db := newTestEnricher(t, srv, 3, interval)
	ids := seedJobs(t, db, srv, 4)

	start := time.Now()
	enricher.EnrichJobs(context.Background(), ids)
	elapsed := time.Since(start)

	require.Len(t, srv.requestTimes(), 4)

	// Three workers share one cursor: four requests span at least three
	// full intervals regardless of worker count.
	assert.GreaterOrEqual(t, elapsed, 3*interval)
}

func TestEnrichJobsRetriesThrottling(t *testing.T) {
	srv := newCountingServer(t, detailPage)
	srv.set("slow down", http.StatusTooManyRequests)
	enricher, db := newTestEnricher(t, srv, 1, time.Millisecond)
	ids := seedJobs(t, db, srv, 1)

	// First attempt is throttled, the retry succeeds.
	srv.after(1, detailPage, http.StatusOK)

	enricher.EnrichJobs(context.Background(), ids)

	job := models.Job{}
	require.NoError(t, db.First(&job, ids[0]).Error)
	require.True(t, job.HireRate.Valid)
	assert.Equal(t, 75.0, job.HireRate.Float64)
	assert.Equal(t, 2, srv.count())
}

func TestEnrichJobsGivesUpAfterRetries(t *testing.T) {
	srv := newCountingServer(t, "")
	srv.set("slow down", http.StatusTooManyRequests)
	enricher, db := newTestEnricher(t, srv, 1, time.Millisecond)
	ids := seedJobs(t, db, srv, 1)

	enricher.EnrichJobs(context.Background(), ids)

	assert.Equal(t, enrichAttempts, srv.count())

	job := models.Job{}
	require.NoError(t, db.First(&job, ids[0]).Error)
	assert.False(t, job.HireRate.Valid)
}
