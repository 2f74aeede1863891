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

// Poller drives the whole pipeline: on every tick it runs one polling cycle
// over all watched categories, sequentially. Categories are cheap to check
// (one probe fetch, or one full fetch), so there is no cross-category
// concurrency here; the enrichment pool is the only fan-out stage.
type Poller struct {
	cfg    *config.Config
	log    *zap.Logger
	db     *gorm.DB
	sync   *Synchronizer
	enrich *Enricher
	router *Router

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// CycleSummary is returned from RunCycle for logging only; it is not a
// stable contract.
type CycleSummary struct {
	CategoriesScanned int `json:"categories_scanned"`
	CategoriesSkipped int `json:"categories_skipped"`
	NewJobs           int `json:"new_jobs"`
	QueuedEmail       int `json:"queued_email"`
	QueuedTelegram    int `json:"queued_telegram"`
}

func NewPoller(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, db *gorm.DB, sync *Synchronizer, enrich *Enricher, router *Router) *Poller {
	poller := &Poller{
		cfg:    cfg,
		log:    log,
		db:     db,
		sync:   sync,
		enrich: enrich,
		router: router,
		done:   make(chan struct{}),
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go poller.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Sugar().Info("Trying to stop poller")
			poller.Stop()
			return nil
		},
	})

	return poller
}

func (p *Poller) tickerWithImmediateTick(interval time.Duration) *time.Ticker {
	withImmediateTick := make(chan time.Time, 1)

	ticker := time.NewTicker(interval)
	tickerC := ticker.C
	go func() {
		withImmediateTick <- time.Now()
		for c := range tickerC {
			withImmediateTick <- c
		}
	}()

	ticker.C = withImmediateTick
	return ticker
}

func (p *Poller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	defer close(p.done)

	ticker := p.tickerWithImmediateTick(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Sugar().Info("Poller stopped")
			return

		case <-ticker.C:
			started := time.Now().UTC()
			summary := p.RunCycle(ctx)
			p.log.Sugar().Infow("Polling cycle completed",
				"scanned", summary.CategoriesScanned,
				"skipped", summary.CategoriesSkipped,
				"new_jobs", summary.NewJobs,
				"queued_email", summary.QueuedEmail,
				"queued_telegram", summary.QueuedTelegram,
				"elapsed_msecs", int(time.Since(started).Milliseconds()),
			)
		}
	}
}

func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

// RunCycle processes every watched category once: change-detect, sync,
// enrich, route. Overlapping invocations serialize on the cycle mutex; a
// delayed overlapping run is harmless because dedup is content-based. One
// category's failure never aborts the rest.
func (p *Poller) RunCycle(ctx context.Context) CycleSummary {
	p.mu.Lock()
	defer p.mu.Unlock()

	var summary CycleSummary

	var cats models.Categories
	if err := p.db.Find(&cats).Error; err != nil {
		p.log.Sugar().Errorw("Failed to load categories", "err", err)
		return summary
	}

	for i := range cats {
		if ctx.Err() != nil {
			return summary
		}
		cat := &cats[i]

		newJobs, skipped, err := p.sync.PollCategory(ctx, cat)
		if err != nil {
			p.log.Sugar().Warnw("Category sync failed", "category", cat.Name, "err", err)
			continue
		}
		if skipped {
			summary.CategoriesSkipped++
			continue
		}
		summary.CategoriesScanned++

		if len(newJobs) == 0 {
			continue
		}
		summary.NewJobs += len(newJobs)

		jobIDs := newJobs.IDs()
		p.enrich.EnrichJobs(ctx, jobIDs)

		stats, err := p.router.RouteJobs(ctx, cat, jobIDs)
		if err != nil {
			p.log.Sugar().Warnw("Routing failed", "category", cat.Name, "err", err)
			continue
		}
		summary.QueuedEmail += stats.EmailTasks
		summary.QueuedTelegram += stats.TelegramTasks
	}
	return summary
}
