package app

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"jobwatch/config"
	"jobwatch/models"
)

func newTestRouter(t *testing.T) (*Router, *gorm.DB, *fakeDispatcher, *config.Config) {
	t.Helper()

	cfg := newTestConfig("https://source.example")
	db := newTestDB(t)
	fake := newFakeDispatcher()
	router := &Router{cfg: cfg, log: zap.NewNop(), db: db, dispatch: fake}
	return router, db, fake, cfg
}

func seedCategory(t *testing.T, db *gorm.DB) *models.Category {
	t.Helper()
	cat := &models.Category{Name: "تصميم", SourceURL: "https://source.example/projects"}
	require.NoError(t, db.Create(cat).Error)
	return cat
}

func seedJob(t *testing.T, db *gorm.DB, cat *models.Category, title string, hireRate *float64) models.Job {
	t.Helper()

	job := models.Job{
		Title:      title,
		URL:        "https://source.example/project/" + title,
		CategoryID: cat.ID,
		ScrapedAt:  time.Now().UTC(),
	}
	if hireRate != nil {
		job.HireRate = sql.NullFloat64{Float64: *hireRate, Valid: true}
	}
	require.NoError(t, db.Create(&job).Error)
	return job
}

func seedSubscriber(t *testing.T, db *gorm.DB, cat *models.Category, sub models.Subscriber) models.Subscriber {
	t.Helper()

	if sub.Token == "" {
		sub.Token = "token-" + sub.Email
	}
	sub.TokenIssuedAt = time.Now().UTC()
	require.NoError(t, db.Create(&sub).Error)
	require.NoError(t, db.Model(&sub).Association("Categories").Append(cat))
	return sub
}

func ptr(f float64) *float64 { return &f }

func TestRouteJobsEndToEnd(t *testing.T) {
	router, db, fake, _ := newTestRouter(t)
	cat := seedCategory(t, db)

	jobs := models.Jobs{
		seedJob(t, db, cat, "شعار", ptr(80)),
		seedJob(t, db, cat, "موقع", nil),
		seedJob(t, db, cat, "تطبيق", ptr(40)),
	}
	seedSubscriber(t, db, cat, models.Subscriber{
		Email: "a@example.com", Verified: true, ReceiveEmail: true,
	})

	stats, err := router.RouteJobs(context.Background(), cat, jobs.IDs())
	require.NoError(t, err)

	// Three delivery obligations, one batched email task.
	assert.Equal(t, 3, stats.Notifications)
	assert.Equal(t, 1, stats.EmailTasks)
	assert.Equal(t, 0, stats.TelegramTasks)

	var pending int64
	db.Model(&models.Notification{}).Where("status = ?", models.StatusPending).Count(&pending)
	assert.EqualValues(t, 3, pending)

	tasks := fake.channelTasks(models.ChannelEmail)
	require.Len(t, tasks, 1)
	assert.Len(t, tasks[0].NotificationIDs, 3)
	assert.Equal(t, []string{"a@example.com"}, tasks[0].BCC)
}

func TestRouteJobsMinScoreFilter(t *testing.T) {
	router, db, fake, _ := newTestRouter(t)
	cat := seedCategory(t, db)

	jobs := models.Jobs{
		seedJob(t, db, cat, "فوق الحد", ptr(80)),
		seedJob(t, db, cat, "على الحد", ptr(70)),
		seedJob(t, db, cat, "تحت الحد", ptr(69)),
		seedJob(t, db, cat, "بدون تقييم", nil),
	}

	seedSubscriber(t, db, cat, models.Subscriber{
		Email: "strict@example.com", Verified: true, ReceiveEmail: true,
		MinHireRate: sql.NullFloat64{Float64: 70, Valid: true},
	})
	seedSubscriber(t, db, cat, models.Subscriber{
		Email: "open@example.com", Verified: true, ReceiveEmail: true,
	})

	stats, err := router.RouteJobs(context.Background(), cat, jobs.IDs())
	require.NoError(t, err)

	// Threshold is inclusive; a null score never passes a set filter. The
	// unfiltered subscriber receives everything.
	assert.Equal(t, 2+4, stats.Notifications)

	tasks := fake.channelTasks(models.ChannelEmail)
	require.Len(t, tasks, 2)
	assert.Len(t, tasks[0].NotificationIDs, 2)
	assert.Len(t, tasks[1].NotificationIDs, 4)
}

func TestRouteJobsBatchesBySize(t *testing.T) {
	router, db, fake, cfg := newTestRouter(t)
	cfg.MaxEmailBatchSize = 2
	cat := seedCategory(t, db)

	job := seedJob(t, db, cat, "مشروع", nil)
	for i := 0; i < 5; i++ {
		seedSubscriber(t, db, cat, models.Subscriber{
			Email: fmt.Sprintf("user%d@example.com", i), Verified: true, ReceiveEmail: true,
		})
	}

	stats, err := router.RouteJobs(context.Background(), cat, []uint{job.ID})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.EmailTasks)

	tasks := fake.channelTasks(models.ChannelEmail)
	require.Len(t, tasks, 3)
	assert.Len(t, tasks[0].BCC, 2)
	assert.Len(t, tasks[1].BCC, 2)
	assert.Len(t, tasks[2].BCC, 1)

	// Every recipient appears exactly once across the batches.
	seen := map[string]int{}
	for _, task := range tasks {
		for _, email := range task.BCC {
			seen[email]++
		}
	}
	require.Len(t, seen, 5)
	for email, n := range seen {
		assert.Equal(t, 1, n, email)
	}
}

func TestRouteJobsEligibility(t *testing.T) {
	router, db, fake, _ := newTestRouter(t)
	cat := seedCategory(t, db)
	job := seedJob(t, db, cat, "مشروع", nil)

	seedSubscriber(t, db, cat, models.Subscriber{
		Email: "unverified@example.com", ReceiveEmail: true,
	})
	seedSubscriber(t, db, cat, models.Subscriber{
		Email: "optout@example.com", Verified: true,
	})
	seedSubscriber(t, db, cat, models.Subscriber{
		Email: "gone@example.com", Verified: true, ReceiveEmail: true, Unsubscribed: true,
	})
	eligible := seedSubscriber(t, db, cat, models.Subscriber{
		Email: "ok@example.com", Verified: true, ReceiveEmail: true,
	})

	stats, err := router.RouteJobs(context.Background(), cat, []uint{job.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Notifications)

	tasks := fake.channelTasks(models.ChannelEmail)
	require.Len(t, tasks, 1)
	assert.Equal(t, []uint{eligible.ID}, tasks[0].SubscriberIDs)
}

func TestRouteJobsTelegramPolicy(t *testing.T) {
	chat := func(id string) sql.NullString { return sql.NullString{String: id, Valid: true} }

	t.Run("unverified chats notified by default", func(t *testing.T) {
		router, db, fake, _ := newTestRouter(t)
		cat := seedCategory(t, db)
		job := seedJob(t, db, cat, "مشروع", nil)

		seedSubscriber(t, db, cat, models.Subscriber{
			Email: "tg@example.com", ReceiveTelegram: true, TelegramChatID: chat("111"),
		})

		stats, err := router.RouteJobs(context.Background(), cat, []uint{job.ID})
		require.NoError(t, err)
		assert.Equal(t, 1, stats.TelegramTasks)

		tasks := fake.channelTasks(models.ChannelTelegram)
		require.Len(t, tasks, 1)
		assert.Equal(t, "111", tasks[0].Recipient)
	})

	t.Run("strict policy requires verification", func(t *testing.T) {
		router, db, fake, cfg := newTestRouter(t)
		cfg.NotifyUnverifiedTelegram = false
		cat := seedCategory(t, db)
		job := seedJob(t, db, cat, "مشروع", nil)

		seedSubscriber(t, db, cat, models.Subscriber{
			Email: "tg@example.com", ReceiveTelegram: true, TelegramChatID: chat("111"),
		})
		seedSubscriber(t, db, cat, models.Subscriber{
			Email: "tg2@example.com", Verified: true, ReceiveTelegram: true, TelegramChatID: chat("222"),
		})

		stats, err := router.RouteJobs(context.Background(), cat, []uint{job.ID})
		require.NoError(t, err)
		assert.Equal(t, 1, stats.TelegramTasks)

		tasks := fake.channelTasks(models.ChannelTelegram)
		require.Len(t, tasks, 1)
		assert.Equal(t, "222", tasks[0].Recipient)
	})
}

func TestRouteJobsNoPassingJobsCreatesNothing(t *testing.T) {
	router, db, fake, _ := newTestRouter(t)
	cat := seedCategory(t, db)
	job := seedJob(t, db, cat, "ضعيف", ptr(10))

	seedSubscriber(t, db, cat, models.Subscriber{
		Email: "strict@example.com", Verified: true, ReceiveEmail: true,
		MinHireRate: sql.NullFloat64{Float64: 90, Valid: true},
	})

	stats, err := router.RouteJobs(context.Background(), cat, []uint{job.ID})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Notifications)
	assert.Empty(t, fake.channelTasks(models.ChannelEmail))

	var count int64
	db.Model(&models.Notification{}).Count(&count)
	assert.Zero(t, count)
}
