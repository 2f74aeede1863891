package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"jobwatch/config"
	"jobwatch/models"
	"jobwatch/senders"
)

// Dispatcher is the queue contract the router fans out through.
type Dispatcher interface {
	Enqueue(channel string, task *senders.Task) error
}

// Router turns newly discovered jobs into per-subscriber delivery
// obligations and dispatch tasks. Eligibility and score filters are
// evaluated once, at record-creation time; later preference changes do not
// recall queued tasks.
type Router struct {
	cfg      *config.Config
	log      *zap.Logger
	db       *gorm.DB
	dispatch Dispatcher
}

// RouteStats reports what one routing pass queued, for cycle summaries.
type RouteStats struct {
	Notifications int
	EmailTasks    int
	TelegramTasks int
}

func NewRouter(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, db *gorm.DB, registry senders.Registry) *Router {
	return &Router{cfg, log, db, registry}
}

type emailMember struct {
	subscriber      models.Subscriber
	notificationIDs []uint
}

type emailGroup struct {
	jobs    models.Jobs
	members []emailMember
}

// RouteJobs fans the given jobs out to the category's subscribers. Jobs are
// passed by identifier and re-read from the store so enrichment scores
// written since discovery are visible here.
func (r *Router) RouteJobs(ctx context.Context, cat *models.Category, jobIDs []uint) (RouteStats, error) {
	var stats RouteStats
	if len(jobIDs) == 0 {
		return stats, nil
	}

	var jobs models.Jobs
	if err := r.db.Where("id IN ?", jobIDs).Order("id").Find(&jobs).Error; err != nil {
		return stats, err
	}

	var subs models.Subscribers
	err := r.db.
		Joins("JOIN subscriber_categories sc ON sc.subscriber_id = subscribers.id").
		Where("sc.category_id = ?", cat.ID).
		Where("unsubscribed = ?", false).
		Order("subscribers.id").
		Find(&subs).Error
	if err != nil {
		return stats, err
	}
	if len(subs) == 0 {
		r.log.Sugar().Debugw("No subscribers for category", "category", cat.Name)
		return stats, nil
	}

	groups := map[string]*emailGroup{}
	var groupOrder []string

	for _, sub := range subs {
		passing := passingJobs(sub, jobs)
		if len(passing) == 0 {
			continue
		}

		if r.emailEligible(sub) {
			notifIDs, err := r.createNotifications(sub.ID, passing, models.ChannelEmail)
			if err != nil {
				r.log.Sugar().Errorw("Failed to create email notifications", "subscriber", sub.ID, "err", err)
				continue
			}
			stats.Notifications += len(notifIDs)

			key := jobSetKey(passing)
			group, ok := groups[key]
			if !ok {
				group = &emailGroup{jobs: passing}
				groups[key] = group
				groupOrder = append(groupOrder, key)
			}
			group.members = append(group.members, emailMember{sub, notifIDs})
		}

		if r.telegramEligible(sub) {
			notifIDs, err := r.createNotifications(sub.ID, passing, models.ChannelTelegram)
			if err != nil {
				r.log.Sugar().Errorw("Failed to create telegram notifications", "subscriber", sub.ID, "err", err)
				continue
			}
			stats.Notifications += len(notifIDs)

			task := &senders.Task{
				NotificationIDs: notifIDs,
				SubscriberIDs:   []uint{sub.ID},
				Recipient:       sub.TelegramChatID.String,
				Subject:         senders.JobsTelegramSubject(cat.Name),
				Body:            senders.JobsTelegramBody(passing),
			}
			if err := r.dispatch.Enqueue(models.ChannelTelegram, task); err != nil {
				r.log.Sugar().Errorw("Failed to enqueue telegram task", "subscriber", sub.ID, "err", err)
				continue
			}
			stats.TelegramTasks++
		}
	}

	stats.EmailTasks = r.flushEmailGroups(cat, groups, groupOrder)

	r.log.Sugar().Infow("Routed jobs",
		"category", cat.Name, "jobs", len(jobs), "subscribers", len(subs),
		"notifications", stats.Notifications,
		"email_tasks", stats.EmailTasks, "telegram_tasks", stats.TelegramTasks,
	)
	return stats, nil
}

// flushEmailGroups converts each identical-item-set recipient group into
// BCC batches of at most MaxEmailBatchSize, preserving recipient order.
func (r *Router) flushEmailGroups(cat *models.Category, groups map[string]*emailGroup, order []string) int {
	batchSize := r.cfg.MaxEmailBatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	preferencesURL := r.cfg.ServerDNS + "/api/subscribe"

	tasks := 0
	for _, key := range order {
		group := groups[key]
		body := senders.JobsEmailBody(cat.Name, group.jobs, preferencesURL)

		for start := 0; start < len(group.members); start += batchSize {
			end := start + batchSize
			if end > len(group.members) {
				end = len(group.members)
			}
			chunk := group.members[start:end]

			var notifIDs, subIDs []uint
			var bcc []string
			for _, member := range chunk {
				notifIDs = append(notifIDs, member.notificationIDs...)
				subIDs = append(subIDs, member.subscriber.ID)
				bcc = append(bcc, member.subscriber.Email)
			}

			task := &senders.Task{
				NotificationIDs: notifIDs,
				SubscriberIDs:   subIDs,
				BCC:             bcc,
				Subject:         senders.JobsEmailSubject(cat.Name),
				Body:            body,
			}
			if err := r.dispatch.Enqueue(models.ChannelEmail, task); err != nil {
				r.log.Sugar().Errorw("Failed to enqueue email task", "category", cat.Name, "err", err)
				continue
			}
			tasks++
		}
	}
	return tasks
}

func (r *Router) createNotifications(subscriberID uint, jobs models.Jobs, channel string) ([]uint, error) {
	ids := make([]uint, 0, len(jobs))
	err := r.db.Transaction(func(tx *gorm.DB) error {
		for _, job := range jobs {
			notif := models.Notification{
				SubscriberID: subscriberID,
				JobID:        job.ID,
				Channel:      channel,
				Status:       models.StatusPending,
			}
			if err := tx.Create(&notif).Error; err != nil {
				return err
			}
			ids = append(ids, notif.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *Router) emailEligible(sub models.Subscriber) bool {
	return !sub.Unsubscribed && sub.Verified && sub.ReceiveEmail
}

func (r *Router) telegramEligible(sub models.Subscriber) bool {
	if sub.Unsubscribed || !sub.ReceiveTelegram || !sub.TelegramChatID.Valid {
		return false
	}
	if !r.cfg.NotifyUnverifiedTelegram && !sub.Verified {
		return false
	}
	return true
}

// passingJobs applies the subscriber's minimum-score filter. A null filter
// passes everything; a null score never satisfies a non-null filter.
func passingJobs(sub models.Subscriber, jobs models.Jobs) models.Jobs {
	if !sub.MinHireRate.Valid {
		return jobs
	}

	var out models.Jobs
	for _, job := range jobs {
		if job.HireRate.Valid && job.HireRate.Float64 >= sub.MinHireRate.Float64 {
			out = append(out, job)
		}
	}
	return out
}

func jobSetKey(jobs models.Jobs) string {
	parts := make([]string, len(jobs))
	for i, job := range jobs {
		parts[i] = fmt.Sprint(job.ID)
	}
	return strings.Join(parts, ",")
}
