package senders

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"jobwatch/config"
	"jobwatch/models"
)

// Task is one unit of work for a channel worker: the delivery obligations
// it resolves, the subscribers whose last-notified timestamps it bumps, and
// the channel payload. A task with no notification IDs (verification mail,
// admin broadcast) is delivered without status tracking.
type Task struct {
	NotificationIDs []uint
	SubscriberIDs   []uint
	Recipient       string
	BCC             []string
	Subject         string
	Body            string
}

// Sender is the transport capability behind a queue. Deliver returns the
// provider's message id, where the provider has one.
type Sender interface {
	Deliver(ctx context.Context, task *Task) (string, error)
}

// Registry maps channel tags to their dispatch queues. Each channel owns
// exactly one queue and one worker; serializing outbound calls per channel
// keeps the providers happy without separate limiter state.
type Registry map[string]*Queue

func NewSenderRegistry(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config, db *gorm.DB, transport http.RoundTripper) Registry {
	base := base{log, cfg, transport}
	registry := Registry{
		models.ChannelEmail:    NewQueue("email-dispatch", log, db, &mailgunSender{base}),
		models.ChannelTelegram: NewQueue("telegram-dispatch", log, db, &telegramSender{base}),
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			for _, queue := range registry {
				queue.Start()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			for _, queue := range registry {
				queue.Stop()
			}
			return nil
		},
	})

	return registry
}

// Enqueue pushes a task onto the queue owning the given channel.
func (r Registry) Enqueue(channel string, task *Task) error {
	queue, ok := r[channel]
	if !ok {
		return fmt.Errorf("unsupported channel: %s", channel)
	}
	queue.Enqueue(task)
	return nil
}

type base struct {
	log       *zap.Logger
	cfg       *config.Config
	transport http.RoundTripper
}
