package senders

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"jobwatch/models"
)

// Queue is an unbounded FIFO of dispatch tasks drained by a single worker
// goroutine. Enqueue never blocks; delivery order within a channel is
// enqueue order.
type Queue struct {
	name   string
	log    *zap.Logger
	db     *gorm.DB
	sender Sender

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*Task
	stopped bool
	done    chan struct{}
}

func NewQueue(name string, log *zap.Logger, db *gorm.DB, sender Sender) *Queue {
	q := &Queue{
		name:   name,
		log:    log,
		db:     db,
		sender: sender,
		done:   make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) Start() {
	go q.run()
}

// Stop signals the worker and waits for it to finish its in-flight task.
// Tasks still queued are abandoned; their notifications stay pending for
// operator follow-up.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.cond.Broadcast()
	<-q.done
}

func (q *Queue) Enqueue(task *Task) {
	q.mu.Lock()
	q.pending = append(q.pending, task)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *Queue) run() {
	defer close(q.done)
	q.log.Sugar().Infof("%s worker started", q.name)

	for {
		task := q.next()
		if task == nil {
			q.log.Sugar().Infof("%s worker stopped", q.name)
			return
		}
		q.process(task)
	}
}

// next blocks until a task arrives or the queue is stopped. Stop wins over
// queued work: only the task already being processed is finished.
func (q *Queue) next() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.pending) == 0 && !q.stopped {
		q.cond.Wait()
	}
	if q.stopped {
		return nil
	}

	task := q.pending[0]
	q.pending = q.pending[1:]
	return task
}

func (q *Queue) process(task *Task) {
	messageID, err := q.sender.Deliver(context.Background(), task)
	if err != nil {
		q.log.Sugar().Warnw("Delivery failed",
			"queue", q.name, "notifications", len(task.NotificationIDs), "err", err,
		)
		q.writeOutcome(task, false, err.Error())
		return
	}

	q.log.Sugar().Infow("Delivered",
		"queue", q.name, "notifications", len(task.NotificationIDs), "message_id", messageID,
	)
	q.writeOutcome(task, true, "")
}

// writeOutcome resolves the task's notifications in one transaction. The
// pending-status guard makes terminal states write-once: a notification
// never flips between sent and failed, and never re-enters pending.
func (q *Queue) writeOutcome(task *Task, success bool, errMsg string) {
	if len(task.NotificationIDs) == 0 && len(task.SubscriberIDs) == 0 {
		return
	}
	now := time.Now().UTC()

	err := q.db.Transaction(func(tx *gorm.DB) error {
		if len(task.NotificationIDs) > 0 {
			updates := map[string]any{
				"status":        models.StatusFailed,
				"error_message": errMsg,
			}
			if success {
				updates = map[string]any{
					"status":  models.StatusSent,
					"sent_at": now,
				}
			}

			err := tx.Model(&models.Notification{}).
				Where("id IN ?", task.NotificationIDs).
				Where("status = ?", models.StatusPending).
				Updates(updates).Error
			if err != nil {
				return err
			}
		}

		if success && len(task.SubscriberIDs) > 0 {
			err := tx.Model(&models.Subscriber{}).
				Where("id IN ?", task.SubscriberIDs).
				Update("last_notified_at", now).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		q.log.Sugar().Errorw("Failed to record delivery outcome", "queue", q.name, "err", err)
	}
}
