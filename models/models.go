package models

import (
	"crypto/sha256"
	"database/sql"
	"fmt"
	"time"

	"gorm.io/gorm"
)

const (
	ChannelEmail    = "email"
	ChannelTelegram = "telegram"
)

const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Scrape run outcomes. Blocked is kept distinct from plain errors so
// rate-limit pressure from the source site is visible in the logs table.
const (
	OutcomeSuccess = "success"
	OutcomeBlocked = "blocked"
	OutcomeError   = "error"
)

// Category is a watched listing endpoint on the source site.
type Category struct {
	gorm.Model
	Name           string
	SourceURL      string `gorm:"unique"`
	LastScrapedAt  sql.NullTime
	ScrapeFailures int
}

type Categories []Category

// Job is a discovered posting. Rows are immutable after creation except for
// HireRate, which the enrichment pool fills in from the detail page.
type Job struct {
	gorm.Model
	Title       string
	URL         string `gorm:"unique"`
	ContentHash string `gorm:"index:idx_jobs_hash"`
	CategoryID  uint   `gorm:"index:idx_jobs_category"`
	ScrapedAt   time.Time
	HireRate    sql.NullFloat64

	Category Category
}

type Jobs []Job

func (jobs Jobs) IDs() []uint {
	ids := make([]uint, len(jobs))
	for i, job := range jobs {
		ids[i] = job.ID
	}
	return ids
}

func (j *Job) BeforeCreate(tx *gorm.DB) error {
	if j.ContentHash == "" {
		j.ContentHash = HashTitle(j.Title)
	}
	return nil
}

// HashTitle fingerprints a posting by title, so the same posting republished
// under a different URL still dedups.
func HashTitle(title string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(title)))
}

type Subscriber struct {
	gorm.Model
	Email           string `gorm:"unique"`
	Token           string `gorm:"unique;index:idx_subscribers_token"`
	TokenIssuedAt   time.Time
	Verified        bool `gorm:"index:idx_subscribers_verified"`
	Unsubscribed    bool `gorm:"index:idx_subscribers_verified"`
	ReceiveEmail    bool
	ReceiveTelegram bool
	TelegramChatID  sql.NullString `gorm:"unique"`
	MinHireRate     sql.NullFloat64
	LastNotifiedAt  sql.NullTime

	Categories []Category `gorm:"many2many:subscriber_categories;"`
}

type Subscribers []Subscriber

// Notification is one delivery obligation per (subscriber, job, channel).
// Status only ever moves pending -> sent or pending -> failed; the dispatch
// workers guard their writes on the pending status.
type Notification struct {
	gorm.Model
	SubscriberID uint   `gorm:"index:idx_notifications_subscriber"`
	JobID        uint   `gorm:"index:idx_notifications_job"`
	Channel      string `gorm:"index:idx_notifications_channel"`
	Status       string `gorm:"index:idx_notifications_status"`
	SentAt       sql.NullTime
	ErrorMessage sql.NullString

	Subscriber Subscriber
	Job        Job
}

type Notifications []Notification

// ScrapeLog records one synchronizer run per category. Append-only.
type ScrapeLog struct {
	ID              uint `gorm:"primarykey"`
	CategoryID      sql.NullInt64
	Status          string
	JobsFound       int
	DurationSeconds float64
	ErrorMessage    sql.NullString
	ScrapedAt       time.Time
}

type ScrapeLogs []ScrapeLog
