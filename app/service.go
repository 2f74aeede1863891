package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"html"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"jobwatch/config"
	"jobwatch/models"
	"jobwatch/senders"
)

var (
	ErrNoCategories      = errors.New("at least one category is required")
	ErrTooManyCategories = errors.New("too many categories requested")
	ErrUnknownCategories = errors.New("one or more category ids are invalid")
	ErrChatAlreadyLinked = errors.New("telegram chat is linked to another subscriber")
	ErrNotResendable     = errors.New("only failed notifications can be resent")
)

// VerifyOutcome is what the verification/unsubscribe endpoints report back
// to the page layer.
type VerifyOutcome string

const (
	VerifyOK      VerifyOutcome = "ok"
	VerifyAlready VerifyOutcome = "already"
	VerifyExpired VerifyOutcome = "expired"
	VerifyInvalid VerifyOutcome = "invalid"
)

// Service holds the user-facing operations: subscription management,
// verification, telegram linking, and the manual broadcast/resend paths
// that enqueue dispatch tasks directly, bypassing the router.
type Service struct {
	cfg      *config.Config
	log      *zap.Logger
	db       *gorm.DB
	dispatch Dispatcher
}

func NewService(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, db *gorm.DB, registry senders.Registry) *Service {
	return &Service{cfg, log, db, registry}
}

// Subscribe creates a subscriber or updates an existing one's category set
// and score filter. Unverified (or re-subscribing) users get a fresh token
// and a verification email.
func (svc *Service) Subscribe(ctx context.Context, email string, categoryIDs []uint, minHireRate *float64) (*models.Subscriber, error) {
	ids := normalizeCategoryIDs(categoryIDs)
	if len(ids) == 0 {
		return nil, ErrNoCategories
	}
	if len(ids) > svc.cfg.MaxCategoriesPerUser {
		return nil, ErrTooManyCategories
	}

	var cats models.Categories
	if err := svc.db.Where("id IN ?", ids).Find(&cats).Error; err != nil {
		return nil, err
	}
	if len(cats) != len(ids) {
		return nil, ErrUnknownCategories
	}

	filter := sql.NullFloat64{}
	if minHireRate != nil {
		filter = sql.NullFloat64{Float64: *minHireRate, Valid: true}
	}

	sub := &models.Subscriber{}
	tx := svc.db.Where("email = ?", email).First(sub)
	if errors.Is(tx.Error, gorm.ErrRecordNotFound) {
		sub = &models.Subscriber{
			Email:           email,
			Token:           uuid.NewString(),
			TokenIssuedAt:   time.Now().UTC(),
			ReceiveEmail:    true,
			ReceiveTelegram: true,
			MinHireRate:     filter,
		}
		if err := svc.db.Create(sub).Error; err != nil {
			return nil, err
		}
	} else if tx.Error != nil {
		return nil, tx.Error
	}

	if err := svc.db.Model(sub).Association("Categories").Replace(&cats); err != nil {
		return nil, err
	}

	if sub.Verified && !sub.Unsubscribed {
		err := svc.db.Model(sub).Updates(map[string]any{"min_hire_rate": filter}).Error
		if err != nil {
			return nil, err
		}
		svc.log.Sugar().Infof("Updated preferences for subscriber %v", sub.ID)
		return sub, nil
	}

	sub.Token = uuid.NewString()
	err := svc.db.Model(sub).Updates(map[string]any{
		"token":           sub.Token,
		"token_issued_at": time.Now().UTC(),
		"unsubscribed":    false,
		"min_hire_rate":   filter,
	}).Error
	if err != nil {
		return nil, err
	}

	svc.sendVerificationEmail(sub)
	svc.log.Sugar().Infof("Created subscription for %s, verification token issued", email)
	return sub, nil
}

// sendVerificationEmail goes straight onto the email queue; verification
// mail carries no notification rows to resolve.
func (svc *Service) sendVerificationEmail(sub *models.Subscriber) {
	verifyURL := fmt.Sprintf("%s/verify/%s", svc.cfg.ServerDNS, sub.Token)
	task := &senders.Task{
		Recipient: sub.Email,
		Subject:   senders.VerificationEmailSubject(),
		Body:      senders.VerificationEmailBody(verifyURL),
	}
	if err := svc.dispatch.Enqueue(models.ChannelEmail, task); err != nil {
		svc.log.Sugar().Warnw("Failed to enqueue verification email", "err", err)
	}
}

// VerifyToken marks a subscriber verified unless the token is unknown or
// older than the configured lifetime. Already-verified is idempotent.
func (svc *Service) VerifyToken(ctx context.Context, token string) (VerifyOutcome, error) {
	sub := models.Subscriber{}
	tx := svc.db.Where("token = ?", token).First(&sub)
	if errors.Is(tx.Error, gorm.ErrRecordNotFound) {
		return VerifyInvalid, nil
	} else if tx.Error != nil {
		return VerifyInvalid, tx.Error
	}

	if sub.Verified {
		return VerifyAlready, nil
	}
	if time.Now().UTC().After(sub.TokenIssuedAt.Add(svc.cfg.VerificationTokenTTL)) {
		return VerifyExpired, nil
	}

	if err := svc.db.Model(&sub).Update("verified", true).Error; err != nil {
		return VerifyInvalid, err
	}
	svc.log.Sugar().Infof("Subscriber %v verified", sub.ID)
	return VerifyOK, nil
}

// Unsubscribe is permanent and token-based; unlike verification the token
// never expires here, so old emails keep working.
func (svc *Service) Unsubscribe(ctx context.Context, token string) (VerifyOutcome, error) {
	sub := models.Subscriber{}
	tx := svc.db.Where("token = ?", token).First(&sub)
	if errors.Is(tx.Error, gorm.ErrRecordNotFound) {
		return VerifyInvalid, nil
	} else if tx.Error != nil {
		return VerifyInvalid, tx.Error
	}

	if sub.Unsubscribed {
		return VerifyAlready, nil
	}
	if err := svc.db.Model(&sub).Update("unsubscribed", true).Error; err != nil {
		return VerifyInvalid, err
	}
	svc.log.Sugar().Infof("Subscriber %v unsubscribed", sub.ID)
	return VerifyOK, nil
}

// LinkTelegramChat pairs a chat id with the subscriber owning the token
// (from a "/start <token>" bot command). Confirmation and error messages go
// out through the telegram queue like any other delivery.
func (svc *Service) LinkTelegramChat(ctx context.Context, token, chatID string) error {
	sub := models.Subscriber{}
	tx := svc.db.Where("token = ?", token).First(&sub)
	if errors.Is(tx.Error, gorm.ErrRecordNotFound) {
		svc.notifyChat(chatID, "❌ خطأ", "الرمز غير صحيح. يرجى التأكد من الرابط والمحاولة مرة أخرى.")
		return nil
	} else if tx.Error != nil {
		return tx.Error
	}

	existing := models.Subscriber{}
	tx = svc.db.Where("telegram_chat_id = ?", chatID).First(&existing)
	if tx.Error == nil && existing.ID != sub.ID {
		svc.notifyChat(chatID, "⚠️ تحذير", fmt.Sprintf(
			"هذا الحساب مرتبط بالفعل ببريد إلكتروني آخر (%s).", html.EscapeString(existing.Email),
		))
		return ErrChatAlreadyLinked
	} else if tx.Error != nil && !errors.Is(tx.Error, gorm.ErrRecordNotFound) {
		return tx.Error
	}

	err := svc.db.Model(&sub).
		Update("telegram_chat_id", sql.NullString{String: chatID, Valid: true}).Error
	if err != nil {
		svc.notifyChat(chatID, "❌ خطأ", "حدث خطأ أثناء ربط الحساب. يرجى المحاولة مرة أخرى لاحقاً.")
		return err
	}

	svc.notifyChat(chatID, "✅ تم الربط بنجاح!", fmt.Sprintf(
		"مرحباً! تم ربط حسابك (%s) بنجاح.\nستصلك إشعارات الوظائف الجديدة هنا.", html.EscapeString(sub.Email),
	))
	svc.log.Sugar().Infof("Linked telegram chat %s to subscriber %v", chatID, sub.ID)
	return nil
}

func (svc *Service) notifyChat(chatID, subject, body string) {
	task := &senders.Task{
		Recipient: chatID,
		Subject:   subject,
		Body:      body,
	}
	if err := svc.dispatch.Enqueue(models.ChannelTelegram, task); err != nil {
		svc.log.Sugar().Warnw("Failed to enqueue telegram message", "chat_id", chatID, "err", err)
	}
}

// Broadcast sends an ad-hoc message to one subscriber, located by email
// and/or chat id, on every channel they opted into. It bypasses the router
// but uses the same dispatch queues as the pipeline.
func (svc *Service) Broadcast(ctx context.Context, message, email, chatID string) (emails, telegrams int, err error) {
	if email != "" {
		sub := models.Subscriber{}
		tx := svc.db.Where("email = ?", email).First(&sub)
		if tx.Error == nil && sub.Verified && sub.ReceiveEmail && !sub.Unsubscribed {
			task := &senders.Task{
				SubscriberIDs: []uint{sub.ID},
				Recipient:     sub.Email,
				Subject:       senders.BroadcastSubject(),
				Body:          html.EscapeString(message),
			}
			if err := svc.dispatch.Enqueue(models.ChannelEmail, task); err == nil {
				emails++
			}
		} else if tx.Error != nil && !errors.Is(tx.Error, gorm.ErrRecordNotFound) {
			return emails, telegrams, tx.Error
		}
	}

	if chatID != "" {
		sub := models.Subscriber{}
		tx := svc.db.Where("telegram_chat_id = ?", chatID).First(&sub)
		if tx.Error == nil && sub.ReceiveTelegram && !sub.Unsubscribed {
			task := &senders.Task{
				SubscriberIDs: []uint{sub.ID},
				Recipient:     chatID,
				Subject:       senders.BroadcastSubject(),
				Body:          html.EscapeString(message),
			}
			if err := svc.dispatch.Enqueue(models.ChannelTelegram, task); err == nil {
				telegrams++
			}
		} else if tx.Error != nil && !errors.Is(tx.Error, gorm.ErrRecordNotFound) {
			return emails, telegrams, tx.Error
		}
	}

	if emails == 0 && telegrams == 0 {
		return 0, 0, gorm.ErrRecordNotFound
	}
	return emails, telegrams, nil
}

// ResendNotification is the operator path for a failed delivery. The
// original record keeps its terminal status; the resend is a fresh
// best-effort attempt tracked only through the subscriber's last-notified
// timestamp.
func (svc *Service) ResendNotification(ctx context.Context, notificationID uint) error {
	notif := models.Notification{}
	tx := svc.db.Preload("Subscriber").Preload("Job.Category").First(&notif, notificationID)
	if tx.Error != nil {
		return tx.Error
	}
	if notif.Status != models.StatusFailed {
		return ErrNotResendable
	}

	jobs := models.Jobs{notif.Job}
	task := &senders.Task{
		SubscriberIDs: []uint{notif.SubscriberID},
	}

	switch notif.Channel {
	case models.ChannelEmail:
		task.Recipient = notif.Subscriber.Email
		task.Subject = senders.JobsEmailSubject(notif.Job.Category.Name)
		task.Body = senders.JobsEmailBody(notif.Job.Category.Name, jobs, svc.cfg.ServerDNS+"/api/subscribe")
	case models.ChannelTelegram:
		if !notif.Subscriber.TelegramChatID.Valid {
			return fmt.Errorf("subscriber %v has no telegram chat linked", notif.SubscriberID)
		}
		task.Recipient = notif.Subscriber.TelegramChatID.String
		task.Subject = senders.JobsTelegramSubject(notif.Job.Category.Name)
		task.Body = senders.JobsTelegramBody(jobs)
	default:
		return fmt.Errorf("unsupported channel: %s", notif.Channel)
	}

	return svc.dispatch.Enqueue(notif.Channel, task)
}

func normalizeCategoryIDs(ids []uint) []uint {
	seen := map[uint]bool{}
	var out []uint
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
