package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"jobwatch/config"
	"jobwatch/models"
)

func NewAPI(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, svc *Service, poller *Poller) *http.Server {
	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	srv := &http.Server{Addr: addr, Handler: router(cfg, log, svc, poller)}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go srv.ListenAndServe()
			return nil
		},
		OnStop: srv.Shutdown,
	})

	return srv
}

func router(cfg *config.Config, log *zap.Logger, svc *Service, poller *Poller) http.Handler {
	ctrl := &controller{log, svc, poller}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", ctrl.health)

	r.Post("/api/subscribe", ctrl.subscribe)
	r.Post("/api/telegram/webhook", ctrl.telegramWebhook)
	r.Get("/verify/{token}", ctrl.verify)
	r.Get("/unsubscribe/{token}", ctrl.unsubscribe)

	r.Route("/api/admin", func(r chi.Router) {
		if creds := cfg.GetCreds(); len(creds) > 0 {
			r.Use(middleware.BasicAuth("jobwatch", creds))
		} else {
			log.Sugar().Info("Auth is disabled since no credentials are defined")
		}

		r.Post("/broadcast", ctrl.broadcast)
		r.Post("/notifications/{id}/resend", ctrl.resend)
		r.Post("/poll", ctrl.poll)
	})

	return r
}

type controller struct {
	log    *zap.Logger
	svc    *Service
	poller *Poller
}

func (ctrl *controller) reject(w http.ResponseWriter, status int, err error) {
	if err != nil {
		http.Error(w, err.Error(), status)
	} else {
		w.WriteHeader(status)
	}
}

func (ctrl *controller) resolve(w http.ResponseWriter, status int, body any) {
	if b, err := json.Marshal(body); err != nil {
		ctrl.reject(w, http.StatusInternalServerError, err)
		ctrl.log.Sugar().Error("Request failed", "error", err)
		return
	} else {
		w.WriteHeader(status)
		if b != nil {
			w.Write(b)
		}
	}
}

func (ctrl *controller) health(w http.ResponseWriter, r *http.Request) {
	var pending int64
	ctrl.svc.db.Model(&models.Notification{}).
		Where("status = ?", models.StatusPending).
		Count(&pending)

	lastScrape := models.ScrapeLog{}
	ctrl.svc.db.Order("scraped_at DESC").Limit(1).Find(&lastScrape)

	body := map[string]any{
		"status":                "ok",
		"pending_notifications": pending,
	}
	if !lastScrape.ScrapedAt.IsZero() {
		body["last_scrape_at"] = lastScrape.ScrapedAt
		body["last_scrape_status"] = lastScrape.Status
	}
	ctrl.resolve(w, http.StatusOK, body)
}

type subscribeRequest struct {
	Email       string   `json:"email"`
	CategoryIDs []uint   `json:"category_ids"`
	MinHireRate *float64 `json:"min_hire_rate"`
}

func (ctrl *controller) subscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctrl.reject(w, 400, err)
		return
	}
	if req.Email == "" {
		ctrl.reject(w, 400, errors.New("Email is required"))
		return
	}

	sub, err := ctrl.svc.Subscribe(ctx, req.Email, req.CategoryIDs, req.MinHireRate)
	switch {
	case errors.Is(err, ErrNoCategories),
		errors.Is(err, ErrTooManyCategories),
		errors.Is(err, ErrUnknownCategories):
		ctrl.reject(w, 400, err)
		return
	case err != nil:
		ctrl.reject(w, 500, err)
		return
	}

	ctrl.resolve(w, http.StatusAccepted, map[string]any{
		"subscriber_id": sub.ID,
		"verified":      sub.Verified,
	})
}

func (ctrl *controller) verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := chi.URLParam(r, "token")

	outcome, err := ctrl.svc.VerifyToken(ctx, token)
	if err != nil {
		ctrl.reject(w, 500, err)
		return
	}
	ctrl.resolve(w, verifyStatusCode(outcome), map[string]any{"result": outcome})
}

func (ctrl *controller) unsubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := chi.URLParam(r, "token")

	outcome, err := ctrl.svc.Unsubscribe(ctx, token)
	if err != nil {
		ctrl.reject(w, 500, err)
		return
	}
	ctrl.resolve(w, verifyStatusCode(outcome), map[string]any{"result": outcome})
}

func verifyStatusCode(outcome VerifyOutcome) int {
	switch outcome {
	case VerifyInvalid:
		return http.StatusNotFound
	case VerifyExpired:
		return http.StatusGone
	default:
		return http.StatusOK
	}
}

// telegramUpdate is the slice of the Bot API update payload we care about:
// "/start <token>" messages used for account linking.
type telegramUpdate struct {
	Message struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

func (ctrl *controller) telegramWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var update telegramUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		ctrl.reject(w, 400, err)
		return
	}

	// Always 200: Telegram retries non-2xx responses indefinitely.
	token, ok := parseStartCommand(update.Message.Text)
	if !ok || update.Message.Chat.ID == 0 {
		ctrl.resolve(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	chatID := strconv.FormatInt(update.Message.Chat.ID, 10)
	if err := ctrl.svc.LinkTelegramChat(ctx, token, chatID); err != nil {
		ctrl.log.Sugar().Warnw("Telegram linking failed", "chat_id", chatID, "err", err)
	}
	ctrl.resolve(w, http.StatusOK, map[string]any{"ok": true})
}

func parseStartCommand(text string) (token string, ok bool) {
	const prefix = "/start "
	if len(text) <= len(prefix) || text[:len(prefix)] != prefix {
		return "", false
	}
	return text[len(prefix):], true
}

type broadcastRequest struct {
	Message        string `json:"message"`
	Email          string `json:"email"`
	TelegramChatID string `json:"telegram_chat_id"`
}

func (ctrl *controller) broadcast(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctrl.reject(w, 400, err)
		return
	}
	if req.Message == "" {
		ctrl.reject(w, 400, errors.New("Message is required"))
		return
	}
	if req.Email == "" && req.TelegramChatID == "" {
		ctrl.reject(w, 400, errors.New("Email or telegram_chat_id is required"))
		return
	}

	emails, telegrams, err := ctrl.svc.Broadcast(ctx, req.Message, req.Email, req.TelegramChatID)
	if err != nil {
		ctrl.reject(w, 404, err)
		return
	}
	ctrl.resolve(w, http.StatusAccepted, map[string]any{
		"queued_email":    emails,
		"queued_telegram": telegrams,
	})
}

func (ctrl *controller) resend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := parseInt(chi.URLParam(r, "id"))

	err := ctrl.svc.ResendNotification(ctx, id)
	switch {
	case errors.Is(err, ErrNotResendable):
		ctrl.reject(w, 409, err)
		return
	case err != nil:
		ctrl.reject(w, 404, err)
		return
	}
	ctrl.resolve(w, http.StatusAccepted, map[string]any{"resent": id})
}

func (ctrl *controller) poll(w http.ResponseWriter, r *http.Request) {
	summary := ctrl.poller.RunCycle(r.Context())
	ctrl.resolve(w, http.StatusOK, summary)
}

func parseInt(s string) uint {
	u, _ := strconv.ParseUint(s, 10, 64)
	return uint(u)
}
