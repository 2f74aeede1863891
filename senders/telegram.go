package senders

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/carlmjohnson/requests"
)

type telegramSender struct {
	base
}

type telegramPayload struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

func (t *telegramSender) Deliver(ctx context.Context, task *Task) (string, error) {
	if t.cfg.Telegram.BotToken == "" {
		return "", errors.New("telegram bot token is not configured")
	}

	timeout := time.Duration(t.cfg.Telegram.TimeoutSecs) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	text := fmt.Sprintf("<b>%s</b>\n\n%s", task.Subject, task.Body)
	err := t.sendMessage(ctx, telegramPayload{
		ChatID:                task.Recipient,
		Text:                  text,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil && requests.HasStatusErr(err, http.StatusBadRequest) {
		// Markup Telegram refuses to parse is retried as plain text.
		err = t.sendMessage(ctx, telegramPayload{
			ChatID:                task.Recipient,
			Text:                  text,
			DisableWebPagePreview: true,
		})
	}
	return "", err
}

func (t *telegramSender) sendMessage(ctx context.Context, payload telegramPayload) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.cfg.Telegram.BotToken)
	return requests.URL(url).
		Transport(t.transport).
		BodyJSON(&payload).
		Fetch(ctx)
}
