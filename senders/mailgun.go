package senders

import (
	"context"
	"time"

	"github.com/mailgun/mailgun-go/v4"
)

type mailgunSender struct {
	base
}

func (e *mailgunSender) Deliver(ctx context.Context, task *Task) (string, error) {
	mg := mailgun.NewMailgun(e.cfg.Mailgun.Domain, e.cfg.Mailgun.APIKey)
	mg.Client().Transport = e.transport

	// Batches are addressed to the sender itself with every recipient on
	// the blind-copy list, so subscribers never see each other.
	to := task.Recipient
	if to == "" {
		to = e.cfg.Mailgun.SenderFrom
	}

	// Create message with empty body first.
	message := mg.NewMessage(e.cfg.Mailgun.SenderFrom, task.Subject, "", to)
	// SetHtml with the payload proper. This will assign the MIME type properly.
	message.SetHtml(task.Body)
	for _, bcc := range task.BCC {
		message.AddBCC(bcc)
	}

	timeout := time.Duration(e.cfg.Mailgun.TimeoutSecs) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, id, err := mg.Send(ctx, message)
	return id, err
}
