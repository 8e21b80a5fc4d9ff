package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/bugbay/bugbay/internal/email"
	"github.com/bugbay/bugbay/internal/logging"
	"github.com/bugbay/bugbay/internal/task"
)

// SendEmail handles send_email tasks, typically enqueued by billing event
// handlers to notify tenant owners.
type SendEmail struct {
	sender email.Sender
	logger *logging.Logger
}

func NewSendEmail(sender email.Sender) *SendEmail {
	return &SendEmail{sender: sender, logger: logging.New("handlers")}
}

// Handle implements task.HandlerFunc.
func (h *SendEmail) Handle(ctx context.Context, t *task.Task) error {
	var p task.EmailPayload
	if err := decodePayload(t.Payload, &p); err != nil {
		return task.Permanent(fmt.Errorf("decode email payload: %w", err))
	}
	if p.To == "" {
		return task.Permanent(errors.New("email payload missing to"))
	}

	if err := h.sender.Send(ctx, p.To, p.Subject, p.HTML); err != nil {
		// SMTP failures are transient until proven otherwise.
		return err
	}

	h.logger.WithContext(ctx).
		WithTask(t.ID).
		WithField("to", p.To).
		Info("email sent")
	return nil
}
