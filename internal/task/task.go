// Package task implements the durable task queue: the store, the retry state
// machine, the handler registry and the polling dispatcher.
package task

import (
	"time"
)

// Status represents the states a task can be in.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Well-known task types with built-in handlers.
const (
	TypeWebhookDelivery = "webhook_delivery"
	TypeSendEmail       = "send_email"
)

// maxErrorLen bounds the stored error_message column.
const maxErrorLen = 1000

// Task is a durable record of one unit of deferred work.
type Task struct {
	ID           string         `json:"id"`
	TaskType     string         `json:"task_type"`
	Payload      map[string]any `json:"payload"`
	Status       Status         `json:"status"`
	Attempts     int            `json:"attempts"`
	MaxAttempts  int            `json:"max_attempts"`
	NextRetryAt  *time.Time     `json:"next_retry_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// WebhookPayload is the payload schema for webhook_delivery tasks. Only the
// destination id is queued; the secret is resolved at delivery time.
type WebhookPayload struct {
	DestinationID string         `json:"destination_id"`
	Event         string         `json:"event"`
	Data          map[string]any `json:"data"`
}

// EmailPayload is the payload schema for send_email tasks.
type EmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// backoffDelay returns the retry delay after the given (already incremented)
// attempt count: base * 2^attempts, capped at max when max > 0.
func backoffDelay(base, max time.Duration, attempts int) time.Duration {
	// Shift-based doubling overflows quickly; clamp the exponent first.
	if attempts > 30 {
		attempts = 30
	}
	d := base << uint(attempts)
	if max > 0 && d > max {
		d = max
	}
	return d
}

// truncateError bounds an error string for storage.
func truncateError(msg string) string {
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen]
	}
	return msg
}
