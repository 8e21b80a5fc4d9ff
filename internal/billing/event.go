// Package billing ingests webhook events from the external billing provider.
// Events are verified, deduplicated on the provider's event id, and applied
// exactly once.
package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event is one inbound billing notification.
type Event struct {
	// ExternalEventID is the provider's id for this event and the
	// idempotency key for ingestion.
	ExternalEventID string         `json:"id"`
	Type            string         `json:"type"`
	TenantID        string         `json:"tenant_id"`
	Data            map[string]any `json:"data"`
}

// ParseEvent decodes and validates a raw provider payload.
func ParseEvent(body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode billing event: %w", err)
	}
	if ev.ExternalEventID == "" {
		return nil, errors.New("billing event missing id")
	}
	if ev.Type == "" {
		return nil, errors.New("billing event missing type")
	}
	return &ev, nil
}

// Record is the stored ingestion state of one external event.
type Record struct {
	ExternalEventID string
	EventType       string
	TenantID        string
	Payload         map[string]any
	Processed       bool
	RetryCount      int
	ErrorMessage    string
	ReceivedAt      time.Time
	ProcessedAt     *time.Time
}
