// Package handlers contains the task handlers wired into the dispatcher
// registry. Each handler decodes its payload schema, performs the side
// effect, and classifies failures as retryable or permanent.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bugbay/bugbay/internal/logging"
	"github.com/bugbay/bugbay/internal/safeurl"
	"github.com/bugbay/bugbay/internal/task"
	"github.com/bugbay/bugbay/internal/webhook"
)

// Deliverer posts a signed webhook to a destination. Satisfied by
// *webhook.Executor.
type Deliverer interface {
	Deliver(ctx context.Context, dest *webhook.Destination, event string, data map[string]any) error
}

// WebhookDelivery handles webhook_delivery tasks: resolve the destination,
// then hand off to the executor for validation, signing, and the pinned POST.
type WebhookDelivery struct {
	destinations webhook.DestinationStore
	deliverer    Deliverer
	logger       *logging.Logger
}

func NewWebhookDelivery(destinations webhook.DestinationStore, deliverer Deliverer) *WebhookDelivery {
	return &WebhookDelivery{
		destinations: destinations,
		deliverer:    deliverer,
		logger:       logging.New("handlers"),
	}
}

// Handle implements task.HandlerFunc.
func (h *WebhookDelivery) Handle(ctx context.Context, t *task.Task) error {
	var p task.WebhookPayload
	if err := decodePayload(t.Payload, &p); err != nil {
		return task.Permanent(fmt.Errorf("decode webhook payload: %w", err))
	}
	if p.DestinationID == "" {
		return task.Permanent(errors.New("webhook payload missing destination_id"))
	}
	if p.Event == "" {
		return task.Permanent(errors.New("webhook payload missing event"))
	}

	log := h.logger.WithContext(ctx).
		WithTask(t.ID).
		WithDestination(p.DestinationID).
		WithField("event", p.Event)

	dest, err := h.destinations.Get(ctx, p.DestinationID)
	if err != nil {
		var nf *webhook.DestinationNotFoundError
		if errors.As(err, &nf) {
			return task.Permanent(err)
		}
		return fmt.Errorf("load destination: %w", err)
	}

	if !dest.Active {
		log.Info("destination inactive, skipping delivery")
		return nil
	}
	if !dest.Subscribed(p.Event) {
		log.Info("destination not subscribed to event, skipping delivery")
		return nil
	}

	if err := h.deliverer.Deliver(ctx, dest, p.Event, p.Data); err != nil {
		return classifyDeliveryError(err)
	}
	return nil
}

// classifyDeliveryError maps executor failures onto the retry state machine:
// blocked URLs and 4xx responses will not heal on their own, everything else
// might.
func classifyDeliveryError(err error) error {
	var verr *safeurl.Error
	if errors.As(err, &verr) {
		return task.Permanent(err)
	}
	var serr *webhook.StatusError
	if errors.As(err, &serr) && !serr.Retryable() {
		return task.Permanent(err)
	}
	return err
}

// decodePayload round-trips a payload map through JSON into a typed schema.
func decodePayload(payload map[string]any, out any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
