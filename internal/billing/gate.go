package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/bugbay/bugbay/internal/logging"
	"github.com/bugbay/bugbay/internal/metrics"
	"github.com/bugbay/bugbay/internal/tracing"
	"github.com/bugbay/bugbay/internal/webhook"
)

// Outcome classifies one ingestion attempt.
type Outcome string

const (
	// OutcomeAccepted means the event was new and fully applied.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeDuplicate means the event id was seen before; nothing ran.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeInvalid means the request failed signature or schema checks.
	OutcomeInvalid Outcome = "invalid"
	// OutcomeFailed means a verified, novel event could not be applied.
	OutcomeFailed Outcome = "failed"
)

// Handler applies one billing event type. Handlers must be safe to run at
// most once per external event id; the gate guarantees no second run.
type Handler func(ctx context.Context, ev *Event) error

// Gate is the idempotency gate in front of billing event handlers. It
// verifies the provider signature, deduplicates on the external event id,
// and applies the matching handler exactly once.
type Gate struct {
	secret   string
	store    EventStore
	handlers map[string]Handler
	logger   *logging.Logger
}

func NewGate(secret string, store EventStore) *Gate {
	return &Gate{
		secret:   secret,
		store:    store,
		handlers: make(map[string]Handler),
		logger:   logging.New("billing"),
	}
}

// On registers the handler for an event type. The last registration wins.
func (g *Gate) On(eventType string, h Handler) {
	g.handlers[eventType] = h
}

// Ingest processes one raw provider delivery. The returned error is only set
// for OutcomeFailed; Invalid and Duplicate are expected conditions.
func (g *Gate) Ingest(ctx context.Context, body []byte, signature string) (Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "billing.Ingest")
	defer span.End()

	if !webhook.VerifySignature(g.secret, body, signature) {
		g.logger.WithContext(ctx).Warn("billing event signature mismatch")
		metrics.RecordBillingEvent(string(OutcomeInvalid))
		return OutcomeInvalid, nil
	}

	ev, err := ParseEvent(body)
	if err != nil {
		g.logger.WithContext(ctx).WithError(err).Warn("billing event rejected")
		metrics.RecordBillingEvent(string(OutcomeInvalid))
		return OutcomeInvalid, nil
	}

	log := g.logger.WithContext(ctx).
		WithEvent(ev.ExternalEventID).
		WithTenant(ev.TenantID).
		WithField("event_type", ev.Type)

	inserted, err := g.store.Insert(ctx, ev)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		metrics.RecordBillingEvent(string(OutcomeFailed))
		return OutcomeFailed, err
	}
	if !inserted {
		log.Info("duplicate billing event ignored")
		metrics.RecordBillingEvent(string(OutcomeDuplicate))
		return OutcomeDuplicate, nil
	}

	if err := g.apply(ctx, ev); err != nil {
		log.WithError(err).Error("billing event processing failed")
		tracing.SetSpanError(ctx, err)
		if rerr := g.store.RecordFailure(ctx, ev.ExternalEventID, err.Error()); rerr != nil {
			err = errors.Join(err, rerr)
		}
		metrics.RecordBillingEvent(string(OutcomeFailed))
		return OutcomeFailed, err
	}

	if err := g.store.MarkProcessed(ctx, ev.ExternalEventID); err != nil {
		tracing.SetSpanError(ctx, err)
		metrics.RecordBillingEvent(string(OutcomeFailed))
		return OutcomeFailed, err
	}

	log.Info("billing event accepted")
	metrics.RecordBillingEvent(string(OutcomeAccepted))
	return OutcomeAccepted, nil
}

// apply runs the registered handler for the event type. Unhandled types are
// accepted as no-ops so new provider event types never bounce deliveries.
func (g *Gate) apply(ctx context.Context, ev *Event) (err error) {
	h, ok := g.handlers[ev.Type]
	if !ok {
		g.logger.WithContext(ctx).
			WithEvent(ev.ExternalEventID).
			WithField("event_type", ev.Type).
			Debug("no handler for billing event type")
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("billing handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}
