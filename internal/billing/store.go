package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventStore persists ingestion state keyed on the provider's event id.
type EventStore interface {
	// Insert records the event if its external id is new. Returns false
	// without error when the id was already present.
	Insert(ctx context.Context, ev *Event) (inserted bool, err error)
	// MarkProcessed flags the event as fully applied.
	MarkProcessed(ctx context.Context, externalEventID string) error
	// RecordFailure stores the processing error and bumps the event's
	// retry count; the event stays unprocessed for operator inspection.
	RecordFailure(ctx context.Context, externalEventID, errMsg string) error
	// Get fetches the stored record for one external event id.
	Get(ctx context.Context, externalEventID string) (*Record, error)
}

type pgEventStore struct {
	pool *pgxpool.Pool
}

// NewPGEventStore wraps a pgx pool with the EventStore interface.
func NewPGEventStore(pool *pgxpool.Pool) EventStore {
	return &pgEventStore{pool: pool}
}

func (s *pgEventStore) Insert(ctx context.Context, ev *Event) (bool, error) {
	// The unique constraint on external_event_id makes the insert race-free:
	// concurrent deliveries of the same event collapse to one inserted row.
	ct, err := s.pool.Exec(ctx, `
		INSERT INTO bugbay.billing_events (external_event_id, event_type, tenant_id, payload, received_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (external_event_id) DO NOTHING`,
		ev.ExternalEventID, ev.Type, ev.TenantID, ev.Data,
	)
	if err != nil {
		return false, fmt.Errorf("insert billing event %s: %w", ev.ExternalEventID, err)
	}
	return ct.RowsAffected() == 1, nil
}

func (s *pgEventStore) MarkProcessed(ctx context.Context, externalEventID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE bugbay.billing_events
		SET processed = true, processed_at = now(), error_message = NULL
		WHERE external_event_id = $1`, externalEventID,
	)
	if err != nil {
		return fmt.Errorf("mark billing event %s processed: %w", externalEventID, err)
	}
	return nil
}

func (s *pgEventStore) RecordFailure(ctx context.Context, externalEventID, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE bugbay.billing_events
		SET error_message = $2, retry_count = retry_count + 1
		WHERE external_event_id = $1`, externalEventID, errMsg,
	)
	if err != nil {
		return fmt.Errorf("record billing event %s failure: %w", externalEventID, err)
	}
	return nil
}

func (s *pgEventStore) Get(ctx context.Context, externalEventID string) (*Record, error) {
	var r Record
	var errMsg *string
	var processedAt *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT external_event_id, event_type, tenant_id, payload, processed, retry_count, error_message, received_at, processed_at
		FROM bugbay.billing_events
		WHERE external_event_id = $1`, externalEventID,
	).Scan(&r.ExternalEventID, &r.EventType, &r.TenantID, &r.Payload, &r.Processed, &r.RetryCount, &errMsg, &r.ReceivedAt, &processedAt)
	if err != nil {
		return nil, fmt.Errorf("get billing event %s: %w", externalEventID, err)
	}
	if errMsg != nil {
		r.ErrorMessage = *errMsg
	}
	r.ProcessedAt = processedAt
	return &r, nil
}
