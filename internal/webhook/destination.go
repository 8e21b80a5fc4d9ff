package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Destination is a tenant-configured webhook endpoint. The secret is held in
// plaintext only at delivery time; task payloads carry the destination id,
// never the secret.
type Destination struct {
	ID       string
	TenantID string
	URL      string
	Secret   string
	Events   []string
	Active   bool
}

// Subscribed reports whether the destination subscribes to the given event.
// An empty filter subscribes to everything.
func (d *Destination) Subscribed(event string) bool {
	if len(d.Events) == 0 {
		return true
	}
	for _, e := range d.Events {
		if e == event {
			return true
		}
	}
	return false
}

// DestinationNotFoundError is returned when a destination id does not exist.
type DestinationNotFoundError struct {
	ID string
}

func (e *DestinationNotFoundError) Error() string {
	return fmt.Sprintf("webhook destination not found: %s", e.ID)
}

// DestinationStore reads webhook destinations. Consumed read-only by the
// delivery path.
type DestinationStore interface {
	Get(ctx context.Context, id string) (*Destination, error)
}

type pgDestinationStore struct {
	pool *pgxpool.Pool
}

// NewPGDestinationStore wraps a pgx pool with the DestinationStore interface.
func NewPGDestinationStore(pool *pgxpool.Pool) DestinationStore {
	return &pgDestinationStore{pool: pool}
}

func (s *pgDestinationStore) Get(ctx context.Context, id string) (*Destination, error) {
	var d Destination
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, url, secret, events, active
		FROM bugbay.webhook_destinations
		WHERE id = $1`, id,
	).Scan(&d.ID, &d.TenantID, &d.URL, &d.Secret, &d.Events, &d.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &DestinationNotFoundError{ID: id}
		}
		return nil, fmt.Errorf("get destination %s: %w", id, err)
	}
	return &d, nil
}
