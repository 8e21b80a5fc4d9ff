package billing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bugbay/bugbay/internal/task"
	"github.com/bugbay/bugbay/internal/webhook"
)

const testSecret = "bsec_test"

// memEventStore mirrors the unique-constraint semantics of the Postgres
// store for gate tests.
type memEventStore struct {
	mu      sync.Mutex
	records map[string]*Record

	insertErr error
	markErr   error
	recordErr error
}

func newMemEventStore() *memEventStore {
	return &memEventStore{records: make(map[string]*Record)}
}

func (s *memEventStore) Insert(ctx context.Context, ev *Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return false, s.insertErr
	}
	if _, ok := s.records[ev.ExternalEventID]; ok {
		return false, nil
	}
	s.records[ev.ExternalEventID] = &Record{
		ExternalEventID: ev.ExternalEventID,
		EventType:       ev.Type,
		TenantID:        ev.TenantID,
		Payload:         ev.Data,
		ReceivedAt:      time.Now(),
	}
	return true, nil
}

func (s *memEventStore) MarkProcessed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return s.markErr
	}
	r, ok := s.records[id]
	if !ok {
		return errors.New("unknown event")
	}
	now := time.Now()
	r.Processed = true
	r.ProcessedAt = &now
	r.ErrorMessage = ""
	return nil
}

func (s *memEventStore) RecordFailure(ctx context.Context, id, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordErr != nil {
		return s.recordErr
	}
	r, ok := s.records[id]
	if !ok {
		return errors.New("unknown event")
	}
	r.ErrorMessage = errMsg
	r.RetryCount++
	return nil
}

func (s *memEventStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, errors.New("unknown event")
	}
	cp := *r
	return &cp, nil
}

func signedEvent(t *testing.T, ev map[string]any) (body []byte, sig string) {
	t.Helper()
	body, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return body, webhook.Sign(testSecret, body)
}

func TestGateAcceptsNewEvent(t *testing.T) {
	store := newMemEventStore()
	gate := NewGate(testSecret, store)

	var handled []string
	gate.On("payment.failed", func(ctx context.Context, ev *Event) error {
		handled = append(handled, ev.ExternalEventID)
		return nil
	})

	body, sig := signedEvent(t, map[string]any{
		"id":        "evt_1",
		"type":      "payment.failed",
		"tenant_id": "tenant-1",
		"data":      map[string]any{"owner_email": "o@example.com"},
	})

	outcome, err := gate.Ingest(context.Background(), body, sig)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if outcome != OutcomeAccepted {
		t.Fatalf("outcome = %s, want accepted", outcome)
	}
	if len(handled) != 1 || handled[0] != "evt_1" {
		t.Errorf("handled = %v", handled)
	}

	rec, err := store.Get(context.Background(), "evt_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !rec.Processed {
		t.Error("record not marked processed")
	}
}

func TestGateDuplicateRunsHandlerOnce(t *testing.T) {
	store := newMemEventStore()
	gate := NewGate(testSecret, store)

	calls := 0
	gate.On("payment.failed", func(ctx context.Context, ev *Event) error {
		calls++
		return nil
	})

	body, sig := signedEvent(t, map[string]any{
		"id":   "evt_dup",
		"type": "payment.failed",
	})

	for i := 0; i < 3; i++ {
		outcome, err := gate.Ingest(context.Background(), body, sig)
		if err != nil {
			t.Fatalf("Ingest #%d: %v", i+1, err)
		}
		want := OutcomeAccepted
		if i > 0 {
			want = OutcomeDuplicate
		}
		if outcome != want {
			t.Errorf("Ingest #%d outcome = %s, want %s", i+1, outcome, want)
		}
	}
	if calls != 1 {
		t.Errorf("handler ran %d times, want exactly 1", calls)
	}
}

func TestGateRejectsBadSignature(t *testing.T) {
	store := newMemEventStore()
	gate := NewGate(testSecret, store)

	calls := 0
	gate.On("payment.failed", func(ctx context.Context, ev *Event) error {
		calls++
		return nil
	})

	body, _ := signedEvent(t, map[string]any{"id": "evt_bad", "type": "payment.failed"})

	tests := []struct {
		name string
		sig  string
	}{
		{name: "empty signature", sig: ""},
		{name: "wrong signature", sig: webhook.Sign("other_secret", body)},
		{name: "garbage signature", sig: "deadbeef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, err := gate.Ingest(context.Background(), body, tt.sig)
			if err != nil {
				t.Fatalf("Ingest: %v", err)
			}
			if outcome != OutcomeInvalid {
				t.Errorf("outcome = %s, want invalid", outcome)
			}
		})
	}

	if calls != 0 {
		t.Error("handler ran on unverified payload")
	}
	if _, err := store.Get(context.Background(), "evt_bad"); err == nil {
		t.Error("unverified event must not be recorded")
	}
}

func TestGateRejectsMalformedEvent(t *testing.T) {
	store := newMemEventStore()
	gate := NewGate(testSecret, store)

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "not json"},
		{name: "missing id", body: `{"type":"payment.failed"}`},
		{name: "missing type", body: `{"id":"evt_x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := []byte(tt.body)
			outcome, err := gate.Ingest(context.Background(), body, webhook.Sign(testSecret, body))
			if err != nil {
				t.Fatalf("Ingest: %v", err)
			}
			if outcome != OutcomeInvalid {
				t.Errorf("outcome = %s, want invalid", outcome)
			}
		})
	}
}

func TestGateUnhandledTypeIsAccepted(t *testing.T) {
	store := newMemEventStore()
	gate := NewGate(testSecret, store)

	body, sig := signedEvent(t, map[string]any{"id": "evt_other", "type": "invoice.finalized"})
	outcome, err := gate.Ingest(context.Background(), body, sig)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if outcome != OutcomeAccepted {
		t.Errorf("outcome = %s, want accepted", outcome)
	}
	rec, _ := store.Get(context.Background(), "evt_other")
	if rec == nil || !rec.Processed {
		t.Error("unhandled event should still be recorded and marked processed")
	}
}

func TestGateHandlerFailure(t *testing.T) {
	store := newMemEventStore()
	gate := NewGate(testSecret, store)

	gate.On("payment.failed", func(ctx context.Context, ev *Event) error {
		return errors.New("queue unavailable")
	})

	body, sig := signedEvent(t, map[string]any{"id": "evt_fail", "type": "payment.failed"})
	outcome, err := gate.Ingest(context.Background(), body, sig)
	if outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", outcome)
	}
	if err == nil {
		t.Fatal("expected error for failed outcome")
	}

	rec, _ := store.Get(context.Background(), "evt_fail")
	if rec.Processed {
		t.Error("failed event must not be marked processed")
	}
	if rec.ErrorMessage == "" {
		t.Error("failure not recorded on the event")
	}
	if rec.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1 after a handler failure", rec.RetryCount)
	}
}

func TestGateRecoversHandlerPanic(t *testing.T) {
	store := newMemEventStore()
	gate := NewGate(testSecret, store)

	gate.On("payment.failed", func(ctx context.Context, ev *Event) error {
		panic("nil deref")
	})

	body, sig := signedEvent(t, map[string]any{"id": "evt_panic", "type": "payment.failed"})
	outcome, err := gate.Ingest(context.Background(), body, sig)
	if outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", outcome)
	}
	if err == nil {
		t.Fatal("expected error from recovered panic")
	}
}

func TestGateDoubleFault(t *testing.T) {
	store := newMemEventStore()
	store.recordErr = errors.New("db gone away")
	gate := NewGate(testSecret, store)

	handlerErr := errors.New("queue unavailable")
	gate.On("payment.failed", func(ctx context.Context, ev *Event) error {
		return handlerErr
	})

	body, sig := signedEvent(t, map[string]any{"id": "evt_double", "type": "payment.failed"})
	outcome, err := gate.Ingest(context.Background(), body, sig)
	if outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", outcome)
	}
	if !errors.Is(err, handlerErr) {
		t.Errorf("joined error should keep the handler failure, got %v", err)
	}
	if !errors.Is(err, store.recordErr) {
		t.Errorf("joined error should keep the bookkeeping failure, got %v", err)
	}
}

func TestGateMarkProcessedError(t *testing.T) {
	store := newMemEventStore()
	store.markErr = errors.New("connection reset")
	gate := NewGate(testSecret, store)

	body, sig := signedEvent(t, map[string]any{"id": "evt_mark", "type": "invoice.finalized"})
	outcome, err := gate.Ingest(context.Background(), body, sig)
	if outcome != OutcomeFailed || err == nil {
		t.Errorf("outcome = %s, err = %v; want failed with error", outcome, err)
	}
}

func TestGateStoreInsertError(t *testing.T) {
	store := newMemEventStore()
	store.insertErr = errors.New("connection refused")
	gate := NewGate(testSecret, store)

	body, sig := signedEvent(t, map[string]any{"id": "evt_db", "type": "payment.failed"})
	outcome, err := gate.Ingest(context.Background(), body, sig)
	if outcome != OutcomeFailed || err == nil {
		t.Errorf("outcome = %s, err = %v; want failed with error", outcome, err)
	}
}

func TestPaymentFailedHandlerEnqueuesEmail(t *testing.T) {
	var enqueued []map[string]any
	h := PaymentFailedHandler(enqueueFunc(func(ctx context.Context, taskType string, payload map[string]any, maxAttempts int) (string, error) {
		if taskType != task.TypeSendEmail {
			t.Errorf("task type = %s, want %s", taskType, task.TypeSendEmail)
		}
		enqueued = append(enqueued, payload)
		return "task-1", nil
	}))

	err := h(context.Background(), &Event{
		ExternalEventID: "evt_1",
		Type:            "payment.failed",
		TenantID:        "tenant-1",
		Data:            map[string]any{"owner_email": "o@example.com"},
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(enqueued) != 1 {
		t.Fatalf("enqueued %d tasks, want 1", len(enqueued))
	}
	if enqueued[0]["to"] != "o@example.com" {
		t.Errorf("payload = %v", enqueued[0])
	}
}

func TestPaymentFailedHandlerNoEmailIsNoop(t *testing.T) {
	h := PaymentFailedHandler(enqueueFunc(func(ctx context.Context, taskType string, payload map[string]any, maxAttempts int) (string, error) {
		t.Error("Enqueue should not be called without owner_email")
		return "", nil
	}))
	if err := h(context.Background(), &Event{ExternalEventID: "evt_1", Type: "payment.failed"}); err != nil {
		t.Fatalf("handler: %v", err)
	}
}

type enqueueFunc func(ctx context.Context, taskType string, payload map[string]any, maxAttempts int) (string, error)

func (f enqueueFunc) Enqueue(ctx context.Context, taskType string, payload map[string]any, maxAttempts int) (string, error) {
	return f(ctx, taskType, payload, maxAttempts)
}
