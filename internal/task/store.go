package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bugbay/bugbay/internal/metrics"
)

// Store is the durable task queue. Mutation is row-scoped; the claim step is
// a single conditional update so concurrent dispatchers never execute the
// same task twice.
type Store interface {
	// Enqueue creates a pending task. maxAttempts <= 0 selects the store
	// default.
	Enqueue(ctx context.Context, taskType string, payload map[string]any, maxAttempts int) (string, error)
	// ClaimReadyBatch atomically moves up to limit ready tasks (pending and
	// due, oldest first) to processing and returns them.
	ClaimReadyBatch(ctx context.Context, limit int) ([]*Task, error)
	// MarkCompleted transitions a processing task to completed.
	MarkCompleted(ctx context.Context, id string) error
	// MarkFailedRetry increments attempts and reschedules the task.
	MarkFailedRetry(ctx context.Context, id, errMsg string, nextRetryAt time.Time) error
	// MarkFailedTerminal increments attempts and moves the task to failed.
	MarkFailedTerminal(ctx context.Context, id, errMsg string) error
	// GetByID fetches one task.
	GetByID(ctx context.Context, id string) (*Task, error)
	// ListByStatus returns tasks in a status, newest first.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Task, error)
	// Requeue resets a failed task to pending with a fresh attempt budget.
	Requeue(ctx context.Context, id string) error
	// ReclaimStale returns processing tasks untouched for longer than
	// olderThan to pending, recovering rows orphaned by a crashed
	// dispatcher. Reports how many rows moved.
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error)
}

type pgStore struct {
	pool               *pgxpool.Pool
	defaultMaxAttempts int
}

// NewPGStore wraps a pgx pool with the Store interface.
func NewPGStore(pool *pgxpool.Pool, defaultMaxAttempts int) Store {
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = 3
	}
	return &pgStore{pool: pool, defaultMaxAttempts: defaultMaxAttempts}
}

func (s *pgStore) Enqueue(ctx context.Context, taskType string, payload map[string]any, maxAttempts int) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = s.defaultMaxAttempts
	}
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bugbay.tasks (id, task_type, payload, status, attempts, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', 0, $4, now(), now())`,
		id, taskType, payload, maxAttempts,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue %s task: %w", taskType, err)
	}
	metrics.RecordTaskEnqueued(taskType)
	return id, nil
}

const taskColumns = `id, task_type, payload, status, attempts, max_attempts, next_retry_at, error_message, created_at, updated_at, completed_at`

func (s *pgStore) ClaimReadyBatch(ctx context.Context, limit int) ([]*Task, error) {
	// FOR UPDATE SKIP LOCKED makes the select-and-mark atomic per row:
	// a row claimed by a concurrent dispatcher is skipped, not blocked on.
	rows, err := s.pool.Query(ctx, `
		UPDATE bugbay.tasks
		SET status = 'processing', updated_at = now()
		WHERE id IN (
			SELECT id FROM bugbay.tasks
			WHERE status = 'pending'
			  AND (next_retry_at IS NULL OR next_retry_at <= now())
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim ready batch: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *pgStore) MarkCompleted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE bugbay.tasks
		SET status = 'completed', completed_at = now(), updated_at = now(), error_message = NULL
		WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("mark task %s completed: %w", id, err)
	}
	return nil
}

func (s *pgStore) MarkFailedRetry(ctx context.Context, id, errMsg string, nextRetryAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE bugbay.tasks
		SET status = 'pending', attempts = attempts + 1, next_retry_at = $2,
		    error_message = $3, updated_at = now()
		WHERE id = $1`, id, nextRetryAt, truncateError(errMsg),
	)
	if err != nil {
		return fmt.Errorf("reschedule task %s: %w", id, err)
	}
	return nil
}

func (s *pgStore) MarkFailedTerminal(ctx context.Context, id, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE bugbay.tasks
		SET status = 'failed', attempts = attempts + 1,
		    error_message = $2, updated_at = now()
		WHERE id = $1`, id, truncateError(errMsg),
	)
	if err != nil {
		return fmt.Errorf("fail task %s: %w", id, err)
	}
	return nil
}

func (s *pgStore) GetByID(ctx context.Context, id string) (*Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM bugbay.tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{ID: id}
		}
		return nil, err
	}
	return t, nil
}

func (s *pgStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM bugbay.tasks
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status %s: %w", status, err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *pgStore) Requeue(ctx context.Context, id string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE bugbay.tasks
		SET status = 'pending', attempts = 0, next_retry_at = NULL,
		    error_message = NULL, completed_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'failed'`, id,
	)
	if err != nil {
		return fmt.Errorf("requeue task %s: %w", id, err)
	}
	if ct.RowsAffected() == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}

func (s *pgStore) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	ct, err := s.pool.Exec(ctx, `
		UPDATE bugbay.tasks
		SET status = 'pending', updated_at = now()
		WHERE status = 'processing' AND updated_at < $1`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale tasks: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

// scanTask reads a task row from any pgx row type.
func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var statusStr string
	var errMsg *string
	err := row.Scan(
		&t.ID, &t.TaskType, &t.Payload, &statusStr,
		&t.Attempts, &t.MaxAttempts, &t.NextRetryAt, &errMsg,
		&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = Status(statusStr)
	if errMsg != nil {
		t.ErrorMessage = *errMsg
	}
	return &t, nil
}
