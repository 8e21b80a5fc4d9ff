package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/bugbay/bugbay/internal/logging"
	"github.com/bugbay/bugbay/internal/metrics"
	"github.com/bugbay/bugbay/internal/tracing"
)

// Config tunes the dispatcher poll loop and retry schedule.
type Config struct {
	PollInterval   time.Duration // wake-up cadence of the poller
	BatchSize      int           // max tasks claimed per cycle
	BaseRetryDelay time.Duration // base for exponential backoff
	MaxRetryDelay  time.Duration // backoff ceiling; 0 disables the cap
	HandlerTimeout time.Duration // per-task handler deadline; 0 means none
	ReclaimAfter   time.Duration // return stuck processing tasks to pending after this
}

// commitTimeout bounds a status commit once the handler has finished. The
// commit runs on a context detached from the poll loop so shutdown cannot
// strand a task whose side effect already happened.
const commitTimeout = 30 * time.Second

// Dispatcher drives the queue: it claims ready tasks, invokes the registered
// handler for each, and records the outcome back on the task row.
type Dispatcher struct {
	store       Store
	registry    *Registry
	cfg         Config
	deadLetters DeadLetterPublisher
	logger      *logging.Logger
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithDeadLetters publishes an envelope for every terminally failed task.
func WithDeadLetters(p DeadLetterPublisher) Option {
	return func(d *Dispatcher) { d.deadLetters = p }
}

// WithLogger overrides the dispatcher's logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func NewDispatcher(store Store, registry *Registry, cfg Config, opts ...Option) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = 30 * time.Second
	}
	if cfg.ReclaimAfter <= 0 {
		cfg.ReclaimAfter = 15 * time.Minute
	}
	d := &Dispatcher{
		store:    store,
		registry: registry,
		cfg:      cfg,
		logger:   logging.New("dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run polls until ctx is cancelled. An immediate cycle runs before the first
// tick so a fresh dispatcher does not sit idle for a full interval.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Plain().
		WithField("poll_interval", d.cfg.PollInterval.String()).
		WithField("batch_size", d.cfg.BatchSize).
		Info("dispatcher started")

	d.runCycle(ctx)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.logger.Plain().Info("dispatcher stopped")
			return
		case <-ticker.C:
			d.runCycle(ctx)
		}
	}
}

// RunCycle claims and processes one batch. Exposed for callers that drive
// the loop themselves (tests, one-shot drains).
func (d *Dispatcher) RunCycle(ctx context.Context) int {
	return d.runCycle(ctx)
}

func (d *Dispatcher) runCycle(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	// A crashed dispatcher leaves its claimed batch in processing; nothing
	// else selects that status, so reclaim rows that sat there too long.
	if n, err := d.store.ReclaimStale(ctx, d.cfg.ReclaimAfter); err != nil {
		d.logger.Plain().WithError(err).Error("failed to reclaim stale tasks")
	} else if n > 0 {
		d.logger.Plain().WithField("count", n).Warn("reclaimed stale processing tasks")
	}
	tasks, err := d.store.ClaimReadyBatch(ctx, d.cfg.BatchSize)
	if err != nil {
		d.logger.Plain().WithError(err).Error("failed to claim task batch")
		return 0
	}
	for _, t := range tasks {
		d.runTask(ctx, t)
	}
	return len(tasks)
}

func (d *Dispatcher) runTask(ctx context.Context, t *Task) {
	ctx, span := tracing.StartSpan(ctx, "task.run")
	defer span.End()
	tracing.AddSpanEvent(ctx, "task claimed",
		attribute.String("task.id", t.ID),
		attribute.String("task.type", t.TaskType),
		attribute.Int("attempt", t.Attempts+1),
	)

	log := d.logger.WithContext(ctx).WithTask(t.ID).WithTaskType(t.TaskType)

	// Once a task is claimed its outcome must be committed even if the poll
	// loop is being cancelled; a commit on the cancelled context would leave
	// the row in processing with no path back out.
	commitCtx, commitCancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer commitCancel()

	handler, ok := d.registry.Lookup(t.TaskType)
	if !ok {
		err := &UnknownTaskTypeError{TaskType: t.TaskType}
		log.WithError(err).Error("no handler registered, failing task")
		d.failTerminal(commitCtx, t, err, "unknown_task_type")
		return
	}

	err := d.invoke(ctx, handler, t)
	if err == nil {
		if err := d.store.MarkCompleted(commitCtx, t.ID); err != nil {
			log.WithError(err).Error("failed to mark task completed")
			return
		}
		metrics.RecordTaskProcessed(t.TaskType, string(StatusCompleted))
		log.WithField("attempt", t.Attempts+1).Info("task completed")
		return
	}

	newAttempts := t.Attempts + 1
	switch {
	case IsPermanent(err):
		log.WithError(err).Warn("permanent failure, not retrying")
		d.failTerminal(commitCtx, t, err, "permanent")
	case newAttempts >= t.MaxAttempts:
		log.WithError(err).
			WithField("attempts", newAttempts).
			Warn("attempts exhausted, failing task")
		d.failTerminal(commitCtx, t, err, "max_attempts")
	default:
		delay := backoffDelay(d.cfg.BaseRetryDelay, d.cfg.MaxRetryDelay, newAttempts)
		nextRetry := time.Now().Add(delay)
		if err := d.store.MarkFailedRetry(commitCtx, t.ID, err.Error(), nextRetry); err != nil {
			log.WithError(err).Error("failed to reschedule task")
			return
		}
		metrics.RecordRetry(classifyRetryReason(err))
		log.WithError(err).
			WithField("attempt", newAttempts).
			WithField("retry_in", delay.String()).
			Info("task failed, retry scheduled")
	}
}

// classifyRetryReason buckets a retryable handler error for the retry
// counter's reason label.
func classifyRetryReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "connection refused"):
		return "connection_refused"
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "dns"):
		return "dns_error"
	case strings.Contains(msg, "status 429"):
		return "http_429"
	case strings.Contains(msg, "status 5"):
		return "http_5xx"
	}
	return "other"
}

// invoke runs the handler with its own deadline, detached from the poll
// loop's cancellation so shutdown does not abort an in-flight attempt
// mid-delivery. Panics are converted to errors so one bad payload cannot
// take down the dispatcher.
func (d *Dispatcher) invoke(ctx context.Context, handler HandlerFunc, t *Task) (err error) {
	hctx := context.WithoutCancel(ctx)
	if d.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, d.cfg.HandlerTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(hctx, t)
}

func (d *Dispatcher) failTerminal(ctx context.Context, t *Task, cause error, reason string) {
	log := d.logger.WithContext(ctx).WithTask(t.ID).WithTaskType(t.TaskType)
	if err := d.store.MarkFailedTerminal(ctx, t.ID, cause.Error()); err != nil {
		log.WithError(err).Error("failed to mark task failed")
		return
	}
	metrics.RecordTaskProcessed(t.TaskType, string(StatusFailed))

	if d.deadLetters == nil {
		return
	}
	snapshot := *t
	snapshot.Status = StatusFailed
	snapshot.Attempts = t.Attempts + 1
	snapshot.ErrorMessage = truncateError(cause.Error())
	env := NewDeadLetter(snapshot, snapshot.Attempts, cause.Error(), reason)
	if err := d.deadLetters.PublishDeadLetter(env); err != nil {
		log.WithError(err).Error("failed to publish dead letter")
	}
}
