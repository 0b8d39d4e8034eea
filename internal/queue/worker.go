// Package queue implements the shared durable-task state machine every
// background queue (notifications, incomplete cleanup, artifact delete,
// bulk operations) runs: reconcile, claim a bounded batch, process, classify
// any error, retry-with-backoff or block, abandon past a hard limit, and
// expose operator actions (retry-now/ignore/unignore/cancel). Each queue
// supplies its own Body; Worker owns the loop and the retry policy. There is
// no watchdog: ClaimDue only picks up queued and retrying rows, so a task
// left in "running" (for example by a crash mid-process) is not claimed again.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Syt100/bastion-sub003/internal/backoff"
	"github.com/Syt100/bastion-sub003/internal/errkind"
)

// MaxAttempts and MaxAge bound how long a task keeps retrying before it is
// abandoned outright, requiring an operator's Retry action to revive it.
const (
	MaxAttempts = 20
	MaxAge      = 30 * 24 * time.Hour
)

// claimBatch bounds how many tasks a single reconcile pass claims, so one
// slow queue never starves the others sharing a process.
const claimBatch = 50

// pollInterval is the fallback cadence when no kick arrives; a kick wakes
// the loop immediately so this mostly matters for picking up tasks whose
// next_attempt_at elapsed without any caller signaling a kick.
const pollInterval = 5 * time.Second

// hubNodeID scopes vault secrets and target resolution for work the Hub
// performs itself rather than dispatching to an agent.
const hubNodeID = "hub"

// taskRecord is satisfied by every store task row via its embedded
// taskBase: an id to mark outcomes against, and the attempt count/creation
// time the worker needs to enforce MaxAttempts/MaxAge.
type taskRecord interface {
	GetID() uuid.UUID
	GetAttempts() int
	GetCreatedAt() time.Time
}

// Body implements one queue's task-specific processing. Process returns nil
// on success; any non-nil error is classified via errkind.As to decide
// retry-with-backoff vs. immediate block.
type Body[T taskRecord] interface {
	// Name identifies the queue for logging, e.g. "notifications".
	Name() string
	// ClaimDue fetches up to limit due tasks (queued or past next_attempt_at).
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*T, error)
	// Process executes one task. Errors should be wrapped with errkind so
	// the worker can tell retryable failures from ones that need an operator.
	Process(ctx context.Context, task *T) error
	// MarkDone, MarkRetrying, MarkBlocked, and MarkAbandoned persist the
	// outcome of one claimed task.
	MarkDone(ctx context.Context, id uuid.UUID) error
	MarkRetrying(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, errKind, errMsg string, at time.Time) error
	MarkBlocked(ctx context.Context, id uuid.UUID, errKind, errMsg string, at time.Time) error
	MarkAbandoned(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Worker runs one queue's reconcile-claim-process loop in its own
// goroutine, woken either by its kick channel or pollInterval, whichever
// comes first.
type Worker[T taskRecord] struct {
	body    Body[T]
	backoff backoff.Policy
	logger  *zap.Logger

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

// New returns a Worker for body. policy governs retry backoff; pass
// backoff.Default unless a queue needs a different curve.
func New[T taskRecord](body Body[T], policy backoff.Policy, logger *zap.Logger) *Worker[T] {
	return &Worker[T]{
		body:    body,
		backoff: policy,
		logger:  logger.Named("queue").Named(body.Name()),
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Kick wakes the worker's loop immediately instead of waiting for
// pollInterval, used after a task is enqueued or an operator retries one.
func (w *Worker[T]) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Run processes due tasks until ctx is canceled or Stop is called. Run
// blocks; callers start it in its own goroutine.
func (w *Worker[T]) Run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		w.reconcile(ctx)

		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-w.kick:
		case <-ticker.C:
		}
	}
}

// Stop signals Run to exit and waits for it to do so.
func (w *Worker[T]) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Worker[T]) reconcile(ctx context.Context) {
	now := time.Now().UTC()
	tasks, err := w.body.ClaimDue(ctx, now, claimBatch)
	if err != nil {
		w.logger.Error("failed to claim due tasks", zap.Error(err))
		return
	}
	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		w.processOne(ctx, task)
	}
}

func (w *Worker[T]) processOne(ctx context.Context, task *T) {
	id := task.GetID()

	err := w.body.Process(ctx, task)
	now := time.Now().UTC()

	if err == nil {
		if mErr := w.body.MarkDone(ctx, id); mErr != nil {
			w.logger.Error("failed to mark task done", zap.String("task_id", id.String()), zap.Error(mErr))
		}
		return
	}

	kind := errkind.As(err)
	w.logger.Warn("task processing failed", zap.String("task_id", id.String()), zap.String("err_kind", string(kind)), zap.Error(err))

	if !kind.Retryable() {
		if mErr := w.body.MarkBlocked(ctx, id, string(kind), err.Error(), now); mErr != nil {
			w.logger.Error("failed to mark task blocked", zap.String("task_id", id.String()), zap.Error(mErr))
		}
		return
	}

	attempts, age := task.GetAttempts(), time.Since(task.GetCreatedAt())
	if attempts >= MaxAttempts || age >= MaxAge {
		if mErr := w.body.MarkAbandoned(ctx, id, now); mErr != nil {
			w.logger.Error("failed to mark task abandoned", zap.String("task_id", id.String()), zap.Error(mErr))
		}
		return
	}

	delay := w.backoff.NextJittered(time.Duration(attempts) * w.backoff.Initial)
	next := now.Add(delay)
	if mErr := w.body.MarkRetrying(ctx, id, next, string(kind), err.Error(), now); mErr != nil {
		w.logger.Error("failed to mark task retrying", zap.String("task_id", id.String()), zap.Error(mErr))
	}
}
