package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ListOptions bounds a list query. Limit <= 0 means "use the repository's
// default page size".
type ListOptions struct {
	Limit  int
	Offset int
}

// JobRepository manages job definitions.
type JobRepository interface {
	Create(ctx context.Context, j *Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*Job, error)
	GetByName(ctx context.Context, name string) (*Job, error)
	Update(ctx context.Context, j *Job) error
	Archive(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	ListDue(ctx context.Context, now time.Time) ([]*Job, error)
	// SetPendingRun coalesces a queued trigger onto the job row; passing nil
	// clears it.
	SetPendingRun(ctx context.Context, id uuid.UUID, at *time.Time) error
}

// RunRepository manages run rows and their event log.
type RunRepository interface {
	Create(ctx context.Context, r *Run) error
	GetByID(ctx context.Context, id uuid.UUID) (*Run, error)
	Update(ctx context.Context, r *Run) error
	ListByJob(ctx context.Context, jobID uuid.UUID, opts ListOptions) ([]*Run, error)
	ListActive(ctx context.Context) ([]*Run, error)
	// ListTerminalOlderThan returns jobID's terminal runs that ended before
	// cutoff and have no surviving snapshot (a run_artifacts row in present,
	// deleting or error status): the retention sweep's candidates.
	ListTerminalOlderThan(ctx context.Context, jobID uuid.UUID, cutoff time.Time) ([]*Run, error)
	Delete(ctx context.Context, id uuid.UUID) error

	// AppendEvent inserts one event with a gap-free, per-run monotonic seq,
	// reading and incrementing runs.next_seq in the same transaction.
	AppendEvent(ctx context.Context, runID uuid.UUID, level, kind, message, fieldsJSON string, ts time.Time) (*RunEvent, error)
	ListEvents(ctx context.Context, runID uuid.UUID, afterSeq int64, opts ListOptions) ([]*RunEvent, error)
}

// AgentRepository manages enrolled agents, their labels, and enrollment
// tokens.
type AgentRepository interface {
	Create(ctx context.Context, a *Agent) error
	GetByID(ctx context.Context, id uuid.UUID) (*Agent, error)
	GetByName(ctx context.Context, name string) (*Agent, error)
	Update(ctx context.Context, a *Agent) error
	List(ctx context.Context, opts ListOptions) ([]*Agent, error)
	ListByLabels(ctx context.Context, labels []string, mode string) ([]*Agent, error)
	Revoke(ctx context.Context, id uuid.UUID, at time.Time) error
	TouchLastSeen(ctx context.Context, id uuid.UUID, at time.Time) error

	GetLabels(ctx context.Context, agentID uuid.UUID) ([]string, error)
	SetLabels(ctx context.Context, agentID uuid.UUID, labels []string) error

	CreateEnrollmentToken(ctx context.Context, t *EnrollmentToken) error
	ConsumeEnrollmentToken(ctx context.Context, tokenHash string, now time.Time) (*EnrollmentToken, error)
}

// SecretRepository manages the encrypted secret table.
type SecretRepository interface {
	Upsert(ctx context.Context, s *Secret) error
	Get(ctx context.Context, kind, nodeID, name string) (*Secret, error)
	List(ctx context.Context, nodeID string) ([]*Secret, error)
	Delete(ctx context.Context, kind, nodeID, name string) error
	// ListAllForRekey streams every secret row for vault key rotation.
	ListAllForRekey(ctx context.Context) ([]*Secret, error)
}

// SnapshotRepository manages completed backup artifacts.
type SnapshotRepository interface {
	Create(ctx context.Context, s *SnapshotArtifact) error
	GetByRunID(ctx context.Context, runID uuid.UUID) (*SnapshotArtifact, error)
	ListByJob(ctx context.Context, jobID uuid.UUID, opts ListOptions) ([]*SnapshotArtifact, error)
	UpdateStatus(ctx context.Context, runID uuid.UUID, status string) error
	Pin(ctx context.Context, runID uuid.UUID, pinned bool) error
	Delete(ctx context.Context, runID uuid.UUID) error
}

// taskQueueRepository is the shared shape of the four durable task queues.
// Concrete repositories (NotificationRepository, CleanupRepository,
// ArtifactDeleteRepository, BulkItemRepository) embed it with their own
// event-append/list methods since each has a distinct event table.
type taskQueueRepository[T any] interface {
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*T, error)
	MarkDone(ctx context.Context, id uuid.UUID) error
	MarkRetrying(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, errKind, errMsg string, at time.Time) error
	MarkBlocked(ctx context.Context, id uuid.UUID, errKind, errMsg string, at time.Time) error
	MarkAbandoned(ctx context.Context, id uuid.UUID, at time.Time) error
	Ignore(ctx context.Context, id uuid.UUID, userID uuid.UUID, reason string, at time.Time) error
	Requeue(ctx context.Context, id uuid.UUID, at time.Time) error
	// Cancel drops a not-yet-running item without recording operator
	// attribution.
	Cancel(ctx context.Context, id uuid.UUID, at time.Time) error
	List(ctx context.Context, statusFilter string, opts ListOptions) ([]*T, error)
	// ListEvents returns a task's append-only event log in seq order.
	ListEvents(ctx context.Context, taskID uuid.UUID, opts ListOptions) ([]TaskEvent, error)
}

// NotificationRepository queues outbound notification deliveries.
type NotificationRepository interface {
	taskQueueRepository[Notification]
	Create(ctx context.Context, n *Notification) error
	AppendEvent(ctx context.Context, taskID uuid.UUID, message string, ts time.Time) error
	// CancelQueuedForChannel cancels every not-yet-running notification
	// queued for channel, returning the number of rows affected. Used when
	// a channel is disabled.
	CancelQueuedForChannel(ctx context.Context, channel string, at time.Time) (int64, error)
}

// CleanupRepository queues incomplete-artifact cleanup tasks.
type CleanupRepository interface {
	taskQueueRepository[IncompleteCleanupTask]
	Create(ctx context.Context, t *IncompleteCleanupTask) error
	AppendEvent(ctx context.Context, taskID uuid.UUID, message string, ts time.Time) error
}

// ArtifactDeleteRepository queues snapshot-delete tasks.
type ArtifactDeleteRepository interface {
	taskQueueRepository[ArtifactDeleteTask]
	Create(ctx context.Context, t *ArtifactDeleteTask) error
	AppendEvent(ctx context.Context, taskID uuid.UUID, message string, ts time.Time) error
}

// BulkOperationRepository manages bulk operations and their per-agent items.
type BulkOperationRepository interface {
	taskQueueRepository[BulkOperationItem]
	CreateOperation(ctx context.Context, op *BulkOperation, items []*BulkOperationItem) error
	GetOperation(ctx context.Context, id uuid.UUID) (*BulkOperation, error)
	ListItems(ctx context.Context, opID uuid.UUID) ([]*BulkOperationItem, error)
	UpdateOperationStatus(ctx context.Context, id uuid.UUID, status string) error
	AppendEvent(ctx context.Context, itemID uuid.UUID, message string, ts time.Time) error
}

// AuthRepository manages the single admin credential, its login sessions,
// and per-key login throttling. There is at most one AdminCredential row;
// GetAdminCredential returns ErrNotFound before first-boot setup runs.
type AuthRepository interface {
	GetAdminCredential(ctx context.Context) (*AdminCredential, error)
	// CreateAdminCredential fails with ErrConflict if a credential already
	// exists, enforcing single-admin setup idempotently.
	CreateAdminCredential(ctx context.Context, c *AdminCredential) error
	UpdateAdminCredential(ctx context.Context, c *AdminCredential) error

	CreateSession(ctx context.Context, s *Session) error
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (*Session, error)
	DeleteSession(ctx context.Context, id uuid.UUID) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) error

	GetThrottle(ctx context.Context, key string) (*LoginThrottle, error)
	// RecordFailure increments fail_count for key (creating the row if
	// absent) and sets LockedUntil when the threshold is crossed.
	RecordFailure(ctx context.Context, key string, now time.Time, lockDuration time.Duration, maxFailures int) (*LoginThrottle, error)
	ResetThrottle(ctx context.Context, key string) error
	DeleteExpiredThrottles(ctx context.Context, now time.Time, window time.Duration) error
}
