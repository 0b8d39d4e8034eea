package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const cleanupTasksTable = "incomplete_cleanup_tasks"

type gormCleanupRepository struct {
	db *gorm.DB
}

// NewCleanupRepository returns a CleanupRepository backed by db.
func NewCleanupRepository(db *gorm.DB) CleanupRepository {
	return &gormCleanupRepository{db: db}
}

func (r *gormCleanupRepository) Create(ctx context.Context, t *IncompleteCleanupTask) error {
	if err := r.db.WithContext(ctx).Create(t).Error; err != nil {
		return translateWriteErr(err)
	}
	return nil
}

func (r *gormCleanupRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*IncompleteCleanupTask, error) {
	var out []*IncompleteCleanupTask
	if err := queueClaimDue[IncompleteCleanupTask](ctx, r.db, now, limit, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *gormCleanupRepository) MarkDone(ctx context.Context, id uuid.UUID) error {
	return queueMarkDone(ctx, r.db, cleanupTasksTable, id)
}

func (r *gormCleanupRepository) MarkRetrying(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, errKind, errMsg string, at time.Time) error {
	return queueMarkRetrying(ctx, r.db, cleanupTasksTable, id, nextAttemptAt, errKind, errMsg, at)
}

func (r *gormCleanupRepository) MarkBlocked(ctx context.Context, id uuid.UUID, errKind, errMsg string, at time.Time) error {
	return queueMarkBlocked(ctx, r.db, cleanupTasksTable, id, errKind, errMsg, at)
}

func (r *gormCleanupRepository) MarkAbandoned(ctx context.Context, id uuid.UUID, at time.Time) error {
	return queueMarkAbandoned(ctx, r.db, cleanupTasksTable, id, at)
}

func (r *gormCleanupRepository) Ignore(ctx context.Context, id, userID uuid.UUID, reason string, at time.Time) error {
	return queueIgnore(ctx, r.db, cleanupTasksTable, id, userID, reason, at)
}

func (r *gormCleanupRepository) Requeue(ctx context.Context, id uuid.UUID, at time.Time) error {
	return queueRequeue(ctx, r.db, cleanupTasksTable, id, at)
}

func (r *gormCleanupRepository) Cancel(ctx context.Context, id uuid.UUID, at time.Time) error {
	return queueCancel(ctx, r.db, cleanupTasksTable, id, at)
}

func (r *gormCleanupRepository) List(ctx context.Context, statusFilter string, opts ListOptions) ([]*IncompleteCleanupTask, error) {
	return queueList[IncompleteCleanupTask](ctx, r.db, statusFilter, opts)
}

func (r *gormCleanupRepository) AppendEvent(ctx context.Context, taskID uuid.UUID, message string, ts time.Time) error {
	return appendTaskEvent(ctx, r.db, "cleanup_task_events", "task_id", taskID, message, ts)
}

func (r *gormCleanupRepository) ListEvents(ctx context.Context, taskID uuid.UUID, opts ListOptions) ([]TaskEvent, error) {
	return queueListEvents(ctx, r.db, "cleanup_task_events", "task_id", taskID, opts)
}
