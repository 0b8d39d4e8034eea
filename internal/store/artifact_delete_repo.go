package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const artifactDeleteTasksTable = "artifact_delete_tasks"

type gormArtifactDeleteRepository struct {
	db *gorm.DB
}

// NewArtifactDeleteRepository returns an ArtifactDeleteRepository backed by db.
func NewArtifactDeleteRepository(db *gorm.DB) ArtifactDeleteRepository {
	return &gormArtifactDeleteRepository{db: db}
}

func (r *gormArtifactDeleteRepository) Create(ctx context.Context, t *ArtifactDeleteTask) error {
	if err := r.db.WithContext(ctx).Create(t).Error; err != nil {
		return translateWriteErr(err)
	}
	return nil
}

func (r *gormArtifactDeleteRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*ArtifactDeleteTask, error) {
	var out []*ArtifactDeleteTask
	if err := queueClaimDue[ArtifactDeleteTask](ctx, r.db, now, limit, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *gormArtifactDeleteRepository) MarkDone(ctx context.Context, id uuid.UUID) error {
	return queueMarkDone(ctx, r.db, artifactDeleteTasksTable, id)
}

func (r *gormArtifactDeleteRepository) MarkRetrying(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, errKind, errMsg string, at time.Time) error {
	return queueMarkRetrying(ctx, r.db, artifactDeleteTasksTable, id, nextAttemptAt, errKind, errMsg, at)
}

func (r *gormArtifactDeleteRepository) MarkBlocked(ctx context.Context, id uuid.UUID, errKind, errMsg string, at time.Time) error {
	return queueMarkBlocked(ctx, r.db, artifactDeleteTasksTable, id, errKind, errMsg, at)
}

func (r *gormArtifactDeleteRepository) MarkAbandoned(ctx context.Context, id uuid.UUID, at time.Time) error {
	return queueMarkAbandoned(ctx, r.db, artifactDeleteTasksTable, id, at)
}

func (r *gormArtifactDeleteRepository) Ignore(ctx context.Context, id, userID uuid.UUID, reason string, at time.Time) error {
	return queueIgnore(ctx, r.db, artifactDeleteTasksTable, id, userID, reason, at)
}

func (r *gormArtifactDeleteRepository) Requeue(ctx context.Context, id uuid.UUID, at time.Time) error {
	return queueRequeue(ctx, r.db, artifactDeleteTasksTable, id, at)
}

func (r *gormArtifactDeleteRepository) Cancel(ctx context.Context, id uuid.UUID, at time.Time) error {
	return queueCancel(ctx, r.db, artifactDeleteTasksTable, id, at)
}

func (r *gormArtifactDeleteRepository) List(ctx context.Context, statusFilter string, opts ListOptions) ([]*ArtifactDeleteTask, error) {
	return queueList[ArtifactDeleteTask](ctx, r.db, statusFilter, opts)
}

func (r *gormArtifactDeleteRepository) AppendEvent(ctx context.Context, taskID uuid.UUID, message string, ts time.Time) error {
	return appendTaskEvent(ctx, r.db, "artifact_delete_task_events", "task_id", taskID, message, ts)
}

func (r *gormArtifactDeleteRepository) ListEvents(ctx context.Context, taskID uuid.UUID, opts ListOptions) ([]TaskEvent, error) {
	return queueListEvents(ctx, r.db, "artifact_delete_task_events", "task_id", taskID, opts)
}
