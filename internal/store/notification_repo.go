package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const notificationsTable = "notifications"

type gormNotificationRepository struct {
	db *gorm.DB
}

// NewNotificationRepository returns a NotificationRepository backed by db.
func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &gormNotificationRepository{db: db}
}

func (r *gormNotificationRepository) Create(ctx context.Context, n *Notification) error {
	if err := r.db.WithContext(ctx).Create(n).Error; err != nil {
		return translateWriteErr(err)
	}
	return nil
}

func (r *gormNotificationRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Notification, error) {
	var out []*Notification
	if err := queueClaimDue[Notification](ctx, r.db, now, limit, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *gormNotificationRepository) MarkDone(ctx context.Context, id uuid.UUID) error {
	return queueMarkDone(ctx, r.db, notificationsTable, id)
}

func (r *gormNotificationRepository) MarkRetrying(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, errKind, errMsg string, at time.Time) error {
	return queueMarkRetrying(ctx, r.db, notificationsTable, id, nextAttemptAt, errKind, errMsg, at)
}

func (r *gormNotificationRepository) MarkBlocked(ctx context.Context, id uuid.UUID, errKind, errMsg string, at time.Time) error {
	return queueMarkBlocked(ctx, r.db, notificationsTable, id, errKind, errMsg, at)
}

func (r *gormNotificationRepository) MarkAbandoned(ctx context.Context, id uuid.UUID, at time.Time) error {
	return queueMarkAbandoned(ctx, r.db, notificationsTable, id, at)
}

func (r *gormNotificationRepository) Ignore(ctx context.Context, id, userID uuid.UUID, reason string, at time.Time) error {
	return queueIgnore(ctx, r.db, notificationsTable, id, userID, reason, at)
}

func (r *gormNotificationRepository) Requeue(ctx context.Context, id uuid.UUID, at time.Time) error {
	return queueRequeue(ctx, r.db, notificationsTable, id, at)
}

func (r *gormNotificationRepository) Cancel(ctx context.Context, id uuid.UUID, at time.Time) error {
	return queueCancel(ctx, r.db, notificationsTable, id, at)
}

// CancelQueuedForChannel cancels every not-yet-running notification queued
// for channel, returning how many rows were affected. Called when a channel
// is disabled so in-flight queued items don't get delivered late once it is
// re-enabled.
func (r *gormNotificationRepository) CancelQueuedForChannel(ctx context.Context, channel string, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Table(notificationsTable).
		Where("channel = ? AND status IN ?", channel, []string{"queued", "retrying", "blocked"}).
		Updates(map[string]any{
			"status":          "canceled",
			"last_attempt_at": at,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *gormNotificationRepository) List(ctx context.Context, statusFilter string, opts ListOptions) ([]*Notification, error) {
	return queueList[Notification](ctx, r.db, statusFilter, opts)
}

func (r *gormNotificationRepository) AppendEvent(ctx context.Context, taskID uuid.UUID, message string, ts time.Time) error {
	return appendTaskEvent(ctx, r.db, "notification_events", "task_id", taskID, message, ts)
}

func (r *gormNotificationRepository) ListEvents(ctx context.Context, taskID uuid.UUID, opts ListOptions) ([]TaskEvent, error) {
	return queueListEvents(ctx, r.db, "notification_events", "task_id", taskID, opts)
}
