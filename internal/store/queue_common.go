package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// queueClaimDue is shared by all four task-queue repositories: it selects up
// to limit due rows ordered by next_attempt_at, marks them "running", and
// returns only the rows it actually won the race on. Concurrent claimers
// (multiple queue worker instances) never double-process a row because the
// claiming UPDATE is conditioned on the status each claimer observed.
func queueClaimDue[T any](ctx context.Context, db *gorm.DB, now time.Time, limit int, out *[]*T) error {
	if limit <= 0 {
		limit = 20
	}

	var candidates []*T
	err := db.WithContext(ctx).
		Where("status IN ? AND next_attempt_at <= ?", []string{"queued", "retrying"}, now).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return err
	}

	claimed := make([]*T, 0, len(candidates))
	for _, c := range candidates {
		id := rowID(c)
		res := db.WithContext(ctx).Model(c).
			Where("id = ? AND status IN ?", id, []string{"queued", "retrying"}).
			Update("status", "running")
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			claimed = append(claimed, c)
		}
	}

	*out = claimed
	return nil
}

// rowID extracts the embedded base.ID from any task-queue row via the
// idGetter interface each model satisfies through its embedded base.
func rowID(v any) uuid.UUID {
	type idGetter interface{ GetID() uuid.UUID }
	if g, ok := v.(idGetter); ok {
		return g.GetID()
	}
	return uuid.Nil
}

func queueMarkDone(ctx context.Context, db *gorm.DB, table string, id uuid.UUID) error {
	res := db.WithContext(ctx).Table(table).Where("id = ?", id).Update("status", "done")
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func queueMarkRetrying(ctx context.Context, db *gorm.DB, table string, id uuid.UUID, nextAttemptAt time.Time, errKind, errMsg string, at time.Time) error {
	res := db.WithContext(ctx).Table(table).Where("id = ?", id).Updates(map[string]any{
		"status":          "retrying",
		"next_attempt_at": nextAttemptAt,
		"last_error_kind": errKind,
		"last_error":      errMsg,
		"last_attempt_at": at,
		"attempts":        gorm.Expr("attempts + 1"),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func queueMarkBlocked(ctx context.Context, db *gorm.DB, table string, id uuid.UUID, errKind, errMsg string, at time.Time) error {
	res := db.WithContext(ctx).Table(table).Where("id = ?", id).Updates(map[string]any{
		"status":          "blocked",
		"last_error_kind": errKind,
		"last_error":      errMsg,
		"last_attempt_at": at,
		"attempts":        gorm.Expr("attempts + 1"),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func queueMarkAbandoned(ctx context.Context, db *gorm.DB, table string, id uuid.UUID, at time.Time) error {
	res := db.WithContext(ctx).Table(table).Where("id = ?", id).Updates(map[string]any{
		"status":          "abandoned",
		"last_attempt_at": at,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func queueIgnore(ctx context.Context, db *gorm.DB, table string, id, userID uuid.UUID, reason string, at time.Time) error {
	res := db.WithContext(ctx).Table(table).Where("id = ?", id).Updates(map[string]any{
		"status":             "ignored",
		"ignored_at":         at,
		"ignored_by_user_id": userID,
		"ignore_reason":      reason,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func queueRequeue(ctx context.Context, db *gorm.DB, table string, id uuid.UUID, at time.Time) error {
	res := db.WithContext(ctx).Table(table).Where("id = ?", id).Updates(map[string]any{
		"status":          "queued",
		"next_attempt_at": at,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// queueCancel drops a not-yet-running item from the queue. Unlike Ignore it
// records no operator attribution. The queues API's per-row cancel action
// reaches it through each repository's Cancel.
func queueCancel(ctx context.Context, db *gorm.DB, table string, id uuid.UUID, at time.Time) error {
	res := db.WithContext(ctx).Table(table).
		Where("id = ? AND status IN ?", id, []string{"queued", "retrying", "blocked"}).
		Updates(map[string]any{
			"status":          "canceled",
			"last_attempt_at": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// appendTaskEvent inserts one append-only event row for a queue task,
// assigning the next seq for that task inside a transaction. Unlike runs,
// task rows don't carry their own next_seq counter column, so the seq is
// derived from MAX(seq)+1 under the same transaction; the unique
// (parentCol, seq) index still rejects any double-assignment.
func appendTaskEvent(ctx context.Context, db *gorm.DB, eventTable, parentCol string, parentID uuid.UUID, message string, ts time.Time) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int64
		err := tx.Table(eventTable).
			Where(parentCol+" = ?", parentID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&maxSeq).Error
		if err != nil {
			return err
		}

		id, err := uuid.NewV7()
		if err != nil {
			return err
		}

		row := map[string]any{
			"id":      id,
			parentCol: parentID,
			"seq":     maxSeq + 1,
			"ts":      ts,
			"message": message,
		}
		if err := tx.Table(eventTable).Create(row).Error; err != nil {
			return translateWriteErr(err)
		}
		return nil
	})
}

// TaskEvent is the uniform shape returned for any queue task's event log,
// regardless of which of the four per-queue event tables backs it.
type TaskEvent struct {
	ID      uuid.UUID
	Seq     int64
	Ts      time.Time
	Message string
}

// queueListEvents returns a task's append-only event log in seq order.
func queueListEvents(ctx context.Context, db *gorm.DB, eventTable, parentCol string, parentID uuid.UUID, opts ListOptions) ([]TaskEvent, error) {
	q := db.WithContext(ctx).Table(eventTable).Where(parentCol+" = ?", parentID).Order("seq ASC")
	q = applyListOptions(q, opts)

	var out []TaskEvent
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func queueList[T any](ctx context.Context, db *gorm.DB, statusFilter string, opts ListOptions) ([]*T, error) {
	q := db.WithContext(ctx).Order("next_attempt_at ASC")
	if statusFilter != "" {
		q = q.Where("status = ?", statusFilter)
	}
	q = applyListOptions(q, opts)

	var rows []*T
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
