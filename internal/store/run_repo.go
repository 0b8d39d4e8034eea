package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type gormRunRepository struct {
	db *gorm.DB
}

// NewRunRepository returns a RunRepository backed by db.
func NewRunRepository(db *gorm.DB) RunRepository {
	return &gormRunRepository{db: db}
}

func (r *gormRunRepository) Create(ctx context.Context, run *Run) error {
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return translateWriteErr(err)
	}
	return nil
}

func (r *gormRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*Run, error) {
	var run Run
	if err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, translateReadErr(err)
	}
	return &run, nil
}

func (r *gormRunRepository) Update(ctx context.Context, run *Run) error {
	if err := r.db.WithContext(ctx).Save(run).Error; err != nil {
		return translateWriteErr(err)
	}
	return nil
}

func (r *gormRunRepository) ListByJob(ctx context.Context, jobID uuid.UUID, opts ListOptions) ([]*Run, error) {
	var runs []*Run
	q := r.db.WithContext(ctx).Where("job_id = ?", jobID).Order("started_at DESC")
	q = applyListOptions(q, opts)
	if err := q.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

func (r *gormRunRepository) ListActive(ctx context.Context) ([]*Run, error) {
	var runs []*Run
	err := r.db.WithContext(ctx).Where("status IN ?", []string{"queued", "running"}).Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

func (r *gormRunRepository) ListTerminalOlderThan(ctx context.Context, jobID uuid.UUID, cutoff time.Time) ([]*Run, error) {
	var runs []*Run
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND status IN ? AND ended_at IS NOT NULL AND ended_at < ?",
			jobID, []string{"success", "failed", "rejected"}, cutoff).
		Where("NOT EXISTS (SELECT 1 FROM run_artifacts WHERE run_artifacts.run_id = runs.id AND run_artifacts.status IN ?)",
			[]string{"present", "deleting", "error"}).
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// Delete removes the run and its run_events rows in one transaction.
func (r *gormRunRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", id).Delete(&RunEvent{}).Error; err != nil {
			return translateWriteErr(err)
		}
		res := tx.Delete(&Run{}, "id = ?", id)
		if res.Error != nil {
			return translateWriteErr(res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// AppendEvent reads runs.next_seq, inserts the event at that seq, and
// increments next_seq, all inside one transaction — the mechanism by which
// the append-only (run_id, seq) invariant is enforced, since SQLite has no
// exclusion constraints to do it natively. The conditional UPDATE below
// (next_seq = seq) detects any concurrent writer that slipped in and fails
// the transaction with ErrConflict instead of silently double-assigning a
// seq; under the single-writer sqlite pool this never actually races, but
// postgres deployments may run with more than one writer connection.
func (r *gormRunRepository) AppendEvent(ctx context.Context, runID uuid.UUID, level, kind, message, fieldsJSON string, ts time.Time) (*RunEvent, error) {
	var event *RunEvent

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run Run
		if err := tx.First(&run, "id = ?", runID).Error; err != nil {
			return translateReadErr(err)
		}

		seq := run.NextSeq
		ev := &RunEvent{
			RunID:      runID,
			Seq:        seq,
			Ts:         ts,
			Level:      level,
			Kind:       kind,
			Message:    message,
			FieldsJSON: fieldsJSON,
		}
		if err := tx.Create(ev).Error; err != nil {
			return translateWriteErr(err)
		}

		res := tx.Model(&Run{}).Where("id = ? AND next_seq = ?", runID, seq).Update("next_seq", seq+1)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}

		event = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

func (r *gormRunRepository) ListEvents(ctx context.Context, runID uuid.UUID, afterSeq int64, opts ListOptions) ([]*RunEvent, error) {
	var events []*RunEvent
	q := r.db.WithContext(ctx).Where("run_id = ? AND seq > ?", runID, afterSeq).Order("seq ASC")
	q = applyListOptions(q, opts)
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
