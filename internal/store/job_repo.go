package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by db.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

func (r *gormJobRepository) Create(ctx context.Context, j *Job) error {
	if err := r.db.WithContext(ctx).Create(j).Error; err != nil {
		return translateWriteErr(err)
	}
	return nil
}

func (r *gormJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, translateReadErr(err)
	}
	return &j, nil
}

func (r *gormJobRepository) GetByName(ctx context.Context, name string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "name = ?", name).Error; err != nil {
		return nil, translateReadErr(err)
	}
	return &j, nil
}

func (r *gormJobRepository) Update(ctx context.Context, j *Job) error {
	if err := r.db.WithContext(ctx).Save(j).Error; err != nil {
		return translateWriteErr(err)
	}
	return nil
}

func (r *gormJobRepository) Archive(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Update("archived_at", now)
	if res.Error != nil {
		return translateWriteErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormJobRepository) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	var jobs []*Job
	q := r.db.WithContext(ctx).Where("archived_at IS NULL").Order("created_at DESC")
	q = applyListOptions(q, opts)
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *gormJobRepository) ListDue(ctx context.Context, now time.Time) ([]*Job, error) {
	var jobs []*Job
	err := r.db.WithContext(ctx).
		Where("archived_at IS NULL AND schedule <> '' AND next_run_at IS NOT NULL AND next_run_at <= ?", now).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *gormJobRepository) SetPendingRun(ctx context.Context, id uuid.UUID, at *time.Time) error {
	res := r.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Update("pending_run_at", at)
	if res.Error != nil {
		return translateWriteErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func applyListOptions(q *gorm.DB, opts ListOptions) *gorm.DB {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	return q.Limit(limit).Offset(opts.Offset)
}

func translateReadErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func translateWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if isUniqueConstraintErr(err) {
		return ErrConflict
	}
	return err
}
