package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type gormSnapshotRepository struct {
	db *gorm.DB
}

// NewSnapshotRepository returns a SnapshotRepository backed by db.
func NewSnapshotRepository(db *gorm.DB) SnapshotRepository {
	return &gormSnapshotRepository{db: db}
}

func (r *gormSnapshotRepository) Create(ctx context.Context, s *SnapshotArtifact) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return translateWriteErr(err)
	}
	return nil
}

func (r *gormSnapshotRepository) GetByRunID(ctx context.Context, runID uuid.UUID) (*SnapshotArtifact, error) {
	var s SnapshotArtifact
	if err := r.db.WithContext(ctx).First(&s, "run_id = ?", runID).Error; err != nil {
		return nil, translateReadErr(err)
	}
	return &s, nil
}

func (r *gormSnapshotRepository) ListByJob(ctx context.Context, jobID uuid.UUID, opts ListOptions) ([]*SnapshotArtifact, error) {
	var snaps []*SnapshotArtifact
	q := r.db.WithContext(ctx).Where("job_id = ?", jobID).Order("created_at DESC")
	q = applyListOptions(q, opts)
	if err := q.Find(&snaps).Error; err != nil {
		return nil, err
	}
	return snaps, nil
}

func (r *gormSnapshotRepository) UpdateStatus(ctx context.Context, runID uuid.UUID, status string) error {
	res := r.db.WithContext(ctx).Model(&SnapshotArtifact{}).Where("run_id = ?", runID).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormSnapshotRepository) Pin(ctx context.Context, runID uuid.UUID, pinned bool) error {
	var pinnedAt *time.Time
	if pinned {
		now := time.Now().UTC()
		pinnedAt = &now
	}
	res := r.db.WithContext(ctx).Model(&SnapshotArtifact{}).Where("run_id = ?", runID).Update("pinned_at", pinnedAt)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormSnapshotRepository) Delete(ctx context.Context, runID uuid.UUID) error {
	res := r.db.WithContext(ctx).Where("run_id = ?", runID).Delete(&SnapshotArtifact{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
