package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const bulkOperationItemsTable = "bulk_operation_items"

type gormBulkOperationRepository struct {
	db *gorm.DB
}

// NewBulkOperationRepository returns a BulkOperationRepository backed by db.
func NewBulkOperationRepository(db *gorm.DB) BulkOperationRepository {
	return &gormBulkOperationRepository{db: db}
}

// CreateOperation inserts the parent operation and all of its per-agent
// child items in one transaction so a caller never observes a partially
// fanned-out operation.
func (r *gormBulkOperationRepository) CreateOperation(ctx context.Context, op *BulkOperation, items []*BulkOperationItem) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(op).Error; err != nil {
			return translateWriteErr(err)
		}
		for _, it := range items {
			it.BulkOperationID = op.ID
		}
		if len(items) > 0 {
			if err := tx.Create(&items).Error; err != nil {
				return translateWriteErr(err)
			}
		}
		return nil
	})
}

func (r *gormBulkOperationRepository) GetOperation(ctx context.Context, id uuid.UUID) (*BulkOperation, error) {
	var op BulkOperation
	if err := r.db.WithContext(ctx).First(&op, "id = ?", id).Error; err != nil {
		return nil, translateReadErr(err)
	}
	return &op, nil
}

func (r *gormBulkOperationRepository) ListItems(ctx context.Context, opID uuid.UUID) ([]*BulkOperationItem, error) {
	var items []*BulkOperationItem
	if err := r.db.WithContext(ctx).Where("bulk_operation_id = ?", opID).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *gormBulkOperationRepository) UpdateOperationStatus(ctx context.Context, id uuid.UUID, status string) error {
	res := r.db.WithContext(ctx).Model(&BulkOperation{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormBulkOperationRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*BulkOperationItem, error) {
	var out []*BulkOperationItem
	if err := queueClaimDue[BulkOperationItem](ctx, r.db, now, limit, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *gormBulkOperationRepository) MarkDone(ctx context.Context, id uuid.UUID) error {
	return queueMarkDone(ctx, r.db, bulkOperationItemsTable, id)
}

func (r *gormBulkOperationRepository) MarkRetrying(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, errKind, errMsg string, at time.Time) error {
	return queueMarkRetrying(ctx, r.db, bulkOperationItemsTable, id, nextAttemptAt, errKind, errMsg, at)
}

func (r *gormBulkOperationRepository) MarkBlocked(ctx context.Context, id uuid.UUID, errKind, errMsg string, at time.Time) error {
	return queueMarkBlocked(ctx, r.db, bulkOperationItemsTable, id, errKind, errMsg, at)
}

func (r *gormBulkOperationRepository) MarkAbandoned(ctx context.Context, id uuid.UUID, at time.Time) error {
	return queueMarkAbandoned(ctx, r.db, bulkOperationItemsTable, id, at)
}

func (r *gormBulkOperationRepository) Ignore(ctx context.Context, id, userID uuid.UUID, reason string, at time.Time) error {
	return queueIgnore(ctx, r.db, bulkOperationItemsTable, id, userID, reason, at)
}

func (r *gormBulkOperationRepository) Requeue(ctx context.Context, id uuid.UUID, at time.Time) error {
	return queueRequeue(ctx, r.db, bulkOperationItemsTable, id, at)
}

func (r *gormBulkOperationRepository) Cancel(ctx context.Context, id uuid.UUID, at time.Time) error {
	return queueCancel(ctx, r.db, bulkOperationItemsTable, id, at)
}

func (r *gormBulkOperationRepository) List(ctx context.Context, statusFilter string, opts ListOptions) ([]*BulkOperationItem, error) {
	return queueList[BulkOperationItem](ctx, r.db, statusFilter, opts)
}

func (r *gormBulkOperationRepository) AppendEvent(ctx context.Context, itemID uuid.UUID, message string, ts time.Time) error {
	return appendTaskEvent(ctx, r.db, "bulk_operation_events", "item_id", itemID, message, ts)
}

func (r *gormBulkOperationRepository) ListEvents(ctx context.Context, itemID uuid.UUID, opts ListOptions) ([]TaskEvent, error) {
	return queueListEvents(ctx, r.db, "bulk_operation_events", "item_id", itemID, opts)
}
