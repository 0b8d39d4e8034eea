package store

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type gormSecretRepository struct {
	db *gorm.DB
}

// NewSecretRepository returns a SecretRepository backed by db.
func NewSecretRepository(db *gorm.DB) SecretRepository {
	return &gormSecretRepository{db: db}
}

// Upsert overwrites the (kind, node_id, name) row's kid/nonce/ciphertext if
// it exists, inserting otherwise. Used for both first-write and for vault
// key rotation rewrapping.
func (r *gormSecretRepository) Upsert(ctx context.Context, s *Secret) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "kind"}, {Name: "node_id"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"kid", "nonce", "ciphertext", "updated_at"}),
		}).
		Create(s).Error
}

func (r *gormSecretRepository) Get(ctx context.Context, kind, nodeID, name string) (*Secret, error) {
	var s Secret
	err := r.db.WithContext(ctx).
		First(&s, "kind = ? AND node_id = ? AND name = ?", kind, nodeID, name).Error
	if err != nil {
		return nil, translateReadErr(err)
	}
	return &s, nil
}

func (r *gormSecretRepository) List(ctx context.Context, nodeID string) ([]*Secret, error) {
	var secrets []*Secret
	if err := r.db.WithContext(ctx).Where("node_id = ?", nodeID).Order("name ASC").Find(&secrets).Error; err != nil {
		return nil, err
	}
	return secrets, nil
}

func (r *gormSecretRepository) Delete(ctx context.Context, kind, nodeID, name string) error {
	res := r.db.WithContext(ctx).
		Where("kind = ? AND node_id = ? AND name = ?", kind, nodeID, name).
		Delete(&Secret{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormSecretRepository) ListAllForRekey(ctx context.Context) ([]*Secret, error) {
	var secrets []*Secret
	if err := r.db.WithContext(ctx).Find(&secrets).Error; err != nil {
		return nil, err
	}
	return secrets, nil
}
