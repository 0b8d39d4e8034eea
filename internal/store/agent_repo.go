package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type gormAgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository returns an AgentRepository backed by db.
func NewAgentRepository(db *gorm.DB) AgentRepository {
	return &gormAgentRepository{db: db}
}

func (r *gormAgentRepository) Create(ctx context.Context, a *Agent) error {
	if err := r.db.WithContext(ctx).Create(a).Error; err != nil {
		return translateWriteErr(err)
	}
	return nil
}

func (r *gormAgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*Agent, error) {
	var a Agent
	if err := r.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, translateReadErr(err)
	}
	return &a, nil
}

func (r *gormAgentRepository) GetByName(ctx context.Context, name string) (*Agent, error) {
	var a Agent
	if err := r.db.WithContext(ctx).First(&a, "name = ?", name).Error; err != nil {
		return nil, translateReadErr(err)
	}
	return &a, nil
}

func (r *gormAgentRepository) Update(ctx context.Context, a *Agent) error {
	if err := r.db.WithContext(ctx).Save(a).Error; err != nil {
		return translateWriteErr(err)
	}
	return nil
}

func (r *gormAgentRepository) List(ctx context.Context, opts ListOptions) ([]*Agent, error) {
	var agents []*Agent
	q := applyListOptions(r.db.WithContext(ctx).Order("name ASC"), opts)
	if err := q.Find(&agents).Error; err != nil {
		return nil, err
	}
	return agents, nil
}

// ListByLabels returns agents matching the given labels under "and" (all
// labels present) or "or" (any label present) semantics.
func (r *gormAgentRepository) ListByLabels(ctx context.Context, labels []string, mode string) ([]*Agent, error) {
	if len(labels) == 0 {
		return r.List(ctx, ListOptions{})
	}

	var agentIDs []uuid.UUID
	base := r.db.WithContext(ctx).Model(&AgentLabel{}).Where("label IN ?", labels)

	if mode == "and" {
		err := base.
			Group("agent_id").
			Having("COUNT(DISTINCT label) = ?", len(labels)).
			Pluck("agent_id", &agentIDs).Error
		if err != nil {
			return nil, err
		}
	} else {
		err := base.Distinct().Pluck("agent_id", &agentIDs).Error
		if err != nil {
			return nil, err
		}
	}

	if len(agentIDs) == 0 {
		return nil, nil
	}

	var agents []*Agent
	if err := r.db.WithContext(ctx).Where("id IN ?", agentIDs).Order("name ASC").Find(&agents).Error; err != nil {
		return nil, err
	}
	return agents, nil
}

func (r *gormAgentRepository) Revoke(ctx context.Context, id uuid.UUID, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&Agent{}).Where("id = ?", id).Update("revoked_at", at)
	if res.Error != nil {
		return translateWriteErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormAgentRepository) TouchLastSeen(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Agent{}).Where("id = ?", id).Update("last_seen_at", at).Error
}

// GetLabels returns an agent's current labels, sorted.
func (r *gormAgentRepository) GetLabels(ctx context.Context, agentID uuid.UUID) ([]string, error) {
	var labels []string
	err := r.db.WithContext(ctx).Model(&AgentLabel{}).
		Where("agent_id = ?", agentID).
		Order("label ASC").
		Pluck("label", &labels).Error
	if err != nil {
		return nil, err
	}
	return labels, nil
}

// SetLabels replaces an agent's full label set inside one transaction.
func (r *gormAgentRepository) SetLabels(ctx context.Context, agentID uuid.UUID, labels []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("agent_id = ?", agentID).Delete(&AgentLabel{}).Error; err != nil {
			return err
		}
		if len(labels) == 0 {
			return nil
		}
		rows := make([]AgentLabel, 0, len(labels))
		for _, l := range labels {
			rows = append(rows, AgentLabel{AgentID: agentID, Label: l})
		}
		return tx.Create(&rows).Error
	})
}

func (r *gormAgentRepository) CreateEnrollmentToken(ctx context.Context, t *EnrollmentToken) error {
	if err := r.db.WithContext(ctx).Create(t).Error; err != nil {
		return translateWriteErr(err)
	}
	return nil
}

// ConsumeEnrollmentToken atomically decrements RemainingUses (if bounded)
// and returns the token, or ErrNotFound if it is missing, expired, or
// exhausted. Unlimited-use tokens (RemainingUses == nil) are returned
// without mutation.
func (r *gormAgentRepository) ConsumeEnrollmentToken(ctx context.Context, tokenHash string, now time.Time) (*EnrollmentToken, error) {
	var tok EnrollmentToken

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&tok, "token_hash = ?", tokenHash).Error
		if err != nil {
			return translateReadErr(err)
		}
		if tok.ExpiresAt.Before(now) {
			return ErrNotFound
		}
		if tok.RemainingUses == nil {
			return nil
		}
		if *tok.RemainingUses <= 0 {
			return ErrNotFound
		}
		remaining := *tok.RemainingUses - 1
		res := tx.Model(&EnrollmentToken{}).
			Where("id = ? AND remaining_uses = ?", tok.ID, *tok.RemainingUses).
			Update("remaining_uses", remaining)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		tok.RemainingUses = &remaining
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &tok, nil
}
