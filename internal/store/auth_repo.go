package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type gormAuthRepository struct {
	db *gorm.DB
}

// NewAuthRepository returns an AuthRepository backed by db.
func NewAuthRepository(db *gorm.DB) AuthRepository {
	return &gormAuthRepository{db: db}
}

func (r *gormAuthRepository) GetAdminCredential(ctx context.Context) (*AdminCredential, error) {
	var c AdminCredential
	if err := r.db.WithContext(ctx).First(&c).Error; err != nil {
		return nil, translateReadErr(err)
	}
	return &c, nil
}

func (r *gormAuthRepository) CreateAdminCredential(ctx context.Context, c *AdminCredential) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&AdminCredential{}).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrConflict
		}
		if err := tx.Create(c).Error; err != nil {
			return translateWriteErr(err)
		}
		return nil
	})
}

func (r *gormAuthRepository) UpdateAdminCredential(ctx context.Context, c *AdminCredential) error {
	if err := r.db.WithContext(ctx).Save(c).Error; err != nil {
		return translateWriteErr(err)
	}
	return nil
}

func (r *gormAuthRepository) CreateSession(ctx context.Context, s *Session) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return translateWriteErr(err)
	}
	return nil
}

func (r *gormAuthRepository) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).First(&s, "token_hash = ?", tokenHash).Error; err != nil {
		return nil, translateReadErr(err)
	}
	return &s, nil
}

func (r *gormAuthRepository) DeleteSession(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Delete(&Session{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredSessions sweeps sessions past their ExpiresAt. Its caller is
// auth.Service.Sweep, which nothing in the hub runs on a schedule.
func (r *gormAuthRepository) DeleteExpiredSessions(ctx context.Context, now time.Time) error {
	return r.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&Session{}).Error
}

func (r *gormAuthRepository) GetThrottle(ctx context.Context, key string) (*LoginThrottle, error) {
	var t LoginThrottle
	if err := r.db.WithContext(ctx).First(&t, "throttle_key = ?", key).Error; err != nil {
		return nil, translateReadErr(err)
	}
	return &t, nil
}

// RecordFailure increments the throttle row for key, creating it on first
// failure. Once fail_count reaches maxFailures, locked_until is pushed to
// now+lockDuration; each further failure while still locked extends it
// again from the current moment, so a client hammering the endpoint never
// sees the lock count down in place.
func (r *gormAuthRepository) RecordFailure(ctx context.Context, key string, now time.Time, lockDuration time.Duration, maxFailures int) (*LoginThrottle, error) {
	var result *LoginThrottle
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t LoginThrottle
		err := tx.First(&t, "throttle_key = ?", key).Error
		switch {
		case err == nil:
			t.FailCount++
		case gorm.ErrRecordNotFound == err:
			t.ThrottleKey = key
			t.FailCount = 1
			t.WindowStartedAt = now
		default:
			return translateReadErr(err)
		}

		if t.FailCount >= maxFailures {
			until := now.Add(lockDuration)
			t.LockedUntil = &until
		}

		if t.ID == uuid.Nil {
			if err := tx.Create(&t).Error; err != nil {
				return translateWriteErr(err)
			}
		} else {
			if err := tx.Save(&t).Error; err != nil {
				return translateWriteErr(err)
			}
		}
		result = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *gormAuthRepository) ResetThrottle(ctx context.Context, key string) error {
	return r.db.WithContext(ctx).Where("throttle_key = ?", key).Delete(&LoginThrottle{}).Error
}

// DeleteExpiredThrottles removes throttle rows whose window closed before
// now-window and that are not currently locked, keeping the table bounded
// by distinct offending keys rather than growing forever.
func (r *gormAuthRepository) DeleteExpiredThrottles(ctx context.Context, now time.Time, window time.Duration) error {
	cutoff := now.Add(-window)
	return r.db.WithContext(ctx).
		Where("window_started_at <= ? AND (locked_until IS NULL OR locked_until <= ?)", cutoff, now).
		Delete(&LoginThrottle{}).Error
}
