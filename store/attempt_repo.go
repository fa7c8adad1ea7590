package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"skyreach/models"
)

// ErrOutcomeRecorded guards the append-only rule: once an attempt's outcome
// is set it never changes; corrections are new rows.
var ErrOutcomeRecorded = errors.New("send attempt outcome already recorded")

// GormAttemptRepo persists the append-only send history.
type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

func (r *GormAttemptRepo) Append(ctx context.Context, a *models.SendAttempt) error {
	return r.db.WithContext(ctx).Create(a).Error
}

// RecordOutcome moves a pending attempt to its final outcome. Attempts that
// already have an outcome are left alone.
func (r *GormAttemptRepo) RecordOutcome(ctx context.Context, attemptID uint, outcome models.AttemptOutcome, reason string) error {
	res := r.db.WithContext(ctx).
		Model(&models.SendAttempt{}).
		Where("id = ? AND outcome = ?", attemptID, models.OutcomePending).
		Updates(map[string]interface{}{
			"outcome":     outcome,
			"fail_reason": reason,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOutcomeRecorded
	}
	return nil
}

// DeliveredExists reports whether a Delivered attempt already exists for the
// (enrollment, step) pair.
func (r *GormAttemptRepo) DeliveredExists(ctx context.Context, enrollmentID uint, step int) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&models.SendAttempt{}).
		Where("enrollment_id = ? AND step_position = ? AND outcome = ?",
			enrollmentID, step, models.OutcomeDelivered).
		Count(&n).Error
	return n > 0, err
}

// ListForEnrollment returns the attempt history, oldest first.
func (r *GormAttemptRepo) ListForEnrollment(ctx context.Context, enrollmentID uint) ([]models.SendAttempt, error) {
	var attempts []models.SendAttempt
	err := r.db.WithContext(ctx).
		Where("enrollment_id = ?", enrollmentID).
		Order("id").
		Find(&attempts).Error
	return attempts, err
}

// CountSince counts attempts that left the building after the cutoff, for
// operator dashboards.
func (r *GormAttemptRepo) CountSince(ctx context.Context, enrollmentID uint, since time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&models.SendAttempt{}).
		Where("enrollment_id = ? AND scheduled_at >= ? AND outcome IN ?",
			enrollmentID, since,
			[]models.AttemptOutcome{models.OutcomeDelivered, models.OutcomeBounced}).
		Count(&n).Error
	return n, err
}
