package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"skyreach/enrollment"
	"skyreach/models"
)

// GormEnrollmentRepo implements enrollment.Repo on gorm. All state writes
// go through the version CAS so replicas never clobber each other.
type GormEnrollmentRepo struct {
	db *gorm.DB
}

func NewGormEnrollmentRepo(db *gorm.DB) *GormEnrollmentRepo {
	return &GormEnrollmentRepo{db: db}
}

func (r *GormEnrollmentRepo) Get(ctx context.Context, id uint) (*models.Enrollment, error) {
	var e models.Enrollment
	err := r.db.WithContext(ctx).First(&e, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, enrollment.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *GormEnrollmentRepo) GetByPair(ctx context.Context, campaignID, leadID uint) (*models.Enrollment, error) {
	var e models.Enrollment
	err := r.db.WithContext(ctx).
		Where("campaign_id = ? AND lead_id = ?", campaignID, leadID).
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, enrollment.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *GormEnrollmentRepo) LoadDue(ctx context.Context, asOf time.Time) ([]models.Enrollment, error) {
	var due []models.Enrollment
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_eligible_at <= ?", models.StatusScheduled, asOf).
		Order("next_eligible_at, id").
		Find(&due).Error
	return due, err
}

func (r *GormEnrollmentRepo) LoadSentDue(ctx context.Context, asOf time.Time) ([]models.Enrollment, error) {
	var due []models.Enrollment
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_eligible_at <= ?", models.StatusSent, asOf).
		Order("next_eligible_at, id").
		Find(&due).Error
	return due, err
}

func (r *GormEnrollmentRepo) PausedWorkspaces(ctx context.Context) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).
		Model(&models.Enrollment{}).
		Distinct("workspace_id").
		Where("status = ?", models.StatusPaused).
		Order("workspace_id ASC").
		Pluck("workspace_id", &ids).Error
	return ids, err
}

func (r *GormEnrollmentRepo) CASUpdate(ctx context.Context, e *models.Enrollment, expectedVersion int64) error {
	res := r.db.WithContext(ctx).
		Model(&models.Enrollment{}).
		Where("id = ? AND version = ?", e.ID, expectedVersion).
		Updates(map[string]interface{}{
			"current_step_position": e.CurrentStepPosition,
			"status":                e.Status,
			"next_eligible_at":      e.NextEligibleAt,
			"last_event_at":         e.LastEventAt,
			"reply_count":           e.ReplyCount,
			"version":               expectedVersion + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return enrollment.ErrConflict
	}
	e.Version = expectedVersion + 1
	return nil
}

func (r *GormEnrollmentRepo) Create(ctx context.Context, e *models.Enrollment) error {
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *GormEnrollmentRepo) BulkStatus(ctx context.Context, campaignID uint, from, to models.EnrollmentStatus) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Enrollment{}).
		Where("campaign_id = ? AND status = ?", campaignID, from).
		Updates(map[string]interface{}{
			"status":  to,
			"version": gorm.Expr("version + 1"),
		})
	return res.RowsAffected, res.Error
}

// BulkStatusWorkspace rewrites status across the workspace. Resuming out of
// Paused skips campaigns the operator holds paused; those only move again
// through an explicit campaign activation.
func (r *GormEnrollmentRepo) BulkStatusWorkspace(ctx context.Context, workspaceID uint, from, to models.EnrollmentStatus) (int64, error) {
	query := r.db.WithContext(ctx).
		Model(&models.Enrollment{}).
		Where("workspace_id = ? AND status = ?", workspaceID, from)
	if from == models.StatusPaused {
		query = query.Where("campaign_id IN (?)",
			r.db.Model(&models.Campaign{}).
				Select("id").
				Where("workspace_id = ? AND status = ?", workspaceID, models.CampaignStatusActive))
	}
	res := query.Updates(map[string]interface{}{
		"status":  to,
		"version": gorm.Expr("version + 1"),
	})
	return res.RowsAffected, res.Error
}

// GormStepSource resolves a campaign's sequence steps, normalized so
// position math downstream can trust a dense 1..N range.
type GormStepSource struct {
	db *gorm.DB
}

func NewGormStepSource(db *gorm.DB) *GormStepSource {
	return &GormStepSource{db: db}
}

func (s *GormStepSource) StepsFor(ctx context.Context, campaignID uint) ([]models.SequenceStep, error) {
	var seq models.Sequence
	err := s.db.WithContext(ctx).
		Preload("Steps").
		Where("campaign_id = ?", campaignID).
		First(&seq).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return models.NormalizeSteps(seq.Steps), nil
}
