package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"skyreach/models"
)

// ErrNoSender is returned when a workspace has no usable sending identity.
var ErrNoSender = errors.New("workspace has no active sender")

// GormLeadSource loads leads with their custom fields attached.
type GormLeadSource struct {
	db *gorm.DB
}

func NewGormLeadSource(db *gorm.DB) *GormLeadSource {
	return &GormLeadSource{db: db}
}

func (s *GormLeadSource) Lead(ctx context.Context, id uint) (*models.Lead, error) {
	var lead models.Lead
	if err := s.db.WithContext(ctx).Preload("CustomFields").First(&lead, id).Error; err != nil {
		return nil, err
	}
	return &lead, nil
}

// GormSenderSource picks the workspace sender with the most headroom left
// today so campaign volume spreads across identities.
type GormSenderSource struct {
	db *gorm.DB
}

func NewGormSenderSource(db *gorm.DB) *GormSenderSource {
	return &GormSenderSource{db: db}
}

func (s *GormSenderSource) SenderFor(ctx context.Context, workspaceID uint) (string, string, error) {
	var sender models.SenderNode
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND sent_today < daily_cap", workspaceID).
		Order("(daily_cap - sent_today) DESC, id ASC").
		First(&sender).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", "", ErrNoSender
	}
	if err != nil {
		return "", "", err
	}
	return sender.FromEmail, sender.FromName, nil
}

// GormCampaignControl flips engine-driven campaign pause state. Operator
// pauses carry an empty reason and are never resumed automatically.
type GormCampaignControl struct {
	db *gorm.DB
}

func NewGormCampaignControl(db *gorm.DB) *GormCampaignControl {
	return &GormCampaignControl{db: db}
}

func (c *GormCampaignControl) MarkPaused(ctx context.Context, campaignID uint, reason string) error {
	return c.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ? AND status = ?", campaignID, models.CampaignStatusActive).
		Updates(map[string]interface{}{
			"status":        models.CampaignStatusPaused,
			"paused_reason": reason,
			"paused_at":     gorm.Expr("CURRENT_TIMESTAMP"),
		}).Error
}

func (c *GormCampaignControl) ResumeEnginePaused(ctx context.Context, workspaceID uint) error {
	return c.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("workspace_id = ? AND status = ? AND paused_reason <> ''", workspaceID, models.CampaignStatusPaused).
		Updates(map[string]interface{}{
			"status":        models.CampaignStatusActive,
			"paused_reason": "",
			"paused_at":     nil,
		}).Error
}
