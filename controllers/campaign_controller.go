package controller

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"skyreach/enrollment"
	"skyreach/models"
	"skyreach/utils"
)

// CampaignController manages campaign lifecycle from the operator's side.
type CampaignController struct {
	DB      *gorm.DB
	Machine *enrollment.Machine
	Logger  *logrus.Logger
}

func NewCampaignController(db *gorm.DB, machine *enrollment.Machine, logger *logrus.Logger) *CampaignController {
	return &CampaignController{DB: db, Machine: machine, Logger: logger}
}

type createCampaignInput struct {
	WorkspaceID uint   `json:"workspace_id" validate:"required,min=1"`
	Name        string `json:"name" validate:"required,min=1,max=200"`
	Description string `json:"description" validate:"omitempty,max=2000"`
}

// Create registers a draft campaign with an empty sequence.
func (cc *CampaignController) Create(c *fiber.Ctx) error {
	var input createCampaignInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	campaign := models.Campaign{
		WorkspaceID: input.WorkspaceID,
		Name:        input.Name,
		Description: input.Description,
		Status:      models.CampaignStatusDraft,
	}
	err := cc.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&campaign).Error; err != nil {
			return err
		}
		return tx.Create(&models.Sequence{CampaignID: campaign.ID, Name: "default"}).Error
	})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create campaign", err)
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(campaign))
}

// Get returns one campaign with its sequence.
func (cc *CampaignController) Get(c *fiber.Ctx) error {
	campaignID := utils.ParseUint(c.Params("id"))

	var campaign models.Campaign
	err := cc.DB.Preload("Sequence.Steps").First(&campaign, campaignID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load campaign", err)
	}
	if campaign.Sequence != nil {
		campaign.Sequence.Steps = models.NormalizeSteps(campaign.Sequence.Steps)
	}

	return c.JSON(utils.SuccessResponse(campaign))
}

// Activate moves a draft or paused campaign to active. A campaign with no
// steps cannot go live.
func (cc *CampaignController) Activate(c *fiber.Ctx) error {
	campaignID := utils.ParseUint(c.Params("id"))

	var campaign models.Campaign
	if err := cc.DB.Preload("Sequence.Steps").First(&campaign, campaignID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load campaign", err)
	}
	if campaign.Sequence == nil || len(campaign.Sequence.Steps) == 0 {
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Campaign has no sequence steps", nil)
	}
	if campaign.Status == models.CampaignStatusCompleted {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Campaign already completed", nil)
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":        models.CampaignStatusActive,
		"paused_reason": "",
		"paused_at":     nil,
	}
	if campaign.StartedAt == nil {
		updates["started_at"] = now
	}
	if err := cc.DB.Model(&campaign).Updates(updates).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to activate campaign", err)
	}

	// An operator resume also unparks enrollments immediately.
	if _, err := cc.Machine.ResumeCampaign(c.Context(), campaign.ID); err != nil {
		cc.Logger.WithError(err).WithField("campaign_id", campaign.ID).Error("failed to resume enrollments")
	}

	cc.Logger.WithField("campaign_id", campaign.ID).Info("campaign activated")
	return c.JSON(utils.SuccessResponse(campaign))
}

// Pause stops dispatch for the campaign. Enrollments park with their delay
// clocks intact.
func (cc *CampaignController) Pause(c *fiber.Ctx) error {
	campaignID := utils.ParseUint(c.Params("id"))

	var campaign models.Campaign
	if err := cc.DB.First(&campaign, campaignID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load campaign", err)
	}
	if campaign.Status != models.CampaignStatusActive {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Only active campaigns can be paused", nil)
	}

	now := time.Now().UTC()
	// Operator pauses carry an empty reason so the evaluator never
	// auto-resumes them.
	if err := cc.DB.Model(&campaign).Updates(map[string]interface{}{
		"status":        models.CampaignStatusPaused,
		"paused_reason": "",
		"paused_at":     now,
	}).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to pause campaign", err)
	}

	parked, err := cc.Machine.PauseCampaign(c.Context(), campaign.ID)
	if err != nil {
		cc.Logger.WithError(err).WithField("campaign_id", campaign.ID).Error("failed to park enrollments")
	}

	cc.Logger.WithFields(logrus.Fields{
		"campaign_id":        campaign.ID,
		"enrollments_parked": parked,
	}).Info("campaign paused by operator")

	return c.JSON(utils.SuccessResponse(campaign))
}
