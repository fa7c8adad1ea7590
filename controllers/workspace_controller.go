package controller

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"skyreach/models"
	"skyreach/utils"
)

// WorkspaceController exposes workspace pause state and policy management.
type WorkspaceController struct {
	DB     *gorm.DB
	Logger *logrus.Logger
}

func NewWorkspaceController(db *gorm.DB, logger *logrus.Logger) *WorkspaceController {
	return &WorkspaceController{DB: db, Logger: logger}
}

// GetStatus reports the workspace's safety state: the complaint latch and
// any campaigns the engine has paused.
func (wc *WorkspaceController) GetStatus(c *fiber.Ctx) error {
	workspaceID := utils.ParseUint(c.Params("id"))

	var ws models.Workspace
	if err := wc.DB.First(&ws, workspaceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Workspace not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load workspace", err)
	}

	var pausedCampaigns []models.Campaign
	if err := wc.DB.
		Where("workspace_id = ? AND status = ? AND paused_reason <> ''", ws.ID, models.CampaignStatusPaused).
		Find(&pausedCampaigns).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load paused campaigns", err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"workspace_id":            ws.ID,
		"complaint_latched":       ws.PausedForComplaintAt != nil,
		"paused_for_complaint_at": ws.PausedForComplaintAt,
		"complaint_note":          ws.ComplaintNote,
		"paused_campaigns":        pausedCampaigns,
	}))
}

// ClearComplaint lifts the sticky complaint pause. Enrollments return to
// Scheduled on the next cycle the evaluator allows sending.
func (wc *WorkspaceController) ClearComplaint(c *fiber.Ctx) error {
	workspaceID := utils.ParseUint(c.Params("id"))

	var ws models.Workspace
	if err := wc.DB.First(&ws, workspaceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Workspace not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load workspace", err)
	}
	if ws.PausedForComplaintAt == nil {
		return c.JSON(utils.SuccessResponse(fiber.Map{
			"message": "No complaint pause to clear",
		}))
	}

	if err := wc.DB.Model(&models.Workspace{}).
		Where("id = ?", ws.ID).
		Updates(map[string]interface{}{
			"paused_for_complaint_at": nil,
			"complaint_note":          "",
		}).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to clear complaint", err)
	}

	wc.Logger.WithFields(logrus.Fields{
		"workspace_id": ws.ID,
		"latched_at":   ws.PausedForComplaintAt,
	}).Info("operator cleared complaint pause")

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"message":    "Complaint pause cleared",
		"cleared_at": time.Now().UTC(),
	}))
}

// GetPolicy returns the workspace's safety policy, creating the defaults on
// first read.
func (wc *WorkspaceController) GetPolicy(c *fiber.Ctx) error {
	workspaceID := utils.ParseUint(c.Params("id"))

	var policy models.SafetyPolicy
	err := wc.DB.Where("workspace_id = ?", workspaceID).First(&policy).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		policy = models.SafetyPolicy{
			WorkspaceID:        workspaceID,
			BounceThresholdBps: 500,
			BounceWindowCount:  100,
			DailyVolumeCap:     500,
			StopOnReply:        true,
			PauseOnComplaint:   true,
			NonBusinessDays:    "0,6",
		}
		if err := wc.DB.Create(&policy).Error; err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create default policy", err)
		}
	} else if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load policy", err)
	}

	return c.JSON(utils.SuccessResponse(policy))
}

type updatePolicyInput struct {
	BounceThresholdBps *int    `json:"bounce_threshold_bps" validate:"omitempty,min=1,max=10000"`
	BounceWindowCount  *int    `json:"bounce_window_count" validate:"omitempty,min=0,max=100000"`
	BounceWindowHours  *int    `json:"bounce_window_hours" validate:"omitempty,min=0,max=720"`
	MinSampleOverride  *int    `json:"min_sample_override" validate:"omitempty,min=0,max=100000"`
	DailyVolumeCap     *int    `json:"daily_volume_cap" validate:"omitempty,min=1,max=1000000"`
	StopOnReply        *bool   `json:"stop_on_reply"`
	PauseOnComplaint   *bool   `json:"pause_on_complaint"`
	WeekendPause       *bool   `json:"weekend_pause"`
	NonBusinessDays    *string `json:"non_business_days" validate:"omitempty,max=16"`
}

// UpdatePolicy patches the safety policy. Changes take effect on the next
// evaluation cycle; in-flight snapshots are never mutated.
func (wc *WorkspaceController) UpdatePolicy(c *fiber.Ctx) error {
	workspaceID := utils.ParseUint(c.Params("id"))

	var input updatePolicyInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	var policy models.SafetyPolicy
	if err := wc.DB.Where("workspace_id = ?", workspaceID).First(&policy).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Policy not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load policy", err)
	}

	updates := map[string]interface{}{}
	if input.BounceThresholdBps != nil {
		updates["bounce_threshold_bps"] = *input.BounceThresholdBps
	}
	if input.BounceWindowCount != nil {
		updates["bounce_window_count"] = *input.BounceWindowCount
	}
	if input.BounceWindowHours != nil {
		updates["bounce_window_hours"] = *input.BounceWindowHours
	}
	if input.MinSampleOverride != nil {
		updates["min_sample_override"] = *input.MinSampleOverride
	}
	if input.DailyVolumeCap != nil {
		updates["daily_volume_cap"] = *input.DailyVolumeCap
	}
	if input.StopOnReply != nil {
		updates["stop_on_reply"] = *input.StopOnReply
	}
	if input.PauseOnComplaint != nil {
		updates["pause_on_complaint"] = *input.PauseOnComplaint
	}
	if input.WeekendPause != nil {
		updates["weekend_pause"] = *input.WeekendPause
	}
	if input.NonBusinessDays != nil {
		updates["non_business_days"] = *input.NonBusinessDays
	}
	if len(updates) == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "No fields to update", nil)
	}

	if err := wc.DB.Model(&policy).Updates(updates).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update policy", err)
	}

	wc.Logger.WithFields(logrus.Fields{
		"workspace_id": workspaceID,
		"fields":       len(updates),
	}).Info("safety policy updated")

	return c.JSON(utils.SuccessResponse(policy))
}
