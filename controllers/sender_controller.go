package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"skyreach/config"
	"skyreach/models"
	"skyreach/utils"
	"skyreach/warmup"
)

// SenderController manages sending identities and their warmup state.
type SenderController struct {
	DB     *gorm.DB
	Warmup *warmup.Controller
	Logger *logrus.Logger
}

func NewSenderController(db *gorm.DB, wc *warmup.Controller, logger *logrus.Logger) *SenderController {
	return &SenderController{DB: db, Warmup: wc, Logger: logger}
}

// List returns the workspace's sender nodes with their ramp state.
func (sc *SenderController) List(c *fiber.Ctx) error {
	workspaceID := utils.ParseUint(c.Params("id"))

	var senders []models.SenderNode
	if err := sc.DB.Where("workspace_id = ?", workspaceID).Order("id").Find(&senders).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load senders", err)
	}

	return c.JSON(utils.SuccessResponse(senders))
}

type createSenderInput struct {
	Identity  string `json:"identity" validate:"required,email"`
	FromEmail string `json:"from_email" validate:"omitempty,email"`
	FromName  string `json:"from_name" validate:"omitempty,max=120"`

	// Optional ramp overrides; zero values fall back to engine defaults.
	StartCap   int    `json:"start_cap" validate:"omitempty,min=1"`
	CeilingCap int    `json:"ceiling_cap" validate:"omitempty,min=1"`
	Increment  int    `json:"increment" validate:"omitempty,min=1"`
	Curve      string `json:"curve" validate:"omitempty,oneof=fixed percent"`
}

// Create registers a sender node and starts its warmup ramp with the
// configured defaults.
func (sc *SenderController) Create(c *fiber.Ctx) error {
	workspaceID := utils.ParseUint(c.Params("id"))

	var input createSenderInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	if ok, err := utils.ValidateMXRecords(input.Identity); err != nil || !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Sender domain has no MX records", err)
	}

	cfg := config.AppConfig
	sender := models.SenderNode{
		WorkspaceID:   workspaceID,
		Identity:      input.Identity,
		FromEmail:     input.FromEmail,
		FromName:      input.FromName,
		IsWarmingUp:   true,
		DailyCap:      cfg.WarmupStartCap,
		CeilingCap:    cfg.WarmupCeilingCap,
		RampIncrement: cfg.WarmupIncrement,
		Curve:         models.RampCurve(cfg.WarmupCurve),
		HealthScore:   100,
	}
	if sender.FromEmail == "" {
		sender.FromEmail = input.Identity
	}
	if input.StartCap > 0 {
		sender.DailyCap = input.StartCap
	}
	if input.CeilingCap > 0 {
		sender.CeilingCap = input.CeilingCap
	}
	if input.Increment > 0 {
		sender.RampIncrement = input.Increment
	}
	if input.Curve != "" {
		sender.Curve = models.RampCurve(input.Curve)
	}
	if sender.DailyCap > sender.CeilingCap {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Start cap exceeds ceiling", nil)
	}

	if err := sc.DB.Create(&sender).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create sender", err)
	}

	sc.Logger.WithFields(logrus.Fields{
		"sender_id": sender.ID,
		"identity":  sender.Identity,
		"daily_cap": sender.DailyCap,
	}).Info("sender node registered, warmup started")

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(sender))
}

// GetStatus returns one sender's ramp and reputation detail.
func (sc *SenderController) GetStatus(c *fiber.Ctx) error {
	senderID := utils.ParseUint(c.Params("id"))

	var sender models.SenderNode
	if err := sc.DB.First(&sender, senderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Sender not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load sender", err)
	}

	var recentSends int64
	if err := sc.DB.Model(&models.WarmupSend{}).
		Where("sender_node_id = ?", sender.ID).
		Count(&recentSends).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count warmup sends", err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"sender":       sender,
		"warmup_sends": recentSends,
	}))
}

type interactionInput struct {
	MessageID string `json:"message_id" validate:"required"`
	Opened    bool   `json:"opened"`
	Replied   bool   `json:"replied"`
	Bounced   bool   `json:"bounced"`
	Spammed   bool   `json:"spammed"`
}

// RecordInteraction ingests a warmup pool interaction report.
func (sc *SenderController) RecordInteraction(c *fiber.Ctx) error {
	var input interactionInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	err := sc.Warmup.RecordInteraction(c.Context(), input.MessageID, input.Opened, input.Replied, input.Bounced, input.Spammed)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Unknown warmup message", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to record interaction", err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{"message": "Interaction recorded"}))
}
