package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"skyreach/models"
	"skyreach/utils"
)

// SequenceController manages a campaign's ordered steps. Every edit keeps
// positions dense 1..N and persists the renumbered set atomically.
type SequenceController struct {
	DB     *gorm.DB
	Logger *logrus.Logger
}

func NewSequenceController(db *gorm.DB, logger *logrus.Logger) *SequenceController {
	return &SequenceController{DB: db, Logger: logger}
}

func (sc *SequenceController) loadSequence(campaignID uint) (*models.Sequence, error) {
	var seq models.Sequence
	err := sc.DB.Preload("Steps").Where("campaign_id = ?", campaignID).First(&seq).Error
	if err != nil {
		return nil, err
	}
	return &seq, nil
}

// persistSteps rewrites the sequence's steps inside one transaction.
func (sc *SequenceController) persistSteps(seqID uint, steps []models.SequenceStep) error {
	return sc.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("sequence_id = ?", seqID).Delete(&models.SequenceStep{}).Error; err != nil {
			return err
		}
		for i := range steps {
			step := steps[i]
			step.ID = 0
			step.SequenceID = seqID
			if err := tx.Create(&step).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// ListSteps returns the campaign's steps in normalized order.
func (sc *SequenceController) ListSteps(c *fiber.Ctx) error {
	campaignID := utils.ParseUint(c.Params("id"))

	seq, err := sc.loadSequence(campaignID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load sequence", err)
	}

	return c.JSON(utils.SuccessResponse(models.NormalizeSteps(seq.Steps)))
}

type insertStepInput struct {
	Position        int    `json:"position" validate:"omitempty,min=1"`
	SubjectTemplate string `json:"subject_template" validate:"required,min=1"`
	BodyTemplate    string `json:"body_template" validate:"required,min=1"`
	DelaySeconds    int64  `json:"delay_seconds" validate:"omitempty,min=0"`
}

// InsertStep adds a step at the given position (appends when omitted) and
// renumbers the rest.
func (sc *SequenceController) InsertStep(c *fiber.Ctx) error {
	campaignID := utils.ParseUint(c.Params("id"))

	var input insertStepInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	seq, err := sc.loadSequence(campaignID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load sequence", err)
	}

	at := input.Position
	if at == 0 {
		at = len(seq.Steps) + 1
	}
	steps := models.InsertStep(seq.Steps, models.SequenceStep{
		SequenceID:      seq.ID,
		SubjectTemplate: input.SubjectTemplate,
		BodyTemplate:    input.BodyTemplate,
		DelaySeconds:    input.DelaySeconds,
	}, at)

	if err := sc.persistSteps(seq.ID, steps); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to save steps", err)
	}

	sc.Logger.WithFields(logrus.Fields{
		"campaign_id": campaignID,
		"position":    at,
		"steps":       len(steps),
	}).Info("sequence step inserted")

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(steps))
}

// RemoveStep deletes the step at :pos and closes the gap.
func (sc *SequenceController) RemoveStep(c *fiber.Ctx) error {
	campaignID := utils.ParseUint(c.Params("id"))
	pos := int(utils.ParseUint(c.Params("pos")))

	seq, err := sc.loadSequence(campaignID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load sequence", err)
	}
	if models.StepAt(models.NormalizeSteps(seq.Steps), pos) == nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Step not found", nil)
	}

	steps := models.RemoveStep(seq.Steps, pos)
	if err := sc.persistSteps(seq.ID, steps); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to save steps", err)
	}

	return c.JSON(utils.SuccessResponse(steps))
}

type reorderStepInput struct {
	From int `json:"from" validate:"required,min=1"`
	To   int `json:"to" validate:"required,min=1"`
}

// ReorderStep moves a step to a new position, shifting its neighbors.
func (sc *SequenceController) ReorderStep(c *fiber.Ctx) error {
	campaignID := utils.ParseUint(c.Params("id"))

	var input reorderStepInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	seq, err := sc.loadSequence(campaignID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load sequence", err)
	}

	normalized := models.NormalizeSteps(seq.Steps)
	if input.From > len(normalized) {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Source position out of range", nil)
	}

	steps := models.ReorderStep(seq.Steps, input.From, input.To)
	if err := sc.persistSteps(seq.ID, steps); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to save steps", err)
	}

	return c.JSON(utils.SuccessResponse(steps))
}
