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

// EnrollmentController exposes enrollment listing, manual enrollment and
// cancellation.
type EnrollmentController struct {
	DB      *gorm.DB
	Machine *enrollment.Machine
	Repo    enrollment.Repo
	Logger  *logrus.Logger
}

func NewEnrollmentController(db *gorm.DB, machine *enrollment.Machine, repo enrollment.Repo, logger *logrus.Logger) *EnrollmentController {
	return &EnrollmentController{DB: db, Machine: machine, Repo: repo, Logger: logger}
}

// List returns a campaign's enrollments, optionally filtered by status.
func (ec *EnrollmentController) List(c *fiber.Ctx) error {
	campaignID := utils.ParseUint(c.Params("id"))
	status := c.Query("status")
	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", 50)
	if limit > 500 {
		limit = 500
	}

	query := ec.DB.Model(&models.Enrollment{}).Where("campaign_id = ?", campaignID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count enrollments", err)
	}

	var enrollments []models.Enrollment
	if err := query.
		Order("next_eligible_at, id").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&enrollments).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load enrollments", err)
	}

	return c.JSON(utils.SuccessResponse(utils.PaginatedResponse{
		Data:  enrollments,
		Total: total,
		Page:  page,
		Limit: limit,
	}))
}

type enrollInput struct {
	LeadID uint `json:"lead_id" validate:"required,min=1"`
}

// Enroll puts a lead into the campaign at step 1.
func (ec *EnrollmentController) Enroll(c *fiber.Ctx) error {
	campaignID := utils.ParseUint(c.Params("id"))

	var input enrollInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	var campaign models.Campaign
	if err := ec.DB.First(&campaign, campaignID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load campaign", err)
	}

	var lead models.Lead
	if err := ec.DB.First(&lead, input.LeadID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load lead", err)
	}
	if lead.WorkspaceID != campaign.WorkspaceID {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Lead belongs to another workspace", nil)
	}

	e, err := ec.Machine.Enroll(c.Context(), campaign.WorkspaceID, campaign.ID, &lead, time.Now().UTC())
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Enrollment rejected", err)
	}

	ec.Logger.WithFields(logrus.Fields{
		"enrollment_id": e.ID,
		"campaign_id":   campaign.ID,
		"lead_id":       lead.ID,
	}).Info("lead enrolled")

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(e))
}

// Cancel ends an enrollment. Cancelling an already-terminal enrollment is a
// no-op.
func (ec *EnrollmentController) Cancel(c *fiber.Ctx) error {
	enrollmentID := utils.ParseUint(c.Params("id"))

	e, err := ec.Repo.Get(c.Context(), enrollmentID)
	if errors.Is(err, enrollment.ErrNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Enrollment not found", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load enrollment", err)
	}

	if err := ec.Machine.Cancel(c.Context(), e, time.Now().UTC()); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to cancel enrollment", err)
	}

	return c.JSON(utils.SuccessResponse(e))
}

// History returns the enrollment's append-only send attempt log.
func (ec *EnrollmentController) History(c *fiber.Ctx) error {
	enrollmentID := utils.ParseUint(c.Params("id"))

	var attempts []models.SendAttempt
	if err := ec.DB.
		Where("enrollment_id = ?", enrollmentID).
		Order("id").
		Find(&attempts).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load attempts", err)
	}

	return c.JSON(utils.SuccessResponse(attempts))
}
