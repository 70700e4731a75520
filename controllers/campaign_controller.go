package controller

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"cadence/engine"
	"cadence/models"
	"cadence/utils"
)

// CampaignController owns the campaign lifecycle API: CRUD while in draft,
// activation (validate + enroll + schedule), pause and resume.
type CampaignController struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	Scheduler *engine.Scheduler
}

func NewCampaignController(db *gorm.DB, logger *logrus.Logger, scheduler *engine.Scheduler) *CampaignController {
	return &CampaignController{DB: db, Logger: logger, Scheduler: scheduler}
}

type campaignInput struct {
	Name         string                  `json:"name" validate:"required,min=1,max=200"`
	Description  string                  `json:"description"`
	Timezone     string                  `json:"timezone"`
	Settings     models.ScheduleSettings `json:"settings"`
	ContactLists []uint                  `json:"contact_list_ids"`
	Steps        []stepInput             `json:"steps" validate:"dive"`
}

type stepInput struct {
	StepNumber      int                    `json:"step_number" validate:"required,min=1"`
	SubjectTemplate string                 `json:"subject_template" validate:"required"`
	ContentTemplate string                 `json:"content_template" validate:"required"`
	DelayDays       int                    `json:"delay_days" validate:"min=0"`
	DelayHours      int                    `json:"delay_hours" validate:"min=0,max=23"`
	Conditions      []models.StepCondition `json:"conditions"`
}

func (ci *campaignInput) steps(campaignID uint) []models.SequenceStep {
	steps := make([]models.SequenceStep, 0, len(ci.Steps))
	for _, s := range ci.Steps {
		steps = append(steps, models.SequenceStep{
			CampaignID:      campaignID,
			StepNumber:      s.StepNumber,
			SubjectTemplate: s.SubjectTemplate,
			ContentTemplate: s.ContentTemplate,
			DelayDays:       s.DelayDays,
			DelayHours:      s.DelayHours,
			Conditions:      s.Conditions,
		})
	}
	return steps
}

// CreateCampaign creates a draft campaign with its sequence.
func (cc *CampaignController) CreateCampaign(c *fiber.Ctx) error {
	var input campaignInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "Validation failed",
			"details": err.Error(),
		})
	}

	if input.Timezone != "" {
		if _, err := time.LoadLocation(input.Timezone); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Unknown timezone",
			})
		}
	}

	tx := cc.DB.Begin()

	campaign := models.Campaign{
		Name:        input.Name,
		Description: input.Description,
		Timezone:    input.Timezone,
		Settings:    input.Settings,
		Status:      models.CampaignStatusDraft,
	}
	if err := tx.Create(&campaign).Error; err != nil {
		tx.Rollback()
		cc.Logger.WithError(err).Error("failed to create campaign")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create campaign",
		})
	}

	if steps := input.steps(campaign.ID); len(steps) > 0 {
		if err := tx.Create(&steps).Error; err != nil {
			tx.Rollback()
			cc.Logger.WithError(err).Error("failed to create sequence steps")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to create sequence steps",
			})
		}
	}

	for _, listID := range input.ContactLists {
		if err := tx.Create(&models.CampaignContactList{
			CampaignID:    campaign.ID,
			ContactListID: listID,
		}).Error; err != nil {
			tx.Rollback()
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to associate contact list",
			})
		}
	}

	if err := tx.Commit().Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create campaign",
		})
	}

	cc.Logger.WithField("campaign_id", campaign.ID).Info("campaign created")
	return c.Status(fiber.StatusCreated).JSON(campaign)
}

// GetCampaign returns a campaign with its sequence.
func (cc *CampaignController) GetCampaign(c *fiber.Ctx) error {
	var campaign models.Campaign
	err := cc.DB.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_number ASC")
	}).First(&campaign, c.Params("id")).Error
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
	}
	return c.JSON(campaign)
}

// GetCampaigns lists campaigns, optionally filtered by status.
func (cc *CampaignController) GetCampaigns(c *fiber.Ctx) error {
	query := cc.DB.Order("created_at DESC")
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var campaigns []models.Campaign
	if err := query.Find(&campaigns).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch campaigns",
		})
	}
	return c.JSON(campaigns)
}

// UpdateCampaign replaces a draft campaign's details and sequence. Only
// drafts are editable; anything past activation is immutable.
func (cc *CampaignController) UpdateCampaign(c *fiber.Ctx) error {
	var campaign models.Campaign
	if err := cc.DB.First(&campaign, c.Params("id")).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
	}
	if campaign.Status != models.CampaignStatusDraft {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Only draft campaigns can be edited",
		})
	}

	var input campaignInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "Validation failed",
			"details": err.Error(),
		})
	}

	tx := cc.DB.Begin()

	updates := map[string]interface{}{
		"name":        input.Name,
		"description": input.Description,
		"timezone":    input.Timezone,
		"settings":    input.Settings,
	}
	if err := tx.Model(&campaign).Updates(updates).Error; err != nil {
		tx.Rollback()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update campaign",
		})
	}

	if err := tx.Where("campaign_id = ?", campaign.ID).Delete(&models.SequenceStep{}).Error; err != nil {
		tx.Rollback()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to replace sequence",
		})
	}
	if steps := input.steps(campaign.ID); len(steps) > 0 {
		if err := tx.Create(&steps).Error; err != nil {
			tx.Rollback()
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to replace sequence",
			})
		}
	}

	if len(input.ContactLists) > 0 {
		if err := tx.Where("campaign_id = ?", campaign.ID).Delete(&models.CampaignContactList{}).Error; err != nil {
			tx.Rollback()
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to replace contact lists",
			})
		}
		for _, listID := range input.ContactLists {
			if err := tx.Create(&models.CampaignContactList{
				CampaignID:    campaign.ID,
				ContactListID: listID,
			}).Error; err != nil {
				tx.Rollback()
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
					"error": "Failed to replace contact lists",
				})
			}
		}
	}

	if err := tx.Commit().Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update campaign",
		})
	}
	return cc.GetCampaign(c)
}

// DeleteCampaign removes a campaign and its children. Sending campaigns
// must be paused first.
func (cc *CampaignController) DeleteCampaign(c *fiber.Ctx) error {
	var campaign models.Campaign
	if err := cc.DB.First(&campaign, c.Params("id")).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
	}
	if campaign.Status == models.CampaignStatusSending {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Pause the campaign before deleting it",
		})
	}

	tx := cc.DB.Begin()
	for _, child := range []interface{}{
		&models.SequenceStep{},
		&models.CampaignContact{},
		&models.CampaignContactList{},
		&models.TrackingRecord{},
	} {
		if err := tx.Where("campaign_id = ?", campaign.ID).Delete(child).Error; err != nil {
			tx.Rollback()
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to delete campaign",
			})
		}
	}
	if err := tx.Delete(&campaign).Error; err != nil {
		tx.Rollback()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete campaign",
		})
	}
	if err := tx.Commit().Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete campaign",
		})
	}

	return c.JSON(fiber.Map{"message": "Campaign deleted"})
}
