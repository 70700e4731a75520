package controller

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"cadence/engine"
	"cadence/models"
)

// ActivateCampaign validates the sequence, enrolls every sendable contact
// from the campaign's lists and schedules their first step. The campaign
// transitions to sending; from then on the sequence is immutable.
func (cc *CampaignController) ActivateCampaign(c *fiber.Ctx) error {
	var campaign models.Campaign
	if err := cc.DB.First(&campaign, c.Params("id")).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
	}
	if campaign.Status != models.CampaignStatusDraft && campaign.Status != models.CampaignStatusScheduled {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Only draft campaigns can be activated",
		})
	}

	var steps []models.SequenceStep
	if err := cc.DB.Where("campaign_id = ?", campaign.ID).
		Order("step_number ASC").Find(&steps).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load sequence",
		})
	}
	if len(steps) == 0 {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "Campaign has no sequence steps",
		})
	}

	if result := engine.ValidateSequence(steps); !result.Valid {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error":  "Sequence validation failed",
			"errors": result.Errors,
		})
	}

	contacts, err := cc.enrollableContacts(campaign.ID)
	if err != nil {
		cc.Logger.WithError(err).Error("failed to load campaign contacts")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load contacts",
		})
	}

	now := time.Now()
	firstStep := &steps[0]
	ctx := c.UserContext()

	tx := cc.DB.Begin()

	enrolled := 0
	for i := range contacts {
		contact := &contacts[i]
		if !contact.Sendable() {
			continue
		}

		slot, err := cc.Scheduler.NextSendSlot(ctx, &campaign, contact, firstStep, now)
		if err == engine.ErrUnschedulable {
			tx.Rollback()
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "No active email account available for sending",
			})
		}
		if err != nil {
			tx.Rollback()
			cc.Logger.WithError(err).Error("failed to schedule first step")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to schedule campaign",
			})
		}

		campaignContact := models.CampaignContact{
			CampaignID:     campaign.ID,
			ContactID:      contact.ID,
			CurrentStep:    firstStep.StepNumber,
			NextSendAt:     &slot.SendAt,
			EmailAccountID: &slot.AccountID,
			Status:         models.ContactStatusPending,
		}
		if err := tx.Create(&campaignContact).Error; err != nil {
			tx.Rollback()
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to enroll contacts",
			})
		}
		enrolled++
	}

	if err := tx.Model(&campaign).Updates(map[string]interface{}{
		"status":         models.CampaignStatusSending,
		"started_at":     now,
		"total_contacts": enrolled,
		"pause_reason":   "",
	}).Error; err != nil {
		tx.Rollback()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to activate campaign",
		})
	}

	if err := tx.Commit().Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to activate campaign",
		})
	}

	cc.Logger.WithFields(map[string]interface{}{
		"campaign_id": campaign.ID,
		"enrolled":    enrolled,
	}).Info("campaign activated")

	return c.JSON(fiber.Map{
		"message":  "Campaign activated",
		"enrolled": enrolled,
	})
}

// PauseCampaign halts dispatching. Scheduled times are kept; overdue
// contacts are re-slotted on resume.
func (cc *CampaignController) PauseCampaign(c *fiber.Ctx) error {
	var campaign models.Campaign
	if err := cc.DB.First(&campaign, c.Params("id")).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
	}
	if campaign.Status != models.CampaignStatusSending {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Only sending campaigns can be paused",
		})
	}

	if err := cc.DB.Model(&campaign).Updates(map[string]interface{}{
		"status":       models.CampaignStatusPaused,
		"pause_reason": "paused by operator",
	}).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to pause campaign",
		})
	}

	cc.Logger.WithField("campaign_id", campaign.ID).Info("campaign paused")
	return c.JSON(fiber.Map{"message": "Campaign paused"})
}

// ResumeCampaign puts a paused campaign back into sending. Contacts whose
// send time lapsed during the pause are re-slotted so they do not all fire
// in one burst outside their window.
func (cc *CampaignController) ResumeCampaign(c *fiber.Ctx) error {
	var campaign models.Campaign
	if err := cc.DB.First(&campaign, c.Params("id")).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
	}
	if campaign.Status != models.CampaignStatusPaused {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Only paused campaigns can be resumed",
		})
	}

	now := time.Now()
	ctx := c.UserContext()

	var overdue []models.CampaignContact
	if err := cc.DB.Preload("Contact").
		Where("campaign_id = ?", campaign.ID).
		Where("next_send_at IS NOT NULL AND next_send_at < ?", now).
		Find(&overdue).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load contacts",
		})
	}

	for i := range overdue {
		cCopy := overdue[i]
		slot, err := cc.Scheduler.NextAvailableSlot(ctx, &campaign, &cCopy.Contact, now)
		if err != nil {
			continue // dispatcher will re-slot on its next pass
		}
		if err := cc.DB.Model(&cCopy).Updates(map[string]interface{}{
			"next_send_at":     slot.SendAt,
			"email_account_id": slot.AccountID,
		}).Error; err != nil {
			cc.Logger.WithError(err).Warn("failed to re-slot contact on resume")
		}
	}

	if err := cc.DB.Model(&campaign).Updates(map[string]interface{}{
		"status":       models.CampaignStatusSending,
		"pause_reason": "",
	}).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to resume campaign",
		})
	}

	cc.Logger.WithField("campaign_id", campaign.ID).Info("campaign resumed")
	return c.JSON(fiber.Map{"message": "Campaign resumed"})
}

// enrollableContacts returns the distinct contacts across the campaign's
// lists.
func (cc *CampaignController) enrollableContacts(campaignID uint) ([]models.Contact, error) {
	var contacts []models.Contact
	err := cc.DB.Distinct("contacts.*").
		Joins("JOIN contact_list_memberships clm ON clm.contact_id = contacts.id").
		Joins("JOIN campaign_contact_lists ccl ON ccl.contact_list_id = clm.contact_list_id").
		Where("ccl.campaign_id = ?", campaignID).
		Where("clm.deleted_at IS NULL AND ccl.deleted_at IS NULL").
		Find(&contacts).Error
	return contacts, err
}
