package controller

import (
	"github.com/gofiber/fiber/v2"

	"cadence/models"
)

// GetCampaignStats returns delivery and engagement statistics for a
// campaign: the denormalized counters, the contact status breakdown and
// per-step send counts.
func (cc *CampaignController) GetCampaignStats(c *fiber.Ctx) error {
	var campaign models.Campaign
	if err := cc.DB.First(&campaign, c.Params("id")).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
	}

	type statusCount struct {
		Status string `json:"status"`
		Count  int64  `json:"count"`
	}
	var byStatus []statusCount
	if err := cc.DB.Model(&models.CampaignContact{}).
		Select("status, COUNT(*) as count").
		Where("campaign_id = ?", campaign.ID).
		Group("status").
		Scan(&byStatus).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch contact stats",
		})
	}

	type stepCount struct {
		StepNumber int `json:"step_number"`
		SentCount  int `json:"sent_count"`
	}
	var bySteps []stepCount
	if err := cc.DB.Model(&models.SequenceStep{}).
		Select("step_number, sent_count").
		Where("campaign_id = ?", campaign.ID).
		Order("step_number ASC").
		Scan(&bySteps).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch step stats",
		})
	}

	var inFlight int64
	cc.DB.Model(&models.TrackingRecord{}).
		Where("campaign_id = ? AND status = ?", campaign.ID, models.TrackingStatusPending).
		Count(&inFlight)

	return c.JSON(fiber.Map{
		"campaign_id":       campaign.ID,
		"status":            campaign.Status,
		"started_at":        campaign.StartedAt,
		"completed_at":      campaign.CompletedAt,
		"pause_reason":      campaign.PauseReason,
		"total_contacts":    campaign.TotalContacts,
		"sent_count":        campaign.SentCount,
		"open_count":        campaign.OpenCount,
		"click_count":       campaign.ClickCount,
		"reply_count":       campaign.ReplyCount,
		"bounce_count":      campaign.BounceCount,
		"complaint_count":   campaign.ComplaintCount,
		"unsubscribe_count": campaign.UnsubscribeCount,
		"failed_count":      campaign.FailedCount,
		"in_flight":         inFlight,
		"contacts":          byStatus,
		"steps":             bySteps,
	})
}
