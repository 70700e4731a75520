package controller

import (
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"cadence/models"
)

type campaignProgress struct {
	Status        string `json:"status"`
	TotalContacts int    `json:"total_contacts"`
	SentCount     int    `json:"sent_count"`
	ReplyCount    int    `json:"reply_count"`
	FailedCount   int    `json:"failed_count"`
	Percent       int    `json:"percent"`
	Done          bool   `json:"done"`
}

// HandleCampaignProgressWS streams live progress for one campaign until it
// reaches a terminal status or the client hangs up.
func HandleCampaignProgressWS(db *gorm.DB, logger *logrus.Logger) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		defer c.Close()

		var input struct {
			CampaignID uint `json:"campaign_id"`
		}
		if err := c.ReadJSON(&input); err != nil {
			logger.WithError(err).Debug("websocket read failed")
			return
		}

		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		for range ticker.C {
			var campaign models.Campaign
			if err := db.First(&campaign, input.CampaignID).Error; err != nil {
				c.WriteJSON(map[string]string{"error": "Campaign not found"})
				return
			}

			var terminal int64
			db.Model(&models.CampaignContact{}).
				Where("campaign_id = ?", campaign.ID).
				Where("status IN ?", []string{
					models.ContactStatusCompleted, models.ContactStatusStopped,
					models.ContactStatusBounced, models.ContactStatusComplained,
					models.ContactStatusUnsubscribed, models.ContactStatusFailed,
				}).
				Count(&terminal)

			progress := campaignProgress{
				Status:        campaign.Status,
				TotalContacts: campaign.TotalContacts,
				SentCount:     campaign.SentCount,
				ReplyCount:    campaign.ReplyCount,
				FailedCount:   campaign.FailedCount,
			}
			if campaign.TotalContacts > 0 {
				progress.Percent = int(terminal) * 100 / campaign.TotalContacts
			}
			progress.Done = campaign.Status == models.CampaignStatusCompleted ||
				campaign.Status == models.CampaignStatusPaused

			if err := c.WriteJSON(progress); err != nil {
				return
			}
			if progress.Done {
				return
			}
		}
	}
}
