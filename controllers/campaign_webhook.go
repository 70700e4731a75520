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

// Engagement event types accepted on the webhook.
const (
	EventOpen        = "open"
	EventClick       = "click"
	EventReply       = "reply"
	EventBounce      = "bounce"
	EventComplaint   = "complaint"
	EventUnsubscribe = "unsubscribe"
)

// WebhookController ingests engagement events from delivery providers and
// from the tracking endpoints. Events are idempotent: timestamps are set
// at most once and contact status only moves forward.
type WebhookController struct {
	DB     *gorm.DB
	Logger *logrus.Logger
	Limits *engine.RateController
}

func NewWebhookController(db *gorm.DB, logger *logrus.Logger, limits *engine.RateController) *WebhookController {
	return &WebhookController{DB: db, Logger: logger, Limits: limits}
}

type engagementEvent struct {
	Type      string `json:"type" validate:"required,oneof=open click reply bounce complaint unsubscribe"`
	MessageID string `json:"message_id" validate:"required"`
	URL       string `json:"url"`
	Excerpt   string `json:"excerpt"`
}

// HandleEvent records one engagement event against the tracking record it
// names. Unknown message ids are acknowledged and dropped so providers do
// not retry forever.
func (wc *WebhookController) HandleEvent(c *fiber.Ctx) error {
	var event engagementEvent
	if err := c.BodyParser(&event); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
	}
	if err := utils.ValidateStruct(&event); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "Validation failed",
			"details": err.Error(),
		})
	}

	if err := wc.Apply(&event); err != nil {
		wc.Logger.WithError(err).WithFields(logrus.Fields{
			"type":       event.Type,
			"message_id": event.MessageID,
		}).Error("failed to apply engagement event")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to record event",
		})
	}
	return c.JSON(fiber.Map{"message": "Event recorded"})
}

// Apply is the transport-independent event path; the tracking endpoints
// call it directly.
func (wc *WebhookController) Apply(event *engagementEvent) error {
	var record models.TrackingRecord
	err := wc.DB.Where("message_id = ?", event.MessageID).First(&record).Error
	if err == gorm.ErrRecordNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	now := time.Now()
	switch event.Type {
	case EventOpen:
		return wc.applyEngagement(&record, "opened_at", record.OpenedAt, now,
			models.ContactStatusOpened, "open_count")
	case EventClick:
		// A click implies an open.
		if record.OpenedAt == nil {
			if err := wc.applyEngagement(&record, "opened_at", nil, now,
				models.ContactStatusOpened, "open_count"); err != nil {
				return err
			}
		}
		return wc.applyEngagement(&record, "clicked_at", record.ClickedAt, now,
			models.ContactStatusClicked, "click_count")
	case EventReply:
		if record.RepliedAt == nil && event.Excerpt != "" {
			if err := wc.DB.Model(&record).Update("reply_excerpt", event.Excerpt).Error; err != nil {
				return err
			}
		}
		return wc.applyEngagement(&record, "replied_at", record.RepliedAt, now,
			models.ContactStatusReplied, "reply_count")
	case EventBounce:
		return wc.applyTerminal(&record, "bounced_at", record.BouncedAt, now,
			models.ContactStatusBounced, "bounce_count")
	case EventComplaint:
		return wc.applyTerminal(&record, "complained_at", record.ComplainedAt, now,
			models.ContactStatusComplained, "complaint_count")
	case EventUnsubscribe:
		return wc.applyTerminal(&record, "", nil, now,
			models.ContactStatusUnsubscribed, "unsubscribe_count")
	}
	return nil
}

// applyEngagement handles the positive signals: set-once timestamp,
// forward-only contact status, campaign counter.
func (wc *WebhookController) applyEngagement(record *models.TrackingRecord, column string, existing *time.Time, now time.Time, status, counter string) error {
	if existing != nil {
		return nil
	}

	// The timestamp is claimed conditionally so two concurrent deliveries of
	// the same event cannot both increment the campaign counter.
	res := wc.DB.Model(&models.TrackingRecord{}).
		Where("id = ? AND "+column+" IS NULL", record.ID).
		Update(column, now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}
	if err := wc.DB.Model(&models.Campaign{}).
		Where("id = ?", record.CampaignID).
		Update(counter, gorm.Expr(counter+" + 1")).Error; err != nil {
		return err
	}

	var cc models.CampaignContact
	if err := wc.DB.First(&cc, record.CampaignContactID).Error; err != nil {
		return err
	}
	if cc.Terminal() || models.EngagementRank[cc.Status] >= models.EngagementRank[status] {
		return nil
	}
	return wc.DB.Model(&cc).Update("status", status).Error
}

// applyTerminal handles bounce/complaint/unsubscribe: the contact leaves
// the sequence immediately and is flagged globally.
func (wc *WebhookController) applyTerminal(record *models.TrackingRecord, column string, existing *time.Time, now time.Time, status, counter string) error {
	if existing != nil {
		return nil
	}

	if column != "" {
		updates := map[string]interface{}{column: now}
		if status == models.ContactStatusBounced {
			updates["status"] = models.TrackingStatusBounced
		}
		// Same conditional claim as applyEngagement.
		res := wc.DB.Model(&models.TrackingRecord{}).
			Where("id = ? AND "+column+" IS NULL", record.ID).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
	}

	if err := wc.DB.Model(&models.Campaign{}).
		Where("id = ?", record.CampaignID).
		Update(counter, gorm.Expr(counter+" + 1")).Error; err != nil {
		return err
	}

	// Flag the contact globally so future campaigns skip them.
	contactFlags := map[string]interface{}{}
	switch status {
	case models.ContactStatusBounced:
		contactFlags["is_bounced"] = true
	case models.ContactStatusComplained:
		contactFlags["is_do_not_contact"] = true
	case models.ContactStatusUnsubscribed:
		contactFlags["is_unsubscribed"] = true
	}
	if err := wc.DB.Model(&models.Contact{}).
		Where("id = ?", record.ContactID).
		Updates(contactFlags).Error; err != nil {
		return err
	}

	var cc models.CampaignContact
	if err := wc.DB.First(&cc, record.CampaignContactID).Error; err != nil {
		return err
	}
	if !cc.Terminal() {
		if err := wc.DB.Model(&cc).Updates(map[string]interface{}{
			"status":       status,
			"next_send_at": nil,
			"completed_at": now,
		}).Error; err != nil {
			return err
		}
	}

	// Reputation feeds the warmup safety valve.
	var account models.EmailAccount
	if err := wc.DB.First(&account, record.EmailAccountID).Error; err == nil {
		switch status {
		case models.ContactStatusBounced:
			if err := wc.Limits.RecordBounce(&account); err != nil {
				wc.Logger.WithError(err).Warn("failed to record bounce on account")
			}
		case models.ContactStatusComplained:
			if err := wc.Limits.RecordComplaint(&account); err != nil {
				wc.Logger.WithError(err).Warn("failed to record complaint on account")
			}
		}
	}

	wc.Logger.WithFields(logrus.Fields{
		"campaign_id": record.CampaignID,
		"contact_id":  record.ContactID,
		"event":       status,
	}).Info("terminal engagement event applied")
	return nil
}
