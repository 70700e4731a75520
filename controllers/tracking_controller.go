package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"cadence/utils"
)

// transparentGIF is a 1x1 transparent pixel served on the open endpoint.
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// TrackingController serves the open pixel and click redirect injected
// into outgoing bodies. Both endpoints verify the HMAC token minted at
// injection time before recording anything.
type TrackingController struct {
	Webhooks *WebhookController
	Logger   *logrus.Logger
	Secret   string
}

func NewTrackingController(webhooks *WebhookController, logger *logrus.Logger, secret string) *TrackingController {
	return &TrackingController{Webhooks: webhooks, Logger: logger, Secret: secret}
}

// TrackOpen records an open and returns the pixel. The pixel is returned
// even on forged tokens so the endpoint leaks nothing.
func (tc *TrackingController) TrackOpen(c *fiber.Ctx) error {
	messageID := c.Params("message_id")
	token := c.Params("token")

	if utils.VerifyTrackingToken(messageID, tc.Secret, token) {
		event := engagementEvent{Type: EventOpen, MessageID: messageID}
		if err := tc.Webhooks.Apply(&event); err != nil {
			tc.Logger.WithError(err).WithField("message_id", messageID).
				Error("failed to record open")
		}
	}

	c.Set("Content-Type", "image/gif")
	c.Set("Cache-Control", "no-store, no-cache, must-revalidate")
	return c.Send(transparentGIF)
}

// TrackClick records a click and redirects to the original destination.
func (tc *TrackingController) TrackClick(c *fiber.Ctx) error {
	messageID := c.Params("message_id")
	token := c.Params("token")
	target := c.Query("url")

	if !utils.VerifyTrackingToken(messageID, tc.Secret, token) || target == "" {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Not found",
		})
	}

	event := engagementEvent{Type: EventClick, MessageID: messageID, URL: target}
	if err := tc.Webhooks.Apply(&event); err != nil {
		tc.Logger.WithError(err).WithField("message_id", messageID).
			Error("failed to record click")
	}

	return c.Redirect(target, fiber.StatusFound)
}
