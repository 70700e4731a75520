package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	controller "cadence/controllers"
	"cadence/engine"
	"cadence/middleware"
)

// SetupRoutes wires the campaign API, the engagement webhook and the
// tracking endpoints.
func SetupRoutes(app *fiber.App, db *gorm.DB, log *logrus.Logger, scheduler *engine.Scheduler, limits *engine.RateController, trackingSecret string) {
	campaignController := controller.NewCampaignController(db, log, scheduler)
	accountController := controller.NewAccountController(db, log)
	webhookController := controller.NewWebhookController(db, log, limits)
	trackingController := controller.NewTrackingController(webhookController, log, trackingSecret)

	app.Use(middleware.CORS())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	campaign := api.Group("/campaigns")
	campaign.Post("/", campaignController.CreateCampaign)
	campaign.Get("/", campaignController.GetCampaigns)
	campaign.Get("/:id", campaignController.GetCampaign)
	campaign.Put("/:id", campaignController.UpdateCampaign)
	campaign.Delete("/:id", campaignController.DeleteCampaign)
	campaign.Post("/:id/activate", campaignController.ActivateCampaign)
	campaign.Post("/:id/pause", campaignController.PauseCampaign)
	campaign.Post("/:id/resume", campaignController.ResumeCampaign)
	campaign.Get("/:id/stats", campaignController.GetCampaignStats)

	account := api.Group("/accounts")
	account.Post("/", accountController.CreateAccount)
	account.Get("/", accountController.GetAccounts)
	account.Get("/:id", accountController.GetAccount)
	account.Put("/:id", accountController.UpdateAccount)
	account.Delete("/:id", accountController.DeleteAccount)

	// Provider engagement events.
	api.Post("/webhooks/engagement", middleware.WebhookRateLimiter(600), webhookController.HandleEvent)

	// Open pixel and click redirect, referenced from injected bodies.
	app.Get("/t/open/:message_id/:token", middleware.WebhookRateLimiter(600), trackingController.TrackOpen)
	app.Get("/t/click/:message_id/:token", middleware.WebhookRateLimiter(600), trackingController.TrackClick)

	// Live progress stream.
	app.Get("/api/v1/campaigns/progress", websocket.New(controller.HandleCampaignProgressWS(db, log)))

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Not Found",
		})
	})
}
