package controller

import (
	"time"

	"github.com/badoux/checkmail"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"cadence/models"
	"cadence/utils"
)

// AccountController manages the sending identities. Credentials are
// encrypted at rest and never leave the API.
type AccountController struct {
	DB     *gorm.DB
	Logger *logrus.Logger
}

func NewAccountController(db *gorm.DB, logger *logrus.Logger) *AccountController {
	return &AccountController{DB: db, Logger: logger}
}

type accountInput struct {
	Name      string `json:"name" validate:"required"`
	FromEmail string `json:"from_email" validate:"required,email"`
	FromName  string `json:"from_name" validate:"required"`

	SMTPHost     string `json:"smtp_host" validate:"required"`
	SMTPPort     int    `json:"smtp_port" validate:"required,min=1,max=65535"`
	SMTPUsername string `json:"smtp_username" validate:"required"`
	SMTPPassword string `json:"smtp_password" validate:"required"`
	Encryption   string `json:"encryption" validate:"required,oneof=SSL TLS STARTTLS"`

	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port" validate:"omitempty,min=1,max=65535"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"imap_password"`
	IMAPEncryption string `json:"imap_encryption" validate:"omitempty,oneof=SSL TLS STARTTLS"`
	IMAPMailbox    string `json:"imap_mailbox"`

	DailySendLimit int  `json:"daily_send_limit" validate:"omitempty,min=1"`
	WarmupEnabled  bool `json:"warmup_enabled"`
}

// CreateAccount registers a sending account.
func (ac *AccountController) CreateAccount(c *fiber.Ctx) error {
	var input accountInput
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
	if err := checkmail.ValidateFormat(input.FromEmail); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid from address",
		})
	}

	smtpPassword, err := utils.Encrypt(input.SMTPPassword)
	if err != nil {
		ac.Logger.WithError(err).Error("failed to encrypt SMTP password")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to store credentials",
		})
	}
	imapPassword := ""
	if input.IMAPPassword != "" {
		imapPassword, err = utils.Encrypt(input.IMAPPassword)
		if err != nil {
			ac.Logger.WithError(err).Error("failed to encrypt IMAP password")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to store credentials",
			})
		}
	}

	account := models.EmailAccount{
		Name:      input.Name,
		FromEmail: input.FromEmail,
		FromName:  input.FromName,
		IsActive:  true,

		SMTPHost:     input.SMTPHost,
		SMTPPort:     input.SMTPPort,
		SMTPUsername: input.SMTPUsername,
		SMTPPassword: smtpPassword,
		Encryption:   input.Encryption,

		IMAPHost:       input.IMAPHost,
		IMAPPort:       input.IMAPPort,
		IMAPUsername:   input.IMAPUsername,
		IMAPPassword:   imapPassword,
		IMAPEncryption: input.IMAPEncryption,
		IMAPMailbox:    input.IMAPMailbox,

		WarmupEnabled: input.WarmupEnabled,
	}
	if input.DailySendLimit > 0 {
		account.DailySendLimit = input.DailySendLimit
	}
	if input.WarmupEnabled {
		now := time.Now()
		account.WarmupStartedAt = &now
		account.WarmupWeekStartedAt = &now
		account.WarmupCurrentWeek = 1
	}

	if err := ac.DB.Create(&account).Error; err != nil {
		ac.Logger.WithError(err).Error("failed to create email account")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create account",
		})
	}

	account.Sanitize()
	return c.Status(fiber.StatusCreated).JSON(account)
}

// GetAccounts lists sending accounts without credentials.
func (ac *AccountController) GetAccounts(c *fiber.Ctx) error {
	var accounts []models.EmailAccount
	if err := ac.DB.Order("created_at ASC").Find(&accounts).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch accounts",
		})
	}
	for i := range accounts {
		accounts[i].Sanitize()
	}
	return c.JSON(accounts)
}

// GetAccount returns one account without credentials.
func (ac *AccountController) GetAccount(c *fiber.Ctx) error {
	var account models.EmailAccount
	if err := ac.DB.First(&account, c.Params("id")).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Account not found",
		})
	}
	account.Sanitize()
	return c.JSON(account)
}

// UpdateAccount toggles operational fields. Credentials are replaced in
// full when provided.
func (ac *AccountController) UpdateAccount(c *fiber.Ctx) error {
	var account models.EmailAccount
	if err := ac.DB.First(&account, c.Params("id")).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Account not found",
		})
	}

	var input struct {
		IsActive       *bool   `json:"is_active"`
		DailySendLimit *int    `json:"daily_send_limit" validate:"omitempty,min=1"`
		SMTPPassword   *string `json:"smtp_password"`
		IMAPPassword   *string `json:"imap_password"`
		WarmupPaused   *bool   `json:"warmup_paused"`
	}
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

	updates := map[string]interface{}{}
	if input.IsActive != nil {
		updates["is_active"] = *input.IsActive
	}
	if input.DailySendLimit != nil {
		updates["daily_send_limit"] = *input.DailySendLimit
	}
	if input.WarmupPaused != nil {
		updates["warmup_paused"] = *input.WarmupPaused
	}
	if input.SMTPPassword != nil {
		encrypted, err := utils.Encrypt(*input.SMTPPassword)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to store credentials",
			})
		}
		updates["smtp_password"] = encrypted
	}
	if input.IMAPPassword != nil {
		encrypted, err := utils.Encrypt(*input.IMAPPassword)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to store credentials",
			})
		}
		updates["imap_password"] = encrypted
	}

	if len(updates) > 0 {
		if err := ac.DB.Model(&account).Updates(updates).Error; err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to update account",
			})
		}
	}

	account.Sanitize()
	return c.JSON(account)
}

// DeleteAccount deactivates and removes a sending account.
func (ac *AccountController) DeleteAccount(c *fiber.Ctx) error {
	var account models.EmailAccount
	if err := ac.DB.First(&account, c.Params("id")).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Account not found",
		})
	}
	if err := ac.DB.Delete(&account).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete account",
		})
	}
	return c.JSON(fiber.Map{"message": "Account deleted"})
}
