package models

import (
	"time"

	"gorm.io/gorm"
)

// EmailAccount represents a sending identity with its SMTP/IMAP credentials
// and the rate/warmup state the scheduler consults.
type EmailAccount struct {
	gorm.Model

	// Basic identification
	Name      string `gorm:"not null" json:"name"`
	FromEmail string `gorm:"not null" json:"from_email"`
	FromName  string `gorm:"not null" json:"from_name"`
	IsActive  bool   `gorm:"default:true;index" json:"is_active"`

	// ========= SMTP Configuration =========
	SMTPHost     string `gorm:"not null" json:"smtp_host"`
	SMTPPort     int    `gorm:"not null" json:"smtp_port"`
	SMTPUsername string `gorm:"not null" json:"smtp_username"`
	SMTPPassword string `gorm:"not null" json:"-"`          // Encrypted in application layer
	Encryption   string `gorm:"not null" json:"encryption"` // SSL, TLS, STARTTLS

	// ========= IMAP Configuration (reply detection) =========
	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port" gorm:"default:993"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"-"` // Encrypted in application layer
	IMAPEncryption string `json:"imap_encryption" gorm:"default:'SSL'"`
	IMAPMailbox    string `json:"imap_mailbox" gorm:"default:'INBOX'"`

	// ========= Usage Metrics =========
	DailySendLimit   int        `gorm:"default:500" json:"daily_send_limit"`
	CurrentDailySent int        `gorm:"default:0" json:"current_daily_sent"`
	TotalSent        int        `gorm:"default:0" json:"total_sent"`
	LastUsedAt       *time.Time `json:"last_used_at"`
	LastError        *string    `json:"last_error"`

	// ========= Reputation =========
	BounceCount    int     `gorm:"default:0" json:"bounce_count"`
	ComplaintCount int     `gorm:"default:0" json:"complaint_count"`
	BounceRate     float64 `gorm:"default:0" json:"bounce_rate"`
	ComplaintRate  float64 `gorm:"default:0" json:"complaint_rate"`

	// ========= Warmup =========
	WarmupEnabled           bool       `gorm:"default:false" json:"warmup_enabled"`
	WarmupPaused            bool       `gorm:"default:false" json:"warmup_paused"`
	WarmupStartedAt         *time.Time `json:"warmup_started_at"`
	WarmupCompletedAt       *time.Time `json:"warmup_completed_at"`
	WarmupCurrentWeek       int        `gorm:"default:1" json:"warmup_current_week"`
	WarmupWeekStartedAt     *time.Time `json:"warmup_week_started_at"`
	WarmupCurrentDailyLimit int        `gorm:"default:0" json:"warmup_current_daily_limit"`
}

// Sanitize strips credentials before the account leaves the API.
func (a *EmailAccount) Sanitize() {
	a.SMTPPassword = ""
	a.IMAPPassword = ""
}

// EffectiveDailyLimit is the ceiling the rate controller enforces: the
// configured daily limit, narrowed by the warmup ramp while it is active.
func (a *EmailAccount) EffectiveDailyLimit() int {
	limit := a.DailySendLimit
	if a.WarmupEnabled && a.WarmupCurrentDailyLimit > 0 && a.WarmupCurrentDailyLimit < limit {
		limit = a.WarmupCurrentDailyLimit
	}
	return limit
}

// Domain returns the sending domain of the account's from address.
func (a *EmailAccount) Domain() string {
	for i := len(a.FromEmail) - 1; i >= 0; i-- {
		if a.FromEmail[i] == '@' {
			return a.FromEmail[i+1:]
		}
	}
	return ""
}
