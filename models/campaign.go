package models

import (
	"time"

	"gorm.io/gorm"
)

// Campaign lifecycle statuses.
const (
	CampaignStatusDraft     = "draft"
	CampaignStatusScheduled = "scheduled"
	CampaignStatusSending   = "sending"
	CampaignStatusPaused    = "paused"
	CampaignStatusCompleted = "completed"
)

// Campaign represents a multi-step outreach campaign
type Campaign struct {
	gorm.Model

	// Campaign details
	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`

	// Scheduling
	Status      string     `gorm:"default:'draft';index" json:"status"`
	Timezone    string     `gorm:"default:'UTC'" json:"timezone"`
	Settings    ScheduleSettings `gorm:"type:jsonb;serializer:json" json:"settings"`
	ScheduledAt *time.Time `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	PauseReason string     `json:"pause_reason"`

	// Statistics (denormalized for performance)
	TotalContacts    int `gorm:"default:0" json:"total_contacts"`
	SentCount        int `gorm:"default:0" json:"sent_count"`
	OpenCount        int `gorm:"default:0" json:"open_count"`
	ClickCount       int `gorm:"default:0" json:"click_count"`
	ReplyCount       int `gorm:"default:0" json:"reply_count"`
	BounceCount      int `gorm:"default:0" json:"bounce_count"`
	ComplaintCount   int `gorm:"default:0" json:"complaint_count"`
	UnsubscribeCount int `gorm:"default:0" json:"unsubscribe_count"`
	FailedCount      int `gorm:"default:0" json:"failed_count"`

	// Relations
	Steps        []SequenceStep        `gorm:"foreignKey:CampaignID" json:"steps,omitempty"`
	ContactLists []CampaignContactList `gorm:"foreignKey:CampaignID" json:"contact_lists,omitempty"`
}

// Location resolves the campaign's configured timezone, falling back to UTC.
func (c *Campaign) Location() *time.Location {
	if c.Timezone != "" {
		if loc, err := time.LoadLocation(c.Timezone); err == nil {
			return loc
		}
	}
	return time.UTC
}

// ScheduleSettings controls delivery windows and rate limits for a campaign.
// Stored as a jsonb blob alongside the campaign row.
type ScheduleSettings struct {
	TimezoneDetection  bool     `json:"timezone_detection"`
	BusinessHoursOnly  bool     `json:"business_hours_only"`
	BusinessHoursStart int      `json:"business_hours_start"` // hour of day, inclusive
	BusinessHoursEnd   int      `json:"business_hours_end"`   // hour of day, exclusive
	BusinessDays       []int    `json:"business_days"`        // 0=Sunday .. 6=Saturday
	AvoidWeekends      bool     `json:"avoid_weekends"`
	AvoidHolidays      bool     `json:"avoid_holidays"`
	HolidayList        []string `json:"holiday_list"` // YYYY-MM-DD

	RateLimiting RateLimitSettings `json:"rate_limiting"`
}

// RateLimitSettings bounds how fast a campaign may drain its contacts.
type RateLimitSettings struct {
	DailyLimit        int  `json:"daily_limit"`
	DomainLimit       int  `json:"domain_limit"`
	AccountRotation   bool `json:"account_rotation"`
	WarmupMode        bool `json:"warmup_mode"`
	BatchSize         int  `json:"batch_size"`
	BatchDelayMinutes int  `json:"batch_delay_minutes"`
	JitterMinSeconds  int  `json:"jitter_min_seconds"`
	JitterMaxSeconds  int  `json:"jitter_max_seconds"`
}

// AllowedWeekday reports whether sends may go out on the given weekday.
func (s ScheduleSettings) AllowedWeekday(d time.Weekday) bool {
	if len(s.BusinessDays) > 0 {
		for _, bd := range s.BusinessDays {
			if time.Weekday(bd) == d {
				return true
			}
		}
		return false
	}
	if s.AvoidWeekends && (d == time.Saturday || d == time.Sunday) {
		return false
	}
	return true
}

// IsHoliday reports whether the given date is on the campaign holiday list.
func (s ScheduleSettings) IsHoliday(t time.Time) bool {
	if !s.AvoidHolidays {
		return false
	}
	day := t.Format("2006-01-02")
	for _, h := range s.HolidayList {
		if h == day {
			return true
		}
	}
	return false
}

// CampaignContact statuses. The engagement ladder is monotonic; the
// terminal statuses are never left once entered.
const (
	ContactStatusPending      = "pending"
	ContactStatusSent         = "sent"
	ContactStatusDelivered    = "delivered"
	ContactStatusOpened       = "opened"
	ContactStatusClicked      = "clicked"
	ContactStatusReplied      = "replied"
	ContactStatusBounced      = "bounced"
	ContactStatusComplained   = "complained"
	ContactStatusUnsubscribed = "unsubscribed"
	ContactStatusStopped      = "stopped"
	ContactStatusCompleted    = "completed"
	ContactStatusFailed       = "failed"
)

// EngagementRank orders the non-terminal statuses so webhook events can
// only move a contact forward, never back.
var EngagementRank = map[string]int{
	ContactStatusPending:   0,
	ContactStatusSent:      1,
	ContactStatusDelivered: 2,
	ContactStatusOpened:    3,
	ContactStatusClicked:   4,
	ContactStatusReplied:   5,
}

// CampaignContact is the per-(campaign, contact) scheduling state. Created
// once at launch, it transitions monotonically toward a terminal status.
type CampaignContact struct {
	gorm.Model
	CampaignID uint `gorm:"not null;index:idx_campaign_contact,unique" json:"campaign_id"`
	ContactID  uint `gorm:"not null;index:idx_campaign_contact,unique" json:"contact_id"`

	CurrentStep       int        `gorm:"default:1" json:"current_step"`
	LastCompletedStep int        `gorm:"default:0" json:"last_completed_step"`
	NextSendAt        *time.Time `gorm:"index" json:"next_send_at"`
	LastStepSentAt    *time.Time `json:"last_step_sent_at"`
	EmailAccountID    *uint      `json:"email_account_id"`

	Status       string     `gorm:"default:'pending';index" json:"status"`
	AttemptCount int        `gorm:"default:0" json:"attempt_count"`
	CompletedAt  *time.Time `json:"completed_at"`

	// Relations
	Campaign Campaign `json:"-"`
	Contact  Contact  `json:"-"`
}

// Terminal reports whether no further scheduling may occur for the contact.
func (cc *CampaignContact) Terminal() bool {
	switch cc.Status {
	case ContactStatusStopped, ContactStatusCompleted, ContactStatusBounced,
		ContactStatusComplained, ContactStatusUnsubscribed, ContactStatusFailed:
		return true
	}
	return false
}

// CampaignContactList joins campaigns to contact lists.
type CampaignContactList struct {
	gorm.Model
	CampaignID    uint `gorm:"not null;index" json:"campaign_id"`
	ContactListID uint `gorm:"not null;index" json:"contact_list_id"`
}
