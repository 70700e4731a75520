package models

import (
	"time"

	"gorm.io/gorm"
)

// TrackingRecord statuses. A record is created pending before the send
// call and resolved exactly once.
const (
	TrackingStatusPending = "pending"
	TrackingStatusSent    = "sent"
	TrackingStatusFailed  = "failed"
	TrackingStatusBounced = "bounced"
)

// TrackingRecord is one send attempt, keyed by a globally unique message id
// minted before the Sender is invoked. Engagement timestamps are set at
// most once, monotonically.
type TrackingRecord struct {
	gorm.Model
	CampaignID        uint `gorm:"not null;index" json:"campaign_id"`
	CampaignContactID uint `gorm:"not null;index" json:"campaign_contact_id"`
	ContactID         uint `gorm:"not null;index" json:"contact_id"`
	EmailAccountID    uint `gorm:"not null;index" json:"email_account_id"`
	StepNumber        int  `gorm:"not null" json:"step_number"`

	MessageID string `gorm:"not null;uniqueIndex" json:"message_id"`
	Recipient string `gorm:"not null" json:"recipient"`
	Subject   string `json:"subject"`

	Status        string `gorm:"default:'pending';index" json:"status"`
	FailureReason string `json:"failure_reason"`
	Permanent     bool   `gorm:"default:false" json:"permanent"`

	// Recovery guard: set once when the reconciler claims a stalled record
	// so the same attempt is never resumed twice.
	Recovered bool `gorm:"default:false" json:"recovered"`

	SentAt       *time.Time `json:"sent_at"`
	DeliveredAt  *time.Time `json:"delivered_at"`
	OpenedAt     *time.Time `json:"opened_at"`
	ClickedAt    *time.Time `json:"clicked_at"`
	RepliedAt    *time.Time `json:"replied_at"`
	BouncedAt    *time.Time `json:"bounced_at"`
	ComplainedAt *time.Time `json:"complained_at"`

	ReplyExcerpt string `json:"reply_excerpt"`
}

// Resolved reports whether the attempt has left the in-flight state.
func (t *TrackingRecord) Resolved() bool {
	return t.Status != TrackingStatusPending
}
