package models

import (
	"time"

	"gorm.io/gorm"
)

// SequenceStep is one email in a campaign's ordered sequence. Steps are
// immutable once the campaign leaves draft; edits require a new draft.
type SequenceStep struct {
	gorm.Model
	CampaignID uint `gorm:"not null;index" json:"campaign_id"`

	StepNumber      int    `gorm:"not null" json:"step_number"` // 1-based, contiguous
	SubjectTemplate string `gorm:"not null" json:"subject_template"`
	ContentTemplate string `gorm:"not null" json:"content_template"`

	// Delay relative to the prior step. Step 1 must have zero delay.
	DelayDays  int `gorm:"default:0" json:"delay_days"`
	DelayHours int `gorm:"default:0" json:"delay_hours"`

	Conditions []StepCondition `gorm:"type:jsonb;serializer:json" json:"conditions"`

	// Tracking
	SentCount int `gorm:"default:0" json:"sent_count"`
}

// Delay returns the step's configured wait relative to the prior step.
func (s SequenceStep) Delay() time.Duration {
	return time.Duration(s.DelayDays*24+s.DelayHours) * time.Hour
}

// TotalDuration sums step delays into the full campaign span.
func TotalDuration(steps []SequenceStep) time.Duration {
	var total time.Duration
	for i := range steps {
		total += steps[i].Delay()
	}
	return total
}

// FindStep returns the step with the given number, or nil.
func FindStep(steps []SequenceStep, number int) *SequenceStep {
	for i := range steps {
		if steps[i].StepNumber == number {
			return &steps[i]
		}
	}
	return nil
}

// StepCondition types.
const (
	ConditionReplyReceived = "reply_received"
	ConditionEmailOpened   = "email_opened"
	ConditionLinkClicked   = "link_clicked"
	ConditionTimeElapsed   = "time_elapsed"
)

// StepCondition operators.
const (
	OperatorEquals      = "equals"
	OperatorNotEquals   = "not_equals"
	OperatorGreaterThan = "greater_than"
	OperatorLessThan    = "less_than"
)

// StepCondition actions.
const (
	ActionStopSequence = "stop_sequence"
	ActionSkipStep     = "skip_step"
	ActionBranchToStep = "branch_to_step"
)

// StepCondition is one branching rule on a step. Conditions are evaluated
// in declared order; the first match wins. TargetStep is only meaningful
// for branch_to_step and must reference an existing step number.
type StepCondition struct {
	Type       string `json:"type"`
	Operator   string `json:"operator"`
	Value      string `json:"value"`
	Action     string `json:"action"`
	TargetStep int    `json:"target_step,omitempty"`
}
