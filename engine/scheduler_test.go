package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"cadence/models"
)

// Monday 2026-01-05 09:00 UTC.
var monday = time.Date(2026, time.January, 5, 9, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, db *gorm.DB, now time.Time) *Scheduler {
	t.Helper()
	limits := NewRateController(db, NewMemoryCounterStore(), DefaultWarmupPolicy(), time.UTC, testLogger())
	limits.Now = func() time.Time { return now }
	s := NewScheduler(db, limits, testLogger())
	s.Now = limits.Now
	return s
}

func activeAccount(t *testing.T, db *gorm.DB, dailyLimit int) *models.EmailAccount {
	t.Helper()
	account := &models.EmailAccount{
		Name:         "primary",
		FromEmail:    "sales@example.com",
		FromName:     "Sales",
		IsActive:     true,
		SMTPHost:     "smtp.example.com",
		SMTPPort:     587,
		SMTPUsername: "sales@example.com",
		SMTPPassword: "secret",
		Encryption:   "STARTTLS",

		DailySendLimit: dailyLimit,
	}
	require.NoError(t, db.Create(account).Error)
	return account
}

func TestStepDelay(t *testing.T) {
	s := models.SequenceStep{DelayDays: 2, DelayHours: 6}
	assert.Equal(t, 54*time.Hour, s.Delay())

	assert.Zero(t, models.SequenceStep{}.Delay())
}

func TestTotalDuration(t *testing.T) {
	steps := []models.SequenceStep{
		{StepNumber: 1},
		{StepNumber: 2, DelayDays: 2, DelayHours: 6},
		{StepNumber: 3, DelayDays: 1, DelayHours: 12},
	}
	assert.Equal(t, 90*time.Hour, models.TotalDuration(steps))
}

func TestNextSendSlotAppliesDelay(t *testing.T) {
	db := newTestDB(t)
	account := activeAccount(t, db, 100)
	s := newTestScheduler(t, db, monday)

	campaign := &models.Campaign{Name: "launch", Timezone: "UTC"}
	contact := &models.Contact{Email: "lead@corp.test"}
	step := &models.SequenceStep{StepNumber: 2, DelayDays: 2, DelayHours: 6}

	slot, err := s.NextSendSlot(context.Background(), campaign, contact, step, monday)
	require.NoError(t, err)
	assert.Equal(t, monday.Add(54*time.Hour), slot.SendAt)
	assert.Equal(t, account.ID, slot.AccountID)
}

func TestNextSendSlotZeroDelayIsImmediate(t *testing.T) {
	db := newTestDB(t)
	activeAccount(t, db, 100)
	s := newTestScheduler(t, db, monday)

	campaign := &models.Campaign{Name: "launch", Timezone: "UTC"}
	contact := &models.Contact{Email: "lead@corp.test"}
	step := &models.SequenceStep{StepNumber: 1}

	slot, err := s.NextSendSlot(context.Background(), campaign, contact, step, monday)
	require.NoError(t, err)
	assert.True(t, slot.SendAt.Equal(monday))
}

func TestNextSendSlotUnschedulable(t *testing.T) {
	db := newTestDB(t)
	account := activeAccount(t, db, 100)
	require.NoError(t, db.Model(account).Update("is_active", false).Error)

	s := newTestScheduler(t, db, monday)
	campaign := &models.Campaign{Name: "launch", Timezone: "UTC"}
	contact := &models.Contact{Email: "lead@corp.test"}

	_, err := s.NextSendSlot(context.Background(), campaign, contact, &models.SequenceStep{StepNumber: 1}, monday)
	assert.ErrorIs(t, err, ErrUnschedulable)
}

func TestNextSendSlotDefersWhenAccountExhausted(t *testing.T) {
	db := newTestDB(t)
	account := activeAccount(t, db, 1)
	s := newTestScheduler(t, db, monday)

	campaign := &models.Campaign{Name: "launch", Timezone: "UTC"}
	contact := &models.Contact{Email: "lead@corp.test"}

	ok, err := s.Limits.ReserveSend(context.Background(), account, contact.Email, campaign.Settings.RateLimiting)
	require.NoError(t, err)
	require.True(t, ok)

	slot, err := s.NextSendSlot(context.Background(), campaign, contact, &models.SequenceStep{StepNumber: 1}, monday)
	require.NoError(t, err)

	nextMidnight := time.Date(2026, time.January, 6, 0, 0, 0, 0, time.UTC)
	assert.True(t, slot.SendAt.Equal(nextMidnight), "got %v", slot.SendAt)
}

func TestNextSendSlotRotationPicksAccountWithHeadroom(t *testing.T) {
	db := newTestDB(t)
	first := activeAccount(t, db, 1)
	second := activeAccount(t, db, 100)
	s := newTestScheduler(t, db, monday)

	campaign := &models.Campaign{
		Name:     "launch",
		Timezone: "UTC",
		Settings: models.ScheduleSettings{
			RateLimiting: models.RateLimitSettings{AccountRotation: true},
		},
	}
	contact := &models.Contact{Email: "lead@corp.test"}

	ok, err := s.Limits.ReserveSend(context.Background(), first, contact.Email, campaign.Settings.RateLimiting)
	require.NoError(t, err)
	require.True(t, ok)

	slot, err := s.NextSendSlot(context.Background(), campaign, contact, &models.SequenceStep{StepNumber: 1}, monday)
	require.NoError(t, err)
	assert.Equal(t, second.ID, slot.AccountID)
	assert.True(t, slot.SendAt.Equal(monday))
}

func TestAdjustToWindowWeekend(t *testing.T) {
	settings := models.ScheduleSettings{AvoidWeekends: true}
	saturday := time.Date(2026, time.January, 3, 11, 0, 0, 0, time.UTC)

	adjusted := AdjustToWindow(saturday, settings, time.UTC)
	assert.Equal(t, time.Monday, adjusted.Weekday())
	assert.Equal(t, time.Date(2026, time.January, 5, 0, 0, 0, 0, time.UTC), adjusted)
}

func TestAdjustToWindowHoliday(t *testing.T) {
	settings := models.ScheduleSettings{
		AvoidHolidays: true,
		HolidayList:   []string{"2026-01-05", "2026-01-06"},
	}
	candidate := time.Date(2026, time.January, 5, 10, 0, 0, 0, time.UTC)

	adjusted := AdjustToWindow(candidate, settings, time.UTC)
	assert.Equal(t, time.Date(2026, time.January, 7, 0, 0, 0, 0, time.UTC), adjusted)
}

func TestAdjustToWindowBusinessHours(t *testing.T) {
	settings := models.ScheduleSettings{
		BusinessHoursOnly:  true,
		BusinessHoursStart: 9,
		BusinessHoursEnd:   17,
	}

	early := time.Date(2026, time.January, 5, 6, 30, 0, 0, time.UTC)
	adjusted := AdjustToWindow(early, settings, time.UTC)
	assert.Equal(t, time.Date(2026, time.January, 5, 9, 0, 0, 0, time.UTC), adjusted)

	late := time.Date(2026, time.January, 5, 18, 0, 0, 0, time.UTC)
	adjusted = AdjustToWindow(late, settings, time.UTC)
	assert.Equal(t, time.Date(2026, time.January, 6, 9, 0, 0, 0, time.UTC), adjusted)

	inside := time.Date(2026, time.January, 5, 11, 15, 0, 0, time.UTC)
	assert.Equal(t, inside, AdjustToWindow(inside, settings, time.UTC))
}

func TestAdjustToWindowBusinessDaysList(t *testing.T) {
	// Tuesday and Thursday only.
	settings := models.ScheduleSettings{BusinessDays: []int{2, 4}}
	monday := time.Date(2026, time.January, 5, 10, 0, 0, 0, time.UTC)

	adjusted := AdjustToWindow(monday, settings, time.UTC)
	assert.Equal(t, time.Tuesday, adjusted.Weekday())
}

func TestAdjustToWindowCombined(t *testing.T) {
	settings := models.ScheduleSettings{
		AvoidWeekends:      true,
		AvoidHolidays:      true,
		HolidayList:        []string{"2026-01-05"},
		BusinessHoursOnly:  true,
		BusinessHoursStart: 9,
		BusinessHoursEnd:   17,
	}
	// Friday evening: weekend is skipped, Monday is a holiday, so the slot
	// lands Tuesday at opening.
	friday := time.Date(2026, time.January, 2, 20, 0, 0, 0, time.UTC)

	adjusted := AdjustToWindow(friday, settings, time.UTC)
	assert.Equal(t, time.Date(2026, time.January, 6, 9, 0, 0, 0, time.UTC), adjusted)
}

func TestGoverningLocationUsesContactZone(t *testing.T) {
	db := newTestDB(t)
	s := newTestScheduler(t, db, monday)

	campaign := &models.Campaign{Timezone: "UTC", Settings: models.ScheduleSettings{TimezoneDetection: true}}
	contact := &models.Contact{Email: "lead@corp.test", Timezone: "America/New_York"}

	loc := s.governingLocation(campaign, contact)
	assert.Equal(t, "America/New_York", loc.String())

	// Unknown zones fall back to the campaign default.
	contact.Timezone = "Mars/Olympus"
	assert.Equal(t, "UTC", s.governingLocation(campaign, contact).String())

	// Detection off ignores the contact zone.
	campaign.Settings.TimezoneDetection = false
	contact.Timezone = "America/New_York"
	assert.Equal(t, "UTC", s.governingLocation(campaign, contact).String())
}

func TestBusinessHoursFollowContactTimezone(t *testing.T) {
	db := newTestDB(t)
	activeAccount(t, db, 100)
	s := newTestScheduler(t, db, monday)

	campaign := &models.Campaign{
		Name:     "launch",
		Timezone: "UTC",
		Settings: models.ScheduleSettings{
			TimezoneDetection:  true,
			BusinessHoursOnly:  true,
			BusinessHoursStart: 9,
			BusinessHoursEnd:   17,
		},
	}
	contact := &models.Contact{Email: "lead@corp.test", Timezone: "America/New_York"}

	// 09:00 UTC is 04:00 in New York, before opening there.
	slot, err := s.NextSendSlot(context.Background(), campaign, contact, &models.SequenceStep{StepNumber: 1}, monday)
	require.NoError(t, err)

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, time.January, 5, 9, 0, 0, 0, ny).UTC(), slot.SendAt.UTC())
}
