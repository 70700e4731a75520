package engine

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"cadence/models"
)

// ErrUnschedulable is returned when no account will ever have headroom for
// a send, e.g. every account is disabled. The campaign should be paused and
// surfaced to the operator rather than retried forever.
var ErrUnschedulable = errors.New("no email account can satisfy this send")

// ScheduleResult is a concrete send intent: when, and from which account.
type ScheduleResult struct {
	SendAt    time.Time
	AccountID uint
}

// Scheduler computes the next eligible send instant for a contact at a
// step: candidate = base + step delay, pushed forward (never backward)
// through the campaign's weekday, holiday and business-hours constraints in
// the governing timezone, then matched to an account with rate headroom.
type Scheduler struct {
	DB     *gorm.DB
	Limits *RateController
	Logger *logrus.Logger
	Now    func() time.Time
}

func NewScheduler(db *gorm.DB, limits *RateController, logger *logrus.Logger) *Scheduler {
	return &Scheduler{DB: db, Limits: limits, Logger: logger, Now: time.Now}
}

// NextSendSlot schedules the given step for a contact whose prior step
// completed at base.
func (s *Scheduler) NextSendSlot(ctx context.Context, campaign *models.Campaign, contact *models.Contact, step *models.SequenceStep, base time.Time) (ScheduleResult, error) {
	return s.slotFrom(ctx, campaign, contact, base.Add(step.Delay()))
}

// NextAvailableSlot re-slots a contact whose delay has already elapsed,
// e.g. after a rate-limit refusal or when its account was disabled.
func (s *Scheduler) NextAvailableSlot(ctx context.Context, campaign *models.Campaign, contact *models.Contact, at time.Time) (ScheduleResult, error) {
	return s.slotFrom(ctx, campaign, contact, at)
}

func (s *Scheduler) slotFrom(ctx context.Context, campaign *models.Campaign, contact *models.Contact, earliest time.Time) (ScheduleResult, error) {
	loc := s.governingLocation(campaign, contact)
	candidate := AdjustToWindow(earliest, campaign.Settings, loc)

	accounts, err := s.activeAccounts(campaign.Settings.RateLimiting)
	if err != nil {
		return ScheduleResult{}, err
	}
	if len(accounts) == 0 {
		return ScheduleResult{}, ErrUnschedulable
	}

	best := ScheduleResult{}
	for i := range accounts {
		at, err := s.accountAvailability(ctx, &accounts[i], contact.Email, campaign.Settings, candidate, loc)
		if err != nil {
			return ScheduleResult{}, err
		}
		if best.AccountID == 0 || at.Before(best.SendAt) {
			best = ScheduleResult{SendAt: at, AccountID: accounts[i].ID}
		}
	}
	return best, nil
}

// governingLocation prefers the contact's detected timezone when detection
// is enabled and the zone is known, else the campaign default.
func (s *Scheduler) governingLocation(campaign *models.Campaign, contact *models.Contact) *time.Location {
	if campaign.Settings.TimezoneDetection && contact != nil && contact.Timezone != "" {
		if loc, err := time.LoadLocation(contact.Timezone); err == nil {
			return loc
		}
		s.Logger.WithField("timezone", contact.Timezone).Debug("unknown contact timezone, using campaign default")
	}
	return campaign.Location()
}

func (s *Scheduler) activeAccounts(limits models.RateLimitSettings) ([]models.EmailAccount, error) {
	q := s.DB.Where("is_active = ?", true).Order("id")
	if !limits.AccountRotation {
		q = q.Limit(1)
	}
	var accounts []models.EmailAccount
	if err := q.Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// accountAvailability returns the earliest instant at or after candidate
// when the account has rate headroom. An account with no headroom today is
// available at the start of the next sending day, re-adjusted through the
// campaign window.
func (s *Scheduler) accountAvailability(ctx context.Context, account *models.EmailAccount, recipient string, settings models.ScheduleSettings, candidate time.Time, loc *time.Location) (time.Time, error) {
	if !candidate.After(s.Now()) || sameDay(candidate, s.Now(), s.Limits.Zone) {
		ok, err := s.Limits.HasHeadroom(ctx, account, recipient, settings.RateLimiting)
		if err != nil {
			return time.Time{}, err
		}
		if !ok {
			next := s.Limits.NextDayStart(maxTime(candidate, s.Now()))
			return AdjustToWindow(next, settings, loc), nil
		}
	}
	return candidate, nil
}

// AdjustToWindow pushes a candidate forward until it satisfies, in order,
// the allowed weekday set, the holiday list, and the business-hours window
// in the given location. The result is never earlier than the input.
func AdjustToWindow(candidate time.Time, settings models.ScheduleSettings, loc *time.Location) time.Time {
	t := candidate.In(loc)
	// A year of daily pushes is more than any sane weekday/holiday config
	// needs; the cap only guards against degenerate settings.
	for i := 0; i < 366; i++ {
		if !settings.AllowedWeekday(t.Weekday()) || settings.IsHoliday(t) {
			t = startOfNextDay(t, settings)
			continue
		}
		if settings.BusinessHoursOnly {
			if t.Hour() < settings.BusinessHoursStart {
				t = time.Date(t.Year(), t.Month(), t.Day(), settings.BusinessHoursStart, 0, 0, 0, loc)
				continue
			}
			if t.Hour() >= settings.BusinessHoursEnd {
				t = startOfNextDay(t, settings)
				continue
			}
		}
		return t
	}
	return t
}

func startOfNextDay(t time.Time, settings models.ScheduleSettings) time.Time {
	hour := 0
	if settings.BusinessHoursOnly {
		hour = settings.BusinessHoursStart
	}
	return time.Date(t.Year(), t.Month(), t.Day()+1, hour, 0, 0, 0, t.Location())
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
