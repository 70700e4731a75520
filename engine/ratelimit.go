package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"cadence/models"
)

// WarmupPolicy is the configurable progression ramp for new accounts. The
// weekly limits are a monotonically increasing step function; progression
// halts (and never auto-resumes) when reputation degrades past a ceiling.
type WarmupPolicy struct {
	WeeklyLimits     []int   // daily ceiling per warmup week, week 1 first
	MinDaysPerWeek   int     // days an account must spend in a week before advancing
	MaxBounceRate    float64 // pause progression above this bounce rate
	MaxComplaintRate float64 // pause progression above this complaint rate
}

// DefaultWarmupPolicy mirrors a conservative provider ramp.
func DefaultWarmupPolicy() WarmupPolicy {
	return WarmupPolicy{
		WeeklyLimits:     []int{5, 15, 35, 75, 150, 300},
		MinDaysPerWeek:   7,
		MaxBounceRate:    0.05,
		MaxComplaintRate: 0.01,
	}
}

// LimitForWeek returns the ramp value for a 1-based warmup week, holding
// the final value once the ramp is exhausted.
func (p WarmupPolicy) LimitForWeek(week int) int {
	if len(p.WeeklyLimits) == 0 {
		return 0
	}
	if week < 1 {
		week = 1
	}
	if week > len(p.WeeklyLimits) {
		week = len(p.WeeklyLimits)
	}
	return p.WeeklyLimits[week-1]
}

// RateController answers whether an account may send one more message right
// now. Counters live in the shared CounterStore keyed by day so bumping
// them is atomic across worker instances; the account row mirrors its own
// counter for operator visibility only.
type RateController struct {
	DB     *gorm.DB
	Store  CounterStore
	Policy WarmupPolicy
	Logger *logrus.Logger

	// Zone is the reference zone whose midnight bounds the sending day.
	Zone *time.Location
	Now  func() time.Time
}

func NewRateController(db *gorm.DB, store CounterStore, policy WarmupPolicy, zone *time.Location, logger *logrus.Logger) *RateController {
	if zone == nil {
		zone = time.UTC
	}
	return &RateController{
		DB:     db,
		Store:  store,
		Policy: policy,
		Logger: logger,
		Zone:   zone,
		Now:    time.Now,
	}
}

func (rc *RateController) dayKey(t time.Time) string {
	return t.In(rc.Zone).Format("20060102")
}

func (rc *RateController) accountKey(accountID uint, day string) string {
	return fmt.Sprintf("send:acct:%d:%s", accountID, day)
}

func (rc *RateController) domainKey(domain, day string) string {
	return fmt.Sprintf("send:domain:%s:%s", strings.ToLower(domain), day)
}

// RecipientDomain extracts the domain portion of an address.
func RecipientDomain(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 {
		return strings.ToLower(email[i+1:])
	}
	return ""
}

// AccountLimit resolves the ceiling in force for the account, narrowing by
// the campaign's own daily limit when one is set.
func (rc *RateController) AccountLimit(account *models.EmailAccount, limits models.RateLimitSettings) int {
	limit := account.EffectiveDailyLimit()
	if limits.DailyLimit > 0 && limits.DailyLimit < limit {
		limit = limits.DailyLimit
	}
	return limit
}

// ReserveSend atomically claims one send slot against both the account and
// the recipient-domain counters. Both must have headroom; a domain refusal
// rolls the account claim back. Counters are date-keyed, so a stale row
// that missed its midnight reset cannot leak yesterday's usage into today.
func (rc *RateController) ReserveSend(ctx context.Context, account *models.EmailAccount, recipient string, limits models.RateLimitSettings) (bool, error) {
	day := rc.dayKey(rc.Now())
	ttl := 48 * time.Hour

	ok, err := rc.Store.Reserve(ctx, rc.accountKey(account.ID, day), rc.AccountLimit(account, limits), ttl)
	if err != nil || !ok {
		return false, err
	}

	if limits.DomainLimit > 0 {
		domain := RecipientDomain(recipient)
		ok, err = rc.Store.Reserve(ctx, rc.domainKey(domain, day), limits.DomainLimit, ttl)
		if err != nil || !ok {
			if rerr := rc.Store.Release(ctx, rc.accountKey(account.ID, day)); rerr != nil && err == nil {
				err = rerr
			}
			return false, err
		}
	}

	// Mirror onto the account row; enforcement already happened above.
	if rc.DB != nil {
		if err := rc.DB.Model(&models.EmailAccount{}).Where("id = ?", account.ID).
			Updates(map[string]interface{}{
				"current_daily_sent": gorm.Expr("current_daily_sent + ?", 1),
				"total_sent":         gorm.Expr("total_sent + ?", 1),
				"last_used_at":       rc.Now(),
			}).Error; err != nil {
			rc.Logger.WithError(err).WithField("account_id", account.ID).
				Warn("failed to mirror send counter onto account row")
		}
	}
	account.CurrentDailySent++
	return true, nil
}

// ReleaseSend gives a reserved slot back when no send attempt was made.
func (rc *RateController) ReleaseSend(ctx context.Context, account *models.EmailAccount, recipient string, limits models.RateLimitSettings) {
	day := rc.dayKey(rc.Now())
	if err := rc.Store.Release(ctx, rc.accountKey(account.ID, day)); err != nil {
		rc.Logger.WithError(err).Warn("failed to release account reservation")
	}
	if limits.DomainLimit > 0 {
		if err := rc.Store.Release(ctx, rc.domainKey(RecipientDomain(recipient), day)); err != nil {
			rc.Logger.WithError(err).Warn("failed to release domain reservation")
		}
	}
	if rc.DB != nil {
		rc.DB.Model(&models.EmailAccount{}).Where("id = ? AND current_daily_sent > 0", account.ID).
			Updates(map[string]interface{}{
				"current_daily_sent": gorm.Expr("current_daily_sent - ?", 1),
				"total_sent":         gorm.Expr("total_sent - ?", 1),
			})
	}
	if account.CurrentDailySent > 0 {
		account.CurrentDailySent--
	}
}

// HasHeadroom peeks without reserving; the scheduler uses this to pick an
// account, the dispatcher re-checks with ReserveSend before sending.
func (rc *RateController) HasHeadroom(ctx context.Context, account *models.EmailAccount, recipient string, limits models.RateLimitSettings) (bool, error) {
	day := rc.dayKey(rc.Now())
	used, err := rc.Store.Count(ctx, rc.accountKey(account.ID, day))
	if err != nil {
		return false, err
	}
	if used >= rc.AccountLimit(account, limits) {
		return false, nil
	}
	if limits.DomainLimit > 0 {
		domainUsed, err := rc.Store.Count(ctx, rc.domainKey(RecipientDomain(recipient), day))
		if err != nil {
			return false, err
		}
		if domainUsed >= limits.DomainLimit {
			return false, nil
		}
	}
	return true, nil
}

// EvaluateWarmup advances the account's warmup week when it has spent the
// configured minimum days there with healthy reputation. Degraded bounce or
// complaint rates pause progression; the pause is a safety valve cleared
// only by manual intervention.
func (rc *RateController) EvaluateWarmup(account *models.EmailAccount) error {
	if !account.WarmupEnabled {
		return nil
	}
	now := rc.Now()

	if account.BounceRate > rc.Policy.MaxBounceRate || account.ComplaintRate > rc.Policy.MaxComplaintRate {
		if !account.WarmupPaused {
			rc.Logger.WithFields(logrus.Fields{
				"account_id":     account.ID,
				"bounce_rate":    account.BounceRate,
				"complaint_rate": account.ComplaintRate,
			}).Warn("pausing warmup progression, reputation over ceiling")
			account.WarmupPaused = true
			return rc.DB.Model(account).Update("warmup_paused", true).Error
		}
		return nil
	}
	if account.WarmupPaused {
		// Rates recovered, but resumption is a manual decision.
		return nil
	}

	if account.WarmupWeekStartedAt == nil {
		account.WarmupWeekStartedAt = &now
		if account.WarmupStartedAt == nil {
			account.WarmupStartedAt = &now
		}
		account.WarmupCurrentDailyLimit = rc.Policy.LimitForWeek(account.WarmupCurrentWeek)
		return rc.DB.Model(account).Updates(map[string]interface{}{
			"warmup_started_at":          account.WarmupStartedAt,
			"warmup_week_started_at":     now,
			"warmup_current_daily_limit": account.WarmupCurrentDailyLimit,
		}).Error
	}

	daysInWeek := int(now.Sub(*account.WarmupWeekStartedAt).Hours() / 24)
	if daysInWeek < rc.Policy.MinDaysPerWeek {
		return nil
	}

	if account.WarmupCurrentWeek >= len(rc.Policy.WeeklyLimits) {
		// Ramp exhausted: warmup complete.
		account.WarmupEnabled = false
		account.WarmupCompletedAt = &now
		return rc.DB.Model(account).Updates(map[string]interface{}{
			"warmup_enabled":      false,
			"warmup_completed_at": now,
		}).Error
	}

	account.WarmupCurrentWeek++
	account.WarmupWeekStartedAt = &now
	account.WarmupCurrentDailyLimit = rc.Policy.LimitForWeek(account.WarmupCurrentWeek)
	rc.Logger.WithFields(logrus.Fields{
		"account_id":  account.ID,
		"warmup_week": account.WarmupCurrentWeek,
		"daily_limit": account.WarmupCurrentDailyLimit,
	}).Info("advancing warmup week")
	return rc.DB.Model(account).Updates(map[string]interface{}{
		"warmup_current_week":        account.WarmupCurrentWeek,
		"warmup_week_started_at":     now,
		"warmup_current_daily_limit": account.WarmupCurrentDailyLimit,
	}).Error
}

// RecordBounce updates the account's reputation after a hard bounce.
func (rc *RateController) RecordBounce(account *models.EmailAccount) error {
	account.BounceCount++
	account.BounceRate = rate(account.BounceCount, account.TotalSent)
	return rc.DB.Model(account).Updates(map[string]interface{}{
		"bounce_count": account.BounceCount,
		"bounce_rate":  account.BounceRate,
	}).Error
}

// RecordComplaint updates the account's reputation after a spam complaint.
func (rc *RateController) RecordComplaint(account *models.EmailAccount) error {
	account.ComplaintCount++
	account.ComplaintRate = rate(account.ComplaintCount, account.TotalSent)
	return rc.DB.Model(account).Updates(map[string]interface{}{
		"complaint_count": account.ComplaintCount,
		"complaint_rate":  account.ComplaintRate,
	}).Error
}

func rate(events, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(events) / float64(total)
}

// NextDayStart is the first instant of the next sending day in the
// reference zone, used when an account is out of headroom for today.
func (rc *RateController) NextDayStart(after time.Time) time.Time {
	t := after.In(rc.Zone)
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, rc.Zone)
}
