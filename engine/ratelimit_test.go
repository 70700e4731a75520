package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/models"
)

func newTestRateController(t *testing.T, policy WarmupPolicy, now time.Time) *RateController {
	t.Helper()
	rc := NewRateController(newTestDB(t), NewMemoryCounterStore(), policy, time.UTC, testLogger())
	rc.Now = func() time.Time { return now }
	return rc
}

func TestMemoryCounterStoreReserve(t *testing.T) {
	store := NewMemoryCounterStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := store.Reserve(ctx, "k", 3, time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := store.Reserve(ctx, "k", 3, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := store.Count(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, store.Release(ctx, "k"))
	ok, err = store.Reserve(ctx, "k", 3, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryCounterStoreReserveConcurrent(t *testing.T) {
	store := NewMemoryCounterStore()
	ctx := context.Background()

	const limit = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Reserve(ctx, "k", limit, time.Hour)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, granted)
}

func TestMemoryCounterStoreLease(t *testing.T) {
	store := NewMemoryCounterStore()
	ctx := context.Background()

	ok, err := store.AcquireLease(ctx, "tick", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.AcquireLease(ctx, "tick", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.ReleaseLease(ctx, "tick"))
	ok, err = store.AcquireLease(ctx, "tick", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryCounterStoreLeaseExpires(t *testing.T) {
	store := NewMemoryCounterStore()
	ctx := context.Background()

	clock := time.Date(2026, time.January, 5, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }

	ok, err := store.AcquireLease(ctx, "tick", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	clock = clock.Add(2 * time.Minute)
	ok, err = store.AcquireLease(ctx, "tick", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease should be reclaimable")
}

func TestAccountLimitIsMinOfDailyAndWarmup(t *testing.T) {
	rc := newTestRateController(t, DefaultWarmupPolicy(), monday)

	account := &models.EmailAccount{DailySendLimit: 500}
	assert.Equal(t, 500, rc.AccountLimit(account, models.RateLimitSettings{}))

	account.WarmupEnabled = true
	account.WarmupCurrentDailyLimit = 15
	assert.Equal(t, 15, rc.AccountLimit(account, models.RateLimitSettings{}))

	// Campaign daily limit narrows further.
	assert.Equal(t, 10, rc.AccountLimit(account, models.RateLimitSettings{DailyLimit: 10}))

	// A warmup limit above the account limit never widens it.
	account.WarmupCurrentDailyLimit = 900
	assert.Equal(t, 500, rc.AccountLimit(account, models.RateLimitSettings{}))
}

func TestReserveSendNeverExceedsLimit(t *testing.T) {
	rc := newTestRateController(t, DefaultWarmupPolicy(), monday)
	account := &models.EmailAccount{
		Name: "a", FromEmail: "a@example.com", FromName: "A",
		SMTPHost: "h", SMTPPort: 587, SMTPUsername: "a", SMTPPassword: "p", Encryption: "SSL",
		IsActive: true, DailySendLimit: 3,
	}
	require.NoError(t, rc.DB.Create(account).Error)

	ctx := context.Background()
	granted := 0
	for i := 0; i < 5; i++ {
		ok, err := rc.ReserveSend(ctx, account, "lead@corp.test", models.RateLimitSettings{})
		require.NoError(t, err)
		if ok {
			granted++
		}
	}
	assert.Equal(t, 3, granted)

	var stored models.EmailAccount
	require.NoError(t, rc.DB.First(&stored, account.ID).Error)
	assert.Equal(t, 3, stored.CurrentDailySent)
}

func TestReserveSendDomainLimitRollsBackAccountSlot(t *testing.T) {
	rc := newTestRateController(t, DefaultWarmupPolicy(), monday)
	account := &models.EmailAccount{
		Name: "a", FromEmail: "a@example.com", FromName: "A",
		SMTPHost: "h", SMTPPort: 587, SMTPUsername: "a", SMTPPassword: "p", Encryption: "SSL",
		IsActive: true, DailySendLimit: 100,
	}
	require.NoError(t, rc.DB.Create(account).Error)

	ctx := context.Background()
	limits := models.RateLimitSettings{DomainLimit: 1}

	ok, err := rc.ReserveSend(ctx, account, "one@corp.test", limits)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = rc.ReserveSend(ctx, account, "two@corp.test", limits)
	require.NoError(t, err)
	assert.False(t, ok, "second send to the same domain must be refused")

	// The refused attempt must not consume account headroom.
	day := rc.dayKey(monday)
	used, err := rc.Store.Count(ctx, rc.accountKey(account.ID, day))
	require.NoError(t, err)
	assert.Equal(t, 1, used)

	// A different domain still goes through.
	ok, err = rc.ReserveSend(ctx, account, "three@other.test", limits)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseSendReturnsSlot(t *testing.T) {
	rc := newTestRateController(t, DefaultWarmupPolicy(), monday)
	account := &models.EmailAccount{
		Name: "a", FromEmail: "a@example.com", FromName: "A",
		SMTPHost: "h", SMTPPort: 587, SMTPUsername: "a", SMTPPassword: "p", Encryption: "SSL",
		IsActive: true, DailySendLimit: 1,
	}
	require.NoError(t, rc.DB.Create(account).Error)

	ctx := context.Background()
	ok, err := rc.ReserveSend(ctx, account, "lead@corp.test", models.RateLimitSettings{})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = rc.ReserveSend(ctx, account, "lead@corp.test", models.RateLimitSettings{})
	require.NoError(t, err)
	require.False(t, ok)

	rc.ReleaseSend(ctx, account, "lead@corp.test", models.RateLimitSettings{})

	ok, err = rc.ReserveSend(ctx, account, "lead@corp.test", models.RateLimitSettings{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateWarmupAdvancesWeek(t *testing.T) {
	policy := WarmupPolicy{WeeklyLimits: []int{5, 15, 35}, MinDaysPerWeek: 7}
	rc := newTestRateController(t, policy, monday)

	weekStart := monday.Add(-8 * 24 * time.Hour)
	account := &models.EmailAccount{
		Name: "a", FromEmail: "a@example.com", FromName: "A",
		SMTPHost: "h", SMTPPort: 587, SMTPUsername: "a", SMTPPassword: "p", Encryption: "SSL",
		IsActive: true, DailySendLimit: 500,
		WarmupEnabled: true, WarmupCurrentWeek: 1, WarmupCurrentDailyLimit: 5,
		WarmupStartedAt: &weekStart, WarmupWeekStartedAt: &weekStart,
	}
	require.NoError(t, rc.DB.Create(account).Error)

	require.NoError(t, rc.EvaluateWarmup(account))
	assert.Equal(t, 2, account.WarmupCurrentWeek)
	assert.Equal(t, 15, account.WarmupCurrentDailyLimit)
	assert.True(t, account.WarmupWeekStartedAt.Equal(monday))
}

func TestEvaluateWarmupHoldsWithinWeek(t *testing.T) {
	policy := WarmupPolicy{WeeklyLimits: []int{5, 15}, MinDaysPerWeek: 7}
	rc := newTestRateController(t, policy, monday)

	weekStart := monday.Add(-3 * 24 * time.Hour)
	account := &models.EmailAccount{
		Name: "a", FromEmail: "a@example.com", FromName: "A",
		SMTPHost: "h", SMTPPort: 587, SMTPUsername: "a", SMTPPassword: "p", Encryption: "SSL",
		IsActive: true, DailySendLimit: 500,
		WarmupEnabled: true, WarmupCurrentWeek: 1, WarmupCurrentDailyLimit: 5,
		WarmupStartedAt: &weekStart, WarmupWeekStartedAt: &weekStart,
	}
	require.NoError(t, rc.DB.Create(account).Error)

	require.NoError(t, rc.EvaluateWarmup(account))
	assert.Equal(t, 1, account.WarmupCurrentWeek)
	assert.Equal(t, 5, account.WarmupCurrentDailyLimit)
}

func TestEvaluateWarmupCompletesAfterRamp(t *testing.T) {
	policy := WarmupPolicy{WeeklyLimits: []int{5, 15}, MinDaysPerWeek: 7}
	rc := newTestRateController(t, policy, monday)

	weekStart := monday.Add(-8 * 24 * time.Hour)
	account := &models.EmailAccount{
		Name: "a", FromEmail: "a@example.com", FromName: "A",
		SMTPHost: "h", SMTPPort: 587, SMTPUsername: "a", SMTPPassword: "p", Encryption: "SSL",
		IsActive: true, DailySendLimit: 500,
		WarmupEnabled: true, WarmupCurrentWeek: 2, WarmupCurrentDailyLimit: 15,
		WarmupStartedAt: &weekStart, WarmupWeekStartedAt: &weekStart,
	}
	require.NoError(t, rc.DB.Create(account).Error)

	require.NoError(t, rc.EvaluateWarmup(account))
	assert.False(t, account.WarmupEnabled)
	require.NotNil(t, account.WarmupCompletedAt)
	assert.Equal(t, 500, account.EffectiveDailyLimit())
}

func TestEvaluateWarmupPausesOnBadReputation(t *testing.T) {
	policy := WarmupPolicy{WeeklyLimits: []int{5, 15}, MinDaysPerWeek: 7, MaxBounceRate: 0.05}
	rc := newTestRateController(t, policy, monday)

	weekStart := monday.Add(-8 * 24 * time.Hour)
	account := &models.EmailAccount{
		Name: "a", FromEmail: "a@example.com", FromName: "A",
		SMTPHost: "h", SMTPPort: 587, SMTPUsername: "a", SMTPPassword: "p", Encryption: "SSL",
		IsActive: true, DailySendLimit: 500,
		WarmupEnabled: true, WarmupCurrentWeek: 1, WarmupCurrentDailyLimit: 5,
		WarmupStartedAt: &weekStart, WarmupWeekStartedAt: &weekStart,
		BounceRate: 0.10,
	}
	require.NoError(t, rc.DB.Create(account).Error)

	require.NoError(t, rc.EvaluateWarmup(account))
	assert.True(t, account.WarmupPaused)
	assert.Equal(t, 1, account.WarmupCurrentWeek)

	// Recovered reputation does not auto-resume.
	account.BounceRate = 0
	require.NoError(t, rc.EvaluateWarmup(account))
	assert.True(t, account.WarmupPaused)
	assert.Equal(t, 1, account.WarmupCurrentWeek)
}

func TestRecordBounceUpdatesRate(t *testing.T) {
	rc := newTestRateController(t, DefaultWarmupPolicy(), monday)
	account := &models.EmailAccount{
		Name: "a", FromEmail: "a@example.com", FromName: "A",
		SMTPHost: "h", SMTPPort: 587, SMTPUsername: "a", SMTPPassword: "p", Encryption: "SSL",
		IsActive: true, DailySendLimit: 500, TotalSent: 100,
	}
	require.NoError(t, rc.DB.Create(account).Error)

	require.NoError(t, rc.RecordBounce(account))
	assert.Equal(t, 1, account.BounceCount)
	assert.InDelta(t, 0.01, account.BounceRate, 1e-9)
}

func TestRecipientDomain(t *testing.T) {
	assert.Equal(t, "corp.test", RecipientDomain("Lead@Corp.Test"))
	assert.Equal(t, "", RecipientDomain("not-an-address"))
}
