package worker

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"cadence/engine"
	"cadence/mailer"
	"cadence/models"
)

// Monday 2026-01-05 09:00 UTC.
var monday = time.Date(2026, time.January, 5, 9, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))
	return db
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeSender records every message and can be primed to fail.
type fakeSender struct {
	mu   sync.Mutex
	sent []mailer.Message
	err  error
}

func (f *fakeSender) Send(_ context.Context, msg mailer.Message, _ *models.EmailAccount) (mailer.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return mailer.SendResult{Status: "failed"}, f.err
	}
	f.sent = append(f.sent, msg)
	return mailer.SendResult{MessageID: msg.MessageID, Status: "sent"}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// testHarness bundles a dispatcher with a mutable clock.
type testHarness struct {
	db       *gorm.DB
	sender   *fakeSender
	d        *Dispatcher
	clock    time.Time
	clockMu  sync.Mutex
	account  *models.EmailAccount
	campaign *models.Campaign
}

func (h *testHarness) now() time.Time {
	h.clockMu.Lock()
	defer h.clockMu.Unlock()
	return h.clock
}

func (h *testHarness) advance(d time.Duration) {
	h.clockMu.Lock()
	h.clock = h.clock.Add(d)
	h.clockMu.Unlock()
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		db:     newTestDB(t),
		sender: &fakeSender{},
		clock:  monday,
	}

	logger := testLogger()
	store := engine.NewMemoryCounterStore()
	limits := engine.NewRateController(h.db, store, engine.DefaultWarmupPolicy(), time.UTC, logger)
	limits.Now = h.now
	scheduler := engine.NewScheduler(h.db, limits, logger)
	scheduler.Now = h.now

	h.d = NewDispatcher(h.db, h.sender, limits, scheduler, store, logger)
	h.d.Now = h.now
	h.d.Sleep = func(time.Duration) {}
	h.d.Retry = ExponentialRetry(5*time.Minute, 3)

	h.account = &models.EmailAccount{
		Name: "primary", FromEmail: "sales@example.com", FromName: "Sales",
		SMTPHost: "smtp.example.com", SMTPPort: 587, SMTPUsername: "sales",
		SMTPPassword: "secret", Encryption: "STARTTLS",
		IsActive: true, DailySendLimit: 1000,
	}
	require.NoError(t, h.db.Create(h.account).Error)
	return h
}

// seedCampaign creates a sending campaign with the given steps and n
// contacts all due now on step 1.
func (h *testHarness) seedCampaign(t *testing.T, n int, steps []models.SequenceStep, settings models.ScheduleSettings) {
	t.Helper()
	startedAt := h.now()
	h.campaign = &models.Campaign{
		Name:          "outreach",
		Timezone:      "UTC",
		Status:        models.CampaignStatusSending,
		Settings:      settings,
		StartedAt:     &startedAt,
		TotalContacts: n,
	}
	require.NoError(t, h.db.Create(h.campaign).Error)

	for i := range steps {
		steps[i].CampaignID = h.campaign.ID
	}
	require.NoError(t, h.db.Create(&steps).Error)

	for i := 0; i < n; i++ {
		contact := &models.Contact{
			Email:     contactEmail(i),
			FirstName: "Lead",
		}
		require.NoError(t, h.db.Create(contact).Error)

		due := h.now()
		cc := &models.CampaignContact{
			CampaignID:     h.campaign.ID,
			ContactID:      contact.ID,
			CurrentStep:    1,
			NextSendAt:     &due,
			EmailAccountID: &h.account.ID,
			Status:         models.ContactStatusPending,
		}
		require.NoError(t, h.db.Create(cc).Error)
	}
}

func contactEmail(i int) string {
	return "lead" + string(rune('a'+i%26)) + string(rune('a'+(i/26)%26)) + "@corp.test"
}

func (h *testHarness) contacts(t *testing.T) []models.CampaignContact {
	t.Helper()
	var ccs []models.CampaignContact
	require.NoError(t, h.db.Where("campaign_id = ?", h.campaign.ID).Order("id").Find(&ccs).Error)
	return ccs
}

func (h *testHarness) reloadCampaign(t *testing.T) *models.Campaign {
	t.Helper()
	var campaign models.Campaign
	require.NoError(t, h.db.First(&campaign, h.campaign.ID).Error)
	return &campaign
}
