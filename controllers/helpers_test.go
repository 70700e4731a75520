package controller

import (
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"cadence/engine"
	"cadence/models"
)

var testDBSeq atomic.Int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// A plain ":memory:" DSN gives every pooled connection its own empty
	// database; shared cache keeps the schema visible to queries that run
	// while another connection holds an open transaction.
	dsn := fmt.Sprintf("file:testdb%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
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

func newTestScheduler(t *testing.T, db *gorm.DB) *engine.Scheduler {
	t.Helper()
	logger := testLogger()
	limits := engine.NewRateController(db, engine.NewMemoryCounterStore(),
		engine.DefaultWarmupPolicy(), time.UTC, logger)
	return engine.NewScheduler(db, limits, logger)
}

// launchFixture is a draft campaign with one list of contacts and an
// active account, ready for activation.
type launchFixture struct {
	db       *gorm.DB
	campaign *models.Campaign
	account  *models.EmailAccount
	contacts []*models.Contact
}

func newLaunchFixture(t *testing.T, db *gorm.DB, steps []models.SequenceStep, contactCount int) *launchFixture {
	t.Helper()
	f := &launchFixture{db: db}

	f.account = &models.EmailAccount{
		Name: "primary", FromEmail: "sales@example.com", FromName: "Sales",
		SMTPHost: "smtp.example.com", SMTPPort: 587, SMTPUsername: "sales",
		SMTPPassword: "secret", Encryption: "STARTTLS",
		IsActive: true, DailySendLimit: 1000,
	}
	require.NoError(t, db.Create(f.account).Error)

	f.campaign = &models.Campaign{
		Name:     "outreach",
		Timezone: "UTC",
		Status:   models.CampaignStatusDraft,
	}
	require.NoError(t, db.Create(f.campaign).Error)

	for i := range steps {
		steps[i].CampaignID = f.campaign.ID
	}
	require.NoError(t, db.Create(&steps).Error)

	list := &models.ContactList{Name: "prospects"}
	require.NoError(t, db.Create(list).Error)
	require.NoError(t, db.Create(&models.CampaignContactList{
		CampaignID:    f.campaign.ID,
		ContactListID: list.ID,
	}).Error)

	for i := 0; i < contactCount; i++ {
		contact := &models.Contact{
			Email:     fixtureEmail(i),
			FirstName: "Lead",
		}
		require.NoError(t, db.Create(contact).Error)
		require.NoError(t, db.Create(&models.ContactListMembership{
			ContactListID: list.ID,
			ContactID:     contact.ID,
		}).Error)
		f.contacts = append(f.contacts, contact)
	}
	return f
}

func fixtureEmail(i int) string {
	return "lead" + string(rune('a'+i%26)) + string(rune('a'+(i/26)%26)) + "@corp.test"
}

func (f *launchFixture) enrollments(t *testing.T) []models.CampaignContact {
	t.Helper()
	var ccs []models.CampaignContact
	require.NoError(t, f.db.Where("campaign_id = ?", f.campaign.ID).Order("id").Find(&ccs).Error)
	return ccs
}

func (f *launchFixture) reloadCampaign(t *testing.T) *models.Campaign {
	t.Helper()
	var campaign models.Campaign
	require.NoError(t, f.db.First(&campaign, f.campaign.ID).Error)
	return &campaign
}
