package worker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/models"
)

func newTestReconciler(h *testHarness) *Reconciler {
	r := NewReconciler(h.db, h.d, testLogger())
	r.Now = h.now
	return r
}

// stalePending plants an in-flight record whose last touch was age ago
// on the harness clock.
func stalePending(t *testing.T, h *testHarness, cc *models.CampaignContact, age time.Duration) *models.TrackingRecord {
	t.Helper()
	record := &models.TrackingRecord{
		CampaignID:        h.campaign.ID,
		CampaignContactID: cc.ID,
		ContactID:         cc.ContactID,
		EmailAccountID:    h.account.ID,
		StepNumber:        cc.CurrentStep,
		MessageID:         uuid.New().String(),
		Recipient:         "leadaa@corp.test",
		Status:            models.TrackingStatusPending,
	}
	require.NoError(t, h.db.Create(record).Error)
	// gorm stamps updated_at with wall time; pin it to the test clock.
	stamp := h.now().Add(-age)
	require.NoError(t, h.db.Model(record).UpdateColumn("updated_at", stamp).Error)
	record.UpdatedAt = stamp
	return record
}

func TestReconcilerResumesStalledSend(t *testing.T) {
	h := newHarness(t)
	h.seedCampaign(t, 1, twoSteps(), models.ScheduleSettings{})
	cc := h.contacts(t)[0]
	record := stalePending(t, h, &cc, 5*time.Minute)

	r := newTestReconciler(h)
	r.Tick(context.Background())

	var after models.TrackingRecord
	require.NoError(t, h.db.First(&after, record.ID).Error)
	assert.True(t, after.Recovered)
	assert.Equal(t, models.TrackingStatusFailed, after.Status)
	assert.Equal(t, "stalled in flight", after.FailureReason)

	// The contact is back on the retry path, not abandoned.
	cc = h.contacts(t)[0]
	assert.Equal(t, models.ContactStatusPending, cc.Status)
	assert.Equal(t, 1, cc.AttemptCount)
	require.NotNil(t, cc.NextSendAt)
	assert.True(t, cc.NextSendAt.Equal(monday.Add(5*time.Minute)), "got %v", cc.NextSendAt)
}

func TestReconcilerNeverResumesTwice(t *testing.T) {
	h := newHarness(t)
	h.seedCampaign(t, 1, twoSteps(), models.ScheduleSettings{})
	cc := h.contacts(t)[0]

	// Already claimed by a concurrent pass that has not yet resolved it.
	record := stalePending(t, h, &cc, 5*time.Minute)
	require.NoError(t, h.db.Model(record).UpdateColumn("recovered", true).Error)

	r := newTestReconciler(h)
	r.Tick(context.Background())

	var after models.TrackingRecord
	require.NoError(t, h.db.First(&after, record.ID).Error)
	assert.Equal(t, models.TrackingStatusPending, after.Status)

	cc = h.contacts(t)[0]
	assert.Zero(t, cc.AttemptCount)
}

func TestReconcilerFailsPastHardThreshold(t *testing.T) {
	h := newHarness(t)
	h.seedCampaign(t, 1, twoSteps(), models.ScheduleSettings{})
	cc := h.contacts(t)[0]
	record := stalePending(t, h, &cc, 40*time.Minute)

	r := newTestReconciler(h)
	r.Tick(context.Background())

	var after models.TrackingRecord
	require.NoError(t, h.db.First(&after, record.ID).Error)
	assert.Equal(t, models.TrackingStatusFailed, after.Status)
	assert.Equal(t, "stalled past recovery threshold", after.FailureReason)

	cc = h.contacts(t)[0]
	assert.Equal(t, models.ContactStatusFailed, cc.Status)
	assert.Nil(t, cc.NextSendAt)

	campaign := h.reloadCampaign(t)
	assert.Equal(t, 1, campaign.FailedCount)
}

func TestReconcilerIgnoresFreshInFlight(t *testing.T) {
	h := newHarness(t)
	h.seedCampaign(t, 1, twoSteps(), models.ScheduleSettings{})
	cc := h.contacts(t)[0]
	record := stalePending(t, h, &cc, time.Minute)

	r := newTestReconciler(h)
	r.Tick(context.Background())

	var after models.TrackingRecord
	require.NoError(t, h.db.First(&after, record.ID).Error)
	assert.Equal(t, models.TrackingStatusPending, after.Status)
	assert.False(t, after.Recovered)
}

func TestReconcilerIgnoresPausedCampaigns(t *testing.T) {
	h := newHarness(t)
	h.seedCampaign(t, 1, twoSteps(), models.ScheduleSettings{})
	cc := h.contacts(t)[0]
	record := stalePending(t, h, &cc, 5*time.Minute)
	require.NoError(t, h.db.Model(h.campaign).
		Update("status", models.CampaignStatusPaused).Error)

	r := newTestReconciler(h)
	r.Tick(context.Background())

	var after models.TrackingRecord
	require.NoError(t, h.db.First(&after, record.ID).Error)
	assert.Equal(t, models.TrackingStatusPending, after.Status)
	assert.False(t, after.Recovered)
}

func TestReconcilerLeavesTerminalContactAlone(t *testing.T) {
	h := newHarness(t)
	h.seedCampaign(t, 1, twoSteps(), models.ScheduleSettings{})
	cc := h.contacts(t)[0]
	require.NoError(t, h.db.Model(&models.CampaignContact{}).Where("id = ?", cc.ID).
		Updates(map[string]interface{}{
			"status":       models.ContactStatusStopped,
			"next_send_at": nil,
		}).Error)
	record := stalePending(t, h, &cc, 5*time.Minute)

	r := newTestReconciler(h)
	r.Tick(context.Background())

	// The orphaned record is resolved but the contact stays terminal.
	var after models.TrackingRecord
	require.NoError(t, h.db.First(&after, record.ID).Error)
	assert.Equal(t, models.TrackingStatusFailed, after.Status)

	cc = h.contacts(t)[0]
	assert.Equal(t, models.ContactStatusStopped, cc.Status)
	assert.Nil(t, cc.NextSendAt)
	assert.Zero(t, cc.AttemptCount)
}
