package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"cadence/models"
)

// Reconciler detects send attempts stuck in flight and either resumes them
// once or, past the hard threshold, fails them for operator visibility.
type Reconciler struct {
	DB         *gorm.DB
	Dispatcher *Dispatcher
	Logger     *logrus.Logger

	Interval  time.Duration
	Staleness time.Duration // no progress for this long: resume once
	FailAfter time.Duration // no progress for this long: give up

	Now func() time.Time
}

func NewReconciler(db *gorm.DB, dispatcher *Dispatcher, logger *logrus.Logger) *Reconciler {
	return &Reconciler{
		DB:         db,
		Dispatcher: dispatcher,
		Logger:     logger,
		Interval:   time.Minute,
		Staleness:  2 * time.Minute,
		FailAfter:  30 * time.Minute,
		Now:        time.Now,
	}
}

func (r *Reconciler) Start(ctx context.Context) {
	r.Logger.Info("recovery worker started")
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Logger.Info("recovery worker shutting down")
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick scans for stalled in-flight records on sending campaigns.
func (r *Reconciler) Tick(ctx context.Context) {
	now := r.Now()

	var stalled []models.TrackingRecord
	err := r.DB.
		Joins("JOIN campaigns ON campaigns.id = tracking_records.campaign_id").
		Where("tracking_records.status = ?", models.TrackingStatusPending).
		Where("tracking_records.updated_at < ?", now.Add(-r.Staleness)).
		Where("campaigns.status = ?", models.CampaignStatusSending).
		Find(&stalled).Error
	if err != nil {
		r.Logger.WithError(err).Error("failed to scan for stalled sends")
		return
	}

	for i := range stalled {
		record := &stalled[i]
		log := r.Logger.WithFields(logrus.Fields{
			"tracking_record_id": record.ID,
			"message_id":         record.MessageID,
		})

		if now.Sub(record.UpdatedAt) > r.FailAfter {
			r.failStalled(record, log)
			continue
		}

		// The recovery flag is claimed atomically so the same attempt is
		// never resumed by two reconciler passes.
		res := r.DB.Model(&models.TrackingRecord{}).
			Where("id = ? AND recovered = ?", record.ID, false).
			Update("recovered", true)
		if res.Error != nil {
			log.WithError(res.Error).Error("failed to claim stalled record")
			continue
		}
		if res.RowsAffected == 0 {
			continue
		}

		log.Warn("resuming stalled send")
		if err := r.Dispatcher.ResumeContact(ctx, record); err != nil {
			log.WithError(err).Error("failed to resume stalled send")
		}
	}
}

func (r *Reconciler) failStalled(record *models.TrackingRecord, log *logrus.Entry) {
	log.Error("send stalled past hard threshold, failing")
	if err := r.DB.Model(record).Updates(map[string]interface{}{
		"status":         models.TrackingStatusFailed,
		"failure_reason": "stalled past recovery threshold",
	}).Error; err != nil {
		log.WithError(err).Error("failed to fail stalled record")
		return
	}

	var cc models.CampaignContact
	if err := r.DB.First(&cc, record.CampaignContactID).Error; err != nil {
		return
	}
	if cc.Terminal() {
		return
	}
	if err := r.Dispatcher.terminalize(&cc, models.ContactStatusFailed); err != nil {
		log.WithError(err).Error("failed to fail stalled contact")
	}
}
