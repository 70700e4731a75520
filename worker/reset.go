package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"cadence/models"
)

// ResetWorker zeroes the denormalized per-account daily counters at
// midnight in the reference zone. The source of truth for rate limiting is
// the day-keyed counter store; the row counter exists for the stats API.
type ResetWorker struct {
	DB     *gorm.DB
	Logger *logrus.Logger
	Zone   *time.Location

	Now func() time.Time
}

func NewResetWorker(db *gorm.DB, logger *logrus.Logger, zone *time.Location) *ResetWorker {
	if zone == nil {
		zone = time.UTC
	}
	return &ResetWorker{
		DB:     db,
		Logger: logger,
		Zone:   zone,
		Now:    time.Now,
	}
}

func (w *ResetWorker) Start(ctx context.Context) {
	w.Logger.Info("daily reset worker started")

	for {
		timer := time.NewTimer(w.untilMidnight())
		select {
		case <-ctx.Done():
			timer.Stop()
			w.Logger.Info("daily reset worker shutting down")
			return
		case <-timer.C:
			w.Reset()
		}
	}
}

// Reset zeroes every account's daily sent counter.
func (w *ResetWorker) Reset() {
	res := w.DB.Model(&models.EmailAccount{}).
		Where("current_daily_sent > 0").
		Update("current_daily_sent", 0)
	if res.Error != nil {
		w.Logger.WithError(res.Error).Error("failed to reset daily counters")
		return
	}
	w.Logger.WithField("accounts", res.RowsAffected).Info("daily send counters reset")
}

func (w *ResetWorker) untilMidnight() time.Duration {
	now := w.Now().In(w.Zone)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, w.Zone).AddDate(0, 0, 1)
	return midnight.Sub(now)
}
