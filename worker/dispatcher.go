package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/badoux/checkmail"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"cadence/engine"
	"cadence/mailer"
	"cadence/models"
	"cadence/utils"
)

// dispatchLease names the single-flight tick lock. The lease expires on its
// own, so a crashed tick cannot permanently wedge the poll loop.
const dispatchLease = "dispatch:tick"

// RetryPolicy bounds how transient send failures are retried. It is
// invoked by the worker loop, decoupled from the tick mechanism.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// ExponentialRetry doubles the base delay per attempt.
func ExponentialRetry(base time.Duration, maxAttempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		Backoff: func(attempt int) time.Duration {
			d := base
			for i := 1; i < attempt; i++ {
				d *= 2
			}
			return d
		},
	}
}

// Dispatcher is the poll loop that turns due scheduling state into actual
// send attempts and tracking records. One instance per process; the tick
// lease keeps concurrent instances from overlapping.
type Dispatcher struct {
	DB        *gorm.DB
	Sender    mailer.Sender
	Renderer  mailer.Personalizer
	Limits    *engine.RateController
	Scheduler *engine.Scheduler
	Store     engine.CounterStore
	Logger    *logrus.Logger

	// Breaker protects the provider during outages; an open breaker is a
	// transient condition, never a message failure.
	Breaker *gobreaker.CircuitBreaker
	// Throttle is a process-wide ceiling across all accounts.
	Throttle *rate.Limiter

	Interval        time.Duration
	LeaseTTL        time.Duration
	Retry           RetryPolicy
	TrackingBaseURL string
	TrackingSecret  string

	Now   func() time.Time
	Sleep func(time.Duration)
}

func NewDispatcher(db *gorm.DB, sender mailer.Sender, limits *engine.RateController, scheduler *engine.Scheduler, store engine.CounterStore, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		DB:        db,
		Sender:    sender,
		Renderer:  mailer.TemplateRenderer{},
		Limits:    limits,
		Scheduler: scheduler,
		Store:     store,
		Logger:    logger,
		Breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "sender",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			Timeout: time.Minute,
		}),
		Interval: 30 * time.Second,
		LeaseTTL: 2 * time.Minute,
		Retry:    ExponentialRetry(5*time.Minute, 5),
		Now:      time.Now,
		Sleep:    time.Sleep,
	}
}

// Start runs the poll loop until the context is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.Logger.Info("dispatch worker started")
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.Logger.Info("dispatch worker shutting down")
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick processes one poll pass. If another tick still holds the lease the
// pass is skipped entirely.
func (d *Dispatcher) Tick(ctx context.Context) {
	ok, err := d.Store.AcquireLease(ctx, dispatchLease, d.LeaseTTL)
	if err != nil {
		d.Logger.WithError(err).Error("failed to acquire dispatch lease")
		return
	}
	if !ok {
		d.Logger.Debug("previous tick still running, skipping")
		return
	}
	defer func() {
		if err := d.Store.ReleaseLease(ctx, dispatchLease); err != nil {
			d.Logger.WithError(err).Warn("failed to release dispatch lease")
		}
	}()

	var campaigns []models.Campaign
	if err := d.DB.Where("status = ?", models.CampaignStatusSending).Find(&campaigns).Error; err != nil {
		d.Logger.WithError(err).Error("failed to load sending campaigns")
		return
	}

	usedAccounts := make(map[uint]bool)
	for i := range campaigns {
		d.processCampaign(ctx, &campaigns[i], usedAccounts)
	}

	d.evaluateWarmups(usedAccounts)
}

// evaluateWarmups runs warmup progression once per account touched this
// tick.
func (d *Dispatcher) evaluateWarmups(usedAccounts map[uint]bool) {
	for accountID := range usedAccounts {
		if accountID == 0 {
			continue
		}
		var account models.EmailAccount
		if err := d.DB.First(&account, accountID).Error; err != nil {
			continue
		}
		if err := d.Limits.EvaluateWarmup(&account); err != nil {
			d.Logger.WithError(err).WithField("account_id", accountID).
				Warn("warmup evaluation failed")
		}
	}
}

func (d *Dispatcher) processCampaign(ctx context.Context, campaign *models.Campaign, usedAccounts map[uint]bool) {
	var steps []models.SequenceStep
	if err := d.DB.Where("campaign_id = ?", campaign.ID).Order("step_number").Find(&steps).Error; err != nil {
		d.Logger.WithError(err).WithField("campaign_id", campaign.ID).Error("failed to load sequence")
		return
	}

	now := d.Now()
	due, err := d.dueContacts(campaign, now)
	if err != nil {
		d.Logger.WithError(err).WithField("campaign_id", campaign.ID).Error("failed to query due contacts")
		return
	}

	batch := due
	limit := campaign.Settings.RateLimiting.BatchSize
	if limit > 0 && len(batch) > limit {
		batch = batch[:limit]
	}

	// Per-account lanes: jitter between sends from one account must not
	// hold up the other accounts.
	lanes := make(map[uint][]*models.CampaignContact)
	for i := range batch {
		accountID := uint(0)
		if batch[i].EmailAccountID != nil {
			accountID = *batch[i].EmailAccountID
		}
		lanes[accountID] = append(lanes[accountID], &batch[i])
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for accountID, lane := range lanes {
		wg.Add(1)
		go func(accountID uint, lane []*models.CampaignContact) {
			defer wg.Done()
			for i, cc := range lane {
				// One contact's failure never aborts the rest of the lane.
				if err := d.processContact(ctx, campaign, steps, cc); err != nil {
					d.Logger.WithError(err).WithFields(logrus.Fields{
						"campaign_id": campaign.ID,
						"contact_id":  cc.ContactID,
					}).Error("failed to process contact")
					sentry.CaptureException(err)
				}
				mu.Lock()
				usedAccounts[accountID] = true
				mu.Unlock()
				if i < len(lane)-1 {
					d.Sleep(d.jitter(campaign.Settings.RateLimiting))
				}
			}
		}(accountID, lane)
	}
	wg.Wait()

	// Anything due beyond this batch waits out the configured batch delay.
	if limit > 0 && len(due) > limit && campaign.Settings.RateLimiting.BatchDelayMinutes > 0 {
		delay := time.Duration(campaign.Settings.RateLimiting.BatchDelayMinutes) * time.Minute
		ids := make([]uint, 0, len(due)-limit)
		for i := limit; i < len(due); i++ {
			ids = append(ids, due[i].ID)
		}
		if err := d.DB.Model(&models.CampaignContact{}).Where("id IN ?", ids).
			Update("next_send_at", d.Now().Add(delay)).Error; err != nil {
			d.Logger.WithError(err).Warn("failed to delay next batch")
		}
	}

	d.sweepCompletion(campaign)
}

func (d *Dispatcher) dueContacts(campaign *models.Campaign, now time.Time) ([]models.CampaignContact, error) {
	var due []models.CampaignContact
	err := d.DB.Where("campaign_id = ? AND next_send_at IS NOT NULL AND next_send_at <= ?", campaign.ID, now).
		Where("status IN ?", []string{
			models.ContactStatusPending, models.ContactStatusSent, models.ContactStatusDelivered,
			models.ContactStatusOpened, models.ContactStatusClicked, models.ContactStatusReplied,
		}).
		Order("next_send_at asc").
		Find(&due).Error
	return due, err
}

func (d *Dispatcher) jitter(rl models.RateLimitSettings) time.Duration {
	min, max := rl.JitterMinSeconds, rl.JitterMaxSeconds
	if max <= 0 || max < min {
		return 0
	}
	if max == min {
		return time.Duration(min) * time.Second
	}
	return time.Duration(min+rand.Intn(max-min+1)) * time.Second
}

// processContact walks one contact through a full dispatch cycle: condition
// re-evaluation, idempotence checks, rate reservation, the send itself, and
// the feed-back into the scheduler.
func (d *Dispatcher) processContact(ctx context.Context, campaign *models.Campaign, steps []models.SequenceStep, cc *models.CampaignContact) error {
	var contact models.Contact
	if err := d.DB.First(&contact, cc.ContactID).Error; err != nil {
		return fmt.Errorf("load contact %d: %w", cc.ContactID, err)
	}

	if !contact.Sendable() {
		status := models.ContactStatusStopped
		switch {
		case contact.IsBounced:
			status = models.ContactStatusBounced
		case contact.IsUnsubscribed:
			status = models.ContactStatusUnsubscribed
		}
		return d.terminalize(cc, status)
	}

	// Signals may have arrived during the delay; re-consult the conditions
	// of the last completed step before committing to this send.
	if cc.LastCompletedStep > 0 {
		outcome := engine.NextStep(steps, cc.LastCompletedStep, d.snapshot(cc))
		switch {
		case outcome.Stopped:
			return d.terminalize(cc, models.ContactStatusStopped)
		case outcome.Completed:
			return d.terminalize(cc, models.ContactStatusCompleted)
		case outcome.NextStep != cc.CurrentStep:
			return d.retarget(ctx, campaign, steps, cc, &contact, outcome.NextStep)
		}
	}

	// At-most-one-concurrent-send: an unresolved attempt belongs to the
	// reconciler, not to this tick.
	var inflight int64
	if err := d.DB.Model(&models.TrackingRecord{}).
		Where("campaign_contact_id = ? AND status = ?", cc.ID, models.TrackingStatusPending).
		Count(&inflight).Error; err != nil {
		return err
	}
	if inflight > 0 {
		d.Logger.WithField("campaign_contact_id", cc.ID).Debug("send already in flight, skipping")
		return nil
	}

	step := models.FindStep(steps, cc.CurrentStep)
	if step == nil {
		return d.terminalize(cc, models.ContactStatusCompleted)
	}

	// Idempotence: if this step already resolved sent, never send it again;
	// pick up at the post-send transition instead.
	var resolved models.TrackingRecord
	err := d.DB.Where("campaign_contact_id = ? AND step_number = ? AND status = ?",
		cc.ID, step.StepNumber, models.TrackingStatusSent).
		Order("id desc").First(&resolved).Error
	if err == nil {
		return d.advance(ctx, campaign, steps, cc, &contact, step, &resolved)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	if err := checkmail.ValidateFormat(contact.Email); err != nil {
		return d.failPermanently(cc, &contact, nil, step, campaign,
			mailer.Permanentf("invalid recipient address", err), uuid.New().String())
	}

	account, err := d.resolveAccount(ctx, campaign, cc, &contact, step)
	if err != nil || account == nil {
		return err
	}

	// Headroom may have changed since scheduling; reserve atomically so two
	// concurrent workers cannot both slip past the limit.
	reserved, err := d.Limits.ReserveSend(ctx, account, contact.Email, campaign.Settings.RateLimiting)
	if err != nil {
		return err
	}
	if !reserved {
		return d.reschedule(ctx, campaign, cc, &contact, "rate limit reached")
	}

	subject, body, err := d.Renderer.Render(step, &contact)
	if err != nil {
		d.Limits.ReleaseSend(ctx, account, contact.Email, campaign.Settings.RateLimiting)
		return d.failPermanently(cc, &contact, account, step, campaign,
			mailer.Permanentf("template render failed", err), uuid.New().String())
	}

	messageID := uuid.New().String()
	if d.TrackingBaseURL != "" {
		body = utils.InjectTracking(body, d.TrackingBaseURL, messageID, d.TrackingSecret)
	}

	// The tracking record exists before the Sender is invoked, so a crash
	// mid-send leaves a pending row the reconciler can find.
	record := models.TrackingRecord{
		CampaignID:        campaign.ID,
		CampaignContactID: cc.ID,
		ContactID:         contact.ID,
		EmailAccountID:    account.ID,
		StepNumber:        step.StepNumber,
		MessageID:         messageID,
		Recipient:         contact.Email,
		Subject:           subject,
		Status:            models.TrackingStatusPending,
	}
	if err := d.DB.Create(&record).Error; err != nil {
		d.Limits.ReleaseSend(ctx, account, contact.Email, campaign.Settings.RateLimiting)
		return fmt.Errorf("create tracking record: %w", err)
	}

	if d.Throttle != nil {
		if err := d.Throttle.Wait(ctx); err != nil {
			d.Limits.ReleaseSend(ctx, account, contact.Email, campaign.Settings.RateLimiting)
			return err
		}
	}

	_, sendErr := d.send(ctx, mailer.Message{
		To:        contact.Email,
		Subject:   subject,
		HTMLBody:  body,
		MessageID: messageID,
	}, account)

	if sendErr != nil {
		if errors.Is(sendErr, gobreaker.ErrOpenState) || errors.Is(sendErr, gobreaker.ErrTooManyRequests) {
			// Nothing reached the provider; give the slot back.
			d.Limits.ReleaseSend(ctx, account, contact.Email, campaign.Settings.RateLimiting)
			return d.failTransiently(cc, &record, "circuit breaker open")
		}
		classified := mailer.Classify(sendErr)
		if classified.Permanent {
			return d.failPermanently(cc, &contact, account, step, campaign, classified, messageID)
		}
		return d.failTransiently(cc, &record, classified.Reason)
	}

	now := d.Now()
	if err := d.DB.Model(&record).Updates(map[string]interface{}{
		"status":       models.TrackingStatusSent,
		"sent_at":      now,
		"delivered_at": now,
	}).Error; err != nil {
		return err
	}
	record.Status = models.TrackingStatusSent
	record.SentAt = &now

	d.DB.Model(step).Update("sent_count", gorm.Expr("sent_count + ?", 1))
	d.DB.Model(campaign).Update("sent_count", gorm.Expr("sent_count + ?", 1))

	updates := map[string]interface{}{
		"last_completed_step": step.StepNumber,
		"last_step_sent_at":   now,
		"attempt_count":       0,
	}
	if models.EngagementRank[cc.Status] < models.EngagementRank[models.ContactStatusSent] {
		updates["status"] = models.ContactStatusSent
		cc.Status = models.ContactStatusSent
	}
	if err := d.DB.Model(cc).Updates(updates).Error; err != nil {
		return err
	}
	cc.LastCompletedStep = step.StepNumber
	cc.LastStepSentAt = &now
	cc.AttemptCount = 0

	return d.advance(ctx, campaign, steps, cc, &contact, step, &record)
}

func (d *Dispatcher) send(ctx context.Context, msg mailer.Message, account *models.EmailAccount) (mailer.SendResult, error) {
	if d.Breaker == nil {
		return d.Sender.Send(ctx, msg, account)
	}
	v, err := d.Breaker.Execute(func() (interface{}, error) {
		return d.Sender.Send(ctx, msg, account)
	})
	if err != nil {
		return mailer.SendResult{}, err
	}
	return v.(mailer.SendResult), nil
}

// advance runs the condition evaluator after a resolved send and feeds the
// verdict back into the scheduler.
func (d *Dispatcher) advance(ctx context.Context, campaign *models.Campaign, steps []models.SequenceStep, cc *models.CampaignContact, contact *models.Contact, step *models.SequenceStep, record *models.TrackingRecord) error {
	outcome := engine.NextStep(steps, step.StepNumber, snapshotFromRecord(record, d.Now()))
	switch {
	case outcome.Stopped:
		return d.terminalize(cc, models.ContactStatusStopped)
	case outcome.Completed:
		return d.terminalize(cc, models.ContactStatusCompleted)
	}

	next := models.FindStep(steps, outcome.NextStep)
	if next == nil {
		return d.terminalize(cc, models.ContactStatusCompleted)
	}

	base := d.Now()
	if record.SentAt != nil {
		base = *record.SentAt
	}
	slot, err := d.Scheduler.NextSendSlot(ctx, campaign, contact, next, base)
	if err != nil {
		if errors.Is(err, engine.ErrUnschedulable) {
			return d.pauseCampaign(campaign, "no email account available")
		}
		return err
	}

	cc.CurrentStep = next.StepNumber
	cc.NextSendAt = &slot.SendAt
	cc.EmailAccountID = &slot.AccountID
	return d.DB.Model(cc).Updates(map[string]interface{}{
		"current_step":     next.StepNumber,
		"next_send_at":     slot.SendAt,
		"email_account_id": slot.AccountID,
	}).Error
}

// retarget moves a contact to a different step decided at dispatch time
// (branch or skip that became true during the delay).
func (d *Dispatcher) retarget(ctx context.Context, campaign *models.Campaign, steps []models.SequenceStep, cc *models.CampaignContact, contact *models.Contact, stepNumber int) error {
	next := models.FindStep(steps, stepNumber)
	if next == nil {
		return d.terminalize(cc, models.ContactStatusCompleted)
	}
	base := d.Now()
	if cc.LastStepSentAt != nil {
		base = *cc.LastStepSentAt
	}
	slot, err := d.Scheduler.NextSendSlot(ctx, campaign, contact, next, base)
	if err != nil {
		if errors.Is(err, engine.ErrUnschedulable) {
			return d.pauseCampaign(campaign, "no email account available")
		}
		return err
	}
	sendAt := slot.SendAt
	if sendAt.Before(d.Now()) {
		sendAt = d.Now()
	}
	cc.CurrentStep = next.StepNumber
	cc.NextSendAt = &sendAt
	cc.EmailAccountID = &slot.AccountID
	return d.DB.Model(cc).Updates(map[string]interface{}{
		"current_step":     next.StepNumber,
		"next_send_at":     sendAt,
		"email_account_id": slot.AccountID,
	}).Error
}

func (d *Dispatcher) resolveAccount(ctx context.Context, campaign *models.Campaign, cc *models.CampaignContact, contact *models.Contact, step *models.SequenceStep) (*models.EmailAccount, error) {
	if cc.EmailAccountID != nil {
		var account models.EmailAccount
		if err := d.DB.First(&account, *cc.EmailAccountID).Error; err == nil && account.IsActive {
			return &account, nil
		}
	}
	// Assigned account gone or disabled; let the scheduler pick again.
	slot, err := d.Scheduler.NextAvailableSlot(ctx, campaign, contact, d.Now())
	if err != nil {
		if errors.Is(err, engine.ErrUnschedulable) {
			return nil, d.pauseCampaign(campaign, "no email account available")
		}
		return nil, err
	}
	if slot.SendAt.After(d.Now()) {
		cc.NextSendAt = &slot.SendAt
		cc.EmailAccountID = &slot.AccountID
		return nil, d.DB.Model(cc).Updates(map[string]interface{}{
			"next_send_at":     slot.SendAt,
			"email_account_id": slot.AccountID,
		}).Error
	}
	var account models.EmailAccount
	if err := d.DB.First(&account, slot.AccountID).Error; err != nil {
		return nil, err
	}
	cc.EmailAccountID = &account.ID
	return &account, nil
}

// reschedule pushes a contact to the next slot any account can serve.
func (d *Dispatcher) reschedule(ctx context.Context, campaign *models.Campaign, cc *models.CampaignContact, contact *models.Contact, reason string) error {
	slot, err := d.Scheduler.NextAvailableSlot(ctx, campaign, contact, d.Now())
	if err != nil {
		if errors.Is(err, engine.ErrUnschedulable) {
			return d.pauseCampaign(campaign, "no email account available")
		}
		return err
	}
	sendAt := slot.SendAt
	if !sendAt.After(d.Now()) {
		// Nothing freed up inside this tick; try again next interval.
		sendAt = d.Now().Add(d.Interval)
	}
	d.Logger.WithFields(logrus.Fields{
		"campaign_contact_id": cc.ID,
		"reason":              reason,
		"next_send_at":        sendAt,
	}).Info("rescheduling contact")
	cc.NextSendAt = &sendAt
	cc.EmailAccountID = &slot.AccountID
	return d.DB.Model(cc).Updates(map[string]interface{}{
		"next_send_at":     sendAt,
		"email_account_id": slot.AccountID,
	}).Error
}

// failTransiently records a retryable failure and backs the contact off,
// or gives up after the policy's attempt budget.
func (d *Dispatcher) failTransiently(cc *models.CampaignContact, record *models.TrackingRecord, reason string) error {
	if record != nil && record.ID != 0 {
		if err := d.DB.Model(record).Updates(map[string]interface{}{
			"status":         models.TrackingStatusFailed,
			"failure_reason": reason,
		}).Error; err != nil {
			return err
		}
	}

	cc.AttemptCount++
	if d.Retry.MaxAttempts > 0 && cc.AttemptCount >= d.Retry.MaxAttempts {
		d.Logger.WithFields(logrus.Fields{
			"campaign_contact_id": cc.ID,
			"attempts":            cc.AttemptCount,
		}).Warn("retry budget exhausted, failing contact")
		return d.terminalize(cc, models.ContactStatusFailed)
	}

	retryAt := d.Now().Add(d.Retry.Backoff(cc.AttemptCount))
	cc.NextSendAt = &retryAt
	return d.DB.Model(cc).Updates(map[string]interface{}{
		"attempt_count": cc.AttemptCount,
		"next_send_at":  retryAt,
	}).Error
}

// failPermanently resolves the attempt as a hard failure and removes the
// contact from further steps.
func (d *Dispatcher) failPermanently(cc *models.CampaignContact, contact *models.Contact, account *models.EmailAccount, step *models.SequenceStep, campaign *models.Campaign, sendErr *mailer.SendError, messageID string) error {
	now := d.Now()
	authFailure := strings.Contains(sendErr.Reason, "auth")

	record := models.TrackingRecord{
		CampaignID:        campaign.ID,
		CampaignContactID: cc.ID,
		ContactID:         contact.ID,
		StepNumber:        step.StepNumber,
		MessageID:         messageID,
		Recipient:         contact.Email,
		Status:            models.TrackingStatusBounced,
		FailureReason:     sendErr.Reason,
		Permanent:         true,
		BouncedAt:         &now,
	}
	if account != nil {
		record.EmailAccountID = account.ID
	}
	if authFailure {
		record.Status = models.TrackingStatusFailed
		record.BouncedAt = nil
	}

	// An existing pending record for this message id is resolved in place.
	var existing models.TrackingRecord
	if err := d.DB.Where("message_id = ?", messageID).First(&existing).Error; err == nil {
		d.DB.Model(&existing).Updates(map[string]interface{}{
			"status":         record.Status,
			"failure_reason": record.FailureReason,
			"permanent":      true,
			"bounced_at":     record.BouncedAt,
		})
	} else if err := d.DB.Create(&record).Error; err != nil {
		return err
	}

	if authFailure {
		if account != nil {
			d.DB.Model(account).Update("last_error", sendErr.Error())
		}
		return d.terminalize(cc, models.ContactStatusFailed)
	}

	// Hard bounce: flag the contact globally and track account reputation.
	d.DB.Model(contact).Update("is_bounced", true)
	d.DB.Model(campaign).Update("bounce_count", gorm.Expr("bounce_count + ?", 1))
	if account != nil {
		if err := d.Limits.RecordBounce(account); err != nil {
			d.Logger.WithError(err).Warn("failed to record bounce on account")
		}
	}
	return d.terminalize(cc, models.ContactStatusBounced)
}

// terminalize moves a contact into a terminal status and clears its
// scheduling state.
func (d *Dispatcher) terminalize(cc *models.CampaignContact, status string) error {
	now := d.Now()
	updates := map[string]interface{}{
		"status":       status,
		"next_send_at": nil,
	}
	if status == models.ContactStatusCompleted {
		updates["completed_at"] = now
		cc.CompletedAt = &now
	}
	if status == models.ContactStatusFailed {
		d.DB.Model(&models.Campaign{}).Where("id = ?", cc.CampaignID).
			Update("failed_count", gorm.Expr("failed_count + ?", 1))
	}
	cc.Status = status
	cc.NextSendAt = nil
	return d.DB.Model(cc).Updates(updates).Error
}

func (d *Dispatcher) pauseCampaign(campaign *models.Campaign, reason string) error {
	d.Logger.WithFields(logrus.Fields{
		"campaign_id": campaign.ID,
		"reason":      reason,
	}).Error("pausing campaign")
	sentry.CaptureMessage(fmt.Sprintf("campaign %d paused: %s", campaign.ID, reason))
	campaign.Status = models.CampaignStatusPaused
	return d.DB.Model(campaign).Updates(map[string]interface{}{
		"status":       models.CampaignStatusPaused,
		"pause_reason": reason,
	}).Error
}

// sweepCompletion marks a campaign completed once every contact is
// terminal.
func (d *Dispatcher) sweepCompletion(campaign *models.Campaign) {
	var open int64
	err := d.DB.Model(&models.CampaignContact{}).
		Where("campaign_id = ?", campaign.ID).
		Where("status IN ?", []string{
			models.ContactStatusPending, models.ContactStatusSent, models.ContactStatusDelivered,
			models.ContactStatusOpened, models.ContactStatusClicked, models.ContactStatusReplied,
		}).
		Count(&open).Error
	if err != nil {
		d.Logger.WithError(err).Warn("completion sweep query failed")
		return
	}
	if open > 0 {
		return
	}
	var total int64
	d.DB.Model(&models.CampaignContact{}).Where("campaign_id = ?", campaign.ID).Count(&total)
	if total == 0 {
		return
	}
	now := d.Now()
	d.Logger.WithField("campaign_id", campaign.ID).Info("all contacts terminal, completing campaign")
	d.DB.Model(campaign).Updates(map[string]interface{}{
		"status":       models.CampaignStatusCompleted,
		"completed_at": now,
	})
}

// snapshot assembles the engagement view since the last completed step.
func (d *Dispatcher) snapshot(cc *models.CampaignContact) engine.EngagementSnapshot {
	var record models.TrackingRecord
	err := d.DB.Where("campaign_contact_id = ? AND step_number = ? AND status = ?",
		cc.ID, cc.LastCompletedStep, models.TrackingStatusSent).
		Order("id desc").First(&record).Error
	if err != nil {
		snap := engine.EngagementSnapshot{}
		if cc.LastStepSentAt != nil {
			snap.HoursSinceSend = d.Now().Sub(*cc.LastStepSentAt).Hours()
		}
		return snap
	}
	return snapshotFromRecord(&record, d.Now())
}

func snapshotFromRecord(record *models.TrackingRecord, now time.Time) engine.EngagementSnapshot {
	snap := engine.EngagementSnapshot{
		Replied: record.RepliedAt != nil,
		Opened:  record.OpenedAt != nil,
		Clicked: record.ClickedAt != nil,
	}
	if record.SentAt != nil {
		snap.HoursSinceSend = now.Sub(*record.SentAt).Hours()
	}
	return snap
}

// ResumeContact is the reconciler's entry point: it resolves a stalled
// in-flight attempt as a transient failure and pushes the contact back
// through the retry path.
func (d *Dispatcher) ResumeContact(ctx context.Context, record *models.TrackingRecord) error {
	res := d.DB.Model(&models.TrackingRecord{}).
		Where("id = ? AND status = ?", record.ID, models.TrackingStatusPending).
		Updates(map[string]interface{}{
			"status":         models.TrackingStatusFailed,
			"failure_reason": "stalled in flight",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Resolved by someone else in the meantime; nothing to resume.
		return nil
	}

	var cc models.CampaignContact
	if err := d.DB.First(&cc, record.CampaignContactID).Error; err != nil {
		return err
	}
	if cc.Terminal() {
		return nil
	}
	return d.failTransiently(&cc, nil, "stalled in flight")
}
