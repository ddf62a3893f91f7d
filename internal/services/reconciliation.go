package services

import (
	"context"
	"strconv"
	"time"

	"github.com/colemarcuccilli/SweetDreams-sub001/internal/metrics"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/models"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/notify"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/payments"
	"github.com/sirupsen/logrus"
)

const (
	abandonedAfter     = 15 * time.Minute
	reminderWindowFrom = 60 * time.Minute
	reminderWindowTo   = 120 * time.Minute
	reminderClaimTTL   = 3 * time.Hour
	jobBatchLimit      = 500
)

// ReminderClaimer makes sure overlapping reminder runs send at most once per
// booking. Claim returns false when another run already holds the booking.
type ReminderClaimer interface {
	Claim(ctx context.Context, bookingID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, bookingID string) error
}

type CleanupResult struct {
	Deleted int `json:"deleted"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

type ReminderResult struct {
	Sent    int `json:"sent"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// CleanupAbandoned releases slots held by checkouts nobody paid for. Each row
// is handled on its own so one bad row never stops the batch.
func (s *BookingService) CleanupAbandoned(ctx context.Context) (result CleanupResult, err error) {
	ctx, span := s.startSpan(ctx, "job.cleanup_abandoned", "")
	defer func() { endSpan(span, err) }()

	cutoff := s.now().Add(-abandonedAfter)
	dbCtx, cancel := s.dbContext(ctx)
	candidates, err := s.store.ListAbandoned(dbCtx, cutoff, jobBatchLimit)
	cancel()
	if err != nil {
		return result, persistenceError(err)
	}

	for i := range candidates {
		booking := &candidates[i]
		fields := logrus.Fields{"booking_id": booking.ID}

		if !s.closeAbandonedSession(ctx, booking) {
			result.Skipped++
			continue
		}

		dbCtx, cancel := s.dbContext(ctx)
		deleted, deleteErr := s.store.DeleteAbandoned(dbCtx, booking.ID)
		cancel()
		switch {
		case deleteErr != nil:
			result.Errors++
			s.logger.WithFields(fields).WithError(deleteErr).Error("failed to delete abandoned booking")
		case deleted:
			result.Deleted++
		default:
			result.Skipped++
		}
	}

	metrics.RecordJobItems("cleanup_abandoned", "deleted", result.Deleted)
	metrics.RecordJobItems("cleanup_abandoned", "skipped", result.Skipped)
	metrics.RecordJobItems("cleanup_abandoned", "error", result.Errors)
	s.logger.WithFields(logrus.Fields{
		"candidates": len(candidates),
		"deleted":    result.Deleted,
		"skipped":    result.Skipped,
		"errors":     result.Errors,
	}).Info("abandoned checkout cleanup finished")
	return result, nil
}

// closeAbandonedSession expires the checkout so the customer can no longer
// pay for a slot we are about to free. It returns false when the session
// was completed in the meantime and the row must be kept for the webhook.
func (s *BookingService) closeAbandonedSession(ctx context.Context, booking *models.Booking) bool {
	sessionID := deref(booking.CheckoutSessionID)
	if sessionID == "" {
		return true
	}

	err := s.callGateway(ctx, "expire_checkout_session", func(ctx context.Context) error {
		return s.gateway.ExpireCheckoutSession(ctx, sessionID)
	})
	if err == nil {
		return true
	}

	var session *payments.SessionDetails
	retrieveErr := s.callGateway(ctx, "retrieve_checkout_session", func(ctx context.Context) error {
		var callErr error
		session, callErr = s.gateway.RetrieveSession(ctx, sessionID)
		return callErr
	})
	if retrieveErr != nil {
		// Unknown to the gateway. Nothing can be paid against it.
		return true
	}
	if session.Status == payments.SessionStatusComplete {
		s.logger.WithFields(logrus.Fields{
			"booking_id":          booking.ID,
			"checkout_session_id": sessionID,
		}).Info("abandoned candidate completed checkout, keeping it")
		return false
	}
	return true
}

// SendReminders notifies the customer and the admin about confirmed sessions
// starting in the next one to two hours.
func (s *BookingService) SendReminders(ctx context.Context, claimer ReminderClaimer) (result ReminderResult, err error) {
	ctx, span := s.startSpan(ctx, "job.send_reminders", "")
	defer func() { endSpan(span, err) }()

	now := s.now()
	dbCtx, cancel := s.dbContext(ctx)
	bookings, err := s.store.ListConfirmedStartingBetween(dbCtx, now.Add(reminderWindowFrom), now.Add(reminderWindowTo), jobBatchLimit)
	cancel()
	if err != nil {
		return result, persistenceError(err)
	}

	for i := range bookings {
		booking := &bookings[i]
		fields := logrus.Fields{"booking_id": booking.ID}

		claimed, claimErr := s.claimReminder(ctx, claimer, booking.ID)
		if claimErr != nil {
			result.Errors++
			s.logger.WithFields(fields).WithError(claimErr).Error("failed to claim reminder")
			continue
		}
		if !claimed {
			result.Skipped++
			continue
		}

		extra := map[string]string{"minutes_until": formatMinutes(booking.StartTime.Sub(now))}
		customerSent := s.send(ctx, notify.TemplateSessionReminder, booking.Email, booking, extra)
		adminSent := s.send(ctx, notify.TemplateAdminSessionReminder, s.cfg.AdminEmail, booking, extra)

		if customerSent {
			result.Sent++
		} else {
			result.Errors++
		}
		if adminSent {
			result.Sent++
		} else {
			result.Errors++
		}

		if !customerSent && !adminSent {
			s.releaseReminder(ctx, claimer, booking.ID)
		}
	}

	metrics.RecordJobItems("send_reminders", "sent", result.Sent)
	metrics.RecordJobItems("send_reminders", "skipped", result.Skipped)
	metrics.RecordJobItems("send_reminders", "error", result.Errors)
	s.logger.WithFields(logrus.Fields{
		"bookings": len(bookings),
		"sent":     result.Sent,
		"skipped":  result.Skipped,
		"errors":   result.Errors,
	}).Info("session reminders finished")
	return result, nil
}

// claimReminder takes the optional shared claim first so concurrent sweeps
// skip each other cheaply, then stamps reminder_sent_at. The stamp is what
// keeps later sweeps from sending again.
func (s *BookingService) claimReminder(ctx context.Context, claimer ReminderClaimer, bookingID string) (bool, error) {
	if claimer != nil {
		claimed, err := claimer.Claim(ctx, bookingID, reminderClaimTTL)
		if err != nil || !claimed {
			return false, err
		}
	}

	dbCtx, cancel := s.dbContext(ctx)
	defer cancel()
	claimed, err := s.store.MarkReminderSent(dbCtx, bookingID)
	if err != nil {
		if claimer != nil {
			_ = claimer.Release(ctx, bookingID)
		}
		return false, persistenceError(err)
	}
	return claimed, nil
}

// releaseReminder hands the booking back to the next sweep after every
// send failed.
func (s *BookingService) releaseReminder(ctx context.Context, claimer ReminderClaimer, bookingID string) {
	fields := logrus.Fields{"booking_id": bookingID}

	dbCtx, cancel := s.dbContext(ctx)
	defer cancel()
	if err := s.store.ClearReminderSent(dbCtx, bookingID); err != nil {
		s.logger.WithFields(fields).WithError(err).Warn("failed to clear reminder stamp")
	}
	if claimer != nil {
		if err := claimer.Release(ctx, bookingID); err != nil {
			s.logger.WithFields(fields).WithError(err).Warn("failed to release reminder claim")
		}
	}
}

func formatMinutes(d time.Duration) string {
	minutes := int(d.Round(time.Minute) / time.Minute)
	if minutes < 0 {
		minutes = 0
	}
	return strconv.Itoa(minutes)
}
