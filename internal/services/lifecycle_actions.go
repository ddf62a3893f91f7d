package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/colemarcuccilli/SweetDreams-sub001/internal/metrics"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/models"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/notify"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/payments"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/repository"
	"github.com/sirupsen/logrus"
)

const customerCancelWindow = 24 * time.Hour

// Approve captures the held deposit and confirms the booking. The intent is
// re-read first: an already captured intent or a zero total skips capture.
func (s *BookingService) Approve(ctx context.Context, id string, performedBy string) (booking *models.Booking, err error) {
	ctx, span := s.startSpan(ctx, "booking.approve", id)
	defer func() { endSpan(span, err) }()

	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != models.StatusPendingApproval {
		return nil, invalidState("approved", current.Status)
	}

	captured := int64(0)
	captureSkipped := true
	paymentIntentID := deref(current.PaymentIntentID)
	if paymentIntentID != "" && current.TotalAmount > 0 {
		captured, captureSkipped, err = s.captureDeposit(ctx, paymentIntentID)
		if err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	booking, err = s.transition(ctx, "approved", repository.TransitionInput{
		BookingID:    current.ID,
		FromStatuses: []models.BookingStatus{models.StatusPendingApproval},
		Patch: repository.BookingPatch{
			Status:            ptr(models.StatusConfirmed),
			ApprovedAt:        &now,
			ActualDepositPaid: ptr(captured),
		},
		Audit: repository.AuditInput{
			Action:      models.ActionApproved,
			PerformedBy: performedBy,
			Details: map[string]any{
				"payment_intent_id": paymentIntentID,
				"captured_amount":   captured,
				"capture_skipped":   captureSkipped,
			},
		},
	})
	if err != nil {
		if captured > 0 {
			s.logger.WithFields(logrus.Fields{
				"booking_id":        current.ID,
				"payment_intent_id": paymentIntentID,
				"captured_amount":   captured,
			}).WithError(err).Error("deposit captured but booking was not confirmed")
		}
		return nil, err
	}

	s.notifyCustomer(ctx, notify.TemplateBookingConfirmed, booking, nil)
	s.notifyAdmin(ctx, notify.TemplateAdminBookingConfirmed, booking, nil)
	return booking, nil
}

// captureDeposit returns the captured amount and whether capture was skipped
// because the intent had already succeeded.
func (s *BookingService) captureDeposit(ctx context.Context, paymentIntentID string) (int64, bool, error) {
	var intent *payments.PaymentIntent
	err := s.callGateway(ctx, "retrieve_payment_intent", func(ctx context.Context) error {
		var callErr error
		intent, callErr = s.gateway.RetrievePaymentIntent(ctx, paymentIntentID)
		return callErr
	})
	if err != nil {
		return 0, false, gatewayError(err)
	}

	switch intent.Status {
	case payments.IntentStatusSucceeded:
		return intent.AmountReceived, true, nil
	case payments.IntentStatusRequiresCapture:
	default:
		return 0, false, fmt.Errorf("%w: payment authorization cannot be captured, intent status: %s",
			ErrUpstreamGateway, intent.Status)
	}

	err = s.callGateway(ctx, "capture_payment_intent", func(ctx context.Context) error {
		var callErr error
		intent, callErr = s.gateway.CapturePaymentIntent(ctx, paymentIntentID)
		return callErr
	})
	if err != nil {
		return 0, false, gatewayError(err)
	}
	return intent.AmountReceived, false, nil
}

// Reject releases the authorization hold. A failed release is recorded for
// manual follow-up and does not block the rejection.
func (s *BookingService) Reject(ctx context.Context, id string, reason string, performedBy string) (booking *models.Booking, err error) {
	ctx, span := s.startSpan(ctx, "booking.reject", id)
	defer func() { endSpan(span, err) }()

	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != models.StatusPendingApproval {
		return nil, invalidState("rejected", current.Status)
	}

	reason = strings.TrimSpace(reason)
	details := map[string]any{"reason": reason}

	if paymentIntentID := deref(current.PaymentIntentID); paymentIntentID != "" {
		details["payment_intent_id"] = paymentIntentID
		cancelErr := s.callGateway(ctx, "cancel_payment_intent", func(ctx context.Context) error {
			return s.gateway.CancelPaymentIntent(ctx, paymentIntentID)
		})
		if cancelErr != nil {
			details["cancel_error"] = cancelErr.Error()
			s.logger.WithFields(logrus.Fields{
				"booking_id":        current.ID,
				"payment_intent_id": paymentIntentID,
			}).WithError(cancelErr).Error("failed to release payment authorization")
			s.recordFailure(ctx, models.FailurePaymentCancel, current.ID, "", cancelErr)
		}
	}

	patch := repository.BookingPatch{
		Status:     ptr(models.StatusRejected),
		RejectedAt: ptr(s.now().UTC()),
	}
	if reason != "" {
		patch.RejectedReason = &reason
	}

	booking, err = s.transition(ctx, "rejected", repository.TransitionInput{
		BookingID:    current.ID,
		FromStatuses: []models.BookingStatus{models.StatusPendingApproval},
		Patch:        patch,
		Audit: repository.AuditInput{
			Action:      models.ActionRejected,
			PerformedBy: performedBy,
			Details:     details,
		},
	})
	if err != nil {
		return nil, err
	}

	s.notifyCustomer(ctx, notify.TemplateBookingRejected, booking, map[string]string{"reason": reason})
	return booking, nil
}

// AdminCancel cancels a confirmed booking at any time before or after it
// starts.
func (s *BookingService) AdminCancel(ctx context.Context, id string, reason string, performedBy string) (*models.Booking, error) {
	return s.cancel(ctx, id, reason, performedBy, false)
}

// CustomerCancel lets the booking's own customer cancel while the session
// is still at least 24 hours away.
func (s *BookingService) CustomerCancel(ctx context.Context, id string, reason string, callerEmail string) (*models.Booking, error) {
	return s.cancel(ctx, id, reason, callerEmail, true)
}

func (s *BookingService) cancel(
	ctx context.Context,
	id string,
	reason string,
	performedBy string,
	byCustomer bool,
) (booking *models.Booking, err error) {
	ctx, span := s.startSpan(ctx, "booking.cancel", id)
	defer func() { endSpan(span, err) }()

	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if byCustomer && !sameEmail(current.Email, performedBy) {
		return nil, ErrForbidden
	}
	if current.Status != models.StatusConfirmed {
		return nil, invalidState("cancelled", current.Status)
	}

	now := s.now()
	if byCustomer && current.StartTime.Sub(now) < customerCancelWindow {
		return nil, fmt.Errorf("%w: cannot cancel bookings less than 24 hours before the session", ErrInvalidState)
	}

	reason = strings.TrimSpace(reason)
	initiatedBy := "admin"
	if byCustomer {
		initiatedBy = "customer"
	}
	details := map[string]any{"reason": reason, "initiated_by": initiatedBy}
	s.refundIfCaptured(ctx, current, reason, now, details)

	patch := repository.BookingPatch{
		Status:      ptr(models.StatusCancelled),
		CancelledAt: ptr(now.UTC()),
	}
	if reason != "" {
		patch.CancellationReason = &reason
	}

	booking, err = s.transition(ctx, "cancelled", repository.TransitionInput{
		BookingID:    current.ID,
		FromStatuses: []models.BookingStatus{models.StatusConfirmed},
		Patch:        patch,
		Audit: repository.AuditInput{
			Action:      models.ActionCancelled,
			PerformedBy: performedBy,
			Details:     details,
		},
	})
	if err != nil {
		return nil, err
	}

	extra := map[string]string{"reason": reason}
	if refunded, ok := details["refund_amount"].(int64); ok {
		extra["refund_amount"] = notify.FormatCents(refunded)
	}
	s.notifyCustomer(ctx, notify.TemplateBookingCancelled, booking, extra)
	if byCustomer {
		s.notifyAdmin(ctx, notify.TemplateAdminBookingCancelled, booking, extra)
	}
	return booking, nil
}

// refundIfCaptured refunds only when the session is still ahead, an intent
// exists, a deposit was due and the gateway reports money received. Stored
// amounts are not trusted. Failures are recorded and the cancellation goes on.
func (s *BookingService) refundIfCaptured(
	ctx context.Context,
	booking *models.Booking,
	reason string,
	now time.Time,
	details map[string]any,
) {
	paymentIntentID := deref(booking.PaymentIntentID)
	if !booking.StartTime.After(now) || paymentIntentID == "" || booking.DepositAmount <= 0 {
		details["refund_skipped"] = true
		return
	}

	fields := logrus.Fields{"booking_id": booking.ID, "payment_intent_id": paymentIntentID}

	var intent *payments.PaymentIntent
	err := s.callGateway(ctx, "retrieve_payment_intent", func(ctx context.Context) error {
		var callErr error
		intent, callErr = s.gateway.RetrievePaymentIntent(ctx, paymentIntentID)
		return callErr
	})
	if err != nil {
		details["refund_error"] = err.Error()
		s.logger.WithFields(fields).WithError(err).Error("failed to verify payment before refund")
		s.recordFailure(ctx, models.FailureRefund, booking.ID, "", err)
		return
	}
	if intent.AmountReceived <= 0 {
		details["refund_skipped"] = true
		return
	}

	var refund *payments.Refund
	err = s.callGateway(ctx, "create_refund", func(ctx context.Context) error {
		var callErr error
		refund, callErr = s.gateway.CreateRefund(ctx, paymentIntentID, reason)
		return callErr
	})
	if err != nil {
		details["refund_error"] = err.Error()
		s.logger.WithFields(fields).WithError(err).Error("refund failed")
		s.recordFailure(ctx, models.FailureRefund, booking.ID, "", err)
		return
	}

	details["refund_id"] = refund.ID
	details["refund_amount"] = refund.Amount
}

// ChargeRemainder bills the saved card off-session for the balance. A
// decline leaves the booking confirmed and returns the gateway's message.
func (s *BookingService) ChargeRemainder(ctx context.Context, id string, performedBy string) (booking *models.Booking, err error) {
	ctx, span := s.startSpan(ctx, "booking.charge_remainder", id)
	defer func() { endSpan(span, err) }()

	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != models.StatusConfirmed {
		return nil, invalidState("charged", current.Status)
	}
	if current.RemainderAmount <= 0 {
		return nil, validationError("no remainder is due on this booking")
	}
	customerID := deref(current.CustomerID)
	if customerID == "" {
		return nil, validationError("booking has no saved payment customer")
	}

	var charge *payments.Charge
	err = s.callGateway(ctx, "charge_saved_payment_method", func(ctx context.Context) error {
		var callErr error
		charge, callErr = s.gateway.ChargeSavedPaymentMethod(ctx, customerID, current.RemainderAmount, remainderChargeKey(current.ID), map[string]string{
			"booking_id": current.ID,
			"charge":     "remainder",
		})
		return callErr
	})
	if err != nil {
		return nil, gatewayError(err)
	}
	if charge.Status != payments.IntentStatusSucceeded {
		return nil, fmt.Errorf("%w: remainder charge was not completed, payment status: %s", ErrUpstreamGateway, charge.Status)
	}

	booking, err = s.transition(ctx, "charged", repository.TransitionInput{
		BookingID:    current.ID,
		FromStatuses: []models.BookingStatus{models.StatusConfirmed},
		Patch:        repository.BookingPatch{Status: ptr(models.StatusCompleted)},
		Audit: repository.AuditInput{
			Action:      models.ActionRemainderCharged,
			PerformedBy: performedBy,
			Details: map[string]any{
				"payment_intent_id": charge.PaymentIntentID,
				"amount":            current.RemainderAmount,
			},
		},
	})
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"booking_id":        current.ID,
			"payment_intent_id": charge.PaymentIntentID,
			"amount":            current.RemainderAmount,
		}).WithError(err).Error("remainder charged but booking was not completed")
		return nil, err
	}

	s.notifyCustomer(ctx, notify.TemplateRemainderCharged, booking, nil)
	return booking, nil
}

// remainderChargeKey is shared by every attempt to bill a booking's balance,
// so concurrent or retried requests reach the gateway as one charge.
func remainderChargeKey(bookingID string) string {
	return "remainder-" + bookingID
}

// MarkCompleted closes a confirmed session that has ended and owes nothing.
func (s *BookingService) MarkCompleted(ctx context.Context, id string, performedBy string) (booking *models.Booking, err error) {
	ctx, span := s.startSpan(ctx, "booking.mark_completed", id)
	defer func() { endSpan(span, err) }()

	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != models.StatusConfirmed {
		return nil, invalidState("completed", current.Status)
	}
	if current.RemainderAmount > 0 {
		return nil, fmt.Errorf("%w: a remainder of %s is still due", ErrInvalidState, notify.FormatCents(current.RemainderAmount))
	}
	if current.EndTime.After(s.now()) {
		return nil, fmt.Errorf("%w: the session has not ended yet", ErrInvalidState)
	}

	return s.transition(ctx, "completed", repository.TransitionInput{
		BookingID:    current.ID,
		FromStatuses: []models.BookingStatus{models.StatusConfirmed},
		Patch:        repository.BookingPatch{Status: ptr(models.StatusCompleted)},
		Audit: repository.AuditInput{
			Action:      models.ActionCompleted,
			PerformedBy: performedBy,
		},
	})
}

// UpdateStartTime moves a booking to a new slot. The end time follows from
// the unchanged duration.
func (s *BookingService) UpdateStartTime(
	ctx context.Context,
	id string,
	newStart time.Time,
	performedBy string,
) (booking *models.Booking, err error) {
	ctx, span := s.startSpan(ctx, "booking.update_start_time", id)
	defer func() { endSpan(span, err) }()

	if newStart.IsZero() {
		return nil, validationError("start time is required")
	}
	if !newStart.Before(models.TBDPlaceholder) {
		return nil, validationError("start time is out of range")
	}

	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkSlot(ctx, newStart, current.DurationHours, current.ID); err != nil {
		return nil, err
	}

	newStart = newStart.UTC()
	input := repository.TransitionInput{
		BookingID:    current.ID,
		FromStatuses: []models.BookingStatus{current.Status},
		Patch:        repository.BookingPatch{StartTime: &newStart},
		Audit: repository.AuditInput{
			Action:      models.ActionStartTimeUpdated,
			PerformedBy: performedBy,
			Details: map[string]any{
				"old_start_time": current.StartTime.UTC(),
				"new_start_time": newStart,
			},
		},
	}

	dbCtx, cancel := s.dbContext(ctx)
	booking, err = s.store.RescheduleIfAvailable(dbCtx, input, current.DurationHours)
	cancel()
	metrics.RecordTransition(input.Audit.Action, err)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrSlotTaken):
		return nil, fmt.Errorf("%w: the requested time slot is already booked", ErrConflict)
	default:
		return s.reloadAfterStaleWrite(ctx, "rescheduled", current.ID, err)
	}
	s.publish(input.Audit.Action, booking)

	extra := map[string]string{"old_start_time": s.formatTime(current.StartTime)}
	s.notifyCustomer(ctx, notify.TemplateStartTimeUpdated, booking, extra)
	s.notifyAdmin(ctx, notify.TemplateAdminStartTimeUpdated, booking, extra)
	return booking, nil
}

// RescheduleTBD parks a confirmed booking on the placeholder date while a
// new date is agreed with the customer.
func (s *BookingService) RescheduleTBD(ctx context.Context, id string, note string, performedBy string) (booking *models.Booking, err error) {
	ctx, span := s.startSpan(ctx, "booking.reschedule_tbd", id)
	defer func() { endSpan(span, err) }()

	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != models.StatusConfirmed {
		return nil, invalidState("rescheduled to TBD", current.Status)
	}
	if current.IsTBD() {
		return nil, fmt.Errorf("%w: booking is already rescheduled to TBD", ErrInvalidState)
	}

	note = strings.TrimSpace(note)
	adminNote := fmt.Sprintf("[%s] Rescheduled to TBD by %s (was %s)",
		s.now().UTC().Format("2006-01-02"), performedBy, s.formatTime(current.StartTime))
	if note != "" {
		adminNote += ": " + note
	}

	booking, err = s.transition(ctx, "rescheduled to TBD", repository.TransitionInput{
		BookingID:    current.ID,
		FromStatuses: []models.BookingStatus{models.StatusConfirmed},
		Patch: repository.BookingPatch{
			StartTime:       ptr(models.TBDPlaceholder),
			AppendAdminNote: &adminNote,
		},
		Audit: repository.AuditInput{
			Action:      models.ActionRescheduledTBD,
			PerformedBy: performedBy,
			Details: map[string]any{
				"old_start_time": current.StartTime.UTC(),
				"note":           note,
			},
		},
	})
	if err != nil {
		return nil, err
	}

	s.notifyCustomer(ctx, notify.TemplateRescheduledTBD, booking, map[string]string{
		"old_start_time": s.formatTime(current.StartTime),
		"note":           note,
	})
	return booking, nil
}

// RefreshPayment re-reads the payment intent and stores the amount the
// gateway reports as received.
func (s *BookingService) RefreshPayment(ctx context.Context, id string, performedBy string) (booking *models.Booking, err error) {
	ctx, span := s.startSpan(ctx, "booking.refresh_payment", id)
	defer func() { endSpan(span, err) }()

	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return nil, invalidState("refreshed", current.Status)
	}
	paymentIntentID := deref(current.PaymentIntentID)
	if paymentIntentID == "" {
		return nil, validationError("booking has no payment intent")
	}

	var intent *payments.PaymentIntent
	err = s.callGateway(ctx, "retrieve_payment_intent", func(ctx context.Context) error {
		var callErr error
		intent, callErr = s.gateway.RetrievePaymentIntent(ctx, paymentIntentID)
		return callErr
	})
	if err != nil {
		return nil, gatewayError(err)
	}

	return s.transition(ctx, "refreshed", repository.TransitionInput{
		BookingID:    current.ID,
		FromStatuses: []models.BookingStatus{current.Status},
		Patch:        repository.BookingPatch{ActualDepositPaid: ptr(intent.AmountReceived)},
		Audit: repository.AuditInput{
			Action:      models.ActionPaymentRefreshed,
			PerformedBy: performedBy,
			Details: map[string]any{
				"payment_intent_id":     paymentIntentID,
				"intent_status":         intent.Status,
				"amount_received":       intent.AmountReceived,
				"amount_capturable":     intent.AmountCapturable,
				"previous_deposit_paid": current.ActualDepositPaid,
			},
		},
	})
}
