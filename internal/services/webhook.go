package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/colemarcuccilli/SweetDreams-sub001/internal/metrics"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/models"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/notify"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/payments"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
)

const (
	WebhookOutcomeApplied   = "applied"
	WebhookOutcomeDuplicate = "duplicate"
	WebhookOutcomeIgnored   = "ignored"
	WebhookOutcomeDeleted   = "deleted"
)

type WebhookResult struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	BookingID string `json:"booking_id,omitempty"`
	Outcome   string `json:"outcome"`
}

// HandleGatewayWebhook verifies the signature over the raw body and then
// applies the event. Only a missing booking or a storage failure is
// returned as an error, so the gateway retries those and nothing else.
func (s *BookingService) HandleGatewayWebhook(ctx context.Context, payload []byte, signature string) (result *WebhookResult, err error) {
	ctx, span := s.startSpan(ctx, "booking.webhook", "")
	defer func() { endSpan(span, err) }()

	event, err := s.gateway.ParseWebhookEvent(payload, signature)
	if err != nil {
		metrics.RecordWebhookEvent("unknown", "invalid_signature")
		return nil, fmt.Errorf("%w: %v", ErrWebhookSignature, err)
	}

	switch event.Type {
	case payments.EventCheckoutSessionCompleted:
		result, err = s.applyCheckoutCompleted(ctx, event)
	case payments.EventCheckoutSessionExpired:
		result, err = s.applyCheckoutExpired(ctx, event)
	default:
		result = &WebhookResult{Outcome: WebhookOutcomeIgnored}
	}

	outcome := "error"
	if result != nil {
		result.EventID = event.ID
		result.EventType = event.Type
		outcome = result.Outcome
	}
	metrics.RecordWebhookEvent(event.Type, outcome)
	return result, err
}

func (s *BookingService) applyCheckoutCompleted(ctx context.Context, event *payments.Event) (*WebhookResult, error) {
	fields := logrus.Fields{"event_id": event.ID, "checkout_session_id": event.ObjectID}

	processed, err := s.isProcessed(ctx, event.ID)
	if err != nil {
		return nil, err
	}
	if processed {
		return &WebhookResult{Outcome: WebhookOutcomeDuplicate}, nil
	}

	booking, err := s.bookingForSession(ctx, event.ObjectID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.logger.WithFields(fields).Warn("webhook for unknown checkout session")
			s.recordFailure(ctx, models.FailureBookingNotFound, "", event.ID,
				fmt.Errorf("no booking for checkout session %s", event.ObjectID))
		}
		return nil, err
	}
	fields["booking_id"] = booking.ID
	result := &WebhookResult{BookingID: booking.ID}

	var session *payments.SessionDetails
	err = s.callGateway(ctx, "retrieve_checkout_session", func(ctx context.Context) error {
		var callErr error
		session, callErr = s.gateway.RetrieveSession(ctx, event.ObjectID)
		return callErr
	})
	if err != nil {
		s.recordFailure(ctx, models.FailureWebhookHandling, booking.ID, event.ID, err)
		return nil, gatewayError(err)
	}

	if booking.Status != models.StatusPendingDeposit {
		return s.settleReplay(ctx, event, booking, session.PaymentIntentID, result)
	}

	authorized, err := s.verifyAuthorization(ctx, session)
	if err != nil {
		s.recordFailure(ctx, models.FailureWebhookHandling, booking.ID, event.ID, err)
		return nil, gatewayError(err)
	}
	if !authorized {
		s.logger.WithFields(fields).Warn("checkout completed without an authorized payment")
		s.recordFailure(ctx, models.FailureWebhookHandling, booking.ID, event.ID,
			fmt.Errorf("checkout completed without authorized payment, payment status: %s", session.PaymentStatus))
		result.Outcome = WebhookOutcomeIgnored
		return result, s.markProcessed(ctx, event, booking.ID)
	}

	patch := repository.BookingPatch{
		Status:         ptr(models.StatusPendingApproval),
		DiscountAmount: ptr(session.DiscountAmount),
	}
	if session.PaymentIntentID != "" {
		patch.PaymentIntentID = ptr(session.PaymentIntentID)
	}
	if session.CustomerID != "" {
		patch.CustomerID = ptr(session.CustomerID)
	}
	if session.CouponCode != "" {
		patch.CouponCode = ptr(session.CouponCode)
	}

	dbCtx, cancel := s.dbContext(ctx)
	updated, err := s.store.Transition(dbCtx, repository.TransitionInput{
		BookingID:    booking.ID,
		FromStatuses: []models.BookingStatus{models.StatusPendingDeposit},
		Patch:        patch,
		Audit: repository.AuditInput{
			Action:      models.ActionPaymentAuthorized,
			PerformedBy: models.PerformedByWebhook,
			Details: map[string]any{
				"event_id":          event.ID,
				"payment_intent_id": session.PaymentIntentID,
				"payment_status":    session.PaymentStatus,
				"discount_amount":   session.DiscountAmount,
			},
		},
	})
	cancel()
	metrics.RecordTransition(models.ActionPaymentAuthorized, err)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, persistenceError(err)
		}
		// A concurrent delivery of the same checkout won the update.
		current, loadErr := s.load(ctx, booking.ID)
		if loadErr != nil {
			return nil, loadErr
		}
		return s.settleReplay(ctx, event, current, session.PaymentIntentID, result)
	}

	// The transition is committed from here on. A retry would only settle as
	// a duplicate, so a ledger failure must not skip the admin notice.
	s.publish(models.ActionPaymentAuthorized, updated)
	s.logger.WithFields(fields).Info("deposit authorized, awaiting approval")
	s.notifyAdmin(ctx, notify.TemplateAdminApprovalRequest, updated, nil)

	if err := s.markProcessed(ctx, event, updated.ID); err != nil {
		s.logger.WithFields(fields).WithError(err).Error("failed to record processed event after authorization")
	}
	result.Outcome = WebhookOutcomeApplied
	return result, nil
}

// settleReplay acknowledges an event for a booking that already left
// pending_deposit. The same intent means a redelivery. Anything else is
// recorded for triage and acknowledged so the gateway stops retrying.
func (s *BookingService) settleReplay(
	ctx context.Context,
	event *payments.Event,
	booking *models.Booking,
	paymentIntentID string,
	result *WebhookResult,
) (*WebhookResult, error) {
	result.Outcome = WebhookOutcomeDuplicate
	if deref(booking.PaymentIntentID) != paymentIntentID {
		result.Outcome = WebhookOutcomeIgnored
		s.recordFailure(ctx, models.FailureWebhookHandling, booking.ID, event.ID,
			fmt.Errorf("checkout completed for booking in status %s with a different payment intent", booking.Status))
	}
	if err := s.markProcessed(ctx, event, booking.ID); err != nil {
		return nil, err
	}
	return result, nil
}

// verifyAuthorization asks the gateway whether the deposit is actually held.
// Fully discounted checkouts have no intent and need no payment.
func (s *BookingService) verifyAuthorization(ctx context.Context, session *payments.SessionDetails) (bool, error) {
	if session.PaymentIntentID == "" {
		return session.PaymentStatus == payments.SessionPaymentStatusNoPaymentRequired ||
			session.PaymentStatus == payments.SessionPaymentStatusPaid, nil
	}

	var intent *payments.PaymentIntent
	err := s.callGateway(ctx, "retrieve_payment_intent", func(ctx context.Context) error {
		var callErr error
		intent, callErr = s.gateway.RetrievePaymentIntent(ctx, session.PaymentIntentID)
		return callErr
	})
	if err != nil {
		return false, err
	}
	return intent.Status == payments.IntentStatusRequiresCapture ||
		intent.Status == payments.IntentStatusSucceeded, nil
}

// applyCheckoutExpired frees the slot held by a checkout the customer never
// finished.
func (s *BookingService) applyCheckoutExpired(ctx context.Context, event *payments.Event) (*WebhookResult, error) {
	booking, err := s.bookingForSession(ctx, event.ObjectID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &WebhookResult{Outcome: WebhookOutcomeIgnored}, nil
		}
		return nil, err
	}

	dbCtx, cancel := s.dbContext(ctx)
	deleted, err := s.store.DeleteAbandoned(dbCtx, booking.ID)
	cancel()
	if err != nil {
		return nil, persistenceError(err)
	}
	if !deleted {
		return &WebhookResult{BookingID: booking.ID, Outcome: WebhookOutcomeIgnored}, nil
	}

	s.logger.WithFields(logrus.Fields{
		"booking_id":          booking.ID,
		"checkout_session_id": event.ObjectID,
	}).Info("expired checkout released its slot")
	return &WebhookResult{BookingID: booking.ID, Outcome: WebhookOutcomeDeleted}, nil
}

func (s *BookingService) bookingForSession(ctx context.Context, sessionID string) (*models.Booking, error) {
	if sessionID == "" {
		return nil, ErrNotFound
	}
	dbCtx, cancel := s.dbContext(ctx)
	defer cancel()
	booking, err := s.store.GetByCheckoutSessionID(dbCtx, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, persistenceError(err)
	}
	return booking, nil
}

func (s *BookingService) isProcessed(ctx context.Context, eventID string) (bool, error) {
	if s.events == nil || eventID == "" {
		return false, nil
	}
	dbCtx, cancel := s.dbContext(ctx)
	defer cancel()
	processed, err := s.events.IsProcessed(dbCtx, eventID)
	if err != nil {
		return false, persistenceError(err)
	}
	return processed, nil
}

func (s *BookingService) markProcessed(ctx context.Context, event *payments.Event, bookingID string) error {
	if s.events == nil || event.ID == "" {
		return nil
	}
	dbCtx, cancel := s.dbContext(ctx)
	defer cancel()
	if err := s.events.MarkProcessed(dbCtx, event.ID, event.Type, bookingID); err != nil {
		return persistenceError(err)
	}
	return nil
}
