package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/colemarcuccilli/SweetDreams-sub001/internal/models"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/notify"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/payments"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitiateCheckoutCreatesPendingDeposit(t *testing.T) {
	h := newTestHarness(t)
	start := testNow.Add(48 * time.Hour)

	result, err := h.service.InitiateCheckout(context.Background(), CheckoutInput{
		Customer:      testCustomer(),
		StartTime:     start,
		DurationHours: 2,
	})
	require.NoError(t, err)

	booking := result.Booking
	assert.Equal(t, models.StatusPendingDeposit, booking.Status)
	assert.Equal(t, "ada@example.com", booking.Email)
	assert.True(t, booking.EndTime.Equal(start.Add(2*time.Hour)))
	assert.Equal(t, int64(5000), booking.DepositAmount)
	assert.Equal(t, int64(10000), booking.TotalAmount)
	assert.Equal(t, int64(5000), booking.RemainderAmount)
	assert.Nil(t, booking.PaymentIntentID)
	require.NotNil(t, booking.CheckoutSessionID)
	assert.Equal(t, "https://checkout.test/"+*booking.CheckoutSessionID, result.CheckoutURL)
	assert.Equal(t, []string{models.ActionCheckoutCreated}, h.store.auditActions(booking.ID))
	assert.Equal(t, []string{models.ActionCheckoutCreated}, h.feed.actions)
}

func TestInitiateCheckoutOneHourHasNoRemainder(t *testing.T) {
	h := newTestHarness(t)

	result, err := h.service.InitiateCheckout(context.Background(), CheckoutInput{
		Customer:      testCustomer(),
		StartTime:     testNow.Add(48 * time.Hour),
		DurationHours: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), result.Booking.DepositAmount)
	assert.Equal(t, result.Booking.TotalAmount, result.Booking.DepositAmount)
	assert.Zero(t, result.Booking.RemainderAmount)
}

func TestInitiateCheckoutRejectsIdenticalStart(t *testing.T) {
	h := newTestHarness(t)
	input := CheckoutInput{
		Customer:      testCustomer(),
		StartTime:     testNow.Add(72 * time.Hour),
		DurationHours: 2,
	}

	_, err := h.service.InitiateCheckout(context.Background(), input)
	require.NoError(t, err)

	_, err = h.service.InitiateCheckout(context.Background(), input)
	require.ErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), "already booked")
}

func TestInitiateCheckoutRejectsOverlappingInterval(t *testing.T) {
	h := newTestHarness(t)
	day := time.Date(2030, time.March, 14, 0, 0, 0, 0, time.UTC)

	_, err := h.service.InitiateCheckout(context.Background(), CheckoutInput{
		Customer:      testCustomer(),
		StartTime:     day.Add(14 * time.Hour),
		DurationHours: 3,
	})
	require.NoError(t, err)

	_, err = h.service.InitiateCheckout(context.Background(), CheckoutInput{
		Customer:      testCustomer(),
		StartTime:     day.Add(15 * time.Hour),
		DurationHours: 1,
	})
	require.ErrorIs(t, err, ErrConflict)

	_, err = h.service.InitiateCheckout(context.Background(), CheckoutInput{
		Customer:      testCustomer(),
		StartTime:     day.Add(17 * time.Hour),
		DurationHours: 1,
	})
	require.NoError(t, err, "a session starting when the previous one ends must fit")
}

func TestInitiateCheckoutCancelledBookingFreesSlot(t *testing.T) {
	h := newTestHarness(t)
	start := testNow.Add(96 * time.Hour)
	seedBooking(h, models.StatusCancelled, start, 2)

	_, err := h.service.InitiateCheckout(context.Background(), CheckoutInput{
		Customer:      testCustomer(),
		StartTime:     start,
		DurationHours: 2,
	})
	require.NoError(t, err)
}

func TestInitiateCheckoutValidation(t *testing.T) {
	h := newTestHarness(t)

	tests := []struct {
		name  string
		input CheckoutInput
	}{
		{
			name:  "start in the past",
			input: CheckoutInput{Customer: testCustomer(), StartTime: testNow.Add(-time.Hour), DurationHours: 1},
		},
		{
			name:  "duration too long",
			input: CheckoutInput{Customer: testCustomer(), StartTime: testNow.Add(48 * time.Hour), DurationHours: 7},
		},
		{
			name:  "zero duration",
			input: CheckoutInput{Customer: testCustomer(), StartTime: testNow.Add(48 * time.Hour)},
		},
		{
			name: "invalid email",
			input: CheckoutInput{
				Customer:      CustomerInput{FirstName: "Ada", LastName: "Lovelace", Email: "not-an-email"},
				StartTime:     testNow.Add(48 * time.Hour),
				DurationHours: 1,
			},
		},
		{
			name: "missing name",
			input: CheckoutInput{
				Customer:      CustomerInput{Email: "ada@example.com"},
				StartTime:     testNow.Add(48 * time.Hour),
				DurationHours: 1,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.service.InitiateCheckout(context.Background(), tt.input)
			require.ErrorIs(t, err, ErrValidation)
		})
	}
	assert.Empty(t, h.store.bookings)
}

func TestInitiateCheckoutUnknownCoupon(t *testing.T) {
	h := newTestHarness(t)
	h.gateway.createSessionErr = &payments.GatewayError{Op: "lookup_promotion_code", Err: payments.ErrUnknownCoupon}

	_, err := h.service.InitiateCheckout(context.Background(), CheckoutInput{
		Customer:      testCustomer(),
		StartTime:     testNow.Add(48 * time.Hour),
		DurationHours: 1,
		CouponCode:    "NOPE",
	})
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), `"NOPE"`)
}

func TestInitiateCheckoutGatewayFailure(t *testing.T) {
	h := newTestHarness(t)
	h.gateway.createSessionErr = &payments.GatewayError{Op: "create_checkout_session", Message: "Invalid API Key provided"}

	_, err := h.service.InitiateCheckout(context.Background(), CheckoutInput{
		Customer:      testCustomer(),
		StartTime:     testNow.Add(48 * time.Hour),
		DurationHours: 1,
	})
	require.ErrorIs(t, err, ErrUpstreamGateway)
	assert.Contains(t, err.Error(), "Invalid API Key provided")
	assert.Empty(t, h.store.bookings)
}

func TestInitiateCheckoutExpiresSessionWhenInsertFails(t *testing.T) {
	h := newTestHarness(t)
	h.store.failErr = errors.New("connection reset")

	_, err := h.service.InitiateCheckout(context.Background(), CheckoutInput{
		Customer:      testCustomer(),
		StartTime:     testNow.Add(48 * time.Hour),
		DurationHours: 1,
	})
	require.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, []string{"cs_test_1"}, h.gateway.expired)
}

func TestCreateManualSession(t *testing.T) {
	h := newTestHarness(t)
	start := testNow.Add(24 * time.Hour)

	booking, err := h.service.CreateManualSession(context.Background(), ManualSessionInput{
		Customer:       testCustomer(),
		StartTime:      start,
		DurationHours:  3,
		AdminNotes:     "walk-in regular",
		NotifyCustomer: true,
	}, "studio@example.com")
	require.NoError(t, err)

	assert.Equal(t, models.StatusConfirmed, booking.Status)
	assert.NotNil(t, booking.ApprovedAt)
	assert.Zero(t, booking.TotalAmount)
	assert.Zero(t, booking.RemainderAmount)
	assert.True(t, booking.EndTime.Equal(start.Add(3*time.Hour)))
	assert.Equal(t, []string{models.ActionAdminSessionCreated}, h.store.auditActions(booking.ID))
	assert.Equal(t, 1, h.notifier.count(notify.TemplateManualSessionCreated))

	_, err = h.service.CreateManualSession(context.Background(), ManualSessionInput{
		Customer:      testCustomer(),
		StartTime:     start.Add(time.Hour),
		DurationHours: 1,
	}, "studio@example.com")
	require.ErrorIs(t, err, ErrConflict)
}

func TestDepositApproveChargeEndToEnd(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	result, err := h.service.InitiateCheckout(ctx, CheckoutInput{
		Customer:      testCustomer(),
		StartTime:     testNow.Add(48 * time.Hour),
		DurationHours: 2,
	})
	require.NoError(t, err)
	require.Equal(t, int64(5000), result.Booking.DepositAmount)
	require.Equal(t, int64(10000), result.Booking.TotalAmount)
	sessionID := *result.Booking.CheckoutSessionID

	h.gateway.completeSession(sessionID, "pi_123", 5000)
	h.gateway.addEvent("evt_1", payments.Event{ID: "evt_1", Type: payments.EventCheckoutSessionCompleted, ObjectID: sessionID})

	webhook, err := h.service.HandleGatewayWebhook(ctx, []byte("evt_1"), "valid")
	require.NoError(t, err)
	assert.Equal(t, WebhookOutcomeApplied, webhook.Outcome)
	assert.Equal(t, result.Booking.ID, webhook.BookingID)

	booking := h.store.get(result.Booking.ID)
	assert.Equal(t, models.StatusPendingApproval, booking.Status)
	assert.Equal(t, "pi_123", *booking.PaymentIntentID)
	assert.Equal(t, "cus_test", *booking.CustomerID)
	assert.Equal(t, []string{models.ActionCheckoutCreated, models.ActionPaymentAuthorized}, h.store.auditActions(booking.ID))
	assert.Equal(t, 1, h.notifier.count(notify.TemplateAdminApprovalRequest))

	approved, err := h.service.Approve(ctx, booking.ID, "studio@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, approved.Status)
	require.NotNil(t, approved.ApprovedAt)
	assert.Equal(t, int64(5000), approved.RemainderAmount)
	assert.Equal(t, int64(5000), approved.ActualDepositPaid)
	assert.Equal(t, []string{"pi_123"}, h.gateway.captured)
	assert.Equal(t, 1, h.notifier.count(notify.TemplateBookingConfirmed))

	completed, err := h.service.ChargeRemainder(ctx, booking.ID, "studio@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, completed.Status)
	assert.Equal(t, []int64{5000}, h.gateway.charged)
	assert.Equal(t, []string{
		models.ActionCheckoutCreated,
		models.ActionPaymentAuthorized,
		models.ActionApproved,
		models.ActionRemainderCharged,
	}, h.store.auditActions(booking.ID))
	assert.True(t, completed.EndTime.Equal(completed.StartTime.Add(2*time.Hour)))
}

func TestRejectEndToEnd(t *testing.T) {
	h := newTestHarness(t)
	booking := seedBooking(h, models.StatusPendingApproval, testNow.Add(72*time.Hour), 2, withPaymentIntent("pi_456"))
	h.gateway.setIntent(payments.PaymentIntent{ID: "pi_456", Status: payments.IntentStatusRequiresCapture, AmountCapturable: 5000})

	rejected, err := h.service.Reject(context.Background(), booking.ID, "scheduling conflict", "studio@example.com")
	require.NoError(t, err)

	assert.Equal(t, models.StatusRejected, rejected.Status)
	require.NotNil(t, rejected.RejectedReason)
	assert.Equal(t, "scheduling conflict", *rejected.RejectedReason)
	assert.NotNil(t, rejected.RejectedAt)
	assert.Equal(t, []string{"pi_456"}, h.gateway.canceled)
	assert.Empty(t, h.gateway.captured)
	assert.Equal(t, 1, h.notifier.count(notify.TemplateBookingRejected))
}

func TestRejectReleasesSlot(t *testing.T) {
	h := newTestHarness(t)
	start := testNow.Add(72 * time.Hour)
	booking := seedBooking(h, models.StatusPendingApproval, start, 2, withPaymentIntent("pi_slot"))
	h.gateway.setIntent(payments.PaymentIntent{ID: "pi_slot", Status: payments.IntentStatusRequiresCapture, AmountCapturable: 5000})

	_, err := h.service.InitiateCheckout(context.Background(), CheckoutInput{
		Customer:      testCustomer(),
		StartTime:     start,
		DurationHours: 2,
	})
	require.ErrorIs(t, err, ErrConflict)

	_, err = h.service.Reject(context.Background(), booking.ID, "double booked", "studio@example.com")
	require.NoError(t, err)

	_, err = h.service.InitiateCheckout(context.Background(), CheckoutInput{
		Customer:      testCustomer(),
		StartTime:     start,
		DurationHours: 2,
	})
	require.NoError(t, err, "a rejected request must not keep the interval blocked")
}

func TestRejectContinuesWhenCancelFails(t *testing.T) {
	h := newTestHarness(t)
	booking := seedBooking(h, models.StatusPendingApproval, testNow.Add(72*time.Hour), 2, withPaymentIntent("pi_789"))
	h.gateway.cancelErr = &payments.GatewayError{Op: "cancel_payment_intent", Message: "network down"}

	rejected, err := h.service.Reject(context.Background(), booking.ID, "", "studio@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, rejected.Status)
	assert.Nil(t, rejected.RejectedReason)
	assert.Equal(t, []string{models.FailurePaymentCancel}, h.failures.types())
}

func TestApproveAndRejectRequirePendingApproval(t *testing.T) {
	h := newTestHarness(t)
	booking := seedBooking(h, models.StatusConfirmed, testNow.Add(72*time.Hour), 2, withPaymentIntent("pi_1"))

	_, err := h.service.Approve(context.Background(), booking.ID, "studio@example.com")
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Contains(t, err.Error(), "current status: confirmed")

	_, err = h.service.Reject(context.Background(), booking.ID, "nope", "studio@example.com")
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Contains(t, err.Error(), "booking cannot be rejected, current status: confirmed")

	after := h.store.get(booking.ID)
	assert.Equal(t, booking.Status, after.Status)
	assert.Equal(t, booking.UpdatedAt, after.UpdatedAt)
	assert.Empty(t, h.store.auditActions(booking.ID))
	assert.Empty(t, h.gateway.captured)
	assert.Empty(t, h.gateway.canceled)
}

func TestApproveCaptureFailureLeavesBookingPending(t *testing.T) {
	h := newTestHarness(t)
	booking := seedBooking(h, models.StatusPendingApproval, testNow.Add(72*time.Hour), 2, withPaymentIntent("pi_2"))
	h.gateway.setIntent(payments.PaymentIntent{ID: "pi_2", Status: payments.IntentStatusRequiresCapture, AmountCapturable: 5000})
	h.gateway.captureErr = &payments.GatewayError{Op: "capture_payment_intent", Message: "authorization expired"}

	_, err := h.service.Approve(context.Background(), booking.ID, "studio@example.com")
	require.ErrorIs(t, err, ErrUpstreamGateway)
	assert.Contains(t, err.Error(), "authorization expired")
	assert.Equal(t, models.StatusPendingApproval, h.store.get(booking.ID).Status)
}

func TestApproveSkipsCaptureWhenAlreadySucceeded(t *testing.T) {
	h := newTestHarness(t)
	booking := seedBooking(h, models.StatusPendingApproval, testNow.Add(72*time.Hour), 2, withPaymentIntent("pi_3"))
	h.gateway.setIntent(payments.PaymentIntent{ID: "pi_3", Status: payments.IntentStatusSucceeded, AmountReceived: 5000})

	approved, err := h.service.Approve(context.Background(), booking.ID, "studio@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, approved.Status)
	assert.Equal(t, int64(5000), approved.ActualDepositPaid)
	assert.Empty(t, h.gateway.captured)
}

func TestCustomerCancelTwentyFourHourBoundary(t *testing.T) {
	h := newTestHarness(t)
	soon := seedBooking(h, models.StatusConfirmed, testNow.Add(10*time.Hour), 2)
	later := seedBooking(h, models.StatusConfirmed, testNow.Add(30*time.Hour), 2)

	_, err := h.service.CustomerCancel(context.Background(), soon.ID, "", "ada@example.com")
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Contains(t, err.Error(), "24 hours")
	assert.Equal(t, models.StatusConfirmed, h.store.get(soon.ID).Status)

	cancelled, err := h.service.CustomerCancel(context.Background(), later.ID, "band broke up", "ADA@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CancelledAt)
	assert.Equal(t, 1, h.notifier.count(notify.TemplateBookingCancelled))
	assert.Equal(t, 1, h.notifier.count(notify.TemplateAdminBookingCancelled))
}

func TestCustomerCancelForbiddenForOtherCustomer(t *testing.T) {
	h := newTestHarness(t)
	booking := seedBooking(h, models.StatusConfirmed, testNow.Add(72*time.Hour), 2)

	_, err := h.service.CustomerCancel(context.Background(), booking.ID, "", "mallory@example.com")
	require.ErrorIs(t, err, ErrForbidden)
}

func TestAdminCancelRefundsCapturedDeposit(t *testing.T) {
	h := newTestHarness(t)
	booking := seedBooking(h, models.StatusConfirmed, testNow.Add(5*time.Hour), 2, withPaymentIntent("pi_4"))
	h.gateway.setIntent(payments.PaymentIntent{ID: "pi_4", Status: payments.IntentStatusSucceeded, AmountReceived: 5000})

	cancelled, err := h.service.AdminCancel(context.Background(), booking.ID, "studio flooded", "studio@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.Equal(t, []string{"pi_4"}, h.gateway.refunded)

	detail, err := h.service.GetBookingDetail(context.Background(), booking.ID)
	require.NoError(t, err)
	require.Len(t, detail.AuditLog, 1)
	assert.Equal(t, int64(5000), detail.AuditLog[0].Details["refund_amount"])
}

func TestAdminCancelRecordsRefundFailure(t *testing.T) {
	h := newTestHarness(t)
	booking := seedBooking(h, models.StatusConfirmed, testNow.Add(5*time.Hour), 2, withPaymentIntent("pi_5"))
	h.gateway.setIntent(payments.PaymentIntent{ID: "pi_5", Status: payments.IntentStatusSucceeded, AmountReceived: 5000})
	h.gateway.refundErr = &payments.GatewayError{Op: "create_refund", Message: "charge already refunded"}

	cancelled, err := h.service.AdminCancel(context.Background(), booking.ID, "", "studio@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.Equal(t, []string{models.FailureRefund}, h.failures.types())
}

func TestAdminCancelSkipsRefundWhenNothingReceived(t *testing.T) {
	h := newTestHarness(t)
	booking := seedBooking(h, models.StatusConfirmed, testNow.Add(5*time.Hour), 2, withPaymentIntent("pi_6"))
	h.gateway.setIntent(payments.PaymentIntent{ID: "pi_6", Status: payments.IntentStatusCanceled})

	_, err := h.service.AdminCancel(context.Background(), booking.ID, "", "studio@example.com")
	require.NoError(t, err)
	assert.Empty(t, h.gateway.refunded)
}

func TestChargeRemainderDeclineKeepsBookingConfirmed(t *testing.T) {
	h := newTestHarness(t)
	booking := seedBooking(h, models.StatusConfirmed, testNow.Add(-3*time.Hour), 2, withPaymentIntent("pi_7"))
	h.gateway.chargeErr = &payments.GatewayError{Op: "charge_saved_payment_method", Message: "Your card was declined.", DeclineCode: "insufficient_funds"}

	_, err := h.service.ChargeRemainder(context.Background(), booking.ID, "studio@example.com")
	require.ErrorIs(t, err, ErrUpstreamGateway)
	assert.Contains(t, err.Error(), "Your card was declined.")
	assert.Equal(t, models.StatusConfirmed, h.store.get(booking.ID).Status)
}

func TestChargeRemainderConcurrentRequestsChargeOnce(t *testing.T) {
	h := newTestHarness(t)
	booking := seedBooking(h, models.StatusConfirmed, testNow.Add(-3*time.Hour), 2, withPaymentIntent("pi_8"))

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.service.ChargeRemainder(context.Background(), booking.ID, "studio@example.com"); err == nil {
				mu.Lock()
				completed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, completed)
	assert.Equal(t, []int64{booking.RemainderAmount}, h.gateway.charged)
	for _, key := range h.gateway.chargeKeys {
		assert.Equal(t, "remainder-"+booking.ID, key)
	}
	assert.Equal(t, models.StatusCompleted, h.store.get(booking.ID).Status)
	assert.Equal(t, []string{models.ActionRemainderCharged}, h.store.auditActions(booking.ID))
}

func TestChargeRemainderRetryAfterDeclineReusesKey(t *testing.T) {
	h := newTestHarness(t)
	booking := seedBooking(h, models.StatusConfirmed, testNow.Add(-3*time.Hour), 2, withPaymentIntent("pi_9"))
	h.gateway.chargeErr = &payments.GatewayError{Op: "charge_saved_payment_method", Message: "Your card was declined."}

	_, err := h.service.ChargeRemainder(context.Background(), booking.ID, "studio@example.com")
	require.ErrorIs(t, err, ErrUpstreamGateway)

	h.gateway.chargeErr = nil
	completed, err := h.service.ChargeRemainder(context.Background(), booking.ID, "studio@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, completed.Status)
	assert.Len(t, h.gateway.charged, 1)
	require.Len(t, h.gateway.chargeKeys, 2)
	assert.Equal(t, h.gateway.chargeKeys[0], h.gateway.chargeKeys[1])
}

func TestChargeRemainderRequiresBalance(t *testing.T) {
	h := newTestHarness(t)
	booking := seedBooking(h, models.StatusConfirmed, testNow.Add(-3*time.Hour), 1, withPaymentIntent("pi_8"))

	_, err := h.service.ChargeRemainder(context.Background(), booking.ID, "studio@example.com")
	require.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, h.gateway.charged)
}

func TestMarkCompleted(t *testing.T) {
	h := newTestHarness(t)
	ended := seedBooking(h, models.StatusConfirmed, testNow.Add(-3*time.Hour), 1)
	upcoming := seedBooking(h, models.StatusConfirmed, testNow.Add(3*time.Hour), 1)
	owing := seedBooking(h, models.StatusConfirmed, testNow.Add(-6*time.Hour), 2)

	completed, err := h.service.MarkCompleted(context.Background(), ended.ID, "studio@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, completed.Status)

	_, err = h.service.MarkCompleted(context.Background(), upcoming.ID, "studio@example.com")
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = h.service.MarkCompleted(context.Background(), owing.ID, "studio@example.com")
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Contains(t, err.Error(), "$50.00")
}

func TestUpdateStartTime(t *testing.T) {
	h := newTestHarness(t)
	booking := seedBooking(h, models.StatusConfirmed, testNow.Add(48*time.Hour), 2)
	other := seedBooking(h, models.StatusPendingApproval, testNow.Add(72*time.Hour), 2)

	_, err := h.service.UpdateStartTime(context.Background(), booking.ID, other.StartTime.Add(time.Hour), "studio@example.com")
	require.ErrorIs(t, err, ErrConflict)

	newStart := testNow.Add(96 * time.Hour)
	updated, err := h.service.UpdateStartTime(context.Background(), booking.ID, newStart, "studio@example.com")
	require.NoError(t, err)
	assert.True(t, updated.StartTime.Equal(newStart))
	assert.True(t, updated.EndTime.Equal(newStart.Add(2*time.Hour)))
	assert.Equal(t, models.StatusConfirmed, updated.Status)
	assert.Equal(t, []string{models.ActionStartTimeUpdated}, h.store.auditActions(booking.ID))
	assert.Equal(t, 1, h.notifier.count(notify.TemplateStartTimeUpdated))
	assert.Equal(t, 1, h.notifier.count(notify.TemplateAdminStartTimeUpdated))

	// Moving within its own current window does not conflict with itself.
	_, err = h.service.UpdateStartTime(context.Background(), booking.ID, newStart.Add(time.Hour), "studio@example.com")
	require.NoError(t, err)
}

func TestRescheduleTBDFreesSlot(t *testing.T) {
	h := newTestHarness(t)
	start := testNow.Add(48 * time.Hour)
	booking := seedBooking(h, models.StatusConfirmed, start, 2)

	parked, err := h.service.RescheduleTBD(context.Background(), booking.ID, "artist is sick", "studio@example.com")
	require.NoError(t, err)
	assert.True(t, parked.IsTBD())
	assert.True(t, parked.EndTime.Equal(models.TBDPlaceholder.Add(2*time.Hour)))
	assert.Contains(t, parked.AdminNotes, "Rescheduled to TBD by studio@example.com")
	assert.Contains(t, parked.AdminNotes, "artist is sick")
	assert.Equal(t, 1, h.notifier.count(notify.TemplateRescheduledTBD))

	_, err = h.service.RescheduleTBD(context.Background(), booking.ID, "", "studio@example.com")
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = h.service.InitiateCheckout(context.Background(), CheckoutInput{
		Customer:      testCustomer(),
		StartTime:     start,
		DurationHours: 2,
	})
	require.NoError(t, err)
}

func TestRefreshPayment(t *testing.T) {
	h := newTestHarness(t)
	booking := seedBooking(h, models.StatusConfirmed, testNow.Add(48*time.Hour), 2, withPaymentIntent("pi_9"))
	h.gateway.setIntent(payments.PaymentIntent{ID: "pi_9", Status: payments.IntentStatusSucceeded, AmountReceived: 5000})

	refreshed, err := h.service.RefreshPayment(context.Background(), booking.ID, "studio@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), refreshed.ActualDepositPaid)
	assert.Equal(t, []string{models.ActionPaymentRefreshed}, h.store.auditActions(booking.ID))

	terminal := seedBooking(h, models.StatusRejected, testNow.Add(48*time.Hour), 2, withPaymentIntent("pi_9"))
	_, err = h.service.RefreshPayment(context.Background(), terminal.ID, "studio@example.com")
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestGetBookingForCustomer(t *testing.T) {
	h := newTestHarness(t)
	booking := seedBooking(h, models.StatusConfirmed, testNow.Add(48*time.Hour), 2)

	got, err := h.service.GetBookingForCustomer(context.Background(), booking.ID, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, booking.ID, got.ID)

	_, err = h.service.GetBookingForCustomer(context.Background(), booking.ID, "eve@example.com")
	require.ErrorIs(t, err, ErrForbidden)

	_, err = h.service.GetBooking(context.Background(), "not-a-uuid")
	require.ErrorIs(t, err, ErrValidation)

	_, err = h.service.GetBooking(context.Background(), uuidFor(9999))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListBookingsValidatesFilters(t *testing.T) {
	h := newTestHarness(t)
	seedBooking(h, models.StatusConfirmed, testNow.Add(48*time.Hour), 2)
	seedBooking(h, models.StatusRejected, testNow.Add(72*time.Hour), 2)

	bookings, err := h.service.ListBookings(context.Background(), BookingListInput{Status: "confirmed"})
	require.NoError(t, err)
	assert.Len(t, bookings, 1)

	_, err = h.service.ListBookings(context.Background(), BookingListInput{Status: "lost"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = h.service.ListBookings(context.Background(), BookingListInput{Timeframe: "someday"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestRemainderInvariants(t *testing.T) {
	tests := []struct {
		total, deposit int64
		hours          int
		want           int64
	}{
		{total: 10000, deposit: 5000, hours: 2, want: 5000},
		{total: 5000, deposit: 5000, hours: 1, want: 0},
		{total: 7000, deposit: 7000, hours: 1, want: 0},
		{total: 3000, deposit: 5000, hours: 3, want: 0},
	}
	for _, tt := range tests {
		got := models.Remainder(tt.total, tt.deposit, tt.hours)
		assert.Equal(t, tt.want, got)
		assert.GreaterOrEqual(t, got, int64(0))
	}
}
