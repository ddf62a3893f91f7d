package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/colemarcuccilli/SweetDreams-sub001/internal/metrics"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/models"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/notify"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/payments"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/repository"
	"github.com/sirupsen/logrus"
)

type CustomerInput struct {
	FirstName  string
	LastName   string
	ArtistName string
	Email      string
	Phone      string
}

type CheckoutInput struct {
	Customer      CustomerInput
	StartTime     time.Time
	DurationHours int
	CouponCode    string
}

type CheckoutResult struct {
	Booking     *models.Booking `json:"booking"`
	CheckoutURL string          `json:"checkout_url"`
}

type ManualSessionInput struct {
	Customer       CustomerInput
	StartTime      time.Time
	DurationHours  int
	AdminNotes     string
	NotifyCustomer bool
}

func (c CustomerInput) normalize() (CustomerInput, error) {
	c.FirstName = strings.TrimSpace(c.FirstName)
	c.LastName = strings.TrimSpace(c.LastName)
	c.ArtistName = strings.TrimSpace(c.ArtistName)
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	c.Phone = strings.TrimSpace(c.Phone)

	if c.FirstName == "" || c.LastName == "" {
		return c, validationError("first and last name are required")
	}
	if c.Email == "" {
		return c, validationError("email is required")
	}
	if _, err := mail.ParseAddress(c.Email); err != nil {
		return c, validationError("email is invalid")
	}
	return c, nil
}

func (c CustomerInput) phone() *string {
	if c.Phone == "" {
		return nil
	}
	return ptr(c.Phone)
}

func (s *BookingService) validateSlot(start time.Time, hours int) error {
	if start.IsZero() {
		return validationError("start time is required")
	}
	if !start.Before(models.TBDPlaceholder) {
		return validationError("start time is out of range")
	}
	if !start.After(s.now()) {
		return validationError("start time must be in the future")
	}
	return s.cfg.Pricing.ValidateDuration(hours)
}

// InitiateCheckout prices the slot, opens a gateway checkout session that
// authorizes the deposit without capturing it, and stores the booking as
// pending_deposit. The slot is checked before the session is created and
// again under the insert lock.
func (s *BookingService) InitiateCheckout(ctx context.Context, input CheckoutInput) (result *CheckoutResult, err error) {
	ctx, span := s.startSpan(ctx, "booking.initiate_checkout", "")
	defer func() { endSpan(span, err) }()

	customer, err := input.Customer.normalize()
	if err != nil {
		return nil, err
	}
	if err := s.validateSlot(input.StartTime, input.DurationHours); err != nil {
		return nil, err
	}
	quote, err := s.cfg.Pricing.Quote(input.StartTime, input.DurationHours, s.now())
	if err != nil {
		return nil, err
	}

	if err := s.checkSlot(ctx, input.StartTime, input.DurationHours, ""); err != nil {
		return nil, err
	}

	bookingID := s.newID()
	couponCode := strings.TrimSpace(input.CouponCode)

	var session *payments.CheckoutSession
	err = s.callGateway(ctx, "create_checkout_session", func(ctx context.Context) error {
		var callErr error
		session, callErr = s.gateway.CreateCheckoutSession(ctx, payments.CheckoutSessionInput{
			LineItems: checkoutLineItems(quote, input.DurationHours),
			Customer: payments.Customer{
				Email: customer.Email,
				Name:  customer.FirstName + " " + customer.LastName,
				Phone: customer.Phone,
			},
			Metadata: map[string]string{
				"booking_id":     bookingID,
				"duration_hours": strconv.Itoa(input.DurationHours),
				"start_time":     input.StartTime.UTC().Format(time.RFC3339),
			},
			CouponCode: couponCode,
			SuccessURL: s.cfg.PublicBaseURL + "/booking/success?session_id={CHECKOUT_SESSION_ID}",
			CancelURL:  s.cfg.PublicBaseURL + "/booking?cancelled=true",
		})
		return callErr
	})
	if err != nil {
		if errors.Is(err, payments.ErrUnknownCoupon) {
			return nil, validationError("coupon code %q is not valid", couponCode)
		}
		return nil, gatewayError(err)
	}

	createInput := repository.CreateBookingInput{
		ID:                  bookingID,
		FirstName:           customer.FirstName,
		LastName:            customer.LastName,
		ArtistName:          customer.ArtistName,
		Email:               customer.Email,
		Phone:               customer.phone(),
		StartTime:           input.StartTime.UTC(),
		DurationHours:       input.DurationHours,
		DepositAmount:       quote.DepositAmount,
		TotalAmount:         quote.TotalAmount,
		SameDayFee:          quote.SameDayFee,
		SameDayFeeAmount:    quote.SameDayFeeAmount,
		AfterHoursFee:       quote.AfterHoursFee,
		AfterHoursFeeAmount: quote.AfterHoursFeeAmount,
		CheckoutSessionID:   ptr(session.ID),
		Status:              models.StatusPendingDeposit,
	}
	if couponCode != "" {
		createInput.CouponCode = ptr(couponCode)
	}

	booking, err := s.create(ctx, createInput, repository.AuditInput{
		Action:      models.ActionCheckoutCreated,
		PerformedBy: customer.Email,
		Details: map[string]any{
			"checkout_session_id": session.ID,
			"deposit_amount":      quote.DepositAmount,
			"total_amount":        quote.TotalAmount,
			"coupon_code":         couponCode,
		},
	})
	if err != nil {
		s.expireSession(ctx, bookingID, session.ID)
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"booking_id":          booking.ID,
		"checkout_session_id": session.ID,
		"start_time":          booking.StartTime,
	}).Info("checkout initiated")

	return &CheckoutResult{Booking: booking, CheckoutURL: session.URL}, nil
}

// CreateManualSession books a confirmed, zero-payment session on behalf of
// a customer.
func (s *BookingService) CreateManualSession(
	ctx context.Context,
	input ManualSessionInput,
	performedBy string,
) (booking *models.Booking, err error) {
	ctx, span := s.startSpan(ctx, "booking.create_manual_session", "")
	defer func() { endSpan(span, err) }()

	customer, err := input.Customer.normalize()
	if err != nil {
		return nil, err
	}
	if err := s.validateSlot(input.StartTime, input.DurationHours); err != nil {
		return nil, err
	}
	if err := s.checkSlot(ctx, input.StartTime, input.DurationHours, ""); err != nil {
		return nil, err
	}

	booking, err = s.create(ctx, repository.CreateBookingInput{
		ID:            s.newID(),
		FirstName:     customer.FirstName,
		LastName:      customer.LastName,
		ArtistName:    customer.ArtistName,
		Email:         customer.Email,
		Phone:         customer.phone(),
		StartTime:     input.StartTime.UTC(),
		DurationHours: input.DurationHours,
		Status:        models.StatusConfirmed,
		ApprovedAt:    ptr(s.now().UTC()),
		AdminNotes:    strings.TrimSpace(input.AdminNotes),
	}, repository.AuditInput{
		Action:      models.ActionAdminSessionCreated,
		PerformedBy: performedBy,
		Details: map[string]any{
			"start_time":     input.StartTime.UTC(),
			"duration_hours": input.DurationHours,
		},
	})
	if err != nil {
		return nil, err
	}

	if input.NotifyCustomer {
		s.notifyCustomer(ctx, notify.TemplateManualSessionCreated, booking, nil)
	}
	return booking, nil
}

func (s *BookingService) checkSlot(ctx context.Context, start time.Time, hours int, excludedID string) error {
	dbCtx, cancel := s.dbContext(ctx)
	defer cancel()
	return s.guard.Check(dbCtx, start, hours, excludedID)
}

func (s *BookingService) create(
	ctx context.Context,
	input repository.CreateBookingInput,
	audit repository.AuditInput,
) (*models.Booking, error) {
	dbCtx, cancel := s.dbContext(ctx)
	defer cancel()

	booking, err := s.store.CreateIfAvailable(dbCtx, input, audit)
	metrics.RecordTransition(audit.Action, err)
	if err != nil {
		if errors.Is(err, repository.ErrSlotTaken) {
			return nil, fmt.Errorf("%w: the requested time slot is already booked", ErrConflict)
		}
		return nil, persistenceError(err)
	}
	s.publish(audit.Action, booking)
	return booking, nil
}

// expireSession closes a checkout session whose booking row was never
// written, so the customer cannot pay for a slot we did not hold.
func (s *BookingService) expireSession(ctx context.Context, bookingID string, sessionID string) {
	err := s.callGateway(ctx, "expire_checkout_session", func(ctx context.Context) error {
		return s.gateway.ExpireCheckoutSession(ctx, sessionID)
	})
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"booking_id":          bookingID,
			"checkout_session_id": sessionID,
		}).WithError(err).Warn("failed to expire checkout session")
	}
}

func checkoutLineItems(quote Quote, hours int) []payments.LineItem {
	items := []payments.LineItem{{
		Name:   fmt.Sprintf("Studio session deposit (%d hr)", hours),
		Amount: quote.BaseDeposit,
	}}
	if hours == 1 {
		items[0].Name = "Studio session (1 hr)"
	}
	if quote.SameDayFee {
		items = append(items, payments.LineItem{Name: "Same-day booking fee", Amount: quote.SameDayFeeAmount})
	}
	if quote.AfterHoursFee {
		items = append(items, payments.LineItem{Name: "After-hours fee", Amount: quote.AfterHoursFeeAmount})
	}
	return items
}
