// Package payments wraps the card payment gateway used for deposits,
// authorization holds, captures, refunds and off-session remainder charges.
package payments

import (
	"context"
	"errors"
)

const (
	SessionPaymentStatusPaid              = "paid"
	SessionPaymentStatusUnpaid            = "unpaid"
	SessionPaymentStatusNoPaymentRequired = "no_payment_required"

	SessionStatusOpen     = "open"
	SessionStatusComplete = "complete"
	SessionStatusExpired  = "expired"

	IntentStatusRequiresCapture = "requires_capture"
	IntentStatusSucceeded       = "succeeded"
	IntentStatusCanceled        = "canceled"

	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventCheckoutSessionExpired   = "checkout.session.expired"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrUnknownCoupon    = errors.New("unknown or inactive coupon code")
	ErrNoSavedCard      = errors.New("customer has no saved card")
)

// GatewayError carries the gateway's own message so callers can show it
// unchanged.
type GatewayError struct {
	Op          string
	Message     string
	Code        string
	DeclineCode string
	Err         error
}

func (e *GatewayError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + ": gateway error"
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

type LineItem struct {
	Name   string
	Amount int64
}

type Customer struct {
	Email string
	Name  string
	Phone string
}

type CheckoutSessionInput struct {
	LineItems  []LineItem
	Customer   Customer
	Metadata   map[string]string
	CouponCode string
	SuccessURL string
	CancelURL  string
}

type CheckoutSession struct {
	ID  string
	URL string
}

type SessionDetails struct {
	ID              string
	Status          string
	PaymentIntentID string
	CustomerID      string
	PaymentStatus   string
	DiscountAmount  int64
	CouponCode      string
	Metadata        map[string]string
}

type PaymentIntent struct {
	ID               string
	Status           string
	Amount           int64
	AmountCapturable int64
	AmountReceived   int64
}

type Refund struct {
	ID     string
	Amount int64
	Status string
}

type Charge struct {
	PaymentIntentID string
	Status          string
	Amount          int64
}

// Event is a verified gateway webhook event. ObjectID is the id of the
// object the event is about (the checkout session for checkout events).
type Event struct {
	ID       string
	Type     string
	ObjectID string
}

type Gateway interface {
	CreateCheckoutSession(ctx context.Context, input CheckoutSessionInput) (*CheckoutSession, error)
	ExpireCheckoutSession(ctx context.Context, sessionID string) error
	RetrieveSession(ctx context.Context, sessionID string) (*SessionDetails, error)
	RetrievePaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error)
	CapturePaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error)
	CancelPaymentIntent(ctx context.Context, paymentIntentID string) error
	CreateRefund(ctx context.Context, paymentIntentID string, reason string) (*Refund, error)
	// ChargeSavedPaymentMethod charges the customer's saved card off-session.
	// Calls sharing an idempotency key against the same card produce one charge.
	ChargeSavedPaymentMethod(ctx context.Context, customerID string, amount int64, idempotencyKey string, metadata map[string]string) (*Charge, error)
	ParseWebhookEvent(payload []byte, signatureHeader string) (*Event, error)
}
