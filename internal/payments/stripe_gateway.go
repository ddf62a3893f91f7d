package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// checkoutSessionTTL is the shortest expiry the gateway accepts. The
// abandoned-checkout sweep expires sessions earlier than this.
const checkoutSessionTTL = 31 * time.Minute

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Currency      string
	Timeout       time.Duration
}

type StripeGateway struct {
	api           *client.API
	webhookSecret string
	currency      string
}

func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}

	httpClient := &http.Client{Timeout: timeout}
	return newStripeGateway(cfg, currency, stripe.NewBackends(httpClient))
}

func newStripeGateway(cfg StripeConfig, currency string, backends *stripe.Backends) *StripeGateway {
	return &StripeGateway{
		api:           client.New(cfg.SecretKey, backends),
		webhookSecret: cfg.WebhookSecret,
		currency:      currency,
	}
}

func (g *StripeGateway) CreateCheckoutSession(
	ctx context.Context,
	input CheckoutSessionInput,
) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:             stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:       stripe.String(input.SuccessURL),
		CancelURL:        stripe.String(input.CancelURL),
		CustomerEmail:    stripe.String(input.Customer.Email),
		CustomerCreation: stripe.String(string(stripe.CheckoutSessionCustomerCreationAlways)),
		ExpiresAt:        stripe.Int64(time.Now().Add(checkoutSessionTTL).Unix()),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			CaptureMethod:    stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
			SetupFutureUsage: stripe.String(string(stripe.PaymentIntentSetupFutureUsageOffSession)),
			Metadata:         input.Metadata,
		},
	}
	params.Context = ctx
	for key, value := range input.Metadata {
		params.AddMetadata(key, value)
	}

	for _, item := range input.LineItems {
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(g.currency),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(item.Name),
				},
				UnitAmount: stripe.Int64(item.Amount),
			},
			Quantity: stripe.Int64(1),
		})
	}

	if code := strings.TrimSpace(input.CouponCode); code != "" {
		promotionCodeID, err := g.lookupPromotionCode(ctx, code)
		if err != nil {
			return nil, err
		}
		params.Discounts = []*stripe.CheckoutSessionDiscountParams{
			{PromotionCode: stripe.String(promotionCodeID)},
		}
		params.AddMetadata("coupon_code", code)
	} else {
		params.AllowPromotionCodes = stripe.Bool(true)
	}

	session, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, wrapStripeError("create checkout session", err)
	}
	return &CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

func (g *StripeGateway) lookupPromotionCode(ctx context.Context, code string) (string, error) {
	params := &stripe.PromotionCodeListParams{
		Code:   stripe.String(code),
		Active: stripe.Bool(true),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(1)

	iter := g.api.PromotionCodes.List(params)
	for iter.Next() {
		return iter.PromotionCode().ID, nil
	}
	if err := iter.Err(); err != nil {
		return "", wrapStripeError("lookup promotion code", err)
	}
	return "", ErrUnknownCoupon
}

func (g *StripeGateway) ExpireCheckoutSession(ctx context.Context, sessionID string) error {
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	if _, err := g.api.CheckoutSessions.Expire(sessionID, params); err != nil {
		return wrapStripeError("expire checkout session", err)
	}
	return nil
}

func (g *StripeGateway) RetrieveSession(ctx context.Context, sessionID string) (*SessionDetails, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	session, err := g.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return nil, wrapStripeError("retrieve checkout session", err)
	}

	details := &SessionDetails{
		ID:            session.ID,
		Status:        string(session.Status),
		PaymentStatus: string(session.PaymentStatus),
		Metadata:      session.Metadata,
	}
	if session.PaymentIntent != nil {
		details.PaymentIntentID = session.PaymentIntent.ID
	}
	if session.Customer != nil {
		details.CustomerID = session.Customer.ID
	}
	if session.TotalDetails != nil {
		details.DiscountAmount = session.TotalDetails.AmountDiscount
	}
	if session.Metadata != nil {
		details.CouponCode = session.Metadata["coupon_code"]
	}
	return details, nil
}

func (g *StripeGateway) RetrievePaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	intent, err := g.api.PaymentIntents.Get(paymentIntentID, params)
	if err != nil {
		return nil, wrapStripeError("retrieve payment intent", err)
	}
	return toPaymentIntent(intent), nil
}

func (g *StripeGateway) CapturePaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx

	intent, err := g.api.PaymentIntents.Capture(paymentIntentID, params)
	if err != nil {
		return nil, wrapStripeError("capture payment intent", err)
	}
	return toPaymentIntent(intent), nil
}

func (g *StripeGateway) CancelPaymentIntent(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx

	if _, err := g.api.PaymentIntents.Cancel(paymentIntentID, params); err != nil {
		return wrapStripeError("cancel payment intent", err)
	}
	return nil
}

func (g *StripeGateway) CreateRefund(ctx context.Context, paymentIntentID string, reason string) (*Refund, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentIntentID),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	if reason != "" {
		params.AddMetadata("reason", reason)
	}

	refund, err := g.api.Refunds.New(params)
	if err != nil {
		return nil, wrapStripeError("create refund", err)
	}
	return &Refund{ID: refund.ID, Amount: refund.Amount, Status: string(refund.Status)}, nil
}

func (g *StripeGateway) ChargeSavedPaymentMethod(
	ctx context.Context,
	customerID string,
	amount int64,
	idempotencyKey string,
	metadata map[string]string,
) (*Charge, error) {
	listParams := &stripe.PaymentMethodListParams{
		Customer: stripe.String(customerID),
		Type:     stripe.String(string(stripe.PaymentMethodTypeCard)),
	}
	listParams.Context = ctx
	listParams.Limit = stripe.Int64(1)

	var paymentMethodID string
	iter := g.api.PaymentMethods.List(listParams)
	for iter.Next() {
		paymentMethodID = iter.PaymentMethod().ID
		break
	}
	if err := iter.Err(); err != nil {
		return nil, wrapStripeError("list payment methods", err)
	}
	if paymentMethodID == "" {
		return nil, &GatewayError{Op: "charge saved payment method", Err: ErrNoSavedCard, Message: ErrNoSavedCard.Error()}
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(g.currency),
		Customer:      stripe.String(customerID),
		PaymentMethod: stripe.String(paymentMethodID),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
	}
	params.Context = ctx
	// Stripe replays the stored response for a reused key, declines included,
	// so the card is part of the key and a newly saved card can be retried.
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey + "-" + paymentMethodID)
	}
	for key, value := range metadata {
		params.AddMetadata(key, value)
	}

	intent, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, wrapStripeError("charge saved payment method", err)
	}
	return &Charge{
		PaymentIntentID: intent.ID,
		Status:          string(intent.Status),
		Amount:          intent.AmountReceived,
	}, nil
}

// ParseWebhookEvent verifies the signature over the raw body before
// anything is decoded.
func (g *StripeGateway) ParseWebhookEvent(payload []byte, signatureHeader string) (*Event, error) {
	event, err := webhook.ConstructEventWithOptions(
		payload,
		signatureHeader,
		g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	parsed := &Event{ID: event.ID, Type: string(event.Type)}
	if event.Data != nil && len(event.Data.Raw) > 0 {
		var object struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(event.Data.Raw, &object); err != nil {
			return nil, fmt.Errorf("decode event object: %w", err)
		}
		parsed.ObjectID = object.ID
	}
	return parsed, nil
}

func toPaymentIntent(intent *stripe.PaymentIntent) *PaymentIntent {
	return &PaymentIntent{
		ID:               intent.ID,
		Status:           string(intent.Status),
		Amount:           intent.Amount,
		AmountCapturable: intent.AmountCapturable,
		AmountReceived:   intent.AmountReceived,
	}
}

func wrapStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return &GatewayError{
			Op:          op,
			Message:     stripeErr.Msg,
			Code:        string(stripeErr.Code),
			DeclineCode: string(stripeErr.DeclineCode),
			Err:         err,
		}
	}
	return &GatewayError{Op: op, Err: err}
}
