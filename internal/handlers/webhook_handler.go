package handlers

import (
	"context"

	"github.com/colemarcuccilli/SweetDreams-sub001/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

type WebhookHandler struct {
	service gatewayWebhookService
	logger  *logrus.Logger
}

type gatewayWebhookService interface {
	HandleGatewayWebhook(ctx context.Context, payload []byte, signature string) (*services.WebhookResult, error)
}

func NewWebhookHandler(service *services.BookingService, logger *logrus.Logger) *WebhookHandler {
	return &WebhookHandler{service: service, logger: logger}
}

// Stripe answers anything but 2xx with a retry, so only errors that a later
// delivery could fix are surfaced as failures.
func (h *WebhookHandler) Stripe(c *fiber.Ctx) error {
	signature := c.Get("Stripe-Signature")
	if signature == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing Stripe-Signature header"})
	}

	// Body is only valid for the lifetime of the handler.
	payload := append([]byte(nil), c.Body()...)

	result, err := h.service.HandleGatewayWebhook(c.Context(), payload, signature)
	if err != nil {
		return mapBookingError(c, h.logger, err)
	}

	return c.JSON(fiber.Map{
		"received":   true,
		"event_id":   result.EventID,
		"event_type": result.EventType,
		"booking_id": result.BookingID,
		"outcome":    result.Outcome,
	})
}
