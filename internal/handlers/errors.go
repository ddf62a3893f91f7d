package handlers

import (
	"errors"

	"github.com/colemarcuccilli/SweetDreams-sub001/internal/payments"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// mapBookingError turns a service error into the HTTP response. Gateway
// messages such as card declines are passed through as the gateway wrote them.
func mapBookingError(c *fiber.Ctx, logger *logrus.Logger, err error) error {
	switch {
	case errors.Is(err, services.ErrValidation), errors.Is(err, services.ErrWebhookSignature):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, services.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	case errors.Is(err, services.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Booking not found"})
	case errors.Is(err, services.ErrConflict):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, services.ErrInvalidState):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, services.ErrUpstreamGateway):
		body := fiber.Map{"error": err.Error()}
		var gatewayErr *payments.GatewayError
		if errors.As(err, &gatewayErr) {
			body["error"] = gatewayErr.Error()
			if gatewayErr.Code != "" {
				body["code"] = gatewayErr.Code
			}
			if gatewayErr.DeclineCode != "" {
				body["decline_code"] = gatewayErr.DeclineCode
			}
		}
		return c.Status(fiber.StatusBadGateway).JSON(body)
	default:
		logger.WithFields(logrus.Fields{
			"method": c.Method(),
			"path":   c.Path(),
		}).WithError(err).Error("booking request failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to process booking request"})
	}
}
