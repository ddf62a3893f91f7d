package handlers

import (
	"context"
	"time"

	"github.com/colemarcuccilli/SweetDreams-sub001/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

type CronHandler struct {
	service reconciliationService
	claimer services.ReminderClaimer
	timeout time.Duration
	logger  *logrus.Logger
}

type reconciliationService interface {
	CleanupAbandoned(ctx context.Context) (services.CleanupResult, error)
	SendReminders(ctx context.Context, claimer services.ReminderClaimer) (services.ReminderResult, error)
}

func NewCronHandler(
	service *services.BookingService,
	claimer services.ReminderClaimer,
	timeout time.Duration,
	logger *logrus.Logger,
) *CronHandler {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &CronHandler{service: service, claimer: claimer, timeout: timeout, logger: logger}
}

func (h *CronHandler) CleanupAbandoned(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), h.timeout)
	defer cancel()

	result, err := h.service.CleanupAbandoned(ctx)
	if err != nil {
		h.logger.WithError(err).Error("abandoned booking cleanup failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Cleanup failed"})
	}

	return c.JSON(fiber.Map{
		"deleted": result.Deleted,
		"skipped": result.Skipped,
		"errors":  result.Errors,
	})
}

func (h *CronHandler) SendReminders(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), h.timeout)
	defer cancel()

	result, err := h.service.SendReminders(ctx, h.claimer)
	if err != nil {
		h.logger.WithError(err).Error("session reminder run failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Reminder run failed"})
	}

	return c.JSON(fiber.Map{
		"sent":    result.Sent,
		"skipped": result.Skipped,
		"errors":  result.Errors,
	})
}
