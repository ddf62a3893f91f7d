package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/colemarcuccilli/SweetDreams-sub001/internal/middleware"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/models"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

type BookingHandler struct {
	service customerBookingService
	logger  *logrus.Logger
}

type customerBookingService interface {
	InitiateCheckout(ctx context.Context, input services.CheckoutInput) (*services.CheckoutResult, error)
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	GetBookingForCustomer(ctx context.Context, id string, callerEmail string) (*models.Booking, error)
	CustomerCancel(ctx context.Context, id string, reason string, callerEmail string) (*models.Booking, error)
}

func NewBookingHandler(service *services.BookingService, logger *logrus.Logger) *BookingHandler {
	return &BookingHandler{service: service, logger: logger}
}

type customerRequest struct {
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	ArtistName string `json:"artist_name"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
}

func (r customerRequest) toInput() services.CustomerInput {
	return services.CustomerInput{
		FirstName:  r.FirstName,
		LastName:   r.LastName,
		ArtistName: r.ArtistName,
		Email:      r.Email,
		Phone:      r.Phone,
	}
}

type checkoutRequest struct {
	customerRequest
	StartTime     string `json:"start_time"`
	DurationHours int    `json:"duration_hours"`
	CouponCode    string `json:"coupon_code"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *BookingHandler) Checkout(c *fiber.Ctx) error {
	var req checkoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	startTime, err := parseStartTime(req.StartTime)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "start_time must be a valid RFC3339 timestamp"})
	}

	result, err := h.service.InitiateCheckout(c.Context(), services.CheckoutInput{
		Customer:      req.toInput(),
		StartTime:     startTime,
		DurationHours: req.DurationHours,
		CouponCode:    req.CouponCode,
	})
	if err != nil {
		return mapBookingError(c, h.logger, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"booking":      result.Booking,
		"checkout_url": result.CheckoutURL,
	})
}

// GetBooking serves the booking to its own customer, or to any admin.
func (h *BookingHandler) GetBooking(c *fiber.Ctx) error {
	caller, ok := middleware.CallerFrom(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	var (
		booking *models.Booking
		err     error
	)
	if caller.IsAdmin {
		booking, err = h.service.GetBooking(c.Context(), c.Params("id"))
	} else {
		booking, err = h.service.GetBookingForCustomer(c.Context(), c.Params("id"), caller.Email)
	}
	if err != nil {
		return mapBookingError(c, h.logger, err)
	}

	return c.JSON(fiber.Map{"booking": booking})
}

func (h *BookingHandler) Cancel(c *fiber.Ctx) error {
	caller, ok := middleware.CallerFrom(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	var req cancelRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
	}

	booking, err := h.service.CustomerCancel(c.Context(), c.Params("id"), req.Reason, caller.Email)
	if err != nil {
		return mapBookingError(c, h.logger, err)
	}

	return c.JSON(fiber.Map{"booking": booking})
}

func parseStartTime(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339, strings.TrimSpace(raw))
}
