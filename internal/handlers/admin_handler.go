package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/colemarcuccilli/SweetDreams-sub001/internal/middleware"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/models"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/services"
	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

type AdminHandler struct {
	service adminBookingService
	feed    liveFeed
	logger  *logrus.Logger
}

type adminBookingService interface {
	ListBookings(ctx context.Context, input services.BookingListInput) ([]models.Booking, error)
	GetBookingDetail(ctx context.Context, id string) (*models.BookingDetail, error)
	CreateManualSession(ctx context.Context, input services.ManualSessionInput, performedBy string) (*models.Booking, error)
	Approve(ctx context.Context, id string, performedBy string) (*models.Booking, error)
	Reject(ctx context.Context, id string, reason string, performedBy string) (*models.Booking, error)
	AdminCancel(ctx context.Context, id string, reason string, performedBy string) (*models.Booking, error)
	ChargeRemainder(ctx context.Context, id string, performedBy string) (*models.Booking, error)
	MarkCompleted(ctx context.Context, id string, performedBy string) (*models.Booking, error)
	UpdateStartTime(ctx context.Context, id string, newStart time.Time, performedBy string) (*models.Booking, error)
	RescheduleTBD(ctx context.Context, id string, note string, performedBy string) (*models.Booking, error)
	RefreshPayment(ctx context.Context, id string, performedBy string) (*models.Booking, error)
	ListFailures(ctx context.Context, limit int) ([]models.WebhookFailure, error)
}

type liveFeed interface {
	Serve(conn *websocket.Conn, email string)
}

func NewAdminHandler(service *services.BookingService, feed liveFeed, logger *logrus.Logger) *AdminHandler {
	return &AdminHandler{service: service, feed: feed, logger: logger}
}

type manualSessionRequest struct {
	customerRequest
	StartTime      string `json:"start_time"`
	DurationHours  int    `json:"duration_hours"`
	AdminNotes     string `json:"admin_notes"`
	NotifyCustomer bool   `json:"notify_customer"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type startTimeRequest struct {
	StartTime string `json:"start_time"`
}

type noteRequest struct {
	Note string `json:"note"`
}

func (h *AdminHandler) ListBookings(c *fiber.Ctx) error {
	page, limit, offset := pageParams(c)

	bookings, err := h.service.ListBookings(c.Context(), services.BookingListInput{
		Status:    strings.TrimSpace(c.Query("status")),
		Email:     strings.TrimSpace(c.Query("email")),
		Timeframe: strings.TrimSpace(c.Query("timeframe")),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		return mapBookingError(c, h.logger, err)
	}

	return c.JSON(fiber.Map{
		"bookings":   bookings,
		"pagination": paginationMeta{Page: page, Limit: limit, Count: len(bookings)},
	})
}

func (h *AdminHandler) GetBooking(c *fiber.Ctx) error {
	detail, err := h.service.GetBookingDetail(c.Context(), c.Params("id"))
	if err != nil {
		return mapBookingError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"booking": detail})
}

func (h *AdminHandler) CreateManualSession(c *fiber.Ctx) error {
	var req manualSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	startTime, err := parseStartTime(req.StartTime)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "start_time must be a valid RFC3339 timestamp"})
	}

	booking, err := h.service.CreateManualSession(c.Context(), services.ManualSessionInput{
		Customer:       req.toInput(),
		StartTime:      startTime,
		DurationHours:  req.DurationHours,
		AdminNotes:     req.AdminNotes,
		NotifyCustomer: req.NotifyCustomer,
	}, adminEmail(c))
	if err != nil {
		return mapBookingError(c, h.logger, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"booking": booking})
}

func (h *AdminHandler) Approve(c *fiber.Ctx) error {
	booking, err := h.service.Approve(c.Context(), c.Params("id"), adminEmail(c))
	return h.respond(c, booking, err)
}

func (h *AdminHandler) Reject(c *fiber.Ctx) error {
	var req reasonRequest
	if err := parseOptionalBody(c, &req); err != nil {
		return err
	}
	booking, err := h.service.Reject(c.Context(), c.Params("id"), req.Reason, adminEmail(c))
	return h.respond(c, booking, err)
}

func (h *AdminHandler) Cancel(c *fiber.Ctx) error {
	var req reasonRequest
	if err := parseOptionalBody(c, &req); err != nil {
		return err
	}
	booking, err := h.service.AdminCancel(c.Context(), c.Params("id"), req.Reason, adminEmail(c))
	return h.respond(c, booking, err)
}

func (h *AdminHandler) ChargeRemainder(c *fiber.Ctx) error {
	booking, err := h.service.ChargeRemainder(c.Context(), c.Params("id"), adminEmail(c))
	return h.respond(c, booking, err)
}

func (h *AdminHandler) Complete(c *fiber.Ctx) error {
	booking, err := h.service.MarkCompleted(c.Context(), c.Params("id"), adminEmail(c))
	return h.respond(c, booking, err)
}

func (h *AdminHandler) UpdateStartTime(c *fiber.Ctx) error {
	var req startTimeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	startTime, err := parseStartTime(req.StartTime)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "start_time must be a valid RFC3339 timestamp"})
	}

	booking, err := h.service.UpdateStartTime(c.Context(), c.Params("id"), startTime, adminEmail(c))
	return h.respond(c, booking, err)
}

func (h *AdminHandler) RescheduleTBD(c *fiber.Ctx) error {
	var req noteRequest
	if err := parseOptionalBody(c, &req); err != nil {
		return err
	}
	booking, err := h.service.RescheduleTBD(c.Context(), c.Params("id"), req.Note, adminEmail(c))
	return h.respond(c, booking, err)
}

func (h *AdminHandler) RefreshPayment(c *fiber.Ctx) error {
	booking, err := h.service.RefreshPayment(c.Context(), c.Params("id"), adminEmail(c))
	return h.respond(c, booking, err)
}

func (h *AdminHandler) ListFailures(c *fiber.Ctx) error {
	failures, err := h.service.ListFailures(c.Context(), parsePositiveInt(c.Query("limit"), 50))
	if err != nil {
		return mapBookingError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"failures": failures})
}

// LiveFeedUpgrade runs after AdminRequired and only lets websocket upgrades
// through to LiveFeed.
func (h *AdminHandler) LiveFeedUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{"error": "WebSocket upgrade required"})
	}
	c.Locals("admin_email", adminEmail(c))
	return c.Next()
}

func (h *AdminHandler) LiveFeed(conn *websocket.Conn) {
	email, _ := conn.Locals("admin_email").(string)
	h.feed.Serve(conn, email)
}

func (h *AdminHandler) respond(c *fiber.Ctx, booking *models.Booking, err error) error {
	if err != nil {
		return mapBookingError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"booking": booking})
}

func adminEmail(c *fiber.Ctx) string {
	caller, _ := middleware.CallerFrom(c)
	return caller.Email
}

// parseOptionalBody accepts an empty body. A malformed one is answered with
// 400 and the returned error is what the handler must return.
func parseOptionalBody(c *fiber.Ctx, out any) error {
	if len(c.Body()) == 0 {
		return nil
	}
	if err := c.BodyParser(out); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	return nil
}
