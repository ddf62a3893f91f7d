package routes

import (
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/config"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/handlers"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/middleware"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/services"
	bookingws "github.com/colemarcuccilli/SweetDreams-sub001/internal/websocket"
	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

type Deps struct {
	Config   *config.Config
	Bookings *services.BookingService
	Identity middleware.IdentityProvider
	Claimer  services.ReminderClaimer
	Hub      *bookingws.Hub
	Logger   *logrus.Logger
}

func RegisterRoutes(app *fiber.App, deps Deps) {
	bookingHandler := handlers.NewBookingHandler(deps.Bookings, deps.Logger)
	adminHandler := handlers.NewAdminHandler(deps.Bookings, deps.Hub, deps.Logger)
	webhookHandler := handlers.NewWebhookHandler(deps.Bookings, deps.Logger)
	cronHandler := handlers.NewCronHandler(deps.Bookings, deps.Claimer, deps.Config.JobTimeout, deps.Logger)

	api := app.Group("/api")

	api.Post("/bookings/checkout", bookingHandler.Checkout)
	api.Post("/webhooks/stripe", webhookHandler.Stripe)

	authProtected := api.Group("/v1", middleware.AuthRequired(deps.Identity))

	bookings := authProtected.Group("/bookings")
	bookings.Get("/:id", bookingHandler.GetBooking)
	bookings.Post("/:id/cancel", bookingHandler.Cancel)

	admin := authProtected.Group("/admin", middleware.AdminRequired())
	admin.Get("/webhook-failures", adminHandler.ListFailures)
	admin.Get("/ws", adminHandler.LiveFeedUpgrade, websocket.New(adminHandler.LiveFeed))

	adminBookings := admin.Group("/bookings")
	adminBookings.Get("", adminHandler.ListBookings)
	adminBookings.Post("/manual", adminHandler.CreateManualSession)
	adminBookings.Get("/:id", adminHandler.GetBooking)
	adminBookings.Post("/:id/approve", adminHandler.Approve)
	adminBookings.Post("/:id/reject", adminHandler.Reject)
	adminBookings.Post("/:id/cancel", adminHandler.Cancel)
	adminBookings.Post("/:id/charge-remainder", adminHandler.ChargeRemainder)
	adminBookings.Post("/:id/complete", adminHandler.Complete)
	adminBookings.Put("/:id/start-time", adminHandler.UpdateStartTime)
	adminBookings.Post("/:id/reschedule-tbd", adminHandler.RescheduleTBD)
	adminBookings.Post("/:id/refresh-payment", adminHandler.RefreshPayment)

	cron := api.Group("/cron", middleware.CronSecretRequired(deps.Config.CronSecret))
	cron.Post("/cleanup-abandoned", cronHandler.CleanupAbandoned)
	cron.Post("/send-reminders", cronHandler.SendReminders)
}
