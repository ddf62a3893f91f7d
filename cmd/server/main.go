package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/colemarcuccilli/SweetDreams-sub001/internal/cache"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/config"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/database"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/middleware"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/notify"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/payments"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/repository"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/routes"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/services"
	bookingws "github.com/colemarcuccilli/SweetDreams-sub001/internal/websocket"
	"github.com/colemarcuccilli/SweetDreams-sub001/pkg/obs"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()

	// 1. Load Config
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("failed to load config")
	}
	configureLogger(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := obs.InitTracer(ctx, "studio-bookings", cfg.AppEnv, cfg.OTLPEndpoint)
	if err != nil {
		logger.WithError(err).Fatal("failed to init tracer")
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			logger.WithError(err).Warn("tracer shutdown failed")
		}
	}()

	// 2. Connect to Database
	pool, err := database.Connect(ctx, cfg.DBUrl, cfg.DBTimeout)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to database")
	}
	defer pool.Close()

	bookingRepo := repository.NewBookingRepository(pool)
	failureRepo := repository.NewFailureRepository(pool)

	// 3. Notifications
	sender, closeSender := buildSender(cfg, logger)
	defer closeSender()
	dispatcher := notify.NewDispatcher(sender, failureRepo, logger, cfg.NotifyTimeout)

	hub := bookingws.NewHub(logger)
	go hub.Run(ctx)

	bookingService := services.NewBookingService(services.BookingServiceDeps{
		Store:    bookingRepo,
		Audit:    repository.NewAuditRepository(pool),
		Failures: failureRepo,
		Events:   repository.NewEventRepository(pool),
		Gateway: payments.NewStripeGateway(payments.StripeConfig{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			Currency:      cfg.Currency,
			Timeout:       cfg.GatewayTimeout,
		}),
		Notifier: dispatcher,
		Feed:     hub,
		Logger:   logger,
	}, services.BookingServiceConfig{
		Pricing: services.PricingConfig{
			HourlyRateCents:    cfg.HourlyRateCents,
			SameDayFeeCents:    cfg.SameDayFeeCents,
			AfterHoursFeeCents: cfg.AfterHoursFeeCents,
			MaxDurationHours:   cfg.MaxDurationHours,
			Location:           cfg.Location(),
		},
		AdminEmail:     cfg.PrimaryAdminEmail(),
		PublicBaseURL:  cfg.PublicBaseURL,
		GatewayTimeout: cfg.GatewayTimeout,
		DBTimeout:      cfg.DBTimeout,
	})

	var claimer services.ReminderClaimer = cache.NopClaimer{}
	if cfg.RedisURL != "" {
		redisClient, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Warn("redis unavailable, reminder claims fall back to the database")
		} else {
			defer redisClient.Close()
			claimer = cache.NewRedisClaimer(redisClient)
		}
	}

	// 4. Setup Fiber
	app := fiber.New(fiber.Config{
		BodyLimit: 1 << 20,
	})

	app.Use(cors.New())
	app.Use(fiberlogger.New())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	routes.RegisterRoutes(app, routes.Deps{
		Config:   cfg,
		Bookings: bookingService,
		Identity: middleware.NewJWTProvider(cfg.JWTSecret, cfg.AdminEmails),
		Claimer:  claimer,
		Hub:      hub,
		Logger:   logger,
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.WithError(err).Error("server shutdown failed")
		}
	}()

	// 5. Start Server
	logger.WithField("port", cfg.Port).Info("server starting")
	if err := app.Listen(":" + cfg.Port); err != nil {
		logger.WithError(err).Fatal("server failed to start")
	}
}

func configureLogger(logger *logrus.Logger, cfg *config.Config) {
	if !cfg.IsDevelopment() {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

// buildSender publishes to RabbitMQ when configured so the notifier worker
// does delivery. Without a broker, admin messages go straight to Telegram
// when a bot is configured and everything else is logged.
func buildSender(cfg *config.Config, logger *logrus.Logger) (notify.Sender, func()) {
	if cfg.RabbitURL != "" {
		amqpSender, err := notify.NewAMQPSender(cfg.RabbitURL, cfg.NotifyExchange)
		if err == nil {
			return amqpSender, func() { _ = amqpSender.Close() }
		}
		logger.WithError(err).Warn("rabbitmq unavailable, falling back to direct delivery")
	}

	logSender := notify.NewLogSender(logger)
	if cfg.TelegramToken == "" {
		return logSender, func() {}
	}
	telegram, err := notify.NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID)
	if err != nil {
		logger.WithError(err).Warn("telegram unavailable, admin notifications will be logged")
		return logSender, func() {}
	}
	return notify.NewAudienceRouter(telegram, logSender), func() {}
}
