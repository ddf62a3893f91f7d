package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/colemarcuccilli/SweetDreams-sub001/internal/config"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/notify"
	"github.com/sirupsen/logrus"
)

// The notifier drains the notification queue that the API server publishes to.
func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.LoadNotifierConfig()
	if err != nil {
		logger.WithError(err).Fatal("failed to load config")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	var admin notify.Sender = notify.NewLogSender(logger)
	if cfg.TelegramToken != "" {
		telegram, err := notify.NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			logger.WithError(err).Fatal("failed to init telegram sender")
		}
		admin = telegram
	}

	worker := notify.NewWorker(notify.WorkerConfig{
		RabbitURL: cfg.RabbitURL,
		Exchange:  cfg.NotifyExchange,
		Queue:     cfg.NotifyQueue,
		DLXName:   cfg.NotifyExchange + ".dlx",
		DLXQueue:  cfg.NotifyQueue + ".dead",
		Consumer:  "studio-notifier",
	}, notify.NewAudienceRouter(admin, notify.NewLogSender(logger)), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithField("queue", cfg.NotifyQueue).Info("notifier started")
	if err := worker.Serve(ctx); err != nil {
		logger.WithError(err).Error("notifier stopped with error")
	}
	logger.Info("notifier stopped")
}
