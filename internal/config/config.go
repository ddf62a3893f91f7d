package config

import (
	"fmt"
	"log"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port     string `envconfig:"PORT" default:"8080"`
	DBUrl    string `envconfig:"DB_URL" required:"true"`
	AppEnv   string `envconfig:"APP_ENV" default:"production"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	JWTSecret   string   `envconfig:"JWT_SECRET" required:"true"`
	AdminEmails []string `envconfig:"ADMIN_EMAILS"`
	CronSecret  string   `envconfig:"CRON_SECRET" required:"true"`

	StripeSecretKey     string `envconfig:"STRIPE_SECRET_KEY" required:"true"`
	StripeWebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET" required:"true"`
	Currency            string `envconfig:"CURRENCY" default:"usd"`
	PublicBaseURL       string `envconfig:"PUBLIC_BASE_URL" default:"http://localhost:3000"`

	StudioTimezone     string `envconfig:"STUDIO_TIMEZONE" default:"America/Indiana/Indianapolis"`
	HourlyRateCents    int64  `envconfig:"HOURLY_RATE_CENTS" default:"5000"`
	SameDayFeeCents    int64  `envconfig:"SAME_DAY_FEE_CENTS" default:"2000"`
	AfterHoursFeeCents int64  `envconfig:"AFTER_HOURS_FEE_CENTS" default:"2500"`
	MaxDurationHours   int    `envconfig:"MAX_DURATION_HOURS" default:"6"`

	GatewayTimeout time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"15s"`
	NotifyTimeout  time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"10s"`
	DBTimeout      time.Duration `envconfig:"DB_TIMEOUT" default:"5s"`
	JobTimeout     time.Duration `envconfig:"JOB_TIMEOUT" default:"2m"`

	RedisURL       string `envconfig:"REDIS_URL"`
	RabbitURL      string `envconfig:"RABBIT_URL"`
	NotifyExchange string `envconfig:"NOTIFY_EXCHANGE" default:"studio.notifications"`
	NotifyQueue    string `envconfig:"NOTIFY_QUEUE" default:"studio.notifications.q"`
	TelegramToken  string `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID int64  `envconfig:"TELEGRAM_CHAT_ID"`

	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	cfg.AppEnv = normalizeEnv(cfg.AppEnv)
	cfg.AdminEmails = normalizeEmails(cfg.AdminEmails)
	if cfg.MaxDurationHours < 1 {
		return nil, fmt.Errorf("MAX_DURATION_HOURS must be at least 1")
	}
	if _, err := time.LoadLocation(cfg.StudioTimezone); err != nil {
		return nil, fmt.Errorf("STUDIO_TIMEZONE: %w", err)
	}
	return &cfg, nil
}

// NotifierConfig is the subset the queue worker needs.
type NotifierConfig struct {
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	RabbitURL      string `envconfig:"RABBIT_URL" required:"true"`
	NotifyExchange string `envconfig:"NOTIFY_EXCHANGE" default:"studio.notifications"`
	NotifyQueue    string `envconfig:"NOTIFY_QUEUE" default:"studio.notifications.q"`
	TelegramToken  string `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID int64  `envconfig:"TELEGRAM_CHAT_ID"`
}

func LoadNotifierConfig() (*NotifierConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	var cfg NotifierConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load notifier config: %w", err)
	}
	return &cfg, nil
}

// PrimaryAdminEmail receives admin notifications.
func (c *Config) PrimaryAdminEmail() string {
	if c == nil || len(c.AdminEmails) == 0 {
		return ""
	}
	return c.AdminEmails[0]
}

func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.StudioTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) IsDevelopment() bool {
	return c != nil && c.AppEnv == "development"
}

func normalizeEmails(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value != "" {
			out = append(out, value)
		}
	}
	return out
}

func normalizeEnv(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "dev", "develop", "development", "local":
		return "development"
	case "prod", "production":
		return "production"
	case "stage", "staging":
		return "staging"
	case "test", "testing":
		return "test"
	default:
		return strings.ToLower(strings.TrimSpace(value))
	}
}
