package main

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config is loaded from the environment, after an optional .env file.
type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"json"`

	// DatabaseURL selects Postgres. Empty keeps state in memory.
	DatabaseURL string `env:"DATABASE_URL"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"false"`

	// FirestoreProjectID selects Firestore. It cannot be combined with
	// DATABASE_URL.
	FirestoreProjectID        string `env:"FIRESTORE_PROJECT_ID"`
	FirestoreCollectionPrefix string `env:"FIRESTORE_COLLECTION_PREFIX" envDefault:"entitlement_"`

	// RedisURL selects the Redis task queue. Empty queues in memory.
	RedisURL       string `env:"REDIS_URL"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"goentitle:queue:"`

	AMQPURL      string `env:"AMQP_URL"`
	AMQPExchange string `env:"AMQP_EXCHANGE" envDefault:"entitlement.changes"`

	AdminToken       string `env:"ADMIN_TOKEN"`
	UserIDHeader     string `env:"USER_ID_HEADER" envDefault:"X-User-ID"`
	MetricsNamespace string `env:"METRICS_NAMESPACE" envDefault:"goentitle"`

	Stripe     StripeConfig     `envPrefix:"STRIPE_"`
	RevenueCat RevenueCatConfig `envPrefix:"REVENUECAT_"`
	Worker     WorkerConfig     `envPrefix:"WORKER_"`
	Sweep      SweepConfig      `envPrefix:"SWEEP_"`
	Discounts  DiscountsConfig  `envPrefix:"DISCOUNT_"`
}

type StripeConfig struct {
	APIKey              string            `env:"API_KEY"`
	WebhookSecret       string            `env:"WEBHOOK_SECRET"`
	Prices              map[string]string `env:"PRICES"` // plan:price_id,...
	AllowPromotionCodes bool              `env:"ALLOW_PROMOTION_CODES" envDefault:"true"`
}

type RevenueCatConfig struct {
	APIKey        string   `env:"API_KEY"`
	WebhookSecret string   `env:"WEBHOOK_SECRET"`
	EnableHMAC    bool     `env:"ENABLE_HMAC"`
	Entitlements  []string `env:"ENTITLEMENTS"`
}

type WorkerConfig struct {
	Concurrency  int           `env:"CONCURRENCY" envDefault:"2"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	MaxAttempts  int           `env:"MAX_ATTEMPTS" envDefault:"5"`
}

type SweepConfig struct {
	Enabled    bool          `env:"ENABLED" envDefault:"true"`
	Interval   time.Duration `env:"INTERVAL" envDefault:"15m"`
	StaleAfter time.Duration `env:"STALE_AFTER" envDefault:"24h"`
	BatchSize  int           `env:"BATCH_SIZE" envDefault:"200"`
}

type DiscountsConfig struct {
	// UsageRefreshInterval schedules redemption count refreshes. Zero
	// disables them.
	UsageRefreshInterval time.Duration `env:"USAGE_REFRESH_INTERVAL" envDefault:"1h"`
}

// loadConfig reads envFile when given, then the default .env if present.
func loadConfig(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	} else {
		// .env is optional
		_ = godotenv.Load()
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks combinations env tags cannot express
func (c Config) Validate() error {
	if c.Stripe.APIKey == "" && c.RevenueCat.APIKey == "" && c.RevenueCat.WebhookSecret == "" {
		return fmt.Errorf("no billing provider configured: set STRIPE_API_KEY or REVENUECAT_API_KEY")
	}
	if c.Stripe.APIKey != "" && c.Stripe.WebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required with STRIPE_API_KEY")
	}
	if c.DatabaseURL != "" && c.FirestoreProjectID != "" {
		return fmt.Errorf("DATABASE_URL and FIRESTORE_PROJECT_ID are mutually exclusive")
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	return nil
}

func newZerolog(c Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if c.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("component", "entitled").Logger()
}
