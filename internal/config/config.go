package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Env         string `env:"APP_ENV" envDefault:"production"`
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	NewRelic    NewRelicConfig
	Auth        AuthConfig
	Card        CardConfig
	MobileMoney MobileMoneyConfig
	Kafka       KafkaConfig
	Sweep       SweepConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `env:"SERVER_PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host         string `env:"DB_HOST" envDefault:"localhost"`
	Port         string `env:"DB_PORT" envDefault:"5432"`
	User         string `env:"DB_USER" envDefault:"postgres"`
	Password     string `env:"DB_PASSWORD" envDefault:"postgres"`
	DBName       string `env:"DB_NAME" envDefault:"dealerpay"`
	SSLMode      string `env:"DB_SSLMODE" envDefault:"disable"`
	MaxOpenConns int    `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int    `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	AutoMigrate  bool   `env:"DB_AUTO_MIGRATE" envDefault:"false"`
}

// DSN returns the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// IdempotencyTTL bounds how long cached intent responses and provider handles are replayed.
	IdempotencyTTL  time.Duration `env:"REDIS_IDEMPOTENCY_TTL" envDefault:"24h"`
	WebhookDedupTTL time.Duration `env:"REDIS_WEBHOOK_DEDUP_TTL" envDefault:"24h"`
}

// NewRelicConfig holds New Relic configuration.
type NewRelicConfig struct {
	AppName    string `env:"NEW_RELIC_APP_NAME" envDefault:"dealerpay"`
	LicenseKey string `env:"NEW_RELIC_LICENSE_KEY"`
	Enabled    bool   `env:"NEW_RELIC_ENABLED" envDefault:"false"`
}

// AuthConfig holds the bearer token settings of the identity provider.
type AuthConfig struct {
	JWTSecret string `env:"AUTH_JWT_SECRET"`
	Issuer    string `env:"AUTH_JWT_ISSUER"`
}

// CardConfig holds Stripe settings.
type CardConfig struct {
	Enabled       bool          `env:"CARD_ENABLED" envDefault:"true"`
	SecretKey     string        `env:"STRIPE_SECRET_KEY"`
	WebhookSecret string        `env:"STRIPE_WEBHOOK_SECRET"`
	ProductPrefix string        `env:"STRIPE_PRODUCT_PREFIX" envDefault:"Listing promotion"`
	Timeout       time.Duration `env:"STRIPE_TIMEOUT" envDefault:"15s"`
	SessionTTL    time.Duration `env:"STRIPE_SESSION_TTL" envDefault:"30m"`
	BackendURL    string        `env:"STRIPE_BACKEND_URL"`
}

// MobileMoneyConfig holds M-Pesa Daraja settings.
type MobileMoneyConfig struct {
	Enabled        bool          `env:"MPESA_ENABLED" envDefault:"false"`
	BaseURL        string        `env:"MPESA_BASE_URL" envDefault:"https://sandbox.safaricom.co.ke"`
	ConsumerKey    string        `env:"MPESA_CONSUMER_KEY"`
	ConsumerSecret string        `env:"MPESA_CONSUMER_SECRET"`
	ShortCode      string        `env:"MPESA_SHORTCODE"`
	Passkey        string        `env:"MPESA_PASSKEY"`
	CallbackURL    string        `env:"MPESA_CALLBACK_URL"`
	CallbackToken  string        `env:"MPESA_CALLBACK_TOKEN"`
	Timeout        time.Duration `env:"MPESA_TIMEOUT" envDefault:"30s"`
}

// KafkaConfig holds the listing activation publisher settings.
type KafkaConfig struct {
	Enabled         bool          `env:"KAFKA_ENABLED" envDefault:"false"`
	Brokers         []string      `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	ActivationTopic string        `env:"KAFKA_ACTIVATION_TOPIC" envDefault:"listing.promotion.activated"`
	WriteTimeout    time.Duration `env:"KAFKA_WRITE_TIMEOUT" envDefault:"10s"`

	RetryMaxAttempts int           `env:"KAFKA_RETRY_MAX_ATTEMPTS" envDefault:"5"`
	RetryBaseDelay   time.Duration `env:"KAFKA_RETRY_BASE_DELAY" envDefault:"100ms"`
	RetryMaxDelay    time.Duration `env:"KAFKA_RETRY_MAX_DELAY" envDefault:"10s"`
	RetryJitter      bool          `env:"KAFKA_RETRY_JITTER" envDefault:"true"`
}

// RetryConfig controls publish retries.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// GetRetryConfig returns the publish retry settings.
func (k KafkaConfig) GetRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: k.RetryMaxAttempts,
		BaseDelay:   k.RetryBaseDelay,
		MaxDelay:    k.RetryMaxDelay,
		Jitter:      k.RetryJitter,
	}
}

// SweepConfig holds the reconciliation sweep settings.
type SweepConfig struct {
	Enabled              bool          `env:"SWEEP_ENABLED" envDefault:"true"`
	MaxAge               time.Duration `env:"SWEEP_MAX_AGE" envDefault:"45m"`
	PollAfter            time.Duration `env:"SWEEP_POLL_AFTER" envDefault:"30s"`
	ActivationRetryAfter time.Duration `env:"SWEEP_ACTIVATION_RETRY_AFTER" envDefault:"1m"`
	BatchSize            int           `env:"SWEEP_BATCH_SIZE" envDefault:"100"`
	LockTTL              time.Duration `env:"SWEEP_LOCK_TTL" envDefault:"1m"`
	SweepSchedule        string        `env:"SWEEP_SCHEDULE" envDefault:"@every 1m"`
	PollSchedule         string        `env:"SWEEP_POLL_SCHEDULE" envDefault:"@every 30s"`
	ActivationSchedule   string        `env:"SWEEP_ACTIVATION_SCHEDULE" envDefault:"@every 1m"`
}

// Load reads .env when present, then parses the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// IsDevelopment reports whether the service runs in a development environment.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Env, "development")
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	var missing []string
	if c.Auth.JWTSecret == "" {
		missing = append(missing, "AUTH_JWT_SECRET")
	}
	if c.Card.Enabled {
		if c.Card.SecretKey == "" {
			missing = append(missing, "STRIPE_SECRET_KEY")
		}
		if c.Card.WebhookSecret == "" {
			missing = append(missing, "STRIPE_WEBHOOK_SECRET")
		}
	}
	if c.MobileMoney.Enabled {
		for name, v := range map[string]string{
			"MPESA_CONSUMER_KEY":    c.MobileMoney.ConsumerKey,
			"MPESA_CONSUMER_SECRET": c.MobileMoney.ConsumerSecret,
			"MPESA_SHORTCODE":       c.MobileMoney.ShortCode,
			"MPESA_PASSKEY":         c.MobileMoney.Passkey,
			"MPESA_CALLBACK_URL":    c.MobileMoney.CallbackURL,
			"MPESA_CALLBACK_TOKEN":  c.MobileMoney.CallbackToken,
		} {
			if v == "" {
				missing = append(missing, name)
			}
		}
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		missing = append(missing, "KAFKA_BROKERS")
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}
