// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/riskledger/internal/risk"
	"github.com/mbd888/riskledger/internal/security"
	"github.com/mbd888/riskledger/internal/transaction"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// HTTP edge
	CORSOrigins    []string
	RateLimitRPM   int
	RateLimitBurst int

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Score cache (optional, uses in-memory if not set)

	// Tracing
	OTLPEndpoint string

	// Risk scoring
	AlertThreshold float64
	AmountCeiling  int64
	MLEnabled      bool
	MLScoringURL   string
	ScoringTimeout time.Duration
	ScoreCacheTTL  time.Duration
	Timezone       string

	// Transactions
	RetryAttempts int

	// Notifications
	AMQPURL       string
	AMQPExchange  string
	WebhookURL    string
	WebhookSecret string
	NotifyTimeout time.Duration

	// Reconciliation; a zero interval disables the periodic check
	ReconcileInterval time.Duration
	ReconcileWindow   time.Duration

	location *time.Location
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultAMQPExchange  = "riskledger.events"
	DefaultNotifyTimeout = 5 * time.Second
	DefaultRateLimitRPM  = 600
	DefaultRateBurst     = 50

	DefaultReconcileInterval = 5 * time.Minute
	DefaultReconcileWindow   = 24 * time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:      getEnv("LOG_FORMAT", DefaultLogFormat),
		CORSOrigins:    splitList(os.Getenv("CORS_ORIGINS")),
		RateLimitRPM:   int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst: int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateBurst)),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AlertThreshold: getEnvFloat("RISK_ALERT_THRESHOLD", risk.DefaultAlertThreshold),
		AmountCeiling:  getEnvInt64("RISK_AMOUNT_CEILING", risk.DefaultAmountCeiling),
		MLEnabled:      getEnvBool("ML_SCORING_ENABLED", false),
		MLScoringURL:   os.Getenv("ML_SCORING_URL"),
		ScoringTimeout: getEnvDuration("SCORING_TIMEOUT", risk.DefaultTimeout),
		ScoreCacheTTL:  getEnvDuration("SCORE_CACHE_TTL", risk.DefaultCacheTTL),
		Timezone:       getEnv("TIMEZONE", "Local"),
		RetryAttempts:  int(getEnvInt64("TX_RETRY_ATTEMPTS", transaction.DefaultRetryAttempts)),
		AMQPURL:        os.Getenv("AMQP_URL"),
		AMQPExchange:   getEnv("AMQP_EXCHANGE", DefaultAMQPExchange),
		WebhookURL:     os.Getenv("WEBHOOK_URL"),
		WebhookSecret:  os.Getenv("WEBHOOK_SECRET"),
		NotifyTimeout:  getEnvDuration("NOTIFY_TIMEOUT", DefaultNotifyTimeout),

		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		ReconcileWindow:   getEnvDuration("RECONCILE_WINDOW", DefaultReconcileWindow),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all configuration values are usable
func (c *Config) Validate() error {
	if c.AlertThreshold < 0 || c.AlertThreshold > 1 {
		return fmt.Errorf("RISK_ALERT_THRESHOLD must be between 0 and 1, got %v", c.AlertThreshold)
	}
	if c.AmountCeiling <= 0 {
		return fmt.Errorf("RISK_AMOUNT_CEILING must be positive")
	}
	if c.ScoringTimeout <= 0 {
		return fmt.Errorf("SCORING_TIMEOUT must be positive")
	}
	if c.ScoreCacheTTL <= 0 {
		return fmt.Errorf("SCORE_CACHE_TTL must be positive")
	}
	if c.NotifyTimeout <= 0 {
		return fmt.Errorf("NOTIFY_TIMEOUT must be positive")
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must not be negative")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("TX_RETRY_ATTEMPTS must be at least 1")
	}
	if c.MLEnabled && c.MLScoringURL == "" {
		return fmt.Errorf("ML_SCORING_URL is required when ML_SCORING_ENABLED is set")
	}
	if c.RateLimitRPM < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must not be negative")
	}
	if c.WebhookURL != "" && c.IsProduction() {
		if err := security.ValidateEndpointURL(c.WebhookURL); err != nil {
			return fmt.Errorf("WEBHOOK_URL: %w", err)
		}
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("TIMEZONE: %w", err)
	}
	c.location = loc

	return nil
}

// Location is the reference time zone for daily limits and time-of-day
// scoring. Validate must have succeeded.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.Local
	}
	return c.location
}

// RiskConfig returns the scoring engine configuration.
func (c *Config) RiskConfig() risk.Config {
	return risk.Config{
		AlertThreshold: c.AlertThreshold,
		AmountCeiling:  c.AmountCeiling,
		MLEnabled:      c.MLEnabled,
		Timeout:        c.ScoringTimeout,
		CacheTTL:       c.ScoreCacheTTL,
		Location:       c.Location(),
	}
}

// TransactionConfig returns the coordinator configuration.
func (c *Config) TransactionConfig() transaction.Config {
	return transaction.Config{
		AlertThreshold: c.AlertThreshold,
		Location:       c.Location(),
		RetryAttempts:  c.RetryAttempts,
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// RateLimitEnabled reports whether the API limiter should be installed.
func (c *Config) RateLimitEnabled() bool {
	return c.RateLimitRPM > 0 && c.RateLimitBurst > 0
}

// Helper functions

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
