// Package config loads server configuration from the environment.
//
// An optional .env file is read first; real environment variables win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	GatewaySimulated = "simulated"
	GatewayHTTP      = "http"

	NotifyLog       = "log"
	NotifyRedis     = "redis"
	NotifyWatermill = "watermill"
)

type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`

	// Database
	DatabasePath   string        `envconfig:"DATABASE_PATH" default:"boxoffice.db"`
	DBMaxOpenConns int           `envconfig:"DB_MAX_OPEN_CONNS" default:"8"`
	DBBusyTimeout  time.Duration `envconfig:"DB_BUSY_TIMEOUT" default:"5s"`

	// Holds
	HoldTTL       time.Duration `envconfig:"HOLD_TTL" default:"10m"`
	MaxHoldTTL    time.Duration `envconfig:"MAX_HOLD_TTL" default:"30m"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"30s"`
	SweepBatch    int           `envconfig:"SWEEP_BATCH" default:"200"`

	// Payments
	PaymentPollInterval time.Duration `envconfig:"PAYMENT_POLL_INTERVAL" default:"1m"`
	PaymentPollAge      time.Duration `envconfig:"PAYMENT_POLL_AGE" default:"2m"`
	ReconcileInterval   time.Duration `envconfig:"RECONCILE_INTERVAL" default:"1h"`
	ReconcileLookback   time.Duration `envconfig:"RECONCILE_LOOKBACK" default:"48h"`

	// Tickets
	TicketSigningKey string `envconfig:"TICKET_SIGNING_KEY"`

	// Gateway
	GatewayMode             string        `envconfig:"GATEWAY_MODE" default:"simulated"`
	GatewayURL              string        `envconfig:"GATEWAY_URL"`
	GatewayAPIKey           string        `envconfig:"GATEWAY_API_KEY"`
	GatewayTimeout          time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"10s"`
	GatewayBreakerThreshold int64         `envconfig:"GATEWAY_BREAKER_THRESHOLD" default:"5"`
	SimulatedSettleDelay    time.Duration `envconfig:"SIMULATED_SETTLE_DELAY" default:"5s"`

	// Notifications
	NotifyMode    string `envconfig:"NOTIFY_MODE" default:"log"`
	RedisURL      string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	NotifyChannel string `envconfig:"NOTIFY_CHANNEL" default:"boxoffice.notifications"`

	// Logging
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`
}

// Load reads envFile if it exists, then the environment.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT is required"))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("DATABASE_PATH is required"))
	}
	if c.HoldTTL <= 0 {
		errs = append(errs, errors.New("HOLD_TTL must be positive"))
	}
	if c.MaxHoldTTL < c.HoldTTL {
		errs = append(errs, errors.New("MAX_HOLD_TTL must not be below HOLD_TTL"))
	}
	for name, d := range map[string]time.Duration{
		"SWEEP_INTERVAL":        c.SweepInterval,
		"PAYMENT_POLL_INTERVAL": c.PaymentPollInterval,
		"RECONCILE_INTERVAL":    c.ReconcileInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	switch c.GatewayMode {
	case GatewaySimulated:
	case GatewayHTTP:
		if c.GatewayURL == "" {
			errs = append(errs, errors.New("GATEWAY_URL is required when GATEWAY_MODE=http"))
		}
	default:
		errs = append(errs, fmt.Errorf("GATEWAY_MODE %q must be simulated or http", c.GatewayMode))
	}

	switch c.NotifyMode {
	case NotifyLog, NotifyWatermill:
	case NotifyRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required when NOTIFY_MODE=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("NOTIFY_MODE %q must be log, redis or watermill", c.NotifyMode))
	}

	if c.IsProduction() && len(c.TicketSigningKey) < 32 {
		errs = append(errs, errors.New("TICKET_SIGNING_KEY must be at least 32 bytes in production"))
	}
	return errors.Join(errs...)
}
