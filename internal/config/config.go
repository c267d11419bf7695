package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config captures runtime configuration values used by the backend service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string `env:"BACKEND_ADDR" envDefault:":18111"`

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string `env:"DATABASE_URL,notEmpty"`

	// StripeSecretKey authenticates calls to the Stripe REST API.
	StripeSecretKey string `env:"STRIPE_SECRET_KEY"`

	// StripeWebhookSecret is the signing secret (whsec_...) used to verify webhook payloads.
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`

	// StripeAPIBase allows pointing the client at a mock server. Defaults to the public API.
	StripeAPIBase string `env:"STRIPE_API_BASE" envDefault:"https://api.stripe.com"`

	// StripeTimeout bounds every individual Stripe request.
	StripeTimeout time.Duration `env:"STRIPE_TIMEOUT" envDefault:"10s"`

	// Price catalog. Each configured price ID maps to a plan tier name.
	StripePriceStarter      string `env:"STRIPE_PRICE_STARTER"`
	StripePriceProfessional string `env:"STRIPE_PRICE_PROFESSIONAL"`
	StripePriceEnterprise   string `env:"STRIPE_PRICE_ENTERPRISE"`

	// AppBaseURL is the public dashboard origin used for checkout success/cancel redirects.
	AppBaseURL string `env:"APP_BASE_URL" envDefault:"http://localhost:5173"`

	// AuthJWTSecret is the HS256 secret shared with the identity provider.
	AuthJWTSecret string `env:"AUTH_JWT_SECRET"`

	// RedisURL enables realtime entitlement invalidation when set.
	RedisURL string `env:"REDIS_URL"`

	// TrialDays is the length of the unbilled trial window.
	TrialDays int `env:"TRIAL_DAYS" envDefault:"14"`

	// ReconcileInterval is how often lapsed subscribers are re-read from Stripe. Zero disables the sweep.
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"15m"`

	// ReconcileBatch caps how many subscribers one sweep refreshes.
	ReconcileBatch int `env:"RECONCILE_BATCH" envDefault:"100"`

	// LogLevel is passed to zerolog.ParseLevel.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// LogFormat selects "json" or "console" output.
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

const (
	envServerAddress = "BACKEND_ADDR"
	envDatabaseURL   = "DATABASE_URL"
	envAppBaseURL    = "APP_BASE_URL"
	envTrialDays     = "TRIAL_DAYS"

	defaultServerAddress = ":18111"
)

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	cfg.ServerAddress = strings.TrimSpace(cfg.ServerAddress)
	if cfg.ServerAddress == "" {
		cfg.ServerAddress = defaultServerAddress
	}
	if _, _, err := net.SplitHostPort(cfg.ServerAddress); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envServerAddress, err)
	}

	dsn, err := url.Parse(cfg.DatabaseURL)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envDatabaseURL, err)
	}
	if dsn.Scheme != "postgres" && dsn.Scheme != "postgresql" {
		return Config{}, fmt.Errorf("invalid %s: unsupported scheme %q", envDatabaseURL, dsn.Scheme)
	}

	cfg.AppBaseURL = strings.TrimRight(strings.TrimSpace(cfg.AppBaseURL), "/")
	if _, err := url.ParseRequestURI(cfg.AppBaseURL); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envAppBaseURL, err)
	}

	if cfg.TrialDays <= 0 {
		return Config{}, fmt.Errorf("%s must be positive, got %d", envTrialDays, cfg.TrialDays)
	}

	return cfg, nil
}

// PriceCatalog returns the configured price IDs keyed to their tier names.
// An empty catalog disables price validation at checkout.
func (c Config) PriceCatalog() map[string]string {
	catalog := make(map[string]string, 3)
	for price, tier := range map[string]string{
		c.StripePriceStarter:      "Starter",
		c.StripePriceProfessional: "Professional",
		c.StripePriceEnterprise:   "Enterprise",
	} {
		if price = strings.TrimSpace(price); price != "" {
			catalog[price] = tier
		}
	}
	return catalog
}
