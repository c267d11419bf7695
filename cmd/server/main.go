package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/botbuilder/backend/internal/billing"
	"github.com/PortNumber53/botbuilder/backend/internal/config"
	"github.com/PortNumber53/botbuilder/backend/internal/handlers"
	"github.com/PortNumber53/botbuilder/backend/internal/httpserver"
	"github.com/PortNumber53/botbuilder/backend/internal/logging"
	"github.com/PortNumber53/botbuilder/backend/internal/migrations"
	"github.com/PortNumber53/botbuilder/backend/internal/realtime"
	"github.com/PortNumber53/botbuilder/backend/internal/store"
	"github.com/PortNumber53/botbuilder/backend/internal/stripe"
	"github.com/PortNumber53/botbuilder/backend/internal/worker"
)

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		logging.Init("info", "json")
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Init(cfg.LogLevel, cfg.LogFormat)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	logDBTarget("primary", cfg.DatabaseURL)
	configureDB(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}

	if err := runMigrationsWithDirtyFix(db, "primary"); err != nil {
		log.Fatal().Err(err).Msg("failed to apply database migrations")
	}

	st, err := store.New(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create store")
	}

	if cfg.StripeSecretKey == "" {
		log.Warn().Msg("STRIPE_SECRET_KEY not set; Stripe calls will fail and entitlements fall back to stored state")
	}
	if cfg.StripeWebhookSecret == "" {
		log.Warn().Msg("STRIPE_WEBHOOK_SECRET not set; webhook deliveries will be rejected")
	}
	if cfg.AuthJWTSecret == "" {
		log.Warn().Msg("AUTH_JWT_SECRET not set; authenticated routes will reject every request")
	}

	processor := stripe.NewClient(cfg.StripeSecretKey,
		stripe.WithBaseURL(cfg.StripeAPIBase),
		stripe.WithTimeout(cfg.StripeTimeout),
	)

	publisher := connectPublisher(cfg.RedisURL)

	catalog := billing.Catalog(cfg.PriceCatalog())
	reader := billing.NewReader(st, processor, billing.WithReaderCatalog(catalog))
	orchestrator := billing.NewOrchestrator(st, processor, billing.CheckoutConfig{
		AppBaseURL: cfg.AppBaseURL,
		Catalog:    catalog,
	})
	ingestor := billing.NewIngestor(st, processor, cfg.StripeWebhookSecret, publisher, billing.WithIngestorCatalog(catalog))
	trials := billing.NewTrialManager(st, cfg.TrialDays)
	gate := billing.NewOnboardingGate(reader, st)

	var reconciler *worker.Worker
	if cfg.ReconcileInterval > 0 {
		reconciler = worker.New(worker.Config{
			Interval:  cfg.ReconcileInterval,
			BatchSize: cfg.ReconcileBatch,
		}, st, reader, publisher)
	} else {
		log.Info().Msg("reconcile: RECONCILE_INTERVAL is 0; lapse sweep disabled")
	}

	srv := httpserver.New(cfg, httpserver.Dependencies{
		DB:         st,
		Billing:    handlers.NewBillingHandler(reader, orchestrator, trials, gate),
		Stripe:     handlers.NewStripeHandler(ingestor),
		Reconciler: reconciler,
	})

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-shutdownCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed")
		}
	}()

	log.Info().Str("addr", cfg.ServerAddress).Msg("backend starting")
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

// connectPublisher returns a Redis-backed invalidation publisher, or a no-op
// one when Redis is not configured or unreachable.
func connectPublisher(redisURL string) realtime.Publisher {
	if strings.TrimSpace(redisURL) == "" {
		log.Info().Msg("realtime: REDIS_URL not set; entitlement invalidations disabled")
		return realtime.NopPublisher{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := realtime.Connect(ctx, redisURL, 5, 2*time.Second)
	if err != nil {
		log.Warn().Err(err).Msg("realtime: redis unavailable; entitlement invalidations disabled")
		return realtime.NopPublisher{}
	}
	log.Info().Msg("realtime: publishing entitlement invalidations")
	return realtime.NewRedisPublisher(client)
}

func runMigrationsWithDirtyFix(db *sql.DB, name string) error {
	if err := migrations.Up(db); err != nil {
		log.Error().Err(err).Str("db", name).Msg("migrations: error detected")
		if strings.Contains(err.Error(), "Dirty database version") {
			log.Warn().Str("db", name).Msg("migrations: dirty database detected, attempting to fix")
			if fixErr := migrations.FixDirtyDatabase(db); fixErr != nil {
				log.Error().Err(fixErr).Str("db", name).Msg("migrations: failed to fix dirty database")
				return err
			}
			return migrations.Up(db)
		}
		return err
	}
	return nil
}

func logDBTarget(name, dsn string) {
	// Avoid logging secrets: only log hostname + database path.
	u, err := url.Parse(dsn)
	if err != nil {
		log.Info().Str("db", name).Err(err).Msg("db: configured (dsn parse error)")
		return
	}
	log.Info().Str("db", name).Str("host", u.Hostname()).Str("database", strings.TrimPrefix(u.Path, "/")).Msg("db: target")
}
