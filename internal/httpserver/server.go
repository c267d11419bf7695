package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/botbuilder/backend/internal/config"
	"github.com/PortNumber53/botbuilder/backend/internal/handlers"
	appmiddleware "github.com/PortNumber53/botbuilder/backend/internal/middleware"
	"github.com/PortNumber53/botbuilder/backend/internal/worker"
)

// Dependencies are the handlers the server mounts. Nil handlers are skipped.
type Dependencies struct {
	DB      handlers.Pinger
	Billing *handlers.BillingHandler
	Stripe  *handlers.StripeHandler

	// Reconciler runs alongside the server when set.
	Reconciler *worker.Worker
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	worker     *worker.Worker
}

// New constructs an HTTP server using the provided configuration and handlers.
func New(cfg config.Config, deps Dependencies) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(appmiddleware.RequestMetrics)

	router.Get("/healthz", handlers.Health(deps.DB))
	router.Handle("/metrics", promhttp.Handler())

	// Stripe authenticates itself with the webhook signature.
	if deps.Stripe != nil {
		deps.Stripe.RegisterRoutes(router)
	}

	if deps.Billing != nil {
		router.Group(func(r chi.Router) {
			r.Use(appmiddleware.Authenticator(cfg.AuthJWTSecret))
			deps.Billing.RegisterRoutes(r)
		})
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, worker: deps.Reconciler}
}

// Start begins serving HTTP traffic and starts the reconcile worker. It blocks
// until the server stops.
func (s *Server) Start() error {
	if s.worker != nil {
		s.worker.Start(context.Background())
	}
	log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and worker.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.worker != nil {
		if err := s.worker.Stop(ctx); err != nil {
			log.Error().Err(err).Msg("reconcile worker shutdown error")
		}
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
