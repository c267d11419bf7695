// Package worker runs the background reconcile sweep. Webhooks are the primary
// way subscriber rows change; the sweep re-reads rows that still claim a paid
// subscription after its period ended, which only happens when a delivery was
// missed.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/PortNumber53/botbuilder/backend/internal/logging"
	"github.com/PortNumber53/botbuilder/backend/internal/metrics"
	"github.com/PortNumber53/botbuilder/backend/internal/models"
	"github.com/PortNumber53/botbuilder/backend/internal/realtime"
)

// LapsedLister finds subscriber rows whose paid period has ended.
type LapsedLister interface {
	ListLapsedSubscribers(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

// Refresher re-reads a user's entitlement from Stripe and writes it back.
type Refresher interface {
	Refresh(ctx context.Context, userID string) (models.Entitlement, error)
}

// Stats holds worker statistics
type Stats struct {
	Sweeps        int64
	Visited       int64
	Healed        int64
	Failed        int64
	LastSweepAt   time.Time
	LastSweepSize int
}

// Config holds worker configuration
type Config struct {
	// Interval is the time between sweeps
	Interval time.Duration
	// BatchSize caps how many subscribers a single sweep visits
	BatchSize int
	// MaxConcurrent is the maximum number of concurrent refreshes
	MaxConcurrent int
	// RefreshTimeout bounds a single subscriber refresh
	RefreshTimeout time.Duration
	// ShutdownTimeout is the maximum time to wait for a running sweep during shutdown
	ShutdownTimeout time.Duration
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Interval:        15 * time.Minute,
		BatchSize:       100,
		MaxConcurrent:   4,
		RefreshTimeout:  30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Worker periodically refreshes lapsed subscribers.
type Worker struct {
	config    Config
	lister    LapsedLister
	refresher Refresher
	publisher realtime.Publisher
	logger    zerolog.Logger
	now       func() time.Time

	wg      sync.WaitGroup
	stopCh  chan struct{}
	started bool
	stopped bool
	mu      sync.Mutex

	statsMu sync.RWMutex
	stats   Stats
}

// New creates a new Worker instance. A nil publisher disables invalidations.
func New(config Config, lister LapsedLister, refresher Refresher, publisher realtime.Publisher) *Worker {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}
	if config.RefreshTimeout <= 0 {
		config.RefreshTimeout = defaults.RefreshTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if publisher == nil {
		publisher = realtime.NopPublisher{}
	}

	return &Worker{
		config:    config,
		lister:    lister,
		refresher: refresher,
		publisher: publisher,
		logger:    logging.Component("reconcile"),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the sweep loop. It returns immediately; call Stop to end it.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.stopped {
		return
	}
	w.started = true

	w.logger.Info().
		Dur("interval", w.config.Interval).
		Int("batch_size", w.config.BatchSize).
		Msg("reconcile worker started")

	w.wg.Add(1)
	go w.loop(ctx)
}

// Stop gracefully shuts down the worker
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	w.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, w.config.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info().Msg("reconcile worker stopped")
		return nil
	case <-shutdownCtx.Done():
		return errors.New("reconcile worker: shutdown timeout exceeded")
	}
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()

	// Sweep work is cancelled when either the caller's context or Stop fires.
	sweepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-sweepCtx.Done():
		}
	}()

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := w.SweepOnce(sweepCtx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error().Err(err).Msg("reconcile sweep failed")
		}

		select {
		case <-sweepCtx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce refreshes one batch of lapsed subscribers and returns how many
// were healed. Individual refresh failures are logged and counted, not returned.
func (w *Worker) SweepOnce(ctx context.Context) (int, error) {
	cutoff := w.now().UTC()
	userIDs, err := w.lister.ListLapsedSubscribers(ctx, cutoff, w.config.BatchSize)
	if err != nil {
		return 0, err
	}

	var (
		mu     sync.Mutex
		healed int
		failed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.config.MaxConcurrent)
	for _, userID := range userIDs {
		g.Go(func() error {
			ok, err := w.reconcile(gctx, userID, cutoff)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				failed++
			case ok:
				healed++
			}
			return nil
		})
	}
	_ = g.Wait()

	w.statsMu.Lock()
	w.stats.Sweeps++
	w.stats.Visited += int64(len(userIDs))
	w.stats.Healed += int64(healed)
	w.stats.Failed += int64(failed)
	w.stats.LastSweepAt = cutoff
	w.stats.LastSweepSize = len(userIDs)
	w.statsMu.Unlock()

	if len(userIDs) > 0 {
		w.logger.Info().
			Int("visited", len(userIDs)).
			Int("healed", healed).
			Int("failed", failed).
			Msg("reconcile sweep finished")
	}
	return healed, nil
}

// reconcile refreshes one user. The row counts as healed when the refreshed
// entitlement no longer claims the lapsed period.
func (w *Worker) reconcile(ctx context.Context, userID string, cutoff time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, w.config.RefreshTimeout)
	defer cancel()

	ent, err := w.refresher.Refresh(ctx, userID)
	if err != nil {
		metrics.ReconcileTotal.WithLabelValues(metrics.ReconcileError).Inc()
		w.logger.Warn().Err(err).Str("user_id", userID).Msg("reconcile refresh failed")
		return false, err
	}

	stillLapsed := ent.Subscribed && (ent.SubscriptionEnd == nil || ent.SubscriptionEnd.Before(cutoff))
	if stillLapsed {
		metrics.ReconcileTotal.WithLabelValues(metrics.ReconcileUnchanged).Inc()
		return false, nil
	}

	metrics.ReconcileTotal.WithLabelValues(metrics.ReconcileHealed).Inc()
	w.logger.Info().Str("user_id", userID).Bool("subscribed", ent.Subscribed).Msg("reconciled lapsed subscriber")
	if err := w.publisher.PublishInvalidation(ctx, userID); err != nil {
		w.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to publish invalidation")
	}
	return true, nil
}

// GetStats returns a snapshot of the worker statistics
func (w *Worker) GetStats() Stats {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()
	return w.stats
}
