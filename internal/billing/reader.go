package billing

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/PortNumber53/botbuilder/backend/internal/logging"
	"github.com/PortNumber53/botbuilder/backend/internal/metrics"
	"github.com/PortNumber53/botbuilder/backend/internal/models"
	"github.com/PortNumber53/botbuilder/backend/internal/store"
)

// Reader answers "what is this user entitled to" and heals the local row from
// Stripe when the two disagree.
type Reader struct {
	store   SubscriberStore
	proc    Processor
	catalog Catalog
	now     func() time.Time
	group   singleflight.Group
	logger  zerolog.Logger
}

// ReaderOption customises a Reader.
type ReaderOption func(*Reader)

// WithReaderClock overrides the clock used for trial evaluation.
func WithReaderClock(now func() time.Time) ReaderOption {
	return func(r *Reader) { r.now = now }
}

// WithReaderCatalog sets the price catalog used when a product name cannot be read.
func WithReaderCatalog(catalog Catalog) ReaderOption {
	return func(r *Reader) { r.catalog = catalog }
}

// NewReader builds an entitlement reader.
func NewReader(subscribers SubscriberStore, proc Processor, opts ...ReaderOption) *Reader {
	r := &Reader{
		store:  subscribers,
		proc:   proc,
		now:    time.Now,
		logger: logging.Component("entitlement"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Refresh returns the user's current entitlement. Concurrent calls for the
// same user share one store read and one Stripe round trip.
func (r *Reader) Refresh(ctx context.Context, userID string) (models.Entitlement, error) {
	if userID == "" {
		return models.Entitlement{}, newError(KindAuth, "entitlement.refresh", ErrMissingIdentity)
	}

	// The shared call must not die with whichever caller happened to start it.
	shared := context.WithoutCancel(ctx)
	v, err, _ := r.group.Do(userID, func() (any, error) {
		return r.refresh(shared, userID)
	})
	if err != nil {
		return models.Entitlement{}, err
	}
	return v.(models.Entitlement), nil
}

func (r *Reader) refresh(ctx context.Context, userID string) (models.Entitlement, error) {
	sub, err := r.store.GetSubscriber(ctx, userID)
	if errors.Is(err, store.ErrSubscriberNotFound) {
		metrics.EntitlementRefreshTotal.WithLabelValues(metrics.SourceAbsent).Inc()
		return models.Entitlement{}, nil
	}
	if err != nil {
		return models.Entitlement{}, internal("entitlement.load", err)
	}

	cached := entitlementFrom(stateFromSubscriber(sub), sub.TrialEnd, r.now())
	if !sub.HasCustomer() {
		metrics.EntitlementRefreshTotal.WithLabelValues(metrics.SourceCache).Inc()
		return cached, nil
	}

	state, ok, err := r.fromProcessor(ctx, *sub.StripeCustomerID)
	if err != nil {
		metrics.EntitlementRefreshTotal.WithLabelValues(metrics.SourceFallback).Inc()
		r.logger.Warn().Err(err).
			Str("user_id", userID).
			Str("customer_id", *sub.StripeCustomerID).
			Msg("stripe unavailable; serving stored entitlement")
		return cached, nil
	}
	if !ok {
		metrics.EntitlementRefreshTotal.WithLabelValues(metrics.SourceCache).Inc()
		return cached, nil
	}

	metrics.EntitlementRefreshTotal.WithLabelValues(metrics.SourceProcessor).Inc()
	if err := r.store.SaveSubscriptionState(ctx, userID, state, models.SourceRefresh); err != nil {
		r.logger.Error().Err(err).Str("user_id", userID).Msg("entitlement write-back failed")
	} else if state.Subscribed != sub.Subscribed {
		r.logger.Info().
			Str("user_id", userID).
			Bool("stored", sub.Subscribed).
			Bool("stripe", state.Subscribed).
			Msg("entitlement healed from stripe")
	}
	return entitlementFrom(state, sub.TrialEnd, r.now()), nil
}

// fromProcessor reads the customer's most recent subscription. ok is false
// when the customer has no subscriptions at all.
func (r *Reader) fromProcessor(ctx context.Context, customerID string) (models.SubscriptionState, bool, error) {
	subs, err := r.proc.ListSubscriptions(ctx, customerID, statusAll, 1)
	if err != nil {
		return models.SubscriptionState{}, false, err
	}
	if len(subs) == 0 || subs[0] == nil {
		return models.SubscriptionState{}, false, nil
	}
	state, err := resolveState(ctx, r.proc, r.catalog, subs[0])
	if err != nil {
		return models.SubscriptionState{}, false, err
	}
	return state, true, nil
}
