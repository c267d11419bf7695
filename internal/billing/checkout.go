package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/botbuilder/backend/internal/logging"
	"github.com/PortNumber53/botbuilder/backend/internal/metrics"
	"github.com/PortNumber53/botbuilder/backend/internal/models"
	"github.com/PortNumber53/botbuilder/backend/internal/store"
	"github.com/PortNumber53/botbuilder/backend/internal/stripe"
)

// CheckoutConfig holds the redirect targets and the offered prices.
type CheckoutConfig struct {
	// AppBaseURL is the dashboard origin, without a trailing slash.
	AppBaseURL string
	// Catalog maps offered price IDs to tier names. Empty accepts any price.
	Catalog Catalog
}

// Orchestrator starts a checkout for new subscribers and changes the price of
// an existing subscription in place for upgrades and downgrades.
type Orchestrator struct {
	store  SubscriberStore
	proc   Processor
	cfg    CheckoutConfig
	now    func() time.Time
	logger zerolog.Logger
}

// NewOrchestrator builds a checkout/upgrade orchestrator.
func NewOrchestrator(subscribers SubscriberStore, proc Processor, cfg CheckoutConfig) *Orchestrator {
	cfg.AppBaseURL = strings.TrimRight(cfg.AppBaseURL, "/")
	return &Orchestrator{
		store:  subscribers,
		proc:   proc,
		cfg:    cfg,
		now:    time.Now,
		logger: logging.Component("checkout"),
	}
}

// StartCheckoutOrUpgrade returns either a hosted checkout URL or, when the user
// already has an active subscription, confirms an in-place price change.
func (o *Orchestrator) StartCheckoutOrUpgrade(ctx context.Context, user models.Identity, priceID string) (models.CheckoutResponse, error) {
	const op = "checkout"

	if user.UserID == "" {
		return models.CheckoutResponse{}, newError(KindAuth, op, ErrMissingIdentity)
	}
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return models.CheckoutResponse{}, validation(op, ErrMissingPriceID)
	}
	if len(o.cfg.Catalog) > 0 {
		if _, ok := o.cfg.Catalog[priceID]; !ok {
			return models.CheckoutResponse{}, validation(op, fmt.Errorf("%w: %s", ErrUnknownPriceID, priceID))
		}
	}

	customerID, err := o.ensureCustomer(ctx, user)
	if err != nil {
		metrics.CheckoutTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return models.CheckoutResponse{}, err
	}

	active, err := o.proc.ListSubscriptions(ctx, customerID, statusActive, 0)
	if err != nil {
		metrics.CheckoutTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return models.CheckoutResponse{}, upstream(op+".list_subscriptions", err)
	}

	if len(active) == 0 {
		return o.createSession(ctx, user, customerID, priceID, metrics.OutcomeSession)
	}

	canonical := stripe.MostRecent(active)
	if len(active) > 1 {
		// Leftovers are retried by the webhook path; the upgrade goes ahead.
		if err := cancelSuperseded(ctx, o.proc, o.logger, canonical.ID, active); err != nil {
			o.logger.Warn().Err(err).
				Str("user_id", user.UserID).
				Str("canonical_id", canonical.ID).
				Int("active", len(active)).
				Msg("superseded subscriptions left active")
		}
	}

	currentPrice := stripe.PriceID(canonical)
	if currentPrice == priceID {
		metrics.CheckoutTotal.WithLabelValues(metrics.OutcomeUnchanged).Inc()
		return models.CheckoutResponse{Upgraded: true}, nil
	}

	item := stripe.FirstItem(canonical)
	if item == nil || item.ID == "" {
		o.logger.Warn().
			Str("user_id", user.UserID).
			Str("subscription_id", canonical.ID).
			Msg("active subscription has no items; falling back to checkout")
		return o.createSession(ctx, user, customerID, priceID, metrics.OutcomeUpgradeFallback)
	}

	_, err = o.proc.UpdateSubscriptionPrice(ctx, canonical.ID, item.ID, priceID, map[string]string{
		"upgrade_from": currentPrice,
		"upgrade_to":   priceID,
	})
	if err != nil {
		// The user may end up with a second subscription here; the webhook
		// supersession path retires the older one once checkout completes.
		o.logger.Warn().Err(err).
			Str("user_id", user.UserID).
			Str("subscription_id", canonical.ID).
			Str("from", currentPrice).
			Str("to", priceID).
			Msg("in-place price change failed; falling back to checkout")
		return o.createSession(ctx, user, customerID, priceID, metrics.OutcomeUpgradeFallback)
	}

	metrics.CheckoutTotal.WithLabelValues(metrics.OutcomeUpgraded).Inc()
	o.logger.Info().
		Str("user_id", user.UserID).
		Str("subscription_id", canonical.ID).
		Str("from", currentPrice).
		Str("to", priceID).
		Msg("subscription price changed in place")
	return models.CheckoutResponse{Upgraded: true}, nil
}

// ensureCustomer returns the user's Stripe customer, creating and linking one
// on first use. When two requests race, the first linked ID wins.
func (o *Orchestrator) ensureCustomer(ctx context.Context, user models.Identity) (string, error) {
	sub, err := o.store.GetSubscriber(ctx, user.UserID)
	if err != nil && !errors.Is(err, store.ErrSubscriberNotFound) {
		return "", internal("checkout.load_subscriber", err)
	}
	if sub.HasCustomer() {
		return *sub.StripeCustomerID, nil
	}

	cust, err := o.proc.CreateCustomer(ctx, user.UserID, user.Email)
	if err != nil {
		return "", upstream("checkout.create_customer", err)
	}

	linked, err := o.store.LinkCustomer(ctx, user.UserID, user.Email, cust.ID)
	if err != nil {
		return "", internal("checkout.link_customer", err)
	}
	if linked != cust.ID {
		o.logger.Warn().
			Str("user_id", user.UserID).
			Str("created", cust.ID).
			Str("linked", linked).
			Msg("customer already linked by a concurrent request")
	}
	return linked, nil
}

func (o *Orchestrator) createSession(ctx context.Context, user models.Identity, customerID, priceID, outcome string) (models.CheckoutResponse, error) {
	// Double clicks within the same minute resolve to the same session.
	bucket := strconv.FormatInt(o.now().UTC().Truncate(time.Minute).Unix(), 10)

	sess, err := o.proc.CreateCheckoutSession(ctx, stripe.CheckoutSessionParams{
		CustomerID:        customerID,
		PriceID:           priceID,
		SuccessURL:        o.cfg.AppBaseURL + "/dashboard?checkout=success",
		CancelURL:         o.cfg.AppBaseURL + "/onboarding?checkout=canceled",
		ClientReferenceID: user.UserID,
		Metadata:          map[string]string{"user_id": user.UserID},
		IdempotencyKey:    stripe.IdempotencyKey("checkout", user.UserID, priceID, bucket),
	})
	if err != nil {
		metrics.CheckoutTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return models.CheckoutResponse{}, upstream("checkout.create_session", err)
	}

	metrics.CheckoutTotal.WithLabelValues(outcome).Inc()
	return models.CheckoutResponse{URL: sess.URL}, nil
}
