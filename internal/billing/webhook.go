package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/PortNumber53/botbuilder/backend/internal/logging"
	"github.com/PortNumber53/botbuilder/backend/internal/metrics"
	"github.com/PortNumber53/botbuilder/backend/internal/models"
	"github.com/PortNumber53/botbuilder/backend/internal/realtime"
	"github.com/PortNumber53/botbuilder/backend/internal/store"
	"github.com/PortNumber53/botbuilder/backend/internal/stripe"
)

// Event types handled by the ingestor.
const (
	EventSubscriptionCreated     = "customer.subscription.created"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaid             = "invoice.paid"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
	EventCheckoutCompleted       = "checkout.session.completed"
)

// Ingestor verifies Stripe webhook deliveries and applies them to the
// subscriber store. Every handler is safe to run more than once and in any
// order: decisions are taken against Stripe's live state, not the payload alone.
type Ingestor struct {
	store     SubscriberStore
	proc      Processor
	secret    string
	publisher realtime.Publisher
	catalog   Catalog
	logger    zerolog.Logger
}

// IngestorOption customises an Ingestor.
type IngestorOption func(*Ingestor)

// WithIngestorCatalog sets the price catalog used when a product name cannot be read.
func WithIngestorCatalog(catalog Catalog) IngestorOption {
	return func(i *Ingestor) { i.catalog = catalog }
}

// NewIngestor builds a webhook ingestor. A nil publisher disables invalidation.
func NewIngestor(subscribers SubscriberStore, proc Processor, secret string, publisher realtime.Publisher, opts ...IngestorOption) *Ingestor {
	if publisher == nil {
		publisher = realtime.NopPublisher{}
	}
	i := &Ingestor{
		store:     subscribers,
		proc:      proc,
		secret:    strings.TrimSpace(secret),
		publisher: publisher,
		logger:    logging.Component("webhook"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Handle verifies and processes one delivery, returning the event type for
// instrumentation. Signature failures are KindSignature and nothing is
// processed; any other error means Stripe should retry.
func (i *Ingestor) Handle(ctx context.Context, body []byte, signature string) (string, error) {
	if i.secret == "" {
		return "", internal("webhook", ErrWebhookNotConfigured)
	}
	if strings.TrimSpace(signature) == "" {
		return "", newError(KindSignature, "webhook.verify", ErrInvalidSignature)
	}

	event, err := stripe.ConstructWebhookEvent(body, signature, i.secret)
	if err != nil {
		return "", newError(KindSignature, "webhook.verify", fmt.Errorf("%w: %v", ErrInvalidSignature, err))
	}
	eventType := string(event.Type)

	logger := i.logger.With().Str("event_id", event.ID).Str("type", eventType).Logger()
	if err := i.dispatch(ctx, logger, event); err != nil {
		return eventType, err
	}
	return eventType, nil
}

func (i *Ingestor) dispatch(ctx context.Context, logger zerolog.Logger, event stripelib.Event) error {
	switch string(event.Type) {
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		sub, err := stripe.DecodeSubscription(event)
		if err != nil {
			return validation("webhook.decode", fmt.Errorf("%w: %v", ErrMalformedEvent, err))
		}
		return i.applySubscription(ctx, logger, sub)

	case EventSubscriptionDeleted:
		sub, err := stripe.DecodeSubscription(event)
		if err != nil {
			return validation("webhook.decode", fmt.Errorf("%w: %v", ErrMalformedEvent, err))
		}
		return i.subscriptionDeleted(ctx, logger, sub)

	case EventInvoicePaymentSucceeded, EventInvoicePaid:
		inv, err := stripe.DecodeInvoice(event)
		if err != nil {
			return validation("webhook.decode", fmt.Errorf("%w: %v", ErrMalformedEvent, err))
		}
		subID := inv.SubscriptionID()
		if subID == "" {
			logger.Debug().Str("invoice_id", inv.ID).Msg("invoice without subscription ignored")
			return nil
		}
		return i.refetchAndApply(ctx, logger, subID)

	case EventInvoicePaymentFailed:
		inv, err := stripe.DecodeInvoice(event)
		if err != nil {
			return validation("webhook.decode", fmt.Errorf("%w: %v", ErrMalformedEvent, err))
		}
		metrics.PaymentFailuresTotal.Inc()
		logger.Warn().
			Str("invoice_id", inv.ID).
			Str("customer_id", inv.Customer).
			Str("subscription_id", inv.SubscriptionID()).
			Int64("amount_due", inv.AmountDue).
			Msg("invoice payment failed")
		return nil

	case EventCheckoutCompleted:
		sess, err := stripe.DecodeCheckoutSession(event)
		if err != nil {
			return validation("webhook.decode", fmt.Errorf("%w: %v", ErrMalformedEvent, err))
		}
		if sess.Mode != stripelib.CheckoutSessionModeSubscription {
			logger.Debug().Str("session_id", sess.ID).Str("mode", string(sess.Mode)).Msg("non-subscription checkout ignored")
			return nil
		}
		if sess.Subscription == nil || sess.Subscription.ID == "" {
			logger.Warn().Str("session_id", sess.ID).Msg("subscription checkout completed without a subscription id")
			return nil
		}
		return i.refetchAndApply(ctx, logger, sess.Subscription.ID)

	default:
		logger.Debug().Msg("unhandled event type ignored")
		return nil
	}
}

func (i *Ingestor) refetchAndApply(ctx context.Context, logger zerolog.Logger, subscriptionID string) error {
	sub, err := i.proc.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return upstream("webhook.get_subscription", err)
	}
	return i.applySubscription(ctx, logger, sub)
}

// lookup resolves the local subscriber for a Stripe customer. Unknown
// customers yield nil so the delivery is acknowledged and dropped.
func (i *Ingestor) lookup(ctx context.Context, logger zerolog.Logger, customerID string) (*models.Subscriber, error) {
	if customerID == "" {
		logger.Warn().Msg("event without customer dropped")
		return nil, nil
	}
	sub, err := i.store.GetSubscriberByCustomerID(ctx, customerID)
	if errors.Is(err, store.ErrSubscriberNotFound) {
		logger.Warn().Str("customer_id", customerID).Msg("event for unknown customer dropped")
		return nil, nil
	}
	if err != nil {
		return nil, internal("webhook.lookup", err)
	}
	return sub, nil
}

// applySubscription writes the state implied by a subscription event. When the
// customer has an active subscription, the most recently created one is
// canonical and every other active one is canceled.
func (i *Ingestor) applySubscription(ctx context.Context, logger zerolog.Logger, eventSub *stripelib.Subscription) error {
	customerID := stripe.CustomerID(eventSub)
	subscriber, err := i.lookup(ctx, logger, customerID)
	if err != nil || subscriber == nil {
		return err
	}
	logger = logger.With().Str("user_id", subscriber.UserID).Str("subscription_id", eventSub.ID).Logger()

	active, err := i.proc.ListSubscriptions(ctx, customerID, statusActive, 0)
	if err != nil {
		return upstream("webhook.list_active", err)
	}

	candidates := active
	if stripe.IsActive(eventSub.Status) && !containsSubscription(active, eventSub.ID) {
		// An active payload the list does not know about is either fresh or a
		// stale redelivery. Only the live object can say which.
		live, err := i.proc.GetSubscription(ctx, eventSub.ID)
		if err != nil && !stripe.IsNotFound(err) {
			return upstream("webhook.get_subscription", err)
		}
		if live == nil {
			logger.Info().Msg("active payload for a subscription Stripe no longer has; ignoring")
			return nil
		}
		eventSub = live
		if stripe.IsActive(live.Status) {
			candidates = append(append([]*stripelib.Subscription(nil), active...), live)
		}
	}

	if len(candidates) == 0 {
		// Nothing is active: the event describes a lapsed or unpaid subscription.
		state, err := resolveState(ctx, i.proc, i.catalog, eventSub)
		if err != nil {
			return upstream("webhook.resolve_state", err)
		}
		return i.save(ctx, logger, subscriber.UserID, state)
	}

	canonical := stripe.MostRecent(candidates)
	if canonical.ID != eventSub.ID && !stripe.IsActive(eventSub.Status) {
		logger.Info().Str("canonical_id", canonical.ID).Msg("inactive subscription superseded by an active one; no change")
		return nil
	}

	if err := cancelSuperseded(ctx, i.proc, logger, canonical.ID, active); err != nil {
		return upstream("webhook.supersede", err)
	}

	state, err := resolveState(ctx, i.proc, i.catalog, canonical)
	if err != nil {
		return upstream("webhook.resolve_state", err)
	}
	return i.save(ctx, logger, subscriber.UserID, state)
}

// subscriptionDeleted only revokes access once no active subscription remains,
// so retiring a superseded subscription never locks out a paying user.
func (i *Ingestor) subscriptionDeleted(ctx context.Context, logger zerolog.Logger, eventSub *stripelib.Subscription) error {
	customerID := stripe.CustomerID(eventSub)
	subscriber, err := i.lookup(ctx, logger, customerID)
	if err != nil || subscriber == nil {
		return err
	}
	logger = logger.With().Str("user_id", subscriber.UserID).Str("subscription_id", eventSub.ID).Logger()

	active, err := i.proc.ListSubscriptions(ctx, customerID, statusActive, 0)
	if err != nil {
		return upstream("webhook.list_active", err)
	}
	if len(active) > 0 {
		logger.Info().Int("remaining_active", len(active)).Msg("deleted subscription was superseded; keeping access")
		return nil
	}

	if err := i.store.MarkUnsubscribed(ctx, subscriber.UserID); err != nil {
		if errors.Is(err, store.ErrSubscriberNotFound) {
			return nil
		}
		return internal("webhook.mark_unsubscribed", err)
	}
	logger.Info().Msg("subscription ended; access revoked")
	i.invalidate(ctx, logger, subscriber.UserID)
	return nil
}

func (i *Ingestor) save(ctx context.Context, logger zerolog.Logger, userID string, state models.SubscriptionState) error {
	if err := i.store.SaveSubscriptionState(ctx, userID, state, models.SourceWebhook); err != nil {
		if errors.Is(err, store.ErrSubscriberNotFound) {
			return nil
		}
		return internal("webhook.save_state", err)
	}
	logger.Info().Bool("subscribed", state.Subscribed).Msg("subscription state recorded")
	i.invalidate(ctx, logger, userID)
	return nil
}

func (i *Ingestor) invalidate(ctx context.Context, logger zerolog.Logger, userID string) {
	if err := i.publisher.PublishInvalidation(ctx, userID); err != nil {
		logger.Warn().Err(err).Msg("failed to publish entitlement invalidation")
	}
}

func containsSubscription(subs []*stripelib.Subscription, id string) bool {
	for _, sub := range subs {
		if sub != nil && sub.ID == id {
			return true
		}
	}
	return false
}
