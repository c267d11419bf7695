// Package billing keeps the local subscription record consistent with Stripe.
// It contains the entitlement reader, the checkout/upgrade orchestrator, the
// webhook ingestor, the trial manager and the onboarding gate.
package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/PortNumber53/botbuilder/backend/internal/models"
	"github.com/PortNumber53/botbuilder/backend/internal/stripe"
)

// Processor is the subset of the Stripe client billing depends on.
type Processor interface {
	CreateCustomer(ctx context.Context, userID, email string) (*stripelib.Customer, error)
	ListSubscriptions(ctx context.Context, customerID, status string, limit int) ([]*stripelib.Subscription, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*stripelib.Subscription, error)
	UpdateSubscriptionPrice(ctx context.Context, subscriptionID, itemID, newPriceID string, metadata map[string]string) (*stripelib.Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error
	GetProduct(ctx context.Context, productID string) (*stripelib.Product, error)
	CreateCheckoutSession(ctx context.Context, params stripe.CheckoutSessionParams) (*stripelib.CheckoutSession, error)
}

// SubscriberStore persists subscriber rows.
type SubscriberStore interface {
	GetSubscriber(ctx context.Context, userID string) (*models.Subscriber, error)
	GetSubscriberByCustomerID(ctx context.Context, customerID string) (*models.Subscriber, error)
	LinkCustomer(ctx context.Context, userID, email, customerID string) (string, error)
	SaveSubscriptionState(ctx context.Context, userID string, state models.SubscriptionState, source models.StateSource) error
	MarkUnsubscribed(ctx context.Context, userID string) error
	StartTrial(ctx context.Context, userID, email string, trialEnd time.Time) (time.Time, error)
}

// OnboardingStore reads and resets onboarding profiles.
type OnboardingStore interface {
	GetOnboardingProfile(ctx context.Context, userID string) (*models.OnboardingProfile, error)
	ResetOnboarding(ctx context.Context, userID string) (bool, error)
	RecordSubscriptionSeen(ctx context.Context, userID string, subscribed bool) error
}

const (
	statusActive = string(stripelib.SubscriptionStatusActive)
	statusAll    = "all"
)

// Catalog maps offered price IDs to plan tier names.
type Catalog map[string]string

// Tier returns the configured tier for a price, or "".
func (c Catalog) Tier(priceID string) string {
	return strings.TrimSpace(c[priceID])
}

// resolveState derives the stored subscription fields from a Stripe
// subscription. The tier is the product name, falling back to the catalog
// entry for the price when the product cannot be read. An active subscription
// whose tier cannot be resolved is an error so nothing half-written reaches
// the store.
func resolveState(ctx context.Context, proc Processor, catalog Catalog, sub *stripelib.Subscription) (models.SubscriptionState, error) {
	state := models.SubscriptionState{
		Subscribed:      stripe.IsActive(sub.Status),
		SubscriptionEnd: stripe.PeriodEnd(sub),
	}
	if !state.Subscribed {
		return state, nil
	}

	name, err := productName(ctx, proc, sub)
	if name == "" {
		name = catalog.Tier(stripe.PriceID(sub))
	}
	if name == "" {
		if err != nil {
			return state, err
		}
		return state, fmt.Errorf("subscription %s: %w", sub.ID, ErrUnresolvedTier)
	}
	state.Tier = &name
	return state, nil
}

func productName(ctx context.Context, proc Processor, sub *stripelib.Subscription) (string, error) {
	if name := stripe.ProductName(sub); name != "" {
		return name, nil
	}
	productID := stripe.ProductID(sub)
	if productID == "" {
		return "", nil
	}
	product, err := proc.GetProduct(ctx, productID)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(product.Name), nil
}

// entitlementFrom builds the dashboard view. is_trial only holds for users who
// have never paid, so a paid subscription always wins over a running trial.
func entitlementFrom(state models.SubscriptionState, trialEnd *time.Time, now time.Time) models.Entitlement {
	ent := models.Entitlement{
		Subscribed:      state.Subscribed,
		SubscriptionEnd: state.SubscriptionEnd,
		TrialEnd:        trialEnd,
	}
	if state.Subscribed {
		ent.SubscriptionTier = state.Tier
	}
	ent.IsTrial = TrialStateFor(trialEnd, state, now).Active
	return ent
}

func stateFromSubscriber(sub *models.Subscriber) models.SubscriptionState {
	return models.SubscriptionState{
		Subscribed:      sub.Subscribed,
		Tier:            sub.SubscriptionTier,
		SubscriptionEnd: sub.SubscriptionEnd,
	}
}
