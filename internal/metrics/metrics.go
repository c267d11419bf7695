package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "botbuilder"

var (
	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// EntitlementRefreshTotal counts refreshes by where the answer came from:
	// processor, cache (no customer yet), fallback (processor failed) or absent.
	EntitlementRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "entitlement_refresh_total",
		Help:      "Entitlement refreshes by source of truth.",
	}, []string{"source"})

	// CheckoutTotal counts checkout/upgrade attempts by outcome.
	CheckoutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "checkout_total",
		Help:      "Checkout and upgrade attempts by outcome.",
	}, []string{"outcome"})

	// SupersededCancelsTotal counts subscriptions canceled because a newer one replaced them.
	SupersededCancelsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "superseded_cancels_total",
		Help:      "Subscriptions canceled during supersession by result.",
	}, []string{"result"})

	// PaymentFailuresTotal counts invoice.payment_failed deliveries.
	PaymentFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "payment_failures_total",
		Help:      "Invoice payment failures reported by Stripe.",
	})

	// OnboardingResetsTotal counts onboarding resets applied after a subscription lapse.
	OnboardingResetsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "onboarding",
		Name:      "resets_total",
		Help:      "Onboarding resets applied after a subscription lapsed.",
	})

	// ReconcileTotal counts subscribers visited by the lapse sweep by outcome.
	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "reconcile_total",
		Help:      "Lapsed subscribers refreshed by the reconcile sweep by outcome.",
	}, []string{"outcome"})

	// HTTPRequestDuration tracks API latency by route pattern and status.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds by method, route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	// HTTPResponseSize tracks response body bytes by route pattern.
	HTTPResponseSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "response_size_bytes",
		Help:      "HTTP response body size in bytes by method and route.",
		Buckets:   prometheus.ExponentialBuckets(64, 4, 7),
	}, []string{"method", "route"})
)

// Refresh sources.
const (
	SourceProcessor = "processor"
	SourceCache     = "cache"
	SourceFallback  = "fallback"
	SourceAbsent    = "absent"
)

// Checkout outcomes.
const (
	OutcomeSession         = "session"
	OutcomeUpgraded        = "upgraded"
	OutcomeUnchanged       = "unchanged"
	OutcomeUpgradeFallback = "upgrade_fallback"
	OutcomeError           = "error"
)

// Reconcile outcomes.
const (
	ReconcileHealed    = "healed"
	ReconcileUnchanged = "unchanged"
	ReconcileError     = "error"
)
