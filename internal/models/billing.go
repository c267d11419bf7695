package models

import "time"

// Subscriber is the local record of a user's billing state. One row per user.
type Subscriber struct {
	UserID            string     `json:"user_id"`
	Email             string     `json:"email"`
	StripeCustomerID  *string    `json:"stripe_customer_id,omitempty"`
	Subscribed        bool       `json:"subscribed"`
	SubscriptionTier  *string    `json:"subscription_tier,omitempty"`
	SubscriptionEnd   *time.Time `json:"subscription_end,omitempty"`
	TrialEnd          *time.Time `json:"trial_end,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	WebhookReceivedAt *time.Time `json:"webhook_received_at,omitempty"`
}

// HasCustomer reports whether a Stripe customer has been linked to the subscriber.
func (s *Subscriber) HasCustomer() bool {
	return s != nil && s.StripeCustomerID != nil && *s.StripeCustomerID != ""
}

// SubscriptionState is the field set written by webhook handlers and by the
// self-healing refresh. Nothing in it is derived from the previously stored row.
type SubscriptionState struct {
	Subscribed      bool
	Tier            *string
	SubscriptionEnd *time.Time
}

// StateSource tells the store which bookkeeping timestamp to touch.
type StateSource string

const (
	SourceWebhook StateSource = "webhook"
	SourceRefresh StateSource = "refresh"
)

// Entitlement is the derived view handed to the dashboard.
type Entitlement struct {
	Subscribed       bool       `json:"subscribed"`
	SubscriptionTier *string    `json:"subscription_tier"`
	SubscriptionEnd  *time.Time `json:"subscription_end"`
	TrialEnd         *time.Time `json:"trial_end"`
	IsTrial          bool       `json:"is_trial"`
}

// TrialState describes a user's trial as returned by the trial endpoints.
type TrialState struct {
	TrialEnd      *time.Time `json:"trial_end"`
	DaysRemaining *int       `json:"days_remaining"`
	Active        bool       `json:"active"`
	Expired       bool       `json:"expired"`
}
