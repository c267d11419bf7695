package stripe

import (
	"encoding/json"
	"fmt"
	"strings"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// SignatureHeader is the header Stripe signs webhook deliveries with.
const SignatureHeader = "Stripe-Signature"

// ConstructWebhookEvent verifies the signature against the raw body, exactly as
// received, and parses the event. API version mismatches are tolerated because
// only a handful of fields are read from each payload.
func ConstructWebhookEvent(body []byte, signature, secret string) (stripelib.Event, error) {
	return webhook.ConstructEventWithOptions(body, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}

// Invoice is the minimal invoice shape read from invoice.* events. Newer API
// versions nest the subscription under parent.subscription_details.
type Invoice struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	AmountDue    int64  `json:"amount_due"`
	AmountPaid   int64  `json:"amount_paid"`
	Currency     string `json:"currency"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// SubscriptionID resolves the invoice's subscription across API versions.
func (inv Invoice) SubscriptionID() string {
	if id := strings.TrimSpace(inv.Subscription); id != "" {
		return id
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return strings.TrimSpace(inv.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

// DecodeInvoice decodes the invoice object of an invoice.* event.
func DecodeInvoice(event stripelib.Event) (Invoice, error) {
	var inv Invoice
	if event.Data == nil {
		return inv, fmt.Errorf("decode invoice: event has no data")
	}
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return inv, fmt.Errorf("decode invoice: %w", err)
	}
	return inv, nil
}

// DecodeSubscription decodes the subscription object of a customer.subscription.* event.
func DecodeSubscription(event stripelib.Event) (*stripelib.Subscription, error) {
	var sub stripelib.Subscription
	if event.Data == nil {
		return nil, fmt.Errorf("decode subscription: event has no data")
	}
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", err)
	}
	if sub.ID == "" {
		return nil, fmt.Errorf("decode subscription: missing id")
	}
	return &sub, nil
}

// DecodeCheckoutSession decodes the session object of a checkout.session.* event.
func DecodeCheckoutSession(event stripelib.Event) (*stripelib.CheckoutSession, error) {
	var sess stripelib.CheckoutSession
	if event.Data == nil {
		return nil, fmt.Errorf("decode checkout session: event has no data")
	}
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}
	return &sess, nil
}
