package stripe

import (
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
)

// IsActive reports whether a subscription counts as a paid, active subscription.
func IsActive(status stripelib.SubscriptionStatus) bool {
	return status == stripelib.SubscriptionStatusActive
}

// IsTerminal reports whether a subscription can no longer become active.
func IsTerminal(status stripelib.SubscriptionStatus) bool {
	return status == stripelib.SubscriptionStatusCanceled || status == stripelib.SubscriptionStatusIncompleteExpired
}

// FirstItem returns the first subscription item, or nil.
func FirstItem(sub *stripelib.Subscription) *stripelib.SubscriptionItem {
	if sub == nil || sub.Items == nil {
		return nil
	}
	for _, item := range sub.Items.Data {
		if item != nil {
			return item
		}
	}
	return nil
}

// PriceID returns the price of the first subscription item.
func PriceID(sub *stripelib.Subscription) string {
	item := FirstItem(sub)
	if item == nil || item.Price == nil {
		return ""
	}
	return strings.TrimSpace(item.Price.ID)
}

// ProductID returns the product behind the first subscription item's price.
func ProductID(sub *stripelib.Subscription) string {
	item := FirstItem(sub)
	if item == nil || item.Price == nil || item.Price.Product == nil {
		return ""
	}
	return strings.TrimSpace(item.Price.Product.ID)
}

// ProductName returns the expanded product name if the API returned one.
func ProductName(sub *stripelib.Subscription) string {
	item := FirstItem(sub)
	if item == nil || item.Price == nil || item.Price.Product == nil {
		return ""
	}
	return strings.TrimSpace(item.Price.Product.Name)
}

// CustomerID returns the subscription's customer ID.
func CustomerID(sub *stripelib.Subscription) string {
	if sub == nil || sub.Customer == nil {
		return ""
	}
	return strings.TrimSpace(sub.Customer.ID)
}

// PeriodEnd returns the current billing-period end. Billing periods live on
// subscription items; the latest end across items is used.
func PeriodEnd(sub *stripelib.Subscription) *time.Time {
	if sub == nil || sub.Items == nil {
		return nil
	}
	var end int64
	for _, item := range sub.Items.Data {
		if item != nil && item.CurrentPeriodEnd > end {
			end = item.CurrentPeriodEnd
		}
	}
	if end == 0 {
		return nil
	}
	t := time.Unix(end, 0).UTC()
	return &t
}

// MostRecent returns the subscription with the latest creation time.
func MostRecent(subs []*stripelib.Subscription) *stripelib.Subscription {
	var latest *stripelib.Subscription
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		if latest == nil || sub.Created > latest.Created {
			latest = sub
		}
	}
	return latest
}
