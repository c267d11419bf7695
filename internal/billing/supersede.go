package billing

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/PortNumber53/botbuilder/backend/internal/metrics"
)

// cancelSuperseded cancels every subscription in active other than keepID so a
// customer is left with a single active subscription. Every cancel is
// attempted; the joined errors are returned.
func cancelSuperseded(ctx context.Context, proc Processor, logger zerolog.Logger, keepID string, active []*stripelib.Subscription) error {
	var errs []error
	for _, sub := range active {
		if sub == nil || sub.ID == keepID {
			continue
		}
		if err := proc.CancelSubscription(ctx, sub.ID); err != nil {
			metrics.SupersededCancelsTotal.WithLabelValues("error").Inc()
			logger.Warn().Err(err).
				Str("subscription_id", sub.ID).
				Str("canonical_id", keepID).
				Msg("failed to cancel superseded subscription")
			errs = append(errs, err)
			continue
		}
		metrics.SupersededCancelsTotal.WithLabelValues("canceled").Inc()
		logger.Info().
			Str("subscription_id", sub.ID).
			Str("canonical_id", keepID).
			Msg("canceled superseded subscription")
	}
	return errors.Join(errs...)
}
