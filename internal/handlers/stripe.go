package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/botbuilder/backend/internal/billing"
	"github.com/PortNumber53/botbuilder/backend/internal/metrics"
)

// maxWebhookBody matches the payload ceiling Stripe documents for webhook events.
const maxWebhookBody = 1 << 20

// WebhookIngestor verifies and applies a raw Stripe event.
type WebhookIngestor interface {
	Handle(ctx context.Context, body []byte, signature string) (string, error)
}

// StripeHandler receives Stripe webhook deliveries.
type StripeHandler struct {
	Ingestor WebhookIngestor
}

// NewStripeHandler creates a new StripeHandler.
func NewStripeHandler(ingestor WebhookIngestor) *StripeHandler {
	return &StripeHandler{Ingestor: ingestor}
}

// RegisterRoutes registers the webhook route. It must stay outside the
// authenticated group; the Stripe signature is the credential.
func (h *StripeHandler) RegisterRoutes(router chi.Router) {
	router.Post("/api/webhooks/stripe", h.HandleWebhook())
}

// HandleWebhook verifies the signature over the raw body and applies the event.
// Any non-2xx status makes Stripe redeliver, so only failures worth retrying
// return 5xx.
func (h *StripeHandler) HandleWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		eventType := "unknown"
		status := http.StatusOK
		defer func() {
			metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
			metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		}()

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			status = http.StatusRequestEntityTooLarge
			var maxErr *http.MaxBytesError
			if !errors.As(err, &maxErr) {
				status = http.StatusBadRequest
			}
			log.Warn().Err(err).Msg("stripe webhook: failed to read body")
			writeErrorMessage(w, status, "unable to read body", "")
			return
		}

		handled, err := h.Ingestor.Handle(r.Context(), body, r.Header.Get("Stripe-Signature"))
		if handled != "" {
			eventType = handled
		}
		if err != nil {
			status, _ = statusFor(billing.KindOf(err))
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	}
}
