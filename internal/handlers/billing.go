package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/PortNumber53/botbuilder/backend/internal/billing"
	"github.com/PortNumber53/botbuilder/backend/internal/middleware"
	"github.com/PortNumber53/botbuilder/backend/internal/models"
	"github.com/PortNumber53/botbuilder/backend/internal/policy"
)

const maxRequestBody = 64 * 1024

// EntitlementReader returns the caller's current entitlement.
type EntitlementReader interface {
	Refresh(ctx context.Context, userID string) (models.Entitlement, error)
}

// CheckoutStarter starts a checkout or changes an existing subscription's price.
type CheckoutStarter interface {
	StartCheckoutOrUpgrade(ctx context.Context, user models.Identity, priceID string) (models.CheckoutResponse, error)
}

// TrialService starts and reports trials.
type TrialService interface {
	StartTrial(ctx context.Context, user models.Identity) (models.TrialState, error)
	Status(ctx context.Context, userID string) (models.TrialState, error)
}

// OnboardingEvaluator decides whether a user must redo onboarding.
type OnboardingEvaluator interface {
	Evaluate(ctx context.Context, userID string) (billing.GateResult, error)
}

// BillingHandler serves the authenticated billing endpoints.
type BillingHandler struct {
	Entitlements EntitlementReader
	Checkout     CheckoutStarter
	Trials       TrialService
	Onboarding   OnboardingEvaluator
	validate     *validator.Validate
}

// NewBillingHandler creates a BillingHandler.
func NewBillingHandler(entitlements EntitlementReader, checkout CheckoutStarter, trials TrialService, onboarding OnboardingEvaluator) *BillingHandler {
	return &BillingHandler{
		Entitlements: entitlements,
		Checkout:     checkout,
		Trials:       trials,
		Onboarding:   onboarding,
		validate:     validator.New(),
	}
}

// RegisterRoutes registers billing routes. The router must already enforce authentication.
func (h *BillingHandler) RegisterRoutes(router chi.Router) {
	router.Post("/api/billing/checkout", h.StartCheckout())
	router.Get("/api/billing/entitlement", h.Entitlement())
	router.Post("/api/billing/entitlement/refresh", h.Entitlement())
	router.Get("/api/billing/limits", h.Limits())
	router.Post("/api/billing/limits/check", h.CheckLimit())
	router.Get("/api/billing/trial", h.TrialStatus())
	router.Post("/api/billing/trial", h.StartTrial())
	router.Post("/api/onboarding/gate", h.OnboardingGate())
}

// StartCheckout returns {url} for a hosted checkout or {upgraded:true}.
func (h *BillingHandler) StartCheckout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := requireIdentity(w, r)
		if !ok {
			return
		}

		var req models.CheckoutRequest
		if !h.decode(w, r, &req) {
			return
		}

		resp, err := h.Checkout.StartCheckoutOrUpgrade(r.Context(), identity, req.PriceID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// Entitlement re-reads the caller's entitlement, healing it from Stripe.
func (h *BillingHandler) Entitlement() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := requireIdentity(w, r)
		if !ok {
			return
		}
		ent, err := h.Entitlements.Refresh(r.Context(), identity.UserID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ent)
	}
}

type limitsResponse struct {
	Entitlement models.Entitlement `json:"entitlement"`
	Limits      policy.Limits      `json:"limits"`
}

// Limits returns the caller's entitlement together with the plan limits it grants.
func (h *BillingHandler) Limits() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := requireIdentity(w, r)
		if !ok {
			return
		}
		ent, err := h.Entitlements.Refresh(r.Context(), identity.UserID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, limitsResponse{Entitlement: ent, Limits: policy.LimitsFor(ent)})
	}
}

type limitCheckResponse struct {
	Allowed bool  `json:"allowed"`
	Limit   int64 `json:"limit"`
}

// CheckLimit answers whether one more resource of a kind may be created.
func (h *BillingHandler) CheckLimit() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := requireIdentity(w, r)
		if !ok {
			return
		}

		var req models.LimitCheckRequest
		if !h.decode(w, r, &req) {
			return
		}

		ent, err := h.Entitlements.Refresh(r.Context(), identity.UserID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		limit := policy.LimitsFor(ent).For(req.Resource)
		writeJSON(w, http.StatusOK, limitCheckResponse{
			Allowed: policy.CanCreate(req.Count, limit),
			Limit:   limit,
		})
	}
}

// StartTrial starts the caller's trial; repeated calls return the same trial.
func (h *BillingHandler) StartTrial() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := requireIdentity(w, r)
		if !ok {
			return
		}
		state, err := h.Trials.StartTrial(r.Context(), identity)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
	}
}

// TrialStatus reports the caller's trial without starting one.
func (h *BillingHandler) TrialStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := requireIdentity(w, r)
		if !ok {
			return
		}
		state, err := h.Trials.Status(r.Context(), identity.UserID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
	}
}

// OnboardingGate tells the dashboard whether to route the caller back into onboarding.
func (h *BillingHandler) OnboardingGate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := requireIdentity(w, r)
		if !ok {
			return
		}
		result, err := h.Onboarding.Evaluate(r.Context(), identity.UserID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func requireIdentity(w http.ResponseWriter, r *http.Request) (models.Identity, bool) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		writeErrorMessage(w, http.StatusUnauthorized, "unauthorized", "")
		return models.Identity{}, false
	}
	return identity, true
}

func (h *BillingHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid JSON payload", err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid request", validationDetails(err))
		return false
	}
	return true
}
