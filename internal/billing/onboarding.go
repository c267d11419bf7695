package billing

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/botbuilder/backend/internal/logging"
	"github.com/PortNumber53/botbuilder/backend/internal/metrics"
	"github.com/PortNumber53/botbuilder/backend/internal/models"
	"github.com/PortNumber53/botbuilder/backend/internal/policy"
)

// EntitlementSource yields a user's current entitlement.
type EntitlementSource interface {
	Refresh(ctx context.Context, userID string) (models.Entitlement, error)
}

// GateResult is the outcome of an onboarding gate evaluation. ForceOnboarding
// is true only on the evaluation that observed the lapse and applied the reset.
type GateResult struct {
	Entitlement     models.Entitlement `json:"entitlement"`
	ForceOnboarding bool               `json:"force_onboarding"`
	ResetApplied    bool               `json:"reset_applied"`
}

// OnboardingGate routes users who lost their subscription back into
// onboarding, once per lapse.
type OnboardingGate struct {
	entitlements EntitlementSource
	profiles     OnboardingStore
	logger       zerolog.Logger
}

// NewOnboardingGate builds an onboarding gate.
func NewOnboardingGate(entitlements EntitlementSource, profiles OnboardingStore) *OnboardingGate {
	return &OnboardingGate{
		entitlements: entitlements,
		profiles:     profiles,
		logger:       logging.Component("onboarding"),
	}
}

// Evaluate refreshes the entitlement, applies any reset the transition calls
// for and records the observed subscription state.
func (g *OnboardingGate) Evaluate(ctx context.Context, userID string) (GateResult, error) {
	ent, err := g.entitlements.Refresh(ctx, userID)
	if err != nil {
		return GateResult{}, err
	}

	profile, err := g.profiles.GetOnboardingProfile(ctx, userID)
	if err != nil {
		return GateResult{}, internal("onboarding.load", err)
	}

	var previous *models.Entitlement
	if profile.LastSeenSubscribed != nil {
		previous = &models.Entitlement{Subscribed: *profile.LastSeenSubscribed}
	}

	result := GateResult{Entitlement: ent}

	if action := policy.OnboardingTransition(previous, ent, *profile); action != nil {
		applied, err := g.profiles.ResetOnboarding(ctx, action.UserID)
		if err != nil {
			return GateResult{}, internal("onboarding.reset", err)
		}
		if applied {
			// The reset also records the lapse as seen.
			result.ForceOnboarding = true
			result.ResetApplied = true
			metrics.OnboardingResetsTotal.Inc()
			g.logger.Info().Str("user_id", userID).Msg("subscription lapsed; onboarding reset")
			return result, nil
		}
	}

	if previous == nil || previous.Subscribed != ent.Subscribed {
		if err := g.profiles.RecordSubscriptionSeen(ctx, userID, ent.Subscribed); err != nil {
			return GateResult{}, internal("onboarding.record", err)
		}
	}
	return result, nil
}
