// Package policy maps entitlement state to plan limits and onboarding decisions.
// Everything here is pure: no I/O, no clocks.
package policy

import (
	"strings"

	"github.com/PortNumber53/botbuilder/backend/internal/models"
)

// Unlimited marks a limit that must be treated as "always allowed".
const Unlimited int64 = -1

// Limits are the per-plan resource ceilings. MaxStorage is in megabytes.
type Limits struct {
	MaxBots           int64 `json:"max_bots"`
	MaxKnowledgeBases int64 `json:"max_knowledge_bases"`
	MaxMessages       int64 `json:"max_messages"`
	MaxStorage        int64 `json:"max_storage"`
}

// Resource names accepted by Limits.For.
const (
	ResourceBots           = "bots"
	ResourceKnowledgeBases = "knowledge_bases"
	ResourceMessages       = "messages"
	ResourceStorage        = "storage"
)

// For returns the limit for a named resource. Unknown names yield 0.
func (l Limits) For(resource string) int64 {
	switch resource {
	case ResourceBots:
		return l.MaxBots
	case ResourceKnowledgeBases:
		return l.MaxKnowledgeBases
	case ResourceMessages:
		return l.MaxMessages
	case ResourceStorage:
		return l.MaxStorage
	default:
		return 0
	}
}

var tierLimits = map[string]Limits{
	"starter":      {MaxBots: 1, MaxKnowledgeBases: 1, MaxMessages: 1000, MaxStorage: 100},
	"professional": {MaxBots: 5, MaxKnowledgeBases: 10, MaxMessages: 10000, MaxStorage: 1024},
	"enterprise":   {MaxBots: Unlimited, MaxKnowledgeBases: Unlimited, MaxMessages: Unlimited, MaxStorage: Unlimited},
}

// TrialLimits apply while a user is on an active, unpaid trial.
var TrialLimits = tierLimits["starter"]

// PlanLimits returns the limits for a tier. Unsubscribed users and unrecognised
// tiers get all-zero limits; an unknown tier string never grants access.
func PlanLimits(tier string, subscribed bool) Limits {
	if !subscribed {
		return Limits{}
	}
	limits, ok := tierLimits[strings.ToLower(strings.TrimSpace(tier))]
	if !ok {
		return Limits{}
	}
	return limits
}

// LimitsFor resolves limits for a full entitlement, granting TrialLimits to
// users on an active trial. A paid subscription always takes precedence.
func LimitsFor(ent models.Entitlement) Limits {
	if ent.Subscribed {
		tier := ""
		if ent.SubscriptionTier != nil {
			tier = *ent.SubscriptionTier
		}
		return PlanLimits(tier, true)
	}
	if ent.IsTrial {
		return TrialLimits
	}
	return Limits{}
}

// CanCreate reports whether one more resource may be created given the current count.
func CanCreate(resourceCount, limit int64) bool {
	return limit == Unlimited || resourceCount < limit
}

// ShouldForceOnboarding reports whether a user who finished onboarding has
// lost their paid subscription and must be routed back through onboarding.
func ShouldForceOnboarding(profile models.OnboardingProfile, ent models.Entitlement) bool {
	return profile.OnboardingCompleted && !ent.Subscribed
}

// ActionKind identifies a side effect the caller must apply.
type ActionKind string

const ActionResetOnboarding ActionKind = "reset_onboarding"

// Action is a side effect produced by OnboardingTransition.
type Action struct {
	Kind   ActionKind
	UserID string
}

// OnboardingTransition decides whether an observed entitlement change requires
// resetting onboarding. previous is the state seen at the last evaluation (nil
// if none was recorded). It fires only on an observed subscribed to
// unsubscribed edge for a user who finished onboarding. A first observation
// only records, so users who never paid are not pushed back.
func OnboardingTransition(previous *models.Entitlement, current models.Entitlement, profile models.OnboardingProfile) *Action {
	if previous == nil || !previous.Subscribed {
		return nil
	}
	if !ShouldForceOnboarding(profile, current) {
		return nil
	}
	return &Action{Kind: ActionResetOnboarding, UserID: profile.UserID}
}
