package models

// Identity is the verified caller extracted from the identity provider's token.
type Identity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// OnboardingProfile is the subset of the onboarding record this backend reads and resets.
type OnboardingProfile struct {
	UserID              string  `json:"user_id"`
	OnboardingCompleted bool    `json:"onboarding_completed"`
	OnboardingStep      *string `json:"onboarding_step,omitempty"`
	// LastSeenSubscribed is the subscription state observed at the previous gate
	// evaluation; nil until the first evaluation.
	LastSeenSubscribed *bool `json:"last_seen_subscribed,omitempty"`
}
