package billing

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/botbuilder/backend/internal/logging"
	"github.com/PortNumber53/botbuilder/backend/internal/models"
	"github.com/PortNumber53/botbuilder/backend/internal/store"
)

// DefaultTrialDays is the length of the unbilled trial.
const DefaultTrialDays = 14

const day = 24 * time.Hour

// TrialManager starts trials and reports their state.
type TrialManager struct {
	store  SubscriberStore
	length time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// NewTrialManager builds a trial manager granting trials of the given number
// of days; non-positive values use DefaultTrialDays.
func NewTrialManager(subscribers SubscriberStore, days int) *TrialManager {
	if days <= 0 {
		days = DefaultTrialDays
	}
	return &TrialManager{
		store:  subscribers,
		length: time.Duration(days) * day,
		now:    time.Now,
		logger: logging.Component("trial"),
	}
}

// StartTrial starts the user's trial if it has never been started. Repeated
// calls return the original trial unchanged.
func (m *TrialManager) StartTrial(ctx context.Context, user models.Identity) (models.TrialState, error) {
	if user.UserID == "" {
		return models.TrialState{}, newError(KindAuth, "trial.start", ErrMissingIdentity)
	}

	now := m.now().UTC()
	trialEnd, err := m.store.StartTrial(ctx, user.UserID, user.Email, now.Add(m.length))
	if err != nil {
		return models.TrialState{}, internal("trial.start", err)
	}

	var state models.SubscriptionState
	sub, err := m.store.GetSubscriber(ctx, user.UserID)
	switch {
	case err == nil:
		state = stateFromSubscriber(sub)
	case !errors.Is(err, store.ErrSubscriberNotFound):
		return models.TrialState{}, internal("trial.load", err)
	}

	m.logger.Info().Str("user_id", user.UserID).Time("trial_end", trialEnd).Msg("trial requested")
	return TrialStateFor(&trialEnd, state, now), nil
}

// Status reports the user's trial without changing it.
func (m *TrialManager) Status(ctx context.Context, userID string) (models.TrialState, error) {
	if userID == "" {
		return models.TrialState{}, newError(KindAuth, "trial.status", ErrMissingIdentity)
	}
	sub, err := m.store.GetSubscriber(ctx, userID)
	if errors.Is(err, store.ErrSubscriberNotFound) {
		return models.TrialState{}, nil
	}
	if err != nil {
		return models.TrialState{}, internal("trial.status", err)
	}
	return TrialStateFor(sub.TrialEnd, stateFromSubscriber(sub), m.now()), nil
}

// DaysRemaining returns the whole days left in a trial, rounded up and never
// negative. It is nil when no trial was ever started.
func DaysRemaining(trialEnd *time.Time, now time.Time) *int {
	if trialEnd == nil {
		return nil
	}
	left := trialEnd.Sub(now)
	days := 0
	if left > 0 {
		days = int((left + day - 1) / day)
	}
	return &days
}

// TrialStateFor derives the trial view. A trial is expired once its end has
// passed and the user is not paying. Converting to a paid subscription ends the
// trial for good; a recorded period end marks a past conversion.
func TrialStateFor(trialEnd *time.Time, sub models.SubscriptionState, now time.Time) models.TrialState {
	view := models.TrialState{
		TrialEnd:      trialEnd,
		DaysRemaining: DaysRemaining(trialEnd, now),
	}
	if trialEnd == nil {
		return view
	}
	running := now.Before(*trialEnd)
	converted := sub.Subscribed || sub.SubscriptionEnd != nil
	view.Active = running && !converted
	view.Expired = !running && !sub.Subscribed
	return view
}
