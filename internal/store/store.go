package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/botbuilder/backend/internal/models"
)

const (
	subscribersTable        = "subscribers"
	onboardingProfilesTable = "onboarding_profiles"
)

// ErrSubscriberNotFound is returned when no subscriber row matches a lookup.
var ErrSubscriberNotFound = errors.New("subscriber not found")

// Store provides database-backed accessors for application data.
type Store struct {
	db *sql.DB
}

// New creates a Store using the provided sql.DB connection.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Store{db: db}, nil
}

// Ping verifies the database connection is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const subscriberColumns = `user_id, email, stripe_customer_id, subscribed, subscription_tier,
  subscription_end, trial_end, created_at, updated_at, webhook_received_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(row rowScanner) (*models.Subscriber, error) {
	var (
		sub               models.Subscriber
		customerID        sql.NullString
		tier              sql.NullString
		subscriptionEnd   sql.NullTime
		trialEnd          sql.NullTime
		webhookReceivedAt sql.NullTime
	)
	if err := row.Scan(
		&sub.UserID,
		&sub.Email,
		&customerID,
		&sub.Subscribed,
		&tier,
		&subscriptionEnd,
		&trialEnd,
		&sub.CreatedAt,
		&sub.UpdatedAt,
		&webhookReceivedAt,
	); err != nil {
		return nil, err
	}
	sub.StripeCustomerID = nullStringPtr(customerID)
	sub.SubscriptionTier = nullStringPtr(tier)
	sub.SubscriptionEnd = nullTimePtr(subscriptionEnd)
	sub.TrialEnd = nullTimePtr(trialEnd)
	sub.WebhookReceivedAt = nullTimePtr(webhookReceivedAt)
	return &sub, nil
}

// GetSubscriber loads the subscriber row for a user.
func (s *Store) GetSubscriber(ctx context.Context, userID string) (*models.Subscriber, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriberColumns+` FROM `+subscribersTable+` WHERE user_id = $1`,
		userID,
	)
	sub, err := scanSubscriber(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSubscriberNotFound
		}
		return nil, fmt.Errorf("store: get subscriber: %w", err)
	}
	return sub, nil
}

// GetSubscriberByCustomerID loads the subscriber linked to a Stripe customer.
func (s *Store) GetSubscriberByCustomerID(ctx context.Context, customerID string) (*models.Subscriber, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriberColumns+` FROM `+subscribersTable+` WHERE stripe_customer_id = $1`,
		customerID,
	)
	sub, err := scanSubscriber(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSubscriberNotFound
		}
		return nil, fmt.Errorf("store: get subscriber by customer: %w", err)
	}
	return sub, nil
}

// LinkCustomer creates the subscriber row if needed and records the Stripe
// customer ID. An already-linked customer ID is never replaced; the returned
// value is whichever ID the row holds after the write.
func (s *Store) LinkCustomer(ctx context.Context, userID, email, customerID string) (string, error) {
	var linked string
	if err := s.db.QueryRowContext(ctx,
		`INSERT INTO subscribers (user_id, email, stripe_customer_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE
		 SET stripe_customer_id = COALESCE(subscribers.stripe_customer_id, EXCLUDED.stripe_customer_id),
		     email = CASE WHEN EXCLUDED.email <> '' THEN EXCLUDED.email ELSE subscribers.email END,
		     updated_at = now()
		 RETURNING stripe_customer_id`,
		userID,
		email,
		customerID,
	).Scan(&linked); err != nil {
		return "", fmt.Errorf("store: link customer: %w", err)
	}
	return linked, nil
}

// SaveSubscriptionState writes the processor-derived subscription fields.
// The tier is cleared whenever the user is not subscribed. Webhook writes also
// stamp webhook_received_at.
func (s *Store) SaveSubscriptionState(ctx context.Context, userID string, state models.SubscriptionState, source models.StateSource) error {
	tier := state.Tier
	if !state.Subscribed {
		tier = nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE subscribers
		 SET subscribed = $2,
		     subscription_tier = $3,
		     subscription_end = $4,
		     updated_at = now(),
		     webhook_received_at = CASE WHEN $5 THEN now() ELSE webhook_received_at END
		 WHERE user_id = $1`,
		userID,
		state.Subscribed,
		tier,
		state.SubscriptionEnd,
		source == models.SourceWebhook,
	)
	if err != nil {
		return fmt.Errorf("store: save subscription state: %w", err)
	}
	return requireRow(res)
}

// MarkUnsubscribed flips a subscriber to unsubscribed, keeping subscription_end
// as the expiry marker.
func (s *Store) MarkUnsubscribed(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscribers
		 SET subscribed = FALSE,
		     subscription_tier = NULL,
		     updated_at = now(),
		     webhook_received_at = now()
		 WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("store: mark unsubscribed: %w", err)
	}
	return requireRow(res)
}

// StartTrial sets trial_end if it has never been set and returns the stored
// value. Calling it again never extends or resets an existing trial.
func (s *Store) StartTrial(ctx context.Context, userID, email string, trialEnd time.Time) (time.Time, error) {
	var stored time.Time
	if err := s.db.QueryRowContext(ctx,
		`INSERT INTO subscribers (user_id, email, trial_end)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE
		 SET trial_end = COALESCE(subscribers.trial_end, EXCLUDED.trial_end),
		     updated_at = CASE WHEN subscribers.trial_end IS NULL THEN now() ELSE subscribers.updated_at END
		 RETURNING trial_end`,
		userID,
		email,
		trialEnd,
	).Scan(&stored); err != nil {
		return time.Time{}, fmt.Errorf("store: start trial: %w", err)
	}
	return stored.UTC(), nil
}

// ListLapsedSubscribers returns users still marked subscribed whose paid
// period ended before cutoff, oldest first. These rows missed a webhook.
func (s *Store) ListLapsedSubscribers(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM `+subscribersTable+`
		 WHERE subscribed = TRUE
		   AND stripe_customer_id IS NOT NULL
		   AND subscription_end < $1
		 ORDER BY subscription_end ASC
		 LIMIT $2`,
		cutoff,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list lapsed subscribers: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("store: scan lapsed subscriber: %w", err)
		}
		userIDs = append(userIDs, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate lapsed subscribers: %w", err)
	}
	return userIDs, nil
}

// GetOnboardingProfile returns the user's onboarding profile. Users without a
// row get an empty, not-completed profile.
func (s *Store) GetOnboardingProfile(ctx context.Context, userID string) (*models.OnboardingProfile, error) {
	var (
		profile  = models.OnboardingProfile{UserID: userID}
		step     sql.NullString
		lastSeen sql.NullBool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT onboarding_completed, onboarding_step, last_seen_subscribed
		 FROM `+onboardingProfilesTable+`
		 WHERE user_id = $1`,
		userID,
	).Scan(&profile.OnboardingCompleted, &step, &lastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &profile, nil
		}
		return nil, fmt.Errorf("store: get onboarding profile: %w", err)
	}
	profile.OnboardingStep = nullStringPtr(step)
	if lastSeen.Valid {
		v := lastSeen.Bool
		profile.LastSeenSubscribed = &v
	}
	return &profile, nil
}

// ResetOnboarding routes a lapsed user back into onboarding. The guard on
// last_seen_subscribed makes the reset apply at most once per lapse even when
// several requests race; it reports whether this call applied it.
func (s *Store) ResetOnboarding(ctx context.Context, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE onboarding_profiles
		 SET onboarding_completed = FALSE,
		     onboarding_step = NULL,
		     last_seen_subscribed = FALSE,
		     updated_at = now()
		 WHERE user_id = $1
		   AND onboarding_completed = TRUE
		   AND last_seen_subscribed = TRUE`,
		userID,
	)
	if err != nil {
		return false, fmt.Errorf("store: reset onboarding: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: reset onboarding rows: %w", err)
	}
	return n > 0, nil
}

// RecordSubscriptionSeen stores the subscription state observed by the
// onboarding gate so the next evaluation can detect a transition.
func (s *Store) RecordSubscriptionSeen(ctx context.Context, userID string, subscribed bool) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE onboarding_profiles
		 SET last_seen_subscribed = $2,
		     updated_at = now()
		 WHERE user_id = $1
		   AND last_seen_subscribed IS DISTINCT FROM $2`,
		userID,
		subscribed,
	); err != nil {
		return fmt.Errorf("store: record subscription seen: %w", err)
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return ErrSubscriberNotFound
	}
	return nil
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	v := value.Time.UTC()
	return &v
}
