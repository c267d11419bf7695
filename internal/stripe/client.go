package stripe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/PortNumber53/botbuilder/backend/internal/logging"
)

const (
	defaultTimeout        = 10 * time.Second
	defaultReadRetryDelay = 250 * time.Millisecond
	maxListLimit          = 100
)

// Client wraps the stripe-go API client. Reads (list/retrieve) are retried
// once on transport errors and 5xx/429 responses; mutations are never retried.
type Client struct {
	api            *stripelib.Client
	readRetryDelay time.Duration
	logger         zerolog.Logger
}

type clientOptions struct {
	baseURL        string
	timeout        time.Duration
	readRetryDelay time.Duration
}

// Option customises a Client.
type Option func(*clientOptions)

// WithBaseURL points the client at a different API host (e.g. a mock server).
func WithBaseURL(baseURL string) Option {
	return func(o *clientOptions) {
		if baseURL != "" {
			o.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithTimeout bounds every request made by the client.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithReadRetryDelay sets the pause before the single read retry.
func WithReadRetryDelay(d time.Duration) Option {
	return func(o *clientOptions) {
		if d > 0 {
			o.readRetryDelay = d
		}
	}
}

// NewClient creates a new Stripe API client
func NewClient(secretKey string, opts ...Option) *Client {
	o := clientOptions{
		timeout:        defaultTimeout,
		readRetryDelay: defaultReadRetryDelay,
	}
	for _, opt := range opts {
		opt(&o)
	}

	logger := logging.Component("stripe")
	cfg := &stripelib.BackendConfig{
		HTTPClient:        &http.Client{Timeout: o.timeout},
		MaxNetworkRetries: stripelib.Int64(0),
		LeveledLogger:     leveledLogger{logger: logger},
		EnableTelemetry:   stripelib.Bool(false),
	}
	if o.baseURL != "" {
		cfg.URL = stripelib.String(o.baseURL)
	}

	return &Client{
		api:            stripelib.NewClient(secretKey, stripelib.WithBackends(stripelib.NewBackendsWithConfig(cfg))),
		readRetryDelay: o.readRetryDelay,
		logger:         logger,
	}
}

// CreateCustomer creates a customer tagged with the owning user ID. The
// idempotency key is derived from the user ID so rapid duplicate calls collapse
// into one customer on Stripe's side.
func (c *Client) CreateCustomer(ctx context.Context, userID, email string) (*stripelib.Customer, error) {
	params := &stripelib.CustomerCreateParams{}
	if email != "" {
		params.Email = stripelib.String(email)
	}
	params.AddMetadata("user_id", userID)
	params.SetIdempotencyKey(IdempotencyKey("customer", userID, email))

	cust, err := c.api.V1Customers.Create(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("create customer: %w", err)
	}
	if cust == nil || cust.ID == "" {
		return nil, fmt.Errorf("create customer: missing customer ID in response")
	}
	return cust, nil
}

// ListSubscriptions lists a customer's subscriptions, most recent first.
// status may be "active", "all", or any Stripe subscription status.
func (c *Client) ListSubscriptions(ctx context.Context, customerID, status string, limit int) ([]*stripelib.Subscription, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	var subs []*stripelib.Subscription
	err := c.read(ctx, "list subscriptions", func(ctx context.Context) error {
		params := &stripelib.SubscriptionListParams{Customer: stripelib.String(customerID)}
		params.Limit = stripelib.Int64(int64(limit))
		if status != "" {
			params.Status = stripelib.String(status)
		}

		subs = subs[:0]
		for sub, err := range c.api.V1Subscriptions.List(ctx, params) {
			if err != nil {
				return err
			}
			subs = append(subs, sub)
			// The iterator pages on; one page is all the caller asked for.
			if len(subs) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

// GetSubscription retrieves a single subscription.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*stripelib.Subscription, error) {
	var sub *stripelib.Subscription
	err := c.read(ctx, "get subscription", func(ctx context.Context) error {
		var err error
		sub, err = c.api.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// UpdateSubscriptionPrice swaps the given subscription item to a new price with
// prorated billing and attaches metadata to the subscription.
func (c *Client) UpdateSubscriptionPrice(ctx context.Context, subscriptionID, itemID, newPriceID string, metadata map[string]string) (*stripelib.Subscription, error) {
	params := &stripelib.SubscriptionUpdateParams{
		Items: []*stripelib.SubscriptionUpdateItemParams{{
			ID:    stripelib.String(itemID),
			Price: stripelib.String(newPriceID),
		}},
		ProrationBehavior: stripelib.String("create_prorations"),
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	sub, err := c.api.V1Subscriptions.Update(ctx, subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("update subscription price: %w", err)
	}

	c.logger.Info().
		Str("subscription_id", subscriptionID).
		Str("price_id", newPriceID).
		Msg("subscription price updated")
	return sub, nil
}

// CancelSubscription cancels a subscription immediately. Cancelling a
// subscription that is already canceled (or no longer exists) is a success.
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string) error {
	_, err := c.api.V1Subscriptions.Cancel(ctx, subscriptionID, nil)
	if err == nil {
		return nil
	}

	if IsNotFound(err) {
		return nil
	}
	var apiErr *stripelib.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	if apiErr.HTTPStatusCode == http.StatusBadRequest {
		sub, getErr := c.GetSubscription(ctx, subscriptionID)
		if getErr == nil && IsTerminal(sub.Status) {
			return nil
		}
	}
	return fmt.Errorf("cancel subscription: %w", err)
}

// GetProduct retrieves a product (used to resolve the plan tier name).
func (c *Client) GetProduct(ctx context.Context, productID string) (*stripelib.Product, error) {
	var prod *stripelib.Product
	err := c.read(ctx, "get product", func(ctx context.Context) error {
		var err error
		prod, err = c.api.V1Products.Retrieve(ctx, productID, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	return prod, nil
}

// CheckoutSessionParams are the inputs for a subscription-mode checkout session.
type CheckoutSessionParams struct {
	CustomerID        string
	PriceID           string
	SuccessURL        string
	CancelURL         string
	ClientReferenceID string
	Metadata          map[string]string
	IdempotencyKey    string
}

// CreateCheckoutSession creates a Stripe Checkout session for a subscription
func (c *Client) CreateCheckoutSession(ctx context.Context, in CheckoutSessionParams) (*stripelib.CheckoutSession, error) {
	params := &stripelib.CheckoutSessionCreateParams{
		Mode:     stripelib.String(string(stripelib.CheckoutSessionModeSubscription)),
		Customer: stripelib.String(in.CustomerID),
		LineItems: []*stripelib.CheckoutSessionCreateLineItemParams{{
			Price:    stripelib.String(in.PriceID),
			Quantity: stripelib.Int64(1),
		}},
		SuccessURL: stripelib.String(in.SuccessURL),
		CancelURL:  stripelib.String(in.CancelURL),
	}
	if in.ClientReferenceID != "" {
		params.ClientReferenceID = stripelib.String(in.ClientReferenceID)
	}
	if len(in.Metadata) > 0 {
		params.SubscriptionData = &stripelib.CheckoutSessionCreateSubscriptionDataParams{Metadata: map[string]string{}}
		for k, v := range in.Metadata {
			params.AddMetadata(k, v)
			params.SubscriptionData.Metadata[k] = v
		}
	}
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}

	sess, err := c.api.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	if sess == nil || sess.ID == "" || sess.URL == "" {
		return nil, fmt.Errorf("create checkout session: missing session ID or URL in response")
	}
	return sess, nil
}

// IdempotencyKey derives a stable key from its parts so identical requests
// issued close together resolve to the same Stripe object.
func IdempotencyKey(parts ...string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("botbuilder:"+strings.Join(parts, ":"))).String()
}

// IsNotFound reports whether err is Stripe saying the object does not exist.
func IsNotFound(err error) bool {
	var apiErr *stripelib.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == stripelib.ErrorCodeResourceMissing || apiErr.HTTPStatusCode == http.StatusNotFound
}

// read runs fn with a single retry on retryable failures.
func (c *Client) read(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(1, retry.NewConstant(c.readRetryDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && isRetryable(err) {
			c.logger.Debug().Str("op", op).Err(err).Msg("retrying stripe read")
			return retry.RetryableError(err)
		}
		return err
	})
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *stripelib.Error
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode >= 500 || apiErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// leveledLogger routes stripe-go's internal logging through zerolog. Request
// errors are returned to callers, so the library's own error lines stay at debug.
type leveledLogger struct {
	logger zerolog.Logger
}

func (l leveledLogger) Debugf(format string, v ...interface{}) { l.logger.Debug().Msgf(format, v...) }
func (l leveledLogger) Infof(format string, v ...interface{})  { l.logger.Debug().Msgf(format, v...) }
func (l leveledLogger) Warnf(format string, v ...interface{})  { l.logger.Warn().Msgf(format, v...) }
func (l leveledLogger) Errorf(format string, v ...interface{}) { l.logger.Debug().Msgf(format, v...) }
