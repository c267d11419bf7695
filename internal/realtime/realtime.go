package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// InvalidationChannel is the Redis channel dashboards listen on to know a
// user's entitlement changed and should be re-read.
const InvalidationChannel = "entitlements:invalidate"

var (
	ErrInvalidRedisURL = errors.New("realtime: invalid redis url")
	ErrRedisNotReady   = errors.New("realtime: redis not ready")
)

// Publisher announces that a user's entitlement changed.
type Publisher interface {
	PublishInvalidation(ctx context.Context, userID string) error
}

// Invalidation is the message published on InvalidationChannel.
type Invalidation struct {
	UserID string    `json:"user_id"`
	At     time.Time `json:"at"`
}

// NopPublisher drops every message. Used when Redis is not configured.
type NopPublisher struct{}

func (NopPublisher) PublishInvalidation(context.Context, string) error { return nil }

type publishClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisPublisher publishes invalidations over Redis pub/sub.
type RedisPublisher struct {
	client  publishClient
	channel string
	now     func() time.Time
}

// NewRedisPublisher wraps a connected Redis client.
func NewRedisPublisher(client redis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{client: client, channel: InvalidationChannel, now: time.Now}
}

func (p *RedisPublisher) PublishInvalidation(ctx context.Context, userID string) error {
	payload, err := json.Marshal(Invalidation{UserID: userID, At: p.now().UTC()})
	if err != nil {
		return fmt.Errorf("realtime: encode invalidation: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("realtime: publish invalidation: %w", err)
	}
	return nil
}

// Connect parses a redis:// URL and pings the server, retrying a few times
// while it comes up.
func Connect(ctx context.Context, rawURL string, attempts int, interval time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, errors.Join(ErrInvalidRedisURL, err)
	}
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for range attempts {
		client := redis.NewClient(opts)
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			return client, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(interval):
		}
	}
	return nil, errors.Join(ErrRedisNotReady, lastErr)
}
