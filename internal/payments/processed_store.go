package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProcessedTracker remembers provider webhook events that were already applied.
type ProcessedTracker interface {
	AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, provider, eventID string) (bool, error)
}

// RedisProcessedTracker stores processed event ids in Redis with a TTL that
// outlives the provider's retry window.
type RedisProcessedTracker struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisProcessedTracker keeps event ids for ttl, 72h when unset.
func NewRedisProcessedTracker(client redis.UniversalClient, ttl time.Duration) *RedisProcessedTracker {
	if client == nil {
		panic("payments: redis client required")
	}
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisProcessedTracker{client: client, ttl: ttl}
}

func processedKey(provider, eventID string) string {
	return "webhook:" + provider + ":" + eventID
}

// AlreadyProcessed checks if we've seen this provider event id.
func (t *RedisProcessedTracker) AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	_, err := t.client.Get(ctx, processedKey(provider, eventID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("payments: check processed: %w", err)
	}
	return true, nil
}

// MarkProcessed records the event id, returning false if it was already present.
func (t *RedisProcessedTracker) MarkProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	ok, err := t.client.SetNX(ctx, processedKey(provider, eventID), time.Now().UTC().Format(time.RFC3339), t.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("payments: mark processed: %w", err)
	}
	return ok, nil
}
