package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StatusCache remembers tenant status in Redis so that every session checkout
// does not need a round trip to core.tenants. Only positive facts (active or
// deleted) are cached; unknown tenants always fall through to the database.
type StatusCache struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

// NewStatusCache wraps a Redis client. A nil client yields a nil cache, which
// every method treats as a miss.
func NewStatusCache(client *redis.Client, namespace string, ttl time.Duration) *StatusCache {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &StatusCache{client: client, namespace: namespace, ttl: ttl}
}

func (c *StatusCache) key(id ID) string {
	return fmt.Sprintf("%s:tenant:%s:status", c.namespace, id)
}

// Get returns the cached status and whether it was present.
func (c *StatusCache) Get(ctx context.Context, id ID) (Status, bool, error) {
	if c == nil {
		return "", false, nil
	}
	val, err := c.client.Get(ctx, c.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read tenant status: %w", err)
	}
	status := Status(val)
	if !status.valid() {
		return "", false, nil
	}
	return status, true, nil
}

// Set records a status unconditionally.
func (c *StatusCache) Set(ctx context.Context, id ID, status Status) error {
	if c == nil {
		return nil
	}
	if err := c.client.Set(ctx, c.key(id), string(status), c.ttl).Err(); err != nil {
		return fmt.Errorf("write tenant status: %w", err)
	}
	return nil
}

// Remember caches a status read from the database. Deleted is terminal and
// always written; active is only written when nothing is cached, so a stale
// read racing a concurrent delete cannot replace the deleted entry.
func (c *StatusCache) Remember(ctx context.Context, id ID, status Status) error {
	if c == nil {
		return nil
	}
	if status != StatusActive {
		return c.Set(ctx, id, status)
	}
	if err := c.client.SetNX(ctx, c.key(id), string(status), c.ttl).Err(); err != nil {
		return fmt.Errorf("write tenant status: %w", err)
	}
	return nil
}
