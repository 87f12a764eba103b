package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisChecker stores marks as expiring Redis keys, shared by every
// consumer in the group.
type RedisChecker struct {
	client redis.Cmdable
	prefix string
}

var _ Checker = (*RedisChecker)(nil)

// NewRedisChecker creates a checker writing keys under prefix.
func NewRedisChecker(client redis.Cmdable, prefix string) *RedisChecker {
	if prefix == "" {
		prefix = "{catlock}:seen:"
	}
	return &RedisChecker{client: client, prefix: prefix}
}

func (c *RedisChecker) Check(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, c.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("check %s: %w", key, err)
	}
	return n > 0, nil
}

func (c *RedisChecker) Mark(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.prefix+key, 1, ttl).Err(); err != nil {
		return fmt.Errorf("mark %s: %w", key, err)
	}
	return nil
}
