package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"passkey-service/internal/bucketing"
	"passkey-service/internal/client"
	"passkey-service/internal/models"
	"passkey-service/internal/util"
)

const rateLimitPrefix = "rate_limit:"

// RateLimitCache implements fixed-window rate limiting on Redis
// counters. Windows are aligned to wall-clock boundaries so every
// node in the fleet agrees on the current window.
type RateLimitCache struct {
	client  *client.RedisClient
	buckets *bucketing.Manager
	clock   models.Clock
}

func NewRateLimitCache(client *client.RedisClient, buckets *bucketing.Manager, clock models.Clock) *RateLimitCache {
	if clock == nil {
		clock = time.Now
	}
	return &RateLimitCache{client: client, buckets: buckets, clock: clock}
}

// Allow counts a hit against key's current window and reports whether
// the caller is still within limit.
func (c *RateLimitCache) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	windowStart := c.buckets.TimeBucket(c.clock(), window)
	windowKey := fmt.Sprintf("%s%s:%d", rateLimitPrefix, key, windowStart)

	count, err := c.client.IncrWithExpire(ctx, windowKey, window)
	if err != nil {
		util.Error("Failed to increment rate limit counter",
			zap.String("key", key),
			zap.Error(err))
		return false, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	allowed := count <= int64(limit)
	if !allowed {
		util.Warn("Rate limit exceeded",
			zap.String("key", key),
			zap.Int64("count", count),
			zap.Int("limit", limit))
	}

	return allowed, nil
}
