package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum requests allowed per window
	Window time.Duration // Window length
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiter is a fixed-window counter: one INCR per request on a key that
// expires with the window.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
	}
}

// Allow checks if a request is allowed under the rate limit.
func (r *RateLimiter) Allow(ctx context.Context, id string) (*RateLimitResult, error) {
	return r.AllowN(ctx, id, 1)
}

// AllowN counts n requests against id's current window.
func (r *RateLimiter) AllowN(ctx context.Context, id string, n int) (*RateLimitResult, error) {
	now := time.Now()
	windowStart := now.Truncate(r.config.Window)
	resetAt := windowStart.Add(r.config.Window)

	redisKey := key("ratelimit", id, fmt.Sprintf("%d", windowStart.Unix()))

	pipe := r.client.rdb.TxPipeline()
	incr := pipe.IncrBy(ctx, redisKey, int64(n))
	pipe.ExpireAt(ctx, redisKey, resetAt.Add(time.Second))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	count := int(incr.Val())
	remaining := r.config.Limit - count

	if count > r.config.Limit {
		// Give the rejected units back so a large AllowN does not starve
		// smaller requests later in the window.
		if err := r.client.rdb.DecrBy(ctx, redisKey, int64(n)).Err(); err != nil {
			r.logger.Warn("rate limit rollback failed", zap.Error(err))
		}

		r.logger.Debug("rate limit exceeded",
			zap.String("key", id),
			zap.Int("count", count),
			zap.Int("limit", r.config.Limit),
		)
		return &RateLimitResult{
			Allowed:   false,
			Limit:     r.config.Limit,
			Remaining: max(0, r.config.Limit-(count-n)),
			ResetAt:   resetAt,
		}, nil
	}

	return &RateLimitResult{
		Allowed:   true,
		Limit:     r.config.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}
