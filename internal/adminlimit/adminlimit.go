// Package adminlimit throttles repeated failed admin-key attempts per
// source IP using Redis, independent of the in-memory per-API-key
// RateLimitSlidingWindow that gates metered tool calls (pkg/ratelimit).
// This guards the single admin credential against brute force; it is
// optional infrastructure — when no Redis client is configured, Allow
// always succeeds.
package adminlimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter throttles admin authentication failures per source IP.
type Limiter struct {
	redis      *redis.Client
	maxAttempt int
	window     time.Duration
}

// New creates a Limiter. A nil redis client disables throttling. maxAttempt
// is the number of failed attempts allowed per IP within window.
func New(rdb *redis.Client, maxAttempt int, window time.Duration) *Limiter {
	return &Limiter{redis: rdb, maxAttempt: maxAttempt, window: window}
}

// Result holds the outcome of an Allow check.
type Result struct {
	Allowed   bool
	Remaining int
	RetryAt   time.Time
}

// Allow reports whether ip may attempt admin authentication.
func (l *Limiter) Allow(ctx context.Context, ip string) (Result, error) {
	if l.redis == nil {
		return Result{Allowed: true, Remaining: l.maxAttempt}, nil
	}

	key := fmt.Sprintf("meterproxy:adminlimit:%s", ip)

	count, err := l.redis.Get(ctx, key).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Result{}, fmt.Errorf("checking admin rate limit: %w", err)
	}

	if count >= l.maxAttempt {
		ttl, err := l.redis.TTL(ctx, key).Result()
		if err != nil {
			return Result{}, fmt.Errorf("getting admin rate limit TTL: %w", err)
		}
		return Result{Allowed: false, RetryAt: time.Now().Add(ttl)}, nil
	}

	return Result{Allowed: true, Remaining: l.maxAttempt - count}, nil
}

// RecordFailure records a failed admin authentication attempt for ip.
func (l *Limiter) RecordFailure(ctx context.Context, ip string) error {
	if l.redis == nil {
		return nil
	}

	key := fmt.Sprintf("meterproxy:adminlimit:%s", ip)

	pipe := l.redis.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recording admin rate limit: %w", err)
	}

	if incr.Val() == 1 {
		l.redis.Expire(ctx, key, l.window)
	}

	return nil
}

// Reset clears the failure counter for ip (on a successful admin request).
func (l *Limiter) Reset(ctx context.Context, ip string) error {
	if l.redis == nil {
		return nil
	}
	key := fmt.Sprintf("meterproxy:adminlimit:%s", ip)
	return l.redis.Del(ctx, key).Err()
}
