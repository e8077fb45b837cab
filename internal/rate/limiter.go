package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrRateLimited is returned when a window budget is exhausted.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps transport-level Redis failures. Callers fail
	// open on it so an infrastructure incident does not lock users out.
	ErrRedisUnavailable = errors.New("redis unavailable")
)

// Config holds rotation limiter tuning parameters.
type Config struct {
	MaxRotationsPerHour int
	MaxRotationsPerDay  int
}

// Limiter enforces per-user rotation rate limits using Redis counters.
type Limiter struct {
	redis  redis.UniversalClient
	prefix string
	config Config
}

// New creates a rotation [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, prefix string, cfg Config) *Limiter {
	return &Limiter{
		redis:  redisClient,
		prefix: prefix,
		config: cfg,
	}
}

func (l *Limiter) hourKey(userID string) string {
	return l.prefix + ":rl:h:" + userID
}

func (l *Limiter) dayKey(userID string) string {
	return l.prefix + ":rl:d:" + userID
}

// CheckRotation consumes one rotation attempt for the user and reports
// whether it is within budget. The attempt is counted even when denied so a
// flood cannot probe the boundary for free. The returned count is the hourly
// counter after this attempt.
func (l *Limiter) CheckRotation(ctx context.Context, userID string) (bool, int64, error) {
	hourly, err := l.incrementWithTTL(ctx, l.hourKey(userID), time.Hour)
	if err != nil {
		return false, 0, err
	}

	daily, err := l.incrementWithTTL(ctx, l.dayKey(userID), 24*time.Hour)
	if err != nil {
		return false, hourly, err
	}

	if hourly > int64(l.config.MaxRotationsPerHour) {
		return false, hourly, nil
	}
	if l.config.MaxRotationsPerDay > 0 && daily > int64(l.config.MaxRotationsPerDay) {
		return false, hourly, nil
	}

	return true, hourly, nil
}

// CurrentCount returns the hourly counter for a user without consuming an
// attempt. Missing keys return zero.
func (l *Limiter) CurrentCount(ctx context.Context, userID string) (int64, error) {
	count, err := l.redis.Get(ctx, l.hourKey(userID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return count, nil
}

// TrackedEntries scans the limiter namespace and counts live counters.
// Admin-only O(n) operation for health reporting.
func (l *Limiter) TrackedEntries(ctx context.Context) (int, error) {
	pattern := l.prefix + ":rl:*"
	var (
		cursor uint64
		total  int
	)

	for {
		keys, next, err := l.redis.Scan(ctx, cursor, pattern, 1000).Result()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		total += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return total, nil
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}
