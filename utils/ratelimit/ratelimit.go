package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Limiter decides whether one more event under key fits in the current window.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Rule is a limit per window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// FixedWindowLimiter counts events per key in fixed windows stored in Redis.
// Counters are shared by every process using the same Redis.
type FixedWindowLimiter struct {
	redisClient *redis.Client
	logger      *zap.Logger
	failOpen    bool
	now         func() time.Time
}

// NewFixedWindowLimiter creates a limiter.
//
// Parameters:
//   - redisClient: Redis client for storing counters
//   - logger: Logger for recording limiter failures and rejections
//   - failOpen: If true, allows requests when Redis fails
//
// Returns:
//   - *FixedWindowLimiter: The initialized rate limiter
func NewFixedWindowLimiter(redisClient *redis.Client, logger *zap.Logger, failOpen bool) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		redisClient: redisClient,
		logger:      logger,
		failOpen:    failOpen,
		now:         time.Now,
	}
}

// Allow consumes one event for key.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return l.AllowN(ctx, key, 1, limit, window)
}

// AllowN consumes n events for key. The counter is incremented even when the
// result is a rejection, so a client hammering past the limit stays limited
// until the window rolls over.
func (l *FixedWindowLimiter) AllowN(ctx context.Context, key string, n, limit int, window time.Duration) (bool, error) {
	if window <= 0 || limit <= 0 {
		return false, fmt.Errorf("ratelimit: invalid rule %d/%s", limit, window)
	}
	bucketKey := l.bucketKey(key, window)

	pipe := l.redisClient.TxPipeline()
	incr := pipe.IncrBy(ctx, bucketKey, int64(n))
	pipe.Expire(ctx, bucketKey, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		if l.failOpen {
			l.logger.Warn("rate limit check failed, allowing request",
				zap.String("key", key),
				zap.Error(err),
			)
			return true, nil
		}
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	count := incr.Val()
	if count > int64(limit) {
		l.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int64("count", count),
			zap.Int("limit", limit),
			zap.Duration("window", window),
		)
		return false, nil
	}
	return true, nil
}

// Remaining returns how many events key may still spend in the current window.
func (l *FixedWindowLimiter) Remaining(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	count, err := l.redisClient.Get(ctx, l.bucketKey(key, window)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return limit, nil
		}
		return 0, fmt.Errorf("failed to read rate limit counter: %w", err)
	}
	return max(limit-int(count), 0), nil
}

// Reset clears the current window of key.
func (l *FixedWindowLimiter) Reset(ctx context.Context, key string, window time.Duration) error {
	if err := l.redisClient.Del(ctx, l.bucketKey(key, window)).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit for key %s: %w", key, err)
	}
	return nil
}

func (l *FixedWindowLimiter) bucketKey(key string, window time.Duration) string {
	bucket := l.now().UnixMilli() / window.Milliseconds()
	return fmt.Sprintf("ratelimit:%s:%d", key, bucket)
}
