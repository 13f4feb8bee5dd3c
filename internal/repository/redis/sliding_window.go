package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const rateLimitPrefix = "rate_limit:"

// Members are unique per request so that two hits in the same millisecond both count.
var slidingWindowScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

local current_count = redis.call('ZCARD', key)
if current_count < limit then
	redis.call('ZADD', key, now, ARGV[5])
	redis.call('PEXPIRE', key, ARGV[4])
	return {1, current_count + 1}
end
return {0, current_count}
`)

// SlidingWindowLimiter admits at most limit hits per key within any trailing window.
// State lives in Redis, so every service instance shares one budget per key.
type SlidingWindowLimiter struct {
	rdb    goredis.UniversalClient
	limit  int
	window time.Duration
	logger *zap.Logger
}

func NewSlidingWindowLimiter(rdb goredis.UniversalClient, limit int, window time.Duration, logger *zap.Logger) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		rdb:    rdb,
		limit:  limit,
		window: window,
		logger: logger,
	}
}

// Allow records a hit for key and reports whether it fits the budget, with the count in the window.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (bool, int, error) {
	now := time.Now().UnixMilli()
	windowStart := now - l.window.Milliseconds()

	result, err := slidingWindowScript.Run(ctx, l.rdb, []string{rateLimitPrefix + key},
		now, windowStart, l.limit, l.window.Milliseconds(), uuid.NewString()).Int64Slice()
	if err != nil {
		l.logger.Error("Failed to execute sliding window rate limit",
			zap.String("key", key),
			zap.Int("limit", l.limit),
			zap.Duration("window", l.window),
			zap.Error(err))
		return false, 0, fmt.Errorf("failed to execute sliding window rate limit: %w", err)
	}
	if len(result) != 2 {
		return false, 0, fmt.Errorf("unexpected result format from sliding window script")
	}

	allowed := result[0] == 1
	count := int(result[1])

	l.logger.Debug("Sliding window rate limit check",
		zap.String("key", key),
		zap.Bool("allowed", allowed),
		zap.Int("current_count", count),
		zap.Int("limit", l.limit))

	return allowed, count, nil
}

func (l *SlidingWindowLimiter) Limit() int {
	return l.limit
}

func (l *SlidingWindowLimiter) Window() time.Duration {
	return l.window
}
