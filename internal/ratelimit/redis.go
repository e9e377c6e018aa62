package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// slidingWindow trims grants older than the window from a sorted set and
// admits the caller if there is room. It returns 0 on admission, otherwise
// the milliseconds until the oldest grant expires.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return 0
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local wait = tonumber(oldest[2]) + window - now
if wait < 1 then wait = 1 end
return wait
`)

// RedisWindow is a sliding-window limiter shared by every process using the
// same Redis key.
type RedisWindow struct {
	rdb    redis.UniversalClient
	key    string
	limit  int
	window time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewRedisWindow creates a limiter for limit requests per window under key.
func NewRedisWindow(rdb redis.UniversalClient, key string, limit int, window time.Duration, logger *zap.Logger) *RedisWindow {
	if limit <= 0 {
		limit = 1
	}
	return &RedisWindow{
		rdb:    rdb,
		key:    key,
		limit:  limit,
		window: window,
		now:    time.Now,
		logger: logger,
	}
}

// Acquire polls the script until admitted or ctx is done.
func (r *RedisWindow) Acquire(ctx context.Context) error {
	member := uuid.NewString()
	for {
		wait, err := slidingWindow.Run(ctx, r.rdb, []string{r.key},
			r.now().UnixMilli(), r.window.Milliseconds(), r.limit, member).Int64()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("rate limit %s: %w", r.key, err)
		}
		if wait == 0 {
			return nil
		}

		r.logger.Debug("rate limited", zap.String("key", r.key), zap.Int64("wait_ms", wait))
		timer := time.NewTimer(time.Duration(wait) * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
