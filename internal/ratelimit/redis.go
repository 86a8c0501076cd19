package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow prunes, counts and conditionally adds in one server-side step
// so concurrent callers never both observe "under limit".
// Returns {allowed, count, oldestScoreMs}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  count = count + 1
  allowed = 1
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldestScore = now
if oldest[2] then
  oldestScore = tonumber(oldest[2])
end
return {allowed, count, oldestScore}
`)

// RedisLimiter keeps the window in a sorted set per key.
type RedisLimiter struct {
	client redis.Scripter
	cfg    Config
	now    func() time.Time
}

// NewRedisLimiter creates a limiter backed by Redis.
func NewRedisLimiter(client redis.Scripter, cfg Config) *RedisLimiter {
	return &RedisLimiter{client: client, cfg: cfg, now: time.Now}
}

// Check records a request for key if the window has room.
func (l *RedisLimiter) Check(ctx context.Context, key string) (Result, error) {
	now := l.now()
	nowMs := now.UnixMilli()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	res, err := slidingWindow.Run(ctx, l.client,
		[]string{l.cfg.key(key)},
		nowMs, l.cfg.Window.Milliseconds(), l.cfg.Limit, member,
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: run sliding window: %w", err)
	}
	if len(res) != 3 {
		return Result{}, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}

	resetAt := time.UnixMilli(res[2]).Add(l.cfg.Window)
	if res[0] == 1 {
		return Result{
			Allowed:   true,
			Remaining: l.cfg.Limit - int(res[1]),
			ResetAt:   resetAt,
		}, nil
	}
	retryAfter := resetAt.Sub(now)
	if retryAfter <= 0 {
		retryAfter = time.Millisecond
	}
	return Result{Allowed: false, ResetAt: resetAt, RetryAfter: retryAfter}, nil
}
