package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow trims entries older than the window, then admits the request only
// when fewer than limit remain. It returns {allowed, count, oldest_ms}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, member)
  count = count + 1
  allowed = 1
end
redis.call('PEXPIRE', key, window)
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldestScore = now
if oldest[2] then
  oldestScore = tonumber(oldest[2])
end
return {allowed, count, oldestScore}
`)

// RedisLimiter enforces a sliding window shared by every replica.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewRedis constructs a RedisLimiter on an existing client.
func NewRedis(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: "remediate:ratelimit:",
		now:    time.Now,
	}
}

// Allow records one request for key if the window has room.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	raw, err := slidingWindow.Run(ctx, l.client,
		[]string{l.prefix + key},
		now.UnixMilli(), l.window.Milliseconds(), l.limit, uuid.NewString(),
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	return decisionFromScript(raw, l.limit, l.window, now)
}

func decisionFromScript(raw []any, limit int, window time.Duration, now time.Time) (Decision, error) {
	if len(raw) != 3 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply length %d", len(raw))
	}
	vals := make([]int64, 3)
	for i, v := range raw {
		switch n := v.(type) {
		case int64:
			vals[i] = n
		case string:
			parsed, err := strconv.ParseInt(n, 10, 64)
			if err != nil {
				return Decision{}, fmt.Errorf("rate limit script: %w", err)
			}
			vals[i] = parsed
		default:
			return Decision{}, fmt.Errorf("rate limit script: unexpected reply type %T", v)
		}
	}

	d := Decision{Limit: limit, Window: window, Allowed: vals[0] == 1}
	if d.Allowed {
		d.Remaining = limit - int(vals[1])
		return d, nil
	}
	oldest := time.UnixMilli(vals[2])
	d.RetryAfter = oldest.Add(window).Sub(now)
	if d.RetryAfter < time.Second {
		d.RetryAfter = time.Second
	}
	return d, nil
}
