// Package ratelimiter provides a Redis-backed sliding-window limiter for
// ingress principals.
package ratelimiter

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/agent-scheduler/internal/domain"
)

// RedisLuaLimiter enforces at most Requests work-order creations per Window
// for each principal. State lives in a Redis sorted set keyed by principal;
// the Lua script trims expired entries, counts, and admits atomically.
type RedisLuaLimiter struct {
	redis    *redis.Client
	script   *redis.Script
	requests int
	window   time.Duration
}

var _ domain.RateLimiter = (*RedisLuaLimiter)(nil)

// NewRedisLuaLimiter builds a limiter. A nil client or non-positive limit
// disables enforcement; Allow then always admits.
func NewRedisLuaLimiter(rdb *redis.Client, requests int, window time.Duration) *RedisLuaLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLuaLimiter{
		redis:    rdb,
		script:   redis.NewScript(luaSlidingWindowScript),
		requests: requests,
		window:   window,
	}
}

const luaSlidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, 0, now - window)

local count = redis.call("ZCARD", key)
if count < limit then
  redis.call("ZADD", key, now, member)
  redis.call("PEXPIRE", key, window)
  return { 1, 0 }
end

local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
local retry_after = window
if oldest[2] ~= nil then
  retry_after = tonumber(oldest[2]) + window - now
  if retry_after < 0 then
    retry_after = 0
  end
end
return { 0, retry_after }
`

// Allow reports whether the principal may create another work order now.
// Redis errors fail open so a cache outage never hard-blocks ingress.
func (l *RedisLuaLimiter) Allow(ctx context.Context, principal string) (bool, time.Duration, error) {
	if l == nil || l.redis == nil || l.requests <= 0 {
		return true, 0, nil
	}

	key := "ratelimit:" + principal
	nowMs := time.Now().UnixMilli()
	member := ulid.Make().String()

	res, err := l.script.Run(ctx, l.redis, []string{key},
		nowMs, l.window.Milliseconds(), l.requests, member).Result()
	if err != nil {
		slog.Error("rate limiter script error", slog.String("principal", principal), slog.Any("error", err))
		return true, 0, nil
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		slog.Error("rate limiter unexpected script result", slog.String("principal", principal), slog.Any("result", res))
		return true, 0, nil
	}

	allowed := toInt64(vals[0]) == 1
	retryAfter := time.Duration(toInt64(vals[1])) * time.Millisecond
	if allowed {
		retryAfter = 0
	} else if retryAfter <= 0 {
		retryAfter = l.window
	}
	return allowed, retryAfter, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
