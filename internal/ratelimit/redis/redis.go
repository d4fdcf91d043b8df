// Package redis implements the sliding-window limiter on a Redis sorted set,
// one set per key with admitted instants as scores. A Lua script runs the
// prune-count-append sequence atomically on the server, so replicas sharing
// one Redis enforce a single global budget per key.
//
// Errors from Redis are returned to the caller, which decides whether to fail
// open or closed.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/rategate/rategate/internal/ratelimit"
)

// Scores are microseconds since the epoch. Lua holds numbers as float64,
// which carries integers exactly up to 2^53; nanoseconds would overflow that,
// microseconds are good for a couple of centuries.
const defaultPrefix = "rategate:rl:"

// allowScript prunes instants a full window old, admits if the budget has
// room, and reports timing for the response headers. Replies with
// {allowed, count, retry_us, reset_us}.
var allowScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)

if count < max then
	redis.call("ZADD", key, now, ARGV[4])
	redis.call("PEXPIRE", key, math.ceil(window / 1000))
	local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
	return {1, count + 1, 0, tonumber(oldest[2]) + window}
end

local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
local reset = tonumber(oldest[2]) + window
return {0, count, reset - now, reset}
`)

type Options struct {
	Addr     string
	Password string
	DB       int

	// Prefix namespaces the limiter's keys; defaults to "rategate:rl:".
	Prefix string
}

type Limiter struct {
	client *goredis.Client
	prefix string

	// instance plus seq make members unique even when two requests land on
	// the same microsecond.
	instance string
	seq      atomic.Uint64
}

func New(opts Options) *Limiter {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Limiter{
		client: goredis.NewClient(&goredis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		prefix:   prefix,
		instance: uuid.NewString(),
	}
}

// Ping reports whether Redis is reachable. The readiness probe uses it.
func (l *Limiter) Ping(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (l *Limiter) Close() error {
	return l.client.Close()
}

func (l *Limiter) key(key string) string {
	return l.prefix + key
}

func (l *Limiter) member(nowUS int64) string {
	return strconv.FormatInt(nowUS, 10) + "-" + l.instance + "-" + strconv.FormatUint(l.seq.Add(1), 10)
}

func (l *Limiter) Allow(ctx context.Context, key string, p ratelimit.Policy, now time.Time) (ratelimit.Decision, error) {
	if p.Requests <= 0 || p.Window <= 0 {
		return ratelimit.Decision{Allowed: true, Limit: p.Requests}, nil
	}

	nowUS := now.UnixMicro()
	windowUS := p.Window.Microseconds()

	res, err := allowScript.Run(ctx, l.client,
		[]string{l.key(key)},
		nowUS, windowUS, p.Requests, l.member(nowUS),
	).Result()
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("redis allow %q: %w", key, err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 4 {
		return ratelimit.Decision{}, fmt.Errorf("redis allow %q: unexpected reply %v", key, res)
	}
	allowed := asInt64(vals[0]) == 1
	count := int(asInt64(vals[1]))
	retryUS := asInt64(vals[2])
	resetUS := asInt64(vals[3])

	remaining := p.Requests - count
	if remaining < 0 {
		remaining = 0
	}
	return ratelimit.Decision{
		Allowed:      allowed,
		Limit:        p.Requests,
		Remaining:    remaining,
		RetryAfter:   time.Duration(retryUS) * time.Microsecond,
		ResetUnixSec: resetUS / 1e6,
	}, nil
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}
