package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

var windowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

const redisTimeout = 2 * time.Second

// Redis shares windows across gateway processes. When Redis cannot be
// reached the decision comes from Fallback, so an outage degrades to
// per-process limits instead of failing requests.
type Redis struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Fallback *InMemory
	Logger   *slog.Logger
}

func NewRedis(client *redis.Client, w time.Duration, logger *slog.Logger) *Redis {
	if w <= 0 {
		w = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		Client:   client,
		Window:   w,
		Prefix:   "wagate:rl:",
		Fallback: NewInMemory(w),
		Logger:   logger,
	}
}

func (l *Redis) Allow(ctx context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.fallback(ctx, key, limit)
	}

	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	res, err := windowScript.Run(ctx, l.Client, []string{l.Prefix + key}, l.Window.Milliseconds()).Result()
	if err != nil {
		l.Logger.Warn("redis rate limit unavailable, using local window", "err", err)
		return l.fallback(ctx, key, limit)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		l.Logger.Warn("unexpected redis rate limit reply", "reply", res)
		return l.fallback(ctx, key, limit)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = l.Window.Milliseconds()
	}
	return decide(int(count), limit, time.Now().UTC().Add(time.Duration(ttlMs)*time.Millisecond))
}

func (l *Redis) fallback(ctx context.Context, key string, limit int) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(ctx, key, limit)
	}
	return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: time.Now().UTC().Add(l.Window)}
}

type Options struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Window        time.Duration
	Logger        *slog.Logger
}

// New returns a Redis-backed limiter when an address is configured and a
// process-local one otherwise. The returned close func releases the
// Redis client.
func New(opts Options) (Limiter, func() error) {
	if opts.RedisAddr == "" {
		return NewInMemory(opts.Window), func() error { return nil }
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.RedisAddr,
		Password: opts.RedisPassword,
		DB:       opts.RedisDB,
	})
	return NewRedis(client, opts.Window, opts.Logger), client.Close
}
