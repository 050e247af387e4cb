package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces the Redis counters.
const DefaultKeyPrefix = "sharedspace:ratelimit:"

// allowScript increments the counter and starts its expiry on the first hit
// of a window, atomically. It returns {count, pttl_ms}.
var allowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// Redis is a fixed-window [Limiter] whose counters live in Redis, so every
// instance behind a load balancer draws from the same budget.
type Redis struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

// Compile-time interface assertion.
var _ Limiter = (*Redis)(nil)

// RedisOption configures a [Redis] limiter.
type RedisOption func(*Redis)

// WithKeyPrefix overrides [DefaultKeyPrefix].
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// NewRedis returns a limiter allowing limit requests per window per key.
// A non-positive window selects [DefaultWindow].
func NewRedis(client *redis.Client, limit int, window time.Duration, opts ...RedisOption) (*Redis, error) {
	if client == nil {
		return nil, fmt.Errorf("ratelimit: redis client must not be nil")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("ratelimit: limit must be positive, got %d", limit)
	}
	if window <= 0 {
		window = DefaultWindow
	}
	r := &Redis{
		client: client,
		limit:  limit,
		window: window,
		prefix: DefaultKeyPrefix,
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// OpenRedis parses url (redis:// or rediss://), connects and verifies the
// connection with PING before returning the limiter.
func OpenRedis(ctx context.Context, url string, limit int, window time.Duration, opts ...RedisOption) (*Redis, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: connect to redis: %w", err)
	}
	return NewRedis(client, limit, window, opts...)
}

// WithLimits returns a limiter with a new limit and window that shares the
// client and key prefix of r. Existing counters keep their current expiry.
func (r *Redis) WithLimits(limit int, window time.Duration) (*Redis, error) {
	next, err := NewRedis(r.client, limit, window, WithKeyPrefix(r.prefix))
	if err != nil {
		return nil, err
	}
	next.now = r.now
	return next, nil
}

// Allow implements [Limiter]. Redis errors are returned unchanged; callers
// decide whether to fail open.
func (r *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	vals, err := allowScript.Run(ctx, r.client, []string{r.prefix + key}, r.window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis allow: %w", err)
	}
	if len(vals) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: redis allow: unexpected reply %v", vals)
	}
	count, ttl := vals[0], time.Duration(vals[1])*time.Millisecond

	return Decision{
		Allowed:   count <= int64(r.limit),
		Limit:     r.limit,
		Remaining: remaining(r.limit, count),
		ResetAt:   r.now().Add(ttl),
	}, nil
}

// Ping reports whether Redis is reachable. Used by readiness checks.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
