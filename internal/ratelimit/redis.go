package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrRedisUnavailable = errors.New("rate limit store unavailable")

// hitScript starts a window at 1 when the key is missing, otherwise
// increments only while the count is below the maximum. It returns
// {allowed, count, ttl_ms}.
const hitScript = `
local current = redis.call("GET", KEYS[1])
local max = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
if not current then
	redis.call("SET", KEYS[1], 1, "PX", window)
	return {1, 1, window}
end
current = tonumber(current)
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], window)
	ttl = window
end
if current < max then
	current = redis.call("INCR", KEYS[1])
	return {1, current, ttl}
end
return {0, current, ttl}
`

var hitLua = redis.NewScript(hitScript)

// RedisStore shares windows across replicas. The Lua script makes the
// check-and-increment atomic on the server.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "rl:"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) Hit(ctx context.Context, key string, max int, span time.Duration) (Decision, error) {
	windowMS := span.Milliseconds()
	if windowMS <= 0 {
		windowMS = 1
	}

	values, err := hitLua.Run(ctx, s.client, []string{s.prefix + key}, max, windowMS).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(values) != 3 {
		return Decision{}, fmt.Errorf("%w: unexpected script reply %v", ErrRedisUnavailable, values)
	}

	resetAt := s.now().Add(time.Duration(values[2]) * time.Millisecond)
	return decide(values[0] == 1, int(values[1]), max, resetAt), nil
}
