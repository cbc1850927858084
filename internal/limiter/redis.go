package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = now (unix seconds, microsecond precision)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 120)

return {allowed, tostring(tokens)}
`)

// Redis shares buckets across replicas.
type Redis struct {
	client *redis.Client
	prefix string
	clock  func() time.Time
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, prefix: "tool_gate:rate:", clock: time.Now}
}

func (r *Redis) Allow(ctx context.Context, key string, rpm int) (bool, error) {
	if rpm <= 0 {
		return true, nil
	}
	refill := float64(rpm) / 60.0
	now := float64(r.clock().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, r.client, []string{r.prefix + key}, refill, Burst(rpm), now).Result()
	if err != nil {
		return false, fmt.Errorf("Allow: %w", err)
	}
	out, ok := res.([]interface{})
	if !ok || len(out) != 2 {
		return false, fmt.Errorf("Allow: unexpected script result %v", res)
	}
	allowed, _ := out[0].(int64)
	return allowed == 1, nil
}
