package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript runs the same refill as Bucket.take atomically on the server.
// It answers {allowed, remaining, retry_after_ms}.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local tokens = tonumber(redis.call("HGET", KEYS[1], "t"))
local last = tonumber(redis.call("HGET", KEYS[1], "at"))
if tokens == nil then tokens = capacity end
if last == nil then last = now end

tokens = math.min(capacity, tokens + math.max(0, now - last) * rate)
local allowed, wait = 0, 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  wait = math.ceil((cost - tokens) / rate)
end

redis.call("HSET", KEYS[1], "t", tostring(tokens), "at", now)
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return {allowed, math.floor(tokens), wait}
`)

// Redis shares buckets between API replicas.
type Redis struct {
	client redis.Scripter
	bucket Bucket
	now    func() time.Time
}

func NewRedis(client redis.Scripter, bucket Bucket) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	bucket, err := bucket.validate()
	if err != nil {
		return nil, err
	}
	return &Redis{client: client, bucket: bucket, now: time.Now}, nil
}

func (l *Redis) AllowN(ctx context.Context, subject string, cost int) (Decision, error) {
	res, err := takeScript.Run(ctx, l.client,
		[]string{l.bucket.key(subject)},
		l.bucket.Capacity,
		l.bucket.perMilli(),
		l.now().UnixMilli(),
		l.bucket.clampCost(cost),
		(2 * l.bucket.Window).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket script: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("token bucket script returned %d values", len(res))
	}
	return Decision{
		Allowed:    res[0] == 1,
		Remaining:  res[1],
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}
