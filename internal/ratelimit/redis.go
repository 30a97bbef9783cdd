package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ipguard:ratelimit:"

// slidingLog trims the sorted set to the window, admits the request when there is
// room and returns {allowed, count, oldest_ms}.
var slidingLog = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
if count < limit then
	redis.call("ZADD", key, now, member)
	redis.call("PEXPIRE", key, window)
	return {1, count + 1, 0}
end

local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
return {0, count, tonumber(oldest[2])}
`)

// RedisLimiter shares sliding-window logs between instances through redis sorted sets.
type RedisLimiter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, rule Rule) (Decision, error) {
	now := l.now().UnixMilli()
	window := rule.Rate.Window.Milliseconds()

	res, err := slidingLog.Run(ctx, l.client,
		[]string{redisKeyPrefix + counterKey(rule, key)},
		now, window, rule.Rate.Limit, fmt.Sprintf("%d-%s", now, uuid.NewString()),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis check: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected redis reply %v", res)
	}

	decision := Decision{Rule: rule.Name, Limit: rule.Rate.Limit}
	if res[0] == 1 {
		decision.Allowed = true
		decision.Remaining = rule.Rate.Limit - int(res[1])
		return decision, nil
	}

	retry := time.Duration(res[2]+window-now) * time.Millisecond
	if retry < 0 {
		retry = 0
	}
	decision.RetryAfter = retry
	return decision, nil
}
