package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/Wikid82/perimeter/internal/logger"
	"github.com/Wikid82/perimeter/internal/models"
)

// cappedIncrScript increments KEYS[1] only while it is below ARGV[1].
// Returns {count, allowed}.
var cappedIncrScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current < tonumber(ARGV[1]) then
  current = redis.call("INCR", KEYS[1])
  if current == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[2])
  end
  return {current, 1}
end
return {current, 0}
`)

// Redis shares fixed-window counters across instances. Keys are
// "rl:<key>:<tier>:<bucket>". Redis failures fall back to Fallback.
type Redis struct {
	Client   redis.UniversalClient
	Policy   Policy
	Prefix   string
	Timeout  time.Duration
	Fallback *FixedWindow
	now      func() time.Time
	warn     rate.Sometimes
}

// NewRedis returns a Redis limiter with an in-memory fallback sharing the same policy.
func NewRedis(client redis.UniversalClient, policy Policy, now func() time.Time) *Redis {
	if now == nil {
		now = time.Now
	}
	return &Redis{
		Client:   client,
		Policy:   policy,
		Prefix:   "rl:",
		Timeout:  50 * time.Millisecond,
		Fallback: NewFixedWindow(policy, now),
		now:      now,
		warn:     rate.Sometimes{Interval: 30 * time.Second},
	}
}

func (l *Redis) Check(ctx context.Context, key string, tier models.Tier) (Result, error) {
	now := l.now()
	if l.Client == nil {
		return l.fallback(key, tier, now, nil)
	}

	lim := l.Policy.Limit(tier)
	bucket := bucketOf(now, lim.Window)
	resetAt := time.Unix(0, (bucket+1)*int64(lim.Window))
	redisKey := l.Prefix + key + ":" + string(tier) + ":" + strconv.FormatInt(bucket, 10)
	// keep the key a little past the window end so late requests still find it
	ttl := resetAt.Sub(now) + time.Second

	ctx, cancel := context.WithTimeout(ctx, l.Timeout)
	defer cancel()
	vals, err := cappedIncrScript.Run(ctx, l.Client, []string{redisKey}, lim.Requests, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return l.fallback(key, tier, now, err)
	}
	if len(vals) < 2 {
		return l.fallback(key, tier, now, fmt.Errorf("unexpected script result %v", vals))
	}

	count := int(vals[0])
	return Result{
		Allowed:   vals[1] == 1,
		Count:     count,
		Limit:     lim.Requests,
		Remaining: max(lim.Requests-count, 0),
		ResetAt:   resetAt,
	}, nil
}

func (l *Redis) fallback(key string, tier models.Tier, now time.Time, cause error) (Result, error) {
	if cause != nil {
		l.warn.Do(func() {
			logger.Component("ratelimit").WithError(cause).Warn("redis rate limiter unavailable, counting locally")
		})
	}
	if l.Fallback == nil {
		lim := l.Policy.Limit(tier)
		return Result{Allowed: true, Limit: lim.Requests, Remaining: lim.Requests, Degraded: true}, nil
	}
	res := l.Fallback.check(key, tier, now)
	res.Degraded = true
	return res, nil
}

// Sweep reclaims fallback counters; Redis keys expire on their own.
func (l *Redis) Sweep(now time.Time) int {
	if l.Fallback == nil {
		return 0
	}
	return l.Fallback.Sweep(now)
}
