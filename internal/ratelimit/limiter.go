// Package ratelimit enforces fixed-window request budgets per identity key and tier.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Wikid82/perimeter/internal/config"
	"github.com/Wikid82/perimeter/internal/models"
	"github.com/Wikid82/perimeter/internal/util"
)

// Result describes one rate-limit check.
type Result struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
	// Degraded is set when a distributed limiter fell back to local counting.
	Degraded bool
}

// RetryAfter is the time left until the current window closes.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if d := r.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Limiter is satisfied by FixedWindow and Redis.
type Limiter interface {
	Check(ctx context.Context, key string, tier models.Tier) (Result, error)
}

// Policy supplies per-tier budgets. config.PerimeterConfig implements it.
type Policy interface {
	Limit(models.Tier) config.TierLimit
}

type counter struct {
	mu       sync.Mutex
	bucket   int64
	count    int
	window   time.Duration
	lastSeen atomic.Int64
	evicted  bool
}

// FixedWindow counts requests in process memory.
type FixedWindow struct {
	policy   Policy
	now      func() time.Time
	counters *util.ShardedMap[*counter]
}

// NewFixedWindow returns an in-memory limiter. now defaults to time.Now.
func NewFixedWindow(policy Policy, now func() time.Time) *FixedWindow {
	if now == nil {
		now = time.Now
	}
	return &FixedWindow{
		policy:   policy,
		now:      now,
		counters: util.NewShardedMap[*counter](util.DefaultShards),
	}
}

func counterKey(key string, tier models.Tier) string {
	return string(tier) + "|" + key
}

// bucketOf maps t to its window index. Windows are aligned to the Unix epoch,
// so a timestamp exactly on a boundary opens the new window.
func bucketOf(t time.Time, window time.Duration) int64 {
	return t.UnixNano() / int64(window)
}

// Check counts one request. The counter never exceeds the limit: once it is
// reached further requests in the same window are denied without incrementing.
func (l *FixedWindow) Check(_ context.Context, key string, tier models.Tier) (Result, error) {
	return l.check(key, tier, l.now()), nil
}

func (l *FixedWindow) check(key string, tier models.Tier, now time.Time) Result {
	lim := l.policy.Limit(tier)
	bucket := bucketOf(now, lim.Window)
	ck := counterKey(key, tier)

	for {
		c := l.counters.GetOrCreate(ck, func() *counter {
			return &counter{bucket: bucket, window: lim.Window}
		})
		c.mu.Lock()
		if c.evicted {
			c.mu.Unlock()
			continue
		}
		// a request stamped before the current bucket counts toward the current one
		if bucket > c.bucket {
			c.bucket = bucket
			c.count = 0
		}
		res := Result{Limit: lim.Requests}
		if c.count < lim.Requests {
			c.count++
			res.Allowed = true
		}
		res.Count = c.count
		res.Remaining = lim.Requests - c.count
		res.ResetAt = time.Unix(0, (c.bucket+1)*int64(c.window))
		c.lastSeen.Store(now.UnixNano())
		c.mu.Unlock()
		return res
	}
}

// Sweep drops counters whose window has closed and returns how many were removed.
func (l *FixedWindow) Sweep(now time.Time) int {
	return l.counters.Sweep(func(_ string, c *counter) bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if bucketOf(now, c.window) <= c.bucket {
			return false
		}
		c.evicted = true
		return true
	})
}

// Len returns the number of live counters.
func (l *FixedWindow) Len() int { return l.counters.Len() }
