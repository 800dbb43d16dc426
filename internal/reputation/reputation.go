// Package reputation tracks a per-IP score in [0,1] that rises when an address
// is penalized and decays back toward zero over time.
package reputation

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrUnavailable is returned by a Store whose backend cannot be reached.
var ErrUnavailable = errors.New("reputation store unavailable")

// compactBelow is the score under which a stale entry is dropped entirely.
const compactBelow = 0.001

// Config controls decay and retention for every Store implementation.
type Config struct {
	// DecayFactor is applied once per DecayInterval of elapsed time.
	DecayFactor   float64
	DecayInterval time.Duration
	// Retention is how long an unpenalized entry is kept once its score is negligible.
	Retention time.Duration
	Now       func() time.Time
}

func (c Config) withDefaults() Config {
	if c.DecayFactor <= 0 || c.DecayFactor >= 1 {
		c.DecayFactor = 0.95
	}
	if c.DecayInterval <= 0 {
		c.DecayInterval = time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// decay returns score after elapsed time. Zero or negative elapsed time is a no-op.
func (c Config) decay(score float64, elapsed time.Duration) float64 {
	if elapsed <= 0 || score <= 0 {
		return score
	}
	return score * math.Pow(c.DecayFactor, float64(elapsed)/float64(c.DecayInterval))
}

// Store is a reputation backend.
type Store interface {
	Get(ctx context.Context, ip string) (float64, error)
	// Penalize decays the current score to now, adds amount and clamps to 1,
	// atomically per IP. It returns the new score.
	Penalize(ctx context.Context, ip string, amount float64) (float64, error)
	// DecayTick applies elapsed decay to every entry and compacts stale ones.
	DecayTick(ctx context.Context) error
}

// ThreatIndicatorFeed reports externally sourced scores for known bad addresses.
type ThreatIndicatorFeed interface {
	Lookup(ip string) (float64, bool)
}

// Reading is what the scorer receives for one request.
type Reading struct {
	Score float64
	// Available is false when the store failed; Score then carries only the feed value.
	Available bool
	FromFeed  bool
}

func clamp(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	}
	return v
}
