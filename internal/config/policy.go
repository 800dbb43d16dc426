package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Wikid82/perimeter/internal/models"
)

// ErrInvalidPolicy wraps every validation failure reported by PerimeterConfig.Validate.
var ErrInvalidPolicy = errors.New("invalid perimeter policy")

// TierLimit is the fixed-window budget for one tier.
type TierLimit struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// PerimeterConfig is the complete perimeter policy. It is built once at startup,
// validated, and treated as read-only afterwards.
type PerimeterConfig struct {
	GuestLimit         TierLimit `yaml:"guest_limit"`
	AuthenticatedLimit TierLimit `yaml:"authenticated_limit"`
	PremiumLimit       TierLimit `yaml:"premium_limit"`

	SuspiciousActivity float64 `yaml:"suspicious_activity"`
	HighRisk           float64 `yaml:"high_risk"`
	CriticalThreat     float64 `yaml:"critical_threat"`

	SignatureWeight  float64 `yaml:"signature_weight"`
	BehaviorWeight   float64 `yaml:"behavior_weight"`
	ReputationWeight float64 `yaml:"reputation_weight"`

	MaxRequestsPerSecond int           `yaml:"max_requests_per_second"`
	BurstThreshold       int           `yaml:"burst_threshold"`
	BurstWindow          time.Duration `yaml:"burst_window"`
	BlockDuration        time.Duration `yaml:"block_duration"`
	TopOffenders         int           `yaml:"top_offenders"`

	MaxIdleTime           time.Duration `yaml:"max_idle_time"`
	TokenRotationInterval time.Duration `yaml:"token_rotation_interval"`
	MaxConcurrentSessions int           `yaml:"max_concurrent_sessions"`

	ReputationDecayFactor float64       `yaml:"reputation_decay_factor"`
	DecayInterval         time.Duration `yaml:"decay_interval"`
	ReputationPenalty     float64       `yaml:"reputation_penalty"`
	ReputationRetention   time.Duration `yaml:"reputation_retention"`

	BehaviorWindowSize     int           `yaml:"behavior_window_size"`
	BehaviorWindowDuration time.Duration `yaml:"behavior_window_duration"`
	BehaviorIdleTTL        time.Duration `yaml:"behavior_idle_ttl"`
	SweepInterval          time.Duration `yaml:"sweep_interval"`

	CheckTimeout   time.Duration `yaml:"check_timeout"`
	EventQueueSize int           `yaml:"event_queue_size"`
	AlertCooldown  time.Duration `yaml:"alert_cooldown"`
}

// DefaultPerimeterConfig returns the stock policy.
func DefaultPerimeterConfig() PerimeterConfig {
	return PerimeterConfig{
		GuestLimit:         TierLimit{Requests: 10, Window: time.Minute},
		AuthenticatedLimit: TierLimit{Requests: 100, Window: time.Minute},
		PremiumLimit:       TierLimit{Requests: 1000, Window: time.Minute},

		SuspiciousActivity: 0.7,
		HighRisk:           0.8,
		CriticalThreat:     0.9,

		SignatureWeight:  0.4,
		BehaviorWeight:   0.4,
		ReputationWeight: 0.2,

		MaxRequestsPerSecond: 20,
		BurstThreshold:       50,
		BurstWindow:          3 * time.Second,
		BlockDuration:        5 * time.Minute,
		TopOffenders:         10,

		MaxIdleTime:           30 * time.Minute,
		TokenRotationInterval: 15 * time.Minute,
		MaxConcurrentSessions: 5,

		ReputationDecayFactor: 0.95,
		DecayInterval:         time.Minute,
		ReputationPenalty:     0.25,
		ReputationRetention:   24 * time.Hour,

		BehaviorWindowSize:     100,
		BehaviorWindowDuration: 5 * time.Minute,
		BehaviorIdleTTL:        30 * time.Minute,
		SweepInterval:          time.Minute,

		CheckTimeout:   10 * time.Millisecond,
		EventQueueSize: 10000,
		AlertCooldown:  time.Minute,
	}
}

// LoadPolicyFile reads a YAML policy. Fields absent from the file keep their defaults.
func LoadPolicyFile(path string) (PerimeterConfig, error) {
	cfg := DefaultPerimeterConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return PerimeterConfig{}, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return PerimeterConfig{}, fmt.Errorf("parse policy file: %w", err)
	}
	return cfg, nil
}

// Limit returns the rate-limit budget for a tier. Unknown tiers get the guest budget.
func (c PerimeterConfig) Limit(t models.Tier) TierLimit {
	switch t {
	case models.TierAuthenticated:
		return c.AuthenticatedLimit
	case models.TierPremium:
		return c.PremiumLimit
	default:
		return c.GuestLimit
	}
}

// Validate rejects policies the engine cannot run with. Every problem is reported.
func (c PerimeterConfig) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	for name, l := range map[string]TierLimit{
		"guest_limit":         c.GuestLimit,
		"authenticated_limit": c.AuthenticatedLimit,
		"premium_limit":       c.PremiumLimit,
	} {
		if l.Requests <= 0 {
			fail("%s.requests must be positive, got %d", name, l.Requests)
		}
		if l.Window <= 0 {
			fail("%s.window must be positive, got %s", name, l.Window)
		}
	}

	for name, v := range map[string]float64{
		"suspicious_activity": c.SuspiciousActivity,
		"high_risk":           c.HighRisk,
		"critical_threat":     c.CriticalThreat,
	} {
		if v <= 0 || v > 1 {
			fail("%s must be in (0,1], got %v", name, v)
		}
	}
	if !(c.SuspiciousActivity <= c.HighRisk && c.HighRisk <= c.CriticalThreat) {
		fail("thresholds must satisfy suspicious_activity <= high_risk <= critical_threat")
	}

	for name, w := range map[string]float64{
		"signature_weight":  c.SignatureWeight,
		"behavior_weight":   c.BehaviorWeight,
		"reputation_weight": c.ReputationWeight,
	} {
		if w < 0 {
			fail("%s must not be negative, got %v", name, w)
		}
	}
	if c.SignatureWeight+c.BehaviorWeight+c.ReputationWeight <= 0 {
		fail("scoring weights must not all be zero")
	}

	if c.MaxRequestsPerSecond <= 0 {
		fail("max_requests_per_second must be positive")
	}
	if c.BurstThreshold <= 0 {
		fail("burst_threshold must be positive")
	}
	if c.BurstWindow < time.Second {
		fail("burst_window must be at least 1s, got %s", c.BurstWindow)
	}
	if c.BlockDuration <= 0 {
		fail("block_duration must be positive")
	}
	if c.TopOffenders < 0 {
		fail("top_offenders must not be negative")
	}

	if c.MaxIdleTime <= 0 {
		fail("max_idle_time must be positive")
	}
	if c.TokenRotationInterval <= 0 {
		fail("token_rotation_interval must be positive")
	}
	if c.MaxConcurrentSessions <= 0 {
		fail("max_concurrent_sessions must be positive")
	}

	if c.ReputationDecayFactor <= 0 || c.ReputationDecayFactor >= 1 {
		fail("reputation_decay_factor must be in (0,1), got %v", c.ReputationDecayFactor)
	}
	if c.DecayInterval <= 0 {
		fail("decay_interval must be positive")
	}
	if c.ReputationPenalty <= 0 || c.ReputationPenalty > 1 {
		fail("reputation_penalty must be in (0,1], got %v", c.ReputationPenalty)
	}
	if c.ReputationRetention <= 0 {
		fail("reputation_retention must be positive")
	}

	if c.BehaviorWindowSize <= 0 {
		fail("behavior_window_size must be positive")
	}
	if c.BehaviorWindowDuration <= 0 {
		fail("behavior_window_duration must be positive")
	}
	if c.BehaviorIdleTTL <= 0 {
		fail("behavior_idle_ttl must be positive")
	}
	if c.SweepInterval <= 0 {
		fail("sweep_interval must be positive")
	}

	if c.CheckTimeout <= 0 {
		fail("check_timeout must be positive")
	}
	if c.EventQueueSize <= 0 {
		fail("event_queue_size must be positive")
	}
	if c.AlertCooldown < 0 {
		fail("alert_cooldown must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidPolicy, errors.Join(errs...))
	}
	return nil
}
