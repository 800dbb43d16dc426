// Package risk combines signature, behavior and reputation evidence into one
// request risk score in [0,1].
package risk

import (
	"fmt"
	"math"
	"strings"

	"github.com/Wikid82/perimeter/internal/behavior"
	"github.com/Wikid82/perimeter/internal/reputation"
	"github.com/Wikid82/perimeter/internal/signals"
)

// Weights are normalized by their sum before use.
type Weights struct {
	Signature  float64
	Behavior   float64
	Reputation float64
}

// Config tunes the scorer.
type Config struct {
	Weights Weights
	// CriticalThreat is the level at which the signature or behavior sub-score
	// dominates the composite.
	CriticalThreat       float64
	MaxRequestsPerSecond int
}

// Assessment is the scored view of one request.
type Assessment struct {
	Score      float64
	Signature  float64
	Behavior   float64
	Reputation float64
	// Dominant names the sub-score that overrode the weighted average, if any.
	Dominant string
	Reasons  []string
	Degraded bool
}

// minBehaviorReason keeps faint behavior contributions out of the reasons list.
const minBehaviorReason = 0.1

// Scorer is safe for concurrent use; it holds no mutable state.
type Scorer struct {
	cfg Config
}

// NewScorer returns a scorer. Zero weights fall back to 0.4/0.4/0.2.
func NewScorer(cfg Config) *Scorer {
	w := cfg.Weights
	if w.Signature < 0 || w.Behavior < 0 || w.Reputation < 0 || w.Signature+w.Behavior+w.Reputation <= 0 {
		cfg.Weights = Weights{Signature: 0.4, Behavior: 0.4, Reputation: 0.2}
	}
	if cfg.CriticalThreat <= 0 || cfg.CriticalThreat > 1 {
		cfg.CriticalThreat = 0.9
	}
	if cfg.MaxRequestsPerSecond <= 0 {
		cfg.MaxRequestsPerSecond = 20
	}
	return &Scorer{cfg: cfg}
}

// Score evaluates one request. An unavailable reputation contributes 0 and
// marks the assessment degraded.
func (s *Scorer) Score(sig *signals.RequestSignals, sum behavior.Summary, rep reputation.Reading) Assessment {
	var a Assessment
	var reasons []string

	a.Signature, reasons = s.SignatureScore(sig)
	a.Reasons = append(a.Reasons, reasons...)

	a.Behavior, reasons = s.BehaviorScore(sum)
	a.Reasons = append(a.Reasons, reasons...)

	if rep.Available || rep.FromFeed {
		a.Reputation = clamp(rep.Score)
	}
	if !rep.Available {
		a.Degraded = true
		a.Reasons = append(a.Reasons, "reputation_unavailable")
	}
	if a.Reputation > 0 {
		a.Reasons = append(a.Reasons, fmt.Sprintf("reputation:%.2f", a.Reputation))
	}

	w := s.cfg.Weights
	total := w.Signature + w.Behavior + w.Reputation
	a.Score = clamp((w.Signature*a.Signature + w.Behavior*a.Behavior + w.Reputation*a.Reputation) / total)

	// reputation is a weighted input only and never dominates
	for _, sub := range []struct {
		name  string
		value float64
	}{
		{"signature", a.Signature},
		{"behavior", a.Behavior},
	} {
		if sub.value >= s.cfg.CriticalThreat && sub.value > a.Score {
			a.Score = sub.value
			a.Dominant = sub.name
		}
	}
	return a
}

// SignatureScore is the noisy-OR of every matching request signature.
func (s *Scorer) SignatureScore(sig *signals.RequestSignals) (float64, []string) {
	var (
		keep    = 1.0
		reasons []string
	)
	add := func(score float64, reason string) {
		keep *= 1 - clamp(score)
		reasons = append(reasons, reason)
	}

	if sig.Malformed {
		add(malformedScore, "malformed:"+strings.Join(sig.MalformedWhy, ","))
	}

	ua := strings.ToLower(sig.UserAgent)
	if strings.TrimSpace(ua) == "" {
		add(emptyUserAgentScore, "empty_user_agent")
	} else {
		var best userAgentPattern
		for _, p := range badUserAgents {
			if p.Score > best.Score && strings.Contains(ua, p.Token) {
				best = p
			}
		}
		if best.Score > 0 {
			add(best.Score, "user_agent:"+strings.TrimSuffix(best.Token, "/"))
		}
	}

	target := sig.DecodedPath
	if target == "" {
		target = sig.Path
	}
	for _, p := range pathPatterns {
		if p.Regex.MatchString(target) {
			add(p.Score, "path:"+p.Name)
		}
	}

	if n := len(sig.MissingHeaders); n > 0 {
		add(math.Min(float64(n)*missingHeaderScore, missingHeaderCap), "missing_headers:"+strings.Join(sig.MissingHeaders, ","))
	}

	return clamp(1 - keep), reasons
}

// BehaviorScore rises with request rate, with narrow targeting of few paths at
// speed, with escalation and with user-agent rotation.
func (s *Scorer) BehaviorScore(sum behavior.Summary) (float64, []string) {
	if sum.Events == 0 {
		return 0, nil
	}
	var (
		keep    = 1.0
		reasons []string
	)
	add := func(score float64, reason string) {
		keep *= 1 - clamp(score)
		if score >= minBehaviorReason {
			reasons = append(reasons, reason)
		}
	}

	maxRPS := float64(s.cfg.MaxRequestsPerSecond)
	rate := clamp(sum.RatePerSecond / maxRPS)
	if rate >= 0.5 {
		add(rate, fmt.Sprintf("behavior:high_rate:%.1f/s", sum.RatePerSecond))
	} else {
		keep *= 1 - rate
	}

	if sum.Events >= 10 {
		narrowness := 1 - float64(sum.DistinctPaths)/float64(sum.Events)
		speed := clamp(sum.RatePerSecond / (maxRPS / 4))
		add(0.8*narrowness*speed, "behavior:narrow_targeting")
	}

	if sum.Escalating {
		add(0.5, "behavior:escalating")
	}

	if sum.DistinctUserAgents >= 3 {
		add(0.15*float64(sum.DistinctUserAgents-2), "behavior:user_agent_rotation")
	}

	return clamp(1 - keep), reasons
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
