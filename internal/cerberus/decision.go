package cerberus

import (
	"time"

	"github.com/Wikid82/perimeter/internal/models"
	"github.com/Wikid82/perimeter/internal/ratelimit"
	"github.com/Wikid82/perimeter/internal/risk"
)

// Outcome is what the host framework should do with a request.
type Outcome string

const (
	OutcomeAllow     Outcome = "allow"
	OutcomeChallenge Outcome = "challenge"
	OutcomeBlock     Outcome = "block"
)

// Degraded signal names.
const (
	SignalRateLimit  = "rate_limit"
	SignalReputation = "reputation"
	SignalBehavior   = "behavior"
	SignalPenalty    = "reputation_penalty"
)

// Alert rules raised by the engine.
const (
	RuleCriticalRisk = "critical_risk"
	RuleHighRisk     = "high_risk"
	RuleDDoSBurst    = "ddos_burst"
)

// Decision is the engine's verdict for one request. Reasons are for logs and
// events only and are never sent to the client.
type Decision struct {
	Outcome   Outcome
	RiskScore float64
	Reasons   []string
	Key       string
	EventType models.EventType
	EventUUID string
	// Degraded lists sub-checks that failed open.
	Degraded []string
	// Assessment is nil when an earlier rule decided before scoring.
	Assessment *risk.Assessment
	RateLimit  *ratelimit.Result
	// RetryAfter is set for rate-limit blocks.
	RetryAfter time.Duration
	// RotatedCredential carries a freshly issued session credential.
	RotatedCredential string
}

// Allowed reports whether the request may proceed to the application.
func (d Decision) Allowed() bool { return d.Outcome == OutcomeAllow }
