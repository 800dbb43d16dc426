// Package cerberus is the perimeter decision engine. It wires signal
// extraction, behavior tracking, reputation, rate limiting, burst detection,
// session security and risk scoring into one allow/challenge/block decision
// per request, and records exactly one SecurityEvent for each decision.
package cerberus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/Wikid82/perimeter/internal/behavior"
	"github.com/Wikid82/perimeter/internal/config"
	"github.com/Wikid82/perimeter/internal/ddos"
	"github.com/Wikid82/perimeter/internal/logger"
	"github.com/Wikid82/perimeter/internal/metrics"
	"github.com/Wikid82/perimeter/internal/models"
	"github.com/Wikid82/perimeter/internal/ratelimit"
	"github.com/Wikid82/perimeter/internal/reputation"
	"github.com/Wikid82/perimeter/internal/risk"
	"github.com/Wikid82/perimeter/internal/services"
	"github.com/Wikid82/perimeter/internal/session"
	"github.com/Wikid82/perimeter/internal/signals"
	"github.com/Wikid82/perimeter/internal/util"
)

// ErrMissingDependency is returned by New when a required collaborator is nil.
var ErrMissingDependency = errors.New("missing perimeter dependency")

// Deps are the engine's collaborators. Events and Sessions are required; the
// rest default to in-memory implementations built from the policy.
type Deps struct {
	Events     *services.EventStore
	Alerts     *services.AlertManager
	Sessions   *session.Manager
	Reputation *reputation.Service
	Limiter    ratelimit.Limiter
	Behavior   *behavior.Tracker
	DDoS       *ddos.Detector
	Scorer     *risk.Scorer
	Now        func() time.Time
}

// Engine is safe for concurrent use by any number of request goroutines.
type Engine struct {
	cfg  config.PerimeterConfig
	deps Deps
	now  func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// New validates the policy and assembles an engine.
func New(cfg config.PerimeterConfig, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Events == nil {
		return nil, fmt.Errorf("%w: event store", ErrMissingDependency)
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("%w: session manager", ErrMissingDependency)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Reputation == nil {
		deps.Reputation = reputation.NewService(reputation.NewMemoryStore(reputation.Config{
			DecayFactor:   cfg.ReputationDecayFactor,
			DecayInterval: cfg.DecayInterval,
			Retention:     cfg.ReputationRetention,
			Now:           deps.Now,
		}), nil)
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.NewFixedWindow(cfg, deps.Now)
	}
	if deps.Behavior == nil {
		deps.Behavior = behavior.NewTracker(behavior.Config{
			Size:     cfg.BehaviorWindowSize,
			Duration: cfg.BehaviorWindowDuration,
			IdleTTL:  cfg.BehaviorIdleTTL,
		})
	}
	if deps.DDoS == nil {
		deps.DDoS = ddos.NewDetector(ddos.Config{
			MaxRequestsPerSecond: cfg.MaxRequestsPerSecond,
			BurstThreshold:       cfg.BurstThreshold,
			BurstWindow:          cfg.BurstWindow,
			BlockDuration:        cfg.BlockDuration,
			TopOffenders:         cfg.TopOffenders,
			Now:                  deps.Now,
		})
	}
	if deps.Scorer == nil {
		deps.Scorer = risk.NewScorer(risk.Config{
			Weights: risk.Weights{
				Signature:  cfg.SignatureWeight,
				Behavior:   cfg.BehaviorWeight,
				Reputation: cfg.ReputationWeight,
			},
			CriticalThreat:       cfg.CriticalThreat,
			MaxRequestsPerSecond: cfg.MaxRequestsPerSecond,
		})
	}
	if deps.Alerts == nil {
		deps.Alerts = services.NewAlertManager(deps.Events.DB(), deps.Events, nil, cfg.AlertCooldown, deps.Now)
	}
	return &Engine{cfg: cfg, deps: deps, now: deps.Now}, nil
}

// Policy returns the engine's validated policy.
func (e *Engine) Policy() config.PerimeterConfig { return e.cfg }

// subChecks holds the results of the concurrently evaluated signals.
type subChecks struct {
	limit    ratelimit.Result
	limitOK  bool
	rep      reputation.Reading
	summary  behavior.Summary
	degraded []string
}

// Check decides one request. It never returns an error: failing sub-checks
// fail open and are reported in Decision.Degraded.
func (e *Engine) Check(ctx context.Context, raw signals.RawRequest, id models.Identity) Decision {
	start := time.Now()
	now := e.now()

	id, credentialErr := e.bindSession(&raw, id)
	sig := signals.Extract(raw, id, now)
	d := e.decide(ctx, &sig, credentialErr)

	e.record(&sig, &d, now)
	metrics.IncDecision(string(d.Outcome))
	metrics.ObserveCheck(time.Since(start).Seconds())
	return d
}

// bindSession replaces the raw credential with the session id it verifies to.
// A live session supplies the user and tier; without one, a claimed identity
// keeps its user but is limited as a guest.
func (e *Engine) bindSession(raw *signals.RawRequest, claimed models.Identity) (models.Identity, error) {
	credential := raw.SessionID
	raw.SessionID = ""
	if claimed.Authenticated() {
		claimed.Tier = models.TierGuest
	}
	if credential == "" {
		return claimed, nil
	}

	sid, err := e.deps.Sessions.Resolve(credential)
	if err != nil {
		if claimed.Authenticated() {
			return claimed, err
		}
		return models.Anonymous(), nil
	}
	s, ok := e.deps.Sessions.Get(sid)
	switch {
	case ok && claimed.Authenticated() && claimed.UserID != s.UserID:
		return claimed, fmt.Errorf("%w: session belongs to another user", session.ErrInvalidCredential)
	case ok:
		raw.SessionID = sid
		return models.Identity{UserID: s.UserID, Tier: s.Tier}, nil
	case claimed.Authenticated():
		// Touch reports the unknown session
		raw.SessionID = sid
		return claimed, nil
	default:
		return models.Anonymous(), nil
	}
}

func (e *Engine) decide(ctx context.Context, sig *signals.RequestSignals, credentialErr error) Decision {
	d := Decision{Key: sig.IdentityKey}

	// 1. block list and burst detection
	verdict := e.deps.DDoS.Observe(sig.IdentityKey)
	if verdict.Blocked || e.blocked(sig) {
		d.Outcome = OutcomeBlock
		d.RiskScore = 1
		d.EventType = models.EventBlockedKey
		if verdict.Suspected {
			d.EventType = models.EventDDoSAttempt
			d.Reasons = append(d.Reasons, verdict.Reason)
		} else {
			d.Reasons = append(d.Reasons, "blocked_key")
		}
		return d
	}
	if verdict.Suspected {
		d.Reasons = append(d.Reasons, verdict.Reason)
	}

	// 2. session validity for authenticated traffic
	if sig.Authenticated && (sig.SessionID != "" || credentialErr != nil) {
		reason := ""
		if credentialErr != nil {
			reason = session.ReasonInvalidCredential
		} else if res := e.deps.Sessions.Touch(sig.SessionID); !res.Valid {
			reason = res.Reason
		}
		if reason != "" {
			d.Outcome = OutcomeBlock
			d.EventType = models.EventAuthFailure
			d.Reasons = append(d.Reasons, "session:"+reason)
			return d
		}
		if cred, rotated, err := e.deps.Sessions.RotateIfDue(sig.SessionID); err == nil && rotated {
			d.RotatedCredential = cred
		}
	}

	sub := e.runSubChecks(ctx, sig)
	d.Degraded = sub.degraded

	// 3. rate limit
	if sub.limitOK {
		limit := sub.limit
		d.RateLimit = &limit
		if !limit.Allowed {
			d.Outcome = OutcomeBlock
			d.EventType = models.EventRateLimitExceeded
			d.RetryAfter = limit.RetryAfter(e.now())
			d.Reasons = append(d.Reasons, fmt.Sprintf("rate_limit:%s:%d/%d", sig.Tier, limit.Count, limit.Limit))
			return d
		}
	}

	a := e.deps.Scorer.Score(sig, sub.summary, sub.rep)
	e.deps.Behavior.RecordScore(sig.IdentityKey, a.Score)
	d.Assessment = &a
	d.RiskScore = a.Score
	d.Reasons = append(d.Reasons, a.Reasons...)

	switch {
	case a.Score >= e.cfg.CriticalThreat:
		// 4. critical
		d.Outcome = OutcomeBlock
		d.EventType = models.EventThreatDetected
		e.penalize(ctx, sig.IP, &d)
	case a.Score >= e.cfg.HighRisk:
		// 5. high
		d.Outcome = OutcomeChallenge
		d.EventType = models.EventHighRisk
	case a.Score >= e.cfg.SuspiciousActivity:
		// 6. suspicious, allowed but monitored
		d.Outcome = OutcomeAllow
		d.EventType = models.EventSuspicious
	default:
		d.Outcome = OutcomeAllow
		d.EventType = models.EventRequest
		if len(d.Degraded) > 0 {
			d.EventType = models.EventDegradedSignal
		}
	}
	return d
}

// blocked checks the identity key and, for session-keyed traffic, the client IP.
func (e *Engine) blocked(sig *signals.RequestSignals) bool {
	if _, ok := e.deps.DDoS.IsBlocked(sig.IdentityKey); ok {
		return true
	}
	_, ok := e.deps.DDoS.IsBlocked("ip:" + sig.IP)
	return ok
}

func (e *Engine) runSubChecks(ctx context.Context, sig *signals.RequestSignals) subChecks {
	var (
		sub      subChecks
		limitErr error
		repErr   error
	)
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CheckTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sub.limit, limitErr = within(gctx, func(ctx context.Context) (ratelimit.Result, error) {
			return e.deps.Limiter.Check(ctx, sig.IdentityKey, sig.Tier)
		})
		return nil
	})
	g.Go(func() error {
		sub.rep, repErr = within(gctx, func(ctx context.Context) (reputation.Reading, error) {
			return e.deps.Reputation.Lookup(ctx, sig.IP), nil
		})
		return nil
	})
	g.Go(func() error {
		sub.summary = e.deps.Behavior.Observe(sig.IdentityKey, sig)
		return nil
	})
	_ = g.Wait()

	if limitErr == nil {
		sub.limitOK = true
		if sub.limit.Degraded {
			sub.degraded = append(sub.degraded, SignalRateLimit)
		}
	} else {
		sub.degraded = append(sub.degraded, SignalRateLimit)
	}
	if repErr != nil || !sub.rep.Available {
		sub.rep.Available = false
		sub.degraded = append(sub.degraded, SignalReputation)
	}
	for _, s := range sub.degraded {
		metrics.IncDegraded(s)
	}
	return sub
}

type result[T any] struct {
	v   T
	err error
}

// within runs fn and gives up when ctx ends, leaving fn to finish in the background.
func within[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	ch := make(chan result[T], 1)
	go func() {
		v, err := fn(ctx)
		ch <- result[T]{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (e *Engine) penalize(ctx context.Context, ip string, d *Decision) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CheckTimeout)
	defer cancel()
	if _, err := within(ctx, func(ctx context.Context) (float64, error) {
		return e.deps.Reputation.Penalize(ctx, ip, e.cfg.ReputationPenalty)
	}); err != nil {
		d.Degraded = append(d.Degraded, SignalPenalty)
		metrics.IncDegraded(SignalPenalty)
		logger.Component("perimeter").WithError(err).WithField("ip", util.SanitizeForLog(ip)).Warn("reputation penalty not applied")
	}
}

// record enqueues the decision's event and any alert it raises, then logs it.
func (e *Engine) record(sig *signals.RequestSignals, d *Decision, now time.Time) {
	d.EventUUID = uuid.NewString()
	ev := &models.SecurityEvent{
		UUID:        d.EventUUID,
		IdentityKey: sig.IdentityKey,
		IP:          sig.IP,
		SessionID:   sig.SessionID,
		UserID:      sig.UserID,
		Tier:        sig.Tier,
		Method:      util.SanitizeAndTruncate(sig.Method, 16),
		Path:        util.SanitizeAndTruncate(sig.Path, 512),
		EventType:   d.EventType,
		Decision:    string(d.Outcome),
		RiskScore:   d.RiskScore,
		Reasons:     strings.Join(d.Reasons, ";"),
		Degraded:    strings.Join(d.Degraded, ","),
		CreatedAt:   now.UTC(),
		Metadata:    map[string]interface{}{"user_agent": util.SanitizeAndTruncate(sig.UserAgent, 256)},
	}
	if a := d.Assessment; a != nil {
		ev.SignatureScore = a.Signature
		ev.BehaviorScore = a.Behavior
		ev.ReputationScore = a.Reputation
	}
	if d.RateLimit != nil {
		ev.Metadata["rate_limit_count"] = d.RateLimit.Count
		ev.Metadata["rate_limit_limit"] = d.RateLimit.Limit
	}
	e.deps.Events.Enqueue(ev, nil)

	if in, ok := alertFor(sig, d); ok {
		in.EventUUID = d.EventUUID
		e.deps.Alerts.Raise(in)
	}

	fields := map[string]interface{}{
		"source":     "perimeter",
		"decision":   d.Outcome,
		"event_type": d.EventType,
		"key":        util.SanitizeForLog(sig.IdentityKey),
		"risk":       d.RiskScore,
		"path":       util.SanitizeAndTruncate(sig.Path, 256),
	}
	if len(d.Degraded) > 0 {
		fields["degraded"] = d.Degraded
	}
	entry := logger.Log().WithFields(fields)
	switch d.Outcome {
	case OutcomeBlock:
		entry.WithField("reasons", d.Reasons).Warn("perimeter blocked request")
	case OutcomeChallenge:
		entry.WithField("reasons", d.Reasons).Info("perimeter challenged request")
	default:
		if d.EventType != models.EventRequest {
			entry.Info("perimeter monitored request")
		} else {
			entry.Debug("perimeter allowed request")
		}
	}
}

func alertFor(sig *signals.RequestSignals, d *Decision) (services.AlertInput, bool) {
	in := services.AlertInput{
		IdentityKey: sig.IdentityKey,
		Details:     strings.Join(d.Reasons, "; "),
	}
	switch d.EventType {
	case models.EventThreatDetected:
		in.Rule = RuleCriticalRisk
		in.Severity = models.SeverityCritical
		in.Title = "Critical-risk request blocked"
	case models.EventHighRisk:
		in.Rule = RuleHighRisk
		in.Severity = models.SeverityHigh
		in.Title = "High-risk request challenged"
	case models.EventDDoSAttempt:
		in.Rule = RuleDDoSBurst
		in.Severity = models.SeverityHigh
		in.Title = "Request burst blocked"
	default:
		return in, false
	}
	return in, true
}
