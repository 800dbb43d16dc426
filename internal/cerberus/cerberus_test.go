package cerberus_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Wikid82/perimeter/internal/cerberus"
	"github.com/Wikid82/perimeter/internal/config"
	"github.com/Wikid82/perimeter/internal/models"
	"github.com/Wikid82/perimeter/internal/reputation"
	"github.com/Wikid82/perimeter/internal/services"
	"github.com/Wikid82/perimeter/internal/session"
	"github.com/Wikid82/perimeter/internal/signals"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var dbSeq atomic.Int64

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:cerberus_test_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.SecurityEvent{}, &models.SecurityAlert{}, &models.SecurityAlertEvent{}))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

type harness struct {
	engine   *cerberus.Engine
	db       *gorm.DB
	clock    *clock
	events   *services.EventStore
	sessions *session.Manager
	rep      *reputation.Service
}

func newHarness(t *testing.T, mutate func(*config.PerimeterConfig), deps ...func(*cerberus.Deps)) *harness {
	t.Helper()
	cfg := config.DefaultPerimeterConfig()
	cfg.CheckTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{db: setupDB(t), clock: &clock{now: time.Unix(1700000040, 0)}}
	h.events = services.NewEventStore(h.db, services.EventStoreConfig{QueueSize: 10000})

	var err error
	h.sessions, err = session.NewManager(session.Config{
		MaxIdle:          cfg.MaxIdleTime,
		RotationInterval: cfg.TokenRotationInterval,
		MaxConcurrent:    cfg.MaxConcurrentSessions,
		Secret:           []byte("test-secret"),
		Now:              h.clock.Now,
	})
	require.NoError(t, err)

	h.rep = reputation.NewService(reputation.NewMemoryStore(reputation.Config{
		DecayFactor:   cfg.ReputationDecayFactor,
		DecayInterval: cfg.DecayInterval,
		Retention:     cfg.ReputationRetention,
		Now:           h.clock.Now,
	}), nil)

	d := cerberus.Deps{
		Events:     h.events,
		Alerts:     services.NewAlertManager(h.db, h.events, nil, cfg.AlertCooldown, h.clock.Now),
		Sessions:   h.sessions,
		Reputation: h.rep,
		Now:        h.clock.Now,
	}
	for _, fn := range deps {
		fn(&d)
	}
	h.engine, err = cerberus.New(cfg, d)
	require.NoError(t, err)
	return h
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, h.events.Flush(context.Background()))
}

func (h *harness) eventsOf(t *testing.T, typ models.EventType) []models.SecurityEvent {
	t.Helper()
	h.flush(t)
	var out []models.SecurityEvent
	require.NoError(t, h.db.Where("event_type = ?", typ).Order("id").Find(&out).Error)
	return out
}

func browserRequest(ip, path string) signals.RawRequest {
	return signals.RawRequest{
		IP:     ip,
		Path:   path,
		Method: http.MethodGet,
		Headers: http.Header{
			"User-Agent":      {"Mozilla/5.0 (X11; Linux x86_64) Firefox/126.0"},
			"Accept":          {"text/html"},
			"Accept-Language": {"en-US"},
			"Accept-Encoding": {"gzip"},
		},
	}
}

func TestNew_RejectsInvalidPolicyAndMissingDeps(t *testing.T) {
	cfg := config.DefaultPerimeterConfig()
	cfg.HighRisk = 0.95
	_, err := cerberus.New(cfg, cerberus.Deps{})
	assert.ErrorIs(t, err, config.ErrInvalidPolicy)

	_, err = cerberus.New(config.DefaultPerimeterConfig(), cerberus.Deps{})
	assert.ErrorIs(t, err, cerberus.ErrMissingDependency)
}

func TestCheck_GuestEleventhRequestIsRateLimited(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d := h.engine.Check(ctx, browserRequest("198.51.100.10", fmt.Sprintf("/docs/%d", i)), models.Anonymous())
		require.Equal(t, cerberus.OutcomeAllow, d.Outcome, "request %d", i+1)
		require.NotNil(t, d.RateLimit)
		assert.Equal(t, 9-i, d.RateLimit.Remaining)
		h.clock.Advance(time.Second)
	}

	d := h.engine.Check(ctx, browserRequest("198.51.100.10", "/docs/10"), models.Anonymous())
	assert.Equal(t, cerberus.OutcomeBlock, d.Outcome)
	assert.Equal(t, models.EventRateLimitExceeded, d.EventType)
	assert.Equal(t, 50*time.Second, d.RetryAfter)
	assert.Equal(t, "ip:198.51.100.10", d.Key)

	// another client is unaffected
	other := h.engine.Check(ctx, browserRequest("198.51.100.11", "/docs/0"), models.Anonymous())
	assert.Equal(t, cerberus.OutcomeAllow, other.Outcome)

	assert.Len(t, h.eventsOf(t, models.EventRateLimitExceeded), 1)
}

func TestCheck_ScannerWithTraversalIsBlocked(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	raw := browserRequest("203.0.113.50", "/download/../../etc/passwd")
	raw.Headers.Set("User-Agent", "sqlmap/1.7.2#stable (https://sqlmap.org)")

	d := h.engine.Check(ctx, raw, models.Anonymous())
	assert.Equal(t, cerberus.OutcomeBlock, d.Outcome)
	assert.Equal(t, models.EventThreatDetected, d.EventType)
	require.NotNil(t, d.Assessment)
	assert.GreaterOrEqual(t, d.Assessment.Signature, 0.9)
	assert.Equal(t, "signature", d.Assessment.Dominant)
	assert.Contains(t, d.Reasons, "user_agent:sqlmap")

	// the source IP was penalized
	r := h.rep.Lookup(ctx, "203.0.113.50")
	assert.InDelta(t, 0.25, r.Score, 1e-9)

	events := h.eventsOf(t, models.EventThreatDetected)
	require.Len(t, events, 1)
	assert.Equal(t, d.EventUUID, events[0].UUID)
	assert.Equal(t, "block", events[0].Decision)
	assert.GreaterOrEqual(t, events[0].SignatureScore, 0.9)

	alerts, err := h.engine.Alerts().ListAlerts(models.AlertOpen, 0)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, cerberus.RuleCriticalRisk, alerts[0].Rule)
	assert.Equal(t, models.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, d.EventUUID, alerts[0].FirstEventUUID)
}

type unreachableStore struct{}

func (unreachableStore) Get(context.Context, string) (float64, error) {
	return 0, reputation.ErrUnavailable
}

func (unreachableStore) Penalize(context.Context, string, float64) (float64, error) {
	return 0, reputation.ErrUnavailable
}

func (unreachableStore) DecayTick(context.Context) error { return reputation.ErrUnavailable }

func TestCheck_UnreachableReputationFailsOpen(t *testing.T) {
	h := newHarness(t, nil, func(d *cerberus.Deps) {
		d.Reputation = reputation.NewService(unreachableStore{}, nil)
	})

	d := h.engine.Check(context.Background(), browserRequest("192.0.2.44", "/pricing"), models.Anonymous())
	assert.Equal(t, cerberus.OutcomeAllow, d.Outcome)
	assert.Equal(t, models.EventDegradedSignal, d.EventType)
	assert.Contains(t, d.Degraded, cerberus.SignalReputation)

	events := h.eventsOf(t, models.EventDegradedSignal)
	require.Len(t, events, 1)
	assert.Equal(t, "reputation", events[0].Degraded)
}

type slowStore struct{ unreachableStore }

func (slowStore) Get(ctx context.Context, _ string) (float64, error) {
	select {
	case <-time.After(5 * time.Second):
		return 0, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func TestCheck_SlowSubCheckTimesOut(t *testing.T) {
	h := newHarness(t, func(c *config.PerimeterConfig) {
		c.CheckTimeout = 20 * time.Millisecond
	}, func(d *cerberus.Deps) {
		d.Reputation = reputation.NewService(slowStore{}, nil)
	})

	start := time.Now()
	d := h.engine.Check(context.Background(), browserRequest("192.0.2.45", "/pricing"), models.Anonymous())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, cerberus.OutcomeAllow, d.Outcome)
	assert.Equal(t, []string{cerberus.SignalReputation}, d.Degraded)
}

func TestCheck_BlockListComesFirst(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.engine.Block("ip:192.0.2.9", 0)
	d := h.engine.Check(ctx, browserRequest("192.0.2.9", "/"), models.Anonymous())
	assert.Equal(t, cerberus.OutcomeBlock, d.Outcome)
	assert.Equal(t, models.EventBlockedKey, d.EventType)
	assert.Nil(t, d.Assessment)
	assert.Nil(t, d.RateLimit, "blocked keys do not consume rate budget")

	require.True(t, h.engine.Unblock("ip:192.0.2.9"))
	d = h.engine.Check(ctx, browserRequest("192.0.2.9", "/"), models.Anonymous())
	assert.Equal(t, cerberus.OutcomeAllow, d.Outcome)

	// manual blocks expire
	h.engine.Block("ip:192.0.2.9", time.Minute)
	h.clock.Advance(time.Minute)
	d = h.engine.Check(ctx, browserRequest("192.0.2.9", "/"), models.Anonymous())
	assert.Equal(t, cerberus.OutcomeAllow, d.Outcome)
}

func TestCheck_PerKeyBurstBlocks(t *testing.T) {
	h := newHarness(t, func(c *config.PerimeterConfig) {
		c.GuestLimit.Requests = 1000
	})
	ctx := context.Background()

	var last cerberus.Decision
	for i := 0; i < 61; i++ {
		last = h.engine.Check(ctx, browserRequest("192.0.2.77", fmt.Sprintf("/p/%d", i)), models.Anonymous())
	}
	assert.Equal(t, cerberus.OutcomeBlock, last.Outcome)
	assert.Equal(t, models.EventDDoSAttempt, last.EventType)

	blocks := h.engine.Blocks()
	require.Len(t, blocks, 1)
	assert.Equal(t, "ip:192.0.2.77", blocks[0].Key)

	h.clock.Advance(10 * time.Second)
	d := h.engine.Check(ctx, browserRequest("192.0.2.77", "/p/x"), models.Anonymous())
	assert.Equal(t, models.EventBlockedKey, d.EventType)

	h.flush(t)
	alerts, err := h.engine.Alerts().ListAlerts("", 0)
	require.NoError(t, err)
	var rules []string
	for _, a := range alerts {
		rules = append(rules, a.Rule)
	}
	// the burst also drove the behavior score to critical before the detector tripped
	assert.ElementsMatch(t, []string{cerberus.RuleCriticalRisk, cerberus.RuleDDoSBurst}, rules)
}

func TestCheck_SessionRules(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice := models.Identity{UserID: "alice", Tier: models.TierPremium}

	s, err := h.engine.StartSession(alice)
	require.NoError(t, err)

	raw := browserRequest("192.0.2.10", "/account")
	raw.SessionID = s.Credential
	d := h.engine.Check(ctx, raw, alice)
	require.Equal(t, cerberus.OutcomeAllow, d.Outcome)
	assert.Equal(t, "sess:"+s.ID, d.Key)
	assert.Equal(t, 1000, d.RateLimit.Limit)

	h.clock.Advance(16 * time.Minute)
	d = h.engine.Check(ctx, raw, alice)
	require.Equal(t, cerberus.OutcomeAllow, d.Outcome)
	assert.NotEmpty(t, d.RotatedCredential)

	h.clock.Advance(31 * time.Minute)
	raw.SessionID = d.RotatedCredential
	d = h.engine.Check(ctx, raw, alice)
	assert.Equal(t, cerberus.OutcomeBlock, d.Outcome)
	assert.Equal(t, models.EventAuthFailure, d.EventType)
	assert.Contains(t, d.Reasons, "session:idle_expired")

	raw.SessionID = "forged.token.value"
	d = h.engine.Check(ctx, raw, alice)
	assert.Equal(t, cerberus.OutcomeBlock, d.Outcome)
	assert.Contains(t, d.Reasons, "session:invalid_credential")
	assert.Equal(t, "ip:192.0.2.10", d.Key)

	raw.SessionID = "no-such-session"
	d = h.engine.Check(ctx, raw, alice)
	assert.Contains(t, d.Reasons, "session:unknown_session")

	// a session id on anonymous traffic is ignored
	d = h.engine.Check(ctx, raw, models.Anonymous())
	assert.Equal(t, cerberus.OutcomeAllow, d.Outcome)
	assert.Equal(t, "ip:192.0.2.10", d.Key)

	assert.Len(t, h.eventsOf(t, models.EventAuthFailure), 3)
}

func signatureOnly(c *config.PerimeterConfig) {
	c.SignatureWeight, c.BehaviorWeight, c.ReputationWeight = 1, 0, 0
}

func TestCheck_ThresholdBands(t *testing.T) {
	h := newHarness(t, signatureOnly)
	ctx := context.Background()

	// sqli tautology (0.8) and admin probe (0.3) combine to 0.86
	d := h.engine.Check(ctx, browserRequest("192.0.2.20", "/wp-admin/?id=1%20or%201=1"), models.Anonymous())
	assert.Equal(t, cerberus.OutcomeChallenge, d.Outcome)
	assert.Equal(t, models.EventHighRisk, d.EventType)
	assert.InDelta(t, 0.86, d.RiskScore, 1e-9)

	// config probe (0.6) and admin probe (0.3) combine to 0.72
	d = h.engine.Check(ctx, browserRequest("192.0.2.21", "/wp-admin/.env"), models.Anonymous())
	assert.Equal(t, cerberus.OutcomeAllow, d.Outcome)
	assert.Equal(t, models.EventSuspicious, d.EventType)

	d = h.engine.Check(ctx, browserRequest("192.0.2.22", "/docs"), models.Anonymous())
	assert.Equal(t, cerberus.OutcomeAllow, d.Outcome)
	assert.Equal(t, models.EventRequest, d.EventType)

	h.flush(t)
	alerts, err := h.engine.Alerts().ListAlerts("", 0)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, cerberus.RuleHighRisk, alerts[0].Rule)
	assert.Equal(t, models.SeverityHigh, alerts[0].Severity)
}

func TestCheck_MalformedRequestIsBlocked(t *testing.T) {
	h := newHarness(t, nil)
	raw := browserRequest("not-an-ip", "/")
	d := h.engine.Check(context.Background(), raw, models.Anonymous())
	assert.Equal(t, cerberus.OutcomeBlock, d.Outcome)
	assert.Contains(t, d.Reasons, "malformed:unparsable_ip")
}

func TestCheck_ExactlyOneEventPerDecision(t *testing.T) {
	h := newHarness(t, func(c *config.PerimeterConfig) {
		c.MaxRequestsPerSecond = 10000
		c.BurstThreshold = 10000
		c.GuestLimit.Requests = 100
	})
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
		limited atomic.Int64
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := h.engine.Check(ctx, browserRequest("198.51.100.200", fmt.Sprintf("/items/%d", i)), models.Anonymous())
			switch {
			case d.Allowed():
				allowed.Add(1)
			case d.EventType == models.EventRateLimitExceeded:
				limited.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(100), allowed.Load())
	assert.Equal(t, int64(100), limited.Load())

	h.flush(t)
	var n int64
	require.NoError(t, h.db.Model(&models.SecurityEvent{}).Count(&n).Error)
	assert.Equal(t, int64(200), n)

	a, err := h.engine.Analytics(time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(200), a.TotalEvents)
	assert.Equal(t, int64(100), a.BlockedRequests)
	assert.Equal(t, int64(1), a.UniqueKeys)
}

func TestSweepAndLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.engine.Check(ctx, browserRequest("192.0.2.30", "/"), models.Anonymous())
	h.engine.Block("ip:192.0.2.31", time.Minute)

	h.clock.Advance(2 * time.Hour)
	stats := h.engine.Sweep(h.clock.Now())
	assert.Equal(t, 1, stats.BehaviorWindows)
	assert.Equal(t, 1, stats.RateCounters)
	assert.Equal(t, 1, stats.BurstCounters)
	assert.Equal(t, 1, stats.ExpiredBlocks)

	require.NoError(t, h.engine.DecayTick(ctx))

	require.NoError(t, h.engine.Start())
	require.NoError(t, h.engine.Start(), "start is idempotent")
	h.engine.Check(ctx, browserRequest("192.0.2.32", "/"), models.Anonymous())

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	h.engine.Stop(stopCtx)

	var n int64
	require.NoError(t, h.db.Model(&models.SecurityEvent{}).Count(&n).Error)
	assert.Equal(t, int64(2), n, "stop drains the queue")
}

func TestDecayTick_ReportsStoreErrors(t *testing.T) {
	h := newHarness(t, nil, func(d *cerberus.Deps) {
		d.Reputation = reputation.NewService(unreachableStore{}, nil)
	})
	assert.True(t, errors.Is(h.engine.DecayTick(context.Background()), reputation.ErrUnavailable))
}

func TestCheck_ReputationAloneDoesNotHoldBlock(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	const ip = "198.51.100.77"

	for i := 0; i < 4; i++ {
		_, err := h.rep.Penalize(ctx, ip, 0.25)
		require.NoError(t, err)
	}
	start, err := h.rep.Store().Get(ctx, ip)
	require.NoError(t, err)
	require.InDelta(t, 1.0, start, 1e-9)

	// 20 ordinary page views over 30 minutes
	for i := 0; i < 20; i++ {
		h.clock.Advance(90 * time.Second)
		d := h.engine.Check(ctx, browserRequest(ip, "/docs"), models.Anonymous())
		require.Equal(t, cerberus.OutcomeAllow, d.Outcome, "request %d: %v", i, d.Reasons)
		require.NotNil(t, d.Assessment)
		assert.Empty(t, d.Assessment.Dominant)
	}

	end, err := h.rep.Store().Get(ctx, ip)
	require.NoError(t, err)
	assert.Less(t, end, 0.3)
	assert.Empty(t, h.eventsOf(t, models.EventThreatDetected))
}

func TestCheck_TierComesFromVerifiedSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// a claimed tier without a session is limited as a guest
	claimed := models.Identity{UserID: "mallory", Tier: models.TierPremium}
	d := h.engine.Check(ctx, browserRequest("203.0.113.99", "/docs"), claimed)
	require.Equal(t, cerberus.OutcomeAllow, d.Outcome)
	assert.Equal(t, "ip:203.0.113.99", d.Key)
	assert.Equal(t, 10, d.RateLimit.Limit)

	s, err := h.engine.StartSession(models.Identity{UserID: "dave", Tier: models.TierPremium})
	require.NoError(t, err)

	// the session supplies user and tier even when the caller claims nothing
	raw := browserRequest("203.0.113.100", "/account")
	raw.SessionID = s.Credential
	d = h.engine.Check(ctx, raw, models.Anonymous())
	require.Equal(t, cerberus.OutcomeAllow, d.Outcome)
	assert.Equal(t, "sess:"+s.ID, d.Key)
	assert.Equal(t, 1000, d.RateLimit.Limit)

	// another user's credential is rejected
	d = h.engine.Check(ctx, raw, claimed)
	assert.Equal(t, cerberus.OutcomeBlock, d.Outcome)
	assert.Equal(t, models.EventAuthFailure, d.EventType)
	assert.Contains(t, d.Reasons, "session:invalid_credential")
}
