package cerberus

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Wikid82/perimeter/internal/logger"
)

type sweeper interface {
	Sweep(now time.Time) int
}

// Start launches the event writer and the scheduled maintenance jobs.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cron != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(every(e.cfg.DecayInterval), e.runDecay); err != nil {
		return fmt.Errorf("schedule reputation decay: %w", err)
	}
	if _, err := c.AddFunc(every(e.cfg.SweepInterval), func() { e.Sweep(e.now()) }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	if _, err := c.AddFunc(every(time.Second), func() { e.deps.DDoS.ExpireBlocks(e.now()) }); err != nil {
		return fmt.Errorf("schedule block expiry: %w", err)
	}

	e.deps.Events.Start()
	c.Start()
	e.cron = c
	logger.Component("perimeter").Info("perimeter engine started")
	return nil
}

// Stop halts scheduled jobs, waits for a running job to finish and drains the
// event queue.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	c := e.cron
	e.cron = nil
	e.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	e.deps.Events.Stop()
	logger.Component("perimeter").Info("perimeter engine stopped")
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

func (e *Engine) runDecay() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.DecayTick(ctx); err != nil {
		logger.Component("reputation").WithError(err).Warn("decay tick failed")
	}
}

// DecayTick applies reputation decay once.
func (e *Engine) DecayTick(ctx context.Context) error {
	return e.deps.Reputation.DecayTick(ctx)
}

// SweepStats reports what one Sweep reclaimed.
type SweepStats struct {
	BehaviorWindows int `json:"behavior_windows"`
	RateCounters    int `json:"rate_counters"`
	BurstCounters   int `json:"burst_counters"`
	ExpiredBlocks   int `json:"expired_blocks"`
	Sessions        int `json:"sessions"`
	AlertKeys       int `json:"alert_keys"`
}

// Sweep evicts idle per-key state from every component.
func (e *Engine) Sweep(now time.Time) SweepStats {
	s := SweepStats{
		BehaviorWindows: e.deps.Behavior.Sweep(now),
		BurstCounters:   e.deps.DDoS.Sweep(now),
		ExpiredBlocks:   e.deps.DDoS.ExpireBlocks(now),
		Sessions:        e.deps.Sessions.Sweep(now),
		AlertKeys:       e.deps.Alerts.Sweep(now),
	}
	if sw, ok := e.deps.Limiter.(sweeper); ok {
		s.RateCounters = sw.Sweep(now)
	}
	logger.Component("perimeter").WithField("reclaimed", s).Debug("sweep finished")
	return s
}
