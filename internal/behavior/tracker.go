// Package behavior keeps a bounded sliding window of recent requests per identity
// key and summarizes it for risk scoring: rate, path and user-agent diversity,
// escalation, and the most recent risk scores.
//
// Windows are held in a sharded index; each window has its own mutex so updates
// for one key are linearizable while independent keys never block each other.
package behavior

import (
	"hash/maphash"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Wikid82/perimeter/internal/signals"
	"github.com/Wikid82/perimeter/internal/util"
)

const (
	scoreHistory = 10
	// escalation needs enough events for thirds of the window to mean something
	minEscalationEvents = 9
	escalationFactor    = 2
)

var hashSeed = maphash.MakeSeed()

// Config bounds every window. A window holds at most Size events and nothing
// older than Duration; windows idle longer than IdleTTL are swept.
type Config struct {
	Size     int
	Duration time.Duration
	IdleTTL  time.Duration
}

// Summary describes a key's window right after the current request was added.
type Summary struct {
	Events             int
	Span               time.Duration
	RatePerSecond      float64
	DistinctPaths      int
	DistinctUserAgents int
	Escalating         bool
	FirstThird         int
	LastThird          int
	MeanRecentScore    float64
}

type event struct {
	at       int64
	pathHash uint64
	uaHash   uint64
}

type window struct {
	mu       sync.Mutex
	buf      []event
	start    int
	n        int
	scores   [scoreHistory]float64
	scoreIdx int
	scoreN   int
	lastAt   int64
	lastSeen atomic.Int64
	evicted  bool
}

// Tracker owns every BehaviorWindow.
type Tracker struct {
	cfg     Config
	windows *util.ShardedMap[*window]
}

// NewTracker returns a tracker with the given bounds.
func NewTracker(cfg Config) *Tracker {
	if cfg.Size <= 0 {
		cfg.Size = 100
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 5 * time.Minute
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	return &Tracker{cfg: cfg, windows: util.NewShardedMap[*window](util.DefaultShards)}
}

// Observe appends the request to the key's window and returns the updated summary.
func (t *Tracker) Observe(key string, sig *signals.RequestSignals) Summary {
	return t.record(key, sig, nil)
}

// Record appends the request together with its final risk score.
func (t *Tracker) Record(key string, sig *signals.RequestSignals, riskScore float64) Summary {
	return t.record(key, sig, &riskScore)
}

// RecordScore attaches a risk score to the key's recent-score history without
// adding a request. Unknown keys are ignored.
func (t *Tracker) RecordScore(key string, riskScore float64) {
	w, ok := t.windows.Get(key)
	if !ok {
		return
	}
	w.mu.Lock()
	if !w.evicted {
		w.pushScore(riskScore)
	}
	w.mu.Unlock()
}

func (t *Tracker) record(key string, sig *signals.RequestSignals, score *float64) Summary {
	ev := event{
		at:       sig.Timestamp.UnixNano(),
		pathHash: maphash.String(hashSeed, sig.Path),
		uaHash:   maphash.String(hashSeed, sig.UserAgent),
	}
	for {
		w := t.windows.GetOrCreate(key, t.newWindow)
		w.mu.Lock()
		if w.evicted {
			// swept between lookup and lock; retry against a fresh window
			w.mu.Unlock()
			continue
		}
		// a later request from the same key never moves the window backwards
		if ev.at < w.lastAt {
			ev.at = w.lastAt
		}
		w.lastAt = ev.at
		w.push(ev)
		w.prune(ev.at - int64(t.cfg.Duration))
		if score != nil {
			w.pushScore(*score)
		}
		w.lastSeen.Store(ev.at)
		s := w.summarize(ev.at)
		w.mu.Unlock()
		return s
	}
}

// Sweep evicts windows idle for longer than IdleTTL and returns how many were removed.
func (t *Tracker) Sweep(now time.Time) int {
	cutoff := now.Add(-t.cfg.IdleTTL).UnixNano()
	return t.windows.Sweep(func(_ string, w *window) bool {
		if w.lastSeen.Load() >= cutoff {
			return false
		}
		w.mu.Lock()
		defer w.mu.Unlock()
		// re-check under the window lock; a request may have landed since the load above
		if w.lastSeen.Load() >= cutoff {
			return false
		}
		w.evicted = true
		return true
	})
}

// Len returns the number of tracked keys.
func (t *Tracker) Len() int {
	return t.windows.Len()
}

func (t *Tracker) newWindow() *window {
	return &window{buf: make([]event, t.cfg.Size)}
}

func (w *window) push(e event) {
	size := len(w.buf)
	if w.n == size {
		w.start = (w.start + 1) % size
		w.n--
	}
	w.buf[(w.start+w.n)%size] = e
	w.n++
}

func (w *window) prune(cutoff int64) {
	for w.n > 0 && w.buf[w.start].at < cutoff {
		w.start = (w.start + 1) % len(w.buf)
		w.n--
	}
}

func (w *window) at(i int) event {
	return w.buf[(w.start+i)%len(w.buf)]
}

func (w *window) pushScore(s float64) {
	w.scores[w.scoreIdx] = s
	w.scoreIdx = (w.scoreIdx + 1) % scoreHistory
	if w.scoreN < scoreHistory {
		w.scoreN++
	}
}

func (w *window) summarize(now int64) Summary {
	s := Summary{Events: w.n}
	if w.n == 0 {
		return s
	}

	oldest := w.at(0).at
	s.Span = time.Duration(now - oldest)
	spanSec := s.Span.Seconds()
	if spanSec < 1 {
		spanSec = 1
	}
	s.RatePerSecond = float64(w.n) / spanSec

	paths := make(map[uint64]struct{}, w.n)
	uas := make(map[uint64]struct{}, 4)
	third := (now - oldest) / 3
	for i := 0; i < w.n; i++ {
		e := w.at(i)
		paths[e.pathHash] = struct{}{}
		uas[e.uaHash] = struct{}{}
		if third > 0 {
			if e.at < oldest+third {
				s.FirstThird++
			}
			if e.at >= now-third {
				s.LastThird++
			}
		}
	}
	s.DistinctPaths = len(paths)
	s.DistinctUserAgents = len(uas)

	if w.n >= minEscalationEvents && s.Span >= time.Second {
		base := s.FirstThird
		if base < 1 {
			base = 1
		}
		s.Escalating = s.LastThird >= escalationFactor*base && s.LastThird > s.FirstThird
	}

	if w.scoreN > 0 {
		var sum float64
		for i := 0; i < w.scoreN; i++ {
			sum += w.scores[i]
		}
		s.MeanRecentScore = sum / float64(w.scoreN)
	}
	return s
}
