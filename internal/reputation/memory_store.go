package reputation

import (
	"context"
	"sync"
	"time"

	"github.com/Wikid82/perimeter/internal/util"
)

type entry struct {
	mu            sync.Mutex
	score         float64
	updatedAt     time.Time
	lastPenalized time.Time
	events        int64
	evicted       bool
}

// Entry is a point-in-time copy of one IP's reputation.
type Entry struct {
	IP            string    `json:"ip"`
	Score         float64   `json:"score"`
	LastPenalized time.Time `json:"last_penalized"`
	Events        int64     `json:"events"`
}

// MemoryStore keeps reputation in process memory.
type MemoryStore struct {
	cfg     Config
	entries *util.ShardedMap[*entry]
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(cfg Config) *MemoryStore {
	return &MemoryStore{
		cfg:     cfg.withDefaults(),
		entries: util.NewShardedMap[*entry](util.DefaultShards),
	}
}

// Get returns the decayed score for ip, or 0 when it has never been penalized.
func (s *MemoryStore) Get(_ context.Context, ip string) (float64, error) {
	e, ok := s.entries.Get(ip)
	if !ok {
		return 0, nil
	}
	now := s.cfg.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return 0, nil
	}
	return s.cfg.decay(e.score, now.Sub(e.updatedAt)), nil
}

func (s *MemoryStore) Penalize(_ context.Context, ip string, amount float64) (float64, error) {
	for {
		e := s.entries.GetOrCreate(ip, func() *entry { return &entry{} })
		now := s.cfg.Now()
		e.mu.Lock()
		if e.evicted {
			e.mu.Unlock()
			continue
		}
		if !e.updatedAt.IsZero() {
			e.score = s.cfg.decay(e.score, now.Sub(e.updatedAt))
		}
		e.score = clamp(e.score + amount)
		if now.After(e.updatedAt) {
			e.updatedAt = now
		}
		e.lastPenalized = now
		e.events++
		score := e.score
		e.mu.Unlock()
		return score, nil
	}
}

// DecayTick folds elapsed decay into every entry and drops entries whose score
// is negligible and that have not been penalized within the retention period.
func (s *MemoryStore) DecayTick(_ context.Context) error {
	now := s.cfg.Now()
	s.entries.Sweep(func(_ string, e *entry) bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		if now.After(e.updatedAt) {
			e.score = s.cfg.decay(e.score, now.Sub(e.updatedAt))
			e.updatedAt = now
		}
		if e.score < compactBelow && now.Sub(e.lastPenalized) > s.cfg.Retention {
			e.evicted = true
			return true
		}
		return false
	})
	return nil
}

// Snapshot returns the current state of ip.
func (s *MemoryStore) Snapshot(ip string) (Entry, bool) {
	e, ok := s.entries.Get(ip)
	if !ok {
		return Entry{}, false
	}
	now := s.cfg.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return Entry{}, false
	}
	return Entry{
		IP:            ip,
		Score:         s.cfg.decay(e.score, now.Sub(e.updatedAt)),
		LastPenalized: e.lastPenalized,
		Events:        e.events,
	}, true
}

// Len returns the number of tracked addresses.
func (s *MemoryStore) Len() int { return s.entries.Len() }
