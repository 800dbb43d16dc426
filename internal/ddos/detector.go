// Package ddos detects per-key and service-wide request bursts and maintains the
// temporary block list consulted before any other perimeter rule.
package ddos

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Wikid82/perimeter/internal/logger"
	"github.com/Wikid82/perimeter/internal/metrics"
	"github.com/Wikid82/perimeter/internal/util"
)

const (
	ReasonKeyBurst    = "ddos_key_burst"
	ReasonGlobalBurst = "ddos_global_burst"
	ReasonManual      = "manual_block"

	// globalCooldown stops one global burst from re-ranking offenders on every request.
	globalCooldown = time.Second
)

// Config holds the burst thresholds.
type Config struct {
	MaxRequestsPerSecond int
	BurstThreshold       int
	BurstWindow          time.Duration
	BlockDuration        time.Duration
	TopOffenders         int
	Now                  func() time.Time
}

// Verdict is the outcome of observing one request.
type Verdict struct {
	Suspected bool
	Global    bool
	// Blocked reports that the observed key is now on the block list.
	Blocked bool
	Reason  string
	KeyRate float64
	// GlobalRate is approximate under concurrency.
	GlobalRate float64
}

// Block is one entry of the temporary block list.
type Block struct {
	Key       string    `json:"key"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
	Until     time.Time `json:"until"`
}

type secondSlot struct {
	sec   int64
	count int
}

type keyWindow struct {
	mu      sync.Mutex
	slots   []secondSlot
	last    int64
	evicted bool
}

type globalSlot struct {
	sec   atomic.Int64
	count atomic.Int64
}

// Detector counts requests per second per key and service-wide.
type Detector struct {
	cfg      Config
	seconds  int
	keys     *util.ShardedMap[*keyWindow]
	global   []globalSlot
	lastTrip atomic.Int64
	blocks   *util.ShardedMap[Block]
}

// NewDetector returns a detector with an empty block list.
func NewDetector(cfg Config) *Detector {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.BurstWindow < time.Second {
		cfg.BurstWindow = 3 * time.Second
	}
	seconds := int((cfg.BurstWindow + time.Second - 1) / time.Second)
	return &Detector{
		cfg:     cfg,
		seconds: seconds,
		keys:    util.NewShardedMap[*keyWindow](util.DefaultShards),
		global:  make([]globalSlot, seconds),
		blocks:  util.NewShardedMap[Block](util.DefaultShards),
	}
}

// Observe counts one request from key and evaluates both burst triggers.
// A tripped trigger places the key, or the top offenders for a global burst,
// on the block list for BlockDuration.
func (d *Detector) Observe(key string) Verdict {
	now := d.cfg.Now()
	sec := now.Unix()

	keyTotal := d.observeKey(key, sec)
	globalTotal := d.observeGlobal(sec)

	v := Verdict{
		KeyRate:    float64(keyTotal) / float64(d.seconds),
		GlobalRate: float64(globalTotal) / float64(d.seconds),
	}

	if v.KeyRate > float64(d.cfg.MaxRequestsPerSecond) {
		v.Suspected = true
		v.Reason = ReasonKeyBurst
		if _, already := d.IsBlocked(key); !already {
			d.block(key, ReasonKeyBurst, now, d.cfg.BlockDuration)
			metrics.IncDDoSTrigger("key")
			logger.Component("ddos").WithField("key", util.SanitizeForLog(key)).
				WithField("rate", v.KeyRate).Warn("per-key burst, key blocked")
		}
		v.Blocked = true
	}

	if v.GlobalRate > float64(d.cfg.BurstThreshold) {
		v.Suspected = true
		v.Global = true
		if v.Reason == "" {
			v.Reason = ReasonGlobalBurst
		}
		if d.claimGlobalTrip(now) {
			blocked := d.blockTopOffenders(now, sec)
			metrics.IncDDoSTrigger("global")
			logger.Component("ddos").WithField("rate", v.GlobalRate).
				WithField("blocked", len(blocked)).Warn("global burst, top offenders blocked")
		}
		if _, ok := d.IsBlocked(key); ok {
			v.Blocked = true
		}
	}
	return v
}

func (d *Detector) observeKey(key string, sec int64) int {
	for {
		w := d.keys.GetOrCreate(key, func() *keyWindow {
			return &keyWindow{slots: make([]secondSlot, d.seconds)}
		})
		w.mu.Lock()
		if w.evicted {
			w.mu.Unlock()
			continue
		}
		// per-key time never moves backwards
		if sec < w.last {
			sec = w.last
		}
		w.last = sec
		slot := &w.slots[int(sec%int64(d.seconds))]
		if slot.sec != sec {
			slot.sec = sec
			slot.count = 0
		}
		slot.count++
		total := w.total(sec, d.seconds)
		w.mu.Unlock()
		return total
	}
}

func (w *keyWindow) total(sec int64, seconds int) int {
	n := 0
	for _, s := range w.slots {
		if s.sec > sec-int64(seconds) && s.sec <= sec {
			n += s.count
		}
	}
	return n
}

// observeGlobal is lock-free; a slot being recycled by a concurrent request may
// lose a few counts, which only delays the trigger.
func (d *Detector) observeGlobal(sec int64) int64 {
	slot := &d.global[int(sec%int64(d.seconds))]
	if old := slot.sec.Load(); old < sec {
		if slot.sec.CompareAndSwap(old, sec) {
			slot.count.Store(0)
		}
	}
	slot.count.Add(1)

	var total int64
	for i := range d.global {
		s := &d.global[i]
		if at := s.sec.Load(); at > sec-int64(d.seconds) && at <= sec {
			total += s.count.Load()
		}
	}
	return total
}

func (d *Detector) claimGlobalTrip(now time.Time) bool {
	last := d.lastTrip.Load()
	if now.UnixNano()-last < int64(globalCooldown) {
		return false
	}
	return d.lastTrip.CompareAndSwap(last, now.UnixNano())
}

type offender struct {
	key   string
	count int
}

// blockTopOffenders blocks the busiest keys of the current burst window.
func (d *Detector) blockTopOffenders(now time.Time, sec int64) []string {
	if d.cfg.TopOffenders <= 0 {
		return nil
	}
	var all []offender
	d.keys.Range(func(key string, w *keyWindow) bool {
		w.mu.Lock()
		n := w.total(sec, d.seconds)
		w.mu.Unlock()
		if n > 0 {
			all = append(all, offender{key: key, count: n})
		}
		return true
	})
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].key < all[j].key
	})
	if len(all) > d.cfg.TopOffenders {
		all = all[:d.cfg.TopOffenders]
	}
	keys := make([]string, 0, len(all))
	for _, o := range all {
		d.block(o.key, ReasonGlobalBurst, now, d.cfg.BlockDuration)
		keys = append(keys, o.key)
	}
	return keys
}

func (d *Detector) block(key, reason string, now time.Time, dur time.Duration) Block {
	b := Block{Key: key, Reason: reason, CreatedAt: now, Until: now.Add(dur)}
	d.blocks.Set(key, b)
	return b
}

// Block places key on the block list for dur. Existing entries are replaced.
func (d *Detector) Block(key string, dur time.Duration, reason string) Block {
	if dur <= 0 {
		dur = d.cfg.BlockDuration
	}
	if reason == "" {
		reason = ReasonManual
	}
	return d.block(key, reason, d.cfg.Now(), dur)
}

// Unblock removes key from the block list and reports whether it was present.
func (d *Detector) Unblock(key string) bool {
	return d.blocks.DeleteIf(key, func(Block) bool { return true })
}

// IsBlocked reports an unexpired block for key.
func (d *Detector) IsBlocked(key string) (Block, bool) {
	b, ok := d.blocks.Get(key)
	if !ok || !d.cfg.Now().Before(b.Until) {
		return Block{}, false
	}
	return b, true
}

// ExpireBlocks removes blocks that ended at or before now.
func (d *Detector) ExpireBlocks(now time.Time) int {
	return d.blocks.Sweep(func(_ string, b Block) bool {
		return !now.Before(b.Until)
	})
}

// Blocks lists active blocks ordered by expiry.
func (d *Detector) Blocks() []Block {
	now := d.cfg.Now()
	var out []Block
	d.blocks.Range(func(_ string, b Block) bool {
		if now.Before(b.Until) {
			out = append(out, b)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Until.Equal(out[j].Until) {
			return out[i].Until.Before(out[j].Until)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Sweep drops per-key counters with no requests inside the burst window.
func (d *Detector) Sweep(now time.Time) int {
	sec := now.Unix()
	return d.keys.Sweep(func(_ string, w *keyWindow) bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.last > sec-int64(d.seconds) {
			return false
		}
		w.evicted = true
		return true
	})
}
