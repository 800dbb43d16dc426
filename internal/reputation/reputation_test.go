package reputation

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1700000000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig(clock *fakeClock) Config {
	return Config{DecayFactor: 0.5, DecayInterval: time.Minute, Retention: time.Hour, Now: clock.Now}
}

func TestMemoryStore_PenalizeClampsToOne(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(testConfig(newFakeClock()))

	score, err := s.Penalize(ctx, "10.0.0.1", 0.6)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, score, 1e-9)

	score, err = s.Penalize(ctx, "10.0.0.1", 0.6)
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)

	got, err := s.Get(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, got)

	unknown, err := s.Get(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.Zero(t, unknown)
}

func TestMemoryStore_DecayIsTimeProportional(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemoryStore(testConfig(clock))

	_, err := s.Penalize(ctx, "ip", 0.8)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	got, _ := s.Get(ctx, "ip")
	assert.InDelta(t, 0.4, got, 1e-9)

	clock.Advance(30 * time.Second)
	got, _ = s.Get(ctx, "ip")
	assert.InDelta(t, 0.4*math.Sqrt(0.5), got, 1e-9)

	// decay then add on the next penalty
	score, _ := s.Penalize(ctx, "ip", 0.1)
	assert.InDelta(t, 0.4*math.Sqrt(0.5)+0.1, score, 1e-9)
}

func TestMemoryStore_DecayTickIsMonotonicAndIdempotentAtZeroElapsed(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemoryStore(testConfig(clock))
	_, _ = s.Penalize(ctx, "ip", 0.9)

	require.NoError(t, s.DecayTick(ctx))
	first, _ := s.Get(ctx, "ip")
	require.NoError(t, s.DecayTick(ctx))
	require.NoError(t, s.DecayTick(ctx))
	again, _ := s.Get(ctx, "ip")
	assert.Equal(t, first, again, "ticks with no elapsed time change nothing")

	prev := again
	for i := 0; i < 10; i++ {
		clock.Advance(10 * time.Second)
		require.NoError(t, s.DecayTick(ctx))
		cur, _ := s.Get(ctx, "ip")
		assert.LessOrEqual(t, cur, prev)
		prev = cur
	}

	// ticking in small steps matches one continuous decay over the same span
	assert.InDelta(t, 0.9*math.Pow(0.5, 100.0/60.0), prev, 1e-9)
}

func TestMemoryStore_CompactsStaleEntries(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemoryStore(testConfig(clock))
	_, _ = s.Penalize(ctx, "stale", 0.5)
	_, _ = s.Penalize(ctx, "hot", 0.5)

	clock.Advance(30 * time.Minute)
	require.NoError(t, s.DecayTick(ctx))
	assert.Equal(t, 2, s.Len(), "retention not yet elapsed")

	clock.Advance(31 * time.Minute)
	_, _ = s.Penalize(ctx, "hot", 0.5)
	require.NoError(t, s.DecayTick(ctx))
	assert.Equal(t, 1, s.Len())

	_, ok := s.Snapshot("stale")
	assert.False(t, ok)
	e, ok := s.Snapshot("hot")
	require.True(t, ok)
	assert.Equal(t, int64(2), e.Events)
}

func TestMemoryStore_ConcurrentPenalties(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(testConfig(newFakeClock()))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Penalize(ctx, "ip", 0.001)
		}()
	}
	wg.Wait()

	got, _ := s.Get(ctx, "ip")
	assert.InDelta(t, 0.1, got, 1e-9)
	e, _ := s.Snapshot("ip")
	assert.Equal(t, int64(100), e.Events)
}

func newRedisStore(t *testing.T, clock *fakeClock) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, testConfig(clock)), mr
}

func TestRedisStore_PenalizeAndLazyDecay(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s, mr := newRedisStore(t, clock)

	score, err := s.Penalize(ctx, "192.0.2.1", 0.8)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, score, 1e-9)
	assert.True(t, mr.Exists("rep:192.0.2.1"))
	assert.Equal(t, time.Hour, mr.TTL("rep:192.0.2.1"))

	clock.Advance(time.Minute)
	got, err := s.Get(ctx, "192.0.2.1")
	require.NoError(t, err)
	assert.InDelta(t, 0.4, got, 1e-9)

	score, err = s.Penalize(ctx, "192.0.2.1", 0.9)
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)

	missing, err := s.Get(ctx, "192.0.2.99")
	require.NoError(t, err)
	assert.Zero(t, missing)

	require.NoError(t, s.DecayTick(ctx))
}

func TestRedisStore_UnavailableBackend(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t, newFakeClock())
	mr.Close()

	_, err := s.Get(ctx, "192.0.2.1")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = s.Penalize(ctx, "192.0.2.1", 0.5)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, s.DecayTick(ctx), ErrUnavailable)
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (float64, error) { return 0, ErrUnavailable }
func (failingStore) Penalize(context.Context, string, float64) (float64, error) {
	return 0, ErrUnavailable
}
func (failingStore) DecayTick(context.Context) error { return ErrUnavailable }

type staticFeed map[string]float64

func (f staticFeed) Lookup(ip string) (float64, bool) {
	v, ok := f[ip]
	return v, ok
}

func TestService_Lookup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(testConfig(newFakeClock()))
	_, _ = store.Penalize(ctx, "a", 0.3)

	svc := NewService(store, staticFeed{"a": 0.2, "b": 0.7})

	r := svc.Lookup(ctx, "a")
	assert.Equal(t, Reading{Score: 0.3, Available: true}, r)

	r = svc.Lookup(ctx, "b")
	assert.True(t, r.Available)
	assert.True(t, r.FromFeed)
	assert.Equal(t, 0.7, r.Score)

	degraded := NewService(failingStore{}, nil).Lookup(ctx, "a")
	assert.False(t, degraded.Available)
	assert.Zero(t, degraded.Score)

	feedOnly := NewService(failingStore{}, staticFeed{"b": 0.7}).Lookup(ctx, "b")
	assert.False(t, feedOnly.Available)
	assert.Equal(t, 0.7, feedOnly.Score)
}

func TestFileFeed_LoadAndLookup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "feed.txt")
	require.NoError(t, os.WriteFile(path, []byte(`# known bad
198.51.100.7
203.0.113.0/24,0.6
203.0.113.9,0.9
not-an-ip
192.0.2.1,abc
`), 0o644))

	feed, err := NewFileFeed(path)
	require.NoError(t, err)
	assert.Equal(t, 3, feed.Len())

	score, ok := feed.Lookup("198.51.100.7")
	assert.True(t, ok)
	assert.Equal(t, 1.0, score)

	score, ok = feed.Lookup("203.0.113.50")
	assert.True(t, ok)
	assert.Equal(t, 0.6, score)

	score, ok = feed.Lookup("::ffff:203.0.113.9")
	assert.True(t, ok)
	assert.Equal(t, 0.9, score)

	_, ok = feed.Lookup("192.0.2.1")
	assert.False(t, ok)
	_, ok = feed.Lookup("garbage")
	assert.False(t, ok)
}

func TestFileFeed_MissingFileIsEmpty(t *testing.T) {
	feed, err := NewFileFeed(filepath.Join(t.TempDir(), "none.txt"))
	require.NoError(t, err)
	assert.Zero(t, feed.Len())
}

func TestFileFeed_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "feed.txt")
	require.NoError(t, os.WriteFile(path, []byte("198.51.100.7\n"), 0o644))

	feed, err := NewFileFeed(path)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, feed.Watch(ctx))
	defer feed.Close()

	require.NoError(t, os.WriteFile(path, []byte("198.51.100.7\n198.51.100.8,0.5\n"), 0o644))

	assert.Eventually(t, func() bool {
		_, ok := feed.Lookup("198.51.100.8")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}
