package session

import (
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/perimeter/internal/models"
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

func setupManager(t *testing.T) (*Manager, *clock) {
	t.Helper()
	c := &clock{now: time.Unix(1700000000, 0)}
	m, err := NewManager(Config{
		MaxIdle:          30 * time.Minute,
		RotationInterval: 15 * time.Minute,
		MaxConcurrent:    3,
		Secret:           []byte("test-secret"),
		Now:              c.Now,
	})
	require.NoError(t, err)
	return m, c
}

var alice = models.Identity{UserID: "alice", Tier: models.TierPremium}

func TestNewManager_RequiresSecret(t *testing.T) {
	_, err := NewManager(Config{})
	assert.ErrorIs(t, err, ErrMissingSigningKey)
}

func TestStartSession(t *testing.T) {
	m, _ := setupManager(t)

	_, err := m.StartSession(models.Anonymous())
	assert.ErrorIs(t, err, ErrAnonymousIdentity)

	s, err := m.StartSession(alice)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, StateActive, s.State)
	assert.Equal(t, models.TierPremium, s.Tier)
	require.NotEmpty(t, s.Credential)

	sid, err := m.Resolve(s.Credential)
	require.NoError(t, err)
	assert.Equal(t, s.ID, sid)

	// a guest tier on an authenticated identity is promoted
	s2, err := m.StartSession(models.Identity{UserID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, models.TierAuthenticated, s2.Tier)
}

func TestTouch_IdleBoundary(t *testing.T) {
	m, c := setupManager(t)
	s, err := m.StartSession(alice)
	require.NoError(t, err)

	c.Advance(30*time.Minute - time.Second)
	assert.Equal(t, TouchResult{Valid: true}, m.Touch(s.ID))

	c.Advance(30*time.Minute + time.Second)
	res := m.Touch(s.ID)
	assert.False(t, res.Valid)
	assert.Equal(t, "idle_expired", res.Reason)

	// terminal states stick
	c.Advance(time.Second)
	assert.Equal(t, "idle_expired", m.Touch(s.ID).Reason)

	got, ok := m.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, StateIdleExpired, got.State)

	assert.Equal(t, ReasonUnknown, m.Touch("nope").Reason)
}

func TestTouch_ExactlyMaxIdleIsValid(t *testing.T) {
	m, c := setupManager(t)
	s, _ := m.StartSession(alice)
	c.Advance(30 * time.Minute)
	assert.True(t, m.Touch(s.ID).Valid)
}

func TestRotateIfDue(t *testing.T) {
	m, c := setupManager(t)
	s, _ := m.StartSession(alice)

	cred, rotated, err := m.RotateIfDue(s.ID)
	require.NoError(t, err)
	assert.False(t, rotated)
	assert.Equal(t, s.Credential, cred)

	c.Advance(15 * time.Minute)
	cred, rotated, err = m.RotateIfDue(s.ID)
	require.NoError(t, err)
	assert.True(t, rotated)
	assert.NotEqual(t, s.Credential, cred)

	got, _ := m.Get(s.ID)
	assert.Equal(t, StateRotated, got.State)
	assert.Equal(t, 1, got.Rotations)
	assert.True(t, m.Touch(s.ID).Valid, "rotation does not invalidate the session")

	sid, err := m.Resolve(cred)
	require.NoError(t, err)
	assert.Equal(t, s.ID, sid)

	_, _, err = m.RotateIfDue("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestConcurrentSessionCapEvictsLeastRecentlyUsed(t *testing.T) {
	m, c := setupManager(t)

	var ids []string
	for i := 0; i < 3; i++ {
		s, err := m.StartSession(alice)
		require.NoError(t, err)
		ids = append(ids, s.ID)
		c.Advance(time.Minute)
	}
	// the oldest session is the most recently used one now
	require.True(t, m.Touch(ids[0]).Valid)
	c.Advance(time.Minute)

	s4, err := m.StartSession(alice)
	require.NoError(t, err)

	assert.Equal(t, string(StateEvicted), m.Touch(ids[1]).Reason)
	assert.True(t, m.Touch(ids[0]).Valid)
	assert.True(t, m.Touch(ids[2]).Valid)
	assert.True(t, m.Touch(s4.ID).Valid)

	// other users are unaffected
	_, err = m.StartSession(models.Identity{UserID: "bob", Tier: models.TierAuthenticated})
	require.NoError(t, err)
	assert.True(t, m.Touch(ids[0]).Valid)
}

func TestTerminate(t *testing.T) {
	m, _ := setupManager(t)
	s, _ := m.StartSession(alice)

	require.NoError(t, m.Terminate(s.ID))
	assert.Equal(t, string(StateLoggedOut), m.Touch(s.ID).Reason)
	assert.ErrorIs(t, m.Terminate(s.ID), ErrSessionInactive)
	assert.ErrorIs(t, m.Terminate("missing"), ErrSessionNotFound)

	// a logged-out session frees its slot
	for i := 0; i < 3; i++ {
		_, err := m.StartSession(alice)
		require.NoError(t, err)
	}
	for _, s := range m.List() {
		if s.State == StateEvicted {
			t.Fatalf("unexpected eviction of %s", s.ID)
		}
	}
}

func TestResolve(t *testing.T) {
	m, c := setupManager(t)
	s, _ := m.StartSession(alice)

	sid, err := m.Resolve("  raw-session-id ")
	require.NoError(t, err)
	assert.Equal(t, "raw-session-id", sid)

	_, err = m.Resolve("")
	assert.ErrorIs(t, err, ErrInvalidCredential)

	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ID: s.ID, Issuer: "perimeter"},
	})
	bad, err := forged.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)
	_, err = m.Resolve(bad)
	assert.ErrorIs(t, err, ErrInvalidCredential)

	c.Advance(46 * time.Minute)
	_, err = m.Resolve(s.Credential)
	assert.ErrorIs(t, err, ErrInvalidCredential, "expired credential")
}

func TestSweep(t *testing.T) {
	m, c := setupManager(t)
	idle, _ := m.StartSession(alice)
	c.Advance(20 * time.Minute)
	fresh, _ := m.StartSession(alice)

	c.Advance(11 * time.Minute)
	assert.Equal(t, 0, m.Sweep(c.Now()))
	got, _ := m.Get(idle.ID)
	assert.Equal(t, StateIdleExpired, got.State)
	got, _ = m.Get(fresh.ID)
	assert.Equal(t, StateActive, got.State)

	c.Advance(30 * time.Minute)
	assert.Equal(t, 1, m.Sweep(c.Now()))
	_, ok := m.Get(idle.ID)
	assert.False(t, ok)
	assert.Equal(t, 1, m.Len())
}

func TestList_NewestFirst(t *testing.T) {
	m, c := setupManager(t)
	first, _ := m.StartSession(alice)
	c.Advance(time.Second)
	second, _ := m.StartSession(alice)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}
