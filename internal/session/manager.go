// Package session tracks authenticated sessions for the perimeter: idle expiry,
// periodic credential rotation and a per-user concurrency cap with LRU eviction.
// It never authenticates anyone; sessions are started on behalf of an external
// auth collaborator.
package session

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Wikid82/perimeter/internal/models"
	"github.com/Wikid82/perimeter/internal/util"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionInactive   = errors.New("session is no longer active")
	ErrInvalidCredential = errors.New("invalid session credential")
	ErrAnonymousIdentity = errors.New("sessions require an authenticated identity")
	ErrMissingSigningKey = errors.New("session signing secret is empty")
)

// State is a session's lifecycle state. Rotated is not terminal.
type State string

const (
	StateActive      State = "active"
	StateRotated     State = "rotated"
	StateIdleExpired State = "idle_expired"
	StateEvicted     State = "evicted"
	StateLoggedOut   State = "logged_out"
)

// Terminal reports whether the session needs re-authentication.
func (s State) Terminal() bool {
	return s == StateIdleExpired || s == StateEvicted || s == StateLoggedOut
}

// Reasons returned by Touch for rejected sessions.
const (
	ReasonUnknown           = "unknown_session"
	ReasonInvalidCredential = "invalid_credential"
)

// Config bounds session lifetime.
type Config struct {
	MaxIdle          time.Duration
	RotationInterval time.Duration
	MaxConcurrent    int
	Secret           []byte
	Issuer           string
	Now              func() time.Time
}

// Session is the admin-visible view of one SecuritySession.
type Session struct {
	ID           string      `json:"id"`
	UserID       string      `json:"user_id"`
	Tier         models.Tier `json:"tier"`
	State        State       `json:"state"`
	CreatedAt    time.Time   `json:"created_at"`
	LastActivity time.Time   `json:"last_activity"`
	RotatedAt    time.Time   `json:"rotated_at"`
	Rotations    int         `json:"rotations"`
	Credential   string      `json:"-"`
}

// TouchResult is the outcome of recording activity on a session.
type TouchResult struct {
	Valid  bool
	Reason string
}

// Claims are carried by session credentials.
type Claims struct {
	Tier string `json:"tier"`
	jwt.RegisteredClaims
}

type record struct {
	mu sync.Mutex
	s  Session
}

type userSet struct {
	mu   sync.Mutex
	ids  map[string]struct{}
	dead bool
}

// Manager owns every SecuritySession.
type Manager struct {
	cfg      Config
	sessions *util.ShardedMap[*record]
	users    *util.ShardedMap[*userSet]
}

// NewManager validates cfg and returns an empty manager.
func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.Secret) == 0 {
		return nil, ErrMissingSigningKey
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 30 * time.Minute
	}
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = 15 * time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "perimeter"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		cfg:      cfg,
		sessions: util.NewShardedMap[*record](util.DefaultShards),
		users:    util.NewShardedMap[*userSet](util.DefaultShards),
	}, nil
}

// StartSession registers a new session for an authenticated identity. When the
// user already holds MaxConcurrent live sessions the least recently used one
// is evicted.
func (m *Manager) StartSession(id models.Identity) (Session, error) {
	if !id.Authenticated() {
		return Session{}, ErrAnonymousIdentity
	}
	now := m.cfg.Now()
	tier := id.Tier
	if !tier.Valid() || tier == models.TierGuest {
		tier = models.TierAuthenticated
	}
	s := Session{
		ID:           uuid.NewString(),
		UserID:       id.UserID,
		Tier:         tier,
		State:        StateActive,
		CreatedAt:    now,
		LastActivity: now,
		RotatedAt:    now,
	}
	cred, err := m.sign(s, now)
	if err != nil {
		return Session{}, err
	}
	s.Credential = cred
	m.sessions.Set(s.ID, &record{s: s})

	var set *userSet
	for {
		set = m.users.GetOrCreate(id.UserID, func() *userSet {
			return &userSet{ids: make(map[string]struct{})}
		})
		set.mu.Lock()
		if !set.dead {
			break
		}
		set.mu.Unlock()
	}
	set.ids[s.ID] = struct{}{}
	for len(set.ids) > m.cfg.MaxConcurrent {
		victim := m.leastRecentlyUsed(set, s.ID)
		if victim == "" {
			break
		}
		delete(set.ids, victim)
	}
	set.mu.Unlock()

	return s, nil
}

// leastRecentlyUsed marks and returns the live session in set with the oldest
// activity, skipping keep. Stale ids found along the way are returned first.
// Caller holds set.mu.
func (m *Manager) leastRecentlyUsed(set *userSet, keep string) string {
	var (
		oldestID string
		oldest   *record
		oldestAt time.Time
	)
	for sid := range set.ids {
		if sid == keep {
			continue
		}
		rec, ok := m.sessions.Get(sid)
		if !ok {
			return sid
		}
		rec.mu.Lock()
		terminal := rec.s.State.Terminal()
		at := rec.s.LastActivity
		rec.mu.Unlock()
		if terminal {
			return sid
		}
		if oldest == nil || at.Before(oldestAt) || (at.Equal(oldestAt) && sid < oldestID) {
			oldestID, oldest, oldestAt = sid, rec, at
		}
	}
	if oldest == nil {
		return ""
	}
	oldest.mu.Lock()
	if !oldest.s.State.Terminal() {
		oldest.s.State = StateEvicted
	}
	oldest.mu.Unlock()
	return oldestID
}

// Touch records activity. A session idle for longer than MaxIdle becomes
// idle_expired; exactly MaxIdle is still valid.
func (m *Manager) Touch(id string) TouchResult {
	rec, ok := m.sessions.Get(id)
	if !ok {
		return TouchResult{Reason: ReasonUnknown}
	}
	now := m.cfg.Now()

	rec.mu.Lock()
	if rec.s.State.Terminal() {
		state := rec.s.State
		rec.mu.Unlock()
		return TouchResult{Reason: string(state)}
	}
	if now.Sub(rec.s.LastActivity) > m.cfg.MaxIdle {
		rec.s.State = StateIdleExpired
		user := rec.s.UserID
		rec.mu.Unlock()
		m.forget(user, id)
		return TouchResult{Reason: string(StateIdleExpired)}
	}
	if now.After(rec.s.LastActivity) {
		rec.s.LastActivity = now
	}
	rec.mu.Unlock()
	return TouchResult{Valid: true}
}

// RotateIfDue issues a fresh credential when TokenRotationInterval has passed
// since the last one. The session stays valid either way.
func (m *Manager) RotateIfDue(id string) (string, bool, error) {
	rec, ok := m.sessions.Get(id)
	if !ok {
		return "", false, ErrSessionNotFound
	}
	now := m.cfg.Now()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.s.State.Terminal() {
		return "", false, fmt.Errorf("%w: %s", ErrSessionInactive, rec.s.State)
	}
	if now.Sub(rec.s.RotatedAt) < m.cfg.RotationInterval {
		return rec.s.Credential, false, nil
	}
	cred, err := m.sign(rec.s, now)
	if err != nil {
		return "", false, err
	}
	rec.s.Credential = cred
	rec.s.RotatedAt = now
	rec.s.Rotations++
	rec.s.State = StateRotated
	return cred, true, nil
}

// Terminate logs a session out.
func (m *Manager) Terminate(id string) error {
	rec, ok := m.sessions.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	rec.mu.Lock()
	if rec.s.State.Terminal() {
		state := rec.s.State
		rec.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionInactive, state)
	}
	rec.s.State = StateLoggedOut
	user := rec.s.UserID
	rec.mu.Unlock()
	m.forget(user, id)
	return nil
}

func (m *Manager) forget(userID, id string) {
	set, ok := m.users.Get(userID)
	if !ok {
		return
	}
	set.mu.Lock()
	delete(set.ids, id)
	empty := len(set.ids) == 0
	set.mu.Unlock()
	if empty {
		m.users.DeleteIf(userID, func(s *userSet) bool {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.dead = len(s.ids) == 0
			return s.dead
		})
	}
}

// Get returns a copy of the session.
func (m *Manager) Get(id string) (Session, bool) {
	rec, ok := m.sessions.Get(id)
	if !ok {
		return Session{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.s, true
}

// List returns every tracked session, newest first.
func (m *Manager) List() []Session {
	var out []Session
	m.sessions.Range(func(_ string, rec *record) bool {
		rec.mu.Lock()
		out = append(out, rec.s)
		rec.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Resolve maps a presented credential to a session id. Signed credentials are
// verified; anything else is taken as a bare session id.
func (m *Manager) Resolve(credential string) (string, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", ErrInvalidCredential
	}
	if strings.Count(credential, ".") != 2 {
		return credential, nil
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.cfg.Secret, nil
	}, jwt.WithIssuer(m.cfg.Issuer), jwt.WithTimeFunc(m.cfg.Now))
	if err != nil || !token.Valid || claims.ID == "" {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	return claims.ID, nil
}

// Sweep expires idle sessions and drops terminal ones idle for twice MaxIdle,
// returning how many records were removed.
func (m *Manager) Sweep(now time.Time) int {
	var expired []Session
	removed := m.sessions.Sweep(func(_ string, rec *record) bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		idle := now.Sub(rec.s.LastActivity)
		if !rec.s.State.Terminal() && idle > m.cfg.MaxIdle {
			rec.s.State = StateIdleExpired
			expired = append(expired, rec.s)
		}
		return rec.s.State.Terminal() && idle > 2*m.cfg.MaxIdle
	})
	for _, s := range expired {
		m.forget(s.UserID, s.ID)
	}
	return removed
}

// Len returns the number of tracked sessions, terminal ones included.
func (m *Manager) Len() int { return m.sessions.Len() }

func (m *Manager) sign(s Session, now time.Time) (string, error) {
	claims := Claims{
		Tier: string(s.Tier),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.cfg.Issuer,
			Subject:   s.UserID,
			ID:        s.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.RotationInterval + m.cfg.MaxIdle)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("sign session credential: %w", err)
	}
	return signed, nil
}
