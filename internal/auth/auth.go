// Package auth implements handshake authentication and per-session
// bookkeeping for the IPC server: a constant-time token check, CSPRNG
// session ids, a sliding-window rate limiter over failed attempts, and
// age-based session expiry. Grounded on the teacher's hex-encoded key
// handling (internal/security/crypto.go) for the encoding idiom, and on
// the runtime core's own auth module for the session/rate-limit field
// layout and constants.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tutu-network/corerun/internal/corelog"
	"github.com/tutu-network/corerun/internal/domain"
)

var log = corelog.For("auth")

const (
	maxFailedAttempts = 5
	rateLimitDuration = 30 * time.Second
	attemptWindow     = 60 * time.Second
	sessionIdBytes    = 32
)

// session is the server-side state for one authenticated caller.
type session struct {
	createdAt      time.Time
	lastActivity   time.Time
	connectionCount int32
}

// rateLimiter tracks failed handshake attempts in a sliding window and
// blocks authentication for rateLimitDuration once maxFailedAttempts is
// reached within attemptWindow.
type rateLimiter struct {
	mu           sync.Mutex
	failedAttempts int
	windowStart  time.Time
	blockedUntil time.Time
	clock        domain.Clock
}

func newRateLimiter(clock domain.Clock) *rateLimiter {
	return &rateLimiter{clock: clock}
}

func (r *rateLimiter) isRateLimited() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.blockedUntil.IsZero() && r.clock.Now().Before(r.blockedUntil)
}

func (r *rateLimiter) recordFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	if r.windowStart.IsZero() || now.Sub(r.windowStart) > attemptWindow {
		r.failedAttempts = 1
		r.windowStart = now
		return
	}
	r.failedAttempts++
	if r.failedAttempts >= maxFailedAttempts {
		r.blockedUntil = now.Add(rateLimitDuration)
	}
}

func (r *rateLimiter) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failedAttempts = 0
	r.windowStart = time.Time{}
	r.blockedUntil = time.Time{}
}

// Manager validates handshake tokens, mints and tracks sessions, and
// enforces the rate limiter above the token check (spec §4.2).
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*session
	expectedTokenHash [32]byte
	sessionTimeout    time.Duration
	limiter           *rateLimiter
	clock             domain.Clock
}

// NewManager builds an auth manager expecting the given plaintext token.
// Only its SHA-256 digest is retained.
func NewManager(expectedToken string, sessionTimeout time.Duration, clock domain.Clock) *Manager {
	if clock == nil {
		clock = domain.RealClock
	}
	return &Manager{
		sessions:          make(map[string]*session),
		expectedTokenHash: sha256.Sum256([]byte(expectedToken)),
		sessionTimeout:    sessionTimeout,
		limiter:           newRateLimiter(clock),
		clock:             clock,
	}
}

// Authenticate checks token against the expected handshake token and, on
// success, mints a new session id. Failures count against the rate
// limiter; once blocked, Authenticate fails fast without re-hashing.
func (m *Manager) Authenticate(token string) (string, error) {
	if m.limiter.isRateLimited() {
		log.WithField("reason", "too_many_failures").Warn("authentication blocked by rate limiter")
		return "", domain.ErrRateLimited
	}

	got := sha256.Sum256([]byte(token))
	if subtle.ConstantTimeCompare(got[:], m.expectedTokenHash[:]) != 1 {
		m.limiter.recordFailure()
		log.WithField("reason", "invalid_token").Warn("authentication failed")
		return "", domain.ErrInvalidToken
	}
	m.limiter.reset()

	id, err := generateSessionId()
	if err != nil {
		return "", err
	}
	now := m.clock.Now()
	m.mu.Lock()
	m.sessions[id] = &session{createdAt: now, lastActivity: now}
	m.mu.Unlock()

	log.WithField("session_prefix", id[:8]).Info("authentication succeeded")
	return id, nil
}

// Validate confirms id names a live, unexpired session and refreshes its
// last-activity timestamp. Expired sessions are evicted on the same call
// that discovers them.
func (m *Manager) Validate(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if m.clock.Now().Sub(s.createdAt) > m.sessionTimeout {
		delete(m.sessions, id)
		return domain.ErrSessionExpired
	}
	s.lastActivity = m.clock.Now()
	return nil
}

// Cleanup removes every session older than the configured timeout. Meant
// to be driven by a ticker alongside the rest of the server's background
// goroutines.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	for id, s := range m.sessions {
		if now.Sub(s.createdAt) > m.sessionTimeout {
			delete(m.sessions, id)
		}
	}
}

// TrackConnection increments id's live connection count and returns the
// new total.
func (m *Manager) TrackConnection(id string) (int, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return 0, domain.ErrSessionNotFound
	}
	return int(atomic.AddInt32(&s.connectionCount, 1)), nil
}

// ReleaseConnection decrements id's live connection count. A miss is not
// an error: the session may have expired and been reaped already.
func (m *Manager) ReleaseConnection(id string) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		atomic.AddInt32(&s.connectionCount, -1)
	}
}

// ConnectionCount reports id's live connection count.
func (m *Manager) ConnectionCount(id string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return 0, domain.ErrSessionNotFound
	}
	return int(atomic.LoadInt32(&s.connectionCount)), nil
}

// SessionCount reports the number of live (possibly stale, pre-Cleanup)
// sessions. Used by health checks and the debug HTTP mux.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func generateSessionId() (string, error) {
	buf := make([]byte, sessionIdBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
