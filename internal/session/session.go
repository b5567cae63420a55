// Package session issues and validates the opaque bearer tokens that
// authorize requests. Sessions live in process memory only: they survive a
// client reconnect but not a server restart.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultTTL is how long a session stays valid after its last activity.
const DefaultTTL = 24 * time.Hour

// ErrFull is returned by Create when the table is at capacity even after an
// expiry sweep.
var ErrFull = errors.New("session: table full")

// Session is one live token record.
type Session struct {
	Token        string
	UserID       int64
	CreatedAt    time.Time
	LastActivity time.Time
}

// Store holds sessions keyed by token.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	capacity int
	ttl      time.Duration

	now func() time.Time // test hook
}

// NewStore returns a store bounded at capacity sessions with the given TTL.
// capacity <= 0 selects 1000; ttl <= 0 selects DefaultTTL.
func NewStore(capacity int, ttl time.Duration) *Store {
	if capacity <= 0 {
		capacity = 1000
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		sessions: make(map[string]*Session),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Create issues a fresh 256-bit token for userID. When the table is full an
// expiry sweep runs first; if it frees nothing, ErrFull is returned.
func (s *Store) Create(userID int64) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.sessions) >= s.capacity {
		s.sweepLocked()
		if len(s.sessions) >= s.capacity {
			return "", ErrFull
		}
	}

	now := s.now()
	s.sessions[token] = &Session{
		Token:        token,
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
	}
	return token, nil
}

// Validate resolves token to a user id. An expired record is removed and
// reported as invalid. Validate never refreshes LastActivity; callers with
// long-lived flows call Touch explicitly.
func (s *Store) Validate(token string) (int64, bool) {
	if token == "" {
		return 0, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return 0, false
	}
	if s.now().Sub(sess.LastActivity) > s.ttl {
		delete(s.sessions, token)
		return 0, false
	}
	return sess.UserID, true
}

// Session returns a copy of the record for token, if present. Expiry is
// not checked; use Validate for authorization decisions.
func (s *Store) Session(token string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Touch refreshes LastActivity for token if it exists.
func (s *Store) Touch(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[token]; ok {
		sess.LastActivity = s.now()
	}
}

// Destroy removes token immediately.
func (s *Store) Destroy(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
}

// Sweep removes every session idle longer than the TTL and returns how many
// were dropped.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked()
}

func (s *Store) sweepLocked() int {
	now := s.now()
	removed := 0
	for token, sess := range s.sessions {
		if now.Sub(sess.LastActivity) > s.ttl {
			delete(s.sessions, token)
			removed++
		}
	}
	return removed
}

// Len returns the current number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// newToken draws 32 random bytes and hex-encodes them, yielding the 64-hex
// opaque token format clients store.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
