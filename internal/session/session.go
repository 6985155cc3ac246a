// Package session holds per-run state shared by the connection components.
package session

import (
	"sync"
	"time"
)

// Session records whether the current token set has been proven against the
// live authority during this process run. It is never persisted: a restored
// token may be time-valid yet revoked server-side, so every run starts
// unverified. One Session is created at startup and passed to every component
// that reads or changes the flag.
type Session struct {
	mu         sync.RWMutex
	verified   bool
	verifiedAt time.Time
	now        func() time.Time
}

// New returns an unverified session
func New() *Session {
	return &Session{now: time.Now}
}

// MarkVerified records a successful authorization or authenticated call
func (s *Session) MarkVerified() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verified = true
	s.verifiedAt = s.now()
}

// IsVerified reports whether the session has been verified this run
func (s *Session) IsVerified() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verified
}

// VerifiedAt returns when the session was last verified, or the zero time
func (s *Session) VerifiedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verifiedAt
}

// Reset clears verification, e.g. after a failed refresh or a disconnect
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verified = false
	s.verifiedAt = time.Time{}
}
