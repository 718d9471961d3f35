// Package session owns the lifecycle of server-tracked sessions: creation at
// login, sliding expiration on every use, explicit logout and background
// reclamation of expired records.
//
// Every session has two deadlines. Deadline is fixed at creation to
// CreatedAt+Max and never moves. ExpiresAt slides forward on each touch to
// now+Inactive but is always capped at Deadline.
package session

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jmcleod/gatehouse/identity"
)

// Lifetimes bounds how long a session may live.
type Lifetimes struct {
	// Max is the absolute lifetime measured from creation.
	Max time.Duration
	// Inactive is how long a session survives without being touched.
	Inactive time.Duration
}

// Validate checks 0 < Inactive <= Max.
func (l Lifetimes) Validate() error {
	if l.Max <= 0 {
		return errors.New("max lifetime must be positive")
	}
	if l.Inactive <= 0 {
		return errors.New("inactive lifetime must be positive")
	}
	if l.Inactive > l.Max {
		return fmt.Errorf("inactive lifetime %s exceeds max lifetime %s", l.Inactive, l.Max)
	}
	return nil
}

// Session is the unit of authenticated state.
type Session struct {
	ID         string         `json:"id"`
	Identity   *identity.User `json:"identity"`
	Scope      []string       `json:"scope,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	LastUsedAt time.Time      `json:"last_used_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	Deadline   time.Time      `json:"deadline"`
}

func newSession(user *identity.User, scope []string, now time.Time, l Lifetimes) *Session {
	s := &Session{
		Identity:  user,
		Scope:     scope,
		CreatedAt: now,
		Deadline:  now.Add(l.Max),
	}
	s.touch(now, l.Inactive)
	return s
}

// touch records a use at now and slides ExpiresAt. ExpiresAt never moves
// backwards and never passes Deadline.
func (s *Session) touch(now time.Time, inactive time.Duration) {
	if now.After(s.LastUsedAt) {
		s.LastUsedAt = now
	}
	next := now.Add(inactive)
	if next.After(s.Deadline) {
		next = s.Deadline
	}
	if next.After(s.ExpiresAt) {
		s.ExpiresAt = next
	}
}

// Expired reports whether the session is logically absent at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// HasScope reports whether required is among the session's scopes. The
// comparison is exact.
func (s *Session) HasScope(required string) bool {
	return slices.Contains(s.Scope, required)
}

// UserID returns the identity's id, or "" for a session without one.
func (s *Session) UserID() string {
	if s.Identity == nil {
		return ""
	}
	return s.Identity.ID
}
