// Package storage provides the persistence contract for session records.
//
// A record is the durable form of one session: its id, an opaque sealed
// payload and the two timestamps the store itself needs to reason about
// (last use and expiry). Backends never look inside Data.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record is absent or logically expired.
	ErrNotFound = errors.New("session record not found")
	// ErrDuplicateKey is returned by Create when the session id is taken.
	ErrDuplicateKey = errors.New("session record already exists")
)

// Record is one persisted session row.
type Record struct {
	SessionID  string    `json:"session_id"`
	Data       []byte    `json:"data"`
	LastUsedAt time.Time `json:"last_used_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the record is logically absent at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Clone returns a deep copy so callers never share Data with a backend.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Data = append([]byte(nil), r.Data...)
	return &cp
}

// Repository is implemented by every session backend. Each method is atomic
// for a single session id and has committed before it returns.
type Repository interface {
	// Create inserts a new record, failing with ErrDuplicateKey if the id exists.
	Create(ctx context.Context, rec *Record) error
	// Get returns the record for id, or ErrNotFound when it is absent or
	// expires at or before now.
	Get(ctx context.Context, id string, now time.Time) (*Record, error)
	// Update replaces the stored record, failing with ErrNotFound if absent.
	Update(ctx context.Context, rec *Record) error
	// Delete removes id. Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error
	// SweepExpired deletes every record with ExpiresAt <= now and reports
	// how many were removed.
	SweepExpired(ctx context.Context, now time.Time) (int, error)
	// Close releases backend resources.
	Close() error
}
