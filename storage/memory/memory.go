// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jmcleod/gatehouse/storage"
)

// Repository keeps session records in a map. Sessions are lost on restart,
// so it is suitable for tests, demos and single-process deployments.
type Repository struct {
	mu   sync.RWMutex
	data map[string]*storage.Record
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]*storage.Record)}
}

func (r *Repository) Create(_ context.Context, rec *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[rec.SessionID]; ok {
		return storage.ErrDuplicateKey
	}
	r.data[rec.SessionID] = rec.Clone()
	return nil
}

func (r *Repository) Get(_ context.Context, id string, now time.Time) (*storage.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.data[id]
	if !ok || rec.Expired(now) {
		return nil, storage.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *Repository) Update(_ context.Context, rec *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[rec.SessionID]; !ok {
		return storage.ErrNotFound
	}
	r.data[rec.SessionID] = rec.Clone()
	return nil
}

func (r *Repository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data, id)
	return nil
}

func (r *Repository) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, rec := range r.data {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if rec.Expired(now) {
			delete(r.data, id)
			n++
		}
	}
	return n, nil
}

// Len reports how many records are physically held, expired or not.
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

func (r *Repository) Close() error {
	return nil
}
