// Package bbolt provides a BBolt-backed session repository.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/gatehouse/storage"
)

var sessionsBucket = []byte("sessions")

// Store implements storage.Repository backed by a BBolt database. Every
// mutation runs in its own read-write transaction, which bbolt fsyncs before
// Update returns.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating sessions bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewRepository(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Create(_ context.Context, rec *storage.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		if b.Get([]byte(rec.SessionID)) != nil {
			return storage.ErrDuplicateKey
		}
		return b.Put([]byte(rec.SessionID), data)
	})
}

func (s *Store) Get(_ context.Context, id string, now time.Time) (*storage.Record, error) {
	var rec storage.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(sessionsBucket).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%s: %w", id, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	if rec.Expired(now) {
		return nil, fmt.Errorf("%s: %w", id, storage.ErrNotFound)
	}
	return &rec, nil
}

func (s *Store) Update(_ context.Context, rec *storage.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		if b.Get([]byte(rec.SessionID)) == nil {
			return fmt.Errorf("%s: %w", rec.SessionID, storage.ErrNotFound)
		}
		return b.Put([]byte(rec.SessionID), data)
	})
}

func (s *Store) Delete(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(id))
	})
}

// sweepBatch bounds how many deletions one write transaction carries, so
// logins and keep-alives are never queued behind a whole-bucket sweep.
const sweepBatch = 256

// SweepExpired finds expired records in a read-only scan, then deletes them
// in batches of sweepBatch. Each batch is its own transaction and re-checks
// expiry, so a record touched since the scan survives.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	var candidates [][]byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if sweepable(v, now) {
				candidates = append(candidates, append([]byte(nil), k...))
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for len(candidates) > 0 {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		batch := candidates[:min(sweepBatch, len(candidates))]
		candidates = candidates[len(batch):]
		n := 0
		err := s.db.Update(func(tx *bbolt.Tx) error {
			b := tx.Bucket(sessionsBucket)
			for _, k := range batch {
				v := b.Get(k)
				if v == nil || !sweepable(v, now) {
					continue
				}
				if err := b.Delete(k); err != nil {
					return err
				}
				n++
			}
			return nil
		})
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

// sweepable reports whether a stored value is expired at now. A corrupt
// entry can never be read back, so it is swept too.
func sweepable(v []byte, now time.Time) bool {
	var rec storage.Record
	if err := json.Unmarshal(v, &rec); err != nil {
		return true
	}
	return rec.Expired(now)
}
