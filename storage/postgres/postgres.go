// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The sessions table is keyed by session_id. The sealed payload lives in a
// BYTEA column and the two timestamps are TIMESTAMPTZ so that sweeps can use
// the expires_at index instead of decoding rows.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/gatehouse/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Create(ctx context.Context, rec *storage.Record) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (session_id, data, last_used_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id) DO NOTHING`,
		rec.SessionID, rec.Data, rec.LastUsedAt, rec.ExpiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", rec.SessionID, storage.ErrDuplicateKey)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string, now time.Time) (*storage.Record, error) {
	rec := storage.Record{SessionID: id}
	err := s.pool.QueryRow(ctx,
		`SELECT data, last_used_at, expires_at
		 FROM sessions WHERE session_id = $1 AND expires_at > $2`,
		id, now).Scan(&rec.Data, &rec.LastUsedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) Update(ctx context.Context, rec *storage.Record) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET data = $2, last_used_at = $3, expires_at = $4
		 WHERE session_id = $1`,
		rec.SessionID, rec.Data, rec.LastUsedAt, rec.ExpiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", rec.SessionID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, id)
	return err
}

func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
