// Package sqlite implements storage.Repository on an embedded SQLite file.
//
// Timestamps are stored as Unix nanoseconds so that comparisons in SQL are
// plain integer comparisons.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/jmcleod/gatehouse/storage"
)

// Store implements storage.Repository backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository wraps an open database and applies pending migrations.
func NewRepository(ctx context.Context, db *sql.DB) (*Store, error) {
	if err := migrate(ctx, db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewRepositoryFromFile opens (or creates) the SQLite database at path.
func NewRepositoryFromFile(ctx context.Context, path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// A single writer keeps every statement serialised on one connection.
	db.SetMaxOpenConns(1)
	s, err := NewRepository(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Create(ctx context.Context, rec *storage.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, data, last_used_at, expires_at) VALUES (?, ?, ?, ?)`,
		rec.SessionID, rec.Data, rec.LastUsedAt.UnixNano(), rec.ExpiresAt.UnixNano())
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w", rec.SessionID, storage.ErrDuplicateKey)
	}
	return err
}

func (s *Store) Get(ctx context.Context, id string, now time.Time) (*storage.Record, error) {
	var (
		data             []byte
		lastUsed, expiry int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, last_used_at, expires_at FROM sessions WHERE session_id = ? AND expires_at > ?`,
		id, now.UnixNano()).Scan(&data, &lastUsed, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &storage.Record{
		SessionID:  id,
		Data:       data,
		LastUsedAt: time.Unix(0, lastUsed).UTC(),
		ExpiresAt:  time.Unix(0, expiry).UTC(),
	}, nil
}

func (s *Store) Update(ctx context.Context, rec *storage.Record) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET data = ?, last_used_at = ?, expires_at = ? WHERE session_id = ?`,
		rec.Data, rec.LastUsedAt.UnixNano(), rec.ExpiresAt.UnixNano(), rec.SessionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", rec.SessionID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id)
	return err
}

func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
