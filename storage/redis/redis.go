// Package redis implements storage.Repository on Redis.
//
// Each session is a string key holding the JSON record, with a native TTL
// so that Redis evicts abandoned sessions on its own. A sorted set scored by
// expiry (in microseconds) indexes every live key so SweepExpired can find
// expired ids without a keyspace scan. All multi-key mutations run as Lua
// scripts or MULTI transactions and are therefore atomic per session.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmcleod/gatehouse/storage"
)

// DefaultKeyPrefix namespaces every key the repository writes.
const DefaultKeyPrefix = "gatehouse:session:"

// minTTL keeps already-expired records addressable until the next sweep.
const minTTL = time.Second

// createScript inserts the record only if the key is free and indexes it.
// KEYS: record key, index key. ARGV: payload, ttl ms, score, id.
var createScript = redis.NewScript(`
if not redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2], 'NX') then
	return 0
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
return 1
`)

// updateScript replaces an existing record and moves its index score.
// KEYS: record key, index key. ARGV: payload, ttl ms, score, id.
var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
return 1
`)

// sweepScript removes every indexed id whose score is <= ARGV[1] and
// returns how many records it deleted. Index entries whose record Redis
// already evicted are dropped without being counted.
// KEYS: index key. ARGV: cutoff score, record key prefix.
var sweepScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local removed = 0
for _, id in ipairs(ids) do
	removed = removed + redis.call('DEL', ARGV[2] .. id)
	redis.call('ZREM', KEYS[1], id)
end
return removed
`)

// Store implements storage.Repository backed by Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository using an existing client. An empty
// prefix selects DefaultKeyPrefix.
func NewRepository(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// NewRepositoryFromURL parses a redis:// URL, checks connectivity and
// returns a new Repository.
func NewRepositoryFromURL(ctx context.Context, url, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRepository(client, prefix), nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(id string) string {
	return s.prefix + id
}

func (s *Store) indexKey() string {
	return s.prefix + "by-expiry"
}

// score rounds up to the next microsecond so a record is never swept early.
func score(t time.Time) int64 {
	us := t.UnixMicro()
	if t.Sub(time.UnixMicro(us)) > 0 {
		us++
	}
	return us
}

func ttl(expiresAt time.Time) time.Duration {
	return max(time.Until(expiresAt), minTTL)
}

func (s *Store) write(ctx context.Context, script *redis.Script, rec *storage.Record) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	n, err := script.Run(ctx, s.client,
		[]string{s.key(rec.SessionID), s.indexKey()},
		data, ttl(rec.ExpiresAt).Milliseconds(), score(rec.ExpiresAt), rec.SessionID,
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) Create(ctx context.Context, rec *storage.Record) error {
	ok, err := s.write(ctx, createScript, rec)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", rec.SessionID, storage.ErrDuplicateKey)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string, now time.Time) (*storage.Record, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var rec storage.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding session record %s: %w", id, err)
	}
	if rec.Expired(now) {
		return nil, fmt.Errorf("%s: %w", id, storage.ErrNotFound)
	}
	return &rec, nil
}

func (s *Store) Update(ctx context.Context, rec *storage.Record) error {
	ok, err := s.write(ctx, updateScript, rec)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", rec.SessionID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(id))
		pipe.ZRem(ctx, s.indexKey(), id)
		return nil
	})
	return err
}

func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := sweepScript.Run(ctx, s.client,
		[]string{s.indexKey()},
		strconv.FormatInt(now.UnixMicro(), 10), s.prefix,
	).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}
