// Package storagetest holds the conformance suite every storage.Repository
// backend runs from its own tests.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatehouse/storage"
)

// Factory returns a fresh, empty repository. Implementations register their
// own cleanup with t.Cleanup.
type Factory func(t *testing.T) storage.Repository

func record(id string, expiresAt time.Time) *storage.Record {
	return &storage.Record{
		SessionID:  id,
		Data:       []byte(`{"id":"` + id + `"}`),
		LastUsedAt: expiresAt.Add(-time.Minute),
		ExpiresAt:  expiresAt,
	}
}

// Run exercises the full Repository contract against repositories built by
// newRepo.
func Run(t *testing.T, newRepo Factory) {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("CreateAndGet", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		want := record("s-1", now.Add(time.Hour))
		require.NoError(t, repo.Create(ctx, want))

		got, err := repo.Get(ctx, "s-1", now)
		require.NoError(t, err)
		assert.Equal(t, want.SessionID, got.SessionID)
		assert.Equal(t, want.Data, got.Data)
		assert.WithinDuration(t, want.ExpiresAt, got.ExpiresAt, time.Millisecond)
		assert.WithinDuration(t, want.LastUsedAt, got.LastUsedAt, time.Millisecond)
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		require.NoError(t, repo.Create(ctx, record("dup", now.Add(time.Hour))))
		err := repo.Create(ctx, record("dup", now.Add(2*time.Hour)))
		require.ErrorIs(t, err, storage.ErrDuplicateKey)

		got, err := repo.Get(ctx, "dup", now)
		require.NoError(t, err)
		assert.WithinDuration(t, now.Add(time.Hour), got.ExpiresAt, time.Millisecond,
			"a rejected insert must not overwrite the original")
	})

	t.Run("GetMissing", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Get(t.Context(), "never-existed", now)
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("GetExpired", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		require.NoError(t, repo.Create(ctx, record("exp", now)))

		_, err := repo.Get(ctx, "exp", now.Add(-time.Second))
		require.NoError(t, err, "still valid one second before expiry")
		_, err = repo.Get(ctx, "exp", now)
		require.ErrorIs(t, err, storage.ErrNotFound, "expires_at == now is logically absent")
		_, err = repo.Get(ctx, "exp", now.Add(time.Hour))
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Update", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		require.NoError(t, repo.Create(ctx, record("upd", now.Add(time.Minute))))

		next := record("upd", now.Add(time.Hour))
		next.Data = []byte(`{"v":2}`)
		next.LastUsedAt = now
		require.NoError(t, repo.Update(ctx, next))

		got, err := repo.Get(ctx, "upd", now.Add(30*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"v":2}`), got.Data)
		assert.WithinDuration(t, now.Add(time.Hour), got.ExpiresAt, time.Millisecond)
		assert.WithinDuration(t, now, got.LastUsedAt, time.Millisecond)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		repo := newRepo(t)
		err := repo.Update(t.Context(), record("ghost", now.Add(time.Hour)))
		require.ErrorIs(t, err, storage.ErrNotFound)
		_, err = repo.Get(t.Context(), "ghost", now)
		require.ErrorIs(t, err, storage.ErrNotFound, "update must not insert")
	})

	t.Run("Delete", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		require.NoError(t, repo.Create(ctx, record("del", now.Add(time.Hour))))
		require.NoError(t, repo.Delete(ctx, "del"))
		_, err := repo.Get(ctx, "del", now)
		require.ErrorIs(t, err, storage.ErrNotFound)

		require.NoError(t, repo.Delete(ctx, "del"), "second delete is a no-op")
		require.NoError(t, repo.Delete(ctx, "never-existed"))
	})

	t.Run("SweepExpired", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		require.NoError(t, repo.Create(ctx, record("old-1", now.Add(-time.Hour))))
		require.NoError(t, repo.Create(ctx, record("old-2", now)))
		require.NoError(t, repo.Create(ctx, record("live", now.Add(time.Hour))))

		n, err := repo.SweepExpired(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = repo.SweepExpired(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 0, n, "second sweep with no intervening writes removes nothing")

		_, err = repo.Get(ctx, "live", now)
		require.NoError(t, err)

		// An expired record that was swept is gone for good, so the id is free.
		require.NoError(t, repo.Create(ctx, record("old-1", now.Add(time.Hour))))
	})

	t.Run("SweepEmpty", func(t *testing.T) {
		repo := newRepo(t)
		n, err := repo.SweepExpired(t.Context(), now)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("ReturnedDataIsACopy", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		require.NoError(t, repo.Create(ctx, record("copy", now.Add(time.Hour))))
		got, err := repo.Get(ctx, "copy", now)
		require.NoError(t, err)
		got.Data[0] = 'X'

		again, err := repo.Get(ctx, "copy", now)
		require.NoError(t, err)
		assert.Equal(t, byte('{'), again.Data[0])
	})

	t.Run("ConcurrentDistinctKeys", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.WithoutCancel(t.Context())
		const workers = 8
		var wg sync.WaitGroup
		errs := make(chan error, workers*4+1)
		for i := range workers {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := fmt.Sprintf("c-%d", i)
				if err := repo.Create(ctx, record(id, now.Add(time.Hour))); err != nil {
					errs <- err
					return
				}
				if _, err := repo.Get(ctx, id, now); err != nil {
					errs <- err
					return
				}
				if err := repo.Update(ctx, record(id, now.Add(2*time.Hour))); err != nil {
					errs <- err
					return
				}
				if i%2 == 0 {
					if err := repo.Delete(ctx, id); err != nil {
						errs <- err
					}
				}
			}(i)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.SweepExpired(ctx, now); err != nil {
				errs <- err
			}
		}()
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		for i := range workers {
			_, err := repo.Get(ctx, fmt.Sprintf("c-%d", i), now)
			if i%2 == 0 {
				assert.ErrorIs(t, err, storage.ErrNotFound)
			} else {
				assert.NoError(t, err)
			}
		}
	})
}
