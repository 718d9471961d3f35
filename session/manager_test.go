package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatehouse/identity"
	"github.com/jmcleod/gatehouse/storage"
	"github.com/jmcleod/gatehouse/token"
)

const (
	jwtBearer    = "header.payload.signature"
	opaqueBearer = "opaque-access-token"
)

func TestLifetimesValidate(t *testing.T) {
	require.NoError(t, Lifetimes{Max: time.Hour, Inactive: time.Hour}.Validate())
	require.Error(t, Lifetimes{Max: 0, Inactive: time.Minute}.Validate())
	require.Error(t, Lifetimes{Max: time.Hour, Inactive: 0}.Validate())
	require.Error(t, Lifetimes{Max: time.Minute, Inactive: time.Hour}.Validate())
}

func TestNewManagerRequiresCollaborators(t *testing.T) {
	f := newFixture(t)
	_, err := NewManager(nil, f.verifier, f.profiles, identity.ProfileResolver{}, testLifetimes)
	require.Error(t, err)
	_, err = NewManager(f.repo, f.verifier, f.profiles, identity.ProfileResolver{}, Lifetimes{})
	require.Error(t, err)
}

func TestLoginWithJWTTakesScopeFromClaims(t *testing.T) {
	f := newFixture(t)
	s, err := f.manager.Login(t.Context(), jwtBearer)
	require.NoError(t, err)

	assert.Equal(t, int32(1), f.verifier.calls.Load())
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "u1", s.UserID())
	assert.Equal(t, []string{"read:reports", "write:reports"}, s.Scope)
	now := f.clock.Now()
	assert.Equal(t, now, s.CreatedAt)
	assert.Equal(t, now, s.LastUsedAt)
	assert.Equal(t, now.Add(testLifetimes.Inactive), s.ExpiresAt)
	assert.Equal(t, now.Add(testLifetimes.Max), s.Deadline)
	assert.Equal(t, 1, f.repo.Len())
}

func TestLoginKeepsLookalikeScopesDistinct(t *testing.T) {
	f := newFixture(t)
	f.verifier.claims = &token.Claims{Scope: "ａｄｍｉｎ ﬁle:write"}
	s, err := f.manager.Login(t.Context(), jwtBearer)
	require.NoError(t, err)

	assert.Equal(t, []string{"ａｄｍｉｎ", "ﬁle:write"}, s.Scope)
	assert.False(t, s.HasScope("admin"))
	assert.False(t, s.HasScope("file:write"))
	assert.True(t, s.HasScope("ａｄｍｉｎ"))
}

func TestLoginWithOpaqueTokenSkipsJWTVerification(t *testing.T) {
	f := newFixture(t)
	s, err := f.manager.Login(t.Context(), opaqueBearer)
	require.NoError(t, err)
	assert.Zero(t, f.verifier.calls.Load())
	assert.Empty(t, s.Scope)
	assert.Equal(t, "u1", s.UserID())
}

func TestLoginRoundTrip(t *testing.T) {
	codec, err := NewCodec([]byte("a session secret"))
	require.NoError(t, err)
	for name, opts := range map[string][]Option{
		"plain":  nil,
		"sealed": {WithCodec(codec)},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, opts...)
			created, err := f.manager.Login(t.Context(), jwtBearer)
			require.NoError(t, err)

			f.clock.Advance(time.Minute)
			got, err := f.manager.lookup(t.Context(), created.ID)
			require.NoError(t, err)
			assert.Equal(t, created.Identity, got.Identity)
			assert.Equal(t, created.Scope, got.Scope)
			assert.Equal(t, created.ExpiresAt, got.ExpiresAt, "lookup does not touch")
		})
	}
}

func TestLoginFailuresCreateNoSession(t *testing.T) {
	tests := []struct {
		name    string
		bearer  string
		setup   func(f *fixture)
		wantErr error
	}{
		{
			name:    "jwt rejected",
			bearer:  jwtBearer,
			setup:   func(f *fixture) { f.verifier.err = token.ErrExpiredToken },
			wantErr: token.ErrExpiredToken,
		},
		{
			name:    "introspection failed",
			bearer:  opaqueBearer,
			setup:   func(f *fixture) { f.profiles.err = token.ErrIntrospectionFailed },
			wantErr: token.ErrIntrospectionFailed,
		},
		{
			name:    "identity unresolvable",
			bearer:  opaqueBearer,
			setup:   func(f *fixture) { f.profiles.profile = token.Profile{"email": "x@example.com"} },
			wantErr: ErrIdentityResolution,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)
			s, err := f.manager.Login(t.Context(), tt.bearer)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, s)
			assert.Zero(t, f.repo.Len())
		})
	}
}

func TestLoginRetriesOnceOnDuplicateID(t *testing.T) {
	ids := []string{"taken", "fresh"}
	var next atomic.Int32
	f := newFixture(t, WithIDGenerator(func() string {
		return ids[int(next.Add(1)-1)%len(ids)]
	}))
	require.NoError(t, f.repo.Create(t.Context(), &storage.Record{
		SessionID: "taken",
		ExpiresAt: f.clock.Now().Add(time.Hour),
	}))

	s, err := f.manager.Login(t.Context(), opaqueBearer)
	require.NoError(t, err)
	assert.Equal(t, "fresh", s.ID)
}

func TestLoginFailsAfterSecondCollision(t *testing.T) {
	f := newFixture(t, WithIDGenerator(func() string { return "taken" }))
	require.NoError(t, f.repo.Create(t.Context(), &storage.Record{
		SessionID: "taken",
		ExpiresAt: f.clock.Now().Add(time.Hour),
	}))

	_, err := f.manager.Login(t.Context(), opaqueBearer)
	require.ErrorIs(t, err, ErrSessionCreationFailed)
	assert.Equal(t, 1, f.repo.Len())
}

func TestLoginStoreUnavailable(t *testing.T) {
	f := newFixture(t)
	repo := &flakyRepo{Repository: f.repo, failCreate: true}
	m, err := NewManager(repo, f.verifier, f.profiles, identity.ProfileResolver{}, testLifetimes)
	require.NoError(t, err)

	_, err = m.Login(t.Context(), opaqueBearer)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.ErrorIs(t, err, errBackend)
}

func TestKeepAliveSlidesExpiry(t *testing.T) {
	f := newFixture(t)
	s, err := f.manager.Login(t.Context(), opaqueBearer)
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	kept, err := f.manager.KeepAlive(t.Context(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), kept.LastUsedAt)
	assert.Equal(t, f.clock.Now().Add(testLifetimes.Inactive), kept.ExpiresAt)
	assert.True(t, kept.ExpiresAt.After(s.ExpiresAt))
	assert.Equal(t, s.CreatedAt, kept.CreatedAt)
	assert.Equal(t, s.Deadline, kept.Deadline)
}

func TestKeepAliveAfterInactivityIsNotFound(t *testing.T) {
	f := newFixture(t)
	f.profiles.profile = token.Profile{"sub": "u1"}
	s, err := f.manager.Login(t.Context(), opaqueBearer)
	require.NoError(t, err)

	f.clock.Advance(testLifetimes.Inactive - time.Second)
	_, err = f.manager.KeepAlive(t.Context(), s.ID)
	require.NoError(t, err)

	f.clock.Advance(testLifetimes.Inactive)
	_, err = f.manager.KeepAlive(t.Context(), s.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSlidingExpirationIsCappedByMaxLifetime(t *testing.T) {
	f := newFixture(t)
	s, err := f.manager.Login(t.Context(), opaqueBearer)
	require.NoError(t, err)
	deadline := s.CreatedAt.Add(testLifetimes.Max)

	step := testLifetimes.Inactive - time.Minute
	for f.clock.Now().Add(step).Before(deadline) {
		f.clock.Advance(step)
		kept, err := f.manager.KeepAlive(t.Context(), s.ID)
		require.NoError(t, err)
		assert.False(t, kept.ExpiresAt.After(deadline), "expires_at never passes created_at + max")
	}

	// Touch moments before the deadline: still valid, but only up to it.
	f.clock.Advance(deadline.Sub(f.clock.Now()) - time.Second)
	kept, err := f.manager.KeepAlive(t.Context(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, deadline, kept.ExpiresAt)

	f.clock.Advance(time.Second)
	_, err = f.manager.KeepAlive(t.Context(), s.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestKeepAliveUnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.KeepAlive(t.Context(), "no-such-session")
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = f.manager.KeepAlive(t.Context(), "")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestKeepAliveStoreUnavailable(t *testing.T) {
	f := newFixture(t)
	s, err := f.manager.Login(t.Context(), opaqueBearer)
	require.NoError(t, err)

	repo := &flakyRepo{Repository: f.repo, failUpdate: true}
	m, err := NewManager(repo, f.verifier, f.profiles, identity.ProfileResolver{}, testLifetimes, WithClock(f.clock.Now))
	require.NoError(t, err)
	_, err = m.KeepAlive(t.Context(), s.ID)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrSessionNotFound)
}

func TestKeepAliveWithUnreadablePayload(t *testing.T) {
	sealed, err := NewCodec([]byte("old secret"))
	require.NoError(t, err)
	rotated, err := NewCodec([]byte("new secret"))
	require.NoError(t, err)

	f := newFixture(t, WithCodec(sealed))
	s, err := f.manager.Login(t.Context(), opaqueBearer)
	require.NoError(t, err)

	m, err := NewManager(f.repo, f.verifier, f.profiles, identity.ProfileResolver{}, testLifetimes,
		WithClock(f.clock.Now), WithCodec(rotated))
	require.NoError(t, err)
	_, err = m.KeepAlive(t.Context(), s.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestLogoutIsIdempotent(t *testing.T) {
	f := newFixture(t)
	s, err := f.manager.Login(t.Context(), opaqueBearer)
	require.NoError(t, err)

	require.NoError(t, f.manager.Logout(t.Context(), s.ID))
	require.NoError(t, f.manager.Logout(t.Context(), s.ID))
	require.NoError(t, f.manager.Logout(t.Context(), ""))

	_, err = f.manager.KeepAlive(t.Context(), s.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestLogoutStoreUnavailable(t *testing.T) {
	f := newFixture(t)
	repo := &flakyRepo{Repository: f.repo, failDelete: true}
	m, err := NewManager(repo, f.verifier, f.profiles, identity.ProfileResolver{}, testLifetimes)
	require.NoError(t, err)
	require.ErrorIs(t, m.Logout(t.Context(), "some-id"), ErrStoreUnavailable)
}

// steppingClock hands out strictly increasing instants.
type steppingClock struct {
	base  time.Time
	ticks atomic.Int64
}

func (c *steppingClock) Now() time.Time {
	return c.base.Add(time.Duration(c.ticks.Add(1)) * time.Millisecond)
}

func (c *steppingClock) Last() time.Time {
	return c.base.Add(time.Duration(c.ticks.Load()) * time.Millisecond)
}

func TestConcurrentKeepAliveKeepsLatestDeadline(t *testing.T) {
	clock := &steppingClock{base: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	f := newFixture(t, WithClock(clock.Now))
	s, err := f.manager.Login(t.Context(), opaqueBearer)
	require.NoError(t, err)

	const workers = 32
	ctx := context.WithoutCancel(t.Context())
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.manager.KeepAlive(ctx, s.ID); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	want := clock.Last().Add(testLifetimes.Inactive)
	got, err := f.manager.lookup(t.Context(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, want, got.ExpiresAt, "the last applied keep-alive wins")
}

func TestHasScope(t *testing.T) {
	s := &Session{Scope: []string{"read:reports", "admin"}}
	assert.True(t, s.HasScope("admin"))
	assert.False(t, s.HasScope(" read:reports "))
	assert.False(t, s.HasScope("write:reports"))
	assert.False(t, (&Session{}).HasScope("admin"))
}
