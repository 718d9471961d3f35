package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatehouse/identity"
	"github.com/jmcleod/gatehouse/storage"
	"github.com/jmcleod/gatehouse/storage/memory"
	"github.com/jmcleod/gatehouse/token"
)

var errBackend = errors.New("backend down")

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeVerifier struct {
	calls  atomic.Int32
	claims *token.Claims
	err    error
}

func (v *fakeVerifier) Verify(context.Context, string) (*token.Claims, error) {
	v.calls.Add(1)
	return v.claims, v.err
}

type fakeProfiles struct {
	profile token.Profile
	err     error
}

func (p *fakeProfiles) Fetch(context.Context, string) (token.Profile, error) {
	return p.profile, p.err
}

// flakyRepo fails selected operations.
type flakyRepo struct {
	storage.Repository
	failCreate bool
	failUpdate bool
	failDelete bool
	sweepFails atomic.Int32
}

func (r *flakyRepo) Create(ctx context.Context, rec *storage.Record) error {
	if r.failCreate {
		return errBackend
	}
	return r.Repository.Create(ctx, rec)
}

func (r *flakyRepo) Update(ctx context.Context, rec *storage.Record) error {
	if r.failUpdate {
		return errBackend
	}
	return r.Repository.Update(ctx, rec)
}

func (r *flakyRepo) Delete(ctx context.Context, id string) error {
	if r.failDelete {
		return errBackend
	}
	return r.Repository.Delete(ctx, id)
}

func (r *flakyRepo) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	if r.sweepFails.Load() > 0 {
		r.sweepFails.Add(-1)
		return 0, errBackend
	}
	return r.Repository.SweepExpired(ctx, now)
}

var testLifetimes = Lifetimes{Max: time.Hour, Inactive: 10 * time.Minute}

type fixture struct {
	manager  *Manager
	repo     *memory.Repository
	clock    *fakeClock
	verifier *fakeVerifier
	profiles *fakeProfiles
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		repo:     memory.NewRepository(),
		clock:    newFakeClock(),
		verifier: &fakeVerifier{claims: &token.Claims{Scope: "read:reports write:reports"}},
		profiles: &fakeProfiles{profile: token.Profile{"sub": "u1", "email": "u1@example.com"}},
	}
	opts = append([]Option{WithClock(f.clock.Now)}, opts...)
	m, err := NewManager(f.repo, f.verifier, f.profiles, identity.ProfileResolver{}, testLifetimes, opts...)
	require.NoError(t, err)
	f.manager = m
	return f
}
