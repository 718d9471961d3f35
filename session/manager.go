package session

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmcleod/gatehouse/identity"
	"github.com/jmcleod/gatehouse/internal/util"
	"github.com/jmcleod/gatehouse/storage"
	"github.com/jmcleod/gatehouse/token"
)

const lockStripes = 64

// ClaimsVerifier validates a signed access token.
type ClaimsVerifier interface {
	Verify(ctx context.Context, raw string) (*token.Claims, error)
}

// ProfileFetcher exchanges any bearer token for the holder's profile.
type ProfileFetcher interface {
	Fetch(ctx context.Context, tok string) (token.Profile, error)
}

// Manager orchestrates login, keep-alive and logout on top of a
// storage.Repository. It is safe for concurrent use.
//
// Read-modify-write sequences on one session id are serialised through a
// striped lock, and the clock is read while holding it, so concurrent
// keep-alives of the same session apply in clock order.
type Manager struct {
	repo      storage.Repository
	codec     *Codec
	verifier  ClaimsVerifier
	profiles  ProfileFetcher
	resolver  identity.Resolver
	lifetimes Lifetimes
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger
	locks     [lockStripes]sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator replaces the random session id generator.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// WithCodec sets the payload codec. The default stores plain JSON.
func WithCodec(c *Codec) Option {
	return func(m *Manager) { m.codec = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager wires a Manager. verifier is consulted only for tokens that
// look like JWTs, and contributes scope; profiles is always consulted and is
// the canonical identity source.
func NewManager(
	repo storage.Repository,
	verifier ClaimsVerifier,
	profiles ProfileFetcher,
	resolver identity.Resolver,
	lifetimes Lifetimes,
	opts ...Option,
) (*Manager, error) {
	if err := lifetimes.Validate(); err != nil {
		return nil, err
	}
	if repo == nil || verifier == nil || profiles == nil || resolver == nil {
		return nil, errors.New("session: repository, verifier, profile fetcher and resolver are required")
	}
	m := &Manager{
		repo:      repo,
		codec:     &Codec{},
		verifier:  verifier,
		profiles:  profiles,
		resolver:  resolver,
		lifetimes: lifetimes,
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "session")
	return m, nil
}

// Lifetimes returns the configured lifetimes.
func (m *Manager) Lifetimes() Lifetimes {
	return m.lifetimes
}

func (m *Manager) lock(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	mu := &m.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// Login verifies bearer, resolves the holder's identity and persists a new
// session. Nothing is stored unless every step succeeds.
func (m *Manager) Login(ctx context.Context, bearer string) (*Session, error) {
	var scope []string
	if token.LooksLikeJWT(bearer) {
		claims, err := m.verifier.Verify(ctx, bearer)
		if err != nil {
			return nil, err
		}
		scope = claims.Scopes()
		if odd := util.NonCanonicalScopes(scope); len(odd) > 0 {
			m.logger.Warn("token carries scopes not in NFKC form; they match only exactly", "scopes", odd)
		}
	}

	profile, err := m.profiles.Fetch(ctx, bearer)
	if err != nil {
		return nil, err
	}
	user, err := m.resolver.Resolve(ctx, profile)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIdentityResolution, err)
	}

	s := newSession(user, scope, m.now(), m.lifetimes)
	for attempt := range 2 {
		s.ID = m.newID()
		rec, err := m.codec.Encode(s)
		if err != nil {
			return nil, err
		}
		err = m.repo.Create(ctx, rec)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, storage.ErrDuplicateKey) {
			return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		m.logger.Warn("session id collision", "attempt", attempt+1)
	}
	return nil, ErrSessionCreationFailed
}

// lookup returns the stored session without touching it.
func (m *Manager) lookup(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}
	return m.get(ctx, id, m.now())
}

func (m *Manager) get(ctx context.Context, id string, now time.Time) (*Session, error) {
	rec, err := m.repo.Get(ctx, id, now)
	if err != nil {
		return nil, storeError(id, err)
	}
	s, err := m.codec.Decode(rec)
	if err != nil {
		// Unreadable payloads (e.g. after a secret rotation) are as good as gone.
		m.logger.Warn("discarding undecodable session", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrSessionNotFound, err)
	}
	return s, nil
}

// KeepAlive records a use of session id and slides its expiry. It fails
// with ErrSessionNotFound once the session is absent or expired.
func (m *Manager) KeepAlive(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}
	unlock := m.lock(id)
	defer unlock()

	now := m.now()
	s, err := m.get(ctx, id, now)
	if err != nil {
		return nil, err
	}
	s.touch(now, m.lifetimes.Inactive)
	rec, err := m.codec.Encode(s)
	if err != nil {
		return nil, err
	}
	if err := m.repo.Update(ctx, rec); err != nil {
		return nil, storeError(id, err)
	}
	return s, nil
}

// Logout deletes session id. Deleting an absent session succeeds.
func (m *Manager) Logout(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	unlock := m.lock(id)
	defer unlock()
	if err := m.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}
