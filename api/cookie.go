package api

import (
	"context"
	"net/http"
	"time"

	"github.com/jmcleod/gatehouse/session"
)

// Binder attaches sessions to HTTP exchanges. Open resolves and touches the
// session a request refers to; Save writes the cookie that refers to s.
type Binder interface {
	Open(r *http.Request) (*session.Session, error)
	Save(w http.ResponseWriter, s *session.Session)
	Clear(w http.ResponseWriter)
	ID(r *http.Request) string
}

// CookieConfig controls the session cookie attributes.
type CookieConfig struct {
	Name     string
	Domain   string
	Path     string
	Secure   bool
	HTTPOnly bool
	SameSite http.SameSite
}

// DefaultCookieName is used when CookieConfig.Name is empty.
const DefaultCookieName = "gatehouse_session"

// CookieBinder is a Binder that carries the session id in a cookie.
type CookieBinder struct {
	cfg      CookieConfig
	sessions *session.Manager
}

var _ Binder = (*CookieBinder)(nil)

// NewCookieBinder returns a Binder backed by m.
func NewCookieBinder(m *session.Manager, cfg CookieConfig) *CookieBinder {
	if cfg.Name == "" {
		cfg.Name = DefaultCookieName
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	return &CookieBinder{cfg: cfg, sessions: m}
}

// ID returns the session id carried by r, or "".
func (b *CookieBinder) ID(r *http.Request) string {
	c, err := r.Cookie(b.cfg.Name)
	if err != nil {
		return ""
	}
	return c.Value
}

// Open resolves the session named by r's cookie and records the use.
func (b *CookieBinder) Open(r *http.Request) (*session.Session, error) {
	id := b.ID(r)
	if id == "" {
		return nil, ErrUnauthenticated
	}
	return b.sessions.KeepAlive(r.Context(), id)
}

// Save sets the session cookie. Expires is the absolute deadline; the
// sliding window is enforced server-side.
func (b *CookieBinder) Save(w http.ResponseWriter, s *session.Session) {
	http.SetCookie(w, b.cookie(s.ID, s.Deadline))
}

// Clear expires the session cookie.
func (b *CookieBinder) Clear(w http.ResponseWriter) {
	c := b.cookie("", time.Unix(0, 0))
	c.MaxAge = -1
	http.SetCookie(w, c)
}

// Descriptor describes the cookie Save writes for s.
func (b *CookieBinder) Descriptor(s *session.Session, inactive time.Duration) CookieDescriptor {
	return CookieDescriptor{
		Name:             b.cfg.Name,
		Value:            s.ID,
		Domain:           b.cfg.Domain,
		Path:             b.cfg.Path,
		Secure:           b.cfg.Secure,
		HTTPOnly:         b.cfg.HTTPOnly,
		Expires:          s.Deadline.UTC().Format(http.TimeFormat),
		InactiveLifetime: int64(inactive / time.Second),
	}
}

func (b *CookieBinder) cookie(value string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     b.cfg.Name,
		Value:    value,
		Domain:   b.cfg.Domain,
		Path:     b.cfg.Path,
		Secure:   b.cfg.Secure,
		HttpOnly: b.cfg.HTTPOnly,
		SameSite: b.cfg.SameSite,
		Expires:  expires,
	}
}

type contextKey int

const sessionKey contextKey = iota

// WithSession returns a copy of ctx carrying s.
func WithSession(ctx context.Context, s *session.Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// SessionFromContext returns the session a Guard attached, or nil.
func SessionFromContext(ctx context.Context) *session.Session {
	s, _ := ctx.Value(sessionKey).(*session.Session)
	return s
}
