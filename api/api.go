// Package api is the HTTP surface of the gateway: the login, keep-alive and
// logout endpoints, the session Guard for protected routes and the optional
// reverse proxy to the protected application.
package api

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/gatehouse/session"
)

//go:embed openapi.yaml
var openapiYAML []byte

// Endpoints names the paths the session endpoints attach to. Each is
// served at /p, /p/ and /p/* for GET and POST.
type Endpoints struct {
	Login     string
	Logout    string
	KeepAlive string
}

// DefaultEndpoints are used for any empty Endpoints field.
var DefaultEndpoints = Endpoints{Login: "login", Logout: "logout", KeepAlive: "keep_alive"}

// Config is the static part of the HTTP surface.
type Config struct {
	Endpoints Endpoints
	Cookie    CookieConfig
}

// API holds the dependencies needed by the HTTP handlers.
type API struct {
	sessions       *session.Manager
	binder         *CookieBinder
	endpoints      Endpoints
	rateLimiter    *loginRateLimiter
	audit          *auditLogger
	logger         *slog.Logger
	alertFn        AlertFunc
	metrics        *Metrics
	cors           *cors
	upstream       *url.URL
	proxy          http.Handler
	trustedProxies []netip.Prefix
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithAlertFunc sets the callback for anomaly alerts.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) { a.alertFn = fn }
}

// WithMetrics counts audit events on m and serves it at /metrics.
func WithMetrics(m *Metrics) Option {
	return func(a *API) { a.metrics = m }
}

// WithAllowedOrigins enables CORS for the given origins.
func WithAllowedOrigins(origins []string) Option {
	return func(a *API) { a.cors = newCORS(origins) }
}

// WithUpstream proxies every guarded path without a handler of its own to
// target.
func WithUpstream(target *url.URL) Option {
	return func(a *API) { a.upstream = target }
}

// WithTrustedProxies sets the CIDR ranges whose forwarding headers are
// honoured when attributing login failures to a client address.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes, err := parseTrustedProxies(cidrs)
	if err != nil {
		return nil, err
	}
	return func(a *API) { a.trustedProxies = prefixes }, nil
}

// New creates a new API instance.
func New(sessions *session.Manager, cfg Config, opts ...Option) *API {
	a := &API{
		sessions:    sessions,
		binder:      NewCookieBinder(sessions, cfg.Cookie),
		endpoints:   cfg.Endpoints,
		rateLimiter: newLoginRateLimiter(),
		cors:        newCORS(nil),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.endpoints.Login == "" {
		a.endpoints.Login = DefaultEndpoints.Login
	}
	if a.endpoints.Logout == "" {
		a.endpoints.Logout = DefaultEndpoints.Logout
	}
	if a.endpoints.KeepAlive == "" {
		a.endpoints.KeepAlive = DefaultEndpoints.KeepAlive
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.audit = newAuditLogger(a.logger)
	a.audit.alerts = newAlertCollector(a.alertFn)
	a.audit.metrics = a.metrics
	if a.upstream != nil {
		a.proxy = newUpstreamProxy(a.upstream, a.binder.cfg.Name, a.logger)
	}
	return a
}

// Router returns a chi.Router with all routes mounted. Responses from the
// upstream keep their own security headers.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(a.cors.Handler)

	r.Group(func(r chi.Router) {
		r.Use(SecurityHeaders)

		r.Group(func(r chi.Router) {
			r.Use(docsHeaders)
			r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/yaml")
				w.Write(openapiYAML)
			})
			r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
				SpecURL: "/openapi.yaml",
				Path:    "docs",
			}, nil))
			r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
				SpecURL: "/openapi.yaml",
				Path:    "redoc",
			}, nil))
		})
		if a.metrics != nil {
			r.Handle("/metrics", a.metrics.Handler())
		}

		attach(r, a.endpoints.Login, a.Login)
		attach(r, a.endpoints.KeepAlive, a.KeepAlive)
		attach(r, a.endpoints.Logout, a.Logout)

		r.With(a.Guard).Get("/whoami", a.WhoAmI)
	})

	if a.proxy != nil {
		r.With(a.Guard).Handle("/*", a.proxy)
	}
	return r
}

// attach serves h at path, path/ and everything below path.
func attach(r chi.Router, path string, h http.HandlerFunc) {
	p := "/" + strings.Trim(path, "/")
	for _, pattern := range []string{p, p + "/", p + "/*"} {
		r.Get(pattern, h)
		r.Post(pattern, h)
	}
}

// RunMaintenance prunes stale rate-limit records every interval until ctx
// is done.
func (a *API) RunMaintenance(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("api: maintenance interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.rateLimiter.sweep()
		}
	}
}
