package api

import (
	"log/slog"
	"net/http"

	"github.com/jmcleod/gatehouse/session"
	"github.com/jmcleod/gatehouse/token"
)

// sessionRef shortens a session id to a log-safe correlation handle.
func sessionRef(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Login handles the login endpoint. It exchanges the bearer token in the
// Authorization header for a session and answers with the cookie
// descriptor. A session the request already carried is retired.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	clientIP := a.extractClientIP(r)
	if blocked, retryAfter := a.rateLimiter.check(clientIP); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, errRateLimited, slog.String("client_ip", clientIP))
		writeRateLimited(w, retryAfter)
		return
	}

	var s *session.Session
	bearer, err := token.FromHeader(r)
	if err == nil {
		s, err = a.sessions.Login(r.Context(), bearer)
	}
	if err != nil {
		a.rateLimiter.recordFailure(clientIP)
		a.audit.logFailure(AuditLoginFailure, r, err, slog.String("client_ip", clientIP))
		mapError(w, err)
		return
	}
	a.rateLimiter.recordSuccess(clientIP)

	if prev := a.binder.ID(r); prev != "" && prev != s.ID {
		if err := a.sessions.Logout(r.Context(), prev); err != nil {
			a.logger.Warn("failed to retire previous session",
				"session", sessionRef(prev), "error", err)
		} else {
			a.audit.logEvent(AuditSessionSuperseded, r, s.UserID(), slog.String("session", sessionRef(prev)))
		}
	}

	a.binder.Save(w, s)
	a.audit.logEvent(AuditLoginSuccess, r, s.UserID(),
		slog.String("session", sessionRef(s.ID)),
		slog.Any("scope", s.Scope))
	writeJSON(w, http.StatusOK, a.binder.Descriptor(s, a.sessions.Lifetimes().Inactive))
}

// KeepAlive handles the keep-alive endpoint: it slides the session's
// expiry and refreshes the cookie. The body is empty.
func (a *API) KeepAlive(w http.ResponseWriter, r *http.Request) {
	s, err := a.binder.Open(r)
	if err != nil {
		a.audit.logFailure(AuditKeepAliveFailure, r, err, slog.String("session", sessionRef(a.binder.ID(r))))
		mapError(w, err)
		return
	}
	a.binder.Save(w, s)
	a.audit.log(slog.LevelDebug, AuditKeepAlive, r,
		slog.String("user_id", s.UserID()),
		slog.String("session", sessionRef(s.ID)))
	w.WriteHeader(http.StatusOK)
}

// Logout handles the logout endpoint. It always answers 200 and clears the
// cookie; a store failure is logged and otherwise ignored.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	id := a.binder.ID(r)
	if err := a.sessions.Logout(r.Context(), id); err != nil {
		a.audit.logFailure(AuditLogoutFailure, r, err, slog.String("session", sessionRef(id)))
	} else {
		a.audit.log(slog.LevelInfo, AuditLogout, r, slog.String("session", sessionRef(id)))
	}
	a.binder.Clear(w)
	w.WriteHeader(http.StatusOK)
}

// WhoAmI handles GET /whoami. It must run behind Guard.
func (a *API) WhoAmI(w http.ResponseWriter, r *http.Request) {
	s := SessionFromContext(r.Context())
	if s == nil {
		mapError(w, ErrUnauthenticated)
		return
	}
	scope := s.Scope
	if scope == nil {
		scope = []string{}
	}
	writeJSON(w, http.StatusOK, WhoAmIResponse{
		User:      s.Identity,
		Scope:     scope,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
		Deadline:  s.Deadline,
	})
}
