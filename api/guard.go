package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/gatehouse/session"
)

// Guard rejects requests without a live session with 401 and otherwise
// slides the session, refreshes the cookie and passes the session to next
// through the request context.
func (a *API) Guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := a.binder.Open(r)
		if err != nil {
			if errors.Is(err, session.ErrSessionNotFound) {
				err = errors.Join(ErrUnauthenticated, err)
			}
			a.audit.logFailure(AuditAccessDenied, r, err)
			mapError(w, err)
			return
		}
		a.binder.Save(w, s)
		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), s)))
	})
}

// RequireScope returns middleware that answers 403 unless the session a
// Guard attached holds scope. It must run inside a Guard.
func (a *API) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s := SessionFromContext(r.Context())
			if s == nil {
				mapError(w, ErrUnauthenticated)
				return
			}
			if !s.HasScope(scope) {
				a.audit.logEvent(AuditForbidden, r, s.UserID(), slog.String("scope", scope))
				mapError(w, ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
