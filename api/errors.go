package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/gatehouse/session"
	"github.com/jmcleod/gatehouse/token"
)

var (
	// ErrUnauthenticated is returned when a request carries no live session.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden is returned when a live session lacks a required scope.
	ErrForbidden = errors.New("forbidden")

	errRateLimited = errors.New("too many failed login attempts")
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// failure is the public face of an error: a status and a fixed message
// that never includes provider responses or backend detail.
type failure struct {
	status int
	kind   string
	msg    string
}

var failures = []struct {
	err error
	failure
}{
	{token.ErrNoToken, failure{http.StatusUnauthorized, "no_token", "authorization header is expected"}},
	{token.ErrMalformedToken, failure{http.StatusUnauthorized, "malformed_token", "malformed token"}},
	{token.ErrUnsupportedAlgorithm, failure{http.StatusUnauthorized, "unsupported_algorithm", "unsupported token algorithm"}},
	{token.ErrUnknownKey, failure{http.StatusUnauthorized, "unknown_key", "unable to find appropriate key"}},
	{token.ErrSignatureInvalid, failure{http.StatusUnauthorized, "signature_invalid", "invalid token signature"}},
	{token.ErrExpiredToken, failure{http.StatusForbidden, "expired_token", "token is expired"}},
	{token.ErrInvalidClaims, failure{http.StatusForbidden, "invalid_claims", "incorrect claims, please check the audience and issuer"}},
	{token.ErrVerificationTimeout, failure{http.StatusUnauthorized, "verification_timeout", "identity provider did not respond in time"}},
	{token.ErrIntrospectionFailed, failure{http.StatusUnauthorized, "introspection_failed", "unable to verify token with identity provider"}},
	{session.ErrStoreUnavailable, failure{http.StatusServiceUnavailable, "store_unavailable", "session store unavailable"}},
	{session.ErrSessionCreationFailed, failure{http.StatusInternalServerError, "session_creation_failed", "unable to create session"}},
	{session.ErrIdentityResolution, failure{http.StatusInternalServerError, "identity_resolution_failed", "unable to resolve identity"}},
	{errRateLimited, failure{http.StatusTooManyRequests, "rate_limited", "too many failed login attempts; try again later"}},
	{ErrForbidden, failure{http.StatusForbidden, "forbidden", "insufficient scope"}},
	{ErrUnauthenticated, failure{http.StatusUnauthorized, "unauthenticated", "authentication required"}},
	{session.ErrSessionNotFound, failure{http.StatusUnauthorized, "session_not_found", "session not found"}},
}

// classify finds the failure for err. Order matters: a timeout is also an
// introspection failure, and a guard rejection also wraps the session error.
func classify(err error) failure {
	for _, f := range failures {
		if errors.Is(err, f.err) {
			return f.failure
		}
	}
	return failure{http.StatusInternalServerError, "internal", "internal error"}
}

func mapError(w http.ResponseWriter, err error) {
	f := classify(err)
	writeError(w, f.status, f.msg)
}

// errorKind is the stable, log-safe name of err's class.
func errorKind(err error) string {
	return classify(err).kind
}
