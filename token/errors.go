package token

import "errors"

// Verification failures. Each is distinct so callers and logs can tell them
// apart; the HTTP layer decides which status each maps to.
var (
	ErrNoToken              = errors.New("no bearer token")
	ErrMalformedToken       = errors.New("malformed token")
	ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")
	ErrUnknownKey           = errors.New("unknown signing key")
	ErrSignatureInvalid     = errors.New("token signature invalid")
	ErrExpiredToken         = errors.New("token expired")
	ErrInvalidClaims        = errors.New("invalid token claims")
	ErrIntrospectionFailed  = errors.New("token introspection failed")
	ErrVerificationTimeout  = errors.New("token verification timed out")
)
