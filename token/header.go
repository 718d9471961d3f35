package token

import (
	"net/http"
	"strings"
)

// FromHeader extracts the bearer token from the request's Authorization
// header. A missing or malformed header yields ErrNoToken; it is never
// treated as any other failure.
func FromHeader(r *http.Request) (string, error) {
	return FromAuthorization(r.Header.Get("Authorization"))
}

// FromAuthorization parses an Authorization header value of the form
// "Bearer <token>". The scheme is case-insensitive.
func FromAuthorization(value string) (string, error) {
	fields := strings.Fields(value)
	if len(fields) != 2 || !strings.EqualFold(fields[0], "bearer") {
		return "", ErrNoToken
	}
	return fields[1], nil
}

// LooksLikeJWT reports whether tok has the three dot-separated segments of
// a compact JWS. It says nothing about validity.
func LooksLikeJWT(tok string) bool {
	return strings.Count(tok, ".") == 2
}
