package api

import (
	"time"

	"github.com/jmcleod/gatehouse/identity"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// CookieDescriptor is returned from the login endpoint. It mirrors the
// Set-Cookie header so that script clients can manage the cookie themselves.
type CookieDescriptor struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain,omitempty"`
	Path     string `json:"path"`
	Secure   bool   `json:"secure"`
	HTTPOnly bool   `json:"httponly"`
	// Expires is the absolute session deadline, RFC1123 in GMT.
	Expires string `json:"expires"`
	// InactiveLifetime is the sliding window in whole seconds.
	InactiveLifetime int64 `json:"inactive_lifetime"`
}

// WhoAmIResponse is returned from GET /whoami.
type WhoAmIResponse struct {
	User      *identity.User `json:"user"`
	Scope     []string       `json:"scope"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
	Deadline  time.Time      `json:"deadline"`
}
