// Package identity maps a provider profile onto the application's notion of
// a user. It holds facts only; authorization decisions live elsewhere.
package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/jmcleod/gatehouse/token"
)

// ErrNoSubject is returned when a profile carries no sub claim.
var ErrNoSubject = errors.New("identity: profile has no subject")

// User is the authenticated principal stored in a session.
type User struct {
	ID            string `json:"id"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	Name          string `json:"name,omitempty"`
	Nickname      string `json:"nickname,omitempty"`
	Picture       string `json:"picture,omitempty"`
}

// DisplayName returns the most human-friendly label available.
func (u *User) DisplayName() string {
	for _, s := range []string{u.Name, u.Nickname, u.Email} {
		if s != "" {
			return s
		}
	}
	return u.ID
}

// Resolver determines which user a verified profile belongs to. It is the
// only place where profile-to-user mapping lives.
type Resolver interface {
	Resolve(ctx context.Context, profile token.Profile) (*User, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, profile token.Profile) (*User, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, profile token.Profile) (*User, error) {
	return f(ctx, profile)
}

// ProfileResolver builds a User directly from the standard OIDC profile
// claims, using sub as the user id.
type ProfileResolver struct{}

var _ Resolver = ProfileResolver{}

func (ProfileResolver) Resolve(_ context.Context, profile token.Profile) (*User, error) {
	sub := strings.TrimSpace(profile.Subject())
	if sub == "" {
		return nil, ErrNoSubject
	}
	verified, _ := profile["email_verified"].(bool)
	return &User{
		ID:            sub,
		Email:         stringClaim(profile, "email"),
		EmailVerified: verified,
		Name:          stringClaim(profile, "name"),
		Nickname:      stringClaim(profile, "nickname"),
		Picture:       stringClaim(profile, "picture"),
	}, nil
}

func stringClaim(p token.Profile, name string) string {
	s, _ := p[name].(string)
	return s
}
