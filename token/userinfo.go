package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Profile is the user-info document returned by the provider, passed
// through unmodified to identity resolution.
type Profile map[string]any

// Subject returns the profile's sub claim, or "" if absent.
func (p Profile) Subject() string {
	s, _ := p["sub"].(string)
	return s
}

// UserInfoConfig configures a UserInfoClient.
type UserInfoConfig struct {
	// Issuer identifies the provider. It is not used for discovery.
	Issuer string
	// UserInfoURL is the provider's user-info endpoint.
	UserInfoURL string
	// HTTPClient is used for the outbound call. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Timeout bounds a single call. Defaults to DefaultTimeout.
	Timeout time.Duration
}

// UserInfoClient exchanges a bearer token for the holder's profile. It
// performs exactly one outbound call per Fetch and never retries.
type UserInfoClient struct {
	provider *oidc.Provider
	client   *http.Client
	timeout  time.Duration
}

// NewUserInfoClient builds a client from static endpoint configuration, so
// no discovery round-trip happens at startup.
func NewUserInfoClient(ctx context.Context, cfg UserInfoConfig) (*UserInfoClient, error) {
	if cfg.UserInfoURL == "" {
		return nil, errors.New("token: user-info URL is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	pc := &oidc.ProviderConfig{
		IssuerURL:   cfg.Issuer,
		UserInfoURL: cfg.UserInfoURL,
		Algorithms:  []string{SigningAlgorithm},
	}
	return &UserInfoClient{
		provider: pc.NewProvider(oidc.ClientContext(ctx, client)),
		client:   client,
		timeout:  timeout,
	}, nil
}

// Fetch returns the profile the provider associates with tok. Any transport
// error or non-2xx answer is ErrIntrospectionFailed; a timeout additionally
// matches ErrVerificationTimeout.
func (c *UserInfoClient) Fetch(ctx context.Context, tok string) (Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok, TokenType: "Bearer"})
	info, err := c.provider.UserInfo(oidc.ClientContext(ctx, c.client), src)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w: %w", ErrIntrospectionFailed, ErrVerificationTimeout, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrIntrospectionFailed, err)
	}

	profile := Profile{}
	if err := info.Claims(&profile); err != nil {
		return nil, fmt.Errorf("%w: decoding profile: %w", ErrIntrospectionFailed, err)
	}
	if profile.Subject() == "" {
		return nil, fmt.Errorf("%w: profile has no subject", ErrIntrospectionFailed)
	}
	return profile, nil
}
