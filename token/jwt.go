// Package token verifies bearer credentials presented at login.
//
// Signed tokens (JWTs) are checked locally against the provider's published
// key set by JWTVerifier. Any token, signed or opaque, can be exchanged for
// the holder's profile at the provider's user-info endpoint by
// UserInfoClient.
package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/jmcleod/gatehouse/internal/util"
)

// SigningAlgorithm is the only JWS algorithm accepted. Symmetric algorithms
// are refused so a public key can never be used as an HMAC secret.
const SigningAlgorithm = "RS256"

// DefaultTimeout bounds each outbound call to the identity provider.
const DefaultTimeout = 5 * time.Second

// Claims is the verified payload of an access token.
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
}

// Scopes splits the space-delimited scope claim into a set.
func (c *Claims) Scopes() []string {
	return util.SplitScope(c.Scope)
}

// JWTConfig configures a JWTVerifier.
type JWTConfig struct {
	// Issuer must match the token's iss claim exactly.
	Issuer string
	// Audience is the API identifier that must appear in aud.
	Audience string
	// JWKSURL is where the provider publishes its signing keys.
	JWKSURL string
	// HTTPClient is used for key set fetches. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Timeout bounds a key set fetch. Defaults to DefaultTimeout.
	Timeout time.Duration
}

// JWTVerifier validates RS256 access tokens against a cached key set.
// It is safe for concurrent use.
type JWTVerifier struct {
	issuer   string
	audience string
	jwksURL  string
	timeout  time.Duration
	cache    *jwk.Cache
	parser   *jwt.Parser

	registerMu sync.Mutex
	registered bool
}

// NewJWTVerifier creates a verifier. The key set is not fetched until the
// first Verify call. ctx bounds the lifetime of the background cache.
func NewJWTVerifier(ctx context.Context, cfg JWTConfig) (*JWTVerifier, error) {
	if cfg.JWKSURL == "" {
		return nil, errors.New("token: JWKS URL is required")
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("token: issuer and audience are required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(client)))
	if err != nil {
		return nil, fmt.Errorf("creating JWKS cache: %w", err)
	}

	return &JWTVerifier{
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		jwksURL:  cfg.JWKSURL,
		timeout:  timeout,
		cache:    cache,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{SigningAlgorithm}),
			jwt.WithAudience(cfg.Audience),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// Verify checks structure, algorithm, key id, signature, audience, issuer
// and expiry, in that order, and returns the verified claims. No claim is
// trusted before the signature has been checked.
func (v *JWTVerifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	if !LooksLikeJWT(raw) {
		return nil, ErrMalformedToken
	}

	unverified, _, err := v.parser.ParseUnverified(raw, &Claims{})
	if err != nil && !errors.Is(err, jwt.ErrTokenUnverifiable) {
		return nil, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}
	alg, _ := unverified.Header["alg"].(string)
	if alg != SigningAlgorithm {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("%w: token header has no kid", ErrUnknownKey)
	}

	pub, err := v.publicKey(ctx, kid)
	if err != nil {
		return nil, err
	}

	claims := &Claims{}
	_, err = v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return pub, nil
	})
	if err != nil {
		return nil, classifyParseError(err)
	}
	return claims, nil
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %w", ErrExpiredToken, err)
	case errors.Is(err, jwt.ErrTokenInvalidClaims):
		return fmt.Errorf("%w: %w", ErrInvalidClaims, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %w", ErrMalformedToken, err)
	default:
		return fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	}
}

// publicKey resolves kid to an RSA public key. A miss forces one refetch of
// the key set so freshly rotated keys are picked up.
func (v *JWTVerifier) publicKey(ctx context.Context, kid string) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	if err := v.ensureRegistered(ctx); err != nil {
		return nil, fetchError(ctx, err)
	}

	set, err := v.cache.Lookup(ctx, v.jwksURL)
	if err != nil {
		// Registered but never fetched successfully.
		if set, err = v.cache.Refresh(ctx, v.jwksURL); err != nil {
			return nil, fetchError(ctx, err)
		}
	}
	key, ok := set.LookupKeyID(kid)
	if !ok {
		if set, err = v.cache.Refresh(ctx, v.jwksURL); err != nil {
			return nil, fetchError(ctx, err)
		}
		if key, ok = set.LookupKeyID(kid); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
		}
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("%w: exporting %s: %w", ErrUnknownKey, kid, err)
	}
	return raw, nil
}

func (v *JWTVerifier) ensureRegistered(ctx context.Context) error {
	v.registerMu.Lock()
	defer v.registerMu.Unlock()
	if v.registered {
		return nil
	}
	if err := v.cache.Register(ctx, v.jwksURL, jwk.WithWaitReady(false)); err != nil {
		return fmt.Errorf("registering JWKS URL: %w", err)
	}
	v.registered = true
	return nil
}

// fetchError classifies a key set fetch failure. Without the key set no
// kid can be resolved.
func fetchError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: fetching key set: %w", ErrVerificationTimeout, err)
	}
	return fmt.Errorf("%w: fetching key set: %w", ErrUnknownKey, err)
}
