package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"

	"itcenter.org/staffauth/internal/obs"
)

// ErrInvalidToken indicates the token failed validation.
var ErrInvalidToken = errors.New("invalid token")

// Verifier validates bearer tokens issued by the identity provider. Keys come
// either from a remote JWKS document or from a shared HMAC secret used in
// local development and tests.
type Verifier struct {
	keyFunc jwt.Keyfunc
	jwks    *keyfunc.JWKS
	methods []string
	issuer  string
	leeway  time.Duration
	now     func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier) error

// WithHMACSecret verifies HS256 tokens with secret.
func WithHMACSecret(secret string) VerifierOption {
	return func(v *Verifier) error {
		secret = strings.TrimSpace(secret)
		if secret == "" {
			return nil
		}
		key := []byte(secret)
		v.keyFunc = func(*jwt.Token) (any, error) { return key, nil }
		v.methods = []string{jwt.SigningMethodHS256.Alg()}
		return nil
	}
}

// WithJWKSURL fetches signing keys from url and refreshes them in the background.
func WithJWKSURL(url string) VerifierOption {
	return func(v *Verifier) error {
		url = strings.TrimSpace(url)
		if url == "" {
			return nil
		}
		jwks, err := keyfunc.Get(url, keyfunc.Options{
			RefreshErrorHandler: func(err error) {
				obs.Logger().WithError(err).Warn("jwks refresh failed")
			},
			RefreshInterval:   time.Hour,
			RefreshRateLimit:  5 * time.Minute,
			RefreshTimeout:    10 * time.Second,
			RefreshUnknownKID: true,
		})
		if err != nil {
			return fmt.Errorf("auth: load jwks: %w", err)
		}
		v.jwks = jwks
		v.keyFunc = jwks.Keyfunc
		v.methods = []string{jwt.SigningMethodRS256.Alg(), jwt.SigningMethodES256.Alg()}
		return nil
	}
}

// WithIssuer requires the "iss" claim to equal issuer.
func WithIssuer(issuer string) VerifierOption {
	return func(v *Verifier) error {
		v.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithLeeway tolerates clock skew when validating time-based claims.
func WithLeeway(d time.Duration) VerifierOption {
	return func(v *Verifier) error {
		if d > 0 {
			v.leeway = d
		}
		return nil
	}
}

// WithVerifierClock overrides the time source (useful for tests).
func WithVerifierClock(fn func() time.Time) VerifierOption {
	return func(v *Verifier) error {
		if fn != nil {
			v.now = fn
		}
		return nil
	}
}

// NewVerifier builds a Verifier. At least one key source is required.
func NewVerifier(opts ...VerifierOption) (*Verifier, error) {
	v := &Verifier{
		leeway: 5 * time.Second,
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, err
		}
	}
	if v.keyFunc == nil {
		return nil, errors.New("auth: no token key source configured")
	}
	return v, nil
}

// Verify checks signature, expiry and issuer, and returns the claim set.
func (v *Verifier) Verify(_ context.Context, token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, v.keyFunc)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return nil, fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	return Claims(claims), nil
}

// Close stops background JWKS refreshes.
func (v *Verifier) Close() {
	if v != nil && v.jwks != nil {
		v.jwks.EndBackground()
	}
}

// IdentityFromClaims extracts the provisioning identity from verified claims.
func IdentityFromClaims(c Claims) Identity {
	username := c.StringClaim("username")
	if username == "" {
		username = c.StringClaim("cognito:username")
	}
	name := c.StringClaim("name")
	if name == "" {
		name = c.StringClaim("preferred_username")
	}
	if name == "" {
		name = username
	}
	return Identity{
		Subject:     c.Subject(),
		Username:    username,
		Email:       c.StringClaim("email"),
		DisplayName: name,
		Locale:      c.StringClaim("locale"),
	}
}
