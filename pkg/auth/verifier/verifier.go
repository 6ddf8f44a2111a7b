// Package verifier validates bearer JWTs against a provider's published key
// set, checking signature, expiry, issuer and audience.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/modelrelay/modelrelay/pkg/auth/jwks"
)

// Common errors.
var (
	// ErrNoToken indicates the Authorization header was missing or not a
	// bearer credential.
	ErrNoToken = errors.New("no bearer token provided")

	// ErrKeyNotFound indicates the token's key id is absent from the
	// provider's key set even after a forced re-fetch.
	ErrKeyNotFound = errors.New("signing key not found in keyset")
)

// ExpiredError indicates the token's exp claim is in the past. It carries
// both instants so callers can surface them for diagnostics; the raw token
// is deliberately not included.
type ExpiredError struct {
	ExpiredAt time.Time
	Now       time.Time
}

// Error implements the error interface.
func (e *ExpiredError) Error() string {
	return fmt.Sprintf("token expired at %s (now %s)",
		e.ExpiredAt.UTC().Format(time.RFC3339), e.Now.UTC().Format(time.RFC3339))
}

// ClaimError indicates a claim constraint (issuer, audience, or a missing
// required claim) was not satisfied.
type ClaimError struct {
	Claim  string
	Detail string
}

// Error implements the error interface.
func (e *ClaimError) Error() string {
	return fmt.Sprintf("invalid %s claim: %s", e.Claim, e.Detail)
}

// Config describes the constraints a Verifier enforces.
type Config struct {
	// Provider is the key-set cache key for the issuing provider.
	Provider string

	// Issuer, when non-empty, must equal the token's iss claim.
	Issuer string

	// Audience, when non-empty, must appear in the token's aud claim.
	Audience string

	// Algorithms is the signature algorithm allow-list. Defaults to RS256.
	Algorithms []string
}

// Verifier validates tokens. It is stateless; all mutable state lives in the
// key-set cache.
type Verifier struct {
	cfg    Config
	keyset *jwks.Cache
	parser *jwt.Parser

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Verifier backed by the given key-set cache.
func New(cfg Config, keyset *jwks.Cache) *Verifier {
	if len(cfg.Algorithms) == 0 {
		cfg.Algorithms = []string{"RS256"}
	}
	return &Verifier{
		cfg: cfg,
		// Claims are validated by hand below so expiry and claim failures
		// can carry typed detail.
		parser: jwt.NewParser(
			jwt.WithValidMethods(cfg.Algorithms),
			jwt.WithoutClaimsValidation(),
		),
		keyset: keyset,
		now:    time.Now,
	}
}

// FromHeader extracts the token from an "Authorization: Bearer <token>"
// header value.
func FromHeader(header string) (string, error) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", ErrNoToken
	}
	return parts[1], nil
}

// VerifyHeader is a convenience wrapper that extracts the bearer token from
// the raw header value before verifying it.
func (v *Verifier) VerifyHeader(ctx context.Context, header string) (jwt.MapClaims, error) {
	token, err := FromHeader(header)
	if err != nil {
		return nil, err
	}
	return v.Verify(ctx, token)
}

// Verify checks the token's signature against the provider's key set and
// then enforces expiry and any configured issuer/audience constraints.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return v.signingKey(ctx, t)
	})
	if err != nil {
		return nil, fmt.Errorf("verify token signature: %w", err)
	}

	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// signingKey resolves the token's kid against the cached key set, forcing
// exactly one re-fetch when the kid is unknown (the provider may have
// rotated its keys since the last fetch).
func (v *Verifier) signingKey(ctx context.Context, token *jwt.Token) (any, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("token header missing kid")
	}

	set, err := v.keyset.Get(ctx, v.cfg.Provider)
	if err != nil {
		return nil, err
	}

	key, found := set.LookupKeyID(kid)
	if !found {
		set, err = v.keyset.Refresh(ctx, v.cfg.Provider)
		if err != nil {
			return nil, err
		}
		key, found = set.LookupKeyID(kid)
	}
	if !found {
		return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("export raw key: %w", err)
	}
	return raw, nil
}

func (v *Verifier) validateClaims(claims jwt.MapClaims) error {
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return &ClaimError{Claim: "exp", Detail: "missing or malformed expiration"}
	}
	if now := v.now(); !exp.After(now) {
		return &ExpiredError{ExpiredAt: exp.Time, Now: now}
	}

	if v.cfg.Issuer != "" {
		iss, err := claims.GetIssuer()
		if err != nil {
			return &ClaimError{Claim: "iss", Detail: "missing or malformed issuer"}
		}
		if strings.TrimSpace(iss) != strings.TrimSpace(v.cfg.Issuer) {
			return &ClaimError{Claim: "iss", Detail: fmt.Sprintf("got %q, want %q", iss, v.cfg.Issuer)}
		}
	}

	if v.cfg.Audience != "" {
		auds, err := claims.GetAudience()
		if err != nil {
			return &ClaimError{Claim: "aud", Detail: "missing or malformed audience"}
		}
		for _, aud := range auds {
			if aud == v.cfg.Audience {
				return nil
			}
		}
		return &ClaimError{Claim: "aud", Detail: fmt.Sprintf("%q not in token audience", v.cfg.Audience)}
	}

	return nil
}
