// Package tokencache persists tokens obtained on behalf of gateway users.
//
// At most one live record exists per (referring subject, auth provider)
// pair; Replace enforces this by deleting before saving.
package tokencache

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// redactedPlaceholder is used to redact sensitive values in string representations
const redactedPlaceholder = "[REDACTED]"

// Item is one cached token record.
type Item struct {
	AccessToken      string    `json:"access_token"`
	IDToken          string    `json:"id_token,omitempty"`
	RefreshToken     string    `json:"refresh_token,omitempty"`
	ClientID         string    `json:"client_id,omitempty"`
	AuthProvider     string    `json:"auth_provider"`
	ReferringEmail   string    `json:"referring_email,omitempty"`
	ReferringSubject string    `json:"referring_subject"`
	CreatedAt        time.Time `json:"created_at"`
}

// Validate checks the fields that identify the record.
func (i *Item) Validate() error {
	if i.ReferringSubject == "" {
		return fmt.Errorf("referring_subject is required")
	}
	if i.AuthProvider == "" {
		return fmt.Errorf("auth_provider is required")
	}
	if i.AccessToken == "" && i.IDToken == "" {
		return fmt.Errorf("at least one of access_token or id_token is required")
	}
	return nil
}

// String implements fmt.Stringer for Item, redacting the tokens.
func (i Item) String() string {
	redact := func(v string) string {
		if v == "" {
			return "<empty>"
		}
		return redactedPlaceholder
	}
	return fmt.Sprintf("Item{Subject: %s, Provider: %s, AccessToken: %s, IDToken: %s, RefreshToken: %s, CreatedAt: %s}",
		i.ReferringSubject, i.AuthProvider,
		redact(i.AccessToken), redact(i.IDToken), redact(i.RefreshToken),
		i.CreatedAt.Format(time.RFC3339))
}

// Claims are the token claims read without signature verification. They are
// for display and cache bookkeeping only; authorization decisions must go
// through a verifier.
type Claims struct {
	Subject   string
	Issuer    string
	Email     string
	Type      string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// Expired reports whether the token is expired at now, treating tokens
// within buffer of expiry as already expired. A token without an exp claim
// never expires.
func (c *Claims) Expired(now time.Time, buffer time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(buffer).Before(c.ExpiresAt)
}

// PeekClaims decodes a JWT's claims without verifying its signature.
func PeekClaims(raw string) (*Claims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("decode token claims: %w", err)
	}

	out := &Claims{}
	if sub, err := claims.GetSubject(); err == nil {
		out.Subject = sub
	}
	if iss, err := claims.GetIssuer(); err == nil {
		out.Issuer = iss
	}
	if aud, err := claims.GetAudience(); err == nil {
		out.Audience = aud
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}
	if email, ok := claims["email"].(string); ok {
		out.Email = email
	}
	if typ, ok := claims["typ"].(string); ok {
		out.Type = typ
	}
	return out, nil
}

// Store persists token records keyed by (referring subject, auth provider).
type Store interface {
	// Save writes the record, overwriting any existing one for the same key.
	Save(ctx context.Context, item *Item) error

	// Get returns the record for the key, or nil when none exists.
	Get(ctx context.Context, subject, provider string) (*Item, error)

	// Delete removes the record for the key. Deleting a missing record is
	// not an error.
	Delete(ctx context.Context, subject, provider string) error

	// Ping checks the backing store's health.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

// Replace removes any existing record for the item's key before saving the
// new one, so a failed save never leaves a stale record behind.
func Replace(ctx context.Context, store Store, item *Item) error {
	if err := item.Validate(); err != nil {
		return err
	}
	if err := store.Delete(ctx, item.ReferringSubject, item.AuthProvider); err != nil {
		return fmt.Errorf("delete previous token record: %w", err)
	}
	return store.Save(ctx, item)
}
