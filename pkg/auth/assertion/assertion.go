// Package assertion builds signed client assertions (private_key_jwt) for
// authenticating to an OAuth token endpoint without a shared secret.
package assertion

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Lifetime is how long a signed assertion remains valid. Assertions are
// single-use in practice, so the window stays short.
const Lifetime = 5 * time.Minute

// ErrInvalidKey indicates the provided PEM data does not contain a usable
// RSA private key.
var ErrInvalidKey = errors.New("invalid RSA private key")

// Signer issues RS256 client assertions for a client id and key pair.
type Signer struct {
	// now is swappable for tests.
	now func() time.Time
}

// NewSigner creates a Signer.
func NewSigner() *Signer {
	return &Signer{now: time.Now}
}

// Sign builds a client assertion per RFC 7523: iss and sub are the client
// id, aud is the token endpoint URL, and the jti is unique per call.
func (s *Signer) Sign(clientID, tokenURL string, privateKeyPEM []byte) (string, error) {
	if clientID == "" {
		return "", fmt.Errorf("client id is required")
	}
	if tokenURL == "" {
		return "", fmt.Errorf("token endpoint URL is required")
	}

	key, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return "", err
	}

	now := s.now()
	claims := jwt.MapClaims{
		"iss": clientID,
		"sub": clientID,
		"aud": tokenURL,
		"iat": now.Unix(),
		"exp": now.Add(Lifetime).Unix(),
		"jti": uuid.NewString(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign client assertion: %w", err)
	}
	return signed, nil
}

// ParsePrivateKey decodes a PEM-encoded RSA private key in either PKCS#1 or
// PKCS#8 form.
func ParsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidKey)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: key is %T, want RSA", ErrInvalidKey, parsed)
	}
	return key, nil
}
