package verifier

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/pkg/auth/jwks"
)

type signer struct {
	kid string
	key *rsa.PrivateKey
}

func newSigner(t *testing.T, kid string) *signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &signer{kid: kid, key: key}
}

// keySetJSON builds a JWKS document carrying the signers' public keys.
func keySetJSON(t *testing.T, signers ...*signer) []byte {
	t.Helper()
	set := jwk.NewSet()
	for _, s := range signers {
		key, err := jwk.Import(s.key.Public())
		require.NoError(t, err)
		require.NoError(t, key.Set(jwk.KeyIDKey, s.kid))
		require.NoError(t, set.AddKey(key))
	}
	data, err := json.Marshal(set)
	require.NoError(t, err)
	return data
}

func (s *signer) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.kid
	signed, err := token.SignedString(s.key)
	require.NoError(t, err)
	return signed
}

func serveKeySet(t *testing.T, doc *atomic.Pointer[[]byte], fetches *atomic.Int64) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(*doc.Load())
	}))
	t.Cleanup(server.Close)
	return server
}

func newVerifier(t *testing.T, cfg Config, server *httptest.Server) *Verifier {
	t.Helper()
	cache := jwks.NewCache(func(context.Context, string) (string, error) {
		return server.URL, nil
	}, server.Client(), jwks.DefaultTTL)
	cfg.Provider = "idp"
	return New(cfg, cache)
}

func TestVerifyValidToken(t *testing.T) {
	t.Parallel()

	s := newSigner(t, "key-1")
	var doc atomic.Pointer[[]byte]
	ks := keySetJSON(t, s)
	doc.Store(&ks)
	var fetches atomic.Int64
	server := serveKeySet(t, &doc, &fetches)

	v := newVerifier(t, Config{Issuer: "https://idp.example.com", Audience: "gateway"}, server)

	token := s.sign(t, jwt.MapClaims{
		"iss": "https://idp.example.com",
		"aud": "gateway",
		"sub": "user-123",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	claims, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	sub, err := claims.GetSubject()
	require.NoError(t, err)
	assert.Equal(t, "user-123", sub)
}

func TestVerifyExpiredToken(t *testing.T) {
	t.Parallel()

	s := newSigner(t, "key-1")
	var doc atomic.Pointer[[]byte]
	ks := keySetJSON(t, s)
	doc.Store(&ks)
	var fetches atomic.Int64
	server := serveKeySet(t, &doc, &fetches)

	v := newVerifier(t, Config{}, server)

	expiredAt := time.Now().Add(-time.Minute).Truncate(time.Second)
	token := s.sign(t, jwt.MapClaims{
		"sub": "user-123",
		"exp": expiredAt.Unix(),
	})

	_, err := v.Verify(context.Background(), token)
	var expErr *ExpiredError
	require.ErrorAs(t, err, &expErr)
	assert.Equal(t, expiredAt.Unix(), expErr.ExpiredAt.Unix())
	assert.False(t, expErr.Now.IsZero())
}

func TestVerifyMissingExpiration(t *testing.T) {
	t.Parallel()

	s := newSigner(t, "key-1")
	var doc atomic.Pointer[[]byte]
	ks := keySetJSON(t, s)
	doc.Store(&ks)
	var fetches atomic.Int64
	server := serveKeySet(t, &doc, &fetches)

	v := newVerifier(t, Config{}, server)

	_, err := v.Verify(context.Background(), s.sign(t, jwt.MapClaims{"sub": "user-123"}))
	var claimErr *ClaimError
	require.ErrorAs(t, err, &claimErr)
	assert.Equal(t, "exp", claimErr.Claim)
}

func TestVerifyIssuerMismatch(t *testing.T) {
	t.Parallel()

	s := newSigner(t, "key-1")
	var doc atomic.Pointer[[]byte]
	ks := keySetJSON(t, s)
	doc.Store(&ks)
	var fetches atomic.Int64
	server := serveKeySet(t, &doc, &fetches)

	v := newVerifier(t, Config{Issuer: "https://idp.example.com"}, server)

	token := s.sign(t, jwt.MapClaims{
		"iss": "https://evil.example.com",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err := v.Verify(context.Background(), token)
	var claimErr *ClaimError
	require.ErrorAs(t, err, &claimErr)
	assert.Equal(t, "iss", claimErr.Claim)
}

func TestVerifyAudienceMismatch(t *testing.T) {
	t.Parallel()

	s := newSigner(t, "key-1")
	var doc atomic.Pointer[[]byte]
	ks := keySetJSON(t, s)
	doc.Store(&ks)
	var fetches atomic.Int64
	server := serveKeySet(t, &doc, &fetches)

	v := newVerifier(t, Config{Audience: "gateway"}, server)

	token := s.sign(t, jwt.MapClaims{
		"aud": []string{"other", "service"},
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err := v.Verify(context.Background(), token)
	var claimErr *ClaimError
	require.ErrorAs(t, err, &claimErr)
	assert.Equal(t, "aud", claimErr.Claim)
}

func TestVerifyRefreshesKeysetOnUnknownKid(t *testing.T) {
	t.Parallel()

	old := newSigner(t, "key-1")
	rotated := newSigner(t, "key-2")

	var doc atomic.Pointer[[]byte]
	ks := keySetJSON(t, old)
	doc.Store(&ks)
	var fetches atomic.Int64
	server := serveKeySet(t, &doc, &fetches)

	v := newVerifier(t, Config{}, server)

	// Warm the cache with the pre-rotation key set.
	oldToken := old.sign(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	_, err := v.Verify(context.Background(), oldToken)
	require.NoError(t, err)
	require.Equal(t, int64(1), fetches.Load())

	// The provider rotates; a token signed with the new key forces one
	// re-fetch and then verifies.
	rotatedKS := keySetJSON(t, rotated)
	doc.Store(&rotatedKS)

	newToken := rotated.sign(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	_, err = v.Verify(context.Background(), newToken)
	require.NoError(t, err)
	assert.Equal(t, int64(2), fetches.Load())
}

func TestVerifyUnknownKidAfterRefresh(t *testing.T) {
	t.Parallel()

	s := newSigner(t, "key-1")
	stranger := newSigner(t, "key-unknown")

	var doc atomic.Pointer[[]byte]
	ks := keySetJSON(t, s)
	doc.Store(&ks)
	var fetches atomic.Int64
	server := serveKeySet(t, &doc, &fetches)

	v := newVerifier(t, Config{}, server)

	token := stranger.sign(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	_, err := v.Verify(context.Background(), token)
	require.ErrorIs(t, err, ErrKeyNotFound)
	assert.Equal(t, int64(2), fetches.Load(), "unknown kid forces exactly one re-fetch")
}

func TestVerifyRejectsDisallowedAlgorithm(t *testing.T) {
	t.Parallel()

	s := newSigner(t, "key-1")
	var doc atomic.Pointer[[]byte]
	ks := keySetJSON(t, s)
	doc.Store(&ks)
	var fetches atomic.Int64
	server := serveKeySet(t, &doc, &fetches)

	v := newVerifier(t, Config{}, server)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = "key-1"
	signed, err := token.SignedString([]byte("shared-secret"))
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), signed)
	require.Error(t, err)
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	t.Parallel()

	s := newSigner(t, "key-1")
	imposter := newSigner(t, "key-1")

	var doc atomic.Pointer[[]byte]
	ks := keySetJSON(t, s)
	doc.Store(&ks)
	var fetches atomic.Int64
	server := serveKeySet(t, &doc, &fetches)

	v := newVerifier(t, Config{}, server)

	// Signed with a different private key under the same kid.
	token := imposter.sign(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	_, err := v.Verify(context.Background(), token)
	require.Error(t, err)
}

func TestFromHeader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "bearer token", header: "Bearer abc.def.ghi", want: "abc.def.ghi"},
		{name: "lowercase scheme", header: "bearer abc.def.ghi", want: "abc.def.ghi"},
		{name: "empty header", header: "", wantErr: true},
		{name: "wrong scheme", header: "Basic dXNlcjpwYXNz", wantErr: true},
		{name: "missing token", header: "Bearer", wantErr: true},
		{name: "extra parts", header: "Bearer one two", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := FromHeader(tc.header)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrNoToken)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
