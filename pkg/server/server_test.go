package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/pkg/auth/discovery"
	"github.com/modelrelay/modelrelay/pkg/auth/exchange"
	"github.com/modelrelay/modelrelay/pkg/auth/flow"
	"github.com/modelrelay/modelrelay/pkg/auth/jwks"
	"github.com/modelrelay/modelrelay/pkg/auth/service"
	"github.com/modelrelay/modelrelay/pkg/auth/tokencache"
	"github.com/modelrelay/modelrelay/pkg/auth/verifier"
	"github.com/modelrelay/modelrelay/pkg/telemetry"
)

// testIDP is a fake identity provider backing the router tests: discovery,
// token, and JWKS endpoints on one server.
type testIDP struct {
	server *httptest.Server
	key    *rsa.PrivateKey
	kid    string
}

func newTestIDP(t *testing.T) *testIDP {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	idp := &testIDP{key: key, kid: "key-1"}

	mux := http.NewServeMux()
	mux.HandleFunc("/discovery", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"issuer": %q,
			"authorization_endpoint": %q,
			"token_endpoint": %q,
			"jwks_uri": %q,
			"end_session_endpoint": %q
		}`, idp.server.URL, idp.server.URL+"/authorize", idp.server.URL+"/token",
			idp.server.URL+"/keys", idp.server.URL+"/logout")
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			fmt.Fprintf(w, `{
				"access_token": %q,
				"refresh_token": "provider-refresh",
				"token_type": "Bearer",
				"expires_in": 3600
			}`, idp.signToken(t, "user-1", time.Now().Add(time.Hour)))
		case "client_credentials":
			fmt.Fprint(w, `{
				"access_token": "service-access",
				"token_type": "Bearer",
				"expires_in": 3600
			}`)
		default:
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error": "unsupported_grant_type"}`)
		}
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, _ *http.Request) {
		pub, err := jwk.Import(idp.key.Public())
		require.NoError(t, err)
		require.NoError(t, pub.Set(jwk.KeyIDKey, idp.kid))
		set := jwk.NewSet()
		require.NoError(t, set.AddKey(pub))
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(set))
	})

	idp.server = httptest.NewServer(mux)
	t.Cleanup(idp.server.Close)
	return idp
}

func (idp *testIDP) signToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   idp.server.URL,
		"sub":   sub,
		"email": sub + "@example.com",
		"exp":   exp.Unix(),
	})
	token.Header["kid"] = idp.kid
	signed, err := token.SignedString(idp.key)
	require.NoError(t, err)
	return signed
}

// newTestDeps wires a router's dependencies against the fake provider.
func newTestDeps(t *testing.T, idp *testIDP, store tokencache.Store) Deps {
	t.Helper()

	controller, err := flow.NewController([]flow.ProviderConfig{{
		Name:         "okta",
		WellKnownURL: idp.server.URL + "/discovery",
		ClientID:     "client-1",
		ClientSecret: "shhh",
		RedirectURI:  "https://gw.example.com/auth/callback",
		Scopes:       []string{"openid", "email"},
	}}, discovery.NewReader(idp.server.Client()), store, idp.server.Client())
	require.NoError(t, err)

	keyset := jwks.NewCache(func(context.Context, string) (string, error) {
		return idp.server.URL + "/keys", nil
	}, idp.server.Client(), jwks.DefaultTTL)

	metrics, err := telemetry.New()
	require.NoError(t, err)

	issuer, err := exchange.NewClient(exchange.Config{
		TokenURL:     idp.server.URL + "/token",
		ClientID:     "client-1",
		ClientSecret: "shhh",
		HTTPClient:   idp.server.Client(),
	})
	require.NoError(t, err)
	services := service.NewRegistry()
	services.Register("okta", service.NewManager(issuer))

	return Deps{
		Flow:  controller,
		Store: store,
		Verifiers: map[string]*verifier.Verifier{
			"okta": verifier.New(verifier.Config{
				Provider: "okta",
				Issuer:   idp.server.URL,
			}, keyset),
		},
		Services: services,
		Metrics:  metrics,
	}
}

// noRedirect performs a request without following redirects.
func noRedirect(t *testing.T, router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthcheck(t *testing.T) {
	t.Parallel()

	idp := newTestIDP(t)
	router := NewRouter(newTestDeps(t, idp, tokencache.NewMemoryStore()))

	rec := noRedirect(t, router, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

// brokenStore fails every operation, simulating an unreachable cache.
type brokenStore struct{}

func (brokenStore) Save(context.Context, *tokencache.Item) error { return errors.New("down") }
func (brokenStore) Get(context.Context, string, string) (*tokencache.Item, error) {
	return nil, errors.New("down")
}
func (brokenStore) Delete(context.Context, string, string) error { return errors.New("down") }
func (brokenStore) Ping(context.Context) error                   { return errors.New("down") }
func (brokenStore) Close() error                                 { return nil }

func TestHealthcheckUnhealthyStore(t *testing.T) {
	t.Parallel()

	idp := newTestIDP(t)
	router := NewRouter(newTestDeps(t, idp, brokenStore{}))

	rec := noRedirect(t, router, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLoginRedirectsToProvider(t *testing.T) {
	t.Parallel()

	idp := newTestIDP(t)
	router := NewRouter(newTestDeps(t, idp, tokencache.NewMemoryStore()))

	req := httptest.NewRequest(http.MethodGet,
		"/auth/okta/login?subject=user-1&email=user-1@example.com&redirect_url=https://app.example.com/done", nil)
	rec := noRedirect(t, router, req)

	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/authorize", location.Path)
	assert.Equal(t, "client-1", location.Query().Get("client_id"))
	assert.NotEmpty(t, location.Query().Get("state"))
	assert.NotEmpty(t, location.Query().Get("code_challenge"))
}

func TestLoginUnknownProvider(t *testing.T) {
	t.Parallel()

	idp := newTestIDP(t)
	router := NewRouter(newTestDeps(t, idp, tokencache.NewMemoryStore()))

	rec := noRedirect(t, router, httptest.NewRequest(http.MethodGet, "/auth/nope/login", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCallbackCompletesFlow(t *testing.T) {
	t.Parallel()

	idp := newTestIDP(t)
	store := tokencache.NewMemoryStore()
	router := NewRouter(newTestDeps(t, idp, store))

	loginReq := httptest.NewRequest(http.MethodGet,
		"/auth/okta/login?subject=user-1&redirect_url=https://app.example.com/done", nil)
	loginRec := noRedirect(t, router, loginReq)
	require.Equal(t, http.StatusFound, loginRec.Code)

	location, err := url.Parse(loginRec.Header().Get("Location"))
	require.NoError(t, err)
	stateToken := location.Query().Get("state")
	require.NotEmpty(t, stateToken)

	callbackURL := "/auth/callback?code=authcode&state=" + url.QueryEscape(stateToken)
	rec := noRedirect(t, router, httptest.NewRequest(http.MethodGet, callbackURL, nil))

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://app.example.com/done", rec.Header().Get("Location"))

	item, err := store.Get(context.Background(), "user-1", "okta")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "provider-refresh", item.RefreshToken)
}

func TestCallbackWithoutRedirectReturnsSummary(t *testing.T) {
	t.Parallel()

	idp := newTestIDP(t)
	router := NewRouter(newTestDeps(t, idp, tokencache.NewMemoryStore()))

	loginRec := noRedirect(t, router,
		httptest.NewRequest(http.MethodGet, "/auth/okta/login?subject=user-1", nil))
	require.Equal(t, http.StatusFound, loginRec.Code)
	location, err := url.Parse(loginRec.Header().Get("Location"))
	require.NoError(t, err)
	stateToken := location.Query().Get("state")

	callbackURL := "/auth/callback?code=authcode&state=" + url.QueryEscape(stateToken)
	rec := noRedirect(t, router, httptest.NewRequest(http.MethodGet, callbackURL, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp tokenRecordResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "user-1", resp.Subject)
	assert.Equal(t, "okta", resp.Provider)
	assert.True(t, resp.HasRefreshToken)
	assert.NotContains(t, rec.Body.String(), "provider-refresh",
		"raw tokens must never appear in responses")
}

func TestCallbackProviderError(t *testing.T) {
	t.Parallel()

	idp := newTestIDP(t)
	router := NewRouter(newTestDeps(t, idp, tokencache.NewMemoryStore()))

	req := httptest.NewRequest(http.MethodGet,
		"/auth/callback?error=access_denied&error_description=user+cancelled", nil)
	rec := noRedirect(t, router, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "access_denied")
}

func TestCallbackMissingParams(t *testing.T) {
	t.Parallel()

	idp := newTestIDP(t)
	router := NewRouter(newTestDeps(t, idp, tokencache.NewMemoryStore()))

	rec := noRedirect(t, router, httptest.NewRequest(http.MethodGet, "/auth/callback?code=x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackUnknownState(t *testing.T) {
	t.Parallel()

	idp := newTestIDP(t)
	router := NewRouter(newTestDeps(t, idp, tokencache.NewMemoryStore()))

	// Well-formed state that the gateway never issued.
	rec := noRedirect(t, router, httptest.NewRequest(http.MethodGet,
		"/auth/callback?code=x&state=eyJhdXRoX3Byb3ZpZGVyIjoib2t0YSJ9", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitToken(t *testing.T) {
	t.Parallel()

	idp := newTestIDP(t)
	store := tokencache.NewMemoryStore()
	router := NewRouter(newTestDeps(t, idp, store))

	body, err := json.Marshal(map[string]string{
		"access_token": idp.signToken(t, "user-7", time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)

	rec := noRedirect(t, router,
		httptest.NewRequest(http.MethodPost, "/auth/okta/token", bytes.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp tokenRecordResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "user-7", resp.Subject)
	assert.Equal(t, "user-7@example.com", resp.Email)
	assert.NotEmpty(t, resp.ExpiresAt)

	item, err := store.Get(context.Background(), "user-7", "okta")
	require.NoError(t, err)
	require.NotNil(t, item)
}

func TestSubmitTokenRejectsEmptyBody(t *testing.T) {
	t.Parallel()

	idp := newTestIDP(t)
	router := NewRouter(newTestDeps(t, idp, tokencache.NewMemoryStore()))

	rec := noRedirect(t, router,
		httptest.NewRequest(http.MethodPost, "/auth/okta/token", bytes.NewReader([]byte(`{}`))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshWithoutRecord(t *testing.T) {
	t.Parallel()

	idp := newTestIDP(t)
	router := NewRouter(newTestDeps(t, idp, tokencache.NewMemoryStore()))

	body := bytes.NewReader([]byte(`{"subject": "ghost"}`))
	rec := noRedirect(t, router, httptest.NewRequest(http.MethodPost, "/auth/okta/refresh", body))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSignOut(t *testing.T) {
	t.Parallel()

	idp := newTestIDP(t)
	store := tokencache.NewMemoryStore()
	router := NewRouter(newTestDeps(t, idp, store))

	require.NoError(t, store.Save(context.Background(), &tokencache.Item{
		AccessToken:      "cached-access",
		AuthProvider:     "okta",
		ReferringSubject: "user-1",
		CreatedAt:        time.Now().UTC(),
	}))

	body := bytes.NewReader([]byte(`{"subject": "user-1"}`))
	rec := noRedirect(t, router, httptest.NewRequest(http.MethodPost, "/auth/okta/sign_out", body))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp signOutResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, idp.server.URL+"/logout", resp.EndSessionEndpoint)

	item, err := store.Get(context.Background(), "user-1", "okta")
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestWhoami(t *testing.T) {
	t.Parallel()

	idp := newTestIDP(t)
	router := NewRouter(newTestDeps(t, idp, tokencache.NewMemoryStore()))

	req := httptest.NewRequest(http.MethodGet, "/auth/okta/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+idp.signToken(t, "user-9", time.Now().Add(time.Hour)))
	rec := noRedirect(t, router, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp whoamiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "user-9", resp.Subject)
	assert.Equal(t, idp.server.URL, resp.Issuer)
	assert.Equal(t, "user-9@example.com", resp.Email)
}

func TestWhoamiWithoutToken(t *testing.T) {
	t.Parallel()

	idp := newTestIDP(t)
	router := NewRouter(newTestDeps(t, idp, tokencache.NewMemoryStore()))

	rec := noRedirect(t, router, httptest.NewRequest(http.MethodGet, "/auth/okta/whoami", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWhoamiExpiredToken(t *testing.T) {
	t.Parallel()

	idp := newTestIDP(t)
	router := NewRouter(newTestDeps(t, idp, tokencache.NewMemoryStore()))

	req := httptest.NewRequest(http.MethodGet, "/auth/okta/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+idp.signToken(t, "user-9", time.Now().Add(-time.Minute)))
	rec := noRedirect(t, router, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServiceToken(t *testing.T) {
	t.Parallel()

	idp := newTestIDP(t)
	router := NewRouter(newTestDeps(t, idp, tokencache.NewMemoryStore()))

	rec := noRedirect(t, router,
		httptest.NewRequest(http.MethodGet, "/auth/okta/service_token", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp serviceTokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Bearer service-access", resp.Authorization)
}

func TestServiceTokenUnknownProvider(t *testing.T) {
	t.Parallel()

	idp := newTestIDP(t)
	router := NewRouter(newTestDeps(t, idp, tokencache.NewMemoryStore()))

	rec := noRedirect(t, router,
		httptest.NewRequest(http.MethodGet, "/auth/nope/service_token", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServiceTokenClear(t *testing.T) {
	t.Parallel()

	idp := newTestIDP(t)
	router := NewRouter(newTestDeps(t, idp, tokencache.NewMemoryStore()))

	rec := noRedirect(t, router,
		httptest.NewRequest(http.MethodPost, "/auth/okta/service_token/clear", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestServeShutsDownOnContextCancel(t *testing.T) {
	t.Parallel()

	idp := newTestIDP(t)
	deps := newTestDeps(t, idp, tokencache.NewMemoryStore())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, "127.0.0.1:0", deps)
	}()

	// Give the listener a moment to come up before cancelling.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
