// Package exchange talks to OAuth 2.0 token endpoints: authorization code
// redemption with PKCE, token exchange (RFC 8693), client credentials, and
// refresh token grants.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/modelrelay/modelrelay/pkg/auth/assertion"
	"github.com/modelrelay/modelrelay/pkg/logger"
)

const (
	// grantTypeTokenExchange is the OAuth 2.0 Token Exchange grant type (RFC 8693)
	//nolint:gosec // G101: False positive - these are OAuth2 URN identifiers, not credentials
	grantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"

	grantTypeAuthorizationCode = "authorization_code"
	grantTypeClientCredentials = "client_credentials"
	grantTypeRefreshToken      = "refresh_token"

	// TokenTypeAccessToken indicates an OAuth 2.0 access token
	//nolint:gosec // G101: False positive - these are OAuth2 URN identifiers, not credentials
	TokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token"

	// TokenTypeIDToken indicates an OIDC ID token
	//nolint:gosec // G101: False positive - these are OAuth2 URN identifiers, not credentials
	TokenTypeIDToken = "urn:ietf:params:oauth:token-type:id_token"

	// clientAssertionType is the private_key_jwt assertion type (RFC 7523)
	//nolint:gosec // G101: False positive - these are OAuth2 URN identifiers, not credentials
	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	// defaultHTTPTimeout is the timeout for HTTP requests
	defaultHTTPTimeout = 30 * time.Second

	// maxResponseBodySize is the maximum size for reading response bodies (1 MB)
	maxResponseBodySize = 1 << 20

	// maxErrorBodySize caps how much of an error response is kept on the error
	maxErrorBodySize = 256

	// redactedPlaceholder is used to redact sensitive values in string representations
	redactedPlaceholder = "[REDACTED]"

	// emptyPlaceholder is used to indicate empty/missing values in string representations
	emptyPlaceholder = "<empty>"
)

// Sentinel errors.
var (
	// ErrConfiguration indicates the client lacks the credentials the
	// requested grant needs. It is returned before any network I/O.
	ErrConfiguration = errors.New("token endpoint client misconfigured")

	// ErrEndpointUnavailable indicates the token endpoint could not be
	// reached at the transport level.
	ErrEndpointUnavailable = errors.New("token endpoint unreachable")
)

// EndpointError indicates the token endpoint answered with a non-2xx status.
// When the body was a standard OAuth error response (RFC 6749 Section 5.2)
// the error code and description are carried; otherwise a truncated body is.
type EndpointError struct {
	Status      int
	OAuthError  string
	Description string
	Body        string
}

// Error implements the error interface.
func (e *EndpointError) Error() string {
	if e.OAuthError != "" {
		if e.Description != "" {
			return fmt.Sprintf("token endpoint error %q (status %d): %s", e.OAuthError, e.Status, e.Description)
		}
		return fmt.Sprintf("token endpoint error %q (status %d)", e.OAuthError, e.Status)
	}
	return fmt.Sprintf("token endpoint returned status %d", e.Status)
}

// newEndpointError builds an EndpointError from a failed response, parsing
// an OAuth error body when one is present.
func newEndpointError(statusCode int, body []byte) *EndpointError {
	endpointErr := &EndpointError{Status: statusCode}

	var oauthErr struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description,omitempty"`
	}
	if err := json.Unmarshal(body, &oauthErr); err == nil && oauthErr.Error != "" {
		endpointErr.OAuthError = oauthErr.Error
		endpointErr.Description = oauthErr.ErrorDescription
		return endpointErr
	}

	trimmed := strings.TrimSpace(string(body))
	if len(trimmed) > maxErrorBodySize {
		trimmed = trimmed[:maxErrorBodySize]
	}
	endpointErr.Body = trimmed
	return endpointErr
}

// defaultHTTPClient is the default HTTP client used for token endpoint requests.
var defaultHTTPClient = &http.Client{
	Timeout: defaultHTTPTimeout,
}

// TokenResponse is the uniform decoded response from any token endpoint grant.
type TokenResponse struct {
	AccessToken     string `json:"access_token"`
	IDToken         string `json:"id_token,omitempty"`
	RefreshToken    string `json:"refresh_token,omitempty"`
	TokenType       string `json:"token_type"`
	IssuedTokenType string `json:"issued_token_type,omitempty"`
	ExpiresIn       int    `json:"expires_in,omitempty"`
	Scope           string `json:"scope,omitempty"`
}

// String implements fmt.Stringer for TokenResponse, redacting sensitive tokens.
func (r TokenResponse) String() string {
	redact := func(v string) string {
		if v == "" {
			return emptyPlaceholder
		}
		return redactedPlaceholder
	}
	return fmt.Sprintf("TokenResponse{AccessToken: %s, IDToken: %s, RefreshToken: %s, TokenType: %s, ExpiresIn: %d}",
		redact(r.AccessToken), redact(r.IDToken), redact(r.RefreshToken), r.TokenType, r.ExpiresIn)
}

// OAuth2Token converts the response into an oauth2.Token.
func (r *TokenResponse) OAuth2Token() *oauth2.Token {
	token := &oauth2.Token{
		AccessToken:  r.AccessToken,
		TokenType:    r.TokenType,
		RefreshToken: r.RefreshToken,
	}
	if r.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(r.ExpiresIn) * time.Second)
	}
	return token
}

// Config holds the configuration for a token endpoint client.
type Config struct {
	// TokenURL is the OAuth 2.0 token endpoint URL
	TokenURL string

	// ClientID is the OAuth 2.0 client identifier
	ClientID string

	// ClientSecret authenticates the client via HTTP Basic Auth. Ignored
	// when PrivateKeyPEM is set.
	ClientSecret string

	// PrivateKeyPEM, when set, authenticates the client with a signed
	// assertion (private_key_jwt) and takes precedence over ClientSecret.
	PrivateKeyPEM []byte

	// Audience is the target audience for exchanged tokens (optional per RFC 8693)
	Audience string

	// Scopes is the list of scopes to request (optional)
	Scopes []string

	// HTTPClient is the HTTP client to use for token endpoint requests.
	// If nil, defaultHTTPClient will be used.
	HTTPClient *http.Client
}

// String implements fmt.Stringer for Config, redacting the client secret.
func (c Config) String() string {
	clientSecret := redactedPlaceholder
	if c.ClientSecret == "" {
		clientSecret = emptyPlaceholder
	}
	return fmt.Sprintf("Config{TokenURL: %s, ClientID: %s, ClientSecret: %s, PrivateKey: %t, Audience: %s}",
		c.TokenURL, c.ClientID, clientSecret, len(c.PrivateKeyPEM) > 0, c.Audience)
}

// Validate checks if the Config contains all required fields.
func (c *Config) Validate() error {
	if c.TokenURL == "" {
		return fmt.Errorf("%w: TokenURL is required", ErrConfiguration)
	}
	if c.ClientID == "" {
		return fmt.Errorf("%w: ClientID is required", ErrConfiguration)
	}
	if _, err := url.Parse(c.TokenURL); err != nil {
		return fmt.Errorf("%w: TokenURL is not a valid URL: %v", ErrConfiguration, err)
	}
	return nil
}

// confidential reports whether the client holds a credential usable for
// grants that require client authentication.
func (c *Config) confidential() bool {
	return len(c.PrivateKeyPEM) > 0 || c.ClientSecret != ""
}

// Client performs grants against a single token endpoint.
type Client struct {
	cfg    Config
	signer *assertion.Signer
}

// NewClient creates a Client, validating the configuration up front.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, signer: assertion.NewSigner()}, nil
}

// ExchangeRequest contains fields necessary to make an OAuth 2.0 token
// exchange. Based on RFC 8693: https://datatracker.ietf.org/doc/html/rfc8693
type ExchangeRequest struct {
	// SubjectToken is the token being exchanged (required)
	SubjectToken string

	// SubjectTokenType defaults to the access token URN
	SubjectTokenType string

	// ActorToken, when set, marks a delegation: the actor acts on behalf
	// of the subject token holder
	ActorToken     string
	ActorTokenType string

	// Audience overrides the client's configured audience when set
	Audience string

	// Resource is the target service URI (optional)
	Resource string

	// Scopes overrides the client's configured scopes when set
	Scopes []string
}

// String implements fmt.Stringer for ExchangeRequest, redacting sensitive tokens.
func (r ExchangeRequest) String() string {
	subjectToken := redactedPlaceholder
	if r.SubjectToken == "" {
		subjectToken = emptyPlaceholder
	}

	actorToken := "<none>"
	if r.ActorToken != "" {
		actorToken = redactedPlaceholder
	}

	return fmt.Sprintf("ExchangeRequest{Audience: %s, Scopes: %v, SubjectToken: %s, ActorToken: %s}",
		r.Audience, r.Scopes, subjectToken, actorToken)
}

// ExchangeCodeForToken redeems an authorization code. The PKCE code verifier
// must match the challenge sent on the authorization request. Public clients
// (no secret, no key) are allowed for this grant.
func (c *Client) ExchangeCodeForToken(ctx context.Context, code, redirectURI, codeVerifier string) (*TokenResponse, error) {
	if code == "" {
		return nil, fmt.Errorf("authorization code is required")
	}

	data := url.Values{}
	data.Set("grant_type", grantTypeAuthorizationCode)
	data.Set("code", code)
	if redirectURI != "" {
		data.Set("redirect_uri", redirectURI)
	}
	if codeVerifier != "" {
		data.Set("code_verifier", codeVerifier)
	}

	return c.post(ctx, data)
}

// ExchangeToken performs an RFC 8693 token exchange. Requires client
// authentication.
func (c *Client) ExchangeToken(ctx context.Context, request ExchangeRequest) (*TokenResponse, error) {
	if !c.cfg.confidential() {
		return nil, fmt.Errorf("%w: token exchange requires a client secret or private key", ErrConfiguration)
	}
	if request.SubjectToken == "" {
		return nil, fmt.Errorf("subject_token is required")
	}

	if request.SubjectTokenType == "" {
		request.SubjectTokenType = TokenTypeAccessToken
	}

	data := url.Values{}
	data.Set("grant_type", grantTypeTokenExchange)
	data.Set("subject_token", request.SubjectToken)
	data.Set("subject_token_type", request.SubjectTokenType)
	data.Set("requested_token_type", TokenTypeAccessToken)

	audience := request.Audience
	if audience == "" {
		audience = c.cfg.Audience
	}
	if audience != "" {
		data.Set("audience", audience)
	}

	scopes := request.Scopes
	if len(scopes) == 0 {
		scopes = c.cfg.Scopes
	}
	if len(scopes) > 0 {
		data.Set("scope", strings.Join(scopes, " "))
	}
	if request.Resource != "" {
		data.Set("resource", request.Resource)
	}
	if request.ActorToken != "" {
		data.Set("actor_token", request.ActorToken)
		actorType := request.ActorTokenType
		if actorType == "" {
			actorType = TokenTypeAccessToken
		}
		data.Set("actor_token_type", actorType)
	}

	resp, err := c.post(ctx, data)
	if err != nil {
		return nil, err
	}
	if resp.IssuedTokenType == "" {
		return nil, fmt.Errorf("token exchange: server returned empty issued_token_type (required by RFC 8693)")
	}
	return resp, nil
}

// ClientCredentialsToken obtains a token for the client itself. Requires
// client authentication.
func (c *Client) ClientCredentialsToken(ctx context.Context) (*TokenResponse, error) {
	if !c.cfg.confidential() {
		return nil, fmt.Errorf("%w: client_credentials requires a client secret or private key", ErrConfiguration)
	}

	data := url.Values{}
	data.Set("grant_type", grantTypeClientCredentials)
	if len(c.cfg.Scopes) > 0 {
		data.Set("scope", strings.Join(c.cfg.Scopes, " "))
	}
	if c.cfg.Audience != "" {
		data.Set("audience", c.cfg.Audience)
	}

	return c.post(ctx, data)
}

// RefreshToken redeems a refresh token for a fresh access token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh_token is required")
	}

	data := url.Values{}
	data.Set("grant_type", grantTypeRefreshToken)
	data.Set("refresh_token", refreshToken)
	if len(c.cfg.Scopes) > 0 {
		data.Set("scope", strings.Join(c.cfg.Scopes, " "))
	}

	return c.post(ctx, data)
}

// tokenSource implements oauth2.TokenSource over an RFC 8693 exchange.
type tokenSource struct {
	ctx     context.Context
	client  *Client
	subject func() (string, error)
}

// Token implements the oauth2.TokenSource interface.
func (ts *tokenSource) Token() (*oauth2.Token, error) {
	subjectToken, err := ts.subject()
	if err != nil {
		return nil, fmt.Errorf("failed to get subject token: %w", err)
	}

	resp, err := ts.client.ExchangeToken(ts.ctx, ExchangeRequest{SubjectToken: subjectToken})
	if err != nil {
		return nil, err
	}
	return resp.OAuth2Token(), nil
}

// TokenSource returns an oauth2.TokenSource that exchanges the subject token
// returned by the provider on each call. The provider is a function so the
// token can be loaded lazily, e.g. from request context.
func (c *Client) TokenSource(ctx context.Context, subjectTokenProvider func() (string, error)) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, client: c, subject: subjectTokenProvider}
}

// post sends a form-encoded grant request with client authentication applied
// and decodes the uniform token response.
func (c *Client) post(ctx context.Context, data url.Values) (*TokenResponse, error) {
	req, err := c.newRequest(ctx, data)
	if err != nil {
		return nil, err
	}

	client := c.cfg.HTTPClient
	if client == nil {
		client = defaultHTTPClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEndpointUnavailable, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Debugf("Failed to close token response body: %v", err)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrEndpointUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		endpointErr := newEndpointError(resp.StatusCode, body)
		logger.Debugw("token endpoint request failed",
			"status", endpointErr.Status, "oauth_error", endpointErr.OAuthError)
		return nil, endpointErr
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, errors.New("failed to parse token endpoint response")
	}
	if tokenResp.AccessToken == "" {
		return nil, errors.New("token endpoint returned empty access_token")
	}
	if tokenResp.TokenType == "" {
		return nil, errors.New("token endpoint returned empty token_type")
	}

	logger.Debugw("token endpoint grant succeeded",
		"grant_type", data.Get("grant_type"), "expires_in", tokenResp.ExpiresIn)
	return &tokenResp, nil
}

// newRequest builds the POST and applies client authentication. A private
// key always wins over a client secret; with neither, only client_id is sent.
func (c *Client) newRequest(ctx context.Context, data url.Values) (*http.Request, error) {
	switch {
	case len(c.cfg.PrivateKeyPEM) > 0:
		signed, err := c.signer.Sign(c.cfg.ClientID, c.cfg.TokenURL, c.cfg.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("build client assertion: %w", err)
		}
		data.Set("client_id", c.cfg.ClientID)
		data.Set("client_assertion_type", clientAssertionType)
		data.Set("client_assertion", signed)
	case c.cfg.ClientSecret != "":
		// Credentials go in the Basic Auth header per RFC 6749 Section 2.3.1.
	default:
		data.Set("client_id", c.cfg.ClientID)
	}

	encodedData := data.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(encodedData))
	if err != nil {
		return nil, fmt.Errorf("failed to create token endpoint request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Content-Length", strconv.Itoa(len(encodedData)))

	if len(c.cfg.PrivateKeyPEM) == 0 && c.cfg.ClientSecret != "" {
		// Per RFC 6749, credentials must be URL-encoded before Basic Auth.
		req.SetBasicAuth(url.QueryEscape(c.cfg.ClientID), url.QueryEscape(c.cfg.ClientSecret))
	}

	return req, nil
}
