// Package flow drives the browser-facing OAuth flows: building the
// authorization redirect, handling the provider callback, manual token
// submission, refresh, and sign-out.
package flow

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/modelrelay/modelrelay/pkg/auth/discovery"
	"github.com/modelrelay/modelrelay/pkg/auth/exchange"
	"github.com/modelrelay/modelrelay/pkg/auth/state"
	"github.com/modelrelay/modelrelay/pkg/auth/tokencache"
	"github.com/modelrelay/modelrelay/pkg/logger"
)

// pendingTTL bounds how long an authorization redirect stays redeemable.
const pendingTTL = 10 * time.Minute

// State field names carried through the provider round-trip.
const (
	stateFieldAudience  = "audience"
	stateFieldProvider  = "auth_provider"
	stateFieldIssuer    = "issuer"
	stateFieldEmail     = "referring_email"
	stateFieldSubject   = "referring_subject"
	stateFieldURL       = "url"
	stateFieldRequestID = "request_id"
)

// Sentinel errors.
var (
	// ErrUnknownProvider indicates the request names a provider the gateway
	// is not configured for.
	ErrUnknownProvider = errors.New("unknown auth provider")

	// ErrStateNotFound indicates the callback state matches no pending
	// authorization; it was never issued, already redeemed, or expired.
	ErrStateNotFound = errors.New("no pending authorization for state")

	// ErrNotAuthenticated indicates no cached token record exists for the
	// subject and provider.
	ErrNotAuthenticated = errors.New("no cached token record")

	// ErrNoRefreshToken indicates the cached record has no refresh token to
	// redeem.
	ErrNoRefreshToken = errors.New("cached record has no refresh token")

	// ErrRedirectNotAllowed indicates the login request's redirect URL fails
	// the provider's redirect policy.
	ErrRedirectNotAllowed = errors.New("redirect URL not allowed")
)

// ProviderConfig describes one configured identity provider.
type ProviderConfig struct {
	// Name identifies the provider in routes, state, and cache keys.
	Name string

	// WellKnownURL is the provider's OIDC discovery document URL.
	WellKnownURL string

	// ClientID identifies the gateway at the provider.
	ClientID string

	// ClientSecret authenticates the gateway. Ignored when PrivateKeyPEM is set.
	ClientSecret string

	// PrivateKeyPEM authenticates the gateway with a signed assertion and
	// takes precedence over ClientSecret.
	PrivateKeyPEM []byte

	// RedirectURI is the gateway's callback URL registered at the provider.
	RedirectURI string

	// Scopes requested on the authorization redirect.
	Scopes []string

	// ExchangeAudience, when set, enables a second RFC 8693 exchange after
	// code redemption, trading the provider token for one scoped to this
	// audience.
	ExchangeAudience string

	// AllowedRedirectHosts, when non-empty, restricts the hosts a login's
	// post-callback redirect URL may point at. Relative URLs are always
	// allowed; non-http(s) schemes never are.
	AllowedRedirectHosts []string
}

// Validate checks the fields every flow needs.
func (p *ProviderConfig) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if p.WellKnownURL == "" {
		return fmt.Errorf("provider %s: well-known URL is required", p.Name)
	}
	if p.ClientID == "" {
		return fmt.Errorf("provider %s: client ID is required", p.Name)
	}
	if p.RedirectURI == "" {
		return fmt.Errorf("provider %s: redirect URI is required", p.Name)
	}
	return nil
}

// pendingAuthorization holds the server-side half of an in-flight redirect.
type pendingAuthorization struct {
	provider     string
	codeVerifier string
	createdAt    time.Time
}

// LoginRequest describes an authorization redirect to build.
type LoginRequest struct {
	// Provider names the identity provider to send the user to.
	Provider string

	// ReferringSubject and ReferringEmail identify the gateway user the
	// resulting tokens belong to. Subject may be empty for manual flows
	// where it is peeked from the returned token instead.
	ReferringSubject string
	ReferringEmail   string

	// Audience and Issuer are carried through state for bookkeeping.
	Audience string
	Issuer   string

	// RedirectURL is where the user lands after the callback completes.
	RedirectURL string
}

// CallbackResult is the outcome of a completed callback.
type CallbackResult struct {
	Item        *tokencache.Item
	RedirectURL string
	RequestID   string
}

// SubmitRequest is a manually supplied token to cache, for flows completed
// outside the gateway.
type SubmitRequest struct {
	Provider         string
	AccessToken      string
	IDToken          string
	RefreshToken     string
	ReferringSubject string
	ReferringEmail   string
}

// Controller owns the pending-authorization table and coordinates the other
// auth components for each flow.
type Controller struct {
	providers map[string]ProviderConfig
	discovery *discovery.Reader
	store     tokencache.Store
	client    *http.Client

	mu      sync.Mutex
	pending map[string]pendingAuthorization

	// now is swappable for tests.
	now func() time.Time
}

// NewController validates the provider set and creates a Controller.
func NewController(
	providers []ProviderConfig,
	reader *discovery.Reader,
	store tokencache.Store,
	client *http.Client,
) (*Controller, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("at least one provider is required")
	}

	byName := make(map[string]ProviderConfig, len(providers))
	for _, p := range providers {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byName[p.Name]; dup {
			return nil, fmt.Errorf("duplicate provider %q", p.Name)
		}
		byName[p.Name] = p
	}

	return &Controller{
		providers: byName,
		discovery: reader,
		store:     store,
		client:    client,
		pending:   make(map[string]pendingAuthorization),
		now:       time.Now,
	}, nil
}

// provider looks up a configured provider by name.
func (c *Controller) provider(name string) (ProviderConfig, error) {
	cfg, ok := c.providers[name]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return cfg, nil
}

// exchangeClient builds a token endpoint client for the provider, resolving
// the endpoint through discovery.
func (c *Controller) exchangeClient(ctx context.Context, cfg ProviderConfig) (*exchange.Client, error) {
	doc, err := c.discovery.Fetch(ctx, cfg.WellKnownURL)
	if err != nil {
		return nil, fmt.Errorf("discover provider %s: %w", cfg.Name, err)
	}
	return exchange.NewClient(exchange.Config{
		TokenURL:      doc.TokenEndpoint,
		ClientID:      cfg.ClientID,
		ClientSecret:  cfg.ClientSecret,
		PrivateKeyPEM: cfg.PrivateKeyPEM,
		Audience:      cfg.ExchangeAudience,
		HTTPClient:    c.client,
	})
}

// CreateAuthorizationURL builds the provider redirect with a PKCE challenge
// and records the pending authorization keyed by the opaque state.
func (c *Controller) CreateAuthorizationURL(ctx context.Context, req LoginRequest) (string, error) {
	cfg, err := c.provider(req.Provider)
	if err != nil {
		return "", err
	}
	if err := checkRedirectURL(cfg, req.RedirectURL); err != nil {
		return "", err
	}

	doc, err := c.discovery.Fetch(ctx, cfg.WellKnownURL)
	if err != nil {
		return "", fmt.Errorf("discover provider %s: %w", cfg.Name, err)
	}

	requestID := uuid.New()
	stateToken := state.Encode(map[string]string{
		stateFieldAudience:  req.Audience,
		stateFieldProvider:  cfg.Name,
		stateFieldIssuer:    req.Issuer,
		stateFieldEmail:     req.ReferringEmail,
		stateFieldSubject:   req.ReferringSubject,
		stateFieldURL:       req.RedirectURL,
		stateFieldRequestID: hex.EncodeToString(requestID[:]),
	})

	verifier := oauth2.GenerateVerifier()
	c.rememberPending(stateToken, pendingAuthorization{
		provider:     cfg.Name,
		codeVerifier: verifier,
		createdAt:    c.now(),
	})

	conf := oauth2.Config{
		ClientID:    cfg.ClientID,
		RedirectURL: cfg.RedirectURI,
		Scopes:      cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  doc.AuthorizationEndpoint,
			TokenURL: doc.TokenEndpoint,
		},
	}

	authURL := conf.AuthCodeURL(stateToken, oauth2.S256ChallengeOption(verifier))
	logger.Debugw("built authorization redirect",
		"provider", cfg.Name, "request_id", hex.EncodeToString(requestID[:]))
	return authURL, nil
}

// checkRedirectURL enforces the provider's redirect policy on the URL the
// user lands on after the callback. The URL round-trips through the provider
// inside the state parameter, so it is untrusted input.
func checkRedirectURL(cfg ProviderConfig, raw string) error {
	if raw == "" {
		return nil
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedirectNotAllowed, err)
	}
	if parsed.Scheme != "" && parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrRedirectNotAllowed, parsed.Scheme)
	}
	if !parsed.IsAbs() {
		// Relative URLs resolve against the gateway itself.
		return nil
	}
	if len(cfg.AllowedRedirectHosts) == 0 {
		return nil
	}
	for _, host := range cfg.AllowedRedirectHosts {
		if strings.EqualFold(host, parsed.Host) {
			return nil
		}
	}
	return fmt.Errorf("%w: host %q", ErrRedirectNotAllowed, parsed.Host)
}

// rememberPending stores a pending authorization, pruning expired entries.
func (c *Controller) rememberPending(stateToken string, p pendingAuthorization) {
	cutoff := c.now().Add(-pendingTTL)
	c.mu.Lock()
	for key, entry := range c.pending {
		if entry.createdAt.Before(cutoff) {
			delete(c.pending, key)
		}
	}
	c.pending[stateToken] = p
	c.mu.Unlock()
}

// takePending redeems a pending authorization; each state is single-use.
func (c *Controller) takePending(stateToken string) (pendingAuthorization, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[stateToken]
	if !ok {
		return pendingAuthorization{}, false
	}
	delete(c.pending, stateToken)
	if p.createdAt.Before(c.now().Add(-pendingTTL)) {
		return pendingAuthorization{}, false
	}
	return p, true
}

// ProcessCallback redeems the authorization code, optionally exchanges the
// provider token for an audience-scoped one, and replaces the user's cached
// token record.
func (c *Controller) ProcessCallback(ctx context.Context, code, stateToken string) (*CallbackResult, error) {
	fields, err := state.Decode(stateToken)
	if err != nil {
		return nil, err
	}

	pending, ok := c.takePending(stateToken)
	if !ok {
		return nil, ErrStateNotFound
	}

	cfg, err := c.provider(pending.provider)
	if err != nil {
		return nil, err
	}

	client, err := c.exchangeClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tokens, err := client.ExchangeCodeForToken(ctx, code, cfg.RedirectURI, pending.codeVerifier)
	if err != nil {
		return nil, fmt.Errorf("redeem authorization code: %w", err)
	}

	accessToken := tokens.AccessToken
	if cfg.ExchangeAudience != "" {
		exchanged, err := client.ExchangeToken(ctx, exchange.ExchangeRequest{
			SubjectToken: tokens.AccessToken,
		})
		if err != nil {
			return nil, fmt.Errorf("exchange provider token: %w", err)
		}
		accessToken = exchanged.AccessToken
	}

	subject := fields[stateFieldSubject]
	email := fields[stateFieldEmail]
	if subject == "" || email == "" {
		peeked := peekIdentity(tokens.IDToken, accessToken)
		if subject == "" {
			subject = peeked.Subject
		}
		if email == "" {
			email = peeked.Email
		}
	}
	if subject == "" {
		return nil, fmt.Errorf("callback carries no referring subject and tokens have no sub claim")
	}

	item := &tokencache.Item{
		AccessToken:      accessToken,
		IDToken:          tokens.IDToken,
		RefreshToken:     tokens.RefreshToken,
		ClientID:         cfg.ClientID,
		AuthProvider:     cfg.Name,
		ReferringEmail:   email,
		ReferringSubject: subject,
		CreatedAt:        c.now().UTC(),
	}
	if err := tokencache.Replace(ctx, c.store, item); err != nil {
		return nil, fmt.Errorf("cache token record: %w", err)
	}

	logger.Infow("completed authorization callback",
		"provider", cfg.Name, "subject", subject, "request_id", fields[stateFieldRequestID])

	return &CallbackResult{
		Item:        item,
		RedirectURL: fields[stateFieldURL],
		RequestID:   fields[stateFieldRequestID],
	}, nil
}

// peekIdentity reads sub and email from the first token that parses as a
// JWT, preferring the ID token.
func peekIdentity(idToken, accessToken string) *tokencache.Claims {
	for _, raw := range []string{idToken, accessToken} {
		if raw == "" {
			continue
		}
		claims, err := tokencache.PeekClaims(raw)
		if err != nil {
			continue
		}
		if claims.Subject != "" || claims.Email != "" {
			return claims
		}
	}
	return &tokencache.Claims{}
}

// SubmitToken caches a token obtained outside the gateway, replacing any
// existing record for the same subject and provider.
func (c *Controller) SubmitToken(ctx context.Context, req SubmitRequest) (*tokencache.Item, error) {
	cfg, err := c.provider(req.Provider)
	if err != nil {
		return nil, err
	}

	subject := req.ReferringSubject
	email := req.ReferringEmail
	if subject == "" || email == "" {
		peeked := peekIdentity(req.IDToken, req.AccessToken)
		if subject == "" {
			subject = peeked.Subject
		}
		if email == "" {
			email = peeked.Email
		}
	}
	if subject == "" {
		return nil, fmt.Errorf("submitted token has no sub claim and no referring subject was given")
	}

	item := &tokencache.Item{
		AccessToken:      req.AccessToken,
		IDToken:          req.IDToken,
		RefreshToken:     req.RefreshToken,
		ClientID:         cfg.ClientID,
		AuthProvider:     cfg.Name,
		ReferringEmail:   email,
		ReferringSubject: subject,
		CreatedAt:        c.now().UTC(),
	}
	if err := tokencache.Replace(ctx, c.store, item); err != nil {
		return nil, fmt.Errorf("cache token record: %w", err)
	}
	return item, nil
}

// Refresh redeems the cached refresh token and replaces the record. The
// provider may rotate the refresh token; the rotated one is kept.
func (c *Controller) Refresh(ctx context.Context, subject, provider string) (*tokencache.Item, error) {
	cfg, err := c.provider(provider)
	if err != nil {
		return nil, err
	}

	current, err := c.store.Get(ctx, subject, provider)
	if err != nil {
		return nil, fmt.Errorf("load token record: %w", err)
	}
	if current == nil {
		return nil, ErrNotAuthenticated
	}
	if current.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	client, err := c.exchangeClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tokens, err := client.RefreshToken(ctx, current.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	refreshToken := tokens.RefreshToken
	if refreshToken == "" {
		refreshToken = current.RefreshToken
	}

	item := &tokencache.Item{
		AccessToken:      tokens.AccessToken,
		IDToken:          tokens.IDToken,
		RefreshToken:     refreshToken,
		ClientID:         cfg.ClientID,
		AuthProvider:     cfg.Name,
		ReferringEmail:   current.ReferringEmail,
		ReferringSubject: subject,
		CreatedAt:        c.now().UTC(),
	}
	if err := tokencache.Replace(ctx, c.store, item); err != nil {
		return nil, fmt.Errorf("cache token record: %w", err)
	}
	return item, nil
}

// SignOut drops the cached record and returns the provider's end-session
// URL when it publishes one, so the caller can finish the logout upstream.
func (c *Controller) SignOut(ctx context.Context, subject, provider string) (string, error) {
	cfg, err := c.provider(provider)
	if err != nil {
		return "", err
	}

	if err := c.store.Delete(ctx, subject, provider); err != nil {
		return "", fmt.Errorf("delete token record: %w", err)
	}

	doc, err := c.discovery.Fetch(ctx, cfg.WellKnownURL)
	if err != nil {
		// The local record is already gone; the upstream logout URL is
		// best effort.
		logger.Warnf("Failed to discover end-session endpoint for %s: %v", cfg.Name, err)
		return "", nil
	}

	logger.Infow("signed out", "provider", cfg.Name, "subject", subject)
	return doc.EndSessionEndpoint, nil
}
