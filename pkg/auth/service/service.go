// Package service manages the gateway's own service tokens, obtained with
// the client_credentials grant and cached until shortly before expiry.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/modelrelay/modelrelay/pkg/auth/exchange"
	"github.com/modelrelay/modelrelay/pkg/auth/tokencache"
	"github.com/modelrelay/modelrelay/pkg/logger"
)

// ExpiryBuffer is how long before actual expiry a cached token is treated
// as expired, covering clock skew and in-flight request time.
const ExpiryBuffer = 60 * time.Second

// Issuer obtains a fresh service token. *exchange.Client satisfies it.
type Issuer interface {
	ClientCredentialsToken(ctx context.Context) (*exchange.TokenResponse, error)
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// valid reports whether the token is usable at now, applying ExpiryBuffer.
// A token without a known expiry never goes stale.
func (t *cachedToken) valid(now time.Time) bool {
	if t == nil || t.value == "" {
		return false
	}
	if t.expiresAt.IsZero() {
		return true
	}
	return now.Add(ExpiryBuffer).Before(t.expiresAt)
}

// Manager caches one service token. The lock is held across the refresh so
// concurrent callers wait for one issuance instead of stampeding the
// provider.
type Manager struct {
	issuer Issuer

	mu      sync.Mutex
	current *cachedToken

	// now is swappable for tests.
	now func() time.Time
}

// NewManager creates a Manager over the given issuer.
func NewManager(issuer Issuer) *Manager {
	return &Manager{issuer: issuer, now: time.Now}
}

// Token returns the cached token, refreshing it when missing or within
// ExpiryBuffer of expiry.
func (m *Manager) Token(ctx context.Context) (string, error) {
	token, err := m.token(ctx, false)
	if err != nil {
		return "", err
	}
	return token.value, nil
}

// ForceRefresh discards the cached token and issues a fresh one, for callers
// whose downstream rejected the current token before its expiry.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	token, err := m.token(ctx, true)
	if err != nil {
		return "", err
	}
	return token.value, nil
}

// token returns the current cached token, issuing a new one when it is
// missing, within ExpiryBuffer of expiry, or force is set. The returned
// cachedToken is immutable, so callers may read it after the lock is
// released even while Clear runs concurrently.
func (m *Manager) token(ctx context.Context, force bool) (*cachedToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-check under the lock: another caller may have refreshed while we
	// waited for it.
	if !force && m.current.valid(m.now()) {
		return m.current, nil
	}

	resp, err := m.issuer.ClientCredentialsToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("issue service token: %w", err)
	}

	token := &cachedToken{value: resp.AccessToken, expiresAt: m.expiry(resp)}
	m.current = token

	logger.Debugw("issued service token", "expires_at", token.expiresAt)
	return token, nil
}

// expiry determines when the token expires: expires_in when the endpoint
// reports one, the token's own exp claim otherwise.
func (m *Manager) expiry(resp *exchange.TokenResponse) time.Time {
	if resp.ExpiresIn > 0 {
		return m.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	if claims, err := tokencache.PeekClaims(resp.AccessToken); err == nil {
		return claims.ExpiresAt
	}
	return time.Time{}
}

// AuthorizationHeader returns the token formatted as a Bearer header value.
func (m *Manager) AuthorizationHeader(ctx context.Context) (string, error) {
	token, err := m.Token(ctx)
	if err != nil {
		return "", err
	}
	return "Bearer " + token, nil
}

// Clear drops the cached token; the next Token call issues a fresh one.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
}

// tokenSource adapts a Manager to oauth2.TokenSource.
type tokenSource struct {
	ctx     context.Context
	manager *Manager
}

// Token implements the oauth2.TokenSource interface.
func (ts *tokenSource) Token() (*oauth2.Token, error) {
	// Use the snapshot from the issuance itself; reading manager.current
	// here would race with a concurrent Clear.
	token, err := ts.manager.token(ts.ctx, false)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: token.value, TokenType: "Bearer", Expiry: token.expiresAt}, nil
}

// TokenSource returns an oauth2.TokenSource backed by the manager's cache.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, manager: m}
}

// Registry holds one Manager per named provider.
type Registry struct {
	mu       sync.RWMutex
	managers map[string]*Manager
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{managers: make(map[string]*Manager)}
}

// Register adds a manager under the given name, replacing any previous one.
func (r *Registry) Register(name string, m *Manager) {
	r.mu.Lock()
	r.managers[name] = m
	r.mu.Unlock()
}

// Get returns the manager for the name, or nil when none is registered.
func (r *Registry) Get(name string) *Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.managers[name]
}

// Clear drops the cached token for one provider.
func (r *Registry) Clear(name string) {
	if m := r.Get(name); m != nil {
		m.Clear()
	}
}

// ClearAll drops every provider's cached token.
func (r *Registry) ClearAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.managers {
		m.Clear()
	}
}
