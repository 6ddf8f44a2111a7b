// Package jwks caches identity providers' JSON Web Key Sets.
//
// Each provider's key set is cached for a fixed TTL. Concurrent fetches for
// the same provider are collapsed into a single network call; different
// providers fetch independently.
package jwks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/singleflight"

	"github.com/modelrelay/modelrelay/pkg/logger"
)

const (
	// DefaultTTL is how long a fetched key set is served before the next
	// lookup triggers a re-fetch.
	DefaultTTL = time.Hour

	// defaultTimeout bounds a single JWKS fetch.
	defaultTimeout = 10 * time.Second

	// maxResponseSize limits JWKS response bodies (1 MB).
	maxResponseSize = 1 << 20
)

// ErrUnavailable indicates the JWKS endpoint could not be reached at all.
// Callers should treat this as retryable but still fail the request at hand.
var ErrUnavailable = errors.New("keyset unavailable")

// FetchError indicates the JWKS endpoint answered with a non-2xx status.
type FetchError struct {
	URL    string
	Status int
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch keyset from %s: HTTP %d", e.URL, e.Status)
}

// URIResolver maps a provider name to its JWKS URI, typically via the
// provider's discovery document.
type URIResolver func(ctx context.Context, provider string) (string, error)

type entry struct {
	set     jwk.Set
	fetched time.Time
}

// Cache fetches and caches key sets per provider.
type Cache struct {
	resolve URIResolver
	client  *http.Client
	ttl     time.Duration

	mu      sync.RWMutex
	entries map[string]entry

	group singleflight.Group
}

// NewCache creates a Cache. A nil client gets a default with a bounded
// timeout; a non-positive ttl falls back to DefaultTTL.
func NewCache(resolve URIResolver, client *http.Client, ttl time.Duration) *Cache {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		resolve: resolve,
		client:  client,
		ttl:     ttl,
		entries: make(map[string]entry),
	}
}

// Get returns the provider's key set, fetching it if the cached copy is
// missing or older than the TTL.
func (c *Cache) Get(ctx context.Context, provider string) (jwk.Set, error) {
	c.mu.RLock()
	e, ok := c.entries[provider]
	c.mu.RUnlock()
	if ok && time.Since(e.fetched) < c.ttl {
		return e.set, nil
	}
	return c.fetchShared(ctx, provider, e.fetched)
}

// Refresh discards any cached key set for the provider and fetches a new
// one. Used when a token references a key id the cached set doesn't have.
func (c *Cache) Refresh(ctx context.Context, provider string) (jwk.Set, error) {
	c.Invalidate(provider)
	return c.fetchShared(ctx, provider, time.Time{})
}

// Invalidate drops the cached key set for the provider.
func (c *Cache) Invalidate(provider string) {
	c.mu.Lock()
	delete(c.entries, provider)
	c.mu.Unlock()
}

// fetchShared collapses concurrent fetches for the same provider into one
// network call. staleAt is the fetch time of the entry the caller observed;
// if another flight already replaced it, the fresh entry is returned without
// fetching again.
func (c *Cache) fetchShared(ctx context.Context, provider string, staleAt time.Time) (jwk.Set, error) {
	v, err, _ := c.group.Do(provider, func() (any, error) {
		c.mu.RLock()
		e, ok := c.entries[provider]
		c.mu.RUnlock()
		if ok && e.fetched.After(staleAt) && time.Since(e.fetched) < c.ttl {
			return e.set, nil
		}

		set, err := c.fetch(ctx, provider)
		if err != nil {
			// A failed or cancelled fetch leaves the previous entry in place.
			return nil, err
		}

		c.mu.Lock()
		c.entries[provider] = entry{set: set, fetched: time.Now()}
		c.mu.Unlock()

		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(jwk.Set), nil
}

func (c *Cache) fetch(ctx context.Context, provider string) (jwk.Set, error) {
	uri, err := c.resolve(ctx, provider)
	if err != nil {
		return nil, fmt.Errorf("resolve JWKS URI for provider %q: %w", provider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("build JWKS request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Debugf("Failed to close JWKS response body: %v", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{URL: uri, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse keyset from %s: %w", uri, err)
	}

	logger.Debugw("fetched JWKS", "provider", provider, "keys", set.Len())
	return set, nil
}
