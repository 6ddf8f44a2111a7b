// Package discovery fetches and caches OIDC discovery documents from an
// identity provider's well-known configuration URL.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/pkg/logger"
)

// UserAgent identifies modelrelay in outbound requests to identity providers.
const UserAgent = "ModelRelay/1.0"

const (
	// defaultTimeout bounds a single discovery fetch.
	defaultTimeout = 10 * time.Second

	// maxResponseSize limits discovery response bodies (1 MB).
	maxResponseSize = 1 << 20
)

// Document holds the subset of an OIDC discovery document the gateway uses.
// Unknown fields are ignored.
type Document struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
	UserinfoEndpoint      string `json:"userinfo_endpoint,omitempty"`
	EndSessionEndpoint    string `json:"end_session_endpoint,omitempty"`
}

// Validate checks that the document carries the endpoints the auth flows need.
func (d *Document) Validate() error {
	if d.Issuer == "" {
		return fmt.Errorf("missing issuer")
	}
	if d.AuthorizationEndpoint == "" {
		return fmt.Errorf("missing authorization_endpoint")
	}
	if d.TokenEndpoint == "" {
		return fmt.Errorf("missing token_endpoint")
	}
	return nil
}

// Reader fetches discovery documents and caches them per well-known URL.
// Documents are treated as eventually consistent: a cached entry is served
// until Refresh is called or the entry is missing.
type Reader struct {
	client *http.Client

	mu    sync.RWMutex
	cache map[string]*Document
}

// NewReader creates a Reader. A nil client gets a default with a bounded timeout.
func NewReader(client *http.Client) *Reader {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Reader{
		client: client,
		cache:  make(map[string]*Document),
	}
}

// Fetch returns the cached document for wellKnownURL or fetches it on a miss.
func (r *Reader) Fetch(ctx context.Context, wellKnownURL string) (*Document, error) {
	r.mu.RLock()
	doc, ok := r.cache[wellKnownURL]
	r.mu.RUnlock()
	if ok {
		return doc, nil
	}
	return r.Refresh(ctx, wellKnownURL)
}

// Refresh fetches the document unconditionally and replaces the cache entry.
// A failed fetch leaves any previous entry in place.
func (r *Reader) Refresh(ctx context.Context, wellKnownURL string) (*Document, error) {
	doc, err := r.fetch(ctx, wellKnownURL)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[wellKnownURL] = doc
	r.mu.Unlock()

	return doc, nil
}

func (r *Reader) fetch(ctx context.Context, wellKnownURL string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnownURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build discovery request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", wellKnownURL, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Debugf("Failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: HTTP %d", wellKnownURL, resp.StatusCode)
	}
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.Contains(ct, "application/json") {
		return nil, fmt.Errorf("%s: unexpected content-type %q", wellKnownURL, ct)
	}

	var doc Document
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%s: unexpected response: %w", wellKnownURL, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid discovery document: %w", wellKnownURL, err)
	}

	return &doc, nil
}
