// Package authtest provides test doubles for the auth package: a static
// Authenticator and a fake identity provider serving discovery, userinfo and
// JWKS endpoints.
package authtest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ggoodman/mcp-resource-server/auth"
	"github.com/ggoodman/mcp-resource-server/internal/wellknown"
)

// NoAuth is a test authenticator that accepts any non-empty token.
type NoAuth struct {
	UserID string
}

// NewNoAuth creates a new NoAuth authenticator with the specified user ID.
// If userID is empty, it defaults to "test-user".
func NewNoAuth(userID string) *NoAuth {
	if userID == "" {
		userID = "test-user"
	}
	return &NoAuth{UserID: userID}
}

func (n *NoAuth) CheckAuthentication(_ context.Context, tok string) (auth.UserInfo, error) {
	if tok == "" {
		return nil, auth.ErrUnauthorized
	}
	return auth.NewUserInfo(n.UserID, map[string]any{"sub": n.UserID}), nil
}

// Option configures an IdentityProvider.
type Option func(*IdentityProvider)

// WithPathPrefix mounts every endpoint under prefix, like a multi-tenant
// provider.
func WithPathPrefix(prefix string) Option {
	return func(p *IdentityProvider) { p.prefix = "/" + strings.Trim(prefix, "/") }
}

// WithJWKS serves keys as the provider's JSON Web Key Set.
func WithJWKS(keys []byte) Option {
	return func(p *IdentityProvider) { p.jwks = keys }
}

// WithMetadataGate blocks every discovery request until gate is closed.
func WithMetadataGate(gate <-chan struct{}) Option {
	return func(p *IdentityProvider) { p.gate = gate }
}

// IdentityProvider is an httptest-backed OAuth 2.0 authorization server that
// knows a fixed set of opaque access tokens.
type IdentityProvider struct {
	Server *httptest.Server

	prefix string
	jwks   []byte
	gate   <-chan struct{}

	mu           sync.Mutex
	tokens       map[string]map[string]any
	failMetadata int

	metadataHits atomic.Int64
	userinfoHits atomic.Int64
}

// NewIdentityProvider starts a provider that is shut down with the test.
func NewIdentityProvider(t testing.TB, opts ...Option) *IdentityProvider {
	t.Helper()
	p := &IdentityProvider{tokens: make(map[string]map[string]any)}
	for _, opt := range opts {
		opt(p)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+p.prefix+wellknown.AuthServerMetadataPath, p.handleMetadata)
	mux.HandleFunc("GET "+p.prefix+"/userinfo", p.handleUserInfo)
	mux.HandleFunc("GET "+p.prefix+"/jwks", p.handleJWKS)
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

// BaseURL is the value to configure as the authorization server URL.
func (p *IdentityProvider) BaseURL() string { return p.Server.URL + p.prefix }

// Issuer is the issuer advertised in the discovery document.
func (p *IdentityProvider) Issuer() string { return p.BaseURL() }

// AddToken registers an access token for sub. extra claims are merged into
// the userinfo response.
func (p *IdentityProvider) AddToken(tok, sub string, extra map[string]any) {
	claims := map[string]any{"sub": sub}
	for k, v := range extra {
		claims[k] = v
	}
	p.mu.Lock()
	p.tokens[tok] = claims
	p.mu.Unlock()
}

// RevokeToken forgets tok.
func (p *IdentityProvider) RevokeToken(tok string) {
	p.mu.Lock()
	delete(p.tokens, tok)
	p.mu.Unlock()
}

// FailMetadata makes the next n discovery requests answer 503.
func (p *IdentityProvider) FailMetadata(n int) {
	p.mu.Lock()
	p.failMetadata = n
	p.mu.Unlock()
}

// MetadataHits counts discovery requests served, including failed ones.
func (p *IdentityProvider) MetadataHits() int64 { return p.metadataHits.Load() }

// UserInfoHits counts userinfo requests served.
func (p *IdentityProvider) UserInfoHits() int64 { return p.userinfoHits.Load() }

func (p *IdentityProvider) handleMetadata(w http.ResponseWriter, r *http.Request) {
	p.metadataHits.Add(1)
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-r.Context().Done():
			return
		}
	}

	p.mu.Lock()
	fail := p.failMetadata > 0
	if fail {
		p.failMetadata--
	}
	p.mu.Unlock()
	if fail {
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	base := p.BaseURL()
	doc := map[string]any{
		"issuer":                   base,
		"authorization_endpoint":   base + "/authorize",
		"token_endpoint":           base + "/token",
		"userinfo_endpoint":        base + "/userinfo",
		"jwks_uri":                 base + "/jwks",
		"registration_endpoint":    base + "/register",
		"response_types_supported": []string{"code"},
		"scopes_supported":         []string{"openid", "profile"},
		"x_vendor_extension":       "kept",
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (p *IdentityProvider) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	p.userinfoHits.Add(1)
	tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}

	p.mu.Lock()
	claims, known := p.tokens[tok]
	p.mu.Unlock()
	if !known {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		http.Error(w, fmt.Sprintf("unknown token %q", tok), http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(claims)
}

func (p *IdentityProvider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if p.jwks == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(p.jwks)
}
