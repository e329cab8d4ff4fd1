package auth

import (
	"context"
	"slices"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/carelink/gateway/internal/platform/telemetry"
)

// ProviderMetadata is the subset of the OpenID Connect discovery document
// the gateway reads.
type ProviderMetadata struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	UserinfoEndpoint      string   `json:"userinfo_endpoint"`
	JWKSURI               string   `json:"jwks_uri"`
	ScopesSupported       []string `json:"scopes_supported"`
	CodeChallengeMethods  []string `json:"code_challenge_methods_supported"`
}

// SupportsScope reports whether the issuer advertises scope. Issuers that
// omit scopes_supported are assumed to accept anything.
func (m ProviderMetadata) SupportsScope(scope string) bool {
	if len(m.ScopesSupported) == 0 {
		return true
	}
	return slices.Contains(m.ScopesSupported, scope)
}

// Discovery is the resolved state for one issuer.
type Discovery struct {
	Issuer   string
	Provider *oidc.Provider
	Metadata ProviderMetadata
}

// DiscoveryCache holds discovery results per issuer for the life of the
// process. Concurrent misses for the same issuer may both fetch; the first
// stored result wins and the other is dropped.
type DiscoveryCache struct {
	entries sync.Map // issuer -> *Discovery
}

// NewDiscoveryCache creates an empty cache.
func NewDiscoveryCache() *DiscoveryCache {
	return &DiscoveryCache{}
}

// Get returns the cached discovery for issuer.
func (c *DiscoveryCache) Get(issuer string) (*Discovery, bool) {
	v, ok := c.entries.Load(issuer)
	if !ok {
		return nil, false
	}
	return v.(*Discovery), true
}

// GetOrPopulate returns the cached entry or calls fetch and stores its
// result. Failed fetches are not cached.
func (c *DiscoveryCache) GetOrPopulate(
	ctx context.Context,
	issuer string,
	fetch func(ctx context.Context, issuer string) (*Discovery, error),
) (*Discovery, error) {
	if d, ok := c.Get(issuer); ok {
		telemetry.ObserveDiscoveryLookup(true)
		return d, nil
	}
	telemetry.ObserveDiscoveryLookup(false)

	d, err := fetch(ctx, issuer)
	if err != nil {
		return nil, err
	}
	actual, _ := c.entries.LoadOrStore(issuer, d)
	return actual.(*Discovery), nil
}

// Len returns the number of cached issuers.
func (c *DiscoveryCache) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
