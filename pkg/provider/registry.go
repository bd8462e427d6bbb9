// Package provider implements the Token Provider Registry (C6): a
// string-keyed map from id to a lazy token factory, per §4.6.
package provider

import (
	"sync"

	"github.com/streamxmlsec/engine/pkg/securr"
	"github.com/streamxmlsec/engine/pkg/token"
)

// Factory lazily produces the token registered under an id. It is called
// at most once per id in the common case, but a registry makes no
// promise about caching the returned token across repeated Get calls
// beyond what the factory itself does — Provider (below) is the layer
// that memoizes.
type Factory func() (*token.Token, error)

// Provider wraps a Factory with once-only production, so that two
// references resolving the same token id converge on the identical
// *token.Token instance.
type Provider struct {
	mu       sync.Mutex
	factory  Factory
	produced bool
	tok      *token.Token
	err      error
}

// NewProvider wraps factory.
func NewProvider(factory Factory) *Provider {
	return &Provider{factory: factory}
}

// Token returns the provider's token, invoking its factory on first call
// and memoizing the result (including an error) for subsequent calls.
func (p *Provider) Token() (*token.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.produced {
		p.tok, p.err = p.factory()
		p.produced = true
	}
	return p.tok, p.err
}

// hasProduced reports whether this provider's factory has already run.
func (p *Provider) hasProduced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.produced
}

// Registry is the string-keyed id -> Provider map.
type Registry struct {
	mu        sync.Mutex
	providers map[string]*Provider
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]*Provider)}
}

// Register binds id to provider. Per §4.6, a duplicate id is rejected
// only if the existing provider under that id has already produced a
// token — re-registering before first use (e.g. replacing a forward
// declaration with its real factory once the wrapping token becomes
// known) is allowed.
func (r *Registry) Register(id string, provider *Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.providers[id]; ok && existing.hasProduced() {
		return securr.New(securr.InvalidConfiguration, "token provider id already produced a token: "+id)
	}
	r.providers[id] = provider
	return nil
}

// Get returns the provider registered under id, if any.
func (r *Registry) Get(id string) (*Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[id]
	return p, ok
}
