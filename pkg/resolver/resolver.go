// Package resolver implements the Resource Resolver (C2): an ordered
// registry of resolvers selecting, for a reference URI and base URI, a
// same-document element match or an external byte stream, per §4.2.
package resolver

import (
	"context"
	"io"
	"net/url"

	"github.com/streamxmlsec/engine/pkg/securr"
	"github.com/streamxmlsec/engine/pkg/stream"
)

// Resolver is implemented by both same-document and external resolvers.
// Matches is called with the reference URI as declared (possibly a bare
// fragment, "#id"); Resolve is only called on the resolver for which
// Matches returned true.
type Resolver interface {
	// Matches reports whether this resolver claims the given reference
	// URI, resolved against baseURI.
	Matches(refURI, baseURI string) bool

	// IsSameDocumentReference reports whether this resolver resolves
	// references by watching the live event stream for a matching
	// start-element, rather than fetching bytes out of band.
	IsSameDocumentReference() bool
}

// SameDocumentResolver is consulted on every StartElement event of the
// document currently being processed; it reports the element's id, which
// the caller compares with the fragment half of a reference URI. This is
// the only mechanism by which a
// same-document reference is matched — never by a post-parse index —
// per §4.2.
type SameDocumentResolver interface {
	Resolver
	// ObserveStartElement is called for every StartElement event in
	// document order. If the element carries an id, it returns that id
	// and true; the caller matches it against its references' fragments.
	ObserveStartElement(e stream.Event) (matchedID string, ok bool)
}

// ExternalResolver fetches the byte content named by a fully-resolved
// URI with a non-empty scheme.
type ExternalResolver interface {
	Resolver
	// Resolve returns a stream of the referenced content. The caller is
	// responsible for closing the returned ReadCloser.
	Resolve(ctx context.Context, refURI, baseURI string) (io.ReadCloser, error)
}

// Registry is the ordered resolver chain: references are offered to each
// resolver in registration order, and the first to report a match is
// bound to that reference for the lifetime of the enclosing signature
// (§4.2 "A resolver must be reusable across references within one
// signature; uniqueness of reference-to-resolver binding is by object
// identity.").
type Registry struct {
	resolvers          []Resolver
	allowExternalFetch bool
}

// NewRegistry builds an empty registry. allowExternalFetch gates whether
// any ExternalResolver may ever be selected; when false, Select refuses
// to bind a reference to an external resolver even if one matches,
// failing closed per §4.2 "External fetching is refused unless
// configuration allows it."
func NewRegistry(allowExternalFetch bool) *Registry {
	return &Registry{allowExternalFetch: allowExternalFetch}
}

// Register appends a resolver to the chain. Order matters: earlier
// registrations take priority.
func (r *Registry) Register(res Resolver) {
	r.resolvers = append(r.resolvers, res)
}

// Select returns the first resolver matching refURI against baseURI.
func (r *Registry) Select(refURI, baseURI string) (Resolver, error) {
	for _, res := range r.resolvers {
		if !res.Matches(refURI, baseURI) {
			continue
		}
		if _, isExternal := res.(ExternalResolver); isExternal && !r.allowExternalFetch {
			return nil, securr.New(securr.InvalidConfiguration, "external reference resolution disabled: "+refURI)
		}
		return res, nil
	}
	return nil, securr.New(securr.KeyResolutionFailed, "no resolver matches reference: "+refURI)
}

// IsFragmentOnly reports whether refURI is a bare same-document fragment
// reference ("#id") with no scheme and no path.
func IsFragmentOnly(refURI string) bool {
	u, err := url.Parse(refURI)
	if err != nil {
		return false
	}
	return u.Scheme == "" && u.Opaque == "" && u.Host == "" && u.Path == "" && u.Fragment != ""
}

// FragmentID extracts the id half of a "#id" reference URI.
func FragmentID(refURI string) (string, bool) {
	u, err := url.Parse(refURI)
	if err != nil || u.Fragment == "" {
		return "", false
	}
	return u.Fragment, true
}
