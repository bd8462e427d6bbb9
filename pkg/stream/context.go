package stream

import "sync"

// DocumentContext holds the per-document mutable state shared by every
// handler in a processor chain: base URI, encoding, and the stack of flags
// recording whether the event currently being delivered falls within
// signed or encrypted content. Flags are keyed by the processor that
// established them, so that nested scopes (a signature inside an already
// signed scope, for instance) lift cleanly when their owner leaves the
// chain — see §3 "Document Context".
//
// A DocumentContext is used by exactly one goroutine for the lifetime of
// one document; it is not safe to share across concurrently processed
// documents (§5).
type DocumentContext struct {
	BaseURI  string
	Encoding string

	mu          sync.Mutex
	signedBy    map[any]bool
	encryptedBy map[any]bool
	ancestors   []QName
}

// NewDocumentContext creates a context for a single document.
func NewDocumentContext(baseURI string) *DocumentContext {
	return &DocumentContext{
		BaseURI:     baseURI,
		signedBy:    make(map[any]bool),
		encryptedBy: make(map[any]bool),
	}
}

// SetInSignedContent records that, from this point in the event stream,
// events fall within content signed by owner (typically a reference
// verifier or output signer instance). owner's identity is the map key so
// that distinct, possibly-nested signatures stack independently.
func (c *DocumentContext) SetInSignedContent(owner any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signedBy[owner] = true
}

// UnsetInSignedContent removes the flag established by owner.
func (c *DocumentContext) UnsetInSignedContent(owner any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.signedBy, owner)
}

// InSignedContent reports whether any owner currently considers the
// stream position to be within signed content.
func (c *DocumentContext) InSignedContent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.signedBy) > 0
}

// SetInEncryptedContent mirrors SetInSignedContent for encryption scopes.
func (c *DocumentContext) SetInEncryptedContent(owner any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.encryptedBy[owner] = true
}

// UnsetInEncryptedContent removes the flag established by owner.
func (c *DocumentContext) UnsetInEncryptedContent(owner any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.encryptedBy, owner)
}

// InEncryptedContent reports whether any owner currently considers the
// stream position to be within encrypted content.
func (c *DocumentContext) InEncryptedContent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.encryptedBy) > 0
}

// PushElement records entry into a start-element, returning the ancestor
// path that should be attached to the corresponding Event (a copy, so
// later pops don't retroactively mutate an already-emitted event's path).
func (c *DocumentContext) PushElement(name QName) []QName {
	path := make([]QName, len(c.ancestors))
	copy(path, c.ancestors)
	c.ancestors = append(c.ancestors, name)
	return path
}

// PopElement records exit from a start-element previously pushed.
func (c *DocumentContext) PopElement() {
	if len(c.ancestors) > 0 {
		c.ancestors = c.ancestors[:len(c.ancestors)-1]
	}
}

// Depth returns the current ancestor stack depth.
func (c *DocumentContext) Depth() int {
	return len(c.ancestors)
}
