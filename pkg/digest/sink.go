// Package digest implements the Digest Sink (C3): a write-only io.Writer
// that feeds canonicalized bytes into a streaming hash and exposes the
// final digest exactly once, after the sink is closed.
package digest

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"

	"github.com/streamxmlsec/engine/pkg/algorithm"
	"github.com/streamxmlsec/engine/pkg/securr"
)

// NewHash returns a fresh hash.Hash for the given digest algorithm URI.
func NewHash(digestURI string) (hash.Hash, error) {
	switch digestURI {
	case algorithm.DigestSHA1, algorithm.MGF1SHA1:
		return sha1.New(), nil
	case algorithm.DigestSHA256, algorithm.MGF1SHA256:
		return sha256.New(), nil
	case algorithm.DigestSHA384:
		return sha512.New384(), nil
	case algorithm.DigestSHA512:
		return sha512.New(), nil
	default:
		return nil, securr.New(securr.UnsupportedAlgorithm, "digest algorithm not registered: "+digestURI)
	}
}

// Sink accumulates bytes into a streaming hash. It never buffers the full
// content: every Write call feeds hash.Hash directly. A Sink is write-only
// and single-use — once Close is called, further writes fail; Close and
// Sum may then be called any number of times and return the same digest.
type Sink struct {
	h      hash.Hash
	closed bool
	sum    []byte
}

// NewSink wraps h as a digest sink.
func NewSink(h hash.Hash) *Sink {
	return &Sink{h: h}
}

// Write feeds p into the underlying hash. It is an error to call Write
// after Close.
func (s *Sink) Write(p []byte) (int, error) {
	if s.closed {
		return 0, securr.New(securr.InvalidConfiguration, "digest sink: write after close")
	}
	return s.h.Write(p)
}

// Close finalizes the digest. Calling Close more than once is a no-op
// returning the same digest.
func (s *Sink) Close() ([]byte, error) {
	if !s.closed {
		s.sum = s.h.Sum(nil)
		s.closed = true
	}
	return s.sum, nil
}

// Sum returns the finalized digest. It is an error to call Sum before
// Close.
func (s *Sink) Sum() ([]byte, error) {
	if !s.closed {
		return nil, securr.New(securr.InvalidConfiguration, "digest sink: Sum called before Close")
	}
	return s.sum, nil
}
