// Package keystore provides key storage abstractions backing the
// engine's security tokens (pkg/token): a unified interface for signing
// and decrypting operations implemented by either PEM files on disk
// (development) or a PKCS#11 token/HSM, so cmd/xmlsecdemo and other
// callers can populate a token.Token's Signer/Decrypter without caring
// which backend holds the private key.
package keystore

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"time"
)

// Common errors.
var (
	ErrKeyNotFound = errors.New("signing key not found")
	ErrKeyLocked   = errors.New("signing key is locked")
)

// Provider resolves a named key to a Key backed by whatever storage
// mechanism it implements.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// GetKey returns the key identified by keyID. The context may carry
	// backend-specific authentication (e.g. a PKCS#11 PIN).
	GetKey(ctx context.Context, keyID string) (Key, error)

	// ListKeys returns metadata for every key this provider can resolve.
	ListKeys(ctx context.Context) ([]KeyInfo, error)

	// Close releases any resources held by the provider.
	Close() error
}

// Key exposes both signing and (where the underlying key is RSA)
// decryption, plus the X.509 certificate identifying it. A Key backed
// by a non-RSA private key still satisfies crypto.Signer; Decrypter
// returns ok=false in that case.
type Key interface {
	crypto.Signer

	// Decrypter returns the same key as a crypto.Decrypter when its
	// algorithm supports decryption (RSA), false otherwise.
	Decrypter() (crypto.Decrypter, bool)

	// Certificate returns the X.509 certificate for this key.
	Certificate() *x509.Certificate

	// SignatureAlgorithmURI returns the XML signature algorithm URI
	// matching this key's type.
	SignatureAlgorithmURI() string
}

// KeyInfo describes a key available from a Provider.
type KeyInfo struct {
	KeyID              string
	Algorithm          string
	KeySize            int
	NotBefore          time.Time
	NotAfter           time.Time
	CertificateSubject string
}
