// Package token implements the Security Token Model (C5): a polymorphic
// token type exposing secret-key and public-key fetch operations guarded
// against recursive key resolution, with additive, transitive usage
// tracking across a wrapping-token graph, per §4.5.
package token

import (
	"crypto"
	"crypto/dsa"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"sync"

	"github.com/streamxmlsec/engine/pkg/secevent"
	"github.com/streamxmlsec/engine/pkg/securr"
	"github.com/streamxmlsec/engine/pkg/trust"
)

// Usage names a declared purpose a token has been put to — e.g.
// signature verification, key unwrapping — carried opaquely by this
// package and interpreted by callers (C8/C10/C11).
type Usage string

const (
	UsageSignatureVerification Usage = "signature-verification"
	UsageAsymmetricKeyWrap     Usage = "asymmetric-key-wrap"
	UsageSymmetricKeyWrap      Usage = "symmetric-key-wrap"
	UsageDecryption            Usage = "decryption"
)

// KeyResolver is supplied by the token's creator (C6/C11) to actually
// produce key material on demand — from a caller-provided key, a
// PKCS#11 session, or by delegating to a wrapping token. It is invoked
// at most once per correlation ID while the token's recursion guard is
// held.
type KeyResolver interface {
	SecretKeyFor(algorithmURI string, usage Usage, correlationID string) ([]byte, error)
	PublicKeyFor(algorithmURI string, usage Usage, correlationID string) (any, error)
}

// Token is the engine's polymorphic security token. Not every capability
// is populated on every token: a purely symmetric token has no
// certificate chain; a pure verification token has no secret key.
type Token struct {
	ID string

	resolver KeyResolver
	bus      *secevent.Bus

	mu       sync.Mutex
	invoked  bool // recursion guard, per-token
	usages   map[Usage]bool

	certChain []*x509.Certificate

	wrappingToken *Token   // the token that unwraps this one, if any
	wrappedTokens []*Token // tokens this one has unwrapped, if any

	asymmetric bool
	decrypter  crypto.Decrypter
	signer     crypto.Signer
	ecdhPriv   *ecdh.PrivateKey
}

// SetSigner attaches the private-key sign operation backing an outbound
// signature token — an in-process key or an HSM-backed crypto.Signer
// (e.g. a crypto11 key handle). Also marks the token asymmetric.
func (t *Token) SetSigner(s crypto.Signer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.signer = s
	t.asymmetric = true
}

// Signer returns the token's private-key sign operation, if any.
func (t *Token) Signer() (crypto.Signer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.signer, t.signer != nil
}

// SetDecrypter attaches the private-key decrypt operation backing an
// asymmetric-key-wrap token — satisfied equally by an in-process
// *rsa.PrivateKey or an HSM-backed key (e.g. a crypto11 key handle),
// since both implement crypto.Decrypter. Also marks the token
// asymmetric.
func (t *Token) SetDecrypter(d crypto.Decrypter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.decrypter = d
	t.asymmetric = true
}

// Decrypter returns the token's private-key decrypt operation, if any.
func (t *Token) Decrypter() (crypto.Decrypter, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.decrypter, t.decrypter != nil
}

// SetECDHPrivateKey attaches the private half of a key-agreement key
// pair (e.g. X25519) backing an AgreementMethod EncryptedKey's recipient
// side. Also marks the token asymmetric.
func (t *Token) SetECDHPrivateKey(priv *ecdh.PrivateKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ecdhPriv = priv
	t.asymmetric = true
}

// ECDHPrivateKey returns the token's key-agreement private key, if any.
func (t *Token) ECDHPrivateKey() (*ecdh.PrivateKey, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ecdhPriv, t.ecdhPriv != nil
}

// New constructs a token backed by resolver, optionally reporting
// algorithm-used events to bus (nil disables event reporting).
func New(id string, resolver KeyResolver, bus *secevent.Bus) *Token {
	return &Token{ID: id, resolver: resolver, bus: bus, usages: make(map[Usage]bool)}
}

// SetCertificateChain attaches the token's X.509 certificate chain
// (leaf first), marking the token as asymmetric.
func (t *Token) SetCertificateChain(chain []*x509.Certificate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.certChain = chain
	t.asymmetric = true
}

// CertificateChain returns the token's certificate chain, if any.
func (t *Token) CertificateChain() []*x509.Certificate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.certChain
}

// ValidateCertificateChain runs v against this token's certificate chain
// (leaf cert, remaining certs as intermediates) for the given purpose.
// Returns an error if the token has no certificate chain attached.
func (t *Token) ValidateCertificateChain(v trust.Validator, purpose trust.Purpose) error {
	chain := t.CertificateChain()
	if len(chain) == 0 {
		return securr.New(securr.KeyResolutionFailed, "token "+t.ID+" has no certificate chain to validate")
	}
	return v.ValidateChain(chain[0], chain[1:], purpose)
}

// SetWrappingToken records that this token's key material is unwrapped
// by wrapping. Both sides of the edge are recorded so that usage
// propagation (AddUsage) can walk the DAG in either direction it needs.
func (t *Token) SetWrappingToken(wrapping *Token) {
	t.mu.Lock()
	t.wrappingToken = wrapping
	t.mu.Unlock()

	wrapping.mu.Lock()
	wrapping.wrappedTokens = append(wrapping.wrappedTokens, t)
	wrapping.mu.Unlock()
}

// WrappingToken returns the token that unwraps this one, or nil.
func (t *Token) WrappingToken() *Token {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wrappingToken
}

// IsAsymmetric reports whether this token holds an asymmetric key pair
// (and therefore a wrapping token resolving against it uses
// asymmetric-key-wrap rather than symmetric-key-wrap).
func (t *Token) IsAsymmetric() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.asymmetric
}

// AddUsage declares that the token has been put to usage. Per §4.5,
// "declared usages are additive: adding a usage to a token also adds it
// to that token's wrapping token, transitively" — so the edge walked
// here is the wrappingToken chain, each hop guarded independently so a
// cyclic wrapping graph cannot loop forever.
func (t *Token) AddUsage(usage Usage) error {
	return t.addUsage(usage, make(map[*Token]bool))
}

func (t *Token) addUsage(usage Usage, seen map[*Token]bool) error {
	if seen[t] {
		return securr.New(securr.RecursiveKeyReference, "cyclic wrapping-token graph detected for token "+t.ID)
	}
	seen[t] = true

	t.mu.Lock()
	if t.invoked {
		t.mu.Unlock()
		return securr.New(securr.RecursiveKeyReference, "cyclic wrapping-token graph detected for token "+t.ID)
	}
	t.invoked = true
	t.usages[usage] = true
	wrapping := t.wrappingToken
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.invoked = false
		t.mu.Unlock()
	}()

	if wrapping != nil {
		return wrapping.addUsage(usage, seen)
	}
	return nil
}

// HasUsage reports whether usage has been declared on this token.
func (t *Token) HasUsage(usage Usage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usages[usage]
}

// SecretKeyFor fetches the token's secret key material for algorithmURI,
// enforcing the recursion guard and emitting an algorithm-used event on
// success, exactly per §4.5 steps 1-5. correlationID must be non-empty;
// it is attached to the emitted event and to any resolver failure.
func (t *Token) SecretKeyFor(algorithmURI string, usage Usage, correlationID string) ([]byte, error) {
	if correlationID == "" {
		return nil, securr.New(securr.InvalidConfiguration, "SecretKeyFor requires a non-empty correlation id")
	}
	if err := t.enterGuard(); err != nil {
		return nil, err
	}
	defer t.exitGuard()

	key, err := t.resolver.SecretKeyFor(algorithmURI, usage, correlationID)
	if err != nil {
		return nil, err
	}
	if key != nil && t.bus != nil {
		t.bus.Publish(secevent.Event{
			Kind:          secevent.KindAlgorithmUsed,
			CorrelationID: correlationID,
			AlgorithmURI:  algorithmURI,
			KeyLengthBits: len(key) * 8,
		})
	}
	return key, nil
}

// PublicKeyFor fetches the token's public key (or verification key) for
// algorithmURI, with the same guard/event discipline as SecretKeyFor. The
// returned key's concrete type is one of *rsa.PublicKey, *dsa.PublicKey,
// *ecdsa.PublicKey, or ed25519.PublicKey depending on the token's family.
func (t *Token) PublicKeyFor(algorithmURI string, usage Usage, correlationID string) (any, error) {
	if correlationID == "" {
		return nil, securr.New(securr.InvalidConfiguration, "PublicKeyFor requires a non-empty correlation id")
	}
	if err := t.enterGuard(); err != nil {
		return nil, err
	}
	defer t.exitGuard()

	key, err := t.resolver.PublicKeyFor(algorithmURI, usage, correlationID)
	if err != nil {
		return nil, err
	}
	if key != nil && t.bus != nil {
		bits, lerr := publicKeyLengthBits(key)
		if lerr != nil {
			return nil, lerr
		}
		t.bus.Publish(secevent.Event{
			Kind:          secevent.KindAlgorithmUsed,
			CorrelationID: correlationID,
			AlgorithmURI:  algorithmURI,
			KeyLengthBits: bits,
		})
	}
	return key, nil
}

// enterGuard asserts the recursion guard is clear and sets it; see §4.5
// step 1-2. The guard is per-token, so a wrapping token triggering a
// nested fetch on a different token proceeds without tripping this one.
func (t *Token) enterGuard() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.invoked {
		return securr.New(securr.RecursiveKeyReference, "recursive key reference on token "+t.ID)
	}
	t.invoked = true
	return nil
}

// exitGuard clears the guard. Called via defer so it runs on every exit
// path, including resolver errors — stricter than simply mirroring the
// guard-clearing call site by call site.
func (t *Token) exitGuard() {
	t.mu.Lock()
	t.invoked = false
	t.mu.Unlock()
}

// publicKeyLengthBits computes the key length exactly per §4.5 step 4:
// RSA modulus bit-length, DSA prime P bit-length, EC curve order
// bit-length, or (for raw symmetric/Ed25519 byte keys) encoded-octet
// length times eight.
func publicKeyLengthBits(key any) (int, error) {
	switch k := key.(type) {
	case *rsa.PublicKey:
		return k.N.BitLen(), nil
	case *dsa.PublicKey:
		return k.Parameters.P.BitLen(), nil
	case *ecdsa.PublicKey:
		return k.Curve.Params().N.BitLen(), nil
	case ed25519.PublicKey:
		return len(k) * 8, nil
	case []byte:
		return len(k) * 8, nil
	default:
		return 0, securr.New(securr.UnsupportedAlgorithm, "unknown public key type for length computation")
	}
}

// SecretKeyLengthBits computes the key length for a raw symmetric secret
// key, per §4.5 step 4's final clause.
func SecretKeyLengthBits(key []byte) int {
	return len(key) * 8
}
