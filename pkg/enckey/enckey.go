// Package enckey implements the EncryptedKey Handler (C11): on
// encountering an EncryptedKey element, registers a lazily-resolving
// token provider that unwraps the enclosed session key against a
// wrapping token resolved through KeyInfo, with a Bleichenbacher-style
// timing mitigation on unwrap failure, per §4.9.
package enckey

import (
	"crypto"
	"crypto/aes"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/streamxmlsec/engine/pkg/algorithm"
	"github.com/streamxmlsec/engine/pkg/secevent"
	"github.com/streamxmlsec/engine/pkg/securr"
	"github.com/streamxmlsec/engine/pkg/token"
)

// OAEPParams names the RSA-OAEP parameters carried (or defaulted) on an
// EncryptedKey's EncryptionMethod.
type OAEPParams struct {
	DigestURI string // default SHA-1 if empty
	MGFURI    string // default MGF1-SHA-1 if empty
	PSource   []byte // optional label bytes, default none
}

// WrappingTokenResolver resolves the token named by an EncryptedKey's
// KeyInfo. Its implementation is opaque to this package — it walks
// whatever key-identifier types (X509 issuer-serial, key name,
// SecurityTokenReference) the caller's token factory supports.
type WrappingTokenResolver interface {
	ResolveWrappingToken(keyInfoCorrelationID string) (*token.Token, error)
}

// EncryptedKeyRecord describes one parsed EncryptedKey element.
type EncryptedKeyRecord struct {
	ID                string
	TransportURI      string // the key-transport (wrapping) algorithm URI
	SymmetricURI      string // the algorithm URI of the key this EncryptedKey wraps
	OAEP              OAEPParams
	CipherValue       []byte
	KeyInfoCorrelation string

	// KeyDerivationURI, EphemeralPublicKey and KDFInfo are set only for
	// an AgreementMethod EncryptedKey (TransportURI ==
	// algorithm.KeyAgreementX25519): the originator's ephemeral public
	// key and the HKDF "otherInfo" bytes used to derive the key-
	// encryption key the CipherValue is wrapped under (RFC 3394 AES Key
	// Wrap), per §4.9's AgreementMethod variant.
	KeyDerivationURI   string
	EphemeralPublicKey []byte
	KDFInfo            []byte
}

// Registry installs one provider.Provider-compatible factory per
// EncryptedKey id, producing a *token.Token whose SecretKeyFor lazily
// performs the unwrap described in §4.9.
type Registry struct {
	resolver WrappingTokenResolver
	bus      *secevent.Bus
	log      *slog.Logger
	registry *algorithm.Registry
}

// NewRegistry builds an enckey.Registry. log defaults to slog.Default()
// if nil, matching the teacher's "accept a possibly-nil logger on
// long-lived structs" convention.
func NewRegistry(resolver WrappingTokenResolver, bus *secevent.Bus, reg *algorithm.Registry, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{resolver: resolver, bus: bus, log: log, registry: reg}
}

// Build constructs the lazy token for rec. The token's SecretKeyFor
// performs the unwrap (or timing-mitigation synthesis) on first call and
// memoizes the result, matching "the first successful or synthesized
// result is memoized; subsequent calls return the same bytes."
func (r *Registry) Build(rec EncryptedKeyRecord) *token.Token {
	kr := &keyResolver{rec: rec, parent: r}
	return token.New(rec.ID, kr, r.bus)
}

type keyResolver struct {
	rec    EncryptedKeyRecord
	parent *Registry

	mu       sync.Mutex
	resolved bool
	key      []byte
}

func (k *keyResolver) SecretKeyFor(algorithmURI string, usage token.Usage, correlationID string) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.resolved {
		return k.key, nil
	}

	key, err := k.unwrap()
	if err != nil {
		return nil, err
	}
	k.key = key
	k.resolved = true
	return key, nil
}

func (k *keyResolver) PublicKeyFor(algorithmURI string, usage token.Usage, correlationID string) (any, error) {
	return nil, securr.New(securr.UnsupportedAlgorithm, "EncryptedKey tokens do not expose a public key")
}

// unwrap implements §4.9 steps 1-6.
func (k *keyResolver) unwrap() ([]byte, error) {
	wrapping, err := k.parent.resolver.ResolveWrappingToken(k.rec.KeyInfoCorrelation)
	if err != nil {
		return k.synthesize()
	}

	usage := token.UsageSymmetricKeyWrap
	if wrapping.IsAsymmetric() {
		usage = token.UsageAsymmetricKeyWrap
	}
	if err := wrapping.AddUsage(usage); err != nil {
		return k.synthesize()
	}

	key, err := k.attemptUnwrap(wrapping, usage)
	if err != nil {
		k.parent.log.Warn("unwrapping of the encrypted key failed; generating a faked one to mitigate timing attacks",
			slog.String("encrypted_key_id", k.rec.ID), slog.String("error", err.Error()))
		return k.synthesize()
	}
	return key, nil
}

func (k *keyResolver) attemptUnwrap(wrapping *token.Token, usage token.Usage) ([]byte, error) {
	switch k.rec.TransportURI {
	case algorithm.KeyTransportRSAOAEP, algorithm.KeyTransportRSAOAEPMGF1P:
		return k.unwrapRSAOAEP(wrapping, usage)
	case algorithm.KeyAgreementX25519:
		return k.unwrapX25519HKDF(wrapping, usage)
	default:
		return nil, securr.New(securr.UnsupportedAlgorithm, "key-transport algorithm not supported: "+k.rec.TransportURI)
	}
}

// unwrapX25519HKDF implements the AgreementMethod EncryptedKey variant:
// an X25519 Diffie-Hellman exchange between the recipient's static
// private key and the originator's ephemeral public key produces a
// shared secret, which HKDF expands (per k.rec.KeyDerivationURI, SHA-256
// the only function registered) into a key-encryption key of the length
// the symmetric algorithm URI demands, which then unwraps CipherValue
// via RFC 3394 AES Key Wrap.
func (k *keyResolver) unwrapX25519HKDF(wrapping *token.Token, usage token.Usage) ([]byte, error) {
	if k.rec.KeyDerivationURI != algorithm.KeyDerivationHKDF {
		return nil, securr.New(securr.UnsupportedAlgorithm, "key-derivation algorithm not supported: "+k.rec.KeyDerivationURI)
	}
	priv, ok := wrapping.ECDHPrivateKey()
	if !ok {
		return nil, securr.New(securr.KeyResolutionFailed, "wrapping token exposes no X25519 private key")
	}
	curve := ecdh.X25519()
	ephemeralPub, err := curve.NewPublicKey(k.rec.EphemeralPublicKey)
	if err != nil {
		return nil, securr.Wrap(securr.InvalidSecurity, "parsing AgreementMethod ephemeral public key", err)
	}
	shared, err := priv.ECDH(ephemeralPub)
	if err != nil {
		return nil, securr.Wrap(securr.KeyResolutionFailed, "X25519 key agreement failed", err)
	}

	bits, err := k.parent.registry.KeyLengthBits(k.rec.SymmetricURI)
	if err != nil {
		return nil, err
	}
	kek := make([]byte, bits/8)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, k.rec.KDFInfo), kek); err != nil {
		return nil, securr.Wrap(securr.KeyResolutionFailed, "deriving key-encryption key via HKDF", err)
	}

	return aesKeyUnwrap(kek, k.rec.CipherValue)
}

// aesKeyUnwrap implements the inverse of RFC 3394 AES Key Wrap,
// rejecting any ciphertext whose recovered integrity-check value does
// not match the mandated fixed IV.
func aesKeyUnwrap(kek, ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%8 != 0 || len(ciphertext) < 16 {
		return nil, securr.New(securr.InvalidSecurity, "AES key wrap ciphertext has invalid length")
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, securr.Wrap(securr.UnsupportedAlgorithm, "constructing AES cipher for key unwrap", err)
	}

	n := len(ciphertext)/8 - 1
	var a [8]byte
	copy(a[:], ciphertext[:8])
	r := make([][8]byte, n+1)
	for i := 1; i <= n; i++ {
		copy(r[i][:], ciphertext[i*8:(i+1)*8])
	}

	buf := make([]byte, 16)
	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			t := uint64(n*j + i)
			var tb [8]byte
			binary.BigEndian.PutUint64(tb[:], t)
			var x [8]byte
			for b := range x {
				x[b] = a[b] ^ tb[b]
			}
			copy(buf[:8], x[:])
			copy(buf[8:], r[i][:])
			block.Decrypt(buf, buf)
			copy(a[:], buf[:8])
			copy(r[i][:], buf[8:])
		}
	}

	for i := range a {
		if a[i] != 0xA6 {
			return nil, securr.New(securr.InvalidSecurity, "AES key unwrap integrity check failed")
		}
	}

	out := make([]byte, 8*n)
	for i := 1; i <= n; i++ {
		copy(out[(i-1)*8:i*8], r[i][:])
	}
	return out, nil
}

// unwrapRSAOAEP builds the OAEP parameter set per §4.9 step 4 — digest
// method defaulting to SHA-1, MGF1 parameter defaulting to MGF1-SHA-1,
// and optional PSource label bytes — and performs the RSA-OAEP decrypt
// in step 5.
func (k *keyResolver) unwrapRSAOAEP(wrapping *token.Token, usage token.Usage) ([]byte, error) {
	decrypter, ok := wrapping.Decrypter()
	if !ok {
		return nil, securr.New(securr.KeyResolutionFailed, "wrapping token exposes no private-key decrypt operation")
	}

	digestURI := k.rec.OAEP.DigestURI
	if digestURI == "" {
		digestURI = algorithm.DigestSHA1
	}
	mgfURI := k.rec.OAEP.MGFURI
	if mgfURI == "" {
		mgfURI = algorithm.MGF1SHA1
	}

	_, err := hashForURI(digestURI)
	if err != nil {
		return nil, err
	}
	// The OAEP digest and the MGF1 digest are passed separately, so a
	// transport whose MGF hash differs from its digest hash is honoured.
	_, err = hashForURI(mgfURI)
	if err != nil {
		return nil, err
	}

	opts := &rsa.OAEPOptions{Hash: cryptoHashForURI(digestURI), MGFHash: cryptoHashForURI(mgfURI), Label: k.rec.OAEP.PSource}
	return decrypter.Decrypt(rand.Reader, k.rec.CipherValue, opts)
}

// synthesize implements §4.9 step 6: on any unwrap failure, return a
// random key of the length mandated by the *symmetric* algorithm URI
// (never the transport URI), so a downstream timing oracle sees the
// same cost whether the wrap was genuine or forged.
func (k *keyResolver) synthesize() ([]byte, error) {
	bits, err := k.parent.registry.KeyLengthBits(k.rec.SymmetricURI)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, bits/8)
	if _, err := rand.Read(buf); err != nil {
		return nil, securr.Wrap(securr.IOFailure, "generating timing-mitigation key", err)
	}
	return buf, nil
}

func hashForURI(uri string) (hash.Hash, error) {
	switch uri {
	case algorithm.DigestSHA1, algorithm.MGF1SHA1:
		return sha1.New(), nil
	case algorithm.DigestSHA256, algorithm.MGF1SHA256:
		return sha256.New(), nil
	default:
		return nil, securr.New(securr.UnsupportedAlgorithm, "digest algorithm not registered: "+uri)
	}
}

func cryptoHashForURI(uri string) crypto.Hash {
	switch uri {
	case algorithm.DigestSHA256, algorithm.MGF1SHA256:
		return crypto.SHA256
	default:
		return crypto.SHA1
	}
}
