// Package algorithm implements the Algorithm Registry (C1): a read-mostly
// map from XML-DSig/XML-Enc algorithm URI to (family, native digest/cipher
// name, required key length in bits, provider hint), built once at process
// start from a declarative table and never mutated afterward (§5
// "Process-wide state").
package algorithm

import (
	"fmt"
	"sync"

	"github.com/streamxmlsec/engine/pkg/securr"
)

// Family classifies an algorithm URI by the cryptographic primitive it
// names.
type Family string

const (
	FamilyDigest     Family = "digest"
	FamilySignature  Family = "signature"
	FamilyCanon      Family = "canonicalization"
	FamilyTransform  Family = "transform"
	FamilyKeyWrap    Family = "key-wrap"
	FamilyKeyAgree   Family = "key-agreement"
	FamilyEncryption Family = "encryption"
)

// Entry is one row of the declarative algorithm table.
type Entry struct {
	URI            string
	Family         Family
	NativeName     string // e.g. "SHA-256", "RSA-SHA256", "AES-256-CBC"
	KeyLengthBits  int    // 0 where not applicable (digests, canon, transforms)
	ProviderHint   string // e.g. "stdlib", "pkcs11"
	RequiredFamily string // symbolic key family for generating session keys, e.g. "AES"
}

// Registry is the read-mostly URI -> Entry map. The zero value is not
// usable; construct one with New or Default.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	failed  bool
}

// New builds a Registry from a declarative table. If any entry is
// malformed (empty URI), initialization fails and the returned registry's
// Lookup always errors — "the system refuses all signing/verification"
// per §5.
func New(table []Entry) (*Registry, error) {
	r := &Registry{entries: make(map[string]Entry, len(table))}
	for _, e := range table {
		if e.URI == "" {
			r.failed = true
			return r, fmt.Errorf("algorithm registry: table entry with empty URI")
		}
		r.entries[e.URI] = e
	}
	return r, nil
}

// Lookup resolves an algorithm URI to its registry entry.
func (r *Registry) Lookup(uri string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.failed {
		return Entry{}, securr.New(securr.InvalidConfiguration, "algorithm registry failed to initialize")
	}
	e, ok := r.entries[uri]
	if !ok {
		return Entry{}, securr.New(securr.UnsupportedAlgorithm, "algorithm not registered: "+uri)
	}
	return e, nil
}

// KeyLengthBits returns the exact bit length mandated for the symmetric
// algorithm URI, used identically for session-key generation (C12) and
// for the EncryptedKey timing-attack mitigation padding (§4.9, §4.7).
func (r *Registry) KeyLengthBits(uri string) (int, error) {
	e, err := r.Lookup(uri)
	if err != nil {
		return 0, err
	}
	if e.KeyLengthBits == 0 {
		return 0, securr.New(securr.UnsupportedAlgorithm, "no key length registered for: "+uri)
	}
	return e.KeyLengthBits, nil
}

// RequiredKeyFamily returns the symbolic key family (e.g. "AES", "HMAC")
// used when generating symmetric session keys for uri.
func (r *Registry) RequiredKeyFamily(uri string) (string, error) {
	e, err := r.Lookup(uri)
	if err != nil {
		return "", err
	}
	if e.RequiredFamily == "" {
		return "", securr.New(securr.UnsupportedAlgorithm, "no key family registered for: "+uri)
	}
	return e.RequiredFamily, nil
}

// Digest algorithm URIs (XML-DSig 1.0/1.1).
const (
	DigestSHA1   = "http://www.w3.org/2000/09/xmldsig#sha1"
	DigestSHA256 = "http://www.w3.org/2001/04/xmlenc#sha256"
	DigestSHA384 = "http://www.w3.org/2001/04/xmldsig-more#sha384"
	DigestSHA512 = "http://www.w3.org/2001/04/xmlenc#sha512"
)

// Signature algorithm URIs.
const (
	SignatureRSASHA1    = "http://www.w3.org/2000/09/xmldsig#rsa-sha1"
	SignatureRSASHA256  = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	SignatureDSASHA1    = "http://www.w3.org/2000/09/xmldsig#dsa-sha1"
	SignatureHMACSHA1   = "http://www.w3.org/2000/09/xmldsig#hmac-sha1"
	SignatureHMACSHA256 = "http://www.w3.org/2001/04/xmldsig-more#hmac-sha256"
	SignatureEd25519    = "http://www.w3.org/2021/04/xmldsig-more#eddsa-ed25519"
)

// Canonicalization algorithm URIs.
const (
	CanonC14N10OmitComments     = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315"
	CanonC14N10WithComments     = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315#WithComments"
	CanonExcC14NOmitComments    = "http://www.w3.org/2001/10/xml-exc-c14n#"
	CanonExcC14NWithComments    = "http://www.w3.org/2001/10/xml-exc-c14n#WithComments"
	CanonC14N11OmitComments     = "http://www.w3.org/2006/12/xml-c14n11"
	CanonC14N11WithComments     = "http://www.w3.org/2006/12/xml-c14n11#WithComments"
)

// Transform algorithm URIs.
const (
	TransformEnvelopedSignature = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"
)

// Key-transport / key-wrap / key-agreement URIs (XML-Enc 1.0/1.1).
const (
	KeyTransportRSAOAEPMGF1P = "http://www.w3.org/2001/04/xmlenc#rsa-oaep-mgf1p"
	KeyTransportRSAOAEP      = "http://www.w3.org/2009/xmlenc11#rsa-oaep"
	KeyTransportRSA15        = "http://www.w3.org/2001/04/xmlenc#rsa-1_5"
	KeyWrapAES128            = "http://www.w3.org/2001/04/xmlenc#kw-aes128"
	KeyWrapAES256            = "http://www.w3.org/2001/04/xmlenc#kw-aes256"
	KeyAgreementX25519       = "http://www.w3.org/2021/04/xmldsig-more#x25519"
	KeyDerivationHKDF        = "http://www.w3.org/2021/04/xmldsig-more#hkdf"
)

// Encryption (content) algorithm URIs.
const (
	EncAES128CBC = "http://www.w3.org/2001/04/xmlenc#aes128-cbc"
	EncAES256CBC = "http://www.w3.org/2001/04/xmlenc#aes256-cbc"
	EncAES128GCM = "http://www.w3.org/2009/xmlenc11#aes128-gcm"
	EncAES256GCM = "http://www.w3.org/2009/xmlenc11#aes256-gcm"
)

// MGF (mask generation function) URIs for RSA-OAEP.
const (
	MGF1SHA1   = "http://www.w3.org/2009/xmlenc11#mgf1sha1"
	MGF1SHA256 = "http://www.w3.org/2009/xmlenc11#mgf1sha256"
)

// DefaultTable is the declarative algorithm table wired in by default.
var DefaultTable = []Entry{
	{URI: DigestSHA1, Family: FamilyDigest, NativeName: "SHA-1", ProviderHint: "stdlib"},
	{URI: DigestSHA256, Family: FamilyDigest, NativeName: "SHA-256", ProviderHint: "stdlib"},
	{URI: DigestSHA384, Family: FamilyDigest, NativeName: "SHA-384", ProviderHint: "stdlib"},
	{URI: DigestSHA512, Family: FamilyDigest, NativeName: "SHA-512", ProviderHint: "stdlib"},

	{URI: SignatureRSASHA1, Family: FamilySignature, NativeName: "RSA-SHA1", ProviderHint: "stdlib"},
	{URI: SignatureRSASHA256, Family: FamilySignature, NativeName: "RSA-SHA256", ProviderHint: "stdlib"},
	{URI: SignatureDSASHA1, Family: FamilySignature, NativeName: "DSA-SHA1", ProviderHint: "stdlib"},
	{URI: SignatureHMACSHA1, Family: FamilySignature, NativeName: "HMAC-SHA1", ProviderHint: "stdlib"},
	{URI: SignatureHMACSHA256, Family: FamilySignature, NativeName: "HMAC-SHA256", ProviderHint: "stdlib"},
	{URI: SignatureEd25519, Family: FamilySignature, NativeName: "Ed25519", ProviderHint: "stdlib"},

	{URI: CanonC14N10OmitComments, Family: FamilyCanon, NativeName: "c14n-1.0-omit-comments", ProviderHint: "stdlib"},
	{URI: CanonC14N10WithComments, Family: FamilyCanon, NativeName: "c14n-1.0-with-comments", ProviderHint: "stdlib"},
	{URI: CanonExcC14NOmitComments, Family: FamilyCanon, NativeName: "exc-c14n-omit-comments", ProviderHint: "stdlib"},
	{URI: CanonExcC14NWithComments, Family: FamilyCanon, NativeName: "exc-c14n-with-comments", ProviderHint: "stdlib"},
	{URI: CanonC14N11OmitComments, Family: FamilyCanon, NativeName: "c14n-1.1-omit-comments", ProviderHint: "stdlib"},
	{URI: CanonC14N11WithComments, Family: FamilyCanon, NativeName: "c14n-1.1-with-comments", ProviderHint: "stdlib"},

	{URI: TransformEnvelopedSignature, Family: FamilyTransform, NativeName: "enveloped-signature", ProviderHint: "stdlib"},

	{URI: KeyTransportRSAOAEPMGF1P, Family: FamilyKeyWrap, NativeName: "RSA-OAEP", ProviderHint: "stdlib"},
	{URI: KeyTransportRSAOAEP, Family: FamilyKeyWrap, NativeName: "RSA-OAEP", ProviderHint: "stdlib"},
	{URI: KeyTransportRSA15, Family: FamilyKeyWrap, NativeName: "RSA1_5", ProviderHint: "stdlib"},
	{URI: KeyWrapAES128, Family: FamilyKeyWrap, NativeName: "AESWrap-128", KeyLengthBits: 128, RequiredFamily: "AES", ProviderHint: "stdlib"},
	{URI: KeyWrapAES256, Family: FamilyKeyWrap, NativeName: "AESWrap-256", KeyLengthBits: 256, RequiredFamily: "AES", ProviderHint: "stdlib"},
	{URI: KeyAgreementX25519, Family: FamilyKeyAgree, NativeName: "X25519", KeyLengthBits: 256, RequiredFamily: "X25519", ProviderHint: "stdlib"},
	{URI: KeyDerivationHKDF, Family: FamilyKeyAgree, NativeName: "HKDF", ProviderHint: "stdlib"},

	{URI: EncAES128CBC, Family: FamilyEncryption, NativeName: "AES-128-CBC", KeyLengthBits: 128, RequiredFamily: "AES", ProviderHint: "stdlib"},
	{URI: EncAES256CBC, Family: FamilyEncryption, NativeName: "AES-256-CBC", KeyLengthBits: 256, RequiredFamily: "AES", ProviderHint: "stdlib"},
	{URI: EncAES128GCM, Family: FamilyEncryption, NativeName: "AES-128-GCM", KeyLengthBits: 128, RequiredFamily: "AES", ProviderHint: "stdlib"},
	{URI: EncAES256GCM, Family: FamilyEncryption, NativeName: "AES-256-GCM", KeyLengthBits: 256, RequiredFamily: "AES", ProviderHint: "stdlib"},

	{URI: MGF1SHA1, Family: FamilyDigest, NativeName: "MGF1-SHA1", ProviderHint: "stdlib"},
	{URI: MGF1SHA256, Family: FamilyDigest, NativeName: "MGF1-SHA256", ProviderHint: "stdlib"},
}

// Default returns the process-wide registry built from DefaultTable. It
// panics on failure since a broken DefaultTable is a programming error,
// not a runtime condition — callers who build a Registry from
// configuration should use New and handle the error themselves.
func Default() *Registry {
	r, err := New(DefaultTable)
	if err != nil {
		panic(err)
	}
	return r
}
