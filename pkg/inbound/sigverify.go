package inbound

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"hash"
	"io"

	"github.com/streamxmlsec/engine/pkg/algorithm"
	"github.com/streamxmlsec/engine/pkg/canon"
	"github.com/streamxmlsec/engine/pkg/digest"
	"github.com/streamxmlsec/engine/pkg/resolver"
	"github.com/streamxmlsec/engine/pkg/secevent"
	"github.com/streamxmlsec/engine/pkg/securr"
	"github.com/streamxmlsec/engine/pkg/stream"
	"github.com/streamxmlsec/engine/pkg/token"
	"github.com/streamxmlsec/engine/pkg/trust"
)

// ReferenceRecord describes one ds:Reference extracted from SignedInfo.
type ReferenceRecord struct {
	URI            string
	TypeURI        string
	DigestURI      string
	ExpectedDigest []byte
	Transforms     []canon.TransformRecord
}

// Limits carries the configuration-level limits enforced before any
// cryptographic work begins, per §4.7 "configuration limits are enforced
// against the SignedInfo's Reference count" and §8's manifest-rejection
// scenario.
type Limits struct {
	MaxReferencesPerManifest  int
	MaxTransformsPerReference int
	AllowManifests            bool
	AllowExternalReferences   bool
}

// ManifestTypeURI is the xmldsig Manifest reference type.
const ManifestTypeURI = "http://www.w3.org/2000/09/xmldsig#Manifest"

// VerificationTokenResolver resolves the token.Token used to verify a
// Signature's own SignatureValue, given the X.509 certificate chain
// carried in that Signature's own KeyInfo (the common self-contained
// verification model: the certificate travels with the signature, and
// trust in it is established separately via pkg/trust, not by this
// resolver).
type VerificationTokenResolver interface {
	ResolveVerificationToken(certChain []*x509.Certificate) (*token.Token, error)
}

// DefaultVerificationTokenResolver builds a verification token directly
// from the leaf certificate of the Signature's own embedded chain.
type DefaultVerificationTokenResolver struct{}

// ResolveVerificationToken implements VerificationTokenResolver.
func (DefaultVerificationTokenResolver) ResolveVerificationToken(certChain []*x509.Certificate) (*token.Token, error) {
	if len(certChain) == 0 {
		return nil, securr.New(securr.MissingRequiredElement, "Signature KeyInfo carries no X.509 certificate to verify against")
	}
	tok := token.New("inline-signature-cert", &certKeyResolver{pub: certChain[0].PublicKey}, nil)
	tok.SetCertificateChain(certChain)
	return tok, nil
}

type certKeyResolver struct{ pub any }

func (r *certKeyResolver) SecretKeyFor(algorithmURI string, usage token.Usage, correlationID string) ([]byte, error) {
	return nil, securr.New(securr.KeyResolutionFailed, "certificate-backed verification token exposes no secret key")
}

func (r *certKeyResolver) PublicKeyFor(algorithmURI string, usage token.Usage, correlationID string) (any, error) {
	return r.pub, nil
}

// SignatureVerifyHandler is the C8/C10 input processor: it watches the
// live event stream for the security header's Signature start-element,
// parses SignedInfo/Reference/SignatureValue/KeyInfo out of that stream
// itself, and at the Signature's own end-element installs its
// references so per-reference verifiers attach as the referenced
// elements arrive. DoFinal, at end of document, confirms every
// reference — same-document and external — was matched and verified,
// then checks the SignatureValue itself.
type SignatureVerifyHandler struct {
	limits         Limits
	resolvers      *resolver.Registry
	bus            *secevent.Bus
	ctx            context.Context
	tokens         VerificationTokenResolver
	trustValidator trust.Validator

	signatureDepth int
	inSignature    bool
	signatureSeen  bool
	begun          bool
	hdr            sigHeaderFields

	sameDocRefs  []*referenceState
	externalRefs []*referenceState

	active []*referenceVerifier

	signatureAlgorithmURI string
	signedInfoCanonical   []byte
	sigValue              []byte
	certChain             []*x509.Certificate

	handlerIndex int // passed to AddProcessor as this handler's index; left at zero
}

// sigHeaderFields accumulates the small set of text-bearing fields read
// off the live Signature subtree, keyed by the local name of the
// start-element most recently seen — the same flat, stack-free style
// DecryptionHandler uses for EncryptedData's fields.
type sigHeaderFields struct {
	currentField string

	signedInfoRaw string
	sigValueB64   string
	certB64s      []string
}

type referenceState struct {
	index     int
	id        string // set only for same-document references
	ref       ReferenceRecord
	processed bool
}

// NewSignatureVerifyHandler constructs the handler. tokens resolves the
// token used to verify SignedInfo's own SignatureValue once the
// Signature closes; trustValidator, if non-nil, additionally validates
// the embedded certificate chain before the outcome event is published —
// left nil, no chain validation is performed and only the cryptographic
// SignatureValue check gates the outcome.
func NewSignatureVerifyHandler(ctx context.Context, limits Limits, resolvers *resolver.Registry, bus *secevent.Bus, tokens VerificationTokenResolver, trustValidator trust.Validator) *SignatureVerifyHandler {
	return &SignatureVerifyHandler{
		limits:         limits,
		resolvers:      resolvers,
		bus:            bus,
		ctx:            ctx,
		tokens:         tokens,
		trustValidator: trustValidator,
	}
}

// BeginSignature installs refs as the reference list to satisfy,
// enforcing the reference-count and manifest/transform-count limits up
// front — before any resolver is bound or any transform chain is built,
// matching the Java original's constructor-time checks. It is called
// internally once this handler has parsed SignedInfo off the live
// stream, and remains exported for callers that have already parsed
// SignedInfo out of band.
func (h *SignatureVerifyHandler) BeginSignature(refs []ReferenceRecord) error {
	if h.limits.MaxReferencesPerManifest > 0 && len(refs) > h.limits.MaxReferencesPerManifest {
		return securr.New(securr.LimitExceeded, "reference count exceeds configured maximum")
	}

	var sameDocRefs []*referenceState
	var externalRefs []*referenceState
	seenIDs := make(map[string]bool)

	for i, r := range refs {
		if r.URI == "" {
			return securr.New(securr.MissingRequiredElement, "reference with null URI is rejected")
		}
		if r.TypeURI == ManifestTypeURI && !h.limits.AllowManifests {
			return securr.New(securr.InvalidConfiguration, "manifest references are not allowed by configuration")
		}
		if h.limits.MaxTransformsPerReference > 0 && len(r.Transforms) > h.limits.MaxTransformsPerReference {
			return securr.New(securr.LimitExceeded, "transform count exceeds configured maximum for reference: "+r.URI)
		}

		if resolver.IsFragmentOnly(r.URI) {
			id, _ := resolver.FragmentID(r.URI)
			if seenIDs[id] {
				return securr.New(securr.DuplicateReference, "duplicate reference registered for fragment id: "+id)
			}
			seenIDs[id] = true
			sameDocRefs = append(sameDocRefs, &referenceState{index: i, id: id, ref: r})
		} else {
			if !h.limits.AllowExternalReferences {
				return securr.New(securr.InvalidConfiguration, "external references are not allowed by configuration")
			}
			externalRefs = append(externalRefs, &referenceState{index: i, ref: r})
		}
	}

	h.sameDocRefs = sameDocRefs
	h.externalRefs = externalRefs
	h.begun = true
	return nil
}

// ProcessEvent recognizes the security header's own Signature
// start-element, switches into header-parsing mode until the matching
// end-element closes it (installing references at that point), and
// otherwise matches same-document references against live start-element
// ids exactly as before.
func (h *SignatureVerifyHandler) ProcessEvent(e stream.Event, chain *Chain) ([]stream.Event, error) {
	if h.inSignature {
		return h.processSignatureHeaderEvent(e)
	}

	if e.IsStartElement() && e.Name.LocalName == "Signature" && !h.signatureSeen {
		h.signatureSeen = true
		h.inSignature = true
		h.signatureDepth = 1
		h.hdr = sigHeaderFields{}
		return []stream.Event{e}, nil
	}

	if e.IsStartElement() {
		if id, ok := e.ElementID(); ok {
			for _, rs := range h.sameDocRefs {
				if rs.id != id {
					continue
				}
				if rs.processed {
					return nil, securr.New(securr.DuplicateReference, "reference matched more than once: "+id)
				}
				verifier, err := newReferenceVerifier(rs, e, chain.Doc(), h.bus)
				if err != nil {
					return nil, err
				}
				rs.processed = true
				h.active = append(h.active, verifier)
				chain.AppendProcessor(verifier)
				chain.Doc().SetInSignedContent(verifier)
				break
			}
		}
	}

	return []stream.Event{e}, nil
}

// processSignatureHeaderEvent drives the small state machine that reads
// the Signature subtree's own SignedInfo (opaque, carried as a single
// canonicalized-bytes text node — see pkg/outbound's signatureElementEvents),
// SignatureValue, and KeyInfo/X509Certificate fields, tracked by the
// local name of the most recently opened element exactly like
// DecryptionHandler tracks EncryptedData's fields.
func (h *SignatureVerifyHandler) processSignatureHeaderEvent(e stream.Event) ([]stream.Event, error) {
	switch {
	case e.IsStartElement():
		h.signatureDepth++
		h.hdr.currentField = e.Name.LocalName

	case e.IsEndElement():
		h.signatureDepth--
		if h.signatureDepth == 0 && e.Name.LocalName == "Signature" {
			return h.finishSignatureHeader(e)
		}

	case e.Type == stream.Characters:
		switch h.hdr.currentField {
		case "SignedInfo":
			h.hdr.signedInfoRaw = e.Text
		case "SignatureValue":
			h.hdr.sigValueB64 = e.Text
		case "X509Certificate":
			h.hdr.certB64s = append(h.hdr.certB64s, e.Text)
		}
	}

	return []stream.Event{e}, nil
}

// finishSignatureHeader is reached at the Signature end-element: it
// parses the accumulated SignedInfo bytes, installs the extracted
// references (§4.7), decodes SignatureValue and any embedded X.509
// chain, and stashes what DoFinal needs for the SignatureValue check.
func (h *SignatureVerifyHandler) finishSignatureHeader(sigEndEvent stream.Event) ([]stream.Event, error) {
	h.inSignature = false

	signatureAlgorithmURI, refs, err := parseSignedInfo([]byte(h.hdr.signedInfoRaw))
	if err != nil {
		return nil, err
	}
	if err := h.BeginSignature(refs); err != nil {
		return nil, err
	}

	sigValue, err := base64.StdEncoding.DecodeString(h.hdr.sigValueB64)
	if err != nil {
		return nil, securr.Wrap(securr.InvalidSecurity, "decoding SignatureValue", err)
	}

	var certChain []*x509.Certificate
	for _, certB64 := range h.hdr.certB64s {
		der, derr := base64.StdEncoding.DecodeString(certB64)
		if derr != nil {
			return nil, securr.Wrap(securr.InvalidSecurity, "decoding X509Certificate in KeyInfo", derr)
		}
		cert, cerr := x509.ParseCertificate(der)
		if cerr != nil {
			return nil, securr.Wrap(securr.InvalidSecurity, "parsing X509Certificate in KeyInfo", cerr)
		}
		certChain = append(certChain, cert)
	}

	h.signatureAlgorithmURI = signatureAlgorithmURI
	h.signedInfoCanonical = []byte(h.hdr.signedInfoRaw)
	h.sigValue = sigValue
	h.certChain = certChain
	h.hdr = sigHeaderFields{}

	return []stream.Event{sigEndEvent}, nil
}

// parseSignedInfo re-parses the canonicalized SignedInfo bytes (already
// well-formed, namespace-resolved XML) to recover the SignatureMethod
// algorithm and the declared references, using the same pull parser the
// top-level document is read with.
func parseSignedInfo(raw []byte) (signatureAlgorithmURI string, refs []ReferenceRecord, err error) {
	src := stream.NewXMLSource(bytes.NewReader(raw), stream.NewDocumentContext(""))

	var currentField string
	var refURI, refTypeURI, refDigestURI, refDigestValueB64 string

	for {
		e, ok, perr := src.Next()
		if perr != nil {
			return "", nil, securr.Wrap(securr.InvalidSecurity, "parsing canonicalized SignedInfo", perr)
		}
		if !ok {
			break
		}

		switch {
		case e.IsStartElement():
			currentField = e.Name.LocalName
			switch e.Name.LocalName {
			case "SignatureMethod":
				if alg, ok := e.Attr(stream.QName{LocalName: "Algorithm"}); ok {
					signatureAlgorithmURI = alg
				}
			case "Reference":
				uri, _ := e.Attr(stream.QName{LocalName: "URI"})
				typ, _ := e.Attr(stream.QName{LocalName: "Type"})
				refURI, refTypeURI, refDigestURI, refDigestValueB64 = uri, typ, "", ""
			case "DigestMethod":
				if alg, ok := e.Attr(stream.QName{LocalName: "Algorithm"}); ok {
					refDigestURI = alg
				}
			}

		case e.IsEndElement():
			if e.Name.LocalName == "Reference" {
				expected, derr := base64.StdEncoding.DecodeString(refDigestValueB64)
				if derr != nil {
					return "", nil, securr.Wrap(securr.InvalidSecurity, "decoding Reference DigestValue", derr)
				}
				refs = append(refs, ReferenceRecord{URI: refURI, TypeURI: refTypeURI, DigestURI: refDigestURI, ExpectedDigest: expected})
			}

		case e.Type == stream.Characters:
			if currentField == "DigestValue" {
				refDigestValueB64 = e.Text
			}
		}
	}

	if signatureAlgorithmURI == "" {
		return "", nil, securr.New(securr.MissingRequiredElement, "SignedInfo is missing SignatureMethod")
	}
	return signatureAlgorithmURI, refs, nil
}

// DoFinal checks that every reference was matched: same-document
// references against the live stream, then external references fetched
// and digested out of band, per §4.7 "After the signature's end-element,
// the handler iterates remaining references...". Once every reference is
// satisfied, and only then, it verifies SignedInfo's own SignatureValue
// and — for a Signature that was actually parsed off the live stream —
// publishes the verification-outcome event, matching §5's ordering
// guarantee that the outcome event follows every reference resolution.
func (h *SignatureVerifyHandler) DoFinal(chain *Chain) error {
	for _, rs := range h.sameDocRefs {
		if !rs.processed {
			return securr.New(securr.ReferenceUnprocessed, "same-document reference never matched: #"+rs.id)
		}
	}

	for _, rs := range h.externalRefs {
		if err := h.verifyExternalReference(rs); err != nil {
			return err
		}
		rs.processed = true
	}
	for _, rs := range h.externalRefs {
		if !rs.processed {
			return securr.New(securr.ReferenceUnprocessed, "external reference never processed: "+rs.ref.URI)
		}
	}

	if !h.begun {
		return securr.New(securr.MissingRequiredElement, "no Signature element found")
	}
	if !h.signatureSeen {
		// No Signature was ever parsed off the live stream (BeginSignature
		// was invoked directly, out of band) — nothing to cryptographically
		// verify or report.
		return nil
	}

	tok, err := h.verifySignatureValue()
	if err != nil {
		return err
	}

	if h.trustValidator != nil {
		if verr := tok.ValidateCertificateChain(h.trustValidator, trust.PurposeSignatureVerification); verr != nil {
			return securr.Wrap(securr.KeyResolutionFailed, "signature certificate chain failed trust validation", verr)
		}
	}

	if h.bus != nil {
		h.bus.Publish(secevent.Event{Kind: secevent.KindSignatureVerified, AlgorithmURI: h.signatureAlgorithmURI, TokenID: tok.ID})
	}
	return nil
}

// verifySignatureValue resolves the verification token from the
// Signature's own embedded certificate chain (or a caller-supplied
// resolver keying off something else entirely) and checks SignatureValue
// against the canonicalized SignedInfo bytes, per the SignatureMethod
// family.
func (h *SignatureVerifyHandler) verifySignatureValue() (*token.Token, error) {
	if h.tokens == nil {
		return nil, securr.New(securr.InvalidConfiguration, "no verification token resolver configured")
	}
	tok, err := h.tokens.ResolveVerificationToken(h.certChain)
	if err != nil {
		return nil, err
	}

	switch h.signatureAlgorithmURI {
	case algorithm.SignatureHMACSHA1, algorithm.SignatureHMACSHA256:
		key, err := tok.SecretKeyFor(h.signatureAlgorithmURI, token.UsageSignatureVerification, "signature-value")
		if err != nil {
			return nil, err
		}
		mac, err := hmacSum(h.signatureAlgorithmURI, key, h.signedInfoCanonical)
		if err != nil {
			return nil, err
		}
		if !VerifySignatureValue(mac, h.sigValue) {
			return nil, securr.New(securr.SignatureMismatch, "SignedInfo signature value does not match")
		}
		return tok, nil

	case algorithm.SignatureRSASHA1, algorithm.SignatureRSASHA256:
		pub, err := tok.PublicKeyFor(h.signatureAlgorithmURI, token.UsageSignatureVerification, "signature-value")
		if err != nil {
			return nil, err
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, securr.New(securr.KeyResolutionFailed, "verification token did not produce an RSA public key")
		}
		hashFn, sum := hashAndSumSignedInfo(h.signatureAlgorithmURI, h.signedInfoCanonical)
		if err := rsa.VerifyPKCS1v15(rsaPub, hashFn, sum, h.sigValue); err != nil {
			return nil, securr.New(securr.SignatureMismatch, "SignedInfo signature value does not verify: "+err.Error())
		}
		return tok, nil

	case algorithm.SignatureEd25519:
		pub, err := tok.PublicKeyFor(h.signatureAlgorithmURI, token.UsageSignatureVerification, "signature-value")
		if err != nil {
			return nil, err
		}
		edPub, ok := pub.(ed25519.PublicKey)
		if !ok {
			return nil, securr.New(securr.KeyResolutionFailed, "verification token did not produce an Ed25519 public key")
		}
		if !ed25519.Verify(edPub, h.signedInfoCanonical, h.sigValue) {
			return nil, securr.New(securr.SignatureMismatch, "SignedInfo signature value does not verify")
		}
		return tok, nil

	default:
		return nil, securr.New(securr.UnsupportedAlgorithm, "signature algorithm not supported: "+h.signatureAlgorithmURI)
	}
}

func hmacSum(algorithmURI string, key, data []byte) ([]byte, error) {
	var newHash func() hash.Hash
	switch algorithmURI {
	case algorithm.SignatureHMACSHA1:
		newHash = sha1.New
	case algorithm.SignatureHMACSHA256:
		newHash = sha256.New
	default:
		return nil, securr.New(securr.UnsupportedAlgorithm, "HMAC signature algorithm not supported: "+algorithmURI)
	}
	mac := hmac.New(newHash, key)
	mac.Write(data)
	return mac.Sum(nil), nil
}

func hashAndSumSignedInfo(signatureAlgorithmURI string, data []byte) (crypto.Hash, []byte) {
	switch signatureAlgorithmURI {
	case algorithm.SignatureRSASHA256:
		sum := sha256.Sum256(data)
		return crypto.SHA256, sum[:]
	default:
		sum := sha1.Sum(data)
		return crypto.SHA1, sum[:]
	}
}

func (h *SignatureVerifyHandler) verifyExternalReference(rs *referenceState) error {
	res, err := h.resolvers.Select(rs.ref.URI, "")
	if err != nil {
		return err
	}
	ext, ok := res.(resolver.ExternalResolver)
	if !ok {
		return securr.New(securr.InvalidConfiguration, "resolver for external reference does not support fetching: "+rs.ref.URI)
	}
	rc, err := ext.Resolve(h.ctx, rs.ref.URI, "")
	if err != nil {
		return err
	}
	defer rc.Close()

	hsh, err := digest.NewHash(rs.ref.DigestURI)
	if err != nil {
		return err
	}
	sink := digest.NewSink(hsh)
	byteChain, err := canon.BuildByteChain(rs.ref.Transforms, sink)
	if err != nil {
		return err
	}
	if _, err := io.Copy(byteChain, rc); err != nil {
		return securr.Wrap(securr.IOFailure, "reading external reference: "+rs.ref.URI, err)
	}
	if err := byteChain.Close(); err != nil {
		return err
	}
	computed, err := sink.Close()
	if err != nil {
		return err
	}
	if !constantTimeEqual(computed, rs.ref.ExpectedDigest) {
		return securr.New(securr.DigestMismatch, "digest mismatch for external reference: "+rs.ref.URI)
	}
	return nil
}

// referenceVerifier is the per-reference state machine described in
// §4.7: idle (on construction) -> active (depth tracked from the
// matched start-element) -> done (depth returns to zero on the same
// qualified name), at which point it finalizes the transform chain,
// compares digests in constant time, and removes itself from the chain.
type referenceVerifier struct {
	state *referenceState
	name  stream.QName
	depth int
	done  bool

	chainHead canon.EventStage
	sink      *digest.Sink
	bus       *secevent.Bus
}

func newReferenceVerifier(rs *referenceState, startEvent stream.Event, doc *stream.DocumentContext, bus *secevent.Bus) (*referenceVerifier, error) {
	hsh, err := digest.NewHash(rs.ref.DigestURI)
	if err != nil {
		return nil, err
	}
	sink := digest.NewSink(hsh)
	head, err := canon.BuildEventChain(rs.ref.Transforms, sink)
	if err != nil {
		return nil, err
	}
	v := &referenceVerifier{state: rs, name: startEvent.Name, chainHead: head, sink: sink, bus: bus}
	if err := v.chainHead.Event(startEvent); err != nil {
		return nil, err
	}
	v.depth = 1
	return v, nil
}

func (v *referenceVerifier) ProcessEvent(e stream.Event, chain *Chain) ([]stream.Event, error) {
	if v.done {
		return []stream.Event{e}, nil
	}

	switch {
	case e.IsStartElement():
		v.depth++
	case e.IsEndElement():
		v.depth--
	}

	if err := v.chainHead.Event(e); err != nil {
		return nil, err
	}

	if e.IsEndElement() && v.depth == 0 && e.Name.Equal(v.name) {
		if err := v.finish(chain); err != nil {
			return nil, err
		}
	}

	return []stream.Event{e}, nil
}

func (v *referenceVerifier) finish(chain *Chain) error {
	if err := v.chainHead.Close(); err != nil {
		return err
	}
	computed, err := v.sink.Close()
	if err != nil {
		return err
	}
	if !constantTimeEqual(computed, v.state.ref.ExpectedDigest) {
		return securr.New(securr.DigestMismatch, "digest mismatch for reference: "+v.state.ref.URI)
	}
	if v.bus != nil {
		v.bus.Publish(secevent.Event{Kind: secevent.KindAlgorithmUsed, AlgorithmURI: v.state.ref.DigestURI, Detail: "reference digest: " + v.state.ref.URI})
	}
	v.done = true
	chain.Doc().UnsetInSignedContent(v)
	chain.RemoveProcessor(v)
	return nil
}

func (v *referenceVerifier) DoFinal(chain *Chain) error { return nil }

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// VerifySignatureValue compares a computed HMAC value for the symmetric
// (HMAC) SignatureMethod case against the expected SignatureValue bytes
// using the same constant-time discipline as reference digest
// comparison.
func VerifySignatureValue(computedMAC []byte, expected []byte) bool {
	return constantTimeEqual(computedMAC, expected)
}
