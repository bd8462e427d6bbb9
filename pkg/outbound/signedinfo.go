package outbound

import (
	"crypto"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"

	"github.com/streamxmlsec/engine/pkg/algorithm"
	"github.com/streamxmlsec/engine/pkg/securr"
	"github.com/streamxmlsec/engine/pkg/stream"
)

func hmacSign(algorithmURI string, key []byte, data []byte) ([]byte, error) {
	var h func() hmacHash
	switch algorithmURI {
	case algorithm.SignatureHMACSHA1:
		h = func() hmacHash { return hmac.New(sha1.New, key) }
	case algorithm.SignatureHMACSHA256:
		h = func() hmacHash { return hmac.New(sha256.New, key) }
	default:
		return nil, securr.New(securr.UnsupportedAlgorithm, "HMAC signature algorithm not supported: "+algorithmURI)
	}
	mac := h()
	mac.Write(data)
	return mac.Sum(nil), nil
}

// hmacHash is the subset of hash.Hash that hmac.New's return value
// satisfies; named locally to avoid importing "hash" solely for this.
type hmacHash interface {
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
}

func hashAndSum(signatureAlgorithmURI string, data []byte) (crypto.Hash, []byte) {
	switch signatureAlgorithmURI {
	case algorithm.SignatureRSASHA256:
		sum := sha256.Sum256(data)
		return crypto.SHA256, sum[:]
	default:
		sum := sha1.Sum(data)
		return crypto.SHA1, sum[:]
	}
}

// signedInfoEvents synthesizes the parse-event sequence for a SignedInfo
// element carrying a single Reference to targetName (URI "#" followed by
// targetName's local name) and the supplied Reference digest.
func signedInfoEvents(cfg SignerConfig, refDigest []byte, targetName stream.QName) []stream.Event {
	ns := stream.Namespace{Prefix: "ds", URI: dsigNS}
	qn := func(local string) stream.QName { return stream.QName{NamespaceURI: dsigNS, LocalName: local} }

	digestB64 := base64.StdEncoding.EncodeToString(refDigest)

	return []stream.Event{
		{Type: stream.StartElement, Name: qn("SignedInfo"), Namespaces: []stream.Namespace{ns}},
		{Type: stream.StartElement, Name: qn("CanonicalizationMethod"), Attributes: []stream.Attribute{{Name: stream.QName{LocalName: "Algorithm"}, Value: cfg.CanonicalizationURI}}},
		{Type: stream.EndElement, Name: qn("CanonicalizationMethod")},
		{Type: stream.StartElement, Name: qn("SignatureMethod"), Attributes: []stream.Attribute{{Name: stream.QName{LocalName: "Algorithm"}, Value: cfg.SignatureAlgorithmURI}}},
		{Type: stream.EndElement, Name: qn("SignatureMethod")},
		{Type: stream.StartElement, Name: qn("Reference"), Attributes: []stream.Attribute{{Name: stream.QName{LocalName: "URI"}, Value: "#" + targetName.LocalName}}},
		{Type: stream.StartElement, Name: qn("DigestMethod"), Attributes: []stream.Attribute{{Name: stream.QName{LocalName: "Algorithm"}, Value: cfg.DigestAlgorithmURI}}},
		{Type: stream.EndElement, Name: qn("DigestMethod")},
		{Type: stream.StartElement, Name: qn("DigestValue")},
		{Type: stream.Characters, Text: digestB64},
		{Type: stream.EndElement, Name: qn("DigestValue")},
		{Type: stream.EndElement, Name: qn("Reference")},
		{Type: stream.EndElement, Name: qn("SignedInfo")},
	}
}

// signatureElementEvents wraps a pre-canonicalized SignedInfo and its
// SignatureValue in the finished ds:Signature element. SignedInfo is
// not rebuilt as an element subtree: its canonical bytes, exactly as
// signed, travel as the text of a single SignedInfo element (see
// rawSignedInfoPassthrough), followed by SignatureValue and KeyInfo.
func signatureElementEvents(signedInfoCanonical []byte, sigValue []byte, certChain []*x509.Certificate) []stream.Event {
	qn := func(local string) stream.QName { return stream.QName{NamespaceURI: dsigNS, LocalName: local} }
	ns := stream.Namespace{Prefix: "ds", URI: dsigNS}

	events := []stream.Event{
		{Type: stream.StartElement, Name: qn("Signature"), Namespaces: []stream.Namespace{ns}},
	}
	events = append(events, rawSignedInfoPassthrough(signedInfoCanonical)...)
	events = append(events,
		stream.Event{Type: stream.StartElement, Name: qn("SignatureValue")},
		stream.Event{Type: stream.Characters, Text: base64.StdEncoding.EncodeToString(sigValue)},
		stream.Event{Type: stream.EndElement, Name: qn("SignatureValue")},
	)
	events = append(events, keyInfoEvents(certChain)...)
	events = append(events, stream.Event{Type: stream.EndElement, Name: qn("Signature")})
	return events
}

// rawSignedInfoPassthrough re-emits the canonicalized SignedInfo bytes
// as a single opaque Characters event wrapped in its own SignedInfo
// element, so that the event carries bytes bit-identical to what was
// signed. The start-element's Text is set to "raw-passthrough" as a
// marker; stream.XMLSink does not act on it and writes the bytes as
// escaped text, which a parser reading the output turns back into the
// same bytes.
func rawSignedInfoPassthrough(signedInfoCanonical []byte) []stream.Event {
	qn := stream.QName{NamespaceURI: dsigNS, LocalName: "SignedInfo"}
	return []stream.Event{
		{Type: stream.StartElement, Name: qn, Text: "raw-passthrough"},
		{Type: stream.Characters, Text: string(signedInfoCanonical)},
		{Type: stream.EndElement, Name: qn},
	}
}
