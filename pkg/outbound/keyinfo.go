package outbound

import (
	"crypto/x509"
	"encoding/base64"

	"github.com/beevik/etree"

	"github.com/streamxmlsec/engine/pkg/stream"
)

// keyInfoEvents builds the ds:KeyInfo/X509Data subtree carrying chain
// (leaf first) as base64 X509Certificate children, returning it as a
// parse-event sequence ready to append after SignatureValue. The
// subtree is assembled with etree rather than by hand, the same way the
// teacher's WS-Security signer builds its KeyInfo/SecurityTokenReference
// elements, since KeyInfo is always small and fixed-shape regardless of
// the signed document's size.
func keyInfoEvents(chain []*x509.Certificate) []stream.Event {
	if len(chain) == 0 {
		return nil
	}

	keyInfo := etree.NewElement("ds:KeyInfo")
	x509Data := keyInfo.CreateElement("ds:X509Data")
	for _, cert := range chain {
		certElem := x509Data.CreateElement("ds:X509Certificate")
		certElem.SetText(base64.StdEncoding.EncodeToString(cert.Raw))
	}

	return elementToEvents(keyInfo)
}

// elementToEvents walks an in-memory etree.Element subtree depth-first,
// translating it into the engine's stream.Event representation. Used
// only for the small, fully-buffered subtrees this engine synthesizes
// itself (KeyInfo); it is never run over an entire inbound or outbound
// document, which stay on the pull/push event paths throughout.
func elementToEvents(el *etree.Element) []stream.Event {
	name := stream.QName{LocalName: localName(el.Tag)}
	if name.LocalName == "" {
		name.LocalName = el.Tag
	}
	if el.FullTag() == "ds:KeyInfo" || el.FullTag() == "ds:X509Data" || el.FullTag() == "ds:X509Certificate" {
		name = stream.QName{NamespaceURI: dsigNS, LocalName: localName(el.Tag)}
	}

	var attrs []stream.Attribute
	for _, attr := range el.Attr {
		attrs = append(attrs, stream.Attribute{Name: stream.QName{LocalName: attr.Key}, Value: attr.Value})
	}

	events := []stream.Event{{Type: stream.StartElement, Name: name, Attributes: attrs}}
	for _, child := range el.ChildElements() {
		events = append(events, elementToEvents(child)...)
	}
	if text := el.Text(); text != "" {
		events = append(events, stream.Event{Type: stream.Characters, Text: text})
	}
	events = append(events, stream.Event{Type: stream.EndElement, Name: name})
	return events
}

func localName(tag string) string {
	for i := 0; i < len(tag); i++ {
		if tag[i] == ':' {
			return tag[i+1:]
		}
	}
	return tag
}
