package stream

import (
	"encoding/xml"
	"io"
)

// XMLSource adapts an encoding/xml.Decoder into the pull-based Source
// every input processor chain reads from, tracking the ancestor stack
// via DocumentContext so every StartElement/EndElement event carries an
// accurate Path.
type XMLSource struct {
	dec *xml.Decoder
	doc *DocumentContext
}

// NewXMLSource builds an XMLSource reading from r, recording ancestor
// pushes/pops on doc as events are produced.
func NewXMLSource(r io.Reader, doc *DocumentContext) *XMLSource {
	return &XMLSource{dec: xml.NewDecoder(r), doc: doc}
}

// Next returns the next parse event, translating encoding/xml tokens
// into the engine's Event representation. Namespace URIs on names are
// taken directly from xml.Name.Space, which encoding/xml already
// resolves against declarations in scope.
func (s *XMLSource) Next() (Event, bool, error) {
	for {
		tok, err := s.dec.Token()
		if err == io.EOF {
			return Event{}, false, nil
		}
		if err != nil {
			return Event{}, false, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			name := QName{NamespaceURI: t.Name.Space, LocalName: t.Name.Local}
			path := s.doc.PushElement(name)
			return Event{
				Type:       StartElement,
				Name:       name,
				Attributes: convertAttrs(t.Attr),
				Namespaces: extractNamespaces(t.Attr),
				Path:       path,
			}, true, nil
		case xml.EndElement:
			name := QName{NamespaceURI: t.Name.Space, LocalName: t.Name.Local}
			s.doc.PopElement()
			return Event{Type: EndElement, Name: name}, true, nil
		case xml.CharData:
			if len(t) == 0 {
				continue
			}
			return Event{Type: Characters, Text: string(t)}, true, nil
		case xml.Comment:
			return Event{Type: Comment, Text: string(t)}, true, nil
		case xml.ProcInst:
			return Event{Type: ProcessingInstruction, Name: QName{LocalName: t.Target}, Text: string(t.Inst)}, true, nil
		default:
			continue
		}
	}
}

func convertAttrs(attrs []xml.Attr) []Attribute {
	var out []Attribute
	for _, a := range attrs {
		if a.Name.Space == "xmlns" || a.Name.Local == "xmlns" {
			continue
		}
		out = append(out, Attribute{Name: QName{NamespaceURI: a.Name.Space, LocalName: a.Name.Local}, Value: a.Value})
	}
	return out
}

func extractNamespaces(attrs []xml.Attr) []Namespace {
	var out []Namespace
	for _, a := range attrs {
		switch {
		case a.Name.Space == "xmlns":
			out = append(out, Namespace{Prefix: a.Name.Local, URI: a.Value})
		case a.Name.Local == "xmlns" && a.Name.Space == "":
			out = append(out, Namespace{Prefix: "", URI: a.Value})
		}
	}
	return out
}

// XMLSink adapts an io.Writer into the push-based Sink an output
// processor chain writes its final events to, serializing each Event
// back into XML text. Namespace prefixes are re-declared on every
// element that carried one in its source Namespaces slice; elements
// synthesized by this engine (Signature, EncryptedData) carry their own.
type XMLSink struct {
	w io.Writer
}

// NewXMLSink builds an XMLSink writing to w.
func NewXMLSink(w io.Writer) *XMLSink {
	return &XMLSink{w: w}
}

func (s *XMLSink) WriteEvent(e Event) error {
	switch e.Type {
	case StartElement:
		return s.writeStart(e)
	case EndElement:
		_, err := io.WriteString(s.w, "</"+qualifiedTag(e.Name)+">")
		return err
	case Characters:
		_, err := io.WriteString(s.w, escapeText(e.Text))
		return err
	case Comment:
		_, err := io.WriteString(s.w, "<!--"+e.Text+"-->")
		return err
	case ProcessingInstruction:
		_, err := io.WriteString(s.w, "<?"+e.Name.LocalName+" "+e.Text+"?>")
		return err
	default:
		return nil
	}
}

func (s *XMLSink) writeStart(e Event) error {
	if _, err := io.WriteString(s.w, "<"+qualifiedTag(e.Name)); err != nil {
		return err
	}
	for _, ns := range e.Namespaces {
		attr := "xmlns"
		if ns.Prefix != "" {
			attr = "xmlns:" + ns.Prefix
		}
		if _, err := io.WriteString(s.w, " "+attr+`="`+ns.URI+`"`); err != nil {
			return err
		}
	}
	for _, a := range e.Attributes {
		if _, err := io.WriteString(s.w, " "+qualifiedTag(a.Name)+`="`+escapeAttr(a.Value)+`"`); err != nil {
			return err
		}
	}
	_, err := io.WriteString(s.w, ">")
	return err
}

// qualifiedTag renders a QName for serialization. Like pkg/canon, this
// engine's event model does not carry the original source prefix, so
// elements synthesized with a namespace (ds:, xenc:) must set it via a
// Namespaces entry and rely on the reader resolving unprefixed local
// names against the declared default namespace — acceptable for the
// fixed-shape Signature/EncryptedData subtrees this engine emits.
func qualifiedTag(n QName) string {
	return n.LocalName
}

func escapeText(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '&':
			out = append(out, "&amp;"...)
		case '<':
			out = append(out, "&lt;"...)
		case '>':
			out = append(out, "&gt;"...)
		case '\r':
			out = append(out, "&#xD;"...)
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}

func escapeAttr(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '&':
			out = append(out, "&amp;"...)
		case '<':
			out = append(out, "&lt;"...)
		case '"':
			out = append(out, "&quot;"...)
		case '\t':
			out = append(out, "&#x9;"...)
		case '\n':
			out = append(out, "&#xA;"...)
		case '\r':
			out = append(out, "&#xD;"...)
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}
