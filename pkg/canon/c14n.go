package canon

import (
	"io"
	"sort"
	"strings"

	"github.com/streamxmlsec/engine/pkg/stream"
)

// nsScope tracks, for one canonicalization stage, the namespace bindings
// already written to the output at each ancestor depth, so that a
// binding is re-emitted on a descendant element only when its value
// differs from the nearest ancestor that rendered the same prefix —
// the core namespace-rendering rule shared by Canonical XML 1.0/1.1 and
// Exclusive XML Canonicalization.
type nsScope struct {
	frames []map[string]string // prefix -> uri, one frame per open element
}

func newNSScope() *nsScope {
	return &nsScope{frames: []map[string]string{{}}}
}

func (s *nsScope) push() {
	s.frames = append(s.frames, map[string]string{})
}

func (s *nsScope) pop() {
	s.frames = s.frames[:len(s.frames)-1]
}

// rendered returns the nearest ancestor (including the current frame)
// value bound to prefix, and whether any ancestor has bound it.
func (s *nsScope) rendered(prefix string) (string, bool) {
	for i := len(s.frames) - 1; i >= 0; i-- {
		if v, ok := s.frames[i][prefix]; ok {
			return v, true
		}
	}
	return "", false
}

// record stores that prefix is now rendered with uri at the current
// (innermost) frame.
func (s *nsScope) record(prefix, uri string) {
	s.frames[len(s.frames)-1][prefix] = uri
}

// c14nStage implements Canonical XML 1.0/1.1 (inclusive): every namespace
// declaration in scope at an element is a candidate for rendering,
// independent of whether the element or its attributes actually use the
// prefix.
type c14nStage struct {
	w             io.Writer
	withComments  bool
	scope         *nsScope
	err           error
}

func newC14N10Stage(w io.Writer, withComments bool) *c14nStage {
	return &c14nStage{w: w, withComments: withComments, scope: newNSScope()}
}

// newC14N11Stage builds a Canonical XML 1.1 stage. 1.1 differs from 1.0
// only in how xml:* attributes are inherited onto the canonicalized
// subtree's top element; since this engine canonicalizes references that
// the caller has already scoped to a concrete element, that inheritance
// is the caller's responsibility when constructing the reference's
// ancestor xml:* attribute set, so the serialization logic is shared with
// 1.0 here.
func newC14N11Stage(w io.Writer, withComments bool) *c14nStage {
	return &c14nStage{w: w, withComments: withComments, scope: newNSScope()}
}

func (c *c14nStage) Event(e stream.Event) error {
	if c.err != nil {
		return c.err
	}
	switch e.Type {
	case stream.StartElement:
		c.scope.push()
		c.writeStartElement(e, e.Namespaces)
	case stream.EndElement:
		c.writeEndElement(e)
		c.scope.pop()
	case stream.Characters:
		c.writeText(e.Text)
	case stream.Comment:
		if c.withComments {
			c.write("<!--")
			c.write(e.Text)
			c.write("-->")
		}
	case stream.ProcessingInstruction:
		c.writePI(e)
	}
	return c.err
}

func (c *c14nStage) Close() error { return c.err }

func (c *c14nStage) write(s string) {
	if c.err != nil {
		return
	}
	_, c.err = io.WriteString(c.w, s)
}

func (c *c14nStage) writeStartElement(e stream.Event, candidateNS []stream.Namespace) {
	c.write("<")
	c.write(qualifiedName(e.Name))

	toRender := renderNamespaces(c.scope, candidateNS)
	attrs := sortedAttrs(e.Attributes)

	for _, ns := range toRender {
		c.write(" ")
		c.write(nsDeclString(ns))
	}
	for _, a := range attrs {
		c.write(" ")
		c.write(qualifiedName(a.Name))
		c.write(`="`)
		c.write(escapeAttrValue(a.Value))
		c.write(`"`)
	}
	c.write(">")
}

func (c *c14nStage) writeEndElement(e stream.Event) {
	c.write("</")
	c.write(qualifiedName(e.Name))
	c.write(">")
}

func (c *c14nStage) writeText(text string) {
	c.write(escapeText(text))
}

func (c *c14nStage) writePI(e stream.Event) {
	c.write("<?")
	c.write(e.Name.LocalName)
	if e.Text != "" {
		c.write(" ")
		c.write(e.Text)
	}
	c.write("?>")
}

// renderNamespaces decides, against scope, which of candidate namespace
// declarations must be emitted on the current element: those not yet
// bound by an ancestor frame, or bound to a different URI there. It
// records every emitted binding into scope's current frame.
func renderNamespaces(scope *nsScope, candidate []stream.Namespace) []stream.Namespace {
	var out []stream.Namespace
	for _, ns := range candidate {
		prior, ok := scope.rendered(ns.Prefix)
		if ok && prior == ns.URI {
			continue
		}
		out = append(out, ns)
		scope.record(ns.Prefix, ns.URI)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix < out[j].Prefix })
	return out
}

func nsDeclString(ns stream.Namespace) string {
	if ns.Prefix == "" {
		return `xmlns="` + escapeAttrValue(ns.URI) + `"`
	}
	return "xmlns:" + ns.Prefix + `="` + escapeAttrValue(ns.URI) + `"`
}

func qualifiedName(n stream.QName) string {
	// QName here carries the already-resolved local serialization form;
	// the stream producer is responsible for attaching the correct
	// prefix as part of LocalName when a prefixed form is required. In
	// this engine elements are tracked by namespace URI + local name, so
	// we fall back to local name alone when no prefix information travels
	// with the event (the common, unprefixed-default-namespace case).
	return n.LocalName
}

func sortedAttrs(attrs []stream.Attribute) []stream.Attribute {
	out := make([]stream.Attribute, len(attrs))
	copy(out, attrs)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name.NamespaceURI != out[j].Name.NamespaceURI {
			return out[i].Name.NamespaceURI < out[j].Name.NamespaceURI
		}
		return out[i].Name.LocalName < out[j].Name.LocalName
	})
	return out
}

func escapeText(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", "\r", "&#xD;")
	return r.Replace(s)
}

func escapeAttrValue(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		`"`, "&quot;",
		"\t", "&#x9;",
		"\n", "&#xA;",
		"\r", "&#xD;",
	)
	return r.Replace(s)
}
