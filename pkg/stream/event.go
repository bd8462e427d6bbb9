// Package stream defines the event-based XML data model shared by every
// component of the streaming security engine: a single Event type carrying
// one of start-element, end-element, text, comment, processing-instruction,
// document-start or document-end, qualified names, and the ancestor path
// maintained lazily by the pull side of the pipeline.
package stream

import "fmt"

// EventType identifies the kind of XML parse event an Event carries.
type EventType int

const (
	// DocumentStart marks the beginning of a document.
	DocumentStart EventType = iota
	// DocumentEnd marks the end of a document.
	DocumentEnd
	// StartElement carries a start tag with its attributes and namespaces.
	StartElement
	// EndElement carries an end tag.
	EndElement
	// Characters carries text content.
	Characters
	// Comment carries a comment node.
	Comment
	// ProcessingInstruction carries a processing instruction.
	ProcessingInstruction
)

func (t EventType) String() string {
	switch t {
	case DocumentStart:
		return "DocumentStart"
	case DocumentEnd:
		return "DocumentEnd"
	case StartElement:
		return "StartElement"
	case EndElement:
		return "EndElement"
	case Characters:
		return "Characters"
	case Comment:
		return "Comment"
	case ProcessingInstruction:
		return "ProcessingInstruction"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// QName is a qualified XML name: a namespace URI plus a local name. Two
// names are equal iff both parts are equal.
type QName struct {
	NamespaceURI string
	LocalName    string
}

// Equal reports whether two qualified names denote the same name.
func (q QName) Equal(o QName) bool {
	return q.NamespaceURI == o.NamespaceURI && q.LocalName == o.LocalName
}

func (q QName) String() string {
	if q.NamespaceURI == "" {
		return q.LocalName
	}
	return "{" + q.NamespaceURI + "}" + q.LocalName
}

// Attribute is an XML attribute, already namespace-resolved.
type Attribute struct {
	Name  QName
	Value string
}

// Namespace is a namespace declaration in scope for an element.
type Namespace struct {
	Prefix string
	URI    string
}

// Event is an opaque, immutable XML parse event. Exactly one of the
// type-specific fields is meaningful, selected by Type.
type Event struct {
	Type EventType

	// Name is set for StartElement, EndElement and ProcessingInstruction
	// (target stored in LocalName).
	Name QName

	// Attributes and Namespaces are set for StartElement.
	Attributes []Attribute
	Namespaces []Namespace

	// Text carries character data, comment text, or a PI's data.
	Text string

	// Path is the ancestor chain (excluding this event's own name for
	// StartElement/EndElement) as maintained by the producing parser at
	// the moment the event was produced. It is cheap to derive lazily
	// from a stack the pull parser already maintains — see DocumentContext.
	Path []QName
}

// IsStartElement reports whether e is a StartElement event.
func (e Event) IsStartElement() bool { return e.Type == StartElement }

// IsEndElement reports whether e is an EndElement event.
func (e Event) IsEndElement() bool { return e.Type == EndElement }

// Attr returns the value of the attribute with the given qualified name,
// and whether it was present.
func (e Event) Attr(name QName) (string, bool) {
	for _, a := range e.Attributes {
		if a.Name.Equal(name) {
			return a.Value, true
		}
	}
	return "", false
}

// ElementID interprets xml:id and the common schema-defined "Id"/"ID"
// attribute as the element's identifier, per §4.2: the only way a
// same-document reference is matched is by inspecting the live
// start-element event, never a post-parse lookup.
func (e Event) ElementID() (string, bool) {
	if v, ok := e.Attr(QName{NamespaceURI: NSXML, LocalName: "id"}); ok {
		return v, true
	}
	for _, a := range e.Attributes {
		if a.Name.LocalName == "Id" || a.Name.LocalName == "ID" || a.Name.LocalName == "id" {
			return a.Value, true
		}
	}
	return "", false
}

// NSXML is the fixed namespace URI bound to the xml: prefix.
const NSXML = "http://www.w3.org/XML/1998/namespace"
