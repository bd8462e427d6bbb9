package resolver

import "github.com/streamxmlsec/engine/pkg/stream"

// SameDocument is the default SameDocumentResolver: it matches any
// bare-fragment reference URI ("#id") and, for each StartElement of the
// live event stream that carries an id (xml:id or a schema "Id"/"ID"
// attribute, via Event.ElementID), reports that id; comparing it with a
// reference's fragment is left to the caller.
type SameDocument struct{}

// NewSameDocument constructs the default same-document resolver.
func NewSameDocument() *SameDocument { return &SameDocument{} }

func (s *SameDocument) Matches(refURI, baseURI string) bool {
	return IsFragmentOnly(refURI)
}

func (s *SameDocument) IsSameDocumentReference() bool { return true }

func (s *SameDocument) ObserveStartElement(e stream.Event) (string, bool) {
	if !e.IsStartElement() {
		return "", false
	}
	id, ok := e.ElementID()
	if !ok {
		return "", false
	}
	return id, true
}
