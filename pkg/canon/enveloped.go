package canon

import "github.com/streamxmlsec/engine/pkg/stream"

// envelopedSignatureStage implements the enveloped-signature transform:
// it drops the ds:Signature element (and everything nested in it) that
// encloses the reference being processed, forwarding every other event
// unchanged to next. Because the chain operates on a live event stream
// rather than a materialized tree, the Signature element is recognized
// purely by element name and suppressed for the duration of its subtree;
// nested Signature elements (a Manifest containing another Signature, for
// instance) are each tracked independently via a depth counter so the
// stage resumes forwarding exactly when the matching end-element for the
// first discovered Signature passes.
type envelopedSignatureStage struct {
	next EventStage

	skipping bool
	skipDepth int
}

func newEnvelopedSignatureStage(next EventStage) *envelopedSignatureStage {
	return &envelopedSignatureStage{next: next}
}

func (s *envelopedSignatureStage) Event(e stream.Event) error {
	if s.skipping {
		switch e.Type {
		case stream.StartElement:
			if e.Name.LocalName == "Signature" {
				s.skipDepth++
			}
			return nil
		case stream.EndElement:
			if e.Name.LocalName == "Signature" {
				s.skipDepth--
				if s.skipDepth == 0 {
					s.skipping = false
				}
			}
			return nil
		default:
			return nil
		}
	}

	if e.Type == stream.StartElement && e.Name.LocalName == "Signature" {
		s.skipping = true
		s.skipDepth = 1
		return nil
	}

	return s.next.Event(e)
}

func (s *envelopedSignatureStage) Close() error {
	return s.next.Close()
}
