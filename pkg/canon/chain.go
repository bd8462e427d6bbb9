// Package canon implements the Canonical/Transform Chain (C4): composable
// transforms over either XML parse events or byte streams, terminating in
// canonical byte output written to a digest sink, per §4.4.
package canon

import (
	"io"

	"github.com/streamxmlsec/engine/pkg/algorithm"
	"github.com/streamxmlsec/engine/pkg/securr"
	"github.com/streamxmlsec/engine/pkg/stream"
)

// EventStage consumes XML parse events and either forwards transformed
// events to another EventStage or, at the chain tail, writes canonical
// bytes to an io.Writer.
type EventStage interface {
	// Event delivers one parse event to the stage.
	Event(e stream.Event) error
	// Close flushes any buffered state. Called once, in chain order, when
	// the reference's scope closes.
	Close() error
}

// ByteStage consumes raw bytes, used for external (byte-stream) references
// that were not produced by this engine's own parser.
type ByteStage interface {
	io.Writer
	Close() error
}

// TransformRecord names one declared transform: its algorithm URI plus any
// inline parameters (inclusive-namespace prefixes for exclusive c14n).
type TransformRecord struct {
	AlgorithmURI        string
	InclusivePrefixes    []string // for exclusive c14n InclusiveNamespaces
	WithComments        bool
}

// BuildEventChain builds an EventStage chain for an in-document reference,
// applying the §4.4 special-case rules for absent/implicit transforms, and
// terminating the chain writing canonical bytes to sink.
//
// Declared transforms compose in reverse-declaration order: the first
// stage built from transforms[0] is the head that receives raw events, and
// the last declared transform is adjacent to the sink.
func BuildEventChain(transforms []TransformRecord, sink io.Writer) (EventStage, error) {
	effective := effectiveTransforms(transforms)

	// The last effective transform is always a canonicalizer (either
	// declared or appended by the default-transform rules) and is the
	// only stage that writes bytes to sink. Build it first, then wrap
	// preceding (event-to-event) transforms around it from the inside out.
	last := effective[len(effective)-1]
	next, err := newCanonicalizerStage(last, sink)
	if err != nil {
		return nil, err
	}
	for i := len(effective) - 2; i >= 0; i-- {
		t := effective[i]
		stage, err := newEventTransform(t, next)
		if err != nil {
			return nil, err
		}
		next = stage
	}
	return next, nil
}

func newCanonicalizerStage(t TransformRecord, sink io.Writer) (EventStage, error) {
	switch t.AlgorithmURI {
	case algorithm.CanonC14N10OmitComments:
		return newC14N10Stage(sink, false), nil
	case algorithm.CanonC14N10WithComments:
		return newC14N10Stage(sink, true), nil
	case algorithm.CanonC14N11OmitComments:
		return newC14N11Stage(sink, false), nil
	case algorithm.CanonC14N11WithComments:
		return newC14N11Stage(sink, true), nil
	case algorithm.CanonExcC14NOmitComments:
		return newExcC14NStage(sink, t.InclusivePrefixes, false), nil
	case algorithm.CanonExcC14NWithComments:
		return newExcC14NStage(sink, t.InclusivePrefixes, true), nil
	default:
		return nil, securr.New(securr.UnsupportedAlgorithm, "expected canonicalization transform, got: "+t.AlgorithmURI)
	}
}

// effectiveTransforms applies the §4.4 default-transform rules:
//   - no declared transforms -> default to Canonical-XML 1.0 omit-comments
//   - sole declared transform is enveloped-signature -> append
//     Canonical-XML 1.0 omit-comments after it
func effectiveTransforms(transforms []TransformRecord) []TransformRecord {
	if len(transforms) == 0 {
		return []TransformRecord{{AlgorithmURI: algorithm.CanonC14N10OmitComments}}
	}
	if len(transforms) == 1 && transforms[0].AlgorithmURI == algorithm.TransformEnvelopedSignature {
		return []TransformRecord{
			transforms[0],
			{AlgorithmURI: algorithm.CanonC14N10OmitComments},
		}
	}
	return transforms
}

func newEventTransform(t TransformRecord, next EventStage) (EventStage, error) {
	switch t.AlgorithmURI {
	case algorithm.TransformEnvelopedSignature:
		return newEnvelopedSignatureStage(next), nil
	default:
		return nil, securr.New(securr.UnsupportedAlgorithm, "transform algorithm not registered: "+t.AlgorithmURI)
	}
}
