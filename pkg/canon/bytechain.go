package canon

import (
	"io"

	"github.com/streamxmlsec/engine/pkg/securr"
)

// BuildByteChain builds the transform chain for an external (byte-stream)
// reference. External content has no parse-event representation, so only
// byte-consuming transforms are valid; declaring any event-consuming
// transform (enveloped-signature, any canonicalization) against an
// external reference is a configuration error the caller must reject
// before calling this, since none of those transforms is expressible as
// a ByteStage. BuildByteChain exists for the identity case (no
// transforms: raw bytes pass straight to the digest sink) and any future
// byte-consuming transform; today no byte-consuming transform algorithms
// are registered beyond pass-through.
func BuildByteChain(transforms []TransformRecord, sink io.Writer) (ByteStage, error) {
	if len(transforms) == 0 {
		return &passthroughByteStage{w: sink}, nil
	}
	return nil, securr.New(securr.TransformFailure, "no byte-consuming transform registered for external reference")
}

type passthroughByteStage struct {
	w io.Writer
}

func (p *passthroughByteStage) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *passthroughByteStage) Close() error                { return nil }
