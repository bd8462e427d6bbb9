package inbound

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamxmlsec/engine/pkg/algorithm"
	"github.com/streamxmlsec/engine/pkg/canon"
	"github.com/streamxmlsec/engine/pkg/resolver"
	"github.com/streamxmlsec/engine/pkg/stream"
)

func digestOf(t *testing.T, canonicalXML string) []byte {
	t.Helper()
	h := sha256.Sum256([]byte(canonicalXML))
	return h[:]
}

func TestSignatureVerifyHandlerMatchesAndVerifiesSameDocumentReference(t *testing.T) {
	// The canonical form of <Body Id="body-1"></Body> with no namespace
	// declarations rendered is exactly its serialized text, matching
	// pkg/canon's c14n stage for an element with no namespaces/attrs
	// other than Id.
	canonical := `<Body Id="body-1"></Body>`
	want := digestOf(t, canonical)

	h := NewSignatureVerifyHandler(context.Background(), Limits{AllowManifests: true}, resolver.NewRegistry(false), nil, nil, nil)
	require.NoError(t, h.BeginSignature([]ReferenceRecord{
		{URI: "#body-1", DigestURI: algorithm.DigestSHA256, ExpectedDigest: want},
	}))

	events := []stream.Event{
		{Type: stream.StartElement, Name: qname("Body"), Attributes: []stream.Attribute{attr("Id", "body-1")}},
		{Type: stream.EndElement, Name: qname("Body")},
	}
	src := &sliceSource{events: events}
	chain := NewChain(src, stream.NewDocumentContext(""))
	chain.AppendInitialHandler(h)

	out := drainChain(t, chain)
	require.Len(t, out, 2)
	require.NoError(t, chain.Finish())
}

func TestSignatureVerifyHandlerRejectsDigestMismatch(t *testing.T) {
	h := NewSignatureVerifyHandler(context.Background(), Limits{}, resolver.NewRegistry(false), nil, nil, nil)
	require.NoError(t, h.BeginSignature([]ReferenceRecord{
		{URI: "#body-1", DigestURI: algorithm.DigestSHA256, ExpectedDigest: []byte("not the right digest at all!!!!")},
	}))

	events := []stream.Event{
		{Type: stream.StartElement, Name: qname("Body"), Attributes: []stream.Attribute{attr("Id", "body-1")}},
		{Type: stream.EndElement, Name: qname("Body")},
	}
	src := &sliceSource{events: events}
	chain := NewChain(src, stream.NewDocumentContext(""))
	chain.AppendInitialHandler(h)

	var err error
	for {
		_, ok, e := chain.NextEvent()
		if e != nil {
			err = e
			break
		}
		if !ok {
			break
		}
	}
	assert.Error(t, err)
}

func TestSignatureVerifyHandlerDoFinalFailsOnUnmatchedReference(t *testing.T) {
	h := NewSignatureVerifyHandler(context.Background(), Limits{}, resolver.NewRegistry(false), nil, nil, nil)
	require.NoError(t, h.BeginSignature([]ReferenceRecord{
		{URI: "#never-appears", DigestURI: algorithm.DigestSHA256, ExpectedDigest: []byte("x")},
	}))

	src := &sliceSource{events: nil}
	chain := NewChain(src, stream.NewDocumentContext(""))
	chain.AppendInitialHandler(h)

	_ = drainChain(t, chain)
	err := chain.Finish()
	assert.Error(t, err)
}

func TestBeginSignatureRejectsReferenceCountOverLimit(t *testing.T) {
	h := NewSignatureVerifyHandler(context.Background(), Limits{MaxReferencesPerManifest: 1}, resolver.NewRegistry(false), nil, nil, nil)
	err := h.BeginSignature([]ReferenceRecord{
		{URI: "#a"}, {URI: "#b"},
	})
	assert.Error(t, err)
}

func TestBeginSignatureRejectsManifestWhenDisallowed(t *testing.T) {
	h := NewSignatureVerifyHandler(context.Background(), Limits{}, resolver.NewRegistry(false), nil, nil, nil)
	err := h.BeginSignature([]ReferenceRecord{
		{URI: "#a", TypeURI: ManifestTypeURI},
	})
	assert.Error(t, err)
}

func TestBeginSignatureRejectsExternalReferenceWhenDisallowed(t *testing.T) {
	h := NewSignatureVerifyHandler(context.Background(), Limits{}, resolver.NewRegistry(false), nil, nil, nil)
	err := h.BeginSignature([]ReferenceRecord{
		{URI: "https://example.org/doc.xml"},
	})
	assert.Error(t, err)
}

func TestBeginSignatureRejectsTooManyTransforms(t *testing.T) {
	h := NewSignatureVerifyHandler(context.Background(), Limits{MaxTransformsPerReference: 1}, resolver.NewRegistry(false), nil, nil, nil)
	err := h.BeginSignature([]ReferenceRecord{
		{URI: "#a", Transforms: []canon.TransformRecord{{}, {}}},
	})
	assert.Error(t, err)
}

func TestVerifySignatureValueUsesConstantTimeCompare(t *testing.T) {
	assert.True(t, VerifySignatureValue([]byte("abc"), []byte("abc")))
	assert.False(t, VerifySignatureValue([]byte("abc"), []byte("abd")))
	assert.False(t, VerifySignatureValue([]byte("abc"), []byte("ab")))
}
