package canon

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamxmlsec/engine/pkg/algorithm"
	"github.com/streamxmlsec/engine/pkg/stream"
)

func qn(local string) stream.QName { return stream.QName{LocalName: local} }

func TestC14N10RerendersNamespaceOnlyWhenChanged(t *testing.T) {
	var buf strings.Builder
	stage := newC14N10Stage(&buf, false)

	events := []stream.Event{
		{Type: stream.StartElement, Name: qn("root"), Namespaces: []stream.Namespace{{Prefix: "a", URI: "urn:a"}}},
		{Type: stream.StartElement, Name: qn("child"), Namespaces: []stream.Namespace{{Prefix: "a", URI: "urn:a"}}},
		{Type: stream.EndElement, Name: qn("child")},
		{Type: stream.StartElement, Name: qn("child2"), Namespaces: []stream.Namespace{{Prefix: "a", URI: "urn:b"}}},
		{Type: stream.EndElement, Name: qn("child2")},
		{Type: stream.EndElement, Name: qn("root")},
	}
	for _, e := range events {
		require.NoError(t, stage.Event(e))
	}
	require.NoError(t, stage.Close())

	got := buf.String()
	assert.Equal(t, `<root xmlns:a="urn:a"><child></child><child2 xmlns:a="urn:b"></child2></root>`, got)
}

func TestC14N10OmitsCommentsByDefault(t *testing.T) {
	var buf strings.Builder
	stage := newC14N10Stage(&buf, false)
	require.NoError(t, stage.Event(stream.Event{Type: stream.StartElement, Name: qn("r")}))
	require.NoError(t, stage.Event(stream.Event{Type: stream.Comment, Text: "hidden"}))
	require.NoError(t, stage.Event(stream.Event{Type: stream.EndElement, Name: qn("r")}))
	assert.Equal(t, "<r></r>", buf.String())
}

func TestC14N10WithCommentsIncludesThem(t *testing.T) {
	var buf strings.Builder
	stage := newC14N10Stage(&buf, true)
	require.NoError(t, stage.Event(stream.Event{Type: stream.StartElement, Name: qn("r")}))
	require.NoError(t, stage.Event(stream.Event{Type: stream.Comment, Text: "hidden"}))
	require.NoError(t, stage.Event(stream.Event{Type: stream.EndElement, Name: qn("r")}))
	assert.Equal(t, "<r><!--hidden--></r>", buf.String())
}

func TestC14N10SortsAttributesByNamespaceThenLocalName(t *testing.T) {
	var buf strings.Builder
	stage := newC14N10Stage(&buf, false)
	e := stream.Event{
		Type: stream.StartElement,
		Name: qn("r"),
		Attributes: []stream.Attribute{
			{Name: stream.QName{LocalName: "z"}, Value: "1"},
			{Name: stream.QName{LocalName: "a"}, Value: "2"},
		},
	}
	require.NoError(t, stage.Event(e))
	require.NoError(t, stage.Event(stream.Event{Type: stream.EndElement, Name: qn("r")}))
	assert.Equal(t, `<r a="2" z="1"></r>`, buf.String())
}

func TestExcC14NOnlyRendersVisiblyUtilizedNamespaces(t *testing.T) {
	var buf strings.Builder
	stage := newExcC14NStage(&buf, nil, false)

	// "unused" is in scope via Namespaces but neither the element name nor
	// any attribute references its URI, so exclusive c14n must drop it.
	e := stream.Event{
		Type: stream.StartElement,
		Name: stream.QName{NamespaceURI: "urn:used", LocalName: "r"},
		Namespaces: []stream.Namespace{
			{Prefix: "u", URI: "urn:used"},
			{Prefix: "x", URI: "urn:unused"},
		},
	}
	require.NoError(t, stage.Event(e))
	require.NoError(t, stage.Event(stream.Event{Type: stream.EndElement, Name: e.Name}))

	got := buf.String()
	assert.Contains(t, got, `xmlns:u="urn:used"`)
	assert.NotContains(t, got, "unused")
}

func TestExcC14NInclusivePrefixForcesRendering(t *testing.T) {
	var buf strings.Builder
	stage := newExcC14NStage(&buf, []string{"x"}, false)

	e := stream.Event{
		Type: stream.StartElement,
		Name: qn("r"),
		Namespaces: []stream.Namespace{
			{Prefix: "x", URI: "urn:forced"},
		},
	}
	require.NoError(t, stage.Event(e))
	require.NoError(t, stage.Event(stream.Event{Type: stream.EndElement, Name: qn("r")}))
	assert.Contains(t, buf.String(), `xmlns:x="urn:forced"`)
}

type recordingStage struct {
	events []stream.Event
	closed bool
}

func (r *recordingStage) Event(e stream.Event) error { r.events = append(r.events, e); return nil }
func (r *recordingStage) Close() error               { r.closed = true; return nil }

func TestEnvelopedSignatureStageDropsSignatureSubtree(t *testing.T) {
	rec := &recordingStage{}
	stage := newEnvelopedSignatureStage(rec)

	events := []stream.Event{
		{Type: stream.StartElement, Name: qn("root")},
		{Type: stream.StartElement, Name: qn("Signature")},
		{Type: stream.StartElement, Name: qn("SignedInfo")},
		{Type: stream.EndElement, Name: qn("SignedInfo")},
		{Type: stream.EndElement, Name: qn("Signature")},
		{Type: stream.Characters, Text: "after"},
		{Type: stream.EndElement, Name: qn("root")},
	}
	for _, e := range events {
		require.NoError(t, stage.Event(e))
	}
	require.NoError(t, stage.Close())
	require.True(t, rec.closed)

	require.Len(t, rec.events, 3)
	assert.Equal(t, "root", rec.events[0].Name.LocalName)
	assert.Equal(t, stream.Characters, rec.events[1].Type)
	assert.Equal(t, "root", rec.events[2].Name.LocalName)
}

func TestEnvelopedSignatureStageTracksNestedSignatureDepth(t *testing.T) {
	rec := &recordingStage{}
	stage := newEnvelopedSignatureStage(rec)

	events := []stream.Event{
		{Type: stream.StartElement, Name: qn("root")},
		{Type: stream.StartElement, Name: qn("Signature")},
		{Type: stream.StartElement, Name: qn("Signature")}, // nested, same local name
		{Type: stream.EndElement, Name: qn("Signature")},
		{Type: stream.EndElement, Name: qn("Signature")},
		{Type: stream.EndElement, Name: qn("root")},
	}
	for _, e := range events {
		require.NoError(t, stage.Event(e))
	}
	require.Len(t, rec.events, 2)
}

func TestBuildEventChainDefaultsToC14N10WhenNoTransforms(t *testing.T) {
	var buf strings.Builder
	chain, err := BuildEventChain(nil, &buf)
	require.NoError(t, err)

	require.NoError(t, chain.Event(stream.Event{Type: stream.StartElement, Name: qn("r")}))
	require.NoError(t, chain.Event(stream.Event{Type: stream.EndElement, Name: qn("r")}))
	require.NoError(t, chain.Close())
	assert.Equal(t, "<r></r>", buf.String())
}

func TestBuildEventChainAppendsC14NAfterSoleEnvelopedTransform(t *testing.T) {
	var buf strings.Builder
	chain, err := BuildEventChain([]TransformRecord{{AlgorithmURI: algorithm.TransformEnvelopedSignature}}, &buf)
	require.NoError(t, err)

	events := []stream.Event{
		{Type: stream.StartElement, Name: qn("root")},
		{Type: stream.StartElement, Name: qn("Signature")},
		{Type: stream.EndElement, Name: qn("Signature")},
		{Type: stream.EndElement, Name: qn("root")},
	}
	for _, e := range events {
		require.NoError(t, chain.Event(e))
	}
	require.NoError(t, chain.Close())
	assert.Equal(t, "<root></root>", buf.String())
}

func TestBuildEventChainRejectsUnregisteredTerminalAlgorithm(t *testing.T) {
	var buf strings.Builder
	_, err := BuildEventChain([]TransformRecord{{AlgorithmURI: "urn:not-a-canonicalizer"}}, &buf)
	assert.Error(t, err)
}

func TestBuildByteChainIdentityPassesBytesThrough(t *testing.T) {
	var buf strings.Builder
	stage, err := BuildByteChain(nil, &buf)
	require.NoError(t, err)

	_, err = stage.Write([]byte("raw bytes"))
	require.NoError(t, err)
	require.NoError(t, stage.Close())
	assert.Equal(t, "raw bytes", buf.String())
}

func TestBuildByteChainRejectsAnyDeclaredTransform(t *testing.T) {
	var buf strings.Builder
	_, err := BuildByteChain([]TransformRecord{{AlgorithmURI: algorithm.CanonC14N10OmitComments}}, &buf)
	assert.Error(t, err)
}
