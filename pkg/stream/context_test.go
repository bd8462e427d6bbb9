package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignedContentFlagsStackByOwner(t *testing.T) {
	doc := NewDocumentContext("")
	assert.False(t, doc.InSignedContent())

	var ownerA, ownerB struct{ id int }
	doc.SetInSignedContent(&ownerA)
	assert.True(t, doc.InSignedContent())

	doc.SetInSignedContent(&ownerB)
	doc.UnsetInSignedContent(&ownerA)
	assert.True(t, doc.InSignedContent()) // ownerB still holds it open

	doc.UnsetInSignedContent(&ownerB)
	assert.False(t, doc.InSignedContent())
}

func TestEncryptedContentFlagsAreIndependentOfSigned(t *testing.T) {
	doc := NewDocumentContext("")
	var owner struct{}
	doc.SetInEncryptedContent(&owner)

	assert.True(t, doc.InEncryptedContent())
	assert.False(t, doc.InSignedContent())
}

func TestPushPopElementTracksDepthAndPath(t *testing.T) {
	doc := NewDocumentContext("")
	assert.Equal(t, 0, doc.Depth())

	root := QName{LocalName: "root"}
	path := doc.PushElement(root)
	assert.Empty(t, path)
	assert.Equal(t, 1, doc.Depth())

	child := QName{LocalName: "child"}
	path = doc.PushElement(child)
	assert.Equal(t, []QName{root}, path)
	assert.Equal(t, 2, doc.Depth())

	doc.PopElement()
	assert.Equal(t, 1, doc.Depth())
	doc.PopElement()
	assert.Equal(t, 0, doc.Depth())
}

func TestPushElementPathIsSnapshotNotLiveView(t *testing.T) {
	doc := NewDocumentContext("")
	root := QName{LocalName: "root"}
	doc.PushElement(root)

	child := QName{LocalName: "child"}
	firstPath := doc.PushElement(child)

	grandchild := QName{LocalName: "grandchild"}
	doc.PushElement(grandchild)

	// firstPath must still reflect the ancestor stack as it was when
	// child was pushed, not mutated by the later grandchild push.
	assert.Equal(t, []QName{root}, firstPath)
}

func TestPopElementOnEmptyStackIsNoOp(t *testing.T) {
	doc := NewDocumentContext("")
	doc.PopElement()
	assert.Equal(t, 0, doc.Depth())
}
