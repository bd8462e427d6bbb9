package outbound

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamxmlsec/engine/pkg/stream"
)

type recordingSink struct {
	events []stream.Event
}

func (s *recordingSink) WriteEvent(e stream.Event) error {
	s.events = append(s.events, e)
	return nil
}

// taggingHandler passes every event through with its tag appended to
// the event's Text, so tests can see it visited this handler.
type taggingHandler struct {
	tag       string
	closeOut  []stream.Event
}

func (h *taggingHandler) WriteEvent(e stream.Event) ([]stream.Event, error) {
	e.Text = e.Text + h.tag
	return []stream.Event{e}, nil
}

func (h *taggingHandler) Close() ([]stream.Event, error) {
	return h.closeOut, nil
}

type droppingHandler struct{}

func (droppingHandler) WriteEvent(e stream.Event) ([]stream.Event, error) { return nil, nil }
func (droppingHandler) Close() ([]stream.Event, error)                    { return nil, nil }

func TestChainWritePassesThroughEachHandlerInOrder(t *testing.T) {
	sink := &recordingSink{}
	chain := NewChain(sink, stream.NewDocumentContext(""))
	chain.Push(&taggingHandler{tag: "-a"})
	chain.Push(&taggingHandler{tag: "-b"})

	require.NoError(t, chain.Write(stream.Event{Type: stream.Characters, Text: "x"}))
	require.Len(t, sink.events, 1)
	assert.Equal(t, "x-a-b", sink.events[0].Text)
}

func TestChainWriteStopsWhenHandlerDropsEvent(t *testing.T) {
	sink := &recordingSink{}
	chain := NewChain(sink, stream.NewDocumentContext(""))
	chain.Push(droppingHandler{})
	chain.Push(&taggingHandler{tag: "-never"})

	require.NoError(t, chain.Write(stream.Event{Type: stream.Characters, Text: "x"}))
	assert.Empty(t, sink.events)
}

func TestChainCloseDrainsHandlerOutputThroughDownstreamHandlers(t *testing.T) {
	sink := &recordingSink{}
	chain := NewChain(sink, stream.NewDocumentContext(""))
	chain.Push(&taggingHandler{tag: "-first", closeOut: []stream.Event{{Type: stream.Characters, Text: "flushed"}}})
	chain.Push(&taggingHandler{tag: "-second"})

	require.NoError(t, chain.Close())
	require.Len(t, sink.events, 1)
	// the flushed event from handler 1's Close only passes through
	// handler 2, not back through handler 1 itself.
	assert.Equal(t, "flushed-second", sink.events[0].Text)
}

func TestChainDocReturnsSharedContext(t *testing.T) {
	doc := stream.NewDocumentContext("base")
	chain := NewChain(&recordingSink{}, doc)
	assert.Same(t, doc, chain.Doc())
}
