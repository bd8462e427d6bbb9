package inbound

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamxmlsec/engine/pkg/stream"
)

type sliceSource struct {
	events []stream.Event
	i      int
}

func (s *sliceSource) Next() (stream.Event, bool, error) {
	if s.i >= len(s.events) {
		return stream.Event{}, false, nil
	}
	e := s.events[s.i]
	s.i++
	return e, true, nil
}

type passthroughHandler struct{ finalCalled bool }

func (h *passthroughHandler) ProcessEvent(e stream.Event, chain *Chain) ([]stream.Event, error) {
	return []stream.Event{e}, nil
}
func (h *passthroughHandler) DoFinal(chain *Chain) error { h.finalCalled = true; return nil }

func drainChain(t *testing.T, c *Chain) []stream.Event {
	t.Helper()
	var out []stream.Event
	for {
		e, ok, err := c.NextEvent()
		require.NoError(t, err)
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out
}

func TestChainForwardsEventsUnchangedThroughPassthroughHandlers(t *testing.T) {
	src := &sliceSource{events: []stream.Event{
		{Type: stream.StartElement, Name: stream.QName{LocalName: "a"}},
		{Type: stream.EndElement, Name: stream.QName{LocalName: "a"}},
	}}
	c := NewChain(src, stream.NewDocumentContext(""))
	h := &passthroughHandler{}
	c.AppendInitialHandler(h)

	out := drainChain(t, c)
	require.Len(t, out, 2)
	require.NoError(t, c.Finish())
	assert.True(t, h.finalCalled)
}

type multiEmitHandler struct{}

func (multiEmitHandler) ProcessEvent(e stream.Event, chain *Chain) ([]stream.Event, error) {
	if e.Type == stream.StartElement {
		return []stream.Event{e, e}, nil
	}
	return []stream.Event{e}, nil
}
func (multiEmitHandler) DoFinal(chain *Chain) error { return nil }

func TestChainQueuesExtraEventsFromMultiEmitHandler(t *testing.T) {
	src := &sliceSource{events: []stream.Event{
		{Type: stream.StartElement, Name: stream.QName{LocalName: "a"}},
	}}
	c := NewChain(src, stream.NewDocumentContext(""))
	c.AppendInitialHandler(multiEmitHandler{})

	out := drainChain(t, c)
	assert.Len(t, out, 2)
}

type droppingHandler struct{}

func (droppingHandler) ProcessEvent(e stream.Event, chain *Chain) ([]stream.Event, error) {
	return nil, nil
}
func (droppingHandler) DoFinal(chain *Chain) error { return nil }

func TestChainSkipsWhenHandlerSuppressesEvent(t *testing.T) {
	src := &sliceSource{events: []stream.Event{
		{Type: stream.StartElement, Name: stream.QName{LocalName: "a"}},
	}}
	c := NewChain(src, stream.NewDocumentContext(""))
	c.AppendInitialHandler(droppingHandler{})

	out := drainChain(t, c)
	assert.Empty(t, out)
}

type selfInsertingHandler struct {
	inserted bool
	next     Handler
}

func (h *selfInsertingHandler) ProcessEvent(e stream.Event, chain *Chain) ([]stream.Event, error) {
	if !h.inserted {
		h.inserted = true
		chain.AppendProcessor(h.next)
	}
	return []stream.Event{e}, nil
}
func (h *selfInsertingHandler) DoFinal(chain *Chain) error { return nil }

func TestAppendProcessorDoesNotAffectEventThatTriggeredIt(t *testing.T) {
	src := &sliceSource{events: []stream.Event{
		{Type: stream.Characters, Text: "one"},
		{Type: stream.Characters, Text: "two"},
	}}
	c := NewChain(src, stream.NewDocumentContext(""))
	appended := &passthroughHandler{}
	head := &selfInsertingHandler{next: appended}
	c.AppendInitialHandler(head)

	out := drainChain(t, c)
	require.Len(t, out, 2)
	assert.Equal(t, "one", out[0].Text)
	assert.Equal(t, "two", out[1].Text)
}

func TestRemoveProcessorTakesEffectAfterCurrentEvent(t *testing.T) {
	src := &sliceSource{events: []stream.Event{
		{Type: stream.Characters, Text: "one"},
		{Type: stream.Characters, Text: "two"},
	}}
	c := NewChain(src, stream.NewDocumentContext(""))

	var removable Handler
	removeOnFirst := &removeSelfHandler{}
	removable = removeOnFirst
	removeOnFirst.self = removable
	c.AppendInitialHandler(removeOnFirst)

	out := drainChain(t, c)
	require.Len(t, out, 2)
	assert.Equal(t, 1, removeOnFirst.calls)
}

type removeSelfHandler struct {
	calls int
	self  Handler
}

func (h *removeSelfHandler) ProcessEvent(e stream.Event, chain *Chain) ([]stream.Event, error) {
	h.calls++
	chain.RemoveProcessor(h.self)
	return []stream.Event{e}, nil
}
func (h *removeSelfHandler) DoFinal(chain *Chain) error { return nil }
