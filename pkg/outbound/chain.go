// Package outbound implements the Output Processor Chain (C9) and the
// Signature/Encryption Output Processors (C12): a push-based pipeline
// where handlers are stacked in emission order, buffering and
// re-emitting events as needed to produce a finished Signature element
// or replace content with encrypted ciphertext, per §4.8.
package outbound

import (
	"github.com/streamxmlsec/engine/pkg/stream"
)

// Handler receives one outbound event and returns the event(s) to pass
// to the next handler in the stack (commonly the same event, unmodified;
// sometimes none, while buffering; sometimes several, when flushing a
// buffered subtree followed by a trailing element).
type Handler interface {
	WriteEvent(e stream.Event) ([]stream.Event, error)
	// Close flushes any buffered state (e.g. emits the finished
	// Signature element) once the caller has written every event.
	Close() ([]stream.Event, error)
}

// Sink is the final destination for outbound events — typically an XML
// serializer writing to an io.Writer.
type Sink interface {
	WriteEvent(e stream.Event) error
}

// Chain stacks Handlers in emission order: Write pushes e through every
// handler, in order, then hands whatever events remain to the sink.
type Chain struct {
	handlers []Handler
	sink     Sink
	doc      *stream.DocumentContext
}

// NewChain builds a chain terminating at sink.
func NewChain(sink Sink, doc *stream.DocumentContext) *Chain {
	return &Chain{sink: sink, doc: doc}
}

// Doc returns the chain's document context.
func (c *Chain) Doc() *stream.DocumentContext { return c.doc }

// Push appends handler to the end of the handler stack (nearest the
// sink is last).
func (c *Chain) Push(h Handler) {
	c.handlers = append(c.handlers, h)
}

// Write drives e through every handler and then the sink.
func (c *Chain) Write(e stream.Event) error {
	events := []stream.Event{e}
	for _, h := range c.handlers {
		var next []stream.Event
		for _, ev := range events {
			out, err := h.WriteEvent(ev)
			if err != nil {
				return err
			}
			next = append(next, out...)
		}
		events = next
		if len(events) == 0 {
			return nil
		}
	}
	for _, ev := range events {
		if err := c.sink.WriteEvent(ev); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes every handler, in stack order, draining each handler's
// trailing events through the remaining handlers and finally the sink.
func (c *Chain) Close() error {
	for i, h := range c.handlers {
		events, err := h.Close()
		if err != nil {
			return err
		}
		for _, e := range events {
			if err := c.writeFrom(i+1, e); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Chain) writeFrom(startIndex int, e stream.Event) error {
	events := []stream.Event{e}
	for i := startIndex; i < len(c.handlers); i++ {
		h := c.handlers[i]
		var next []stream.Event
		for _, ev := range events {
			out, err := h.WriteEvent(ev)
			if err != nil {
				return err
			}
			next = append(next, out...)
		}
		events = next
		if len(events) == 0 {
			return nil
		}
	}
	for _, ev := range events {
		if err := c.sink.WriteEvent(ev); err != nil {
			return err
		}
	}
	return nil
}
