// Package inbound implements the Input Processor Chain (C8) and the
// Signature Reference Verifier (C10): an ordered, cursor-driven handler
// list over a pull-based event stream. A Signature's references are
// installed when its end-element is seen, per-reference verifiers are
// attached as matching start-elements arrive, and Finish (through each
// handler's DoFinal) checks every reference was processed, per §4.7.
package inbound

import (
	"github.com/streamxmlsec/engine/pkg/securr"
	"github.com/streamxmlsec/engine/pkg/stream"
)

// Handler participates in the input processor chain. ProcessEvent
// receives one event and returns the event(s) to forward downstream (the
// common case: the same event, unmodified) or nil to suppress it
// entirely (buffered for later re-emission, or dropped).
type Handler interface {
	// ProcessEvent consumes e and returns zero or more events to forward.
	// chain is provided so a handler may insert new handlers ahead of
	// its own successor (AddProcessor) or remove itself (RemoveProcessor)
	// — both of which apply starting from the *next* call to NextEvent,
	// never retroactively to the event already in flight.
	ProcessEvent(e stream.Event, chain *Chain) ([]stream.Event, error)

	// DoFinal is called once, after the underlying source is exhausted,
	// in chain order, so handlers can run end-of-document checks (the
	// Signature handler's "every reference was processed" check) and
	// release resources.
	DoFinal(chain *Chain) error
}

// Source is the underlying pull parser feeding the chain.
type Source interface {
	Next() (stream.Event, bool, error) // event, ok (false at end), error
}

// Chain drives handlers over events pulled from a Source. Handlers are
// consulted in current order on every event: each either forwards,
// replaces, or suppresses it, and may mutate the chain's own handler
// list via AddProcessor/RemoveProcessor — self-insertion included,
// since a handler may insert a fresh handler ahead of its own successor
// to take over from the very next event.
type Chain struct {
	source   Source
	handlers []Handler
	doc      *stream.DocumentContext

	pending []stream.Event // events produced by a handler but not yet delivered past it
	inserts []insertion
	removes map[Handler]bool
}

type insertion struct {
	at      int
	handler Handler
}

// NewChain builds a chain pulling from source, with doc as the shared
// per-document context every handler may consult.
func NewChain(source Source, doc *stream.DocumentContext) *Chain {
	return &Chain{source: source, doc: doc}
}

// Doc returns the chain's document context.
func (c *Chain) Doc() *stream.DocumentContext { return c.doc }

// AddProcessor inserts handler immediately after the handler currently
// calling AddProcessor (identified by afterIndex, the caller's own index
// in the chain) so that it is the very next handler to see
// forthcoming events, without disturbing the handler already mid-call.
func (c *Chain) AddProcessor(afterIndex int, handler Handler) {
	c.inserts = append(c.inserts, insertion{at: afterIndex + 1, handler: handler})
}

// AppendProcessor appends handler to the end of the chain.
func (c *Chain) AppendProcessor(handler Handler) {
	c.inserts = append(c.inserts, insertion{at: len(c.handlers), handler: handler})
}

// RemoveProcessor marks handler for removal once the current NextEvent
// call completes.
func (c *Chain) RemoveProcessor(handler Handler) {
	if c.removes == nil {
		c.removes = make(map[Handler]bool)
	}
	c.removes[handler] = true
}

// NextEvent pulls and processes the next event through every handler in
// the chain, applying any insertions/removals the handlers queued only
// after the full pass completes — so a handler's self-insertion never
// causes it to reprocess the very event that triggered it.
func (c *Chain) NextEvent() (stream.Event, bool, error) {
	if len(c.pending) > 0 {
		e := c.pending[0]
		c.pending = c.pending[1:]
		return e, true, nil
	}

	e, ok, err := c.source.Next()
	if err != nil || !ok {
		return e, ok, err
	}

	events := []stream.Event{e}
	for i := 0; i < len(c.handlers); i++ {
		h := c.handlers[i]
		if c.removes != nil && c.removes[h] {
			continue
		}
		var next []stream.Event
		for _, ev := range events {
			out, err := h.ProcessEvent(ev, c)
			if err != nil {
				return stream.Event{}, false, err
			}
			next = append(next, out...)
		}
		events = next
		if len(events) == 0 {
			break
		}
	}

	c.applyMutations()

	if len(events) == 0 {
		return c.NextEvent()
	}
	// The chain's external contract delivers one event per NextEvent
	// call; a handler producing multiple events (buffering then
	// flushing, e.g.) queues the extras for subsequent calls.
	out := events[0]
	c.pending = append(c.pending, events[1:]...)
	return out, true, nil
}

func (c *Chain) applyMutations() {
	if len(c.inserts) > 0 {
		for _, ins := range c.inserts {
			at := ins.at
			if at > len(c.handlers) {
				at = len(c.handlers)
			}
			c.handlers = append(c.handlers[:at], append([]Handler{ins.handler}, c.handlers[at:]...)...)
		}
		c.inserts = nil
	}
	if len(c.removes) > 0 {
		filtered := c.handlers[:0:0]
		for _, h := range c.handlers {
			if !c.removes[h] {
				filtered = append(filtered, h)
			}
		}
		c.handlers = filtered
		c.removes = nil
	}
}

// AppendInitialHandler adds a handler before processing starts. Unlike
// AppendProcessor (used by a handler acting mid-dispatch), this applies
// immediately.
func (c *Chain) AppendInitialHandler(h Handler) {
	c.handlers = append(c.handlers, h)
}

// Finish calls DoFinal on every handler, in chain order, surfacing the
// first error — e.g. the Signature handler's unprocessed-reference
// check. It does not drain events still pending delivery.
func (c *Chain) Finish() error {
	for _, h := range c.handlers {
		if err := h.DoFinal(c); err != nil {
			return err
		}
	}
	return nil
}

// ErrChainExhausted is returned by helpers that expect more input but
// find the source already ended.
var ErrChainExhausted = securr.New(securr.MissingRequiredElement, "input chain exhausted before expected element")
