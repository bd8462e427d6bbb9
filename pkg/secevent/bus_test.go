package secevent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishDeliversInRegistrationOrder(t *testing.T) {
	bus := New()
	var order []int

	bus.Register(func(Event) { order = append(order, 1) })
	bus.Register(func(Event) { order = append(order, 2) })
	bus.Register(func(Event) { order = append(order, 3) })

	bus.Publish(Event{Kind: KindAlgorithmUsed})
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestPublishWithNoListenersIsNoOp(t *testing.T) {
	bus := New()
	assert.NotPanics(t, func() { bus.Publish(Event{Kind: KindTokenResolved}) })
}

func TestRegisterDuringDispatchIsDeferred(t *testing.T) {
	bus := New()
	var seenByLate []Event

	bus.Register(func(e Event) {
		bus.Register(func(e Event) { seenByLate = append(seenByLate, e) })
	})

	bus.Publish(Event{Kind: KindAlgorithmUsed, Detail: "first"})
	assert.Empty(t, seenByLate, "listener registered mid-dispatch must not see the publish that registered it")

	bus.Publish(Event{Kind: KindAlgorithmUsed, Detail: "second"})
	require := assert.New(t)
	require.Len(seenByLate, 1)
	require.Equal("second", seenByLate[0].Detail)
}

func TestMultiplePendingRegistrationsAppliedAfterDispatch(t *testing.T) {
	bus := New()
	var calls int

	bus.Register(func(e Event) {
		bus.Register(func(Event) { calls++ })
		bus.Register(func(Event) { calls++ })
	})

	bus.Publish(Event{Kind: KindAlgorithmUsed})
	assert.Equal(t, 0, calls)

	bus.Publish(Event{Kind: KindAlgorithmUsed})
	assert.Equal(t, 2, calls)
}

func TestEventCarriesFieldsThroughToListener(t *testing.T) {
	bus := New()
	var got Event
	bus.Register(func(e Event) { got = e })

	bus.Publish(Event{
		Kind:          KindSignatureVerified,
		CorrelationID: "corr-1",
		AlgorithmURI:  "urn:sig",
		KeyLengthBits: 2048,
		TokenID:       "tok-1",
		Detail:        "ok",
	})

	assert.Equal(t, KindSignatureVerified, got.Kind)
	assert.Equal(t, "corr-1", got.CorrelationID)
	assert.Equal(t, "urn:sig", got.AlgorithmURI)
	assert.Equal(t, 2048, got.KeyLengthBits)
	assert.Equal(t, "tok-1", got.TokenID)
	assert.Equal(t, "ok", got.Detail)
}
