package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInSubscriptionOrder(t *testing.T) {
	bus := NewBus()
	var got []string
	bus.Subscribe(CommandAvailable, func(Event) { got = append(got, "first") })
	bus.Subscribe(CommandAvailable, func(Event) { got = append(got, "second") })
	bus.Subscribe(WaitingForAck, func(Event) { got = append(got, "other") })

	bus.Publish(Event{Topic: CommandAvailable})
	require.Equal(t, []string{"first", "second"}, got)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	count := 0
	unsubscribe := bus.Subscribe(CommandsPersisted, func(Event) { count++ })

	bus.Publish(Event{Topic: CommandsPersisted})
	unsubscribe()
	unsubscribe()
	bus.Publish(Event{Topic: CommandsPersisted})

	require.Equal(t, 1, count)
	require.Zero(t, bus.Subscribers(CommandsPersisted))
}

func TestNestedPublishIsQueued(t *testing.T) {
	bus := NewBus()
	var order []string

	bus.Subscribe(CommandAvailable, func(Event) {
		order = append(order, "available:a")
		bus.Publish(Event{Topic: WaitingForAck})
	})
	bus.Subscribe(CommandAvailable, func(Event) {
		order = append(order, "available:b")
	})
	bus.Subscribe(WaitingForAck, func(Event) {
		order = append(order, "waiting")
	})

	bus.Publish(Event{Topic: CommandAvailable})
	require.Equal(t, []string{"available:a", "available:b", "waiting"}, order)
}

func TestPayloadIsPassedThrough(t *testing.T) {
	bus := NewBus()
	var payload any
	bus.Subscribe(ReceiveStorageMessage, func(e Event) { payload = e.Payload })
	bus.Publish(Event{Topic: ReceiveStorageMessage, Payload: 42})
	require.Equal(t, 42, payload)
}
