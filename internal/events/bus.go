// Package events is the in-process observer bus connecting the pending
// queue, transport and save-state components.
package events

import "sync"

// Topic names one stream of events.
type Topic string

const (
	ReceiveStorageMessage Topic = "RECEIVE_STORAGE_MESSAGE"
	CommandsUndeliverable Topic = "COMMANDS_UNDELIVERABLE"
	CommandAvailable      Topic = "COMMAND_AVAILABLE"
	WaitingForAck         Topic = "WAITING_FOR_ACK"
	CommandsPersisted     Topic = "COMMANDS_PERSISTED"
	CommandsAcknowledged  Topic = "COMMANDS_ACKNOWLEDGED"
	PendingQueueReset     Topic = "PENDING_QUEUE_RESET"
)

// Event is a published notification.
type Event struct {
	Topic   Topic
	Payload any
}

// Handler receives events for a topic.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus delivers events synchronously to subscribers in subscription order.
// Events published while a dispatch is running are queued and delivered
// after it, so every subscriber observes a topic in publish order.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[Topic][]subscription

	dispatchMu  sync.Mutex
	queue       []Event
	dispatching bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Topic][]subscription)}
}

// Subscribe registers handler for topic and returns a function removing it.
// The returned function is safe to call more than once.
func (b *Bus) Subscribe(topic Topic, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(topic, id) })
	}
}

func (b *Bus) unsubscribe(topic Topic, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			b.subs[topic] = append(next, subs[i+1:]...)
			return
		}
	}
}

// Publish delivers e to every current subscriber of its topic.
func (b *Bus) Publish(e Event) {
	b.dispatchMu.Lock()
	b.queue = append(b.queue, e)
	if b.dispatching {
		b.dispatchMu.Unlock()
		return
	}
	b.dispatching = true
	b.dispatchMu.Unlock()

	for {
		b.dispatchMu.Lock()
		if len(b.queue) == 0 {
			b.dispatching = false
			b.dispatchMu.Unlock()
			return
		}
		next := b.queue[0]
		b.queue = b.queue[1:]
		b.dispatchMu.Unlock()

		b.deliver(next)
	}
}

func (b *Bus) deliver(e Event) {
	b.mu.Lock()
	subs := append([]subscription(nil), b.subs[e.Topic]...)
	b.mu.Unlock()

	for _, s := range subs {
		s.handler(e)
	}
}

// Subscribers reports how many handlers are registered for topic.
func (b *Bus) Subscribers(topic Topic) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}
