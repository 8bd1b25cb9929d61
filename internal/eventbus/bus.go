package eventbus

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Event is a single delivery to a subscriber.
type Event struct {
	Topic   string
	Payload any
}

// Handler consumes an event. A returned error is logged and counted but
// never reaches the publisher.
type Handler func(Event) error

type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	topic   string
	handler Handler
}

// Bus is a synchronous, in-process publish/subscribe hub. Publish calls every
// handler registered for the topic, in registration order, on the caller's
// goroutine.
type Bus struct {
	mu     sync.RWMutex
	nextID SubscriptionID
	topics map[string][]*subscription
	byID   map[SubscriptionID]*subscription
	closed bool

	logger *slog.Logger

	// OnHandlerError is called for every failed or panicking handler.
	OnHandlerError func(topic string, err error)
}

func New(logger *slog.Logger) *Bus {
	return &Bus{
		topics: make(map[string][]*subscription),
		byID:   make(map[SubscriptionID]*subscription),
		logger: logger,
	}
}

// Subscribe registers h for topic. Subscribing the same function twice
// yields two independent subscriptions. After Close it returns 0.
func (b *Bus) Subscribe(topic string, h Handler) SubscriptionID {
	if h == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	b.nextID++
	sub := &subscription{id: b.nextID, topic: topic, handler: h}
	b.topics[topic] = append(b.topics[topic], sub)
	b.byID[sub.id] = sub
	return sub.id
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.byID[id]
	if !ok {
		return
	}
	delete(b.byID, id)
	subs := b.topics[sub.topic]
	next := make([]*subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		delete(b.topics, sub.topic)
		return
	}
	b.topics[sub.topic] = next
}

// Publish delivers payload to the handlers registered for topic when the
// call started. Changes made by handlers during delivery apply to the next
// publish.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	subs := b.topics[topic]
	b.mu.RUnlock()
	if len(subs) == 0 {
		return
	}
	// subs is never mutated in place, so the slice header is a snapshot.
	ev := Event{Topic: topic, Payload: payload}
	for _, sub := range subs {
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerFailed(sub, ev.Topic, fmt.Errorf("handler panic: %v", r))
		}
	}()
	if err := sub.handler(ev); err != nil {
		b.handlerFailed(sub, ev.Topic, err)
	}
}

func (b *Bus) handlerFailed(sub *subscription, topic string, err error) {
	if b.logger != nil {
		b.logger.Warn("event handler failed", "topic", topic, "subscription", uint64(sub.id), "err", err)
	}
	if b.OnHandlerError != nil {
		b.OnHandlerError(topic, err)
	}
}

func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Topics lists topics with at least one subscriber, sorted.
func (b *Bus) Topics() []string {
	b.mu.RLock()
	out := make([]string, 0, len(b.topics))
	for topic := range b.topics {
		out = append(out, topic)
	}
	b.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Close drops every subscription. Later publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.topics = make(map[string][]*subscription)
	b.byID = make(map[SubscriptionID]*subscription)
}
