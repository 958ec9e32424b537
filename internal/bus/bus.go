package bus

import (
	"strings"
	"sync"
)

// subscriptionBuffer is the per-subscriber channel depth. Publish never
// blocks on a full buffer; the subscriber just misses events.
const subscriptionBuffer = 100

// Event is one message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Subscription is a live feed of events whose topics match a prefix.
// It stays open until Unsubscribe closes it.
type Subscription struct {
	match  string
	events chan Event
}

// Ch returns the receive side of the subscription.
func (s *Subscription) Ch() <-chan Event {
	return s.events
}

// matches reports whether a topic falls under the subscription's prefix.
// The empty prefix matches everything.
func (s *Subscription) matches(topic string) bool {
	return s.match == "" || strings.HasPrefix(topic, s.match)
}

// offer hands an event to the subscriber without blocking. It reports
// false when the buffer was full and the event was discarded.
func (s *Subscription) offer(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// Bus fans events out in-process. Webhook deliveries, credential changes,
// schedules, and the engine publish; the gateway broadcaster, the Telegram
// notifier, and tests subscribe. Delivery is best-effort per subscriber.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers interest in every topic beginning with topicPrefix.
// Pass "" to receive all events.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	sub := &Subscription{
		match:  topicPrefix,
		events: make(chan Event, subscriptionBuffer),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe detaches sub and closes its channel. Unsubscribing twice,
// or passing nil, is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.events)
}

// Publish delivers the event to every matching subscriber with buffer
// room. A slow consumer loses events rather than stalling the publisher.
func (b *Bus) Publish(topic string, payload interface{}) {
	ev := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.matches(topic) {
			sub.offer(ev)
		}
	}
}

// SubscriberCount reports how many subscriptions are attached.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
