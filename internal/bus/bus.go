package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Session lifecycle topics (C5/C6/C7/C9).
const (
	TopicSessionConnected = "session.connected"
	TopicSessionIdle      = "session.idle"
	TopicSessionReaped    = "session.reaped"
	TopicSessionDead      = "session.dead"
)

// Pairing topics (C3).
const (
	TopicPairingIssued   = "pairing.issued"
	TopicPairingRedeemed = "pairing.redeemed"
	TopicPairingBurnt    = "pairing.burnt"
)

// Admission topics (C2/C8).
const (
	TopicRateLimitDenied = "ratelimit.denied"
	TopicAuthDenied      = "auth.denied"
)

// SessionEvent is published on every C5 state transition.
type SessionEvent struct {
	Token string // pool key (auth token); never logged verbatim by subscribers
	State string // "connected", "idle", "reaped", "dead"
}

// PairingEvent is published by the pairing manager on issue/redeem/burn.
type PairingEvent struct {
	AgentID string // stable agentId the code was bound to
	Outcome string // "issued", "redeemed", "burnt"
}

// AdmissionDeniedEvent is published by the rate limiter or acceptor auth
// check when an upgrade attempt is refused before a session is touched.
type AdmissionDeniedEvent struct {
	IP     string
	Reason string // "rate_limited", "too_many_connections", "bad_token"
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss events
// (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			// Non-blocking send.
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
