// Package notifier provides in-process event fanout for session state.
//
// The notifier is the event sink boundary: sessions publish token state
// updates, compaction completions, terminations, and raw diagnostic lines;
// external collaborators (UI, persistence) subscribe to the types they care
// about. The notifier holds no logic of its own and never feeds state back
// into the sessions.
package notifier

import (
	"sync"
	"time"
)

// EventType represents the type of event.
type EventType string

// Event types that can be subscribed to.
const (
	// EventTokenState is published after every accounting update.
	EventTokenState EventType = "token_state"

	// EventCompactionCompleted is published once per successful compaction.
	EventCompactionCompleted EventType = "compaction_completed"

	// EventSessionTerminated is published when a session ends, whether by
	// explicit termination or subprocess crash.
	EventSessionTerminated EventType = "session_terminated"

	// EventRawLine carries subprocess output verbatim for diagnostics,
	// including lines that failed structured parsing. No accounting effect.
	EventRawLine EventType = "raw_line"
)

// Event represents a notification event.
type Event struct {
	// Type is the event type.
	Type EventType

	// SessionID is the session the event belongs to.
	SessionID string

	// Payload is the typed event payload. Its concrete type depends on
	// Type; raw lines carry the line text as a string.
	Payload any

	// ReceivedAt is when the event was published.
	ReceivedAt time.Time
}

// Handler is called when an event is received.
type Handler func(event *Event)

// Subscription represents an active subscription to events.
type Subscription struct {
	eventType EventType
	handler   Handler
	id        int64
}

// Notifier provides event notification capabilities.
type Notifier struct {
	mu            sync.RWMutex
	subscriptions map[EventType][]*Subscription
	nextSubID     int64
}

// NewNotifier creates a new notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		subscriptions: make(map[EventType][]*Subscription),
	}
}

// Subscribe registers a handler for the given event type.
// Returns a function to unsubscribe.
func (n *Notifier) Subscribe(eventType EventType, handler Handler) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub := &Subscription{
		eventType: eventType,
		handler:   handler,
		id:        n.nextSubID,
	}
	n.nextSubID++

	n.subscriptions[eventType] = append(n.subscriptions[eventType], sub)

	return func() {
		n.unsubscribe(eventType, sub.id)
	}
}

// unsubscribe removes a subscription.
func (n *Notifier) unsubscribe(eventType EventType, id int64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	subs := n.subscriptions[eventType]
	for i, sub := range subs {
		if sub.id == id {
			n.subscriptions[eventType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// Publish sends an event to all subscribed handlers.
func (n *Notifier) Publish(eventType EventType, sessionID string, payload any) {
	n.dispatch(&Event{
		Type:       eventType,
		SessionID:  sessionID,
		Payload:    payload,
		ReceivedAt: time.Now(),
	})
}

// dispatch sends an event to all subscribed handlers.
func (n *Notifier) dispatch(event *Event) {
	n.mu.RLock()
	subs := make([]*Subscription, len(n.subscriptions[event.Type]))
	copy(subs, n.subscriptions[event.Type])
	n.mu.RUnlock()

	for _, sub := range subs {
		// Call handlers synchronously to maintain ordering
		// Handlers should be quick; long operations should be done asynchronously
		sub.handler(event)
	}
}

// SubscriberCount returns the number of active subscriptions for a type.
func (n *Notifier) SubscriberCount(eventType EventType) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscriptions[eventType])
}
