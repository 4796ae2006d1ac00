package domain

import (
	"context"
	"time"
)

// EventType identifies the kind of event being published. The set is closed.
type EventType string

const (
	// App side.
	EventUserConnected    EventType = "userConnected"
	EventUserDisconnected EventType = "userDisconnected"

	// Connection lifecycle, both roles.
	EventServerDisconnected EventType = "serverDisconnected"
	EventServerReconnected  EventType = "serverReconnected"
	EventSessionEnded       EventType = "sessionEnded"
	EventProtocolError      EventType = "protocolError"
	EventRelayError         EventType = "relayError"

	// Client side.
	EventRequestReceived EventType = "requestReceived"
	EventAppDisconnected EventType = "appDisconnected"
)

// EventTypes lists every known event type.
func EventTypes() []EventType {
	return []EventType{
		EventUserConnected,
		EventUserDisconnected,
		EventServerDisconnected,
		EventServerReconnected,
		EventSessionEnded,
		EventProtocolError,
		EventRelayError,
		EventRequestReceived,
		EventAppDisconnected,
	}
}

// Event is the value published on the event bus. Only the fields relevant
// to Type are set.
type Event struct {
	Type      EventType
	Timestamp time.Time
	SessionID string

	// PublicKeys is set on userConnected, exactly as announced by the client.
	PublicKeys []string
	// Request is set on requestReceived.
	Request *NewPayloadEvent
	// Reason is a human-readable cause (appDisconnected, sessionEnded).
	Reason string
	// Err carries the failure for protocolError, relayError, serverDisconnected
	// and sessionEnded.
	Err error
}

// NewEvent stamps an event of type t for the given session.
func NewEvent(t EventType, sessionID string) Event {
	return Event{Type: t, Timestamp: time.Now(), SessionID: sessionID}
}

// EventHandler is a callback invoked when an event is received. A returned
// error is reported by the bus and does not stop delivery to other handlers.
type EventHandler func(ctx context.Context, event Event) error

// Subscription identifies one registered handler.
type Subscription struct {
	ID   uint64
	Type EventType // empty for SubscribeAll
}

// EventBus provides a synchronous publish/subscribe mechanism for session events.
type EventBus interface {
	// Publish delivers the event to every matching subscriber in subscription
	// order before returning. Handler failures are joined into the result.
	Publish(ctx context.Context, event Event) error
	// Subscribe registers a handler for a specific event type.
	Subscribe(eventType EventType, handler EventHandler) Subscription
	// SubscribeAll registers a handler that receives every event.
	SubscribeAll(handler EventHandler) Subscription
	// Unsubscribe removes a handler. Returns false if it was not registered.
	Unsubscribe(sub Subscription) bool
	// Close prevents new publishes.
	Close()
}
