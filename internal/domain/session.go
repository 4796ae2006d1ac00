package domain

import "context"

// Session is the logical, reconnectable conversation between an app and its clients.
type Session struct {
	ID         string
	Persistent bool
	Metadata   map[string]string
}

// ConnState is the lifecycle state of a relay connection.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionStore persists the session id of a persistent app, keyed by an
// application-chosen name so concurrent apps do not collide.
type SessionStore interface {
	// Get returns the stored session id. ok is false when nothing is stored.
	Get(ctx context.Context, appName string) (sessionID string, ok bool, err error)
	Put(ctx context.Context, appName, sessionID string) error
	Delete(ctx context.Context, appName string) error
}

// DeeplinkTrigger hands a session off to a mobile wallet. The URL is built by
// the caller; the hook only performs the side effect.
type DeeplinkTrigger func(deeplinkURL, sessionID, relayURL string)
