package domain

import (
	"context"
	"fmt"
)

// Relay close codes (websocket application range).
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicy          = 1008
	CloseTryAgainLater   = 1013
	CloseSessionTakeover = 4001
	CloseSessionEnded    = 4004
)

// Conn is one message-framed bidirectional transport connection. Each frame
// holds exactly one encoded envelope.
type Conn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, frame []byte) error
	// Close releases the transport with a normal closure. Safe to call twice.
	Close() error
}

// Dialer opens transport connections to a relay endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// CloseError reports that the remote side closed the transport with a status code.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("transport closed: status %d: %s", e.Code, e.Reason)
}

// Unwrap maps relay-defined codes onto session sentinels.
func (e *CloseError) Unwrap() error {
	switch e.Code {
	case CloseSessionTakeover:
		return ErrSessionTakenOver
	case CloseSessionEnded:
		return ErrSessionLost
	default:
		return ErrConnectionClosed
	}
}

// Retryable reports whether a reconnect may restore the session.
func (e *CloseError) Retryable() bool {
	return e.Code != CloseSessionTakeover && e.Code != CloseSessionEnded && e.Code != ClosePolicy
}
