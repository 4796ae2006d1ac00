package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Category sentinels.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrRateLimit    = fmt.Errorf("rate limit exceeded")
)

// Protocol errors. Every decode failure wraps ErrProtocol so callers can
// match the whole class or a specific cause.
var (
	ErrProtocol         = fmt.Errorf("protocol error")
	ErrUnknownType      = fmt.Errorf("%w: unknown message type", ErrProtocol)
	ErrMalformedPayload = fmt.Errorf("%w: malformed payload", ErrProtocol)
	ErrUnparsableFrame  = fmt.Errorf("%w: unparsable frame", ErrProtocol)
)

// Session and connection errors.
var (
	ErrConnectionClosed  = fmt.Errorf("connection closed")
	ErrNotConnected      = fmt.Errorf("relay connection is not open")
	ErrAlreadyConnected  = fmt.Errorf("relay connection already started")
	ErrRequestTimeout    = fmt.Errorf("request: %w", ErrTimeout)
	ErrCancelled         = fmt.Errorf("request cancelled")
	ErrNoClientConnected = fmt.Errorf("no client connected to session")
	ErrSessionNotFound   = fmt.Errorf("session: %w", ErrNotFound)
	ErrSessionLost       = fmt.Errorf("session lost on relay")
	ErrSessionTakenOver  = fmt.Errorf("session taken over by another connection")
	ErrRelayUnavailable  = fmt.Errorf("relay unavailable")
	ErrUnexpectedReply   = fmt.Errorf("unexpected reply type")

	// ErrCircuitOpen marks a dial refused locally by the circuit breaker.
	// No connection was attempted.
	ErrCircuitOpen = fmt.Errorf("%w: dial circuit open", ErrRelayUnavailable)

	// Peer-reported failures. Wrapped by *PeerError.
	ErrRequestRejected = fmt.Errorf("request rejected by peer")
	ErrPeerFailure     = fmt.Errorf("peer reported error")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "codec.Decode")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// PeerError carries an application-level failure reported by the remote
// peer. Envelope is the verbatim *RequestRejected or *ErrorMessage.
type PeerError struct {
	Envelope Envelope
}

func (e *PeerError) Error() string {
	switch m := e.Envelope.(type) {
	case *RequestRejected:
		if m.Reason != "" {
			return fmt.Sprintf("%s: %s", ErrRequestRejected, m.Reason)
		}
		return ErrRequestRejected.Error()
	case *ErrorMessage:
		return fmt.Sprintf("%s: %s", ErrPeerFailure, m.Error)
	default:
		return ErrPeerFailure.Error()
	}
}

func (e *PeerError) Unwrap() error {
	if _, ok := e.Envelope.(*RequestRejected); ok {
		return ErrRequestRejected
	}
	return ErrPeerFailure
}

// Code returns the error code a relay put at the front of an ErrorMessage
// ("<CODE>: detail"), or CodeRequestRejected for a rejection.
func (e *PeerError) Code() ErrorCode {
	switch m := e.Envelope.(type) {
	case *RequestRejected:
		return CodeRequestRejected
	case *ErrorMessage:
		if code, _, ok := strings.Cut(m.Error, ":"); ok {
			c := ErrorCode(strings.TrimSpace(code))
			for _, known := range errorCodeMap {
				if known == c {
					return c
				}
			}
		}
	}
	return CodePeerFailure
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrRelayUnavailable)
}

// ErrorCode is a machine-parseable error category for logs and relay error replies.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeProtocol          ErrorCode = "PROTOCOL"
	CodeUnknownType       ErrorCode = "UNKNOWN_TYPE"
	CodeMalformedPayload  ErrorCode = "MALFORMED_PAYLOAD"
	CodeUnparsableFrame   ErrorCode = "UNPARSABLE_FRAME"
	CodeConnectionClosed  ErrorCode = "CONNECTION_CLOSED"
	CodeNotConnected      ErrorCode = "NOT_CONNECTED"
	CodeAlreadyConnected  ErrorCode = "ALREADY_CONNECTED"
	CodeRequestTimeout    ErrorCode = "REQUEST_TIMEOUT"
	CodeCancelled         ErrorCode = "CANCELLED"
	CodeNoClientConnected ErrorCode = "NO_CLIENT_CONNECTED"
	CodeSessionNotFound   ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionLost       ErrorCode = "SESSION_LOST"
	CodeSessionTakenOver  ErrorCode = "SESSION_TAKEN_OVER"
	CodeRelayUnavailable  ErrorCode = "RELAY_UNAVAILABLE"
	CodeUnexpectedReply   ErrorCode = "UNEXPECTED_REPLY"
	CodeRequestRejected   ErrorCode = "REQUEST_REJECTED"
	CodePeerFailure       ErrorCode = "PEER_FAILURE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:          CodeNotFound,
	ErrTimeout:           CodeTimeout,
	ErrInvalidInput:      CodeInvalidInput,
	ErrRateLimit:         CodeRateLimit,
	ErrProtocol:          CodeProtocol,
	ErrUnknownType:       CodeUnknownType,
	ErrMalformedPayload:  CodeMalformedPayload,
	ErrUnparsableFrame:   CodeUnparsableFrame,
	ErrConnectionClosed:  CodeConnectionClosed,
	ErrNotConnected:      CodeNotConnected,
	ErrAlreadyConnected:  CodeAlreadyConnected,
	ErrRequestTimeout:    CodeRequestTimeout,
	ErrCancelled:         CodeCancelled,
	ErrNoClientConnected: CodeNoClientConnected,
	ErrSessionNotFound:   CodeSessionNotFound,
	ErrSessionLost:       CodeSessionLost,
	ErrSessionTakenOver:  CodeSessionTakenOver,
	ErrRelayUnavailable:  CodeRelayUnavailable,
	ErrUnexpectedReply:   CodeUnexpectedReply,
	ErrRequestRejected:   CodeRequestRejected,
	ErrPeerFailure:       CodePeerFailure,
}

// codePriority lists sentinels most-specific first, so wrapped chains such as
// ErrUnknownType -> ErrProtocol resolve to the narrower code.
var codePriority = []error{
	ErrUnknownType,
	ErrMalformedPayload,
	ErrUnparsableFrame,
	ErrRequestTimeout,
	ErrSessionNotFound,
	ErrConnectionClosed,
	ErrNotConnected,
	ErrAlreadyConnected,
	ErrCancelled,
	ErrNoClientConnected,
	ErrSessionLost,
	ErrSessionTakenOver,
	ErrRelayUnavailable,
	ErrUnexpectedReply,
	ErrRequestRejected,
	ErrPeerFailure,
	ErrRateLimit,
	ErrProtocol,
	ErrTimeout,
	ErrNotFound,
	ErrInvalidInput,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	for _, sentinel := range codePriority {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
