package domain

// MessageType is the wire tag carried in every envelope's "type" field.
type MessageType string

// App -> relay.
const (
	TypeInitializeRequest       MessageType = "InitializeRequest"
	TypeSignTransactionsRequest MessageType = "SignTransactionsRequest"
	TypeSignMessagesRequest     MessageType = "SignMessagesRequest"
)

// Relay -> app.
const (
	TypeInitializeResponse       MessageType = "InitializeResponse"
	TypeUserConnectedEvent       MessageType = "UserConnectedEvent"
	TypeUserDisconnectedEvent    MessageType = "UserDisconnectedEvent"
	TypeSignTransactionsResponse MessageType = "SignTransactionsResponse"
	TypeSignMessagesResponse     MessageType = "SignMessagesResponse"
	TypeRequestRejected          MessageType = "RequestRejected"
	TypeErrorMessage             MessageType = "ErrorMessage"
	TypeAckMessage               MessageType = "AckMessage"
)

// Client <-> relay.
const (
	TypeConnect                    MessageType = "Connect"
	TypeGetInfoRequest             MessageType = "GetInfoRequest"
	TypeGetInfoResponse            MessageType = "GetInfoResponse"
	TypeGetPendingRequestsRequest  MessageType = "GetPendingRequestsRequest"
	TypeGetPendingRequestsResponse MessageType = "GetPendingRequestsResponse"
	TypeNewPayloadEvent            MessageType = "NewPayloadEvent"
	TypeAppDisconnectedEvent       MessageType = "AppDisconnectedEvent"
	TypeClientInitializeRequest    MessageType = "ClientInitializeRequest"
	TypeClientInitializeResponse   MessageType = "ClientInitializeResponse"
	TypeGetSessionsRequest         MessageType = "GetSessionsRequest"
	TypeGetSessionsResponse        MessageType = "GetSessionsResponse"
	TypeDropSessionsRequest        MessageType = "DropSessionsRequest"
	TypeDropSessionsResponse       MessageType = "DropSessionsResponse"
)

// Payload kinds carried by NewPayloadEvent.
const (
	PayloadSignTransactions = "SignTransactions"
	PayloadSignMessages     = "SignMessages"
)

// Envelope is one wire message. The set of implementations is closed: only
// the variant structs in this file satisfy it.
type Envelope interface {
	Type() MessageType
	envelope()
}

// Correlated is implemented by envelopes that carry a responseId.
type Correlated interface {
	Envelope
	CorrelationID() string
}

// AppMetadata describes the app to connecting clients.
type AppMetadata struct {
	Name           string `json:"name"`
	URL            string `json:"url,omitempty"`
	Description    string `json:"description,omitempty"`
	Icon           string `json:"icon,omitempty"`
	AdditionalInfo string `json:"additionalInfo,omitempty"`
}

// MessageToSign is one entry of a SignMessagesRequest.
type MessageToSign struct {
	Message  string `json:"message"`
	Metadata string `json:"metadata,omitempty"`
}

// RequestPayload is the domain content of a pending sign request as seen by clients.
type RequestPayload struct {
	Kind         string          `json:"kind"`
	Transactions []string        `json:"transactions"`
	Messages     []MessageToSign `json:"messages"`
	Metadata     string          `json:"metadata,omitempty"`
}

type InitializeRequest struct {
	ResponseID          string      `json:"responseId"`
	AppMetadata         AppMetadata `json:"appMetadata"`
	Network             string      `json:"network"`
	Persistent          bool        `json:"persistent"`
	PersistentSessionID string      `json:"persistentSessionId,omitempty"`
	Version             string      `json:"version"`
}

// InitializeResponse confirms a handshake. On a resume ClientCount and
// PublicKeys describe the clients joined right now; presence events queued
// while the app was away are not replayed.
type InitializeResponse struct {
	ResponseID  string   `json:"responseId"`
	SessionID   string   `json:"sessionId"`
	CreatedNew  bool     `json:"createdNew"`
	PublicKeys  []string `json:"publicKeys"`
	ClientCount int      `json:"clientCount"`
}

type UserConnectedEvent struct {
	PublicKeys []string `json:"publicKeys"`
	Metadata   string   `json:"metadata,omitempty"`
}

type UserDisconnectedEvent struct{}

type SignTransactionsRequest struct {
	ResponseID   string   `json:"responseId"`
	Transactions []string `json:"transactions"`
	Metadata     string   `json:"metadata,omitempty"`
}

type SignTransactionsResponse struct {
	ResponseID         string   `json:"responseId"`
	SignedTransactions []string `json:"signedTransactions"`
	SessionID          string   `json:"sessionId,omitempty"`
}

type SignMessagesRequest struct {
	ResponseID string          `json:"responseId"`
	Messages   []MessageToSign `json:"messages"`
	Metadata   string          `json:"metadata,omitempty"`
}

type SignMessagesResponse struct {
	ResponseID     string   `json:"responseId"`
	SignedMessages []string `json:"signedMessages"`
	SessionID      string   `json:"sessionId,omitempty"`
}

type RequestRejected struct {
	ResponseID string `json:"responseId"`
	Reason     string `json:"reason,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
}

type ErrorMessage struct {
	ResponseID string `json:"responseId"`
	Error      string `json:"error"`
}

type AckMessage struct {
	ResponseID string `json:"responseId"`
}

// Connect joins a client to the session and announces its public keys.
type Connect struct {
	ResponseID string   `json:"responseId"`
	PublicKeys []string `json:"publicKeys"`
	SessionID  string   `json:"sessionId"`
	Device     string   `json:"device,omitempty"`
	Metadata   string   `json:"metadata,omitempty"`
}

type GetInfoRequest struct {
	ResponseID string `json:"responseId"`
	SessionID  string `json:"sessionId"`
}

type GetInfoResponse struct {
	ResponseID  string      `json:"responseId"`
	AppMetadata AppMetadata `json:"appMetadata"`
	Network     string      `json:"network"`
	Version     string      `json:"version"`
}

type GetPendingRequestsRequest struct {
	ResponseID string `json:"responseId"`
	SessionID  string `json:"sessionId"`
}

type GetPendingRequestsResponse struct {
	ResponseID string            `json:"responseId"`
	Requests   []NewPayloadEvent `json:"requests"`
}

// NewPayloadEvent delivers an app sign request to the session's clients.
// RequestID is the responseId the client must answer with.
type NewPayloadEvent struct {
	RequestID string         `json:"requestId"`
	SessionID string         `json:"sessionId"`
	Payload   RequestPayload `json:"payload"`
}

type AppDisconnectedEvent struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

// ClientInitializeRequest names the client so the relay can remember the
// sessions it joined across sockets.
type ClientInitializeRequest struct {
	ResponseID string `json:"responseId"`
	ClientID   string `json:"clientId"`
}

type ClientInitializeResponse struct {
	ResponseID string `json:"responseId"`
}

type GetSessionsRequest struct {
	ResponseID string `json:"responseId"`
}

type GetSessionsResponse struct {
	ResponseID string   `json:"responseId"`
	Sessions   []string `json:"sessions"`
}

// DropSessionsRequest makes the client forget sessions, leaving any it is
// joined to.
type DropSessionsRequest struct {
	ResponseID string   `json:"responseId"`
	Sessions   []string `json:"sessions"`
}

type DropSessionsResponse struct {
	ResponseID      string   `json:"responseId"`
	DroppedSessions []string `json:"droppedSessions"`
}

func (*InitializeRequest) Type() MessageType          { return TypeInitializeRequest }
func (*InitializeResponse) Type() MessageType         { return TypeInitializeResponse }
func (*UserConnectedEvent) Type() MessageType         { return TypeUserConnectedEvent }
func (*UserDisconnectedEvent) Type() MessageType      { return TypeUserDisconnectedEvent }
func (*SignTransactionsRequest) Type() MessageType    { return TypeSignTransactionsRequest }
func (*SignTransactionsResponse) Type() MessageType   { return TypeSignTransactionsResponse }
func (*SignMessagesRequest) Type() MessageType        { return TypeSignMessagesRequest }
func (*SignMessagesResponse) Type() MessageType       { return TypeSignMessagesResponse }
func (*RequestRejected) Type() MessageType            { return TypeRequestRejected }
func (*ErrorMessage) Type() MessageType               { return TypeErrorMessage }
func (*AckMessage) Type() MessageType                 { return TypeAckMessage }
func (*Connect) Type() MessageType                    { return TypeConnect }
func (*GetInfoRequest) Type() MessageType             { return TypeGetInfoRequest }
func (*GetInfoResponse) Type() MessageType            { return TypeGetInfoResponse }
func (*GetPendingRequestsRequest) Type() MessageType  { return TypeGetPendingRequestsRequest }
func (*GetPendingRequestsResponse) Type() MessageType { return TypeGetPendingRequestsResponse }
func (*NewPayloadEvent) Type() MessageType            { return TypeNewPayloadEvent }
func (*AppDisconnectedEvent) Type() MessageType       { return TypeAppDisconnectedEvent }
func (*ClientInitializeRequest) Type() MessageType    { return TypeClientInitializeRequest }
func (*ClientInitializeResponse) Type() MessageType   { return TypeClientInitializeResponse }
func (*GetSessionsRequest) Type() MessageType         { return TypeGetSessionsRequest }
func (*GetSessionsResponse) Type() MessageType        { return TypeGetSessionsResponse }
func (*DropSessionsRequest) Type() MessageType        { return TypeDropSessionsRequest }
func (*DropSessionsResponse) Type() MessageType       { return TypeDropSessionsResponse }

func (*InitializeRequest) envelope()          {}
func (*InitializeResponse) envelope()         {}
func (*UserConnectedEvent) envelope()         {}
func (*UserDisconnectedEvent) envelope()      {}
func (*SignTransactionsRequest) envelope()    {}
func (*SignTransactionsResponse) envelope()   {}
func (*SignMessagesRequest) envelope()        {}
func (*SignMessagesResponse) envelope()       {}
func (*RequestRejected) envelope()            {}
func (*ErrorMessage) envelope()               {}
func (*AckMessage) envelope()                 {}
func (*Connect) envelope()                    {}
func (*GetInfoRequest) envelope()             {}
func (*GetInfoResponse) envelope()            {}
func (*GetPendingRequestsRequest) envelope()  {}
func (*GetPendingRequestsResponse) envelope() {}
func (*NewPayloadEvent) envelope()            {}
func (*AppDisconnectedEvent) envelope()       {}
func (*ClientInitializeRequest) envelope()    {}
func (*ClientInitializeResponse) envelope()   {}
func (*GetSessionsRequest) envelope()         {}
func (*GetSessionsResponse) envelope()        {}
func (*DropSessionsRequest) envelope()        {}
func (*DropSessionsResponse) envelope()       {}

func (m *InitializeRequest) CorrelationID() string          { return m.ResponseID }
func (m *InitializeResponse) CorrelationID() string         { return m.ResponseID }
func (m *SignTransactionsRequest) CorrelationID() string    { return m.ResponseID }
func (m *SignTransactionsResponse) CorrelationID() string   { return m.ResponseID }
func (m *SignMessagesRequest) CorrelationID() string        { return m.ResponseID }
func (m *SignMessagesResponse) CorrelationID() string       { return m.ResponseID }
func (m *RequestRejected) CorrelationID() string            { return m.ResponseID }
func (m *ErrorMessage) CorrelationID() string               { return m.ResponseID }
func (m *AckMessage) CorrelationID() string                 { return m.ResponseID }
func (m *Connect) CorrelationID() string                    { return m.ResponseID }
func (m *GetInfoRequest) CorrelationID() string             { return m.ResponseID }
func (m *GetInfoResponse) CorrelationID() string            { return m.ResponseID }
func (m *GetPendingRequestsRequest) CorrelationID() string  { return m.ResponseID }
func (m *GetPendingRequestsResponse) CorrelationID() string { return m.ResponseID }
func (m *ClientInitializeRequest) CorrelationID() string    { return m.ResponseID }
func (m *ClientInitializeResponse) CorrelationID() string   { return m.ResponseID }
func (m *GetSessionsRequest) CorrelationID() string         { return m.ResponseID }
func (m *GetSessionsResponse) CorrelationID() string        { return m.ResponseID }
func (m *DropSessionsRequest) CorrelationID() string        { return m.ResponseID }
func (m *DropSessionsResponse) CorrelationID() string       { return m.ResponseID }

// IsReply reports whether t answers a request previously sent by the
// receiving peer. Replies are routed to the request correlator, everything
// else to the role's message handler.
func IsReply(t MessageType) bool {
	switch t {
	case TypeInitializeResponse, TypeSignTransactionsResponse, TypeSignMessagesResponse,
		TypeRequestRejected, TypeErrorMessage, TypeAckMessage,
		TypeGetInfoResponse, TypeGetPendingRequestsResponse,
		TypeClientInitializeResponse, TypeGetSessionsResponse, TypeDropSessionsResponse:
		return true
	}
	return false
}

// NewEnvelope returns a zero value of the variant registered for t.
func NewEnvelope(t MessageType) (Envelope, bool) {
	switch t {
	case TypeInitializeRequest:
		return &InitializeRequest{}, true
	case TypeInitializeResponse:
		return &InitializeResponse{}, true
	case TypeUserConnectedEvent:
		return &UserConnectedEvent{}, true
	case TypeUserDisconnectedEvent:
		return &UserDisconnectedEvent{}, true
	case TypeSignTransactionsRequest:
		return &SignTransactionsRequest{}, true
	case TypeSignTransactionsResponse:
		return &SignTransactionsResponse{}, true
	case TypeSignMessagesRequest:
		return &SignMessagesRequest{}, true
	case TypeSignMessagesResponse:
		return &SignMessagesResponse{}, true
	case TypeRequestRejected:
		return &RequestRejected{}, true
	case TypeErrorMessage:
		return &ErrorMessage{}, true
	case TypeAckMessage:
		return &AckMessage{}, true
	case TypeConnect:
		return &Connect{}, true
	case TypeGetInfoRequest:
		return &GetInfoRequest{}, true
	case TypeGetInfoResponse:
		return &GetInfoResponse{}, true
	case TypeGetPendingRequestsRequest:
		return &GetPendingRequestsRequest{}, true
	case TypeGetPendingRequestsResponse:
		return &GetPendingRequestsResponse{}, true
	case TypeNewPayloadEvent:
		return &NewPayloadEvent{}, true
	case TypeAppDisconnectedEvent:
		return &AppDisconnectedEvent{}, true
	case TypeClientInitializeRequest:
		return &ClientInitializeRequest{}, true
	case TypeClientInitializeResponse:
		return &ClientInitializeResponse{}, true
	case TypeGetSessionsRequest:
		return &GetSessionsRequest{}, true
	case TypeGetSessionsResponse:
		return &GetSessionsResponse{}, true
	case TypeDropSessionsRequest:
		return &DropSessionsRequest{}, true
	case TypeDropSessionsResponse:
		return &DropSessionsResponse{}, true
	}
	return nil, false
}

// MessageTypes lists every known tag in a stable order.
func MessageTypes() []MessageType {
	return []MessageType{
		TypeInitializeRequest,
		TypeInitializeResponse,
		TypeUserConnectedEvent,
		TypeUserDisconnectedEvent,
		TypeSignTransactionsRequest,
		TypeSignTransactionsResponse,
		TypeSignMessagesRequest,
		TypeSignMessagesResponse,
		TypeRequestRejected,
		TypeErrorMessage,
		TypeAckMessage,
		TypeConnect,
		TypeGetInfoRequest,
		TypeGetInfoResponse,
		TypeGetPendingRequestsRequest,
		TypeGetPendingRequestsResponse,
		TypeNewPayloadEvent,
		TypeAppDisconnectedEvent,
		TypeClientInitializeRequest,
		TypeClientInitializeResponse,
		TypeGetSessionsRequest,
		TypeGetSessionsResponse,
		TypeDropSessionsRequest,
		TypeDropSessionsResponse,
	}
}
