// Package connect is the public SDK for joining apps and wallets through a
// nightly-connect relay.
//
// An App opens a session on the relay and asks connected clients to sign;
// a Client (usually a wallet) joins that session by id and answers:
//
//	app, err := connect.BuildApp(ctx, connect.AppConfig{
//	    RelayURL:    "wss://relay.example",
//	    AppMetadata: connect.AppMetadata{Name: "My dApp"},
//	    Network:     "SOLANA",
//	})
//	app.On(connect.EventUserConnected, func(ctx context.Context, ev connect.Event) error {
//	    signed, err := app.SignTransactions(ctx, []string{tx}, "")
//	    ...
//	})
//
//	wallet, err := connect.BuildClient(ctx, connect.ClientConfig{RelayURL: "wss://relay.example"})
//	err = wallet.Connect(ctx, connect.ConnectMessage{PublicKeys: keys, SessionID: app.SessionID()})
//
// Event handlers run one at a time in arrival order, apart from the socket
// reader, so a handler may await a request as above.
package connect

import (
	"context"
	"strings"

	"nightly-connect/internal/adapter/wallets"
	"nightly-connect/internal/domain"
	"nightly-connect/internal/usecase/relayconn"
)

// Relay websocket endpoints, relative to the relay URL.
const (
	AppPath    = "/app"
	ClientPath = "/client"
)

type (
	Event           = domain.Event
	EventType       = domain.EventType
	EventHandler    = domain.EventHandler
	EventBus        = domain.EventBus
	Subscription    = domain.Subscription
	AppMetadata     = domain.AppMetadata
	MessageToSign   = domain.MessageToSign
	NewPayloadEvent = domain.NewPayloadEvent
	RequestPayload  = domain.RequestPayload
	SessionStore    = domain.SessionStore
	Dialer          = domain.Dialer
	DeeplinkTrigger = domain.DeeplinkTrigger
	WalletMetadata  = domain.WalletMetadata
	BackoffConfig   = relayconn.BackoffConfig
	ConnState       = domain.ConnState
	PeerError       = domain.PeerError

	SignTransactionsResponse   = domain.SignTransactionsResponse
	SignMessagesResponse       = domain.SignMessagesResponse
	GetInfoResponse            = domain.GetInfoResponse
	GetPendingRequestsResponse = domain.GetPendingRequestsResponse
)

// Payload kinds of a NewPayloadEvent.
const (
	PayloadSignTransactions = domain.PayloadSignTransactions
	PayloadSignMessages     = domain.PayloadSignMessages
)

const (
	EventUserConnected      = domain.EventUserConnected
	EventUserDisconnected   = domain.EventUserDisconnected
	EventServerDisconnected = domain.EventServerDisconnected
	EventServerReconnected  = domain.EventServerReconnected
	EventSessionEnded       = domain.EventSessionEnded
	EventProtocolError      = domain.EventProtocolError
	EventRelayError         = domain.EventRelayError
	EventRequestReceived    = domain.EventRequestReceived
	EventAppDisconnected    = domain.EventAppDisconnected
)

var (
	ErrConnectionClosed  = domain.ErrConnectionClosed
	ErrNotConnected      = domain.ErrNotConnected
	ErrNoClientConnected = domain.ErrNoClientConnected
	ErrRequestRejected   = domain.ErrRequestRejected
	ErrPeerFailure       = domain.ErrPeerFailure
	ErrTimeout           = domain.ErrTimeout
	ErrCancelled         = domain.ErrCancelled
	ErrSessionNotFound   = domain.ErrSessionNotFound
	ErrSessionLost       = domain.ErrSessionLost
	ErrSessionTakenOver  = domain.ErrSessionTakenOver
	ErrProtocol          = domain.ErrProtocol
	ErrInvalidInput      = domain.ErrInvalidInput
)

// DefaultBackoff is the reconnect schedule of persistent sessions.
func DefaultBackoff() BackoffConfig { return relayconn.DefaultBackoff() }

// GetWalletsMetadata fetches the wallet registry served by a relay. relayURL
// may be the websocket URL used by BuildApp. An empty network returns every
// wallet.
func GetWalletsMetadata(ctx context.Context, relayURL, network string) ([]WalletMetadata, error) {
	return wallets.Fetch(ctx, nil, relayURL, network)
}

func endpoint(relayURL, path string) string {
	return strings.TrimSuffix(relayURL, "/") + path
}
