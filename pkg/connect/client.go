package connect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"nightly-connect/internal/domain"
	"nightly-connect/internal/usecase/eventbus"
	"nightly-connect/internal/usecase/relayconn"
)

// ClientConfig describes the client side of a session.
type ClientConfig struct {
	RelayURL string
	// Persistent clients reconnect after transport loss and rejoin the
	// session they were connected to.
	Persistent bool
	// ClientID identifies the client to the relay across connections, so
	// the sessions it joined can be listed and dropped later. Generated
	// when empty.
	ClientID string
}

// ConnectMessage joins a session. PublicKeys reach the app exactly as given.
type ConnectMessage struct {
	PublicKeys []string
	SessionID  string
	Device     string
	Metadata   string
}

// Client joins sessions opened by apps and answers their sign requests.
type Client struct {
	cfg     ClientConfig
	opts    options
	conn    *relayconn.Connection
	bus     EventBus
	ownsBus bool
	logger  *slog.Logger

	mu     sync.Mutex
	joined *ConnectMessage
}

// BuildClient connects to the relay. The client joins a session with
// Connect.
func BuildClient(ctx context.Context, cfg ClientConfig, opts ...Option) (*Client, error) {
	if cfg.RelayURL == "" {
		return nil, domain.NewDomainError("connect.BuildClient", domain.ErrInvalidInput, "relay url is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = ulid.Make().String()
	}
	o := buildOptions(opts)
	c := &Client{
		cfg:    cfg,
		opts:   o,
		bus:    o.bus,
		logger: o.logger.With("component", "connect.client"),
	}
	if c.bus == nil {
		c.bus = eventbus.New(o.logger)
		c.ownsBus = true
	}

	c.conn = relayconn.New(relayconn.Config{
		RelayURL:         endpoint(cfg.RelayURL, ClientPath),
		Persistent:       cfg.Persistent,
		AfterResume:      c.rejoin,
		HandshakeTimeout: o.handshakeTimeout,
		Backoff:          o.backoff,
	}, o.dialer, c.bus, o.logger)
	c.conn.OnMessage(c.handle)

	if _, err := c.conn.Connect(ctx); err != nil {
		c.closeBus()
		return nil, err
	}
	if err := c.identify(ctx); err != nil {
		_ = c.conn.Terminate()
		c.closeBus()
		return nil, err
	}
	return c, nil
}

// identify announces the client id on the current transport.
func (c *Client) identify(ctx context.Context) error {
	fut, err := c.conn.Request(ctx, func(id string) domain.Envelope {
		return &domain.ClientInitializeRequest{ResponseID: id, ClientID: c.cfg.ClientID}
	}, c.opts.requestTimeout)
	if err != nil {
		return domain.WrapOp("connect.BuildClient", err)
	}
	_, err = (&Future[*domain.ClientInitializeResponse]{f: fut}).Await(ctx)
	return domain.WrapOp("connect.BuildClient", err)
}

// Connect joins msg.SessionID and waits for the relay to confirm. The app
// sees one userConnected event carrying msg.PublicKeys.
func (c *Client) Connect(ctx context.Context, msg ConnectMessage) error {
	if msg.SessionID == "" {
		return domain.NewDomainError("connect.Connect", domain.ErrInvalidInput, "session id is required")
	}
	msg.PublicKeys = append([]string{}, msg.PublicKeys...)
	if err := c.join(ctx, msg); err != nil {
		return err
	}

	c.mu.Lock()
	c.joined = &msg
	c.mu.Unlock()
	c.conn.Bind(msg.SessionID)
	c.logger.Info("joined session", "session_id", msg.SessionID, "keys", len(msg.PublicKeys))
	return nil
}

func (c *Client) join(ctx context.Context, msg ConnectMessage) error {
	const op = "connect.Connect"
	fut, err := c.conn.Request(ctx, func(id string) domain.Envelope {
		return &domain.Connect{
			ResponseID: id,
			PublicKeys: msg.PublicKeys,
			SessionID:  msg.SessionID,
			Device:     msg.Device,
			Metadata:   msg.Metadata,
		}
	}, c.opts.requestTimeout)
	if err != nil {
		return domain.WrapOp(op, err)
	}
	if _, err := (&Future[*domain.AckMessage]{f: fut}).Await(ctx); err != nil {
		var pe *domain.PeerError
		if errors.As(err, &pe) && pe.Code() == domain.CodeSessionNotFound {
			return fmt.Errorf("%s: %w: %w", op, domain.ErrSessionNotFound, err)
		}
		return domain.WrapOp(op, err)
	}
	return nil
}

// rejoin restores the client id and the joined session on a resumed
// connection.
func (c *Client) rejoin(ctx context.Context) error {
	if err := c.identify(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	msg := c.joined
	c.mu.Unlock()
	if msg == nil {
		return nil
	}
	return c.join(ctx, *msg)
}

func (c *Client) handle(ctx context.Context, env domain.Envelope) {
	switch m := env.(type) {
	case *domain.NewPayloadEvent:
		ev := domain.NewEvent(domain.EventRequestReceived, m.SessionID)
		ev.Request = m
		c.publish(ctx, ev)
	case *domain.AppDisconnectedEvent:
		c.mu.Lock()
		if c.joined != nil && c.joined.SessionID == m.SessionID {
			c.joined = nil
		}
		c.mu.Unlock()
		ev := domain.NewEvent(domain.EventAppDisconnected, m.SessionID)
		ev.Reason = m.Reason
		c.publish(ctx, ev)
	default:
		c.logger.Debug("ignoring message", "type", string(env.Type()))
	}
}

func (c *Client) publish(ctx context.Context, ev Event) {
	if err := c.bus.Publish(ctx, ev); err != nil {
		c.logger.Debug("event handlers failed", "event", string(ev.Type), "error", err)
	}
}

// ClientID returns the id the client announces to the relay.
func (c *Client) ClientID() string { return c.cfg.ClientID }

// SessionID returns the joined session, empty before Connect.
func (c *Client) SessionID() string { return c.conn.SessionID() }

// State returns the connection state.
func (c *Client) State() ConnState { return c.conn.State() }

// Done is closed once the client has disconnected for good.
func (c *Client) Done() <-chan struct{} { return c.conn.Done() }

// On registers handler for one event type.
func (c *Client) On(t EventType, handler EventHandler) Subscription {
	return c.bus.Subscribe(t, handler)
}

// Off removes a handler registered with On.
func (c *Client) Off(sub Subscription) bool { return c.bus.Unsubscribe(sub) }

func (c *Client) target(op, sessionID string) (string, error) {
	if sessionID != "" {
		return sessionID, nil
	}
	if id := c.SessionID(); id != "" {
		return id, nil
	}
	return "", domain.NewDomainError(op, domain.ErrInvalidInput, "no session id")
}

// GetInfo returns the metadata of a session's app. An empty sessionID means
// the joined session; joining is not required.
func (c *Client) GetInfo(ctx context.Context, sessionID string) (*GetInfoResponse, error) {
	const op = "connect.GetInfo"
	id, err := c.target(op, sessionID)
	if err != nil {
		return nil, err
	}
	fut, err := c.conn.Request(ctx, func(rid string) domain.Envelope {
		return &domain.GetInfoRequest{ResponseID: rid, SessionID: id}
	}, c.opts.requestTimeout)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	resp, err := (&Future[*GetInfoResponse]{f: fut}).Await(ctx)
	return resp, domain.WrapOp(op, err)
}

// GetPendingRequests lists the sign requests of a session that no client
// has answered yet.
func (c *Client) GetPendingRequests(ctx context.Context, sessionID string) ([]NewPayloadEvent, error) {
	const op = "connect.GetPendingRequests"
	id, err := c.target(op, sessionID)
	if err != nil {
		return nil, err
	}
	fut, err := c.conn.Request(ctx, func(rid string) domain.Envelope {
		return &domain.GetPendingRequestsRequest{ResponseID: rid, SessionID: id}
	}, c.opts.requestTimeout)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	resp, err := (&Future[*GetPendingRequestsResponse]{f: fut}).Await(ctx)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	return resp.Requests, nil
}

// GetSessions lists the live sessions this client id has joined, on any
// connection.
func (c *Client) GetSessions(ctx context.Context) ([]string, error) {
	const op = "connect.GetSessions"
	fut, err := c.conn.Request(ctx, func(rid string) domain.Envelope {
		return &domain.GetSessionsRequest{ResponseID: rid}
	}, c.opts.requestTimeout)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	resp, err := (&Future[*domain.GetSessionsResponse]{f: fut}).Await(ctx)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	return resp.Sessions, nil
}

// DropSessions makes the relay forget sessions for this client id and
// returns the ones it knew. Dropping the joined session leaves it.
func (c *Client) DropSessions(ctx context.Context, sessionIDs []string) ([]string, error) {
	const op = "connect.DropSessions"
	if len(sessionIDs) == 0 {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "no session ids")
	}
	ids := append([]string{}, sessionIDs...)
	fut, err := c.conn.Request(ctx, func(rid string) domain.Envelope {
		return &domain.DropSessionsRequest{ResponseID: rid, Sessions: ids}
	}, c.opts.requestTimeout)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	resp, err := (&Future[*domain.DropSessionsResponse]{f: fut}).Await(ctx)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	c.mu.Lock()
	for _, id := range resp.DroppedSessions {
		if c.joined != nil && c.joined.SessionID == id {
			c.joined = nil
			c.conn.Bind("")
		}
	}
	c.mu.Unlock()
	return resp.DroppedSessions, nil
}

func (c *Client) respond(ctx context.Context, op, requestID string, env domain.Envelope) error {
	if requestID == "" {
		return domain.NewDomainError(op, domain.ErrInvalidInput, "empty request id")
	}
	if c.SessionID() == "" {
		return domain.NewDomainError(op, domain.ErrInvalidInput, "not joined to a session")
	}
	return domain.WrapOp(op, c.conn.Send(ctx, env))
}

// ResolveSignTransactions answers a SignTransactions request. A relay
// failure is published as a relayError event.
func (c *Client) ResolveSignTransactions(ctx context.Context, requestID string, signed []string) error {
	return c.respond(ctx, "connect.ResolveSignTransactions", requestID, &domain.SignTransactionsResponse{
		ResponseID:         requestID,
		SignedTransactions: append([]string{}, signed...),
	})
}

// ResolveSignMessages answers a SignMessages request.
func (c *Client) ResolveSignMessages(ctx context.Context, requestID string, signed []string) error {
	return c.respond(ctx, "connect.ResolveSignMessages", requestID, &domain.SignMessagesResponse{
		ResponseID:     requestID,
		SignedMessages: append([]string{}, signed...),
	})
}

// RejectRequest declines a request. The app's call fails with
// ErrRequestRejected carrying reason.
func (c *Client) RejectRequest(ctx context.Context, requestID, reason string) error {
	return c.respond(ctx, "connect.RejectRequest", requestID, &domain.RequestRejected{
		ResponseID: requestID,
		Reason:     reason,
	})
}

// Close disconnects from the relay. The app sees userDisconnected.
func (c *Client) Close() error {
	err := c.conn.Terminate()
	c.closeBus()
	return err
}

func (c *Client) closeBus() {
	if c.ownsBus {
		c.bus.Close()
	}
}
