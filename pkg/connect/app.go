package connect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nightly-connect/internal/domain"
	"nightly-connect/internal/usecase/eventbus"
	"nightly-connect/internal/usecase/relayconn"
)

// ProtocolVersion is announced in every app handshake.
const ProtocolVersion = "0.1.0"

const storeTimeout = 5 * time.Second

// AppConfig describes the app side of a session.
type AppConfig struct {
	RelayURL    string
	AppMetadata AppMetadata
	Network     string

	// Persistent sessions survive transport loss: the connection resumes
	// with backoff and the session id is kept in the SessionStore.
	Persistent bool
	// PersistentSessionID resumes this session instead of the stored one.
	PersistentSessionID string
	// AppName keys the SessionStore. Defaults to AppMetadata.Name.
	AppName string
}

// App owns a session on the relay and sends sign requests to the clients
// that join it.
type App struct {
	cfg     AppConfig
	opts    options
	conn    *relayconn.Connection
	bus     EventBus
	ownsBus bool
	logger  *slog.Logger

	mu      sync.Mutex
	clients int
}

// BuildApp connects to the relay and opens a session. A persistent app
// resumes PersistentSessionID, or the id stored under its name, and falls
// back to a fresh session when the relay no longer knows it.
func BuildApp(ctx context.Context, cfg AppConfig, opts ...Option) (*App, error) {
	if cfg.RelayURL == "" {
		return nil, domain.NewDomainError("connect.BuildApp", domain.ErrInvalidInput, "relay url is required")
	}
	if cfg.AppMetadata.Name == "" {
		return nil, domain.NewDomainError("connect.BuildApp", domain.ErrInvalidInput, "app name is required")
	}
	if cfg.AppName == "" {
		cfg.AppName = cfg.AppMetadata.Name
	}

	o := buildOptions(opts)
	a := &App{
		cfg:    cfg,
		opts:   o,
		bus:    o.bus,
		logger: o.logger.With("component", "connect.app", "app", cfg.AppName),
	}
	if a.bus == nil {
		a.bus = eventbus.New(o.logger)
		a.ownsBus = true
	}

	resumeID := cfg.PersistentSessionID
	if resumeID == "" && cfg.Persistent {
		resumeID = a.storedSession(ctx)
	}

	a.conn = relayconn.New(relayconn.Config{
		RelayURL:            endpoint(cfg.RelayURL, AppPath),
		Persistent:          cfg.Persistent,
		PersistentSessionID: resumeID,
		Initialize:          a.initializeRequest,
		OnHandshake:         a.onHandshake,
		HandshakeTimeout:    o.handshakeTimeout,
		Backoff:             o.backoff,
	}, o.dialer, a.bus, o.logger)
	a.conn.OnMessage(a.handle)

	sess, err := a.conn.Connect(ctx)
	if err != nil {
		a.closeBus()
		return nil, err
	}
	if cfg.Persistent {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
		defer cancel()
		if err := o.store.Put(sctx, cfg.AppName, sess.ID); err != nil {
			a.logger.Warn("failed to store session id", "session_id", sess.ID, "error", err)
		}
	}
	a.logger.Info("session opened", "session_id", sess.ID, "resumed", resumeID != "" && resumeID == sess.ID)
	return a, nil
}

func (a *App) storedSession(ctx context.Context) string {
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	id, ok, err := a.opts.store.Get(sctx, a.cfg.AppName)
	if err != nil {
		a.logger.Warn("failed to read stored session", "error", err)
		return ""
	}
	if !ok {
		return ""
	}
	return id
}

func (a *App) initializeRequest(resumeID string) *domain.InitializeRequest {
	return &domain.InitializeRequest{
		AppMetadata:         a.cfg.AppMetadata,
		Network:             a.cfg.Network,
		Persistent:          a.cfg.Persistent,
		PersistentSessionID: resumeID,
		Version:             ProtocolVersion,
	}
}

// onHandshake takes the client count from the relay. A resume reply
// supersedes any joins or leaves that happened while the app was away.
func (a *App) onHandshake(resp *domain.InitializeResponse) {
	a.mu.Lock()
	a.clients = resp.ClientCount
	a.mu.Unlock()
}

func (a *App) handle(ctx context.Context, env domain.Envelope) {
	switch m := env.(type) {
	case *domain.UserConnectedEvent:
		a.mu.Lock()
		a.clients++
		a.mu.Unlock()
		ev := domain.NewEvent(domain.EventUserConnected, a.SessionID())
		ev.PublicKeys = m.PublicKeys
		a.publish(ctx, ev)
	case *domain.UserDisconnectedEvent:
		a.mu.Lock()
		if a.clients > 0 {
			a.clients--
		}
		a.mu.Unlock()
		a.publish(ctx, domain.NewEvent(domain.EventUserDisconnected, a.SessionID()))
	default:
		a.logger.Debug("ignoring message", "type", string(env.Type()))
	}
}

func (a *App) publish(ctx context.Context, ev Event) {
	if err := a.bus.Publish(ctx, ev); err != nil {
		a.logger.Debug("event handlers failed", "event", string(ev.Type), "error", err)
	}
}

// SessionID returns the relay session id.
func (a *App) SessionID() string { return a.conn.SessionID() }

// State returns the connection state.
func (a *App) State() ConnState { return a.conn.State() }

// ClientCount returns how many clients are joined to the session.
func (a *App) ClientCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.clients
}

// Done is closed once the app has disconnected for good.
func (a *App) Done() <-chan struct{} { return a.conn.Done() }

// On registers handler for one event type.
func (a *App) On(t EventType, handler EventHandler) Subscription {
	return a.bus.Subscribe(t, handler)
}

// Off removes a handler registered with On.
func (a *App) Off(sub Subscription) bool { return a.bus.Unsubscribe(sub) }

func (a *App) ready(op string) error {
	if a.ClientCount() == 0 {
		return domain.NewDomainError(op, domain.ErrNoClientConnected, a.SessionID())
	}
	return nil
}

// SignTransactionsAsync sends a sign request and returns without waiting.
func (a *App) SignTransactionsAsync(ctx context.Context, transactions []string, metadata string) (*Future[*SignTransactionsResponse], error) {
	const op = "connect.SignTransactions"
	if len(transactions) == 0 {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "no transactions")
	}
	if err := a.ready(op); err != nil {
		return nil, err
	}
	fut, err := a.conn.Request(ctx, func(id string) domain.Envelope {
		return &domain.SignTransactionsRequest{ResponseID: id, Transactions: transactions, Metadata: metadata}
	}, a.opts.signTimeout)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	return &Future[*SignTransactionsResponse]{f: fut}, nil
}

// SignTransactions asks the connected client to sign transactions and waits
// for the signed copies.
func (a *App) SignTransactions(ctx context.Context, transactions []string, metadata string) (*SignTransactionsResponse, error) {
	fut, err := a.SignTransactionsAsync(ctx, transactions, metadata)
	if err != nil {
		return nil, err
	}
	return fut.Await(ctx)
}

// SignMessagesAsync sends a sign request and returns without waiting.
func (a *App) SignMessagesAsync(ctx context.Context, messages []MessageToSign, metadata string) (*Future[*SignMessagesResponse], error) {
	const op = "connect.SignMessages"
	if len(messages) == 0 {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "no messages")
	}
	if err := a.ready(op); err != nil {
		return nil, err
	}
	fut, err := a.conn.Request(ctx, func(id string) domain.Envelope {
		return &domain.SignMessagesRequest{ResponseID: id, Messages: messages, Metadata: metadata}
	}, a.opts.signTimeout)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	return &Future[*SignMessagesResponse]{f: fut}, nil
}

// SignMessages asks the connected client to sign messages and waits for the
// signatures.
func (a *App) SignMessages(ctx context.Context, messages []MessageToSign, metadata string) (*SignMessagesResponse, error) {
	fut, err := a.SignMessagesAsync(ctx, messages, metadata)
	if err != nil {
		return nil, err
	}
	return fut.Await(ctx)
}

// TriggerDeeplink hands the session to a mobile wallet through the hook set
// with WithDeeplinkTrigger.
func (a *App) TriggerDeeplink(deeplinkURL string) error {
	if a.opts.deeplink == nil {
		return domain.NewDomainError("connect.TriggerDeeplink", domain.ErrInvalidInput, "no deeplink trigger configured")
	}
	if deeplinkURL == "" {
		return domain.NewDomainError("connect.TriggerDeeplink", domain.ErrInvalidInput, "empty deeplink url")
	}
	a.opts.deeplink(deeplinkURL, a.SessionID(), a.cfg.RelayURL)
	return nil
}

// Close disconnects from the relay. Pending requests fail with
// ErrConnectionClosed. A persistent session stays resumable.
func (a *App) Close() error {
	err := a.conn.Terminate()
	a.closeBus()
	return err
}

// EndSession closes the app and forgets the stored session id, so the next
// build opens a fresh session.
func (a *App) EndSession(ctx context.Context) error {
	err := a.Close()
	if a.cfg.Persistent {
		if derr := a.opts.store.Delete(ctx, a.cfg.AppName); derr != nil {
			err = errors.Join(err, fmt.Errorf("forget session: %w", derr))
		}
	}
	return err
}

func (a *App) closeBus() {
	if a.ownsBus {
		a.bus.Close()
	}
}
