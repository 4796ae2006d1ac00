// Package relayconn owns one role's link to the relay: the transport, the
// request correlator, the handshake, and reconnection of persistent sessions.
package relayconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"nightly-connect/internal/adapter/codec"
	"nightly-connect/internal/domain"
	"nightly-connect/internal/usecase/correlator"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
)

// MessageHandler receives every decoded envelope that is not a reply to a
// pending request. Handlers and connection events run one at a time in frame
// order, off the read goroutine, so a handler may send a request and await
// its reply. A handler must not wait on Done.
type MessageHandler func(ctx context.Context, env domain.Envelope)

// HandshakeHook observes each successful app handshake, including resumes.
// It runs in order with the messages that follow the handshake reply.
type HandshakeHook func(resp *domain.InitializeResponse)

// Config controls a Connection.
type Config struct {
	RelayURL            string
	Persistent          bool
	PersistentSessionID string

	// Initialize builds the app handshake for resumeID ("" requests a fresh
	// session). Nil means the role has no handshake.
	Initialize  func(resumeID string) *domain.InitializeRequest
	OnHandshake HandshakeHook

	// AfterResume runs once a persistent connection is re-established and
	// open, before serverReconnected is published. An error ends the session.
	AfterResume func(ctx context.Context) error

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Backoff          BackoffConfig
}

// Connection is the relay link of one app or client. It is safe for
// concurrent use.
type Connection struct {
	cfg    Config
	dialer domain.Dialer
	codec  *codec.Codec
	bus    domain.EventBus
	corr   *correlator.Correlator
	inbox  *inbox
	logger *slog.Logger

	mu         sync.Mutex
	state      domain.ConnState
	conn       domain.Conn
	session    domain.Session
	handler    MessageHandler
	cancel     context.CancelFunc
	terminated bool
	handshakes map[string]struct{} // ids of InitializeRequests in flight

	writeMu  sync.Mutex
	done     chan struct{}
	doneOnce sync.Once
}

// New creates an idle connection. Nothing is dialled until Connect.
func New(cfg Config, dialer domain.Dialer, bus domain.EventBus, logger *slog.Logger) *Connection {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	c := &Connection{
		cfg:     cfg,
		dialer:  dialer,
		codec:   codec.Default(),
		bus:     bus,
		logger:  logger.With("component", "relayconn"),
		state:   domain.StateIdle,
		session: domain.Session{ID: cfg.PersistentSessionID, Persistent: cfg.Persistent},
		inbox:   newInbox(),
		done:    make(chan struct{}),
	}
	c.corr = correlator.New(c.write, c.logger)
	return c
}

// OnMessage installs the handler for non-reply envelopes.
func (c *Connection) OnMessage(h MessageHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Connect dials the relay and, for the app role, completes the handshake.
// A persistent resume the relay rejects falls back to a fresh session on the
// same transport. On failure the connection is Closed.
func (c *Connection) Connect(ctx context.Context) (domain.Session, error) {
	c.mu.Lock()
	if c.state != domain.StateIdle {
		c.mu.Unlock()
		return domain.Session{}, domain.ErrAlreadyConnected
	}
	c.state = domain.StateConnecting
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	conn, readErr, err := c.open(ctx, runCtx, c.cfg.PersistentSessionID, true)
	if err != nil {
		cancel()
		c.corr.Close(domain.ErrConnectionClosed)
		c.setState(domain.StateClosed)
		c.finish()
		return domain.Session{}, domain.WrapOp("relayconn.Connect", err)
	}

	c.setState(domain.StateOpen)
	go c.run(runCtx, conn, readErr)
	return c.Session(), nil
}

// open dials, starts the read loop and performs the handshake. The read loop
// is bound to runCtx and outlives this call on success.
func (c *Connection) open(ctx, runCtx context.Context, resumeID string, allowFresh bool) (domain.Conn, <-chan error, error) {
	conn, err := c.dialer.Dial(ctx, c.cfg.RelayURL)
	if err != nil {
		return nil, nil, err
	}
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, nil, domain.ErrConnectionClosed
	}
	c.conn = conn
	c.mu.Unlock()

	// The handshake is abandoned as soon as the transport drops.
	hsCtx, hsCancel := context.WithCancelCause(ctx)
	defer hsCancel(nil)

	readErr := make(chan error, 1)
	go func() {
		err := c.readLoop(runCtx, conn)
		hsCancel(err)
		readErr <- err
	}()

	sess, err := c.handshake(hsCtx, resumeID, allowFresh)
	if err != nil {
		if errors.Is(err, domain.ErrCancelled) && ctx.Err() == nil {
			if cause := context.Cause(hsCtx); cause != nil {
				err = cause
			}
		}
		c.detach(conn)
		_ = conn.Close()
		<-readErr
		return nil, nil, err
	}

	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	return conn, readErr, nil
}

func (c *Connection) handshake(ctx context.Context, resumeID string, allowFresh bool) (domain.Session, error) {
	if c.cfg.Initialize == nil {
		return c.Session(), nil
	}

	resp, err := c.initialize(ctx, resumeID)
	if resumeID != "" && errors.Is(err, domain.ErrRequestRejected) {
		if !allowFresh {
			return domain.Session{}, fmt.Errorf("%w: relay rejected resume of %s", domain.ErrSessionLost, resumeID)
		}
		c.logger.Info("persistent session rejected, starting a fresh one", "session_id", resumeID)
		resp, err = c.initialize(ctx, "")
	}
	if err != nil {
		return domain.Session{}, err
	}
	if resumeID != "" && !allowFresh && resp.SessionID != resumeID {
		return domain.Session{}, fmt.Errorf("%w: relay assigned %s instead of %s", domain.ErrSessionLost, resp.SessionID, resumeID)
	}

	if c.cfg.OnHandshake != nil {
		// The hook was queued when the reply was read; wait for it.
		c.barrier(ctx)
	}
	c.logger.Debug("handshake complete", "session_id", resp.SessionID, "created_new", resp.CreatedNew)
	return domain.Session{
		ID:         resp.SessionID,
		Persistent: c.cfg.Persistent,
		Metadata:   map[string]string{"createdNew": strconv.FormatBool(resp.CreatedNew)},
	}, nil
}

func (c *Connection) initialize(ctx context.Context, resumeID string) (*domain.InitializeResponse, error) {
	var reqID string
	fut, err := c.corr.Send(ctx, func(id string) domain.Envelope {
		reqID = id
		c.mu.Lock()
		if c.handshakes == nil {
			c.handshakes = make(map[string]struct{})
		}
		c.handshakes[id] = struct{}{}
		c.mu.Unlock()
		req := c.cfg.Initialize(resumeID)
		req.ResponseID = id
		return req
	}, c.cfg.HandshakeTimeout)
	defer func() {
		c.mu.Lock()
		delete(c.handshakes, reqID)
		c.mu.Unlock()
	}()
	if err != nil {
		return nil, err
	}
	env, err := fut.Await(ctx)
	if err != nil {
		return nil, err
	}
	resp, ok := env.(*domain.InitializeResponse)
	if !ok {
		return nil, fmt.Errorf("%w: %s to InitializeRequest", domain.ErrUnexpectedReply, env.Type())
	}
	return resp, nil
}

// run watches the live transport and owns reconnection.
func (c *Connection) run(ctx context.Context, conn domain.Conn, readErr <-chan error) {
	defer c.finish()

	for {
		var cause error
		select {
		case cause = <-readErr:
		case <-ctx.Done():
			<-readErr
			return
		}
		if c.isTerminated() {
			return
		}

		c.detach(conn)
		_ = conn.Close()
		c.logger.Warn("relay connection lost", "session_id", c.SessionID(), "error", cause)

		// Observers of serverDisconnected see the state it leads to.
		if !c.cfg.Persistent {
			c.setState(domain.StateClosed)
			c.corr.Close(domain.ErrConnectionClosed)
			c.publish(domain.EventServerDisconnected, cause)
			return
		}
		if !retryable(cause) {
			c.setState(domain.StateClosed)
			c.corr.Close(domain.ErrConnectionClosed)
			c.publish(domain.EventServerDisconnected, cause)
			c.end(cause)
			return
		}
		c.setState(domain.StateReconnecting)
		c.publish(domain.EventServerDisconnected, cause)

		var err error
		conn, readErr, err = c.reconnect(ctx)
		if err != nil {
			if !c.isTerminated() {
				c.end(err)
			}
			return
		}

		c.setState(domain.StateOpen)
		if c.cfg.AfterResume != nil {
			if err := c.cfg.AfterResume(ctx); err != nil {
				c.logger.Warn("resume hook failed", "session_id", c.SessionID(), "error", err)
				c.detach(conn)
				_ = conn.Close()
				<-readErr
				if !c.isTerminated() {
					c.end(err)
				}
				return
			}
		}
		c.logger.Info("relay connection restored", "session_id", c.SessionID())
		c.publish(domain.EventServerReconnected, nil)
	}
}

func (c *Connection) reconnect(ctx context.Context) (domain.Conn, <-chan error, error) {
	c.setState(domain.StateReconnecting)
	policy := c.cfg.Backoff.schedule()
	resumeID := c.SessionID()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.Backoff.MaxAttempts; {
		delay := policy.NextBackOff()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil, domain.ErrConnectionClosed
		case <-timer.C:
		}

		c.setState(domain.StateConnecting)
		conn, readErr, err := c.open(ctx, ctx, resumeID, false)
		if err == nil {
			return conn, readErr, nil
		}
		lastErr = err
		if c.isTerminated() {
			return nil, nil, domain.ErrConnectionClosed
		}
		if errors.Is(err, domain.ErrCircuitOpen) {
			// No dial was made; wait out the breaker without spending an attempt.
			c.logger.Debug("reconnect held by open circuit", "session_id", resumeID, "delay", delay)
			c.setState(domain.StateReconnecting)
			continue
		}
		c.logger.Warn("reconnect attempt failed",
			"session_id", resumeID,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if errors.Is(err, domain.ErrSessionLost) || errors.Is(err, domain.ErrSessionTakenOver) {
			return nil, nil, err
		}
		c.setState(domain.StateReconnecting)
		attempt++
	}
	return nil, nil, fmt.Errorf("%w: gave up after %d attempts: %v", domain.ErrSessionLost, c.cfg.Backoff.MaxAttempts, lastErr)
}

// end closes a persistent session for good.
func (c *Connection) end(cause error) {
	c.setState(domain.StateClosed)
	c.corr.Close(domain.ErrConnectionClosed)
	c.logger.Warn("session ended", "session_id", c.SessionID(), "error", cause)
	ev := domain.NewEvent(domain.EventSessionEnded, c.SessionID())
	ev.Err = cause
	if cause != nil {
		ev.Reason = cause.Error()
	}
	c.emit(ev)
}

// finish drains the inbox and closes done, once.
func (c *Connection) finish() {
	c.doneOnce.Do(func() {
		c.inbox.close()
		<-c.inbox.done
		close(c.done)
	})
}

// barrier returns once everything queued before it has run, or ctx ends.
func (c *Connection) barrier(ctx context.Context) {
	reached := make(chan struct{})
	if !c.inbox.push(func() { close(reached) }) {
		return
	}
	select {
	case <-reached:
	case <-ctx.Done():
	}
}

func (c *Connection) readLoop(ctx context.Context, conn domain.Conn) error {
	for {
		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			return err
		}
		env, err := c.codec.Decode(frame)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", "session_id", c.SessionID(), "error", err)
			c.publish(domain.EventProtocolError, err)
			continue
		}
		c.dispatch(ctx, env)
	}
}

// dispatch settles replies on the read goroutine and queues everything else.
func (c *Connection) dispatch(ctx context.Context, env domain.Envelope) {
	if domain.IsReply(env.Type()) {
		corr, ok := env.(domain.Correlated)
		if !ok {
			return
		}
		if resp, ok := env.(*domain.InitializeResponse); ok && c.cfg.OnHandshake != nil && c.awaitingHandshake(resp.ResponseID) {
			c.inbox.push(func() { c.cfg.OnHandshake(resp) })
		}
		var matched bool
		switch m := env.(type) {
		case *domain.RequestRejected, *domain.ErrorMessage:
			matched = c.corr.Reject(corr.CorrelationID(), &domain.PeerError{Envelope: m})
		default:
			matched = c.corr.Resolve(corr.CorrelationID(), env)
		}
		if em, isErr := env.(*domain.ErrorMessage); isErr && !matched {
			c.publish(domain.EventRelayError, &domain.PeerError{Envelope: em})
		}
		return
	}

	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		c.logger.Debug("no handler for message", "type", string(env.Type()))
		return
	}
	c.inbox.push(func() { h(ctx, env) })
}

func (c *Connection) awaitingHandshake(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handshakes[id]
	return ok
}

// write is the correlator's sender and the path of every outbound frame.
// Writes are serialized and bounded by WriteTimeout; caller cancellation
// never aborts a frame mid-write.
func (c *Connection) write(ctx context.Context, env domain.Envelope) error {
	frame, err := c.codec.Encode(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return domain.ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.WriteTimeout)
	defer cancel()
	return conn.WriteFrame(wctx, frame)
}

// Send transmits a one-way envelope. The connection must be open.
func (c *Connection) Send(ctx context.Context, env domain.Envelope) error {
	if c.State() != domain.StateOpen {
		return domain.ErrNotConnected
	}
	return c.write(ctx, env)
}

// Request registers and transmits a correlated request. A zero timeout
// waits indefinitely.
func (c *Connection) Request(ctx context.Context, build correlator.BuildFunc, timeout time.Duration) (*correlator.Future, error) {
	if c.State() != domain.StateOpen {
		return nil, domain.ErrNotConnected
	}
	return c.corr.Send(ctx, build, timeout)
}

// Terminate closes the connection without reconnecting. It does not publish
// any event and is safe to call at any time, more than once.
func (c *Connection) Terminate() error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return nil
	}
	c.terminated = true
	idle := c.state == domain.StateIdle
	c.state = domain.StateClosed
	conn := c.conn
	c.conn = nil
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.corr.Close(domain.ErrConnectionClosed)
	if idle {
		c.finish()
	}
	c.logger.Debug("connection terminated", "session_id", c.SessionID())
	return err
}

// Done is closed once the connection has stopped for good.
func (c *Connection) Done() <-chan struct{} { return c.done }

// State returns the current lifecycle state.
func (c *Connection) State() domain.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a copy of the current session.
func (c *Connection) Session() domain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session
	if s.Metadata != nil {
		m := make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			m[k] = v
		}
		s.Metadata = m
	}
	return s
}

// SessionID returns the id of the current session, empty before a handshake.
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.ID
}

// Bind records the session a client joined so events and resumes carry it.
func (c *Connection) Bind(sessionID string) {
	c.mu.Lock()
	c.session.ID = sessionID
	c.mu.Unlock()
}

// Pending returns the ids of in-flight requests.
func (c *Connection) Pending() []string { return c.corr.Pending() }

func (c *Connection) setState(s domain.ConnState) {
	c.mu.Lock()
	if c.terminated && s != domain.StateClosed {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.logger.Debug("state change", "from", prev.String(), "to", s.String())
	}
}

func (c *Connection) detach(conn domain.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Connection) isTerminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

func (c *Connection) publish(t domain.EventType, err error) {
	ev := domain.NewEvent(t, c.SessionID())
	ev.Err = err
	c.emit(ev)
}

// emit queues ev behind every message and event read before it.
func (c *Connection) emit(ev domain.Event) {
	queued := c.inbox.push(func() {
		_ = c.bus.Publish(context.Background(), ev)
	})
	if !queued {
		c.logger.Debug("event dropped after close", "event", string(ev.Type))
	}
}

// retryable reports whether the transport failure may be healed by a resume.
func retryable(err error) bool {
	var ce *domain.CloseError
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	return true
}
