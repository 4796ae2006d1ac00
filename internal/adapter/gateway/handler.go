package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"nightly-connect/internal/adapter/transport"
	"nightly-connect/internal/domain"
	"nightly-connect/internal/infra/middleware"
	"nightly-connect/internal/infra/tracer"
	"nightly-connect/internal/usecase/cluster"
)

var (
	errNotInitialized     = fmt.Errorf("%w: send InitializeRequest first", domain.ErrInvalidInput)
	errAlreadyInitialized = fmt.Errorf("%w: session already initialized", domain.ErrInvalidInput)
	errNotJoined          = fmt.Errorf("%w: send Connect first", domain.ErrInvalidInput)
	errUnknownRequest     = fmt.Errorf("request: %w", domain.ErrNotFound)
	errNoClientID         = fmt.Errorf("%w: send ClientInitializeRequest first", domain.ErrInvalidInput)
)

func (s *Server) handleUpgrade(r role) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ip := middleware.ClientIP(req, s.cfg.TrustedProxies)
		conn, err := transport.Accept(w, req, s.cfg.AllowedOrigins, s.cfg.ReadLimit)
		if err != nil {
			s.logger.Warn("websocket accept failed", "role", string(r), "ip", ip, "error", err)
			return
		}

		var limiter *rate.Limiter
		if s.cfg.MaxFramesPerSecond > 0 {
			limiter = rate.NewLimiter(rate.Limit(s.cfg.MaxFramesPerSecond), max(s.cfg.Burst, 1))
		}
		p := newPeer(s.nextID.Add(1), r, ip, conn, s.cfg.OutboxLimit, limiter, s.logger)
		s.serve(req.Context(), p)
	}
}

// serve runs one peer to completion: register, read until the socket ends,
// then detach it from its session. The peer stays counted until detached.
func (s *Server) serve(ctx context.Context, p *peer) {
	s.mu.Lock()
	s.peers[p.id] = p
	s.mu.Unlock()
	s.metrics.ConnectionsTotal.Add(1)
	p.logger.Debug("peer connected", "ip", p.ip)

	go p.writeLoop()
	s.readLoop(ctx, p)

	switch p.role {
	case roleApp:
		s.appLeft(ctx, p)
	case roleClient:
		s.clientLeft(p)
	}
	s.mu.Lock()
	delete(s.peers, p.id)
	s.mu.Unlock()
	p.close(domain.CloseNormal, "")
	p.logger.Debug("peer disconnected")
}

func (s *Server) readLoop(ctx context.Context, p *peer) {
	for {
		frame, err := p.conn.ReadFrame(ctx)
		if err != nil {
			return
		}
		s.metrics.FramesIn.Add(1)

		if p.limiter != nil && !p.limiter.Allow() {
			s.metrics.FramesRejected.Add(1)
			p.logger.Warn("inbound rate limit exceeded", "ip", p.ip)
			p.close(domain.ClosePolicy, domain.ErrRateLimit.Error())
			return
		}

		env, err := s.codec.Decode(frame)
		if err != nil {
			s.metrics.FramesRejected.Add(1)
			p.logger.Debug("undecodable frame", "error", err)
			s.replyError(p, "", err)
			continue
		}
		s.route(ctx, p, env)
	}
}

func (s *Server) route(ctx context.Context, p *peer, env domain.Envelope) {
	ctx, span := tracer.StartSpan(ctx, "relay.route",
		trace.WithAttributes(
			tracer.MessageTypeAttr(string(env.Type())),
			tracer.StringAttr("peer.role", string(p.role)),
		),
	)
	var err error
	switch p.role {
	case roleApp:
		err = s.handleApp(ctx, p, env)
	case roleClient:
		err = s.handleClient(ctx, p, env)
	}
	tracer.End(span, err)
}

// --- app side ---

func (s *Server) handleApp(ctx context.Context, p *peer, env domain.Envelope) error {
	if msg, ok := env.(*domain.InitializeRequest); ok {
		return s.initialize(ctx, p, msg)
	}

	s.mu.Lock()
	sess := s.appSessionLocked(p)
	s.mu.Unlock()
	if sess == nil {
		return s.replyError(p, correlationID(env), errNotInitialized)
	}

	switch msg := env.(type) {
	case *domain.SignTransactionsRequest:
		return s.forwardRequest(p, sess, &domain.NewPayloadEvent{
			RequestID: msg.ResponseID,
			SessionID: sess.id,
			Payload: domain.RequestPayload{
				Kind:         domain.PayloadSignTransactions,
				Transactions: msg.Transactions,
				Metadata:     msg.Metadata,
			},
		})
	case *domain.SignMessagesRequest:
		return s.forwardRequest(p, sess, &domain.NewPayloadEvent{
			RequestID: msg.ResponseID,
			SessionID: sess.id,
			Payload: domain.RequestPayload{
				Kind:     domain.PayloadSignMessages,
				Messages: msg.Messages,
				Metadata: msg.Metadata,
			},
		})
	default:
		return s.replyError(p, correlationID(env),
			fmt.Errorf("%w: %s from app", domain.ErrUnknownType, env.Type()))
	}
}

// appSessionLocked returns the session p currently owns as app, or nil.
func (s *Server) appSessionLocked(p *peer) *session {
	if p.sessionID == "" {
		return nil
	}
	sess, ok := s.sessions[p.sessionID]
	if !ok || sess.app != p {
		return nil
	}
	return sess
}

func (s *Server) initialize(ctx context.Context, p *peer, req *domain.InitializeRequest) error {
	s.mu.Lock()
	already := s.appSessionLocked(p) != nil
	s.mu.Unlock()
	if already {
		return s.replyError(p, req.ResponseID, errAlreadyInitialized)
	}
	if req.PersistentSessionID != "" {
		return s.resume(ctx, p, req)
	}

	id := uuid.NewString()
	if s.coord != nil {
		ok, err := s.coord.AcquireSession(ctx, id)
		if err != nil || !ok {
			if err == nil {
				err = fmt.Errorf("%w: session id collision", domain.ErrRelayUnavailable)
			}
			s.logger.Error("acquire session lock", "session_id", id, "error", err)
			return s.replyError(p, req.ResponseID, domain.ErrRelayUnavailable)
		}
	}

	s.mu.Lock()
	s.sessions[id] = newSession(id, req, p, s.now())
	p.sessionID = id
	s.send(p, &domain.InitializeResponse{ResponseID: req.ResponseID, SessionID: id, CreatedNew: true})
	s.mu.Unlock()

	s.metrics.SessionsCreated.Add(1)
	s.publishLifecycle(ctx, cluster.SessionCreated, id)
	p.logger.Info("session created", "session_id", id, "persistent", req.Persistent, "app", req.AppMetadata.Name)
	return nil
}

func (s *Server) resume(ctx context.Context, p *peer, req *domain.InitializeRequest) error {
	id := req.PersistentSessionID

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok || !sess.persistent {
		s.mu.Unlock()
		reason := "session not found"
		if owner := s.ownerElsewhere(ctx, id); owner != "" {
			reason = "session served by relay node " + owner
		}
		s.send(p, &domain.RequestRejected{ResponseID: req.ResponseID, Reason: reason, SessionID: id})
		p.logger.Info("resume rejected", "session_id", id, "reason", reason)
		return domain.ErrSessionNotFound
	}

	if old := sess.app; old != nil && old != p {
		old.sessionID = ""
		old.close(domain.CloseSessionTakeover, domain.ErrSessionTakenOver.Error())
		s.metrics.Takeovers.Add(1)
		p.logger.Info("session taken over", "session_id", id, "previous_peer", old.id)
	}
	sess.app = p
	sess.appLeftAt = time.Time{}
	sess.metadata = req.AppMetadata
	sess.network = req.Network
	sess.version = req.Version
	p.sessionID = id

	s.send(p, &domain.InitializeResponse{
		ResponseID:  req.ResponseID,
		SessionID:   id,
		CreatedNew:  false,
		PublicKeys:  sess.publicKeys(),
		ClientCount: len(sess.clients),
	})
	outbox := sess.takeOutbox()
	for _, frame := range outbox {
		s.sendFrame(p, frame)
	}
	s.mu.Unlock()

	if s.coord != nil {
		if _, err := s.coord.AcquireSession(ctx, id); err != nil {
			s.logger.Warn("refresh session lock on resume", "session_id", id, "error", err)
		}
	}
	s.metrics.SessionsResumed.Add(1)
	s.publishLifecycle(ctx, cluster.SessionResumed, id)
	p.logger.Info("session resumed", "session_id", id, "flushed", len(outbox))
	return nil
}

// ownerElsewhere returns the node holding sessionID when it is not this one.
func (s *Server) ownerElsewhere(ctx context.Context, sessionID string) string {
	if s.coord == nil {
		return ""
	}
	owner, err := s.coord.Owner(ctx, sessionID)
	if err != nil {
		s.logger.Warn("lookup session owner", "session_id", sessionID, "error", err)
		return ""
	}
	if owner == s.coord.NodeID() {
		return ""
	}
	return owner
}

func (s *Server) forwardRequest(p *peer, sess *session, ev *domain.NewPayloadEvent) error {
	frame, err := s.codec.Encode(ev)
	if err != nil {
		return s.replyError(p, ev.RequestID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := sess.pendingIndex[ev.RequestID]; dup {
		return s.replyError(p, ev.RequestID, fmt.Errorf("%w: duplicate responseId", domain.ErrInvalidInput))
	}
	sess.addPending(ev)
	for _, c := range sess.clients {
		s.sendFrame(c, frame)
	}
	return nil
}

// appLeft detaches a departing app socket. A non-persistent session ends
// with it; a persistent one waits for a resume until it expires.
func (s *Server) appLeft(ctx context.Context, p *peer) {
	s.mu.Lock()
	sess := s.appSessionLocked(p)
	if sess == nil {
		s.mu.Unlock()
		return
	}
	sess.app = nil
	p.sessionID = ""
	if sess.persistent {
		sess.appLeftAt = s.now()
		s.mu.Unlock()
		p.logger.Info("app left persistent session", "session_id", sess.id)
		return
	}
	s.dropLocked(sess, "app disconnected")
	s.mu.Unlock()

	p.logger.Info("session closed", "session_id", sess.id)
	s.release(context.WithoutCancel(ctx), sess.id)
}

// --- client side ---

func (s *Server) handleClient(ctx context.Context, p *peer, env domain.Envelope) error {
	switch msg := env.(type) {
	case *domain.ClientInitializeRequest:
		s.mu.Lock()
		p.clientID = msg.ClientID
		s.send(p, &domain.ClientInitializeResponse{ResponseID: msg.ResponseID})
		s.mu.Unlock()
		p.logger.Debug("client identified", "client_id", msg.ClientID)
		return nil
	case *domain.GetSessionsRequest:
		s.mu.Lock()
		defer s.mu.Unlock()
		if p.clientID == "" {
			return s.replyError(p, msg.ResponseID, errNoClientID)
		}
		s.send(p, &domain.GetSessionsResponse{ResponseID: msg.ResponseID, Sessions: s.clientSessionsLocked(p.clientID)})
		return nil
	case *domain.DropSessionsRequest:
		return s.dropSessions(p, msg)
	case *domain.Connect:
		return s.join(ctx, p, msg)
	case *domain.GetInfoRequest:
		s.mu.Lock()
		defer s.mu.Unlock()
		sess, ok := s.sessions[msg.SessionID]
		if !ok {
			return s.replyError(p, msg.ResponseID, domain.ErrSessionNotFound)
		}
		s.send(p, &domain.GetInfoResponse{
			ResponseID:  msg.ResponseID,
			AppMetadata: sess.metadata,
			Network:     sess.network,
			Version:     sess.version,
		})
		return nil
	case *domain.GetPendingRequestsRequest:
		s.mu.Lock()
		defer s.mu.Unlock()
		sess, ok := s.sessions[msg.SessionID]
		if !ok {
			return s.replyError(p, msg.ResponseID, domain.ErrSessionNotFound)
		}
		s.send(p, &domain.GetPendingRequestsResponse{ResponseID: msg.ResponseID, Requests: sess.pendingSnapshot()})
		return nil
	case *domain.SignTransactionsResponse:
		return s.forwardResponse(p, msg.ResponseID, func(id string) domain.Envelope {
			msg.SessionID = id
			return msg
		})
	case *domain.SignMessagesResponse:
		return s.forwardResponse(p, msg.ResponseID, func(id string) domain.Envelope {
			msg.SessionID = id
			return msg
		})
	case *domain.RequestRejected:
		return s.forwardResponse(p, msg.ResponseID, func(id string) domain.Envelope {
			msg.SessionID = id
			return msg
		})
	default:
		return s.replyError(p, correlationID(env),
			fmt.Errorf("%w: %s from client", domain.ErrUnknownType, env.Type()))
	}
}

func (s *Server) join(ctx context.Context, p *peer, msg *domain.Connect) error {
	s.mu.Lock()
	sess, ok := s.sessions[msg.SessionID]
	if !ok {
		s.mu.Unlock()
		err := domain.ErrSessionNotFound
		if owner := s.ownerElsewhere(ctx, msg.SessionID); owner != "" {
			err = fmt.Errorf("%w: served by relay node %s", domain.ErrSessionNotFound, owner)
		}
		return s.replyError(p, msg.ResponseID, err)
	}

	if p.sessionID != "" && p.sessionID != sess.id {
		if prev, ok := s.sessions[p.sessionID]; ok {
			s.leaveLocked(prev, p)
		}
	}
	p.sessionID = sess.id
	p.publicKeys = append([]string(nil), msg.PublicKeys...)
	sess.clients[p.id] = p
	if p.clientID != "" {
		joined := s.clientSessions[p.clientID]
		if joined == nil {
			joined = make(map[string]struct{})
			s.clientSessions[p.clientID] = joined
		}
		joined[sess.id] = struct{}{}
	}

	s.send(p, &domain.AckMessage{ResponseID: msg.ResponseID})
	s.toAppLocked(sess, &domain.UserConnectedEvent{PublicKeys: p.publicKeys, Metadata: msg.Metadata})
	s.mu.Unlock()

	p.logger.Info("client joined", "session_id", sess.id, "keys", len(msg.PublicKeys))
	return nil
}

// clientSessionsLocked lists the live sessions clientID has joined, sorted.
// Sessions that ended since are forgotten.
func (s *Server) clientSessionsLocked(clientID string) []string {
	ids := []string{}
	for id := range s.clientSessions[clientID] {
		if _, ok := s.sessions[id]; !ok {
			delete(s.clientSessions[clientID], id)
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// dropSessions forgets sessions for the peer's client identity. A listed
// session the peer is joined to is left as well.
func (s *Server) dropSessions(p *peer, msg *domain.DropSessionsRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.clientID == "" {
		return s.replyError(p, msg.ResponseID, errNoClientID)
	}

	joined := s.clientSessions[p.clientID]
	dropped := []string{}
	for _, id := range msg.Sessions {
		if _, ok := joined[id]; !ok {
			continue
		}
		delete(joined, id)
		dropped = append(dropped, id)
		if p.sessionID == id {
			if sess, ok := s.sessions[id]; ok {
				s.leaveLocked(sess, p)
			}
			p.sessionID = ""
		}
	}
	if len(joined) == 0 {
		delete(s.clientSessions, p.clientID)
	}
	s.send(p, &domain.DropSessionsResponse{ResponseID: msg.ResponseID, DroppedSessions: dropped})
	p.logger.Info("client dropped sessions", "client_id", p.clientID, "dropped", len(dropped))
	return nil
}

func (s *Server) forwardResponse(p *peer, requestID string, build func(sessionID string) domain.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[p.sessionID]
	if p.sessionID == "" || !ok {
		return s.replyError(p, requestID, errNotJoined)
	}
	if !sess.takePending(requestID) {
		return s.replyError(p, requestID, errUnknownRequest)
	}
	s.toAppLocked(sess, build(sess.id))
	return nil
}

func (s *Server) clientLeft(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[p.sessionID]; ok {
		s.leaveLocked(sess, p)
		p.logger.Info("client left", "session_id", sess.id)
	}
	p.sessionID = ""
}

func (s *Server) leaveLocked(sess *session, p *peer) {
	if _, ok := sess.clients[p.id]; !ok {
		return
	}
	delete(sess.clients, p.id)
	s.toAppLocked(sess, &domain.UserDisconnectedEvent{})
}

// --- sending ---

// toAppLocked delivers env to the session's app, or queues it while the app
// is away. The outbox keeps the newest OutboxLimit frames.
func (s *Server) toAppLocked(sess *session, env domain.Envelope) {
	frame, err := s.codec.Encode(env)
	if err != nil {
		s.logger.Error("encode for app", "type", string(env.Type()), "error", err)
		return
	}
	if sess.app != nil {
		s.sendFrame(sess.app, frame)
		return
	}
	if !sess.persistent {
		return
	}
	sess.outbox = append(sess.outbox, queuedFrame{kind: env.Type(), frame: frame})
	if over := len(sess.outbox) - s.cfg.OutboxLimit; over > 0 {
		sess.outbox = sess.outbox[over:]
		s.logger.Warn("app outbox full, dropped oldest frames", "session_id", sess.id, "dropped", over)
	}
}

func (s *Server) send(p *peer, env domain.Envelope) {
	frame, err := s.codec.Encode(env)
	if err != nil {
		s.logger.Error("encode reply", "type", string(env.Type()), "error", err)
		return
	}
	s.sendFrame(p, frame)
}

func (s *Server) sendFrame(p *peer, frame []byte) {
	if p.enqueue(frame) {
		s.metrics.FramesOut.Add(1)
	}
}

// replyError answers with an ErrorMessage and returns err for tracing.
func (s *Server) replyError(p *peer, responseID string, err error) error {
	s.send(p, &domain.ErrorMessage{
		ResponseID: responseID,
		Error:      fmt.Sprintf("%s: %v", domain.ErrorCodeOf(err), err),
	})
	return err
}

func correlationID(env domain.Envelope) string {
	if c, ok := env.(domain.Correlated); ok {
		return c.CorrelationID()
	}
	return ""
}
