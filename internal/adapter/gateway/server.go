// Package gateway is the relay: it routes envelopes between an app and the
// clients that joined its session.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"nightly-connect/internal/adapter/codec"
	"nightly-connect/internal/adapter/wallets"
	"nightly-connect/internal/domain"
	"nightly-connect/internal/infra/config"
	"nightly-connect/internal/infra/middleware"
	"nightly-connect/internal/usecase/cluster"
)

// Coordinator records session ownership across relay nodes. Nil in
// single-node mode.
type Coordinator interface {
	NodeID() string
	AcquireSession(ctx context.Context, sessionID string) (bool, error)
	ReleaseSession(ctx context.Context, sessionID string) error
	Refresh(ctx context.Context, sessionIDs []string) error
	Owner(ctx context.Context, sessionID string) (string, error)
	Publish(ctx context.Context, kind, sessionID string) error
}

// Options configures a relay Server.
type Options struct {
	Config      config.RelayConfig
	Wallets     *wallets.Registry  // can be nil
	Coordinator Coordinator        // can be nil (single node)
	Codec       *codec.Codec       // default: codec.Default()
	Logger      *slog.Logger
	Version     string
	Now         func() time.Time // default: time.Now
}

// Server is the websocket relay.
type Server struct {
	cfg     config.RelayConfig
	wallets *wallets.Registry
	coord   Coordinator
	codec   *codec.Codec
	logger  *slog.Logger
	version string
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	peers    map[uint64]*peer
	// Sessions each client identity has joined, by client id.
	clientSessions map[string]map[string]struct{}

	nextID    atomic.Uint64
	limiter   *middleware.IPLimiter
	metrics   *Metrics
	startTime time.Time

	httpSrv   *http.Server
	cron      *cron.Cron
	boundAddr atomic.Value // string
	ready     chan struct{}
	readyOnce sync.Once
}

// NewServer creates a relay. Call Start to serve, or mount Handler.
func NewServer(opts Options) *Server {
	if opts.Codec == nil {
		opts.Codec = codec.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Wallets == nil {
		opts.Wallets, _ = wallets.NewRegistry(nil)
	}
	if opts.Config.OutboxLimit <= 0 {
		opts.Config.OutboxLimit = 256
	}
	return &Server{
		cfg:            opts.Config,
		wallets:        opts.Wallets,
		coord:          opts.Coordinator,
		codec:          opts.Codec,
		logger:         opts.Logger.With("component", "relay"),
		version:        opts.Version,
		now:            opts.Now,
		sessions:       make(map[string]*session),
		peers:          make(map[uint64]*peer),
		clientSessions: make(map[string]map[string]struct{}),
		limiter: middleware.NewIPLimiter(middleware.RateLimitConfig{
			RequestsPerMin: opts.Config.UpgradesPerMinute,
			BurstSize:      max(opts.Config.UpgradesPerMinute/4, 1),
			TrustedProxies: opts.Config.TrustedProxies,
		}),
		metrics:   &Metrics{},
		startTime: opts.Now(),
		ready:     make(chan struct{}),
	}
}

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Group(func(ws chi.Router) {
		ws.Use(middleware.UpgradeLimit(s.limiter))
		ws.Get(s.path(s.cfg.AppPath, "/app"), s.handleUpgrade(roleApp))
		ws.Get(s.path(s.cfg.ClientPath, "/client"), s.handleUpgrade(roleClient))
	})

	r.Group(func(api chi.Router) {
		api.Use(middleware.SecurityHeaders)
		api.Use(middleware.CORS(s.cfg.AllowedOrigins))
		api.Get("/health", s.healthHandler)
		api.Get("/metrics", s.metricsHandler)
		api.Get(wallets.MetadataPath, s.walletsHandler)
		api.Options(wallets.MetadataPath, func(http.ResponseWriter, *http.Request) {})
	})
	return r
}

func (s *Server) path(p, fallback string) string {
	if p == "" {
		return fallback
	}
	return p
}

// Start listens on the configured address and serves until ctx is
// cancelled. Expired persistent sessions are swept on CleanupSchedule.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("relay listen: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.boundAddr.Store(listener.Addr().String())
	s.httpSrv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	schedule := s.cfg.CleanupSchedule
	if schedule == "" {
		schedule = "@every 1m"
	}
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(schedule, func() { s.Sweep(context.Background()) }); err != nil {
		listener.Close()
		return fmt.Errorf("relay cleanup schedule %q: %w", schedule, err)
	}
	s.cron.Start()

	limiterCtx, cancelLimiter := context.WithCancel(ctx)
	defer cancelLimiter()
	go s.limiter.Run(limiterCtx)

	s.logger.Info("relay started", "addr", listener.Addr().String())
	s.readyOnce.Do(func() { close(s.ready) })

	go func() {
		<-ctx.Done()
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		s.Stop(stopCtx)
	}()

	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("relay serve: %w", err)
	}
	return nil
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// BoundAddr returns the address the server bound to. Only valid after Ready.
func (s *Server) BoundAddr() string {
	addr, _ := s.boundAddr.Load().(string)
	return addr
}

// Stop closes every peer with going-away and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}

	s.mu.Lock()
	for _, p := range s.peers {
		p.close(domain.CloseGoingAway, "relay shutting down")
	}
	s.mu.Unlock()

	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// Sweep drops persistent sessions whose app has been away longer than
// PersistentSessionTTL and refreshes cluster locks of the rest. Returns
// the number of sessions dropped.
func (s *Server) Sweep(ctx context.Context) int {
	now := s.now()
	var expired, live []string

	s.mu.Lock()
	for id, sess := range s.sessions {
		if sess.expired(now, s.cfg.PersistentSessionTTL) {
			s.dropLocked(sess, "session expired")
			expired = append(expired, id)
			continue
		}
		live = append(live, id)
	}
	s.mu.Unlock()

	for _, id := range expired {
		s.metrics.SessionsExpired.Add(1)
		s.logger.Info("persistent session expired", "session_id", id)
		s.release(ctx, id)
	}
	if s.coord != nil && len(live) > 0 {
		if err := s.coord.Refresh(ctx, live); err != nil {
			s.logger.Warn("refresh session locks", "error", err)
		}
	}
	return len(expired)
}

// SessionCount returns the number of sessions held by this relay.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// dropLocked removes the session and tells its clients. Caller holds s.mu.
func (s *Server) dropLocked(sess *session, reason string) {
	delete(s.sessions, sess.id)
	if len(sess.clients) == 0 {
		return
	}
	frame, err := s.codec.Encode(&domain.AppDisconnectedEvent{SessionID: sess.id, Reason: reason})
	if err != nil {
		s.logger.Error("encode app disconnected", "error", err)
		return
	}
	for _, c := range sess.clients {
		c.sessionID = ""
		c.publicKeys = nil
		s.sendFrame(c, frame)
	}
}

func (s *Server) release(ctx context.Context, sessionID string) {
	if s.coord == nil {
		return
	}
	if err := s.coord.ReleaseSession(ctx, sessionID); err != nil {
		s.logger.Warn("release session lock", "session_id", sessionID, "error", err)
	}
	s.publishLifecycle(ctx, cluster.SessionEnded, sessionID)
}

func (s *Server) publishLifecycle(ctx context.Context, kind, sessionID string) {
	if s.coord == nil {
		return
	}
	if err := s.coord.Publish(ctx, kind, sessionID); err != nil {
		s.logger.Debug("publish lifecycle event", "kind", kind, "error", err)
	}
}
