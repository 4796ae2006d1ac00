package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nightly-connect/internal/adapter/codec"
	"nightly-connect/internal/adapter/transport"
	"nightly-connect/internal/adapter/wallets"
	"nightly-connect/internal/domain"
	"nightly-connect/internal/infra/config"
	"nightly-connect/internal/usecase/cluster"
)

// --- test doubles ---

type testRelay struct {
	srv  *Server
	http *httptest.Server
	ws   string
	now  atomic.Int64 // unix nanos; 0 means time.Now
}

func startRelay(t *testing.T, mutate func(*Options)) *testRelay {
	t.Helper()
	cfg := config.Defaults().Relay
	r := &testRelay{}
	opts := Options{
		Config: cfg,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now: func() time.Time {
			if n := r.now.Load(); n != 0 {
				return time.Unix(0, n)
			}
			return time.Now()
		},
		Version: "test",
	}
	if mutate != nil {
		mutate(&opts)
	}
	r.srv = NewServer(opts)
	r.http = httptest.NewServer(r.srv.Handler())
	r.ws = "ws" + strings.TrimPrefix(r.http.URL, "http")
	t.Cleanup(func() {
		r.srv.Stop(context.Background())
		r.http.Close()
	})
	return r
}

type testPeer struct {
	t    *testing.T
	conn domain.Conn
}

func (r *testRelay) dial(t *testing.T, path string) *testPeer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	d := &transport.Dialer{}
	conn, err := d.Dial(ctx, r.ws+path)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testPeer{t: t, conn: conn}
}

func (p *testPeer) send(env domain.Envelope) {
	p.t.Helper()
	frame, err := codec.Default().Encode(env)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteFrame(context.Background(), frame))
}

func (p *testPeer) sendRaw(frame string) {
	p.t.Helper()
	require.NoError(p.t, p.conn.WriteFrame(context.Background(), []byte(frame)))
}

func (p *testPeer) recv() domain.Envelope {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	frame, err := p.conn.ReadFrame(ctx)
	require.NoError(p.t, err)
	env, err := codec.Default().Decode(frame)
	require.NoError(p.t, err)
	return env
}

func (p *testPeer) expectClose(code int) {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, err := p.conn.ReadFrame(ctx)
		if err == nil {
			continue
		}
		var ce *domain.CloseError
		require.ErrorAs(p.t, err, &ce)
		assert.Equal(p.t, code, ce.Code)
		return
	}
}

func recvAs[T domain.Envelope](p *testPeer) T {
	p.t.Helper()
	env := p.recv()
	got, ok := env.(T)
	require.True(p.t, ok, "got %T (%s)", env, env.Type())
	return got
}

func initApp(t *testing.T, r *testRelay, persistent bool) (*testPeer, string) {
	t.Helper()
	app := r.dial(t, "/app")
	app.send(&domain.InitializeRequest{
		ResponseID:  "init",
		AppMetadata: domain.AppMetadata{Name: "Test App", URL: "https://app.example"},
		Network:     "SOLANA",
		Persistent:  persistent,
		Version:     "0.0.7",
	})
	resp := recvAs[*domain.InitializeResponse](app)
	require.Equal(t, "init", resp.ResponseID)
	require.True(t, resp.CreatedNew)
	require.NotEmpty(t, resp.SessionID)
	return app, resp.SessionID
}

func joinClient(t *testing.T, r *testRelay, sessionID string, keys ...string) *testPeer {
	t.Helper()
	c := r.dial(t, "/client")
	c.send(&domain.Connect{ResponseID: "join", PublicKeys: keys, SessionID: sessionID})
	ack := recvAs[*domain.AckMessage](c)
	require.Equal(t, "join", ack.ResponseID)
	return c
}

// --- tests ---

func TestInitializeCreatesSession(t *testing.T) {
	r := startRelay(t, nil)
	_, id1 := initApp(t, r, false)
	_, id2 := initApp(t, r, false)

	assert.NotEqual(t, id1, id2)
	assert.Len(t, id1, 36, "uuid session id")
	assert.Equal(t, 2, r.srv.SessionCount())
}

func TestClientConnectAnnouncesKeys(t *testing.T) {
	r := startRelay(t, nil)
	app, id := initApp(t, r, false)

	joinClient(t, r, id, "k2", "k1", "k2")
	ev := recvAs[*domain.UserConnectedEvent](app)
	assert.Equal(t, []string{"k2", "k1", "k2"}, ev.PublicKeys)
}

func TestSignRoundTrip(t *testing.T) {
	r := startRelay(t, nil)
	app, id := initApp(t, r, false)
	client := joinClient(t, r, id, "k1")
	recvAs[*domain.UserConnectedEvent](app)

	app.send(&domain.SignTransactionsRequest{ResponseID: "req-1", Transactions: []string{"tx1", "tx2"}, Metadata: "m"})

	payload := recvAs[*domain.NewPayloadEvent](client)
	assert.Equal(t, "req-1", payload.RequestID)
	assert.Equal(t, id, payload.SessionID)
	assert.Equal(t, domain.PayloadSignTransactions, payload.Payload.Kind)
	assert.Equal(t, []string{"tx1", "tx2"}, payload.Payload.Transactions)

	client.send(&domain.GetPendingRequestsRequest{ResponseID: "p1", SessionID: id})
	pending := recvAs[*domain.GetPendingRequestsResponse](client)
	require.Len(t, pending.Requests, 1)
	assert.Equal(t, "req-1", pending.Requests[0].RequestID)

	client.send(&domain.SignTransactionsResponse{ResponseID: "req-1", SignedTransactions: []string{"s1", "s2"}})
	resp := recvAs[*domain.SignTransactionsResponse](app)
	assert.Equal(t, "req-1", resp.ResponseID)
	assert.Equal(t, []string{"s1", "s2"}, resp.SignedTransactions)
	assert.Equal(t, id, resp.SessionID)

	client.send(&domain.GetPendingRequestsRequest{ResponseID: "p2", SessionID: id})
	assert.Empty(t, recvAs[*domain.GetPendingRequestsResponse](client).Requests)
}

func TestSignMessagesRejected(t *testing.T) {
	r := startRelay(t, nil)
	app, id := initApp(t, r, false)
	client := joinClient(t, r, id, "k1")
	recvAs[*domain.UserConnectedEvent](app)

	app.send(&domain.SignMessagesRequest{ResponseID: "req-2", Messages: []domain.MessageToSign{{Message: "hello"}}})
	payload := recvAs[*domain.NewPayloadEvent](client)
	assert.Equal(t, domain.PayloadSignMessages, payload.Payload.Kind)

	client.send(&domain.RequestRejected{ResponseID: "req-2", Reason: "declined"})
	rej := recvAs[*domain.RequestRejected](app)
	assert.Equal(t, "req-2", rej.ResponseID)
	assert.Equal(t, "declined", rej.Reason)
	assert.Equal(t, id, rej.SessionID)
}

func TestResponseForUnknownRequest(t *testing.T) {
	r := startRelay(t, nil)
	_, id := initApp(t, r, false)
	client := joinClient(t, r, id, "k1")

	client.send(&domain.SignMessagesResponse{ResponseID: "nope", SignedMessages: []string{"x"}})
	msg := recvAs[*domain.ErrorMessage](client)
	assert.Equal(t, "nope", msg.ResponseID)
	assert.Contains(t, msg.Error, "NOT_FOUND")
}

func TestGetInfo(t *testing.T) {
	r := startRelay(t, nil)
	_, id := initApp(t, r, false)
	client := r.dial(t, "/client")

	client.send(&domain.GetInfoRequest{ResponseID: "i1", SessionID: id})
	info := recvAs[*domain.GetInfoResponse](client)
	assert.Equal(t, "Test App", info.AppMetadata.Name)
	assert.Equal(t, "SOLANA", info.Network)
	assert.Equal(t, "0.0.7", info.Version)

	client.send(&domain.GetInfoRequest{ResponseID: "i2", SessionID: "missing"})
	msg := recvAs[*domain.ErrorMessage](client)
	assert.Equal(t, "i2", msg.ResponseID)
	assert.Contains(t, msg.Error, string(domain.CodeSessionNotFound))
}

func TestConnectUnknownSession(t *testing.T) {
	r := startRelay(t, nil)
	client := r.dial(t, "/client")
	client.send(&domain.Connect{ResponseID: "c1", PublicKeys: []string{"k"}, SessionID: "missing"})

	msg := recvAs[*domain.ErrorMessage](client)
	assert.Equal(t, "c1", msg.ResponseID)
	assert.Contains(t, msg.Error, string(domain.CodeSessionNotFound))
}

func TestRequestBeforeInitialize(t *testing.T) {
	r := startRelay(t, nil)
	app := r.dial(t, "/app")
	app.send(&domain.SignTransactionsRequest{ResponseID: "r1", Transactions: []string{"tx"}})

	msg := recvAs[*domain.ErrorMessage](app)
	assert.Equal(t, "r1", msg.ResponseID)
	assert.Contains(t, msg.Error, string(domain.CodeInvalidInput))
}

func TestUndecodableFrameKeepsConnection(t *testing.T) {
	r := startRelay(t, nil)
	app := r.dial(t, "/app")
	app.sendRaw(`{"type":`)

	msg := recvAs[*domain.ErrorMessage](app)
	assert.Empty(t, msg.ResponseID)
	assert.Contains(t, msg.Error, string(domain.CodeUnparsableFrame))

	app.sendRaw(`{"type":"Teleport"}`)
	msg = recvAs[*domain.ErrorMessage](app)
	assert.Contains(t, msg.Error, string(domain.CodeUnknownType))

	// Still usable.
	app.send(&domain.InitializeRequest{ResponseID: "init", AppMetadata: domain.AppMetadata{Name: "x"}, Network: "SOLANA", Version: "1"})
	recvAs[*domain.InitializeResponse](app)
}

func TestResumeUnknownSessionRejected(t *testing.T) {
	r := startRelay(t, nil)
	app := r.dial(t, "/app")
	app.send(&domain.InitializeRequest{
		ResponseID: "init", AppMetadata: domain.AppMetadata{Name: "x"}, Network: "SOLANA",
		Persistent: true, PersistentSessionID: "gone", Version: "1",
	})
	rej := recvAs[*domain.RequestRejected](app)
	assert.Equal(t, "init", rej.ResponseID)
	assert.Equal(t, "gone", rej.SessionID)

	// Fresh handshake on the same socket still works.
	app.send(&domain.InitializeRequest{ResponseID: "init2", AppMetadata: domain.AppMetadata{Name: "x"}, Network: "SOLANA", Persistent: true, Version: "1"})
	resp := recvAs[*domain.InitializeResponse](app)
	assert.True(t, resp.CreatedNew)
}

func TestNonPersistentAppLeaveEndsSession(t *testing.T) {
	r := startRelay(t, nil)
	app, id := initApp(t, r, false)
	client := joinClient(t, r, id, "k1")
	recvAs[*domain.UserConnectedEvent](app)

	require.NoError(t, app.conn.Close())

	ev := recvAs[*domain.AppDisconnectedEvent](client)
	assert.Equal(t, id, ev.SessionID)
	assert.NotEmpty(t, ev.Reason)
	assert.Eventually(t, func() bool { return r.srv.SessionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestClientLeaveNotifiesApp(t *testing.T) {
	r := startRelay(t, nil)
	app, id := initApp(t, r, false)
	client := joinClient(t, r, id, "k1")
	recvAs[*domain.UserConnectedEvent](app)

	require.NoError(t, client.conn.Close())
	recvAs[*domain.UserDisconnectedEvent](app)
}

func TestPersistentResumeFlushesOutbox(t *testing.T) {
	r := startRelay(t, nil)
	app, id := initApp(t, r, true)
	signer := joinClient(t, r, id, "k1")
	recvAs[*domain.UserConnectedEvent](app)
	app.send(&domain.SignTransactionsRequest{ResponseID: "req-1", Transactions: []string{"tx"}})
	recvAs[*domain.NewPayloadEvent](signer)

	require.NoError(t, app.conn.Close())
	require.Eventually(t, func() bool { return r.srv.snapshot().Sessions.AppOffline == 1 }, 2*time.Second, 10*time.Millisecond)

	// While the app is away a second client comes and goes and the first answers.
	visitor := joinClient(t, r, id, "k2")
	require.NoError(t, visitor.conn.Close())
	signer.send(&domain.SignTransactionsResponse{ResponseID: "req-1", SignedTransactions: []string{"signed"}})
	require.Eventually(t, func() bool {
		r.srv.mu.Lock()
		defer r.srv.mu.Unlock()
		sess := r.srv.sessions[id]
		return len(sess.clients) == 1 && len(sess.outbox) == 3
	}, 2*time.Second, 10*time.Millisecond)

	resumed := r.dial(t, "/app")
	resumed.send(&domain.InitializeRequest{
		ResponseID: "resume", AppMetadata: domain.AppMetadata{Name: "Test App"}, Network: "SOLANA",
		Persistent: true, PersistentSessionID: id, Version: "0.0.7",
	})
	resp := recvAs[*domain.InitializeResponse](resumed)
	assert.Equal(t, id, resp.SessionID)
	assert.False(t, resp.CreatedNew)
	assert.Equal(t, []string{"k1"}, resp.PublicKeys)
	assert.Equal(t, 1, resp.ClientCount)

	// Queued presence events are superseded by the count above.
	signed := recvAs[*domain.SignTransactionsResponse](resumed)
	assert.Equal(t, "req-1", signed.ResponseID)
}

func TestResumeReportsNoClientsAfterAllLeft(t *testing.T) {
	r := startRelay(t, nil)
	app, id := initApp(t, r, true)
	client := joinClient(t, r, id, "k1")
	recvAs[*domain.UserConnectedEvent](app)
	require.NoError(t, app.conn.Close())
	require.Eventually(t, func() bool { return r.srv.snapshot().Sessions.AppOffline == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, client.conn.Close())
	require.Eventually(t, func() bool {
		r.srv.mu.Lock()
		defer r.srv.mu.Unlock()
		return len(r.srv.sessions[id].clients) == 0
	}, 2*time.Second, 10*time.Millisecond)

	resumed := r.dial(t, "/app")
	resumed.send(&domain.InitializeRequest{
		ResponseID: "resume", AppMetadata: domain.AppMetadata{Name: "Test App"}, Network: "SOLANA",
		Persistent: true, PersistentSessionID: id, Version: "0.0.7",
	})
	resp := recvAs[*domain.InitializeResponse](resumed)
	assert.Equal(t, 0, resp.ClientCount)
	assert.Empty(t, resp.PublicKeys)

	// Nothing else was queued for it: the next frame answers this one.
	resumed.send(&domain.InitializeRequest{ResponseID: "again", AppMetadata: domain.AppMetadata{Name: "x"}, Network: "SOLANA", Version: "1"})
	msg := recvAs[*domain.ErrorMessage](resumed)
	assert.Equal(t, "again", msg.ResponseID)
}

func TestResumeTakesOverLiveApp(t *testing.T) {
	r := startRelay(t, nil)
	first, id := initApp(t, r, true)

	second := r.dial(t, "/app")
	second.send(&domain.InitializeRequest{
		ResponseID: "resume", AppMetadata: domain.AppMetadata{Name: "Test App"}, Network: "SOLANA",
		Persistent: true, PersistentSessionID: id, Version: "0.0.7",
	})
	resp := recvAs[*domain.InitializeResponse](second)
	assert.Equal(t, id, resp.SessionID)

	first.expectClose(domain.CloseSessionTakeover)
	assert.Equal(t, 1, r.srv.SessionCount())
	assert.Equal(t, int64(1), r.srv.metrics.Takeovers.Load())
}

func TestSweepExpiresPersistentSessions(t *testing.T) {
	r := startRelay(t, func(o *Options) { o.Config.PersistentSessionTTL = time.Hour })
	app, id := initApp(t, r, true)
	client := joinClient(t, r, id, "k1")
	recvAs[*domain.UserConnectedEvent](app)

	require.NoError(t, app.conn.Close())
	require.Eventually(t, func() bool { return r.srv.snapshot().Sessions.AppOffline == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, r.srv.Sweep(context.Background()), "not yet expired")

	r.now.Store(time.Now().Add(2 * time.Hour).UnixNano())
	assert.Equal(t, 1, r.srv.Sweep(context.Background()))
	assert.Equal(t, 0, r.srv.SessionCount())

	ev := recvAs[*domain.AppDisconnectedEvent](client)
	assert.Equal(t, id, ev.SessionID)
}

func TestInboundRateLimit(t *testing.T) {
	r := startRelay(t, func(o *Options) {
		o.Config.MaxFramesPerSecond = 0.001
		o.Config.Burst = 2
	})
	app := r.dial(t, "/app")
	for i := 0; i < 3; i++ {
		app.sendRaw(`{"type":"AckMessage","responseId":"x"}`)
	}
	app.expectClose(domain.ClosePolicy)
}

func TestClientSessionsListAndDrop(t *testing.T) {
	r := startRelay(t, nil)
	app1, id1 := initApp(t, r, false)
	_, id2 := initApp(t, r, false)

	c := r.dial(t, "/client")
	c.send(&domain.GetSessionsRequest{ResponseID: "s0"})
	msg := recvAs[*domain.ErrorMessage](c)
	assert.Equal(t, "s0", msg.ResponseID)
	assert.Contains(t, msg.Error, string(domain.CodeInvalidInput))

	c.send(&domain.ClientInitializeRequest{ResponseID: "ci", ClientID: "wallet-1"})
	assert.Equal(t, "ci", recvAs[*domain.ClientInitializeResponse](c).ResponseID)

	for i, id := range []string{id2, id1} {
		c.send(&domain.Connect{ResponseID: fmt.Sprint("join", i), PublicKeys: []string{"k"}, SessionID: id})
		recvAs[*domain.AckMessage](c)
	}
	recvAs[*domain.UserConnectedEvent](app1)

	want := []string{id1, id2}
	sort.Strings(want)
	c.send(&domain.GetSessionsRequest{ResponseID: "s1"})
	list := recvAs[*domain.GetSessionsResponse](c)
	assert.Equal(t, "s1", list.ResponseID)
	assert.Equal(t, want, list.Sessions)

	// Dropping the joined session leaves it; unknown ids are ignored.
	c.send(&domain.DropSessionsRequest{ResponseID: "d1", Sessions: []string{id1, "never-joined"}})
	dropped := recvAs[*domain.DropSessionsResponse](c)
	assert.Equal(t, []string{id1}, dropped.DroppedSessions)
	recvAs[*domain.UserDisconnectedEvent](app1)

	c.send(&domain.GetSessionsRequest{ResponseID: "s2"})
	assert.Equal(t, []string{id2}, recvAs[*domain.GetSessionsResponse](c).Sessions)
}

func TestClientSessionsSurviveReconnect(t *testing.T) {
	r := startRelay(t, nil)
	app, id := initApp(t, r, false)

	first := r.dial(t, "/client")
	first.send(&domain.ClientInitializeRequest{ResponseID: "ci", ClientID: "wallet-2"})
	recvAs[*domain.ClientInitializeResponse](first)
	first.send(&domain.Connect{ResponseID: "join", PublicKeys: []string{"k"}, SessionID: id})
	recvAs[*domain.AckMessage](first)
	recvAs[*domain.UserConnectedEvent](app)
	require.NoError(t, first.conn.Close())
	recvAs[*domain.UserDisconnectedEvent](app)

	second := r.dial(t, "/client")
	second.send(&domain.ClientInitializeRequest{ResponseID: "ci", ClientID: "wallet-2"})
	recvAs[*domain.ClientInitializeResponse](second)
	second.send(&domain.GetSessionsRequest{ResponseID: "s"})
	assert.Equal(t, []string{id}, recvAs[*domain.GetSessionsResponse](second).Sessions)

	// Ended sessions are forgotten.
	require.NoError(t, app.conn.Close())
	require.Eventually(t, func() bool { return r.srv.SessionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	second.send(&domain.GetSessionsRequest{ResponseID: "s2"})
	assert.Empty(t, recvAs[*domain.GetSessionsResponse](second).Sessions)
}

// --- cluster ---

type fakeCoordinator struct {
	mu       sync.Mutex
	owners   map[string]string
	events   []string
	node     string
	refreshN int
}

func newFakeCoordinator(node string) *fakeCoordinator {
	return &fakeCoordinator{node: node, owners: make(map[string]string)}
}

func (f *fakeCoordinator) NodeID() string { return f.node }

func (f *fakeCoordinator) AcquireSession(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.owners[id]; ok && o != f.node {
		return false, nil
	}
	f.owners[id] = f.node
	return true, nil
}

func (f *fakeCoordinator) ReleaseSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owners[id] == f.node {
		delete(f.owners, id)
	}
	return nil
}

func (f *fakeCoordinator) Refresh(context.Context, []string) error {
	f.mu.Lock()
	f.refreshN++
	f.mu.Unlock()
	return nil
}

func (f *fakeCoordinator) Owner(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owners[id], nil
}

func (f *fakeCoordinator) Publish(_ context.Context, kind, id string) error {
	f.mu.Lock()
	f.events = append(f.events, kind)
	f.mu.Unlock()
	return nil
}

func (f *fakeCoordinator) snapshot() (map[string]string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	owners := make(map[string]string, len(f.owners))
	for k, v := range f.owners {
		owners[k] = v
	}
	return owners, append([]string(nil), f.events...)
}

func TestClusterOwnership(t *testing.T) {
	coord := newFakeCoordinator("node-a")
	r := startRelay(t, func(o *Options) { o.Coordinator = coord })

	app, id := initApp(t, r, false)
	owners, _ := coord.snapshot()
	assert.Equal(t, "node-a", owners[id])

	r.srv.Sweep(context.Background())
	coord.mu.Lock()
	assert.Equal(t, 1, coord.refreshN)
	coord.mu.Unlock()

	require.NoError(t, app.conn.Close())
	require.Eventually(t, func() bool {
		_, events := coord.snapshot()
		return len(events) == 2
	}, 2*time.Second, 10*time.Millisecond)

	owners, events := coord.snapshot()
	assert.NotContains(t, owners, id)
	assert.Equal(t, []string{cluster.SessionCreated, cluster.SessionEnded}, events)
}

func TestClusterForeignSessionHint(t *testing.T) {
	coord := newFakeCoordinator("node-a")
	coord.owners["S-remote"] = "node-b"
	r := startRelay(t, func(o *Options) { o.Coordinator = coord })

	client := r.dial(t, "/client")
	client.send(&domain.Connect{ResponseID: "c1", PublicKeys: []string{"k"}, SessionID: "S-remote"})
	msg := recvAs[*domain.ErrorMessage](client)
	assert.Contains(t, msg.Error, "node-b")

	app := r.dial(t, "/app")
	app.send(&domain.InitializeRequest{
		ResponseID: "init", AppMetadata: domain.AppMetadata{Name: "x"}, Network: "SOLANA",
		Persistent: true, PersistentSessionID: "S-remote", Version: "1",
	})
	rej := recvAs[*domain.RequestRejected](app)
	assert.Contains(t, rej.Reason, "node-b")
}

// --- HTTP routes ---

func TestHealth(t *testing.T) {
	r := startRelay(t, nil)
	initApp(t, r, true)

	resp, err := http.Get(r.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	var st StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "ok", st.Status)
	assert.Equal(t, "test", st.Version)
	assert.Equal(t, 1, st.Sessions.Active)
	assert.Equal(t, 1, st.Sessions.Persistent)
	assert.Equal(t, int64(1), st.Sessions.Created)
	assert.Equal(t, 1, st.Peers.Apps)
}

func TestWalletsMetadata(t *testing.T) {
	reg, err := wallets.NewRegistry([]domain.WalletMetadata{
		{Slug: "nightly", Name: "Nightly", Chains: []string{"SOLANA", "SUI"}},
		{Slug: "sui-only", Name: "Sui Only", Chains: []string{"SUI"}},
	})
	require.NoError(t, err)
	r := startRelay(t, func(o *Options) { o.Wallets = reg })

	got, err := wallets.Fetch(context.Background(), r.http.Client(), r.ws, "SOLANA")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "nightly", got[0].Slug)

	all, err := wallets.Fetch(context.Background(), r.http.Client(), r.http.URL, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMetrics(t *testing.T) {
	r := startRelay(t, nil)
	initApp(t, r, false)

	resp, err := http.Get(r.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "# TYPE nconnect_sessions_active gauge")
	assert.Contains(t, string(body), "nconnect_sessions_created_total 1")
	assert.Contains(t, string(body), "nconnect_connections_total 1")
}

func TestServeAndStop(t *testing.T) {
	cfg := config.Defaults().Relay
	cfg.Addr = "127.0.0.1:0"
	srv := NewServer(Options{Config: cfg, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-errCh:
		t.Fatalf("Start: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not start in time")
	}
	require.NotEmpty(t, srv.BoundAddr())

	resp, err := http.Get("http://" + srv.BoundAddr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
