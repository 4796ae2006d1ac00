package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"nightly-connect/internal/domain"
)

// --- Mock Redis client ---

type mockRedis struct {
	mu        sync.Mutex
	store     map[string]string
	expiry    map[string]time.Duration
	published map[string][]string
	closed    bool
}

func newMockRedis() *mockRedis {
	return &mockRedis{
		store:     make(map[string]string),
		expiry:    make(map[string]time.Duration),
		published: make(map[string][]string),
	}
}

func (m *mockRedis) SetNX(_ context.Context, key, value string, exp time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.store[key]; exists {
		return false, nil
	}
	m.store[key] = value
	m.expiry[key] = exp
	return true, nil
}

func (m *mockRedis) Expire(_ context.Context, key string, exp time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[key]; ok {
		m.expiry[key] = exp
	}
	return nil
}

func (m *mockRedis) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.store, k)
		delete(m.expiry, k)
	}
	return nil
}

func (m *mockRedis) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.store[key]
	if !ok {
		return "", fmt.Errorf("key %s: %w", key, domain.ErrNotFound)
	}
	return v, nil
}

func (m *mockRedis) Publish(_ context.Context, channel, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[channel] = append(m.published[channel], message)
	return nil
}

func (m *mockRedis) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func newTestCoordinator(rc *mockRedis, nodeID string) *Coordinator {
	return New(rc, Config{NodeID: nodeID, LockTTL: time.Minute}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAcquireSession(t *testing.T) {
	rc := newMockRedis()
	c := newTestCoordinator(rc, "node-a")
	ctx := context.Background()

	ok, err := c.AcquireSession(ctx, "S1")
	if err != nil || !ok {
		t.Fatalf("AcquireSession = %v, %v", ok, err)
	}
	if rc.store[lockPrefix+"S1"] != "node-a" {
		t.Errorf("lock value = %q", rc.store[lockPrefix+"S1"])
	}

	// Re-acquiring an owned session succeeds and refreshes the TTL.
	rc.expiry[lockPrefix+"S1"] = time.Second
	ok, err = c.AcquireSession(ctx, "S1")
	if err != nil || !ok {
		t.Fatalf("re-acquire = %v, %v", ok, err)
	}
	if rc.expiry[lockPrefix+"S1"] != time.Minute {
		t.Errorf("ttl not refreshed: %v", rc.expiry[lockPrefix+"S1"])
	}
}

func TestAcquireSession_DifferentNodes(t *testing.T) {
	rc := newMockRedis()
	a := newTestCoordinator(rc, "node-a")
	b := newTestCoordinator(rc, "node-b")
	ctx := context.Background()

	if ok, _ := a.AcquireSession(ctx, "S1"); !ok {
		t.Fatal("node-a should acquire")
	}
	ok, err := b.AcquireSession(ctx, "S1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("node-b must not acquire a session node-a holds")
	}
	owner, err := b.Owner(ctx, "S1")
	if err != nil || owner != "node-a" {
		t.Errorf("Owner = %q, %v", owner, err)
	}
}

func TestOwnerUnknown(t *testing.T) {
	c := newTestCoordinator(newMockRedis(), "node-a")
	owner, err := c.Owner(context.Background(), "nope")
	if err != nil || owner != "" {
		t.Errorf("Owner = %q, %v", owner, err)
	}
}

func TestReleaseSession(t *testing.T) {
	rc := newMockRedis()
	a := newTestCoordinator(rc, "node-a")
	b := newTestCoordinator(rc, "node-b")
	ctx := context.Background()

	a.AcquireSession(ctx, "S1")
	if err := b.ReleaseSession(ctx, "S1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := rc.store[lockPrefix+"S1"]; !ok {
		t.Fatal("non-owner must not release the lock")
	}
	if err := a.ReleaseSession(ctx, "S1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := rc.store[lockPrefix+"S1"]; ok {
		t.Error("owner release should delete the lock")
	}
	if err := a.ReleaseSession(ctx, "S1"); err != nil {
		t.Errorf("releasing a free session: %v", err)
	}
}

func TestRefresh(t *testing.T) {
	rc := newMockRedis()
	c := newTestCoordinator(rc, "node-a")
	ctx := context.Background()
	c.AcquireSession(ctx, "S1")
	c.AcquireSession(ctx, "S2")
	rc.expiry[lockPrefix+"S1"] = time.Second
	rc.expiry[lockPrefix+"S2"] = time.Second

	if err := c.Refresh(ctx, []string{"S1", "S2"}); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"S1", "S2"} {
		if rc.expiry[lockPrefix+id] != time.Minute {
			t.Errorf("%s ttl = %v", id, rc.expiry[lockPrefix+id])
		}
	}
}

func TestPublish(t *testing.T) {
	rc := newMockRedis()
	c := newTestCoordinator(rc, "node-a")
	if err := c.Publish(context.Background(), SessionCreated, "S1"); err != nil {
		t.Fatal(err)
	}
	msgs := rc.published[eventsChannel]
	if len(msgs) != 1 {
		t.Fatalf("published %d messages", len(msgs))
	}
	var ev Event
	if err := json.Unmarshal([]byte(msgs[0]), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Kind != SessionCreated || ev.SessionID != "S1" || ev.NodeID != "node-a" || ev.At.IsZero() {
		t.Errorf("event = %+v", ev)
	}
}

func TestDefaultLockTTL(t *testing.T) {
	c := New(newMockRedis(), Config{NodeID: "n"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if c.lockTTL != 30*time.Second {
		t.Errorf("lockTTL = %v, want 30s", c.lockTTL)
	}
	if c.NodeID() != "n" {
		t.Errorf("NodeID = %q", c.NodeID())
	}
}

func TestStop(t *testing.T) {
	rc := newMockRedis()
	if err := newTestCoordinator(rc, "n").Stop(); err != nil {
		t.Fatal(err)
	}
	if !rc.closed {
		t.Error("Stop should close the client")
	}
}
