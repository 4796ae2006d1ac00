package integration

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"nightly-connect/internal/adapter/gateway"
	"nightly-connect/internal/infra/config"
	"nightly-connect/internal/infra/logger"
)

// Config holds integration test configuration from environment
type Config struct {
	RedisURL      string
	RedisPassword string
	TestTimeout   time.Duration
	SkipSlow      bool
}

// LoadConfig loads integration test configuration from environment
func LoadConfig() *Config {
	return &Config{
		RedisURL:      os.Getenv("NCONNECT_TEST_REDIS_URL"),
		RedisPassword: os.Getenv("NCONNECT_TEST_REDIS_PASSWORD"),
		TestTimeout:   30 * time.Second,
		SkipSlow:      os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
}

// SkipIfNoRedis skips the test when no Redis server is configured.
func SkipIfNoRedis(t *testing.T, cfg *Config) {
	t.Helper()
	if cfg.RedisURL == "" {
		t.Skip("Skipping cluster integration test: NCONNECT_TEST_REDIS_URL not set")
	}
}

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// StartRelay serves a relay on a loopback port and returns its ws:// URL.
// The relay stops when the test ends.
func StartRelay(t *testing.T, opts gateway.Options) (*gateway.Server, string) {
	t.Helper()
	if opts.Config.Addr == "" {
		opts.Config = config.Defaults().Relay
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	srv := gateway.NewServer(opts)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("relay serve: %v", err)
		}
	})

	select {
	case <-srv.Ready():
	case err := <-done:
		done <- nil
		t.Fatalf("relay exited early: %v", err)
	}
	return srv, "ws://" + srv.BoundAddr()
}
