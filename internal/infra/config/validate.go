package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateRelay(cfg, ve)
	validateSDK(cfg, ve)
	validateStore(cfg, ve)
	validateCluster(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateRelay(cfg *Config, ve *ValidationError) {
	r := cfg.Relay
	if r.Addr == "" {
		ve.Add("relay.addr must not be empty")
	} else if _, _, err := net.SplitHostPort(r.Addr); err != nil {
		ve.Add("relay.addr %q is not a valid host:port: %v", r.Addr, err)
	}
	for _, p := range []struct{ name, path string }{
		{"relay.app_path", r.AppPath},
		{"relay.client_path", r.ClientPath},
	} {
		if !strings.HasPrefix(p.path, "/") {
			ve.Add("%s must start with /", p.name)
		}
	}
	if r.AppPath == r.ClientPath {
		ve.Add("relay.app_path and relay.client_path must differ")
	}
	if r.PersistentSessionTTL <= 0 {
		ve.Add("relay.persistent_session_ttl must be > 0")
	}
	if r.CleanupSchedule == "" {
		ve.Add("relay.cleanup_schedule must not be empty")
	}
	if r.ReadLimit <= 0 {
		ve.Add("relay.read_limit must be > 0")
	}
	if r.MaxFramesPerSecond <= 0 {
		ve.Add("relay.max_frames_per_second must be > 0")
	}
	if r.Burst <= 0 {
		ve.Add("relay.burst must be > 0")
	}
	if r.OutboxLimit <= 0 {
		ve.Add("relay.outbox_limit must be > 0")
	}
	if r.UpgradesPerMinute <= 0 {
		ve.Add("relay.upgrades_per_minute must be > 0")
	}
	if r.MDNS.Enabled && r.MDNS.Instance == "" {
		ve.Add("relay.mdns.instance is required when mdns is enabled")
	}
}

func validateSDK(cfg *Config, ve *ValidationError) {
	s := cfg.SDK
	if !strings.HasPrefix(s.RelayURL, "ws://") && !strings.HasPrefix(s.RelayURL, "wss://") {
		ve.Add("sdk.relay_url must be a ws:// or wss:// URL")
	}
	if s.Network == "" {
		ve.Add("sdk.network must not be empty")
	}
	if s.Persistent && s.AppName == "" {
		ve.Add("sdk.app_name is required for persistent sessions")
	}
	if s.RequestTimeout <= 0 {
		ve.Add("sdk.request_timeout must be > 0")
	}
	if s.HandshakeTimeout <= 0 {
		ve.Add("sdk.handshake_timeout must be > 0")
	}
	b := s.Backoff
	if b.InitialDelay <= 0 {
		ve.Add("sdk.backoff.initial_delay must be > 0")
	}
	if b.Multiplier < 1 {
		ve.Add("sdk.backoff.multiplier must be >= 1")
	}
	if b.MaxDelay < b.InitialDelay {
		ve.Add("sdk.backoff.max_delay must be >= initial_delay")
	}
	if b.Jitter < 0 || b.Jitter >= 1 {
		ve.Add("sdk.backoff.jitter must be in [0,1)")
	}
	if b.MaxAttempts <= 0 {
		ve.Add("sdk.backoff.max_attempts must be > 0")
	}
}

var validStoreBackends = map[string]bool{
	"memory": true,
	"sqlite": true,
	"redis":  true,
}

func validateStore(cfg *Config, ve *ValidationError) {
	s := cfg.Store
	if !validStoreBackends[s.Backend] {
		ve.Add("store.backend %q is invalid (want memory, sqlite or redis)", s.Backend)
		return
	}
	switch s.Backend {
	case "sqlite":
		if s.SQLitePath == "" {
			ve.Add("store.sqlite_path is required for the sqlite backend")
		}
	case "redis":
		if s.RedisURL == "" {
			ve.Add("store.redis_url is required for the redis backend")
		}
	}
	if s.TTL < 0 {
		ve.Add("store.ttl must be >= 0")
	}
}

func validateCluster(cfg *Config, ve *ValidationError) {
	if !cfg.Cluster.Enabled {
		return
	}
	if cfg.Cluster.RedisURL == "" {
		ve.Add("cluster.redis_url is required when cluster is enabled")
	}
	if cfg.Cluster.LockTTL <= 0 {
		ve.Add("cluster.lock_ttl must be > 0")
	}
}

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid", cfg.Logger.Level)
	}
	if cfg.Logger.Format != "text" && cfg.Logger.Format != "json" {
		ve.Add("logger.format %q is invalid (want text or json)", cfg.Logger.Format)
	}
	if cfg.Logger.Output == "" {
		ve.Add("logger.output must not be empty")
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (want noop or stdout)", cfg.Tracer.Exporter)
	}
	if cfg.Tracer.SampleRatio < 0 || cfg.Tracer.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio must be in [0,1]")
	}
}
