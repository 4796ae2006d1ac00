package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string, perm os.FileMode) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatal(err)
	}
	// Bypass the umask so permission tests see the exact mode.
	if err := os.Chmod(path, perm); err != nil {
		t.Fatal(err)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Relay.Addr != ":6969" {
		t.Errorf("Relay.Addr = %q, want %q", cfg.Relay.Addr, ":6969")
	}
	if cfg.Relay.PersistentSessionTTL != 24*time.Hour {
		t.Errorf("PersistentSessionTTL = %v, want 24h", cfg.Relay.PersistentSessionTTL)
	}
	if cfg.SDK.Backoff.MaxAttempts != 8 {
		t.Errorf("Backoff.MaxAttempts = %d, want 8", cfg.SDK.Backoff.MaxAttempts)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("Store.Backend = %q, want memory", cfg.Store.Backend)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Relay.AppPath != "/app" {
		t.Errorf("expected defaults, got AppPath=%q", cfg.Relay.AppPath)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
relay:
  addr: "127.0.0.1:7000"
  persistent_session_ttl: 2h
  allowed_origins: ["https://app.example"]
sdk:
  relay_url: "wss://relay.example"
  persistent: true
  app_name: "dex"
  backoff:
    initial_delay: 100ms
    multiplier: 1.5
    max_delay: 3s
    jitter: 0.1
    max_attempts: 4
logger:
  level: "debug"
`, 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Relay.Addr != "127.0.0.1:7000" {
		t.Errorf("Relay.Addr = %q", cfg.Relay.Addr)
	}
	if cfg.Relay.PersistentSessionTTL != 2*time.Hour {
		t.Errorf("PersistentSessionTTL = %v", cfg.Relay.PersistentSessionTTL)
	}
	if len(cfg.Relay.AllowedOrigins) != 1 || cfg.Relay.AllowedOrigins[0] != "https://app.example" {
		t.Errorf("AllowedOrigins = %v", cfg.Relay.AllowedOrigins)
	}
	if !cfg.SDK.Persistent || cfg.SDK.AppName != "dex" {
		t.Errorf("SDK = %+v", cfg.SDK)
	}
	if cfg.SDK.Backoff.InitialDelay != 100*time.Millisecond || cfg.SDK.Backoff.MaxAttempts != 4 {
		t.Errorf("Backoff = %+v", cfg.SDK.Backoff)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q", cfg.Logger.Level)
	}
	// Untouched sections keep their defaults.
	if cfg.Relay.ClientPath != "/client" {
		t.Errorf("ClientPath = %q", cfg.Relay.ClientPath)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.toml")
	writeFile(t, path, `
[relay]
addr = ":7100"
outbox_limit = 16
persistent_session_ttl = "90m"

[store]
backend = "sqlite"
sqlite_path = "/var/lib/nconnect/sessions.db"
`, 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Relay.Addr != ":7100" || cfg.Relay.OutboxLimit != 16 {
		t.Errorf("Relay = %+v", cfg.Relay)
	}
	if cfg.Relay.PersistentSessionTTL != 90*time.Minute {
		t.Errorf("PersistentSessionTTL = %v", cfg.Relay.PersistentSessionTTL)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.SQLitePath != "/var/lib/nconnect/sessions.db" {
		t.Errorf("Store = %+v", cfg.Store)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "invalid: [yaml: bad", 0600)
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoadValidationFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "store:\n  backend: etcd\n", 0600)
	_, err := Load(path)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
	if !strings.Contains(ve.Error(), "store.backend") {
		t.Errorf("unexpected validation error: %v", ve)
	}
}

func TestLoadInsecurePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "insecure.yaml")
	writeFile(t, path, "relay:\n  addr: \":1\"\n", 0666)
	if _, err := Load(path); err == nil {
		t.Error("expected error for insecure permissions")
	}
}

func TestValidatePermissions(t *testing.T) {
	dir := t.TempDir()
	for perm, ok := range map[os.FileMode]bool{0600: true, 0644: true, 0666: false, 0620: false} {
		path := filepath.Join(dir, perm.String()+".yaml")
		writeFile(t, path, "x: 1", perm)
		err := validatePermissions(path)
		if ok && err != nil {
			t.Errorf("%o should pass: %v", perm, err)
		}
		if !ok && err == nil {
			t.Errorf("%o should fail", perm)
		}
	}
	if err := validatePermissions(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for non-existent file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NCONNECT_RELAY_ADDR", ":9000")
	t.Setenv("NCONNECT_RELAY_ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("NCONNECT_RELAY_SESSION_TTL", "1h")
	t.Setenv("NCONNECT_RELAY_URL", "wss://relay.example")
	t.Setenv("NCONNECT_PERSISTENT", "true")
	t.Setenv("NCONNECT_RECONNECT_ATTEMPTS", "3")
	t.Setenv("NCONNECT_STORE_BACKEND", "redis")
	t.Setenv("NCONNECT_STORE_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("NCONNECT_LOGGER_LEVEL", "debug")
	t.Setenv("NCONNECT_TRACER_ENABLED", "true")
	t.Setenv("NCONNECT_TRACER_SAMPLE_RATIO", "0.25")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Relay.Addr != ":9000" {
		t.Errorf("Relay.Addr = %q", cfg.Relay.Addr)
	}
	if len(cfg.Relay.AllowedOrigins) != 2 || cfg.Relay.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("AllowedOrigins = %q", cfg.Relay.AllowedOrigins)
	}
	if cfg.Relay.PersistentSessionTTL != time.Hour {
		t.Errorf("PersistentSessionTTL = %v", cfg.Relay.PersistentSessionTTL)
	}
	if cfg.SDK.RelayURL != "wss://relay.example" || !cfg.SDK.Persistent {
		t.Errorf("SDK = %+v", cfg.SDK)
	}
	if cfg.SDK.Backoff.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d", cfg.SDK.Backoff.MaxAttempts)
	}
	if cfg.Store.Backend != "redis" || cfg.Store.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q", cfg.Logger.Level)
	}
	if !cfg.Tracer.Enabled || cfg.Tracer.SampleRatio != 0.25 {
		t.Errorf("Tracer = %+v", cfg.Tracer)
	}
}

func TestEnvOverridesIgnoreBadDurations(t *testing.T) {
	t.Setenv("NCONNECT_RELAY_SESSION_TTL", "soon")
	t.Setenv("NCONNECT_REQUEST_TIMEOUT", "-1s")
	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	if cfg.Relay.PersistentSessionTTL != 24*time.Hour {
		t.Errorf("PersistentSessionTTL = %v", cfg.Relay.PersistentSessionTTL)
	}
	if cfg.SDK.RequestTimeout != Defaults().SDK.RequestTimeout {
		t.Errorf("RequestTimeout = %v", cfg.SDK.RequestTimeout)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	encrypted, err := EncryptValue("hunter2", "pass")
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}
	if strings.Contains(encrypted, "hunter2") {
		t.Fatal("ciphertext contains plaintext")
	}
	got, err := DecryptValue(encrypted, "pass")
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}
	if got != "hunter2" {
		t.Errorf("got %q, want %q", got, "hunter2")
	}

	again, _ := EncryptValue("hunter2", "pass")
	if again == encrypted {
		t.Error("two encryptions must use fresh salt and nonce")
	}
}

func TestDecryptValueErrors(t *testing.T) {
	valid, err := EncryptValue("x", "pass")
	if err != nil {
		t.Fatal(err)
	}
	tests := map[string]struct{ value, pass string }{
		"wrong passphrase": {valid, "other"},
		"no separator":     {"abcdef", "pass"},
		"bad salt hex":     {"zz:00", "pass"},
		"bad body hex":     {"00:zz", "pass"},
		"too short":        {"00112233445566778899aabbccddeeff:00", "pass"},
	}
	for name, tt := range tests {
		if _, err := DecryptValue(tt.value, tt.pass); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadWithConfigKey(t *testing.T) {
	encrypted, err := EncryptValue("s3cret", "load-key")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
store:
  backend: redis
  redis_url: "redis://localhost:6379/0"
  redis_password: "enc:`+encrypted+`"
`, 0600)

	t.Setenv("NCONNECT_CONFIG_KEY", "load-key")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.RedisPassword != "s3cret" {
		t.Errorf("RedisPassword = %q, want s3cret", cfg.Store.RedisPassword)
	}
}

func TestLoadWithWrongConfigKey(t *testing.T) {
	encrypted, err := EncryptValue("s3cret", "right")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "cluster:\n  redis_password: \"enc:"+encrypted+"\"\n", 0600)

	t.Setenv("NCONNECT_CONFIG_KEY", "wrong")
	_, err = Load(path)
	if err == nil || !strings.Contains(err.Error(), "cluster.redis_password") {
		t.Errorf("err = %v, want cluster.redis_password decrypt failure", err)
	}
}

func TestDecryptSecretsLeavesPlainValues(t *testing.T) {
	cfg := Defaults()
	cfg.Store.RedisPassword = "plain"
	if err := decryptSecrets(cfg, "pass"); err != nil {
		t.Fatalf("decryptSecrets: %v", err)
	}
	if cfg.Store.RedisPassword != "plain" {
		t.Errorf("RedisPassword = %q", cfg.Store.RedisPassword)
	}
}
