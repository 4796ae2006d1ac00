package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration shared by the relay and the CLI roles.
type Config struct {
	Relay    RelayConfig   `yaml:"relay" toml:"relay"`
	SDK      SDKConfig     `yaml:"sdk" toml:"sdk"`
	Store    StoreConfig   `yaml:"store" toml:"store"`
	Cluster  ClusterConfig `yaml:"cluster" toml:"cluster"`
	Logger   LoggerConfig  `yaml:"logger" toml:"logger"`
	Tracer   TracerConfig  `yaml:"tracer" toml:"tracer"`
	Includes []string      `yaml:"includes,omitempty" toml:"includes,omitempty"`

	// Sources lists the files Load merged, overlays first. Set by Load.
	Sources []string `yaml:"-" toml:"-"`
}

// RelayConfig holds relay server settings.
type RelayConfig struct {
	Addr           string   `yaml:"addr" toml:"addr"`
	AppPath        string   `yaml:"app_path" toml:"app_path"`
	ClientPath     string   `yaml:"client_path" toml:"client_path"`
	WalletsFile    string   `yaml:"wallets_file" toml:"wallets_file"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`

	// Persistent sessions survive their app for this long.
	PersistentSessionTTL time.Duration `yaml:"persistent_session_ttl" toml:"persistent_session_ttl"`
	CleanupSchedule      string        `yaml:"cleanup_schedule" toml:"cleanup_schedule"`

	ReadLimit          int64         `yaml:"read_limit" toml:"read_limit"`
	MaxFramesPerSecond float64       `yaml:"max_frames_per_second" toml:"max_frames_per_second"`
	Burst              int           `yaml:"burst" toml:"burst"`
	OutboxLimit        int           `yaml:"outbox_limit" toml:"outbox_limit"`
	UpgradesPerMinute  int           `yaml:"upgrades_per_minute" toml:"upgrades_per_minute"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`

	// Peers allowed to set X-Forwarded-For for the upgrade limiter.
	TrustedProxies []string `yaml:"trusted_proxies" toml:"trusted_proxies"`

	MDNS MDNSConfig `yaml:"mdns" toml:"mdns"`
}

// MDNSConfig controls relay advertisement on the local network.
type MDNSConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Instance string `yaml:"instance" toml:"instance"`
}

// SDKConfig holds defaults for the app and wallet roles.
type SDKConfig struct {
	RelayURL         string        `yaml:"relay_url" toml:"relay_url"`
	Network          string        `yaml:"network" toml:"network"`
	AppName          string        `yaml:"app_name" toml:"app_name"`
	Persistent       bool          `yaml:"persistent" toml:"persistent"`
	RequestTimeout   time.Duration `yaml:"request_timeout" toml:"request_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" toml:"handshake_timeout"`
	Backoff          BackoffConfig `yaml:"backoff" toml:"backoff"`
}

// BackoffConfig is the reconnect schedule of persistent sessions.
type BackoffConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay" toml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier" toml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay" toml:"max_delay"`
	Jitter       float64       `yaml:"jitter" toml:"jitter"`
	MaxAttempts  int           `yaml:"max_attempts" toml:"max_attempts"`
}

// StoreConfig selects the SessionStore backend.
type StoreConfig struct {
	Backend       string        `yaml:"backend" toml:"backend"` // memory, sqlite, redis
	SQLitePath    string        `yaml:"sqlite_path" toml:"sqlite_path"`
	RedisURL      string        `yaml:"redis_url" toml:"redis_url"`
	RedisPassword string        `yaml:"redis_password" toml:"redis_password"`
	KeyPrefix     string        `yaml:"key_prefix" toml:"key_prefix"`
	TTL           time.Duration `yaml:"ttl" toml:"ttl"`
}

// ClusterConfig enables multi-node relays coordinated through Redis.
type ClusterConfig struct {
	Enabled       bool          `yaml:"enabled" toml:"enabled"`
	RedisURL      string        `yaml:"redis_url" toml:"redis_url"`
	RedisPassword string        `yaml:"redis_password" toml:"redis_password"`
	NodeID        string        `yaml:"node_id" toml:"node_id"`
	LockTTL       time.Duration `yaml:"lock_ttl" toml:"lock_ttl"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	Output string `yaml:"output" toml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled" toml:"enabled"`
	Exporter    string  `yaml:"exporter" toml:"exporter"`
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// defaultDataDir returns the persistent data directory under $HOME/.nconnect.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".nconnect")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Relay: RelayConfig{
			Addr:                 ":6969",
			AppPath:              "/app",
			ClientPath:           "/client",
			PersistentSessionTTL: 24 * time.Hour,
			CleanupSchedule:      "@every 1m",
			ReadLimit:            1 << 20,
			MaxFramesPerSecond:   50,
			Burst:                100,
			OutboxLimit:          256,
			UpgradesPerMinute:    120,
			ShutdownTimeout:      10 * time.Second,
			MDNS: MDNSConfig{
				Enabled:  false,
				Instance: "nconnect-relay",
			},
		},
		SDK: SDKConfig{
			RelayURL:         "ws://localhost:6969",
			Network:          "SOLANA",
			AppName:          "nconnect-app",
			RequestTimeout:   5 * time.Minute,
			HandshakeTimeout: 10 * time.Second,
			Backoff: BackoffConfig{
				InitialDelay: 250 * time.Millisecond,
				Multiplier:   2.0,
				MaxDelay:     10 * time.Second,
				Jitter:       0.2,
				MaxAttempts:  8,
			},
		},
		Store: StoreConfig{
			Backend:    "memory",
			SQLitePath: filepath.Join(defaultDataDir(), "sessions.db"),
			KeyPrefix:  "nconnect:session:",
		},
		Cluster: ClusterConfig{
			LockTTL: 30 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:     false,
			Exporter:    "noop",
			SampleRatio: 1,
		},
	}
}

// Load reads a YAML or TOML config file (by extension), applies env var
// overrides, and decrypts secrets. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := decode(absPath, data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		w := &overlayWalker{cfg: cfg, chain: []string{absPath}}
		includes := cfg.Includes
		cfg.Includes = nil
		if err := w.expand(filepath.Dir(absPath), includes); err != nil {
			return nil, err
		}
		if err := decode(absPath, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
		cfg.Sources = w.applied
	}
	cfg.Sources = append(cfg.Sources, absPath)

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("NCONNECT_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// decode unmarshals data onto cfg, choosing the format from the file extension.
func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return toml.Unmarshal(data, cfg)
	}
	return yaml.Unmarshal(data, cfg)
}

// ApplyEnvOverrides maps NCONNECT_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	// Relay
	if v := os.Getenv("NCONNECT_RELAY_ADDR"); v != "" {
		cfg.Relay.Addr = v
	}
	if v := os.Getenv("NCONNECT_RELAY_WALLETS_FILE"); v != "" {
		cfg.Relay.WalletsFile = v
	}
	if v := os.Getenv("NCONNECT_RELAY_ALLOWED_ORIGINS"); v != "" {
		cfg.Relay.AllowedOrigins = splitAndTrim(v, ",")
	}
	if v := os.Getenv("NCONNECT_RELAY_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Relay.PersistentSessionTTL = d
		}
	}
	if v := os.Getenv("NCONNECT_RELAY_MDNS"); v != "" {
		cfg.Relay.MDNS.Enabled = v == "true"
	}

	// SDK
	if v := os.Getenv("NCONNECT_RELAY_URL"); v != "" {
		cfg.SDK.RelayURL = v
	}
	if v := os.Getenv("NCONNECT_NETWORK"); v != "" {
		cfg.SDK.Network = v
	}
	if v := os.Getenv("NCONNECT_APP_NAME"); v != "" {
		cfg.SDK.AppName = v
	}
	if v := os.Getenv("NCONNECT_PERSISTENT"); v != "" {
		cfg.SDK.Persistent = v == "true"
	}
	if v := os.Getenv("NCONNECT_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.SDK.RequestTimeout = d
		}
	}
	if v := os.Getenv("NCONNECT_RECONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SDK.Backoff.MaxAttempts = n
		}
	}

	// Store
	if v := os.Getenv("NCONNECT_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("NCONNECT_STORE_SQLITE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := os.Getenv("NCONNECT_STORE_REDIS_URL"); v != "" {
		cfg.Store.RedisURL = v
	}
	if v := os.Getenv("NCONNECT_STORE_REDIS_PASSWORD"); v != "" {
		cfg.Store.RedisPassword = v
	}

	// Cluster
	if v := os.Getenv("NCONNECT_CLUSTER_ENABLED"); v != "" {
		cfg.Cluster.Enabled = v == "true"
	}
	if v := os.Getenv("NCONNECT_CLUSTER_REDIS_URL"); v != "" {
		cfg.Cluster.RedisURL = v
	}
	if v := os.Getenv("NCONNECT_CLUSTER_NODE_ID"); v != "" {
		cfg.Cluster.NodeID = v
	}

	// Logger
	if v := os.Getenv("NCONNECT_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("NCONNECT_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("NCONNECT_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}

	// Tracer
	if v := os.Getenv("NCONNECT_TRACER_ENABLED"); v != "" {
		cfg.Tracer.Enabled = v == "true"
	}
	if v := os.Getenv("NCONNECT_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("NCONNECT_TRACER_SAMPLE_RATIO"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tracer.SampleRatio = r
		}
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decryptSecrets finds "enc:..." values in secret fields and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	secrets := []struct {
		name  string
		field *string
	}{
		{"store.redis_password", &cfg.Store.RedisPassword},
		{"store.redis_url", &cfg.Store.RedisURL},
		{"cluster.redis_password", &cfg.Cluster.RedisPassword},
		{"cluster.redis_url", &cfg.Cluster.RedisURL},
	}
	for _, s := range secrets {
		if !strings.HasPrefix(*s.field, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*s.field, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		*s.field = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Readable by others is fine, writable is not.
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
