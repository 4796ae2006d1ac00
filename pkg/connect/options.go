package connect

import (
	"io"
	"log/slog"
	"time"

	"nightly-connect/internal/adapter/store"
	"nightly-connect/internal/adapter/transport"
)

// Default per-operation timeouts.
const (
	DefaultSignTimeout      = 5 * time.Minute
	DefaultRequestTimeout   = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	defaultDialTimeout      = 10 * time.Second
)

// processStore backs persistent apps that were not given a store, so a
// rebuild in the same process can resume.
var processStore = store.NewMemoryStore()

// Option configures an App or a Client.
type Option func(*options)

type options struct {
	logger           *slog.Logger
	store            SessionStore
	dialer           Dialer
	bus              EventBus
	backoff          BackoffConfig
	signTimeout      time.Duration
	requestTimeout   time.Duration
	handshakeTimeout time.Duration
	deeplink         DeeplinkTrigger
}

func buildOptions(opts []Option) options {
	o := options{
		signTimeout:      DefaultSignTimeout,
		requestTimeout:   DefaultRequestTimeout,
		handshakeTimeout: DefaultHandshakeTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.store == nil {
		o.store = processStore
	}
	if o.dialer == nil {
		o.dialer = transport.NewBreakerDialer(
			&transport.Dialer{DialTimeout: defaultDialTimeout},
			transport.BreakerConfig{},
			o.logger,
		)
	}
	return o
}

// WithLogger sets a custom slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStore sets where persistent apps keep their session id.
func WithStore(s SessionStore) Option {
	return func(o *options) { o.store = s }
}

// WithDialer replaces the websocket dialer, e.g. for custom TLS or headers.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithBus publishes events on a shared bus instead of a private one. A
// shared bus is not closed with the App or Client.
func WithBus(bus EventBus) Option {
	return func(o *options) { o.bus = bus }
}

// WithBackoff sets the reconnect schedule of persistent sessions.
func WithBackoff(b BackoffConfig) Option {
	return func(o *options) { o.backoff = b }
}

// WithSignTimeout bounds SignTransactions and SignMessages.
func WithSignTimeout(d time.Duration) Option {
	return func(o *options) { o.signTimeout = d }
}

// WithRequestTimeout bounds Connect, GetInfo and GetPendingRequests.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithHandshakeTimeout bounds the app handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

// WithDeeplinkTrigger installs the hook used by App.TriggerDeeplink.
func WithDeeplinkTrigger(fn DeeplinkTrigger) Option {
	return func(o *options) { o.deeplink = fn }
}
