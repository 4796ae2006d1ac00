package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"nightly-connect/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the dial circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive dial failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before a probe dial is allowed.
	Timeout time.Duration
	// Interval clears failure counts while closed. If 0, counts only reset on success.
	Interval time.Duration
}

// BreakerDialer wraps a Dialer so repeated dial failures against a dead
// relay fail fast instead of hammering it during reconnect loops.
type BreakerDialer struct {
	inner   domain.Dialer
	breaker *gobreaker.CircuitBreaker[domain.Conn]
	logger  *slog.Logger
}

// NewBreakerDialer wraps inner. Zero-valued cfg fields use defaults.
func NewBreakerDialer(inner domain.Dialer, cfg BreakerConfig, logger *slog.Logger) *BreakerDialer {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[domain.Conn](gobreaker.Settings{
		Name:        "relay-dial",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation says nothing about relay health.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &BreakerDialer{inner: inner, breaker: cb, logger: logger}
}

// Dial implements domain.Dialer through the circuit breaker.
func (d *BreakerDialer) Dial(ctx context.Context, url string) (domain.Conn, error) {
	conn, err := d.breaker.Execute(func() (domain.Conn, error) {
		return d.inner.Dial(ctx, url)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", domain.ErrCircuitOpen, err)
		}
		return nil, err
	}
	return conn, nil
}

// State returns the current breaker state for monitoring.
func (d *BreakerDialer) State() gobreaker.State {
	return d.breaker.State()
}

var _ domain.Dialer = (*BreakerDialer)(nil)
