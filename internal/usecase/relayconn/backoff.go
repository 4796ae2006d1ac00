package relayconn

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// BackoffConfig bounds the reconnect schedule of a persistent session.
// Delays grow as InitialDelay * Multiplier^n capped at MaxDelay, each
// randomized by +/- Jitter (a fraction in [0,1)).
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       float64
	MaxAttempts  int
}

// DefaultBackoff returns the reconnect schedule used when none is configured:
// 250ms, 500ms, 1s ... capped at 10s, 8 attempts.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     10 * time.Second,
		Jitter:       0.2,
		MaxAttempts:  8,
	}
}

// Validate reports the first invalid field.
func (b BackoffConfig) Validate() error {
	switch {
	case b.InitialDelay <= 0:
		return fmt.Errorf("backoff initial_delay must be > 0")
	case b.Multiplier < 1:
		return fmt.Errorf("backoff multiplier must be >= 1")
	case b.MaxDelay < b.InitialDelay:
		return fmt.Errorf("backoff max_delay must be >= initial_delay")
	case b.Jitter < 0 || b.Jitter >= 1:
		return fmt.Errorf("backoff jitter must be in [0,1)")
	case b.MaxAttempts <= 0:
		return fmt.Errorf("backoff max_attempts must be > 0")
	}
	return nil
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxDelay < b.InitialDelay {
		b.MaxDelay = b.InitialDelay
	}
	if b.Jitter < 0 || b.Jitter >= 1 {
		b.Jitter = d.Jitter
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = d.MaxAttempts
	}
	return b
}

// schedule returns a fresh exponential policy. The attempt cap is enforced by
// the caller, so elapsed time never stops it.
func (b BackoffConfig) schedule() *backoff.ExponentialBackOff {
	p := backoff.NewExponentialBackOff()
	p.InitialInterval = b.InitialDelay
	p.Multiplier = b.Multiplier
	p.MaxInterval = b.MaxDelay
	p.RandomizationFactor = b.Jitter
	p.MaxElapsedTime = 0
	p.Reset()
	return p
}
