// Package correlator pairs outbound requests with their eventual replies.
package correlator

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"nightly-connect/internal/domain"
	"nightly-connect/internal/infra/tracer"
)

// Sender transmits an encoded request. It is called after the request is
// registered, so a reply can never arrive before its entry exists.
type Sender func(ctx context.Context, env domain.Envelope) error

// BuildFunc builds the request envelope for a freshly allocated id.
type BuildFunc func(requestID string) domain.Envelope

// Result is the settled outcome of one request.
type Result struct {
	Envelope domain.Envelope
	Err      error
}

type pending struct {
	id        string
	seq       uint64
	createdAt time.Time
	timeout   time.Duration
	timer     *time.Timer
	span      trace.Span
	result    Result
	done      chan struct{} // closed once result is set
}

// Correlator tracks in-flight requests. Every registered request is settled
// exactly once: by a reply, a rejection, its timeout, cancellation, or
// RejectAll.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pending
	seq     uint64
	entropy *ulid.MonotonicEntropy
	closed  error
	send    Sender
	logger  *slog.Logger
}

// New creates a correlator that transmits through send.
func New(send Sender, logger *slog.Logger) *Correlator {
	return &Correlator{
		pending: make(map[string]*pending),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		send:    send,
		logger:  logger,
	}
}

// Send allocates an id, registers the request and transmits it. The returned
// Future settles when the request resolves, is rejected, times out or is
// cancelled. A transmit failure unregisters the request and is returned.
func (c *Correlator) Send(ctx context.Context, build BuildFunc, timeout time.Duration) (*Future, error) {
	c.mu.Lock()
	if c.closed != nil {
		err := c.closed
		c.mu.Unlock()
		return nil, err
	}
	now := time.Now()
	id := ulid.MustNew(ulid.Timestamp(now), c.entropy).String()
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	env := build(id)
	_, span := tracer.StartSpan(ctx, "correlator.request",
		trace.WithAttributes(
			tracer.StringAttr("request.id", id),
			tracer.MessageTypeAttr(string(env.Type())),
		),
	)
	p := &pending{
		id:        id,
		seq:       seq,
		createdAt: now,
		timeout:   timeout,
		span:      span,
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed != nil {
		err := c.closed
		c.mu.Unlock()
		tracer.End(span, err)
		return nil, err
	}
	c.pending[id] = p
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			c.Reject(id, domain.NewDomainError("correlator.Send", domain.ErrRequestTimeout, timeout.String()))
		})
	}
	c.mu.Unlock()

	if err := c.send(ctx, env); err != nil {
		c.settle(id, Result{Err: err})
		return nil, err
	}
	return &Future{p: p, c: c}, nil
}

// Resolve settles the request with a reply. Returns false, and logs, when no
// request with this id is pending (late or duplicate reply).
func (c *Correlator) Resolve(id string, env domain.Envelope) bool {
	return c.settle(id, Result{Envelope: env})
}

// Reject settles the request with err. Same no-match semantics as Resolve.
func (c *Correlator) Reject(id string, err error) bool {
	return c.settle(id, Result{Err: err})
}

// Cancel settles the request with domain.ErrCancelled. The transport is not
// touched; a reply arriving later is dropped as unmatched.
func (c *Correlator) Cancel(id string) bool {
	return c.settle(id, Result{Err: domain.ErrCancelled})
}

func (c *Correlator) settle(id string, res Result) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("no pending request for reply", "request_id", id, "error", res.Err)
		return false
	}
	c.finish(p, res)
	return true
}

func (c *Correlator) finish(p *pending, res Result) {
	p.result = res
	close(p.done)
	if p.span != nil {
		if res.Envelope != nil {
			p.span.SetAttributes(tracer.MessageTypeAttr(string(res.Envelope.Type())))
		}
		tracer.End(p.span, res.Err)
	}
}

// RejectAll settles every pending request with err in id-ascending
// (insertion) order before returning.
func (c *Correlator) RejectAll(err error) int {
	c.mu.Lock()
	batch := make([]*pending, 0, len(c.pending))
	for id, p := range c.pending {
		batch = append(batch, p)
		delete(c.pending, id)
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	c.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].seq < batch[j].seq })
	for _, p := range batch {
		c.finish(p, Result{Err: err})
	}
	if len(batch) > 0 {
		c.logger.Debug("rejected pending requests", "count", len(batch), "error", err)
	}
	return len(batch)
}

// Close rejects everything pending with err and refuses further sends.
func (c *Correlator) Close(err error) {
	c.mu.Lock()
	if c.closed == nil {
		c.closed = err
	}
	c.mu.Unlock()
	c.RejectAll(err)
}

// Pending returns the ids of in-flight requests in insertion order.
func (c *Correlator) Pending() []string {
	c.mu.Lock()
	batch := make([]*pending, 0, len(c.pending))
	for _, p := range c.pending {
		batch = append(batch, p)
	}
	c.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].seq < batch[j].seq })
	ids := make([]string, len(batch))
	for i, p := range batch {
		ids[i] = p.id
	}
	return ids
}

// Future is the caller's handle on one request.
type Future struct {
	p *pending
	c *Correlator
}

// ID returns the request id carried on the wire as responseId.
func (f *Future) ID() string { return f.p.id }

// Done is closed when the request settles.
func (f *Future) Done() <-chan struct{} { return f.p.done }

// Await blocks until the request settles. If ctx ends first the request is
// cancelled and domain.ErrCancelled is returned. Await may be called more
// than once; every call observes the same result.
func (f *Future) Await(ctx context.Context) (domain.Envelope, error) {
	select {
	case <-f.p.done:
	case <-ctx.Done():
		f.c.Cancel(f.p.id)
		<-f.p.done
	}
	return f.p.result.Envelope, f.p.result.Err
}

// Cancel settles the request with domain.ErrCancelled if still pending.
func (f *Future) Cancel() bool {
	return f.c.Cancel(f.p.id)
}
