package transport

import (
	"context"
	"fmt"
	"sync"

	"nightly-connect/internal/domain"
)

// CloseAbnormal is reported to the peer of a pipe end that was dropped with Abort.
const CloseAbnormal = 1006

const pipeBuffer = 64

type pipe struct {
	once   sync.Once
	done   chan struct{}
	closer *PipeConn
	code   int
	reason string
}

// PipeConn is one end of an in-memory frame pipe. Closing either end closes
// both; the other end observes a *domain.CloseError with the closer's code.
type PipeConn struct {
	p   *pipe
	in  chan []byte
	out chan []byte
}

// Pipe returns two connected ends.
func Pipe() (*PipeConn, *PipeConn) {
	p := &pipe{done: make(chan struct{})}
	aToB := make(chan []byte, pipeBuffer)
	bToA := make(chan []byte, pipeBuffer)
	return &PipeConn{p: p, in: bToA, out: aToB}, &PipeConn{p: p, in: aToB, out: bToA}
}

func (c *PipeConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.p.done:
		// Frames written before the close are still delivered.
		select {
		case f := <-c.in:
			return f, nil
		default:
		}
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectionClosed, ctx.Err())
	}
}

func (c *PipeConn) WriteFrame(ctx context.Context, frame []byte) error {
	select {
	case <-c.p.done:
		return fmt.Errorf("%w: pipe closed", domain.ErrConnectionClosed)
	default:
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case c.out <- buf:
		return nil
	case <-c.p.done:
		return fmt.Errorf("%w: pipe closed", domain.ErrConnectionClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *PipeConn) closedErr() error {
	if c.p.closer == c {
		return fmt.Errorf("%w: pipe closed locally", domain.ErrConnectionClosed)
	}
	return &domain.CloseError{Code: c.p.code, Reason: c.p.reason}
}

// Close performs a normal closure.
func (c *PipeConn) Close() error {
	return c.CloseWithStatus(domain.CloseNormal, "")
}

// CloseWithStatus closes both ends; the peer reads code and reason.
func (c *PipeConn) CloseWithStatus(code int, reason string) error {
	c.p.once.Do(func() {
		c.p.closer = c
		c.p.code = code
		c.p.reason = reason
		close(c.p.done)
	})
	return nil
}

// Abort drops the pipe as if the network failed.
func (c *PipeConn) Abort() {
	_ = c.CloseWithStatus(CloseAbnormal, "abnormal closure")
}

// Closed is closed when either end closes.
func (c *PipeConn) Closed() <-chan struct{} { return c.p.done }

var _ domain.Conn = (*PipeConn)(nil)
