package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"nightly-connect/internal/domain"
)

type role string

const (
	roleApp    role = "app"
	roleClient role = "client"
)

// wsConn is the relay's view of an accepted websocket.
type wsConn interface {
	domain.Conn
	CloseWithStatus(code int, reason string) error
}

// peer tracks a single websocket connection, app or client.
type peer struct {
	id       uint64
	role     role
	ip       string
	conn     wsConn
	sendCh   chan []byte // buffered outbound queue
	done     chan struct{}
	limiter  *rate.Limiter
	logger   *slog.Logger
	writeTTL time.Duration

	closeMu     sync.Mutex
	closed      bool
	closeCode   int
	closeReason string

	// Guarded by Server.mu.
	sessionID  string
	publicKeys []string
	clientID   string // set by ClientInitializeRequest
}

func newPeer(id uint64, r role, ip string, conn wsConn, queue int, limiter *rate.Limiter, logger *slog.Logger) *peer {
	return &peer{
		id:       id,
		role:     r,
		ip:       ip,
		conn:     conn,
		sendCh:   make(chan []byte, queue),
		done:     make(chan struct{}),
		limiter:  limiter,
		logger:   logger.With("peer", id, "role", string(r)),
		writeTTL: 5 * time.Second,
	}
}

// enqueue queues an encoded frame. A peer whose queue is full is closed
// with CloseTryAgainLater rather than silently losing frames.
func (p *peer) enqueue(frame []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.sendCh <- frame:
		return true
	default:
		p.logger.Warn("outbound queue full, closing slow peer")
		p.close(domain.CloseTryAgainLater, "slow consumer")
		return false
	}
}

// writeLoop is the only writer of the socket. After close it flushes what
// is still queued, bounded by the write timeout, then sends the close frame.
func (p *peer) writeLoop() {
	for {
		select {
		case <-p.done:
			p.flushAndClose()
			return
		case frame := <-p.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), p.writeTTL)
			err := p.conn.WriteFrame(ctx, frame)
			cancel()
			if err != nil {
				p.logger.Debug("write failed", "error", err)
				p.close(domain.CloseGoingAway, "write failed")
				p.conn.CloseWithStatus(domain.CloseGoingAway, "write failed")
				return
			}
		}
	}
}

func (p *peer) flushAndClose() {
	ctx, cancel := context.WithTimeout(context.Background(), p.writeTTL)
	defer cancel()
	for {
		select {
		case frame := <-p.sendCh:
			if p.conn.WriteFrame(ctx, frame) != nil {
				p.conn.CloseWithStatus(p.closeCode, p.closeReason)
				return
			}
		default:
			p.conn.CloseWithStatus(p.closeCode, p.closeReason)
			return
		}
	}
}

// close records the close status and stops the write loop. Only the first
// call takes effect.
func (p *peer) close(code int, reason string) {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.closeCode = code
	p.closeReason = reason
	close(p.done)
}

func (p *peer) isClosed() bool {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	return p.closed
}
