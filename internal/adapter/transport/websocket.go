// Package transport provides domain.Conn implementations: websocket for
// real relays and an in-memory pipe for in-process wiring.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"nightly-connect/internal/domain"
)

// DefaultReadLimit caps a single inbound frame.
const DefaultReadLimit int64 = 1 << 20

// WSConn adapts a websocket connection to domain.Conn. Frames are sent as
// text messages.
type WSConn struct {
	ws        *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// NewWSConn wraps an established websocket.
func NewWSConn(ws *websocket.Conn, readLimit int64) *WSConn {
	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}
	ws.SetReadLimit(readLimit)
	return &WSConn{ws: ws}
}

// ReadFrame blocks for the next message. A close frame from the peer is
// reported as *domain.CloseError; any other failure wraps
// domain.ErrConnectionClosed.
func (c *WSConn) ReadFrame(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, mapReadError(err)
	}
	return data, nil
}

func mapReadError(err error) error {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return &domain.CloseError{Code: int(ce.Code), Reason: ce.Reason}
	}
	return fmt.Errorf("%w: %v", domain.ErrConnectionClosed, err)
}

// WriteFrame sends one text message.
func (c *WSConn) WriteFrame(ctx context.Context, frame []byte) error {
	if err := c.ws.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnectionClosed, err)
	}
	return nil
}

// Close performs a normal closure.
func (c *WSConn) Close() error {
	return c.CloseWithStatus(domain.CloseNormal, "")
}

// CloseWithStatus closes with an application status code, e.g.
// domain.CloseSessionTakeover. Only the first close takes effect.
func (c *WSConn) CloseWithStatus(code int, reason string) error {
	c.closeOnce.Do(func() {
		err := c.ws.Close(websocket.StatusCode(code), reason)
		if err != nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, net.ErrClosed) {
			c.closeErr = err
		}
	})
	return c.closeErr
}

// Dialer dials relays over websocket.
type Dialer struct {
	HTTPClient  *http.Client
	Header      http.Header
	ReadLimit   int64
	DialTimeout time.Duration
}

// Dial opens a websocket to url.
func (d *Dialer) Dial(ctx context.Context, url string) (domain.Conn, error) {
	if d.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.DialTimeout)
		defer cancel()
	}
	ws, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrRelayUnavailable, url, err)
	}
	return NewWSConn(ws, d.ReadLimit), nil
}

// Accept upgrades an HTTP request on the relay side.
func Accept(w http.ResponseWriter, r *http.Request, originPatterns []string, readLimit int64) (*WSConn, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     originPatterns,
		InsecureSkipVerify: len(originPatterns) == 0,
	})
	if err != nil {
		return nil, err
	}
	return NewWSConn(ws, readLimit), nil
}

// DialerFunc adapts a function to domain.Dialer.
type DialerFunc func(ctx context.Context, url string) (domain.Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (domain.Conn, error) { return f(ctx, url) }

var (
	_ domain.Conn   = (*WSConn)(nil)
	_ domain.Dialer = (*Dialer)(nil)
	_ domain.Dialer = DialerFunc(nil)
)
