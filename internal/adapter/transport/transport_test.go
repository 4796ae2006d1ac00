package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nightly-connect/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPipeDelivers(t *testing.T) {
	a, b := Pipe()
	ctx := context.Background()

	require.NoError(t, a.WriteFrame(ctx, []byte("one")))
	require.NoError(t, a.WriteFrame(ctx, []byte("two")))

	f, err := b.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one", string(f))
	f, err = b.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, "two", string(f))
}

func TestPipeCloseReportsCodeToPeer(t *testing.T) {
	a, b := Pipe()
	ctx := context.Background()

	require.NoError(t, a.WriteFrame(ctx, []byte("last")))
	require.NoError(t, a.CloseWithStatus(domain.CloseSessionTakeover, "taken over"))

	f, err := b.ReadFrame(ctx)
	require.NoError(t, err, "frames queued before close are delivered")
	assert.Equal(t, "last", string(f))

	_, err = b.ReadFrame(ctx)
	var ce *domain.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, domain.CloseSessionTakeover, ce.Code)
	assert.ErrorIs(t, err, domain.ErrSessionTakenOver)

	_, err = a.ReadFrame(ctx)
	assert.ErrorIs(t, err, domain.ErrConnectionClosed)
	assert.ErrorIs(t, b.WriteFrame(ctx, []byte("x")), domain.ErrConnectionClosed)
}

func TestPipeAbortIsRetryable(t *testing.T) {
	a, b := Pipe()
	a.Abort()

	_, err := b.ReadFrame(context.Background())
	var ce *domain.CloseError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Retryable())
	assert.Equal(t, CloseAbnormal, ce.Code)
}

func TestPipeReadHonoursContext(t *testing.T) {
	_, b := Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := b.ReadFrame(ctx)
	assert.ErrorIs(t, err, domain.ErrConnectionClosed)
}

func TestWebsocketRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r, nil, 0)
		if err != nil {
			return
		}
		ctx := r.Context()
		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			return
		}
		_ = conn.WriteFrame(ctx, append([]byte("echo:"), frame...))
		_ = conn.CloseWithStatus(domain.CloseSessionEnded, "bye")
	}))
	defer srv.Close()

	d := &Dialer{DialTimeout: 2 * time.Second}
	conn, err := d.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.WriteFrame(ctx, []byte(`{"type":"AckMessage"}`)))

	got, err := conn.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, `echo:{"type":"AckMessage"}`, string(got))

	_, err = conn.ReadFrame(ctx)
	var ce *domain.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, domain.CloseSessionEnded, ce.Code)
	assert.Equal(t, "bye", ce.Reason)
}

func TestDialFailureWrapsRelayUnavailable(t *testing.T) {
	d := &Dialer{DialTimeout: time.Second}
	_, err := d.Dial(context.Background(), "ws://127.0.0.1:1/app")
	assert.ErrorIs(t, err, domain.ErrRelayUnavailable)
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	failing := DialerFunc(func(context.Context, string) (domain.Conn, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	})
	d := NewBreakerDialer(failing, BreakerConfig{MaxFailures: 2, Timeout: time.Minute}, discardLogger())

	for i := 0; i < 2; i++ {
		_, err := d.Dial(context.Background(), "ws://relay")
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, d.State())

	_, err := d.Dial(context.Background(), "ws://relay")
	assert.ErrorIs(t, err, domain.ErrRelayUnavailable)
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load(), "open circuit does not reach the inner dialer")
}

func TestBreakerPassesThrough(t *testing.T) {
	a, _ := Pipe()
	d := NewBreakerDialer(DialerFunc(func(context.Context, string) (domain.Conn, error) {
		return a, nil
	}), BreakerConfig{}, discardLogger())

	conn, err := d.Dial(context.Background(), "ws://relay")
	require.NoError(t, err)
	assert.Same(t, a, conn)
	assert.Equal(t, gobreaker.StateClosed, d.State())
}
