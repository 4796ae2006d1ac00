package connect

import (
	"context"
	"fmt"

	"nightly-connect/internal/domain"
	"nightly-connect/internal/usecase/correlator"
)

// Future is a pending request whose reply decodes to T.
type Future[T domain.Envelope] struct {
	f *correlator.Future
}

// ID returns the request id the peer answers with.
func (f *Future[T]) ID() string { return f.f.ID() }

// Done is closed when the request settles.
func (f *Future[T]) Done() <-chan struct{} { return f.f.Done() }

// Cancel settles the request with ErrCancelled. The connection is not
// affected and a later reply is dropped.
func (f *Future[T]) Cancel() bool { return f.f.Cancel() }

// Await blocks until the reply arrives, the request fails, or ctx ends
// (which cancels the request). A rejection by the peer is a *PeerError
// wrapping ErrRequestRejected or ErrPeerFailure.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	var zero T
	env, err := f.f.Await(ctx)
	if err != nil {
		return zero, err
	}
	reply, ok := env.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s", domain.ErrUnexpectedReply, env.Type())
	}
	return reply, nil
}
