package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"nightly-connect/internal/domain"
)

type subscription struct {
	id        uint64
	eventType domain.EventType // empty matches every event
	handler   domain.EventHandler
}

// HandlerError reports a failed or panicking handler.
type HandlerError struct {
	EventType      domain.EventType
	SubscriptionID uint64
	Err            error
	Panic          any
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("event %s: handler %d panicked: %v", e.EventType, e.SubscriptionID, e.Panic)
	}
	return fmt.Sprintf("event %s: handler %d: %v", e.EventType, e.SubscriptionID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Bus is an in-process, goroutine-safe event bus. Delivery is synchronous:
// Publish calls every matching handler in subscription order and returns
// after the last one.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID atomic.Uint64
	logger *slog.Logger
	closed atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Publish fans out an event to matching subscribers. A handler that returns
// an error or panics is isolated: the failure is logged and joined into the
// returned error, and delivery continues with the next handler.
func (b *Bus) Publish(ctx context.Context, event domain.Event) error {
	if b.closed.Load() {
		return nil
	}

	b.mu.RLock()
	matched := make([]subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.eventType == "" || sub.eventType == event.Type {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	var errs []error
	for _, sub := range matched {
		if err := b.dispatch(ctx, event, sub); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event, sub subscription) (herr *HandlerError) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(event.Type),
				"subscription", sub.id,
				"panic", r,
			)
			herr = &HandlerError{EventType: event.Type, SubscriptionID: sub.id, Panic: r}
		}
	}()
	if err := sub.handler(ctx, event); err != nil {
		b.logger.Warn("event handler failed",
			"event", string(event.Type),
			"subscription", sub.id,
			"error", err,
		)
		return &HandlerError{EventType: event.Type, SubscriptionID: sub.id, Err: err}
	}
	return nil
}

// Subscribe registers a handler for a specific event type.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) domain.Subscription {
	return b.add(eventType, handler)
}

// SubscribeAll registers a handler that receives every event.
func (b *Bus) SubscribeAll(handler domain.EventHandler) domain.Subscription {
	return b.add("", handler)
}

func (b *Bus) add(eventType domain.EventType, handler domain.EventHandler) domain.Subscription {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.subs = append(b.subs, subscription{id: id, eventType: eventType, handler: handler})
	b.mu.Unlock()

	return domain.Subscription{ID: id, Type: eventType}
}

// Unsubscribe removes the handler. Safe to call from inside a handler; the
// publish in progress still completes with its snapshot.
func (b *Bus) Unsubscribe(sub domain.Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == sub.ID {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered handlers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close prevents new publishes. Close is idempotent.
func (b *Bus) Close() {
	b.closed.Store(true)
}

var _ domain.EventBus = (*Bus)(nil)
