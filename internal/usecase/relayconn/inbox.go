package relayconn

import "sync"

// inbox runs queued callbacks one at a time, in push order, on its own
// goroutine. Message handlers and bus events go through it so the read loop
// is free to settle replies while a handler waits on one.
type inbox struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newInbox() *inbox {
	b := &inbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go b.run()
	return b
}

// push queues fn. It reports false once the inbox is closed.
func (b *inbox) push(fn func()) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.queue = append(b.queue, fn)
	b.mu.Unlock()
	b.signal()
	return true
}

// close stops accepting work. Queued callbacks still run; done is closed
// after the last one returns.
func (b *inbox) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.signal()
}

func (b *inbox) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *inbox) run() {
	defer close(b.done)
	for {
		b.mu.Lock()
		batch := b.queue
		b.queue = nil
		closed := b.closed
		b.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if len(batch) == 0 {
			if closed {
				return
			}
			<-b.wake
		}
	}
}
