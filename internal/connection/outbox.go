package connection

import (
	"sync"
	"sync/atomic"
)

// Frame is one serialized server→client message waiting to be written.
// Data may be shared between many outboxes and must not be modified.
type Frame struct {
	Type string
	Data []byte
}

// Outbox is the bounded outbound queue of a connection. Many producers may
// call TrySend; exactly one session consumes C.
type Outbox struct {
	ch        chan Frame
	done      chan struct{}
	closeOnce sync.Once
	sent      atomic.Uint64
	dropped   atomic.Uint64
}

// NewOutbox creates an outbox holding at most size frames
func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = 1
	}
	return &Outbox{
		ch:   make(chan Frame, size),
		done: make(chan struct{}),
	}
}

// TrySend enqueues f without blocking. It returns false when the queue is
// full or the outbox has been closed.
func (o *Outbox) TrySend(f Frame) bool {
	select {
	case <-o.done:
		o.dropped.Add(1)
		return false
	default:
	}

	select {
	case o.ch <- f:
		o.sent.Add(1)
		return true
	default:
		o.dropped.Add(1)
		return false
	}
}

// C is the consumer side of the queue. It is never closed.
func (o *Outbox) C() <-chan Frame {
	return o.ch
}

// Close stops accepting frames. Frames already queued are left to the garbage
// collector together with the outbox.
func (o *Outbox) Close() {
	o.closeOnce.Do(func() {
		close(o.done)
	})
}

// Closed reports whether Close has been called
func (o *Outbox) Closed() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// Len returns the number of queued frames
func (o *Outbox) Len() int {
	return len(o.ch)
}

// Cap returns the queue capacity
func (o *Outbox) Cap() int {
	return cap(o.ch)
}

// Counters returns how many frames were accepted and dropped so far
func (o *Outbox) Counters() (sent, dropped uint64) {
	return o.sent.Load(), o.dropped.Load()
}
