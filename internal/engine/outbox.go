package engine

import (
	"sync"

	"github.com/roach88/retract/internal/ir"
)

// outbox is a thread-safe FIFO queue of envelopes waiting to be handed to
// the Sender.
//
// The queue is unbounded so that resolution never blocks on transport
// latency: Submit enqueues while holding a victim stripe, and only the
// dispatcher (Run or DrainOutbox) ever calls the Sender.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type outbox struct {
	mu        sync.Mutex
	envelopes []ir.Envelope
	closed    bool
	signal    chan struct{} // Signals envelope availability (buffered, size 1)
}

// newOutbox creates an empty outbox.
func newOutbox() *outbox {
	return &outbox{
		envelopes: make([]ir.Envelope, 0, 64),
		signal:    make(chan struct{}, 1),
	}
}

// Enqueue adds an envelope to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the outbox is closed.
func (q *outbox) Enqueue(env ir.Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.envelopes = append(q.envelopes, env)

	// Non-blocking: buffer of 1 coalesces multiple signals
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (ir.Envelope{}, false) if the outbox is empty.
func (q *outbox) TryDequeue() (ir.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.envelopes) == 0 {
		return ir.Envelope{}, false
	}

	env := q.envelopes[0]

	// Nil out the slot so the record pointer can be collected.
	q.envelopes[0] = ir.Envelope{}

	if len(q.envelopes) == 1 {
		q.envelopes = q.envelopes[:0]
	} else {
		q.envelopes = q.envelopes[1:]
	}

	return env, true
}

// Wait returns a channel that signals when envelopes may be available.
// The channel is closed by Close.
func (q *outbox) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *outbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.envelopes)
}

// Closed reports whether Close has been called.
func (q *outbox) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close signals that no more envelopes will be enqueued.
// Wakes any blocked waiters by closing the signal channel.
func (q *outbox) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
