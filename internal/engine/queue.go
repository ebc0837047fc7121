package engine

import (
	"sync"

	"github.com/roach88/mlscore/internal/api"
)

// envelopeQueue is a thread-safe FIFO queue of envelopes.
//
// The queue is unbounded so that the subscription pump and retry worker
// never block on a slow Run loop.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop (prevents goroutine hangs on context cancellation).
type envelopeQueue struct {
	mu        sync.Mutex
	envelopes []api.Envelope
	closed    bool
	signal    chan struct{} // Signals envelope availability (buffered, size 1)
}

func newEnvelopeQueue() *envelopeQueue {
	return &envelopeQueue{
		envelopes: make([]api.Envelope, 0, 64),
		signal:    make(chan struct{}, 1),
	}
}

// Enqueue adds an envelope to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *envelopeQueue) Enqueue(e api.Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.envelopes = append(q.envelopes, e)

	// Signal availability (non-blocking - buffer of 1 coalesces multiple signals)
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (api.Envelope{}, false) if queue is empty.
func (q *envelopeQueue) TryDequeue() (api.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.envelopes) == 0 {
		return api.Envelope{}, false
	}

	e := q.envelopes[0]

	// Nil out the slot so the payload can be collected.
	q.envelopes[0] = api.Envelope{}

	if len(q.envelopes) == 1 {
		q.envelopes = q.envelopes[:0]
	} else {
		q.envelopes = q.envelopes[1:]
	}

	return e, true
}

// Wait returns a channel that signals when envelopes may be available.
// The channel is closed when the queue is closed.
func (q *envelopeQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *envelopeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.envelopes)
}

// Close signals that no more envelopes will be enqueued.
// Wakes any blocked waiters by closing the signal channel.
func (q *envelopeQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
