package testutil

import "sync"

// SequenceClock hands out the sequence ids of one originator's log.
//
// Ids start at 1 and increase by one, so a log built from a SequenceClock
// is gap-free unless Skip is called. Skip leaves a hole, which is how tests
// produce envelopes that must wait on a missing predecessor.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type SequenceClock struct {
	mu  sync.Mutex
	seq uint64
}

// NewSequenceClock creates a clock whose first Next returns start+1.
func NewSequenceClock(start uint64) *SequenceClock {
	return &SequenceClock{seq: start}
}

// Next increments and returns the next sequence id.
func (c *SequenceClock) Next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Current returns the last sequence id handed out, 0 if none.
func (c *SequenceClock) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Skip burns n sequence ids without handing them out.
func (c *SequenceClock) Skip(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq += n
}

// Reset rewinds the clock so the next call to Next returns 1.
func (c *SequenceClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = 0
}
