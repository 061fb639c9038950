package engine

import "sync/atomic"

// Clock is the replica's logical global time.
//
// Locally created records are stamped with Next(). Every stored record
// advances the clock to its global time via Observe, so local records always
// follow everything this replica has kept.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	t atomic.Uint64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock resuming from start, typically the highest
// global time in the store.
func NewClockAt(start uint64) *Clock {
	c := &Clock{}
	c.t.Store(start)
	return c
}

// Next returns the next global time and advances the clock.
// Calls are linearizable - each call returns a unique, increasing value.
func (c *Clock) Next() uint64 {
	return c.t.Add(1)
}

// Current returns the current global time without advancing.
func (c *Clock) Current() uint64 {
	return c.t.Load()
}

// Observe advances the clock to gt if gt is ahead of it.
func (c *Clock) Observe(gt uint64) {
	for {
		cur := c.t.Load()
		if gt <= cur || c.t.CompareAndSwap(cur, gt) {
			return
		}
	}
}
