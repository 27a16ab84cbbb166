package store

import "sync/atomic"

// Clock is the store's monotonic logical clock. Every committed mutation
// takes the next value; observers use it to order deliveries.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClockAt creates a clock resuming from start.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next version and advances the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued version.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
