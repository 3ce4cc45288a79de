package testutil

import (
	"sync"

	"github.com/roach88/wateringctl/internal/clock"
)

// ManualClock is a clock.Source that only moves when told to.
//
// Ticks advance in step with the timestamp, 1000 per second, so bus timing
// and schedule timing stay in proportion during virtual runs.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu    sync.Mutex
	now   clock.Timestamp
	ticks clock.Ticks
}

// NewManualClock creates a clock reading start with Ticks at zero.
func NewManualClock(start clock.Timestamp) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current timestamp.
func (c *ManualClock) Now() clock.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Ticks returns the current millisecond counter.
func (c *ManualClock) Ticks() clock.Ticks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticks
}

// Advance moves the clock forward by seconds. Negative values move the
// timestamp back without touching Ticks, like a wall-clock correction.
func (c *ManualClock) Advance(seconds int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(seconds)
	if seconds > 0 {
		c.ticks = c.ticks.Add(seconds * 1000)
	}
}

// Set jumps the timestamp to t. Ticks are unchanged.
func (c *ManualClock) Set(t clock.Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
