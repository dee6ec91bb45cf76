package artifacts

import (
	"sync"
	"time"
)

// Clock issues strictly increasing logical timestamps for store writes.
// Stamps follow wall time in nanoseconds but never repeat or go backwards.
type Clock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewClock returns a clock whose first stamp is greater than seed.
func NewClock(seed int64) *Clock {
	return &Clock{last: seed, now: time.Now}
}

// Tick returns the next stamp.
func (c *Clock) Tick() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.now().UnixNano()
	if next <= c.last {
		next = c.last + 1
	}
	c.last = next
	return next
}

// Observe advances the clock past a stamp seen elsewhere.
func (c *Clock) Observe(stamp int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stamp > c.last {
		c.last = stamp
	}
}

// Last returns the most recent stamp issued or observed.
func (c *Clock) Last() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
