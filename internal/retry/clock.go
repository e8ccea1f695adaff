package retry

import (
	"sync"
	"time"
)

// Clock abstracts waiting so polling loops can be tested without sleeping
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RealClock uses the time package
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// InstantClock never blocks. It advances its own notion of time by every
// requested wait and records the waits.
type InstantClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

// NewInstantClock starts at the given time
func NewInstantClock(start time.Time) *InstantClock {
	return &InstantClock{now: start}
}

func (c *InstantClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *InstantClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.waits = append(c.waits, d)
	now := c.now
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// Waits returns every wait requested so far
func (c *InstantClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.waits))
	copy(out, c.waits)
	return out
}

// Total returns the sum of all waits
func (c *InstantClock) Total() time.Duration {
	var total time.Duration
	for _, w := range c.Waits() {
		total += w
	}
	return total
}
