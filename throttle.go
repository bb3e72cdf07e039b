package scan

import (
	"math"
	"sync"
	"time"
)

// Never marks a throttle that has not fired yet.
const Never = time.Duration(math.MinInt64)

// Throttle decides whether an effect may fire at now given the last time it
// fired and the minimum interval between fires. It returns the updated last
// fire time, which equals last when fire is false.
//
// All arguments are monotonic offsets; wall-clock time must not be used.
func Throttle(now, last, interval time.Duration) (fire bool, newLast time.Duration) {
	if last == Never || interval <= 0 {
		return true, now
	}
	if now < last {
		return false, last
	}
	if now-last >= interval {
		return true, now
	}
	return false, last
}

// ThrottleState holds the last fire times of the two pipeline effects.
type ThrottleState struct {
	LastPreview time.Duration
	LastDecode  time.Duration
}

// NewThrottleState returns a state where both effects are due immediately.
func NewThrottleState() ThrottleState {
	return ThrottleState{LastPreview: Never, LastDecode: Never}
}

// Clock is a monotonic time source.
type Clock interface {
	// Now returns the time elapsed since an arbitrary fixed origin.
	Now() time.Duration
}

// MonotonicClock measures time from its creation using Go's monotonic clock
// reading, so it is unaffected by wall-clock adjustments.
type MonotonicClock struct {
	epoch time.Time
}

// NewMonotonicClock creates a clock whose origin is now.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{epoch: time.Now()}
}

// Now implements Clock.
func (c *MonotonicClock) Now() time.Duration {
	return time.Since(c.epoch)
}

// ManualClock is a Clock that only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Duration
}

// Now implements Clock.
func (c *ManualClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}
