// Package clock provides the monotonic tick source every phase timeout is
// measured against. Wall-clock time is never used for timeouts.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock returns the time elapsed since an arbitrary fixed origin.
type Clock interface {
	Now() time.Duration
}

// Monotonic reads Go's monotonic clock.
type Monotonic struct {
	start time.Time
}

// NewMonotonic returns a Monotonic clock whose origin is now.
func NewMonotonic() *Monotonic {
	return &Monotonic{start: time.Now()}
}

// Now returns the time since the clock was created.
func (m *Monotonic) Now() time.Duration {
	return time.Since(m.start)
}

// Manual only moves when told to. It is used to simulate ticks in tests.
type Manual struct {
	now atomic.Int64
}

// Now returns the current simulated time.
func (m *Manual) Now() time.Duration {
	return time.Duration(m.now.Load())
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.now.Add(int64(d))
}

// Since returns how much time has passed since start.
func Since(c Clock, start time.Duration) time.Duration {
	return c.Now() - start
}
