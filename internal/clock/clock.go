// Package clock implements the free-running tick source LLT-AMD64 uses as
// its logical clock. The source reads a hardware cycle counter (RDTSC) for
// this; Go has no portable equivalent, so Tick is built on the monotonic
// wall clock with a CAS bump to guarantee strict monotonicity even when two
// calls land in the same clock tick.
package clock

import (
	"sync/atomic"
	"time"

	"github.com/orecstm/gostm/internal/padding"
)

// Clock is a monotonically increasing counter. Every call to Tick returns a
// value strictly greater than any value previously returned.
type Clock struct {
	_ padding.Pad64
	v atomic.Uint64
	_ padding.Pad64
}

// Tick returns the next clock value.
func (c *Clock) Tick() uint64 {
	for {
		prev := c.v.Load()
		next := uint64(time.Now().UnixNano())
		if next <= prev {
			next = prev + 1
		}
		if c.v.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// Peek returns the current value without advancing it.
func (c *Clock) Peek() uint64 {
	return c.v.Load()
}

// Bump ensures the clock's value is at least min, without necessarily
// advancing it past a value some other caller is about to publish.
func (c *Clock) Bump(min uint64) {
	for {
		prev := c.v.Load()
		if prev >= min {
			return
		}
		if c.v.CompareAndSwap(prev, min) {
			return
		}
	}
}
