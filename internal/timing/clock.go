// Package timing provides the wrapping millisecond clock shared by the
// scheduler and the connectivity manager.
//
// Timestamps are uint32 milliseconds since process start and wrap after
// roughly 49.7 days. Every comparison goes through Elapsed, which relies on
// unsigned subtraction, so a wrapped clock still yields the right interval.
package timing

import (
	"sync"
	"time"
)

// Clock returns the current time in wrapping milliseconds.
type Clock interface {
	Millis() uint32
}

// SystemClock is a Clock backed by the monotonic wall clock.
type SystemClock struct {
	start time.Time
}

// NewSystemClock starts a clock at zero.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

// Millis returns milliseconds since the clock was created, truncated to 32 bits.
func (c *SystemClock) Millis() uint32 {
	return uint32(time.Since(c.start).Milliseconds())
}

// Uptime returns the untruncated time since the clock was created.
func (c *SystemClock) Uptime() time.Duration {
	return time.Since(c.start)
}

// Elapsed returns now-last in milliseconds, correct across one wraparound.
func Elapsed(now, last uint32) uint32 {
	return now - last
}

// Due reports whether interval milliseconds have passed since last.
func Due(now, last, interval uint32) bool {
	return Elapsed(now, last) >= interval
}

// Millis converts a duration to clock milliseconds, saturating at the
// largest representable interval.
func Millis(d time.Duration) uint32 {
	ms := d.Milliseconds()
	if ms < 0 {
		return 0
	}
	if ms > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(ms)
}

// Duration converts clock milliseconds back to a time.Duration.
func Duration(ms uint32) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// ManualClock is a Clock whose value is set explicitly.
type ManualClock struct {
	mu  sync.Mutex
	now uint32
}

// NewManualClock returns a clock reading start.
func NewManualClock(start uint32) *ManualClock {
	return &ManualClock{now: start}
}

// Millis implements Clock.
func (c *ManualClock) Millis() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to ms.
func (c *ManualClock) Set(ms uint32) {
	c.mu.Lock()
	c.now = ms
	c.mu.Unlock()
}

// Advance moves the clock forward by ms, wrapping like the real clock.
func (c *ManualClock) Advance(ms uint32) {
	c.mu.Lock()
	c.now += ms
	c.mu.Unlock()
}
