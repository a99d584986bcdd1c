// Package clock computes countdown state from stored absolute deadlines.
//
// Remaining time is always derived as deadline minus now, never by
// decrementing a counter, so a process that was suspended (laptop lid closed,
// app backgrounded) picks up the correct remaining time on the next tick.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// System is the wall clock. Monotonic readings are stripped so that
// comparisons against persisted deadlines use wall time across suspension.
type System struct{}

// Now returns the current wall-clock time.
func (System) Now() time.Time {
	return time.Now().Round(0)
}

// Func adapts a plain function to Clock.
type Func func() time.Time

// Now calls f.
func (f Func) Now() time.Time {
	return f()
}

// Remaining returns deadline - now, floored at zero. A nil deadline has no time left.
func Remaining(deadline *time.Time, now time.Time) time.Duration {
	if deadline == nil {
		return 0
	}
	d := deadline.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Expired reports whether a set deadline has been reached.
func Expired(deadline *time.Time, now time.Time) bool {
	return deadline != nil && !now.Before(*deadline)
}

// Deadline returns a pointer to now+d. d must be positive.
func Deadline(now time.Time, d time.Duration) *time.Time {
	t := now.Add(d)
	return &t
}

// MinutesLeft rounds remaining time up to whole minutes for display.
func MinutesLeft(remaining time.Duration) int {
	if remaining <= 0 {
		return 0
	}
	m := int(remaining / time.Minute)
	if remaining%time.Minute != 0 {
		m++
	}
	return m
}

// Fake is a manually advanced clock for tests and replay tools.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a fake clock set to t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

// Now returns the fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake time forward by d.
func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}

// Set jumps the fake time to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}
