package clock

import "time"

// FakeClock is a manually advanced Clock for tests. It never ticks on
// its own and is not safe for concurrent use.
type FakeClock struct {
	now time.Time
}

// NewFakeClock returns a clock pinned to t, normalized to UTC.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t.UTC()}
}

func (c *FakeClock) Now() time.Time {
	return c.now
}

// Advance moves the clock forward by d. Tests use this to cross minute
// windows, billing periods and cache TTLs deterministically.
func (c *FakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}
