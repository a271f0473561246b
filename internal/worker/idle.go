package worker

import "time"

// idleClock tracks time since the last non-empty poll. Time spent paused is
// not counted, and resuming does not reset the clock.
type idleClock struct {
	now      func() time.Time
	last     time.Time
	pausedAt time.Time
	paused   bool
}

func newIdleClock(now func() time.Time) *idleClock {
	return &idleClock{now: now, last: now()}
}

func (c *idleClock) Touch() {
	c.last = c.now()
	c.paused = false
}

func (c *idleClock) Pause() {
	if c.paused {
		return
	}
	c.paused = true
	c.pausedAt = c.now()
}

func (c *idleClock) Resume() {
	if !c.paused {
		return
	}
	c.last = c.last.Add(c.now().Sub(c.pausedAt))
	c.paused = false
}

func (c *idleClock) Idle() time.Duration {
	if c.paused {
		return c.pausedAt.Sub(c.last)
	}
	return c.now().Sub(c.last)
}

// Expired reports whether idle time is strictly greater than window.
func (c *idleClock) Expired(window time.Duration) bool {
	return window > 0 && c.Idle() > window
}
