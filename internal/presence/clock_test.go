package presence

import (
	"sort"
	"sync"
	"time"
)

// fakeClock drives Now and AfterFunc manually so expiry tests are
// deterministic.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	deadline time.Time
	fn       func()
	stopped  bool
	fired    bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return !t.fired
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{deadline: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, timer)
	return timer
}

// Advance moves the clock forward and fires every due timer in deadline
// order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	due := make([]*fakeTimer, 0)
	for _, timer := range c.timers {
		if !timer.stopped && !timer.fired && !timer.deadline.After(c.now) {
			timer.fired = true
			due = append(due, timer)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	c.mu.Unlock()

	for _, timer := range due {
		timer.fn()
	}
}
