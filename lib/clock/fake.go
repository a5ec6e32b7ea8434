// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// FakeClock is a manually advanced Clock. Time only moves when Advance
// is called.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
	changed *sync.Cond
}

type fakeTimer struct {
	deadline time.Time
	channel  chan time.Time
	callback func()
	done     bool
}

// Fake returns a FakeClock starting at initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{now: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.addLocked(&fakeTimer{deadline: c.now.Add(d), channel: channel})
	return channel
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{deadline: c.now.Add(d), callback: f}
	c.addLocked(timer)
	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if timer.done {
			return false
		}
		timer.done = true
		c.pending = slices.DeleteFunc(c.pending, func(t *fakeTimer) bool { return t == timer })
		return true
	}}
}

func (c *FakeClock) addLocked(timer *fakeTimer) {
	c.pending = append(c.pending, timer)
	c.changed.Broadcast()
}

// Advance moves the clock forward by d and fires every timer whose
// deadline is at or before the new time, earliest first. Callbacks run
// on the calling goroutine without the clock lock held, so they may
// schedule further timers; those fire too if already due.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()

	for {
		timer, now := c.popExpired()
		if timer == nil {
			return
		}
		if timer.callback != nil {
			timer.callback()
			continue
		}
		timer.channel <- now
	}
}

func (c *FakeClock) popExpired() (*fakeTimer, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	best := -1
	for i, timer := range c.pending {
		if timer.deadline.After(c.now) {
			continue
		}
		if best < 0 || timer.deadline.Before(c.pending[best].deadline) {
			best = i
		}
	}
	if best < 0 {
		return nil, c.now
	}
	timer := c.pending[best]
	timer.done = true
	c.pending = slices.Delete(c.pending, best, best+1)
	return timer, c.now
}

// WaitForTimers blocks until at least n timers are pending. Tests use
// it to synchronize with a goroutine that is about to wait on the clock.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of timers not yet fired or stopped.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
