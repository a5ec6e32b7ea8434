// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the time source used by the room server.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the time once d has
	// elapsed. A non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f in its own goroutine (real clock) or on the
	// advancing goroutine (fake clock) once d has elapsed.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a handle to a pending AfterFunc callback.
type Timer struct {
	stop func() bool
}

// Stop cancels the callback. It returns false if the callback already
// ran or was already stopped.
func (t *Timer) Stop() bool { return t.stop() }
