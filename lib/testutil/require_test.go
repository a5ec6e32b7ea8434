// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"testing"
	"time"
)

// recorder captures Fatalf instead of stopping the test. Fatalf panics
// so the helper does not continue past the failure.
type recorder struct{ message string }

func (r *recorder) Helper() {}

func (r *recorder) Fatalf(format string, args ...any) {
	r.message = fmt.Sprintf(format, args...)
	panic(r)
}

func capture(run func(t TB)) (message string) {
	r := &recorder{}
	defer func() {
		if recovered := recover(); recovered != nil && recovered != r {
			panic(recovered)
		}
		message = r.message
	}()
	run(r)
	return ""
}

func TestRequireReceive(t *testing.T) {
	ch := make(chan int, 1)
	ch <- 7
	if got := RequireReceive(t, ch, time.Second, "buffered value"); got != 7 {
		t.Errorf("RequireReceive = %d, want 7", got)
	}

	closed := make(chan int)
	close(closed)
	message := capture(func(t TB) { RequireReceive(t, closed, time.Second, "waiting for", "$b") })
	if message != "channel closed without sending a value: waiting for $b" {
		t.Errorf("message = %q", message)
	}

	message = capture(func(t TB) { RequireReceive(t, make(chan int), time.Millisecond, "event %d", 3) })
	if message != "timed out after 1ms: event 3" {
		t.Errorf("message = %q", message)
	}
}

func TestRequireSendAndClosed(t *testing.T) {
	ch := make(chan string, 1)
	RequireSend(t, ch, "hello", time.Second)
	if got := <-ch; got != "hello" {
		t.Errorf("sent %q", got)
	}

	done := make(chan struct{})
	close(done)
	RequireClosed(t, done, time.Second, "done")

	message := capture(func(t TB) { RequireClosed(t, make(chan struct{}), time.Millisecond) })
	if message != "timed out after 1ms waiting for channel close: (no message)" {
		t.Errorf("message = %q", message)
	}
}
