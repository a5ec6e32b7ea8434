// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

// EventType identifies a Matrix event type such as "m.room.member".
// Event types are opaque, so this is a named string rather than a
// validated struct. The distinct type keeps event types and state keys
// from being swapped at call sites. Constants live in lib/schema.
type EventType string

func (t EventType) String() string { return string(t) }
