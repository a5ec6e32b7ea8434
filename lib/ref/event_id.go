// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// EventID is a validated Matrix event ID such as "$abc123xyz".
//
// Event IDs are opaque. Room versions 4 and later use "$base64hash"
// without a server suffix; older versions append ":server". The only
// structural requirement is the '$' sigil followed by at least one
// character. Two event IDs compare equal exactly when their strings do,
// and the byte-wise string order is the tie-break order used throughout
// the room server.
type EventID struct {
	id string
}

// ParseEventID validates and wraps a raw event ID string.
func ParseEventID(raw string) (EventID, error) {
	switch {
	case raw == "":
		return EventID{}, fmt.Errorf("empty event ID")
	case raw[0] != '$':
		return EventID{}, fmt.Errorf("event ID must start with '$': %q", raw)
	case len(raw) < 2:
		return EventID{}, fmt.Errorf("event ID has no content after '$': %q", raw)
	}
	if err := checkPrintable(raw); err != nil {
		return EventID{}, fmt.Errorf("event ID %q: %w", raw, err)
	}
	return EventID{id: raw}, nil
}

// MustParseEventID is like ParseEventID but panics on error.
func MustParseEventID(raw string) EventID {
	id, err := ParseEventID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseEventID(%q): %v", raw, err))
	}
	return id
}

func (e EventID) String() string { return e.id }

// IsZero reports whether the EventID is unset.
func (e EventID) IsZero() bool { return e.id == "" }

// Less orders event IDs by their byte-wise string value.
func (e EventID) Less(other EventID) bool { return e.id < other.id }

// Compare returns -1, 0, or +1 by byte-wise string order.
func (e EventID) Compare(other EventID) int {
	switch {
	case e.id < other.id:
		return -1
	case e.id > other.id:
		return 1
	}
	return 0
}

func (e EventID) MarshalText() ([]byte, error) { return []byte(e.id), nil }

// UnmarshalText validates the event ID. Empty input yields the zero value.
func (e *EventID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*e = EventID{}
		return nil
	}
	parsed, err := ParseEventID(string(data))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}
