// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// RoomID is a validated Matrix room ID such as "!abc123:example.org".
//
// The room server never mints room IDs. They arrive inside PDUs and are
// parsed into this type when the event is decoded.
type RoomID struct {
	id string
}

// ParseRoomID validates and wraps a raw room ID string. The string must
// start with '!' and carry a non-empty local part and server name.
func ParseRoomID(raw string) (RoomID, error) {
	if raw == "" {
		return RoomID{}, fmt.Errorf("empty room ID")
	}
	if raw[0] != '!' {
		return RoomID{}, fmt.Errorf("room ID must start with '!': %q", raw)
	}
	if _, _, err := splitSigilID(raw); err != nil {
		return RoomID{}, fmt.Errorf("room ID %q: %w", raw, err)
	}
	return RoomID{id: raw}, nil
}

// MustParseRoomID is like ParseRoomID but panics on error.
func MustParseRoomID(raw string) RoomID {
	r, err := ParseRoomID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseRoomID(%q): %v", raw, err))
	}
	return r
}

func (r RoomID) String() string { return r.id }

func (r RoomID) IsZero() bool { return r.id == "" }

// Server returns the server part of the room ID. Panics on the zero value.
func (r RoomID) Server() ServerName {
	if r.id == "" {
		panic("RoomID.Server called on zero value")
	}
	_, server, _ := splitSigilID(r.id)
	return ServerName{name: server}
}

func (r RoomID) MarshalText() ([]byte, error) { return []byte(r.id), nil }

func (r *RoomID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*r = RoomID{}
		return nil
	}
	parsed, err := ParseRoomID(string(data))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
