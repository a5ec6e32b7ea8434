// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// UserID is a validated Matrix user ID such as "@alice:example.org".
//
// Only the structural format is checked: the '@' sigil, a non-empty
// localpart, and a server name. Historical user IDs with characters
// outside the modern localpart grammar are accepted because they still
// appear in federated rooms.
type UserID struct {
	id string
}

// ParseUserID validates and wraps a raw user ID string.
func ParseUserID(raw string) (UserID, error) {
	if raw == "" {
		return UserID{}, fmt.Errorf("empty user ID")
	}
	if raw[0] != '@' {
		return UserID{}, fmt.Errorf("user ID must start with '@': %q", raw)
	}
	if _, _, err := splitSigilID(raw); err != nil {
		return UserID{}, fmt.Errorf("user ID %q: %w", raw, err)
	}
	return UserID{id: raw}, nil
}

// MustParseUserID is like ParseUserID but panics on error.
func MustParseUserID(raw string) UserID {
	u, err := ParseUserID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseUserID(%q): %v", raw, err))
	}
	return u
}

func (u UserID) String() string { return u.id }

func (u UserID) IsZero() bool { return u.id == "" }

// Localpart returns the part between '@' and ':'. Panics on the zero value.
func (u UserID) Localpart() string {
	if u.id == "" {
		panic("UserID.Localpart called on zero value")
	}
	local, _, _ := splitSigilID(u.id)
	return local
}

// Server returns the homeserver that owns the user. Panics on the zero
// value.
func (u UserID) Server() ServerName {
	if u.id == "" {
		panic("UserID.Server called on zero value")
	}
	_, server, _ := splitSigilID(u.id)
	return ServerName{name: server}
}

func (u UserID) MarshalText() ([]byte, error) { return []byte(u.id), nil }

func (u *UserID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*u = UserID{}
		return nil
	}
	parsed, err := ParseUserID(string(data))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
