// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// ServerName is a validated Matrix server name such as "example.org" or
// "matrix.example.org:8448".
//
// Server names key the federation peer table and identify the origin of
// each PDU (the server part of its sender).
type ServerName struct {
	name string
}

// ParseServerName validates and wraps a raw server name string.
func ParseServerName(raw string) (ServerName, error) {
	if err := validateServer(raw); err != nil {
		return ServerName{}, err
	}
	return ServerName{name: raw}, nil
}

// MustParseServerName is like ParseServerName but panics on error.
func MustParseServerName(raw string) ServerName {
	s, err := ParseServerName(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseServerName(%q): %v", raw, err))
	}
	return s
}

func (s ServerName) String() string { return s.name }

func (s ServerName) IsZero() bool { return s.name == "" }

func (s ServerName) MarshalText() ([]byte, error) { return []byte(s.name), nil }

func (s *ServerName) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*s = ServerName{}
		return nil
	}
	parsed, err := ParseServerName(string(data))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
