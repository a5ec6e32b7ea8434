// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated value types for the Matrix identifiers
// that flow through the room server: event IDs, room IDs, user IDs,
// server names, and event types.
//
// Every type is an immutable struct (or named string) parsed once at the
// boundary. Code past the boundary passes typed values and never
// re-validates. All struct types implement encoding.TextMarshaler and
// encoding.TextUnmarshaler so they serialize as plain strings in JSON,
// CBOR, and YAML.
package ref
