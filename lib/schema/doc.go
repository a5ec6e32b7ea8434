// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the Matrix event types and content structures
// that the room server interprets: the handful of m.room.* state events
// that drive authorization (create, member, power levels, join rules)
// plus redactions.
//
// All other event types are opaque to the room server; their content is
// stored and served verbatim.
package schema
