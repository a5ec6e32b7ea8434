// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package stateres merges the conflicting states of a room's forward
// extremities into one resolved state, following Matrix state
// resolution v2.
//
// Resolution partitions state keys into unconflicted keys (one event in
// every input) and conflicted keys. The full conflicted set is the
// conflicted events plus the auth difference: events in the auth chain
// of some input but not of all. Power events (create, power levels, join
// rules, kicks and bans) and their auth ancestors within the set are
// replayed first, then everything else. Each group is ordered over its
// auth edges, ancestors first; among events ready at the same time,
// higher sender power goes first, then earlier origin_server_ts, then
// smaller event ID. Each event is checked with [authrules.Check]
// against a working state that grows as events pass. Events that fail
// are dropped. Unconflicted keys are merged back last and always win.
//
// Every step is a pure function of the input maps and the events they
// reference. No map iteration order, insertion order, or clock reading
// reaches the result, so every server that sees the same events
// resolves to the same state.
package stateres
