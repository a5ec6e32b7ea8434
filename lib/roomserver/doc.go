// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package roomserver accepts Matrix events into per-room event graphs
// and keeps each room's state, forward extremities, and timeline.
//
// Every room has one worker goroutine, started on demand and retired
// after RoomIdleTimeout without work. All mutations of a room run on
// its worker, one submission at a time, so that state resolution always
// sees the state the previous submission left behind. Submissions wait
// in a bounded queue ahead of the worker; a full queue fails fast with
// ErrRoomBusy. Rooms never share a lock.
//
// A submitted event follows one of three paths:
//
//   - Already stored: reported as a duplicate, nothing changes.
//   - Some prev or auth event is not yet placed in the graph: the event
//     is stored as an outlier with one edge per missing ancestor, and
//     the missing ancestors are fetched from the event's origin through
//     the configured [federation.Fetcher].
//   - Otherwise it is integrated: the state before it is resolved from
//     the states after its prev events, it is checked against its auth
//     events, that state, and the room's current state, and then the
//     event row, its state group, the extremity set, the timeline, and
//     the room's current state group are written in one transaction.
//
// Placing an event re-examines the outliers waiting on it. Each one
// whose ancestors are now all placed is integrated in turn, lowest
// (depth, event_id) first, and the cascade continues through the
// outliers waiting on those.
package roomserver
