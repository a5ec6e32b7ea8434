// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package authrules decides whether a Matrix event is authorized by a
// given room state.
//
// Evaluation is a pure function of the candidate event and an
// [AuthState]: no I/O, no clock, no randomness. The same inputs always
// produce the same [Decision], which state resolution depends on when
// it replays conflicted events in a fixed order on every server.
//
// The rules cover room creation, the sender membership requirement,
// membership transitions under each join rule, kick and ban thresholds,
// per-type event levels, and the legality of power level changes.
// Third-party invites are not supported and are rejected.
package authrules
