// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for the room server so that idle
// timeouts and backfill retry schedules can be driven deterministically
// in tests.
//
// Production code takes a Clock and uses Real(). Tests use Fake() and
// call Advance to move time forward, which fires every timer whose
// deadline has passed in deadline order.
package clock
