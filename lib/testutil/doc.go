// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [SocketDir] creates a short temporary directory in /tmp for Unix
// domain sockets, whose paths are limited to 108 bytes (sun_path in
// sockaddr_un). t.TempDir() paths can exceed that for long test names.
//
// [RequireReceive], [RequireSend], and [RequireClosed] wrap the
// select-with-timeout pattern so individual tests do not call
// time.After directly. Code under test runs on a fake clock
// (lib/clock); these helpers are the only wall-clock timeouts in the
// test suite.
//
// All helpers call t.Fatalf on failure.
package testutil
