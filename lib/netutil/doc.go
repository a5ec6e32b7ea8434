// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds small I/O helpers shared by the federation
// client and the socket server.
//
// [ReadResponse] bounds HTTP response body reads at [MaxResponseSize]
// so a misbehaving peer cannot exhaust memory. [ErrorSnippet] trims a
// body for inclusion in an error message. [IsExpectedCloseError]
// classifies errors caused by the other side hanging up.
package netutil
