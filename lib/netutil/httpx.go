// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"io"
	"unicode/utf8"
)

// MaxResponseSize bounds response body reads: 16 MiB. A federation
// event response carries a single PDU of at most 64 KiB.
const MaxResponseSize int64 = 16 << 20

// maxSnippet bounds the body text quoted in error messages.
const maxSnippet = 512

// ReadResponse reads a response body up to MaxResponseSize bytes. Use
// instead of io.ReadAll when reading HTTP response bodies.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// ErrorSnippet returns body as a string for an error message, cut at a
// rune boundary after 512 bytes.
func ErrorSnippet(body []byte) string {
	if len(body) <= maxSnippet {
		return string(body)
	}
	cut := maxSnippet
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return string(body[:cut]) + "..."
}
