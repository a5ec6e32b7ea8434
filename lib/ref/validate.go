// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"errors"
	"fmt"
	"strings"
)

// splitSigilID splits "<sigil>local:server" into its local and server
// parts. The sigil is not checked here.
func splitSigilID(raw string) (local, server string, err error) {
	colon := strings.IndexByte(raw, ':')
	if colon < 0 {
		return "", "", errors.New("missing ':server' suffix")
	}
	local = raw[1:colon]
	server = raw[colon+1:]
	if local == "" {
		return "", "", errors.New("empty local part")
	}
	if err := validateServer(server); err != nil {
		return "", "", err
	}
	return local, server, nil
}

// validateServer accepts a hostname, IPv4 literal, or bracketed IPv6
// literal, each with an optional ":port".
func validateServer(server string) error {
	if server == "" {
		return errors.New("empty server name")
	}
	if err := checkPrintable(server); err != nil {
		return fmt.Errorf("server name %q: %w", server, err)
	}
	for _, c := range []byte(server) {
		switch c {
		case '@', '!', '$', '#', '/', ' ':
			return fmt.Errorf("server name %q contains invalid character %q", server, c)
		}
	}
	return nil
}

// checkPrintable rejects ASCII control characters.
func checkPrintable(s string) error {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] == 0x7f {
			return fmt.Errorf("control character 0x%02x at position %d", s[i], i)
		}
	}
	return nil
}
