// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Bureau-roomctl is the operator CLI for a running bureau-roomserver.
// It talks to the room server's unix socket, found from --socket or
// the paths.socket setting of the config file.
//
//	bureau-roomctl submit events.jsonc
//	bureau-roomctl timeline '!room:example.org' --since TOKEN
//	bureau-roomctl state '!room:example.org'
//
// Event files are JSONC: comments and trailing commas are allowed. A
// file holds one event object or an array of them.
package main
