// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the socket plumbing shared by the room
// server and its CLI.
//
//   - [SocketServer]: a CBOR request-response server on a Unix socket.
//     One request per connection, routed by its "action" field, with
//     read and write timeouts and graceful shutdown.
//   - [ServiceClient]: the matching client. Failures reported by the
//     server come back as [*ServiceError].
//   - [NewLogger]: the process-wide slog logger, JSON or text.
//
// Binaries compose these in their own main() rather than through a
// framework. The socket has no caller authentication: file permissions
// on the socket path decide who can reach it.
package service
