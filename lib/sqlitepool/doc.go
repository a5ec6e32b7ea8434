// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool is the room server's SQLite connection pool.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool with the pragmas the
// event store depends on:
//
//   - journal_mode=WAL so room reads never block the single writer.
//   - synchronous=FULL so an acknowledged event survives power loss.
//     An accepted PDU is part of the room DAG and cannot be recovered
//     from anywhere else once acknowledged to the origin server.
//   - busy_timeout=5000 so concurrent room writers queue on the write
//     lock instead of failing immediately.
//
// Each storage package owns its tables and registers them with
// [Pool.Migrate] when it is constructed. Writers that must touch several
// packages' tables atomically use [Pool.Write], which hands one
// connection holding an IMMEDIATE transaction to a callback.
//
// Connections are not safe for concurrent use. Callers Take a
// connection, use it from one goroutine, and Put it back.
package sqlitepool
