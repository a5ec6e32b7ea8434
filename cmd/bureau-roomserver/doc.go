// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Bureau-roomserver runs the room server: it opens the event database,
// connects the configured federation peers for backfill, and serves the
// roomapi socket protocol until interrupted.
//
// Configuration comes from the file named by --config or
// BUREAU_ROOMSERVER_CONFIG (see lib/config). Integrated events are
// logged at debug level as they arrive.
package main
