// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package roomapi defines the socket protocol between bureau-roomserver
// and its clients: action names, request and response types, and the
// conversion from room server results to wire form.
//
// Requests and responses are CBOR (see lib/service). Event bodies are
// carried as the original wire JSON in byte strings, so a client sees
// exactly the bytes the server stored.
package roomapi
