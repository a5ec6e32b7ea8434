// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the room server's CBOR encoding. It serves two
// consumers with one configuration: state group blobs persisted in
// SQLite, whose bytes feed content hashes and therefore must be
// deterministic, and the request/response frames of the admin socket.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 section 4.2):
// sorted map keys, smallest integer encodings, no indefinite lengths.
// Types implementing encoding.TextMarshaler (the ref identifiers)
// encode as CBOR text strings.
package codec
