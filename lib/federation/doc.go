// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package federation fetches events the room server is missing from the
// servers that referenced them.
//
// The room server depends only on the [Fetcher] interface. [Client]
// implements it over the Matrix server-server API, fetching each event
// with GET /_matrix/federation/v1/event/{eventId} from the peer's base
// URL. Peers are configured statically; there is no server discovery or
// request signing here.
package federation
