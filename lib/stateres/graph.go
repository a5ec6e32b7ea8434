// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stateres

import (
	"context"
	"errors"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/shortid"
)

// ErrMissingEvent is wrapped by Graph implementations for an event that
// is not available. Resolution skips missing auth events; a missing
// conflicted event is an error.
var ErrMissingEvent = errors.New("stateres: event not available")

// Graph is the event lookup resolution runs against. Events are
// addressed by short ID; edges are followed by event ID through
// EventByID, never by pointer.
type Graph interface {
	// EventByShortID returns the event with short ID nid.
	EventByShortID(ctx context.Context, nid shortid.ID) (*pdu.Event, error)

	// EventByID returns the event with the given ID and its short ID.
	EventByID(ctx context.Context, id ref.EventID) (*pdu.Event, shortid.ID, error)

	// StateKeyID returns the short ID of a state slot without
	// assigning one. The second return is false if the slot was never
	// interned.
	StateKeyID(ctx context.Context, eventType ref.EventType, stateKey string) (shortid.ID, bool, error)
}
