// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/roomserver/lib/eventstore"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/shortid"
	"github.com/bureau-foundation/roomserver/lib/statemap"
	"github.com/bureau-foundation/roomserver/lib/stateres"
)

// graph is the stateres.Graph of the room server: stored events, plus
// the one event being integrated, which is not yet committed when the
// room's new current state is resolved.
type graph struct {
	events   *eventstore.Store
	interner *shortid.Interner

	pending    *pdu.Event
	pendingNID shortid.ID
}

func (s *Server) graph() *graph {
	return &graph{events: s.events, interner: s.interner}
}

// withPending returns a copy of g that also serves event.
func (g *graph) withPending(event *pdu.Event, nid shortid.ID) *graph {
	return &graph{events: g.events, interner: g.interner, pending: event, pendingNID: nid}
}

func missing(err error) error {
	if errors.Is(err, eventstore.ErrNotFound) {
		return fmt.Errorf("%w: %w", stateres.ErrMissingEvent, err)
	}
	return err
}

func (g *graph) EventByShortID(ctx context.Context, nid shortid.ID) (*pdu.Event, error) {
	if g.pending != nil && nid == g.pendingNID {
		return g.pending, nil
	}
	event, err := g.events.Event(ctx, nid)
	return event, missing(err)
}

func (g *graph) EventByID(ctx context.Context, id ref.EventID) (*pdu.Event, shortid.ID, error) {
	if g.pending != nil && id == g.pending.EventID {
		return g.pending, g.pendingNID, nil
	}
	event, nid, err := g.events.EventByID(ctx, id)
	return event, nid, missing(err)
}

func (g *graph) StateKeyID(ctx context.Context, eventType ref.EventType, stateKey string) (shortid.ID, bool, error) {
	return g.interner.LookupStateKey(ctx, eventType, stateKey)
}

// stateView presents a state map to the auth rules, loading events on
// demand. The rules have no error path, so the first lookup failure is
// kept in err and the view answers nil from then on; callers must check
// err after each use.
type stateView struct {
	ctx   context.Context
	graph *graph
	state statemap.Map
	err   error
}

func (v *stateView) StateEvent(eventType ref.EventType, stateKey string) *pdu.Event {
	if v.err != nil {
		return nil
	}
	key, found, err := v.graph.StateKeyID(v.ctx, eventType, stateKey)
	if err != nil {
		v.err = err
		return nil
	}
	if !found {
		return nil
	}
	nid, ok := v.state.Get(key)
	if !ok {
		return nil
	}
	event, err := v.graph.EventByShortID(v.ctx, nid)
	if err != nil {
		v.err = fmt.Errorf("loading state event %d: %w", nid, err)
		return nil
	}
	return event
}
