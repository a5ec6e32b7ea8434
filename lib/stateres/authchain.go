// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stateres

import (
	"context"
	"errors"
	"slices"

	"github.com/bureau-foundation/roomserver/lib/lrucache"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/shortid"
)

// AuthChainCache memoizes auth chains by event short ID. An auth chain
// depends only on the event's immutable auth_events, so entries never
// go stale; a chain that ran into a missing event is not cached, since
// it grows once the event arrives.
type AuthChainCache struct {
	chains *lrucache.Cache[shortid.ID, []shortid.ID]
}

// NewAuthChainCache returns a cache of up to size chains.
func NewAuthChainCache(size int) *AuthChainCache {
	return &AuthChainCache{chains: lrucache.New[shortid.ID, []shortid.ID](size)}
}

// Chain returns the transitive closure of nid's auth events as sorted
// short IDs, excluding nid itself. Cycles in auth_events terminate: an
// event already visited is not expanded again.
func (c *AuthChainCache) Chain(ctx context.Context, graph Graph, nid shortid.ID) ([]shortid.ID, error) {
	if chain, ok := c.chains.Get(nid); ok {
		return chain, nil
	}
	event, err := graph.EventByShortID(ctx, nid)
	if err != nil {
		return nil, err
	}

	visited := map[shortid.ID]bool{nid: true}
	var chain []shortid.ID
	complete := true
	pending := slices.Clone(event.AuthEvents)
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		authEvent, authNID, err := graph.EventByID(ctx, id)
		if errors.Is(err, ErrMissingEvent) {
			complete = false
			continue
		}
		if err != nil {
			return nil, err
		}
		if visited[authNID] {
			continue
		}
		visited[authNID] = true
		chain = append(chain, authNID)

		if known, ok := c.chains.Get(authNID); ok {
			for _, ancestor := range known {
				if !visited[ancestor] {
					visited[ancestor] = true
					chain = append(chain, ancestor)
				}
			}
			continue
		}
		pending = append(pending, authEvent.AuthEvents...)
	}

	slices.Sort(chain)
	if complete {
		c.chains.Add(nid, chain)
	}
	return chain, nil
}

// authEvents loads the auth events of an event that are available,
// with their short IDs.
func authEvents(ctx context.Context, graph Graph, ids []ref.EventID) ([]authEvent, error) {
	events := make([]authEvent, 0, len(ids))
	for _, id := range ids {
		event, nid, err := graph.EventByID(ctx, id)
		if errors.Is(err, ErrMissingEvent) {
			continue
		}
		if err != nil {
			return nil, err
		}
		events = append(events, authEvent{nid: nid, event: event})
	}
	return events, nil
}
