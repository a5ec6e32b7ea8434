// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stateres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/bureau-foundation/roomserver/lib/authrules"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/shortid"
	"github.com/bureau-foundation/roomserver/lib/statemap"
)

// Config holds the dependencies of a Resolver.
type Config struct {
	// Chains memoizes auth chains across resolutions. Nil gives the
	// Resolver a private cache of DefaultAuthChainCacheSize.
	Chains *AuthChainCache
	Logger *slog.Logger
}

// DefaultAuthChainCacheSize is the number of auth chains cached when
// Config.Chains is nil.
const DefaultAuthChainCacheSize = 4096

// Resolver resolves conflicting room states. It is safe for concurrent
// use; all per-resolution state lives on the stack of Resolve.
type Resolver struct {
	chains *AuthChainCache
	logger *slog.Logger
}

// New returns a Resolver.
func New(cfg Config) *Resolver {
	chains := cfg.Chains
	if chains == nil {
		chains = NewAuthChainCache(DefaultAuthChainCacheSize)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Resolver{chains: chains, logger: logger}
}

// Chains returns the auth chain cache the resolver uses.
func (r *Resolver) Chains() *AuthChainCache { return r.chains }

// Resolve merges inputs into one state. Zero inputs resolve to the
// empty map; a single input, or inputs that are all equal, resolve to
// that input without touching graph. The result does not depend on the
// order of inputs.
func (r *Resolver) Resolve(ctx context.Context, graph Graph, inputs []statemap.Map) (statemap.Map, error) {
	switch len(inputs) {
	case 0:
		return statemap.Map{}, nil
	case 1:
		return inputs[0], nil
	}
	if allEqual(inputs) {
		return inputs[0], nil
	}

	unconflicted, conflicted := partition(inputs)
	full, err := r.fullConflictedSet(ctx, graph, inputs, conflicted)
	if err != nil {
		return statemap.Map{}, err
	}
	nodes, err := loadNodes(ctx, graph, full, conflicted)
	if err != nil {
		return statemap.Map{}, err
	}
	power, rest, err := splitPower(nodes, func(nid shortid.ID) ([]shortid.ID, error) {
		return r.chains.Chain(ctx, graph, nid)
	})
	if err != nil {
		return statemap.Map{}, fmt.Errorf("stateres: auth chain: %w", err)
	}
	order := append(powerOrder(power), powerOrder(rest)...)

	working, err := r.iterativeAuth(ctx, graph, order, unconflicted)
	if err != nil {
		return statemap.Map{}, err
	}

	entries := unconflicted.Entries()
	for _, n := range working {
		tuple := n.event.StateTuple()
		key, found, err := graph.StateKeyID(ctx, tuple.Type, tuple.StateKey)
		if err != nil {
			return statemap.Map{}, fmt.Errorf("stateres: state key %s: %w", tuple, err)
		}
		if !found {
			return statemap.Map{}, fmt.Errorf("stateres: state key %s of %s was never interned", tuple, n.event.EventID)
		}
		if _, ok := unconflicted.Get(key); ok {
			continue
		}
		entries = append(entries, statemap.Entry{Key: key, Event: n.nid})
	}
	resolved := statemap.New(entries...)
	r.logger.Debug("state resolved",
		"inputs", len(inputs),
		"unconflicted", unconflicted.Len(),
		"conflicted", len(conflicted),
		"full_conflicted_set", len(nodes),
		"resolved", resolved.Len(),
	)
	return resolved, nil
}

func allEqual(inputs []statemap.Map) bool {
	for _, m := range inputs[1:] {
		if !m.Equal(inputs[0]) {
			return false
		}
	}
	return true
}

// partition splits the keys of inputs. A key is unconflicted when every
// input maps it to the same event; otherwise each event it maps to in
// any input is conflicted.
func partition(inputs []statemap.Map) (statemap.Map, map[shortid.ID]bool) {
	values := make(map[shortid.ID][]shortid.ID)
	for _, m := range inputs {
		for key, event := range m.All() {
			values[key] = append(values[key], event)
		}
	}
	var unconflicted []statemap.Entry
	conflicted := make(map[shortid.ID]bool)
	for key, events := range values {
		same := len(events) == len(inputs)
		for _, event := range events[1:] {
			if event != events[0] {
				same = false
				break
			}
		}
		if same {
			unconflicted = append(unconflicted, statemap.Entry{Key: key, Event: events[0]})
			continue
		}
		for _, event := range events {
			conflicted[event] = true
		}
	}
	return statemap.New(unconflicted...), conflicted
}

// fullConflictedSet returns the conflicted events plus the auth
// difference of inputs: events in the auth chain of at least one input
// but not of every input.
func (r *Resolver) fullConflictedSet(ctx context.Context, graph Graph, inputs []statemap.Map, conflicted map[shortid.ID]bool) (map[shortid.ID]bool, error) {
	counts := make(map[shortid.ID]int)
	for _, m := range inputs {
		chain := make(map[shortid.ID]bool)
		for _, event := range m.All() {
			ancestors, err := r.chains.Chain(ctx, graph, event)
			if errors.Is(err, ErrMissingEvent) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("stateres: auth chain: %w", err)
			}
			for _, ancestor := range ancestors {
				chain[ancestor] = true
			}
		}
		for ancestor := range chain {
			counts[ancestor]++
		}
	}

	full := make(map[shortid.ID]bool, len(conflicted))
	for event := range conflicted {
		full[event] = true
	}
	for event, count := range counts {
		if count < len(inputs) {
			full[event] = true
		}
	}
	return full, nil
}

// loadNodes loads every event of the full conflicted set with the data
// ordering needs. A missing conflicted event is an error; a missing
// auth difference event is skipped.
func loadNodes(ctx context.Context, graph Graph, full, conflicted map[shortid.ID]bool) (map[shortid.ID]*node, error) {
	nodes := make(map[shortid.ID]*node, len(full))
	for _, nid := range slices.Sorted(maps.Keys(full)) {
		event, err := graph.EventByShortID(ctx, nid)
		if errors.Is(err, ErrMissingEvent) && !conflicted[nid] {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stateres: loading event %d: %w", nid, err)
		}
		auth, err := authEvents(ctx, graph, event.AuthEvents)
		if err != nil {
			return nil, fmt.Errorf("stateres: auth events of %s: %w", event.EventID, err)
		}
		authState := make([]*pdu.Event, len(auth))
		for i, a := range auth {
			authState[i] = a.event
		}
		nodes[nid] = &node{
			nid:         nid,
			event:       event,
			auth:        auth,
			power:       authrules.IsPowerEvent(event),
			senderLevel: authrules.EffectivePowerLevel(event.Sender, authrules.AuthStateFromEvents(authState)),
		}
	}
	return nodes, nil
}

// iterativeAuth replays order against a working state. Each event is
// checked against the working state, then the unconflicted state, then
// its own auth events, in that precedence. Events that pass occupy
// their slot in the working state; events that fail are dropped.
func (r *Resolver) iterativeAuth(ctx context.Context, graph Graph, order []*node, unconflicted statemap.Map) (map[pdu.StateTuple]*node, error) {
	working := make(map[pdu.StateTuple]*node)
	base := &mapLookup{ctx: ctx, graph: graph, state: unconflicted}
	for _, n := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !n.event.IsState() {
			continue
		}
		own := make([]*pdu.Event, len(n.auth))
		for i, a := range n.auth {
			own[i] = a.event
		}
		state := authrules.Layered{workingState(working), base, authrules.AuthStateFromEvents(own)}
		decision := authrules.Check(n.event, state)
		if base.err != nil {
			return nil, fmt.Errorf("stateres: reading unconflicted state: %w", base.err)
		}
		if !decision.Allowed() {
			r.logger.Debug("conflicted event dropped",
				"event_id", n.event.EventID,
				"reason", decision.Reason,
			)
			continue
		}
		working[n.event.StateTuple()] = n
	}
	return working, nil
}

type workingState map[pdu.StateTuple]*node

func (w workingState) StateEvent(eventType ref.EventType, stateKey string) *pdu.Event {
	if n, ok := w[pdu.StateTuple{Type: eventType, StateKey: stateKey}]; ok {
		return n.event
	}
	return nil
}

// mapLookup adapts a statemap.Map to authrules.AuthState, loading
// events lazily. AuthState has no error return, so the first failure is
// kept in err and the caller checks it after each evaluation.
type mapLookup struct {
	ctx   context.Context
	graph Graph
	state statemap.Map
	err   error
}

func (m *mapLookup) StateEvent(eventType ref.EventType, stateKey string) *pdu.Event {
	if m.err != nil {
		return nil
	}
	key, found, err := m.graph.StateKeyID(m.ctx, eventType, stateKey)
	if err != nil {
		m.err = err
		return nil
	}
	if !found {
		return nil
	}
	nid, ok := m.state.Get(key)
	if !ok {
		return nil
	}
	event, err := m.graph.EventByShortID(m.ctx, nid)
	if err != nil {
		m.err = err
		return nil
	}
	return event
}
