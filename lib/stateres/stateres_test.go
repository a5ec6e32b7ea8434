// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stateres

import (
	"context"
	"fmt"
	"testing"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/pdu/pdutest"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/schema"
	"github.com/bureau-foundation/roomserver/lib/shortid"
	"github.com/bureau-foundation/roomserver/lib/statemap"
)

const (
	alice = "@alice:test"
	bob   = "@bob:test"
	carol = "@carol:test"
)

// memGraph is an in-memory Graph. Short IDs are assigned in insertion
// order, separately for events and state keys.
type memGraph struct {
	events    map[shortid.ID]*pdu.Event
	ids       map[ref.EventID]shortid.ID
	stateKeys map[pdu.StateTuple]shortid.ID
	lookups   int
}

func newMemGraph() *memGraph {
	return &memGraph{
		events:    make(map[shortid.ID]*pdu.Event),
		ids:       make(map[ref.EventID]shortid.ID),
		stateKeys: make(map[pdu.StateTuple]shortid.ID),
	}
}

func (g *memGraph) add(events ...*pdu.Event) {
	for _, event := range events {
		if _, ok := g.ids[event.EventID]; ok {
			continue
		}
		nid := shortid.ID(len(g.events) + 1)
		g.events[nid] = event
		g.ids[event.EventID] = nid
		if event.IsState() {
			if _, ok := g.stateKeys[event.StateTuple()]; !ok {
				g.stateKeys[event.StateTuple()] = shortid.ID(len(g.stateKeys) + 1)
			}
		}
	}
}

func (g *memGraph) EventByShortID(_ context.Context, nid shortid.ID) (*pdu.Event, error) {
	g.lookups++
	event, ok := g.events[nid]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrMissingEvent, nid)
	}
	return event, nil
}

func (g *memGraph) EventByID(_ context.Context, id ref.EventID) (*pdu.Event, shortid.ID, error) {
	g.lookups++
	nid, ok := g.ids[id]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrMissingEvent, id)
	}
	return g.events[nid], nid, nil
}

func (g *memGraph) StateKeyID(_ context.Context, eventType ref.EventType, stateKey string) (shortid.ID, bool, error) {
	id, ok := g.stateKeys[pdu.StateTuple{Type: eventType, StateKey: stateKey}]
	return id, ok, nil
}

// stateOf builds the state map holding events, later events replacing
// earlier ones in the same slot.
func (g *memGraph) stateOf(events ...*pdu.Event) statemap.Map {
	var entries []statemap.Entry
	for _, event := range events {
		entries = append(entries, statemap.Entry{Key: g.stateKeys[event.StateTuple()], Event: g.ids[event.EventID]})
	}
	return statemap.New(entries...)
}

func (g *memGraph) eventAt(t *testing.T, m statemap.Map, eventType ref.EventType, stateKey string) ref.EventID {
	t.Helper()
	nid, ok := m.Get(g.stateKeys[pdu.StateTuple{Type: eventType, StateKey: stateKey}])
	if !ok {
		return ref.EventID{}
	}
	return g.events[nid].EventID
}

func level(n int64) *int64 { return &n }

// threeAdmins bootstraps a room in which alice, bob, and carol are
// joined. Alice and carol hold level 100, bob holds bobLevel. It returns
// the builder, the graph, and the state events in order.
func threeAdmins(t *testing.T, bobLevel int64) (*pdutest.Room, *memGraph, []*pdu.Event) {
	t.Helper()
	room := pdutest.NewRoom(t, "!room:test", alice)
	create := room.Create()
	aliceJoin := room.Member("$alice-join", alice, alice, schema.MembershipJoin, create)
	pl := room.SetPowerLevels("$pl-base", alice, schema.PowerLevels{
		Users: map[string]int64{alice: 100, bob: bobLevel, carol: 100},
	}, aliceJoin)
	rules := room.SetJoinRule("$join-rules", alice, schema.JoinRulePublic, pl)
	bobJoin := room.Member("$bob-join", bob, bob, schema.MembershipJoin, rules)
	carolJoin := room.Member("$carol-join", carol, carol, schema.MembershipJoin, bobJoin)

	graph := newMemGraph()
	state := []*pdu.Event{create, aliceJoin, pl, rules, bobJoin, carolJoin}
	graph.add(state...)
	return room, graph, state
}

func powerLevelsBy(room *pdutest.Room, id, sender string, ts int64, ban int64, base []*pdu.Event) *pdu.Event {
	head := base[len(base)-1]
	return room.Build(pdutest.Draft{
		ID:       id,
		Type:     schema.MatrixEventTypePowerLevels,
		Sender:   sender,
		StateKey: pdutest.StateKey(""),
		Content: schema.PowerLevels{
			Users: map[string]int64{alice: 100, bob: 100, carol: 100},
			Ban:   level(ban),
		},
		Prev: []*pdu.Event{head},
		Auth: authFor(base, sender),
		TS:   ts,
	})
}

// authFor returns create, the base power levels, join rules, and the
// sender's join from a threeAdmins state.
func authFor(base []*pdu.Event, sender string) []*pdu.Event {
	auth := []*pdu.Event{base[0], base[2], base[3]}
	for _, event := range base {
		if event.Type == schema.MatrixEventTypeMember && *event.StateKey == sender {
			auth = append(auth, event)
		}
	}
	return auth
}

func permutations(maps []statemap.Map) [][]statemap.Map {
	if len(maps) <= 1 {
		return [][]statemap.Map{maps}
	}
	var out [][]statemap.Map
	for i := range maps {
		rest := make([]statemap.Map, 0, len(maps)-1)
		rest = append(rest, maps[:i]...)
		rest = append(rest, maps[i+1:]...)
		for _, perm := range permutations(rest) {
			out = append(out, append([]statemap.Map{maps[i]}, perm...))
		}
	}
	return out
}

func TestResolveEdgeCases(t *testing.T) {
	_, graph, base := threeAdmins(t, 100)
	resolver := New(Config{})
	ctx := context.Background()

	empty, err := resolver.Resolve(ctx, graph, nil)
	if err != nil || empty.Len() != 0 {
		t.Errorf("Resolve(nil) = %v, %v", empty.Entries(), err)
	}

	state := graph.stateOf(base...)
	graph.lookups = 0
	single, err := resolver.Resolve(ctx, graph, []statemap.Map{state})
	if err != nil || !single.Equal(state) {
		t.Errorf("Resolve(single) = %v, %v", single.Entries(), err)
	}
	same, err := resolver.Resolve(ctx, graph, []statemap.Map{state, state, state})
	if err != nil || !same.Equal(state) {
		t.Errorf("Resolve(identical) = %v, %v", same.Entries(), err)
	}
	if graph.lookups != 0 {
		t.Errorf("trivial resolutions read %d events", graph.lookups)
	}
}

// Three admins of equal power each change the power levels. With power
// equal, the ordering falls to origin_server_ts: the latest change is
// applied last and wins.
func TestConflictingPowerLevelsLatestWins(t *testing.T) {
	room, graph, base := threeAdmins(t, 100)
	fromAlice := powerLevelsBy(room, "$pl-alice", alice, 1_700_000_300_000, 60, base)
	fromBob := powerLevelsBy(room, "$pl-bob", bob, 1_700_000_100_000, 70, base)
	fromCarol := powerLevelsBy(room, "$pl-carol", carol, 1_700_000_200_000, 80, base)
	graph.add(fromAlice, fromBob, fromCarol)

	inputs := []statemap.Map{
		graph.stateOf(append(base, fromAlice)...),
		graph.stateOf(append(base, fromBob)...),
		graph.stateOf(append(base, fromCarol)...),
	}
	resolver := New(Config{})
	var first statemap.Map
	for i, perm := range permutations(inputs) {
		resolved, err := resolver.Resolve(context.Background(), graph, perm)
		if err != nil {
			t.Fatalf("permutation %d: %v", i, err)
		}
		if i == 0 {
			first = resolved
		} else if !resolved.Equal(first) {
			t.Fatalf("permutation %d resolved differently: %v vs %v", i, resolved.Entries(), first.Entries())
		}
	}

	if got := graph.eventAt(t, first, schema.MatrixEventTypePowerLevels, ""); got != fromAlice.EventID {
		t.Errorf("power levels resolved to %s, want %s", got, fromAlice.EventID)
	}
	for _, event := range base[:2] {
		tuple := event.StateTuple()
		if got := graph.eventAt(t, first, tuple.Type, tuple.StateKey); got != event.EventID {
			t.Errorf("unconflicted %s resolved to %s", tuple, got)
		}
	}
}

func TestEqualTimestampsBreakOnEventID(t *testing.T) {
	room, graph, base := threeAdmins(t, 100)
	const ts = 1_700_000_500_000
	x := powerLevelsBy(room, "$pl-x", carol, ts, 61, base)
	y := powerLevelsBy(room, "$pl-y", bob, ts, 62, base)
	graph.add(x, y)

	resolver := New(Config{})
	for _, inputs := range [][]statemap.Map{
		{graph.stateOf(append(base, x)...), graph.stateOf(append(base, y)...)},
		{graph.stateOf(append(base, y)...), graph.stateOf(append(base, x)...)},
	} {
		resolved, err := resolver.Resolve(context.Background(), graph, inputs)
		if err != nil {
			t.Fatal(err)
		}
		if got := graph.eventAt(t, resolved, schema.MatrixEventTypePowerLevels, ""); got != y.EventID {
			t.Errorf("power levels resolved to %s, want %s", got, y.EventID)
		}
	}
}

// Bob's topic cites power levels under which he may set it, but the
// other branch demotes him. Power events are replayed first, so the
// topic is checked against the demotion and dropped.
func TestDemotionDropsConflictedEvent(t *testing.T) {
	room, graph, base := threeAdmins(t, 50)
	demote := room.Build(pdutest.Draft{
		ID:       "$demote-bob",
		Type:     schema.MatrixEventTypePowerLevels,
		Sender:   alice,
		StateKey: pdutest.StateKey(""),
		Content:  schema.PowerLevels{Users: map[string]int64{alice: 100, carol: 100}},
		Prev:     []*pdu.Event{base[len(base)-1]},
		Auth:     authFor(base, alice),
	})
	topic := room.Build(pdutest.Draft{
		ID:       "$bob-topic",
		Type:     schema.MatrixEventTypeTopic,
		Sender:   bob,
		StateKey: pdutest.StateKey(""),
		Content:  map[string]any{"topic": "bob was here"},
		Prev:     []*pdu.Event{base[len(base)-1]},
		Auth:     authFor(base, bob),
	})
	graph.add(demote, topic)

	resolved, err := New(Config{}).Resolve(context.Background(), graph, []statemap.Map{
		graph.stateOf(append(base, demote)...),
		graph.stateOf(append(base, topic)...),
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := graph.eventAt(t, resolved, schema.MatrixEventTypePowerLevels, ""); got != demote.EventID {
		t.Errorf("power levels = %s, want %s", got, demote.EventID)
	}
	if got := graph.eventAt(t, resolved, schema.MatrixEventTypeTopic, ""); !got.IsZero() {
		t.Errorf("topic = %s, want it dropped", got)
	}
}

// A membership present in one branch only is conflicted; it survives if
// it passes auth against the resolved power events.
func TestOneSidedMembershipSurvives(t *testing.T) {
	room, graph, base := threeAdmins(t, 100)
	dave := room.Member("$dave-join", "@dave:test", "@dave:test", schema.MembershipJoin, base[len(base)-1])
	graph.add(dave)

	resolved, err := New(Config{}).Resolve(context.Background(), graph, []statemap.Map{
		graph.stateOf(base...),
		graph.stateOf(append(base, dave)...),
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := graph.eventAt(t, resolved, schema.MatrixEventTypeMember, "@dave:test"); got != dave.EventID {
		t.Errorf("dave's membership = %q, want %s", got, dave.EventID)
	}
	if resolved.Len() != len(base)+1 {
		t.Errorf("resolved %d keys, want %d", resolved.Len(), len(base)+1)
	}
}

// Two events that cite each other as auth events must not hang the
// auth chain walk or the ordering.
func TestAuthCycleTerminates(t *testing.T) {
	room, graph, base := threeAdmins(t, 100)
	placeholder := room.Build(pdutest.Draft{
		ID:       "$cycle-b",
		Type:     "org.example.cycle",
		StateKey: pdutest.StateKey(""),
		Prev:     []*pdu.Event{base[len(base)-1]},
	})
	a := room.Build(pdutest.Draft{
		ID:       "$cycle-a",
		Type:     "org.example.cycle",
		StateKey: pdutest.StateKey(""),
		Prev:     []*pdu.Event{base[len(base)-1]},
		Auth:     append(authFor(base, alice), placeholder),
	})
	b := room.Build(pdutest.Draft{
		ID:       "$cycle-b",
		Type:     "org.example.cycle",
		StateKey: pdutest.StateKey(""),
		Prev:     []*pdu.Event{base[len(base)-1]},
		Auth:     append(authFor(base, alice), a),
	})
	graph.add(a, b)

	chains := NewAuthChainCache(16)
	chain, err := chains.Chain(context.Background(), graph, graph.ids[a.EventID])
	if err != nil {
		t.Fatalf("Chain: %v", err)
	}
	for _, nid := range chain {
		if nid == graph.ids[a.EventID] {
			t.Error("event is in its own auth chain")
		}
	}

	resolver := New(Config{Chains: chains})
	inputs := []statemap.Map{graph.stateOf(append(base, a)...), graph.stateOf(append(base, b)...)}
	first, err := resolver.Resolve(context.Background(), graph, inputs)
	if err != nil {
		t.Fatal(err)
	}
	second, err := resolver.Resolve(context.Background(), graph, []statemap.Map{inputs[1], inputs[0]})
	if err != nil {
		t.Fatal(err)
	}
	if !first.Equal(second) {
		t.Errorf("cycle resolution depends on input order: %v vs %v", first.Entries(), second.Entries())
	}
}

func TestPowerOrderIsTopological(t *testing.T) {
	room, graph, base := threeAdmins(t, 100)
	// A chain of power level changes, each citing the previous, with
	// timestamps running backwards so that ts order alone would invert
	// the chain.
	previous := base
	var chain []*pdu.Event
	for i := range 5 {
		event := room.Build(pdutest.Draft{
			ID:       fmt.Sprintf("$pl-%d", i),
			Type:     schema.MatrixEventTypePowerLevels,
			Sender:   alice,
			StateKey: pdutest.StateKey(""),
			Content:  schema.PowerLevels{Users: map[string]int64{alice: 100, bob: 100, carol: 100}, Kick: level(int64(10 + i))},
			Prev:     []*pdu.Event{previous[len(previous)-1]},
			Auth:     []*pdu.Event{base[0], previous[len(previous)-1], base[1]},
			TS:       int64(1_800_000_000_000 - i),
		})
		graph.add(event)
		chain = append(chain, event)
		previous = append(previous[:len(previous):len(previous)], event)
	}

	nodes := make(map[shortid.ID]*node)
	for _, event := range chain {
		nid := graph.ids[event.EventID]
		auth, err := authEvents(context.Background(), graph, event.AuthEvents)
		if err != nil {
			t.Fatal(err)
		}
		nodes[nid] = &node{nid: nid, event: event, auth: auth, power: true, senderLevel: 100}
	}
	order := powerOrder(nodes)
	if len(order) != len(chain) {
		t.Fatalf("order has %d events, want %d", len(order), len(chain))
	}
	for i, n := range order {
		if n.event.EventID != chain[i].EventID {
			t.Errorf("position %d = %s, want %s", i, n.event.EventID, chain[i].EventID)
		}
	}
}
