// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pdutest builds well-formed PDUs for tests. A Room tracks the
// events created through it so that tests can write room histories in
// a few lines:
//
//	room := pdutest.NewRoom(t, "!room:test", "@alice:test")
//	create := room.Create()
//	join := room.Member("$join", "@alice:test", "@alice:test", "join", create)
package pdutest

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/schema"
)

// Draft describes one event. Zero fields are filled with defaults by
// Build: depth is one more than the deepest prev event known to the
// room, origin_server_ts increments per event.
type Draft struct {
	ID       string
	Type     ref.EventType
	Sender   string
	StateKey *string
	Content  any
	Prev     []*pdu.Event
	Auth     []*pdu.Event
	Depth    int64
	TS       int64
	Redacts  string
}

// Room is a builder for events in one room.
type Room struct {
	t       testing.TB
	ID      ref.RoomID
	Creator string
	next    int
	ts      int64

	CreateEvent *pdu.Event
	PowerLevels *pdu.Event
	JoinRules   *pdu.Event
	members     map[string]*pdu.Event
}

// NewRoom returns a builder for roomID created by creator.
func NewRoom(t testing.TB, roomID, creator string) *Room {
	t.Helper()
	return &Room{
		t:       t,
		ID:      ref.MustParseRoomID(roomID),
		Creator: creator,
		ts:      1_700_000_000_000,
		members: make(map[string]*pdu.Event),
	}
}

// StateKey returns a pointer to key.
func StateKey(key string) *string { return &key }

// Build encodes draft and parses it through pdu.Parse.
func (r *Room) Build(draft Draft) *pdu.Event {
	r.t.Helper()
	r.next++
	if draft.ID == "" {
		draft.ID = fmt.Sprintf("$event%d", r.next)
	}
	if draft.Sender == "" {
		draft.Sender = r.Creator
	}
	if draft.Content == nil {
		draft.Content = map[string]any{}
	}
	if draft.Depth == 0 {
		draft.Depth = 1
		for _, prev := range draft.Prev {
			draft.Depth = max(draft.Depth, prev.Depth+1)
		}
	}
	if draft.TS == 0 {
		r.ts++
		draft.TS = r.ts
	}

	wire := map[string]any{
		"event_id":         draft.ID,
		"room_id":          r.ID.String(),
		"sender":           draft.Sender,
		"type":             string(draft.Type),
		"content":          draft.Content,
		"prev_events":      ids(draft.Prev),
		"auth_events":      ids(draft.Auth),
		"depth":            draft.Depth,
		"origin_server_ts": draft.TS,
		"hashes":           map[string]string{"sha256": "dGVzdA"},
		"signatures":       map[string]any{},
	}
	if draft.StateKey != nil {
		wire["state_key"] = *draft.StateKey
	}
	if draft.Redacts != "" {
		wire["redacts"] = draft.Redacts
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		r.t.Fatalf("pdutest: marshal %s: %v", draft.ID, err)
	}
	event, err := pdu.Parse(raw)
	if err != nil {
		r.t.Fatalf("pdutest: parse %s: %v", draft.ID, err)
	}
	return event
}

func ids(events []*pdu.Event) []string {
	out := make([]string, 0, len(events))
	for _, event := range events {
		out = append(out, event.EventID.String())
	}
	return out
}

// authFor returns the standard auth events for a sender: create, power
// levels, and the sender's membership, where known.
func (r *Room) authFor(sender string, extra ...*pdu.Event) []*pdu.Event {
	var auth []*pdu.Event
	for _, event := range []*pdu.Event{r.CreateEvent, r.PowerLevels, r.members[sender]} {
		if event != nil {
			auth = append(auth, event)
		}
	}
	for _, event := range extra {
		if event != nil && !contains(auth, event) {
			auth = append(auth, event)
		}
	}
	return auth
}

func contains(events []*pdu.Event, target *pdu.Event) bool {
	for _, event := range events {
		if event.EventID == target.EventID {
			return true
		}
	}
	return false
}

// Create builds the m.room.create event.
func (r *Room) Create() *pdu.Event {
	r.t.Helper()
	r.CreateEvent = r.Build(Draft{
		ID:       "$create",
		Type:     schema.MatrixEventTypeCreate,
		StateKey: StateKey(""),
		Content:  map[string]any{"creator": r.Creator, "room_version": "10"},
	})
	return r.CreateEvent
}

// Member builds an m.room.member event and records it as the target's
// current membership for later auth_events.
func (r *Room) Member(id, sender, target, membership string, prev ...*pdu.Event) *pdu.Event {
	r.t.Helper()
	extra := []*pdu.Event{r.members[target]}
	switch membership {
	case schema.MembershipJoin, schema.MembershipInvite, schema.MembershipKnock:
		extra = append(extra, r.JoinRules)
	}
	event := r.Build(Draft{
		ID:       id,
		Type:     schema.MatrixEventTypeMember,
		Sender:   sender,
		StateKey: StateKey(target),
		Content:  map[string]any{"membership": membership},
		Prev:     prev,
		Auth:     r.authFor(sender, extra...),
	})
	r.members[target] = event
	return event
}

// SetPowerLevels builds an m.room.power_levels event and records it.
func (r *Room) SetPowerLevels(id, sender string, content schema.PowerLevels, prev ...*pdu.Event) *pdu.Event {
	r.t.Helper()
	event := r.Build(Draft{
		ID:       id,
		Type:     schema.MatrixEventTypePowerLevels,
		Sender:   sender,
		StateKey: StateKey(""),
		Content:  content,
		Prev:     prev,
		Auth:     r.authFor(sender),
	})
	r.PowerLevels = event
	return event
}

// SetJoinRule builds an m.room.join_rules event and records it.
func (r *Room) SetJoinRule(id, sender, rule string, prev ...*pdu.Event) *pdu.Event {
	r.t.Helper()
	event := r.Build(Draft{
		ID:       id,
		Type:     schema.MatrixEventTypeJoinRules,
		Sender:   sender,
		StateKey: StateKey(""),
		Content:  schema.JoinRulesContent{JoinRule: rule},
		Prev:     prev,
		Auth:     r.authFor(sender),
	})
	r.JoinRules = event
	return event
}

// Message builds an m.room.message event.
func (r *Room) Message(id, sender, body string, prev ...*pdu.Event) *pdu.Event {
	r.t.Helper()
	return r.Build(Draft{
		ID:      id,
		Type:    schema.MatrixEventTypeMessage,
		Sender:  sender,
		Content: map[string]any{"msgtype": "m.text", "body": body},
		Prev:    prev,
		Auth:    r.authFor(sender),
	})
}

// State builds an arbitrary state event authorized by the sender's
// standard auth events.
func (r *Room) State(id, sender string, eventType ref.EventType, stateKey string, content any, prev ...*pdu.Event) *pdu.Event {
	r.t.Helper()
	return r.Build(Draft{
		ID:       id,
		Type:     eventType,
		Sender:   sender,
		StateKey: StateKey(stateKey),
		Content:  content,
		Prev:     prev,
		Auth:     r.authFor(sender),
	})
}

// Bootstrap builds create, the creator's join, power levels granting
// the creator 100, and a public join rule, each citing the previous.
func (r *Room) Bootstrap() []*pdu.Event {
	r.t.Helper()
	create := r.Create()
	join := r.Member("$creator-join", r.Creator, r.Creator, schema.MembershipJoin, create)
	powerLevels := r.SetPowerLevels("$power-levels", r.Creator, schema.PowerLevels{
		Users: map[string]int64{r.Creator: 100},
	}, join)
	joinRules := r.SetJoinRule("$join-rules", r.Creator, schema.JoinRulePublic, powerLevels)
	return []*pdu.Event{create, join, powerLevels, joinRules}
}

// ForgetMember drops the builder's record of target's membership so the
// next event for target cites none.
func (r *Room) ForgetMember(target string) { delete(r.members, target) }

// SetMember overrides the builder's record of target's membership.
func (r *Room) SetMember(target string, event *pdu.Event) { r.members[target] = event }
