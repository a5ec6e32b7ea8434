// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package authrules

import (
	"fmt"
	"slices"
	"strings"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/schema"
)

// Verdict is the outcome of an authorization check.
type Verdict uint8

const (
	Allowed Verdict = iota
	// SoftFailed: allowed by the event's own state but not by the
	// room's current state. Only CheckAgainstCurrent returns it.
	SoftFailed
	Rejected
)

func (v Verdict) String() string {
	switch v {
	case Allowed:
		return "allowed"
	case SoftFailed:
		return "soft_failed"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("verdict(%d)", uint8(v))
	}
}

// Decision is a verdict with a human-readable reason for anything other
// than Allowed.
type Decision struct {
	Verdict Verdict
	Reason  string
}

// Allowed reports whether the decision admits the event.
func (d Decision) Allowed() bool { return d.Verdict == Allowed }

func allow() Decision { return Decision{Verdict: Allowed} }

func reject(format string, args ...any) Decision {
	return Decision{Verdict: Rejected, Reason: fmt.Sprintf(format, args...)}
}

// AuthState is the room state an event is checked against.
type AuthState interface {
	// StateEvent returns the event occupying (eventType, stateKey), or
	// nil if the slot is empty.
	StateEvent(eventType ref.EventType, stateKey string) *pdu.Event
}

// MapState is an AuthState held in a map.
type MapState map[pdu.StateTuple]*pdu.Event

func (m MapState) StateEvent(eventType ref.EventType, stateKey string) *pdu.Event {
	return m[pdu.StateTuple{Type: eventType, StateKey: stateKey}]
}

// AuthStateFromEvents builds the state formed by an event's auth
// events. Non-state events are ignored. If two auth events claim the
// same slot, the deeper one wins, then the greater event ID, so the
// result does not depend on the order of auth_events.
func AuthStateFromEvents(events []*pdu.Event) MapState {
	state := make(MapState, len(events))
	for _, event := range events {
		if !event.IsState() {
			continue
		}
		tuple := event.StateTuple()
		existing, ok := state[tuple]
		if ok && (existing.Depth > event.Depth ||
			(existing.Depth == event.Depth && existing.EventID.Compare(event.EventID) > 0)) {
			continue
		}
		state[tuple] = event
	}
	return state
}

// Layered is an AuthState that consults each layer in order and returns
// the first occupied slot.
type Layered []AuthState

func (l Layered) StateEvent(eventType ref.EventType, stateKey string) *pdu.Event {
	for _, layer := range l {
		if layer == nil {
			continue
		}
		if event := layer.StateEvent(eventType, stateKey); event != nil {
			return event
		}
	}
	return nil
}

// RequiredStateTuples returns the state slots Check may consult for
// event: create, power levels, the sender's membership, and for
// membership events the target's membership and the join rules.
func RequiredStateTuples(event *pdu.Event) []pdu.StateTuple {
	if event.Type == schema.MatrixEventTypeCreate {
		return nil
	}
	tuples := []pdu.StateTuple{
		{Type: schema.MatrixEventTypeCreate},
		{Type: schema.MatrixEventTypePowerLevels},
		{Type: schema.MatrixEventTypeMember, StateKey: event.Sender.String()},
	}
	if event.Type == schema.MatrixEventTypeMember && event.StateKey != nil {
		if *event.StateKey != event.Sender.String() {
			tuples = append(tuples, pdu.StateTuple{Type: schema.MatrixEventTypeMember, StateKey: *event.StateKey})
		}
		membership, _ := event.Membership()
		if membership == schema.MembershipJoin || membership == schema.MembershipInvite || membership == schema.MembershipKnock {
			tuples = append(tuples, pdu.StateTuple{Type: schema.MatrixEventTypeJoinRules})
		}
	}
	return tuples
}

// CheckAuthEvents verifies the selection of candidate's auth events:
// each must be a state event in a slot RequiredStateTuples allows, and
// no slot may be cited twice.
func CheckAuthEvents(candidate *pdu.Event, authEvents []*pdu.Event) Decision {
	allowed := RequiredStateTuples(candidate)
	cited := make(map[pdu.StateTuple]ref.EventID, len(authEvents))
	for _, event := range authEvents {
		if !event.IsState() {
			return reject("auth event %s is not a state event", event.EventID)
		}
		tuple := event.StateTuple()
		if !slices.Contains(allowed, tuple) {
			return reject("auth event %s fills %s/%q, which %s may not cite", event.EventID, tuple.Type, tuple.StateKey, candidate.Type)
		}
		if previous, ok := cited[tuple]; ok {
			return reject("auth events %s and %s both fill %s/%q", previous, event.EventID, tuple.Type, tuple.StateKey)
		}
		cited[tuple] = event.EventID
	}
	return allow()
}

// Check evaluates candidate against state. It never returns SoftFailed.
func Check(candidate *pdu.Event, state AuthState) Decision {
	if candidate.Type == schema.MatrixEventTypeCreate {
		return checkCreate(candidate)
	}

	create := state.StateEvent(schema.MatrixEventTypeCreate, "")
	if create == nil {
		return reject("no m.room.create event in auth state")
	}
	if create.RoomID != candidate.RoomID {
		return reject("m.room.create belongs to %s", create.RoomID)
	}
	var createContent schema.CreateContent
	if err := create.DecodeContent(&createContent); err != nil {
		return reject("m.room.create content: %v", err)
	}
	if !createContent.Federated() && candidate.Origin() != create.Origin() {
		return reject("room is not federated and %s is not the creating server", candidate.Origin())
	}

	if candidate.Type == schema.MatrixEventTypeMember {
		return checkMembership(candidate, create, state)
	}

	if membershipOf(state, candidate.Sender) != schema.MembershipJoin {
		return reject("sender %s is not joined", candidate.Sender)
	}

	if candidate.Type == schema.MatrixEventTypeThirdPartyInvite {
		return reject("third-party invites are not supported")
	}

	senderLevel := EffectivePowerLevel(candidate.Sender, state)
	required := requiredEventLevel(candidate, state)
	if senderLevel < required {
		return reject("sender level %d is below the %d required for %s", senderLevel, required, candidate.Type)
	}

	if candidate.StateKey != nil && strings.HasPrefix(*candidate.StateKey, "@") && *candidate.StateKey != candidate.Sender.String() {
		return reject("state key %q is another user's ID", *candidate.StateKey)
	}

	if candidate.Type == schema.MatrixEventTypePowerLevels {
		return checkPowerLevelsChange(candidate, state, senderLevel)
	}
	return allow()
}

// CheckAgainstCurrent evaluates candidate against its own auth state
// and, if that allows it, against the room's current state. An event
// the current state would refuse is SoftFailed.
func CheckAgainstCurrent(candidate *pdu.Event, authState, current AuthState) Decision {
	decision := Check(candidate, authState)
	if !decision.Allowed() {
		return decision
	}
	if current == nil {
		return decision
	}
	if now := Check(candidate, current); !now.Allowed() {
		return Decision{Verdict: SoftFailed, Reason: now.Reason}
	}
	return decision
}

func checkCreate(candidate *pdu.Event) Decision {
	if len(candidate.PrevEvents) > 0 {
		return reject("m.room.create has prev_events")
	}
	if candidate.StateKey == nil || *candidate.StateKey != "" {
		return reject("m.room.create must have an empty state key")
	}
	if candidate.RoomID.Server() != candidate.Origin() {
		return reject("room server %s does not match sender server %s", candidate.RoomID.Server(), candidate.Origin())
	}
	var content schema.CreateContent
	if err := candidate.DecodeContent(&content); err != nil {
		return reject("m.room.create content: %v", err)
	}
	if content.Creator != "" {
		if _, err := ref.ParseUserID(content.Creator); err != nil {
			return reject("m.room.create creator: %v", err)
		}
	}
	return allow()
}

// creatorOf returns the room creator named by a create event: the
// content's creator field where present, else the sender.
func creatorOf(create *pdu.Event) ref.UserID {
	var content schema.CreateContent
	if create.DecodeContent(&content) == nil && content.Creator != "" {
		if creator, err := ref.ParseUserID(content.Creator); err == nil {
			return creator
		}
	}
	return create.Sender
}

// membershipOf returns user's membership in state, or "" when absent.
func membershipOf(state AuthState, user ref.UserID) string {
	event := state.StateEvent(schema.MatrixEventTypeMember, user.String())
	if event == nil {
		return ""
	}
	membership, _ := event.Membership()
	return membership
}

// IsPowerEvent reports whether event changes who may do what in the
// room: create, power levels, join rules, and a membership leave or
// ban applied by someone other than the target.
func IsPowerEvent(event *pdu.Event) bool {
	if !event.IsState() {
		return false
	}
	switch event.Type {
	case schema.MatrixEventTypeCreate, schema.MatrixEventTypePowerLevels, schema.MatrixEventTypeJoinRules:
		return *event.StateKey == ""
	case schema.MatrixEventTypeMember:
		membership, _ := event.Membership()
		if membership != schema.MembershipLeave && membership != schema.MembershipBan {
			return false
		}
		return *event.StateKey != event.Sender.String()
	}
	return false
}

// CanRedact reports whether redaction's sender may redact events sent
// by others, judged by state.
func CanRedact(redaction *pdu.Event, state AuthState) bool {
	levels, ok := powerLevels(state)
	required := int64(schema.DefaultRedactLevel)
	if ok {
		required = levels.RedactLevel()
	}
	return EffectivePowerLevel(redaction.Sender, state) >= required
}
