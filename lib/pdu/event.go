// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pdu decodes and validates Matrix persistent data units: the
// immutable, content-addressed events that make up a room's DAG.
//
// Parse is the single entry point from untrusted bytes. It enforces the
// structural rules every later stage relies on (typed identifiers,
// object content, prev_events non-empty except for m.room.create) and
// keeps the original JSON so the room server can store and serve the
// event byte-for-byte as received.
package pdu

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/schema"
)

// MaxSize is the largest PDU accepted, in bytes of canonical JSON.
const MaxSize = 65536

// Kind classifies an event for storage and authorization.
type Kind uint8

const (
	KindMessage Kind = iota
	KindState
	KindRedaction
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindState:
		return "state"
	case KindRedaction:
		return "redaction"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// StateTuple is the (event type, state key) pair that a state event
// occupies in room state.
type StateTuple struct {
	Type     ref.EventType
	StateKey string
}

func (s StateTuple) String() string { return fmt.Sprintf("(%s, %q)", s.Type, s.StateKey) }

// Event is a parsed PDU. Events are immutable after Parse; callers must
// not modify the slices.
type Event struct {
	EventID        ref.EventID
	RoomID         ref.RoomID
	Sender         ref.UserID
	Type           ref.EventType
	StateKey       *string
	Content        json.RawMessage
	PrevEvents     []ref.EventID
	AuthEvents     []ref.EventID
	Depth          int64
	OriginServerTS int64

	// Redacts is the target of an m.room.redaction, taken from the
	// top-level key or, in newer room versions, from content.
	Redacts ref.EventID

	raw []byte
}

// Kind returns the storage kind of the event.
func (e *Event) Kind() Kind {
	switch {
	case e.Type == schema.MatrixEventTypeRedaction:
		return KindRedaction
	case e.StateKey != nil:
		return KindState
	default:
		return KindMessage
	}
}

// IsState reports whether the event carries a state key. A redaction
// with a state key is still a state event for resolution purposes.
func (e *Event) IsState() bool { return e.StateKey != nil }

// StateTuple returns the state slot the event occupies. Only meaningful
// when IsState is true.
func (e *Event) StateTuple() StateTuple {
	if e.StateKey == nil {
		return StateTuple{Type: e.Type}
	}
	return StateTuple{Type: e.Type, StateKey: *e.StateKey}
}

// Origin is the server that sent the event: the server part of sender.
func (e *Event) Origin() ref.ServerName { return e.Sender.Server() }

// JSON returns the event exactly as received. The slice must not be
// modified.
func (e *Event) JSON() []byte { return e.raw }

// DecodeContent unmarshals the event content into v.
func (e *Event) DecodeContent(v any) error {
	if err := json.Unmarshal(e.Content, v); err != nil {
		return fmt.Errorf("decoding %s content of %s: %w", e.Type, e.EventID, err)
	}
	return nil
}

// Membership returns the membership value of an m.room.member event.
// The second return is false for other event types or unparseable
// content.
func (e *Event) Membership() (string, bool) {
	if e.Type != schema.MatrixEventTypeMember {
		return "", false
	}
	var content schema.MemberContent
	if json.Unmarshal(e.Content, &content) != nil {
		return "", false
	}
	return content.Membership, true
}

func (e *Event) String() string {
	if e.StateKey != nil {
		return fmt.Sprintf("%s %s[%q] from %s", e.EventID, e.Type, *e.StateKey, e.Sender)
	}
	return fmt.Sprintf("%s %s from %s", e.EventID, e.Type, e.Sender)
}

// MalformedError reports a PDU that failed structural validation.
// Malformed events are dropped without touching storage.
type MalformedError struct {
	Field  string
	Reason string
}

func (e *MalformedError) Error() string {
	if e.Field == "" {
		return "malformed PDU: " + e.Reason
	}
	return fmt.Sprintf("malformed PDU: %s: %s", e.Field, e.Reason)
}

func malformed(field, format string, args ...any) error {
	return &MalformedError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// wireEvent mirrors the JSON layout. Identifiers stay strings here so
// that validation failures can name the offending field.
type wireEvent struct {
	EventID        string            `json:"event_id"`
	RoomID         string            `json:"room_id"`
	Sender         string            `json:"sender"`
	Type           *string           `json:"type"`
	StateKey       *string           `json:"state_key"`
	Content        json.RawMessage   `json:"content"`
	PrevEvents     []json.RawMessage `json:"prev_events"`
	AuthEvents     []json.RawMessage `json:"auth_events"`
	Depth          *int64            `json:"depth"`
	OriginServerTS *int64            `json:"origin_server_ts"`
	Redacts        string            `json:"redacts"`
}

// Parse decodes and validates a PDU. Every failure is a *MalformedError.
func Parse(raw []byte) (*Event, error) {
	if len(raw) > MaxSize {
		return nil, malformed("", "%d bytes exceeds the %d byte limit", len(raw), MaxSize)
	}
	var wire wireEvent
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, malformed("", "invalid JSON: %v", err)
	}

	event := &Event{
		StateKey: wire.StateKey,
		raw:      bytes.Clone(raw),
	}
	var err error
	if event.EventID, err = ref.ParseEventID(wire.EventID); err != nil {
		return nil, malformed("event_id", "%v", err)
	}
	if event.RoomID, err = ref.ParseRoomID(wire.RoomID); err != nil {
		return nil, malformed("room_id", "%v", err)
	}
	if event.Sender, err = ref.ParseUserID(wire.Sender); err != nil {
		return nil, malformed("sender", "%v", err)
	}
	if wire.Type == nil || *wire.Type == "" {
		return nil, malformed("type", "missing")
	}
	event.Type = ref.EventType(*wire.Type)

	content := bytes.TrimSpace(wire.Content)
	if len(content) == 0 || content[0] != '{' {
		return nil, malformed("content", "must be a JSON object")
	}
	event.Content = json.RawMessage(content)

	if wire.Depth == nil {
		return nil, malformed("depth", "missing")
	}
	if *wire.Depth < 0 {
		return nil, malformed("depth", "negative depth %d", *wire.Depth)
	}
	event.Depth = *wire.Depth

	if wire.OriginServerTS == nil {
		return nil, malformed("origin_server_ts", "missing")
	}
	event.OriginServerTS = *wire.OriginServerTS

	if wire.PrevEvents == nil {
		return nil, malformed("prev_events", "missing")
	}
	if event.PrevEvents, err = parseReferences(wire.PrevEvents); err != nil {
		return nil, malformed("prev_events", "%v", err)
	}
	if wire.AuthEvents == nil {
		return nil, malformed("auth_events", "missing")
	}
	if event.AuthEvents, err = parseReferences(wire.AuthEvents); err != nil {
		return nil, malformed("auth_events", "%v", err)
	}

	isCreate := event.Type == schema.MatrixEventTypeCreate
	if !isCreate && len(event.PrevEvents) == 0 {
		return nil, malformed("prev_events", "empty for non-create event")
	}
	if isCreate && event.StateKey == nil {
		return nil, malformed("state_key", "m.room.create must be a state event")
	}

	if event.Type == schema.MatrixEventTypeRedaction {
		target := wire.Redacts
		if target == "" {
			var redaction schema.RedactionContent
			if json.Unmarshal(content, &redaction) == nil {
				target = redaction.Redacts
			}
		}
		if event.Redacts, err = ref.ParseEventID(target); err != nil {
			return nil, malformed("redacts", "%v", err)
		}
	}
	return event, nil
}

// parseReferences accepts both reference encodings: plain event ID
// strings (room version 3+) and [event_id, hashes] pairs (versions 1
// and 2). Duplicates are rejected.
func parseReferences(items []json.RawMessage) ([]ref.EventID, error) {
	ids := make([]ref.EventID, 0, len(items))
	seen := make(map[ref.EventID]struct{}, len(items))
	for i, item := range items {
		var raw string
		if err := json.Unmarshal(item, &raw); err != nil {
			var pair []json.RawMessage
			if json.Unmarshal(item, &pair) != nil || len(pair) == 0 || json.Unmarshal(pair[0], &raw) != nil {
				return nil, fmt.Errorf("entry %d is neither an event ID nor an [event_id, hashes] pair", i)
			}
		}
		id, err := ref.ParseEventID(raw)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate reference %s", id)
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}
