// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pdu

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/bureau-foundation/roomserver/lib/schema"
)

const validMessage = `{
	"event_id": "$msg",
	"room_id": "!room:test",
	"sender": "@alice:test",
	"type": "m.room.message",
	"content": {"body": "hello", "msgtype": "m.text"},
	"prev_events": ["$a", "$b"],
	"auth_events": ["$create"],
	"depth": 7,
	"origin_server_ts": 1700000000000,
	"hashes": {"sha256": "abc"}
}`

func TestParseMessage(t *testing.T) {
	event, err := Parse([]byte(validMessage))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if event.EventID.String() != "$msg" || event.RoomID.String() != "!room:test" {
		t.Errorf("identifiers = %s, %s", event.EventID, event.RoomID)
	}
	if event.Kind() != KindMessage || event.IsState() {
		t.Errorf("Kind = %s, IsState = %v", event.Kind(), event.IsState())
	}
	if len(event.PrevEvents) != 2 || event.PrevEvents[1].String() != "$b" {
		t.Errorf("PrevEvents = %v", event.PrevEvents)
	}
	if event.Depth != 7 || event.OriginServerTS != 1700000000000 {
		t.Errorf("Depth = %d, TS = %d", event.Depth, event.OriginServerTS)
	}
	if event.Origin().String() != "test" {
		t.Errorf("Origin = %s", event.Origin())
	}
	if string(event.JSON()) != validMessage {
		t.Error("JSON() does not preserve the original bytes")
	}
}

func TestParseLegacyReferencePairs(t *testing.T) {
	raw := strings.Replace(validMessage, `["$a", "$b"]`, `[["$a", {"sha256": "x"}], ["$b", {"sha256": "y"}]]`, 1)
	event, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(event.PrevEvents) != 2 || event.PrevEvents[0].String() != "$a" {
		t.Errorf("PrevEvents = %v", event.PrevEvents)
	}
}

func TestParseStateAndRedaction(t *testing.T) {
	member := strings.NewReplacer(
		`"type": "m.room.message"`, `"type": "m.room.member", "state_key": "@bob:test"`,
		`{"body": "hello", "msgtype": "m.text"}`, `{"membership": "invite"}`,
	).Replace(validMessage)
	event, err := Parse([]byte(member))
	if err != nil {
		t.Fatalf("Parse member: %v", err)
	}
	if event.Kind() != KindState {
		t.Errorf("Kind = %s, want state", event.Kind())
	}
	if tuple := event.StateTuple(); tuple.Type != schema.MatrixEventTypeMember || tuple.StateKey != "@bob:test" {
		t.Errorf("StateTuple = %v", tuple)
	}
	if membership, ok := event.Membership(); !ok || membership != schema.MembershipInvite {
		t.Errorf("Membership = %q, %v", membership, ok)
	}

	redaction := strings.Replace(validMessage, `"type": "m.room.message"`, `"type": "m.room.redaction", "redacts": "$victim"`, 1)
	event, err = Parse([]byte(redaction))
	if err != nil {
		t.Fatalf("Parse redaction: %v", err)
	}
	if event.Kind() != KindRedaction || event.Redacts.String() != "$victim" {
		t.Errorf("Kind = %s, Redacts = %s", event.Kind(), event.Redacts)
	}

	contentRedaction := strings.NewReplacer(
		`"type": "m.room.message"`, `"type": "m.room.redaction"`,
		`{"body": "hello", "msgtype": "m.text"}`, `{"redacts": "$inner"}`,
	).Replace(validMessage)
	event, err = Parse([]byte(contentRedaction))
	if err != nil {
		t.Fatalf("Parse content redaction: %v", err)
	}
	if event.Redacts.String() != "$inner" {
		t.Errorf("Redacts = %s, want $inner", event.Redacts)
	}
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		field string
	}{
		{"not json", `{"event_id":`, ""},
		{"bad event id", strings.Replace(validMessage, `"$msg"`, `"msg"`, 1), "event_id"},
		{"bad room id", strings.Replace(validMessage, `"!room:test"`, `"room"`, 1), "room_id"},
		{"bad sender", strings.Replace(validMessage, `"@alice:test"`, `"alice"`, 1), "sender"},
		{"missing type", strings.Replace(validMessage, `"type": "m.room.message",`, ``, 1), "type"},
		{"array content", strings.Replace(validMessage, `{"body": "hello", "msgtype": "m.text"}`, `[]`, 1), "content"},
		{"missing depth", strings.Replace(validMessage, `"depth": 7,`, ``, 1), "depth"},
		{"negative depth", strings.Replace(validMessage, `"depth": 7`, `"depth": -1`, 1), "depth"},
		{"missing origin_server_ts", strings.Replace(validMessage, `"origin_server_ts": 1700000000000,`, ``, 1), "origin_server_ts"},
		{"string origin_server_ts", strings.Replace(validMessage, `1700000000000`, `"soon"`, 1), ""},
		{"missing prev", strings.Replace(validMessage, `"prev_events": ["$a", "$b"],`, ``, 1), "prev_events"},
		{"empty prev", strings.Replace(validMessage, `["$a", "$b"]`, `[]`, 1), "prev_events"},
		{"duplicate prev", strings.Replace(validMessage, `["$a", "$b"]`, `["$a", "$a"]`, 1), "prev_events"},
		{"bad prev", strings.Replace(validMessage, `["$a", "$b"]`, `[42]`, 1), "prev_events"},
		{"missing auth", strings.Replace(validMessage, `"auth_events": ["$create"],`, ``, 1), "auth_events"},
		{"redaction without target", strings.Replace(validMessage, `"m.room.message"`, `"m.room.redaction"`, 1), "redacts"},
		{"oversized", strings.Replace(validMessage, `"hello"`, `"`+strings.Repeat("x", MaxSize)+`"`, 1), ""},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Parse([]byte(test.raw))
			var malformedErr *MalformedError
			if !errors.As(err, &malformedErr) {
				t.Fatalf("Parse error = %v, want *MalformedError", err)
			}
			if malformedErr.Field != test.field {
				t.Errorf("Field = %q, want %q (%v)", malformedErr.Field, test.field, err)
			}
		})
	}
}

func TestParseCreateMayHaveNoPrevEvents(t *testing.T) {
	raw := `{"event_id":"$create","room_id":"!room:test","sender":"@alice:test","type":"m.room.create","state_key":"",
		"content":{"creator":"@alice:test"},"prev_events":[],"auth_events":[],"depth":1,"origin_server_ts":1}`
	event, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(event.PrevEvents) != 0 || event.Kind() != KindState {
		t.Errorf("PrevEvents = %v, Kind = %s", event.PrevEvents, event.Kind())
	}
}

func TestRedact(t *testing.T) {
	raw := `{"event_id":"$m","room_id":"!room:test","sender":"@alice:test","type":"m.room.member","state_key":"@alice:test",
		"content":{"membership":"join","displayname":"Alice"},"prev_events":["$a"],"auth_events":["$c"],"depth":2,
		"origin_server_ts":5,"unsigned":{"age":1},"hashes":{"sha256":"x"}}`
	event, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	redacted, err := event.Redact()
	if err != nil {
		t.Fatalf("Redact: %v", err)
	}
	if redacted.EventID != event.EventID || redacted.Depth != 2 || len(redacted.PrevEvents) != 1 {
		t.Errorf("graph position changed: %v", redacted)
	}

	var content map[string]any
	if err := json.Unmarshal(redacted.Content, &content); err != nil {
		t.Fatal(err)
	}
	if content["membership"] != "join" {
		t.Errorf("membership lost: %v", content)
	}
	if _, ok := content["displayname"]; ok {
		t.Errorf("displayname survived redaction: %v", content)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(redacted.JSON(), &top); err != nil {
		t.Fatal(err)
	}
	if _, ok := top["unsigned"]; ok {
		t.Error("unsigned survived redaction")
	}
	if _, ok := top["hashes"]; !ok {
		t.Error("hashes stripped by redaction")
	}
}

func TestRedactMessageEmptiesContent(t *testing.T) {
	event, err := Parse([]byte(validMessage))
	if err != nil {
		t.Fatal(err)
	}
	redacted, err := event.Redact()
	if err != nil {
		t.Fatalf("Redact: %v", err)
	}
	if string(redacted.Content) != "{}" {
		t.Errorf("content = %s, want {}", redacted.Content)
	}
}
