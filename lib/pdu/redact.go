// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pdu

import (
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/schema"
)

// keptTopLevel are the top-level keys that survive redaction.
var keptTopLevel = []string{
	"event_id", "type", "room_id", "sender", "state_key", "content",
	"hashes", "signatures", "depth", "prev_events", "auth_events",
	"origin_server_ts",
}

// keptContent lists, per event type, the content keys that survive
// redaction. m.room.create keeps its whole content and is handled
// separately.
var keptContent = map[ref.EventType][]string{
	schema.MatrixEventTypeMember:            {"membership", "join_authorised_via_users_server"},
	schema.MatrixEventTypeJoinRules:         {"join_rule", "allow"},
	schema.MatrixEventTypeHistoryVisibility: {"history_visibility"},
	schema.MatrixEventTypeRedaction:         {"redacts"},
	schema.MatrixEventTypePowerLevels: {
		"ban", "events", "events_default", "invite", "kick", "redact",
		"state_default", "users", "users_default",
	},
}

// Redact returns the event with every key that redaction strips
// removed. Authorization-relevant content (membership, power levels,
// join rules, the whole create content) is kept so a redacted event
// still authorizes exactly what it did before. The result has the same
// event ID and position in the graph.
func (e *Event) Redact() (*Event, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(e.raw, &top); err != nil {
		return nil, fmt.Errorf("redacting %s: %w", e.EventID, err)
	}

	redacted := make(map[string]json.RawMessage, len(keptTopLevel))
	for _, key := range keptTopLevel {
		if value, ok := top[key]; ok {
			redacted[key] = value
		}
	}
	if value, ok := top["redacts"]; ok && e.Type == schema.MatrixEventTypeRedaction {
		redacted["redacts"] = value
	}

	content := json.RawMessage(`{}`)
	if e.Type == schema.MatrixEventTypeCreate {
		content = e.Content
	} else if keys, ok := keptContent[e.Type]; ok {
		var full map[string]json.RawMessage
		if err := json.Unmarshal(e.Content, &full); err != nil {
			return nil, fmt.Errorf("redacting %s content: %w", e.EventID, err)
		}
		kept := make(map[string]json.RawMessage)
		for _, key := range keys {
			if value, ok := full[key]; ok {
				kept[key] = value
			}
		}
		encoded, err := json.Marshal(kept)
		if err != nil {
			return nil, fmt.Errorf("redacting %s content: %w", e.EventID, err)
		}
		content = encoded
	}
	redacted["content"] = content

	raw, err := json.Marshal(redacted)
	if err != nil {
		return nil, fmt.Errorf("redacting %s: %w", e.EventID, err)
	}
	return Parse(raw)
}
