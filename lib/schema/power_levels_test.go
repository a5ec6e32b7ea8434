// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"encoding/json"
	"testing"

	"github.com/bureau-foundation/roomserver/lib/ref"
)

func levelPointer(value int64) *int64 { return &value }

func TestUserLevel(t *testing.T) {
	t.Parallel()

	alice := ref.MustParseUserID("@alice:test")
	unknown := ref.MustParseUserID("@unknown:test")

	tests := []struct {
		name        string
		powerLevels PowerLevels
		userID      ref.UserID
		expected    int64
	}{
		{
			name:        "explicit user level",
			powerLevels: PowerLevels{Users: map[string]int64{"@alice:test": 100}},
			userID:      alice,
			expected:    100,
		},
		{
			name:        "explicit zero beats users_default",
			powerLevels: PowerLevels{Users: map[string]int64{"@alice:test": 0}, UsersDefault: levelPointer(10)},
			userID:      alice,
			expected:    0,
		},
		{
			name:        "falls back to users_default",
			powerLevels: PowerLevels{Users: map[string]int64{"@alice:test": 100}, UsersDefault: levelPointer(25)},
			userID:      unknown,
			expected:    25,
		},
		{
			name:        "no users and no default",
			powerLevels: PowerLevels{},
			userID:      unknown,
			expected:    0,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			if got := test.powerLevels.UserLevel(test.userID); got != test.expected {
				t.Errorf("UserLevel(%s) = %d, want %d", test.userID, got, test.expected)
			}
		})
	}
}

func TestEventLevel(t *testing.T) {
	t.Parallel()

	powerLevels := PowerLevels{
		Events:        map[string]int64{"m.room.name": 75},
		EventsDefault: levelPointer(5),
	}
	if got := powerLevels.EventLevel(MatrixEventTypeName, true); got != 75 {
		t.Errorf("explicit event level = %d, want 75", got)
	}
	if got := powerLevels.EventLevel(MatrixEventTypeTopic, true); got != DefaultStateLevel {
		t.Errorf("state default = %d, want %d", got, DefaultStateLevel)
	}
	if got := powerLevels.EventLevel(MatrixEventTypeMessage, false); got != 5 {
		t.Errorf("events_default = %d, want 5", got)
	}
}

func TestDefaultThresholds(t *testing.T) {
	t.Parallel()

	var powerLevels PowerLevels
	if err := json.Unmarshal([]byte(`{"kick": 20}`), &powerLevels); err != nil {
		t.Fatal(err)
	}
	if powerLevels.KickLevel() != 20 {
		t.Errorf("KickLevel = %d, want 20", powerLevels.KickLevel())
	}
	if powerLevels.BanLevel() != DefaultBanLevel || powerLevels.RedactLevel() != DefaultRedactLevel || powerLevels.InviteLevel() != DefaultInviteLevel {
		t.Errorf("defaults not applied: ban=%d redact=%d invite=%d",
			powerLevels.BanLevel(), powerLevels.RedactLevel(), powerLevels.InviteLevel())
	}
	fields := powerLevels.TopLevelFields()
	if fields["kick"] == nil || *fields["kick"] != 20 || fields["ban"] != nil {
		t.Errorf("TopLevelFields = %v", fields)
	}
}

func TestCreateContentFederated(t *testing.T) {
	t.Parallel()

	var content CreateContent
	if err := json.Unmarshal([]byte(`{"room_version":"10"}`), &content); err != nil {
		t.Fatal(err)
	}
	if !content.Federated() {
		t.Error("missing m.federate should mean federated")
	}
	content = CreateContent{}
	if err := json.Unmarshal([]byte(`{"m.federate":false}`), &content); err != nil {
		t.Fatal(err)
	}
	if content.Federated() {
		t.Error("m.federate=false should not be federated")
	}
}
