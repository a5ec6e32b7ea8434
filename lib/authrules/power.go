// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package authrules

import (
	"maps"
	"slices"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/schema"
)

// powerLevels returns the decoded power levels of state. The second
// return is false when state has no power levels event, in which case
// the room-creation defaults apply. Undecodable content counts as an
// empty power levels event.
func powerLevels(state AuthState) (*schema.PowerLevels, bool) {
	event := state.StateEvent(schema.MatrixEventTypePowerLevels, "")
	if event == nil {
		return nil, false
	}
	var levels schema.PowerLevels
	if event.DecodeContent(&levels) != nil {
		return &schema.PowerLevels{}, true
	}
	return &levels, true
}

// EffectivePowerLevel returns user's power level in state. Without a
// power levels event the room creator has 100 and everyone else 0.
func EffectivePowerLevel(user ref.UserID, state AuthState) int64 {
	if levels, ok := powerLevels(state); ok {
		return levels.UserLevel(user)
	}
	if create := state.StateEvent(schema.MatrixEventTypeCreate, ""); create != nil && creatorOf(create) == user {
		return schema.DefaultCreatorLevel
	}
	return schema.DefaultUsersLevel
}

func requiredEventLevel(event *pdu.Event, state AuthState) int64 {
	levels, ok := powerLevels(state)
	if !ok {
		return 0
	}
	return levels.EventLevel(event.Type, event.IsState())
}

func thresholds(state AuthState) (invite, kick, ban int64) {
	levels, ok := powerLevels(state)
	if !ok {
		return schema.DefaultInviteLevel, schema.DefaultKickLevel, schema.DefaultBanLevel
	}
	return levels.InviteLevel(), levels.KickLevel(), levels.BanLevel()
}

// checkPowerLevelsChange applies the rules for replacing the power
// levels event: no sender may grant, revoke, or move a threshold above
// their own level, or change the level of a user at or above their own.
func checkPowerLevelsChange(candidate *pdu.Event, state AuthState, senderLevel int64) Decision {
	var proposed schema.PowerLevels
	if err := candidate.DecodeContent(&proposed); err != nil {
		return reject("power levels content: %v", err)
	}
	for _, user := range slices.Sorted(maps.Keys(proposed.Users)) {
		if _, err := ref.ParseUserID(user); err != nil {
			return reject("power levels users key %q: %v", user, err)
		}
	}

	current, ok := powerLevels(state)
	if !ok {
		return allow()
	}

	currentFields, proposedFields := current.TopLevelFields(), proposed.TopLevelFields()
	for _, name := range slices.Sorted(maps.Keys(currentFields)) {
		old, updated := currentFields[name], proposedFields[name]
		if equalLevel(old, updated) {
			continue
		}
		if old != nil && *old > senderLevel {
			return reject("cannot change %s from %d, above sender level %d", name, *old, senderLevel)
		}
		if updated != nil && *updated > senderLevel {
			return reject("cannot set %s to %d, above sender level %d", name, *updated, senderLevel)
		}
	}

	for _, table := range []struct {
		name     string
		old, new map[string]int64
	}{
		{"events", current.Events, proposed.Events},
		{"notifications", current.Notifications, proposed.Notifications},
	} {
		for _, key := range unionKeys(table.old, table.new) {
			old, hadOld := table.old[key]
			updated, hasNew := table.new[key]
			if hadOld == hasNew && old == updated {
				continue
			}
			if hadOld && old > senderLevel {
				return reject("cannot change %s[%s] from %d, above sender level %d", table.name, key, old, senderLevel)
			}
			if hasNew && updated > senderLevel {
				return reject("cannot set %s[%s] to %d, above sender level %d", table.name, key, updated, senderLevel)
			}
		}
	}

	for _, user := range unionKeys(current.Users, proposed.Users) {
		old, hadOld := current.Users[user]
		updated, hasNew := proposed.Users[user]
		if hadOld == hasNew && old == updated {
			continue
		}
		if hasNew && updated > senderLevel {
			return reject("cannot grant %s level %d, above sender level %d", user, updated, senderLevel)
		}
		if hadOld && user != candidate.Sender.String() && old >= senderLevel {
			return reject("cannot change level of %s (%d), not below sender level %d", user, old, senderLevel)
		}
	}
	return allow()
}

func equalLevel(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// unionKeys returns the keys of a and b, sorted, so that the first
// violation reported is the same on every run.
func unionKeys(a, b map[string]int64) []string {
	keys := slices.Collect(maps.Keys(a))
	for key := range b {
		if _, ok := a[key]; !ok {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}
