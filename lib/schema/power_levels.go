// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "github.com/bureau-foundation/roomserver/lib/ref"

// Default levels applied when a power levels event omits a field.
const (
	DefaultBanLevel     = 50
	DefaultKickLevel    = 50
	DefaultRedactLevel  = 50
	DefaultInviteLevel  = 0
	DefaultUsersLevel   = 0
	DefaultEventsLevel  = 0
	DefaultStateLevel   = 50
	DefaultCreatorLevel = 100
)

// PowerLevels is the content of m.room.power_levels.
//
// Pointer fields distinguish "not set" from "explicitly 0" so the
// defaults above apply only where the sender left a field out, and so
// that authorization can tell whether a field changed between two
// power levels events.
type PowerLevels struct {
	Users         map[string]int64 `json:"users,omitempty"`
	UsersDefault  *int64           `json:"users_default,omitempty"`
	Events        map[string]int64 `json:"events,omitempty"`
	EventsDefault *int64           `json:"events_default,omitempty"`
	StateDefault  *int64           `json:"state_default,omitempty"`
	Invite        *int64           `json:"invite,omitempty"`
	Ban           *int64           `json:"ban,omitempty"`
	Kick          *int64           `json:"kick,omitempty"`
	Redact        *int64           `json:"redact,omitempty"`
	Notifications map[string]int64 `json:"notifications,omitempty"`
}

func levelOr(value *int64, fallback int64) int64 {
	if value != nil {
		return *value
	}
	return fallback
}

// UserLevel returns the level of userID: its explicit entry, else
// users_default, else 0.
func (p *PowerLevels) UserLevel(userID ref.UserID) int64 {
	if level, ok := p.Users[userID.String()]; ok {
		return level
	}
	return levelOr(p.UsersDefault, DefaultUsersLevel)
}

// EventLevel returns the level required to send an event of the given
// type. State events fall back to state_default, others to
// events_default.
func (p *PowerLevels) EventLevel(eventType ref.EventType, isState bool) int64 {
	if level, ok := p.Events[string(eventType)]; ok {
		return level
	}
	if isState {
		return levelOr(p.StateDefault, DefaultStateLevel)
	}
	return levelOr(p.EventsDefault, DefaultEventsLevel)
}

func (p *PowerLevels) BanLevel() int64    { return levelOr(p.Ban, DefaultBanLevel) }
func (p *PowerLevels) KickLevel() int64   { return levelOr(p.Kick, DefaultKickLevel) }
func (p *PowerLevels) InviteLevel() int64 { return levelOr(p.Invite, DefaultInviteLevel) }
func (p *PowerLevels) RedactLevel() int64 { return levelOr(p.Redact, DefaultRedactLevel) }

// TopLevelFields returns the scalar thresholds keyed by their JSON
// names, with nil for fields the event omits.
func (p *PowerLevels) TopLevelFields() map[string]*int64 {
	return map[string]*int64{
		"users_default":  p.UsersDefault,
		"events_default": p.EventsDefault,
		"state_default":  p.StateDefault,
		"invite":         p.Invite,
		"ban":            p.Ban,
		"kick":           p.Kick,
		"redact":         p.Redact,
	}
}
