// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "github.com/bureau-foundation/roomserver/lib/ref"

// Matrix event types with authorization or storage semantics.
const (
	MatrixEventTypeCreate            ref.EventType = "m.room.create"
	MatrixEventTypeMember            ref.EventType = "m.room.member"
	MatrixEventTypePowerLevels       ref.EventType = "m.room.power_levels"
	MatrixEventTypeJoinRules         ref.EventType = "m.room.join_rules"
	MatrixEventTypeHistoryVisibility ref.EventType = "m.room.history_visibility"
	MatrixEventTypeThirdPartyInvite  ref.EventType = "m.room.third_party_invite"
	MatrixEventTypeRedaction         ref.EventType = "m.room.redaction"
	MatrixEventTypeName              ref.EventType = "m.room.name"
	MatrixEventTypeTopic             ref.EventType = "m.room.topic"
	MatrixEventTypeMessage           ref.EventType = "m.room.message"
)

// Membership values of m.room.member content.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)

// Join rule values of m.room.join_rules content.
const (
	JoinRulePublic     = "public"
	JoinRuleInvite     = "invite"
	JoinRuleKnock      = "knock"
	JoinRuleRestricted = "restricted"
	JoinRulePrivate    = "private"
)

// CreateContent is the content of m.room.create.
type CreateContent struct {
	// Creator is present in room versions before 11. Later versions
	// use the event's sender.
	Creator     string `json:"creator,omitempty"`
	RoomVersion string `json:"room_version,omitempty"`

	// Federate is m.federate. Nil means true.
	Federate *bool `json:"m.federate,omitempty"`
}

// Federated reports whether servers other than the creator's may
// participate in the room.
func (c CreateContent) Federated() bool {
	return c.Federate == nil || *c.Federate
}

// MemberContent is the content of m.room.member.
type MemberContent struct {
	Membership  string `json:"membership"`
	DisplayName string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Reason      string `json:"reason,omitempty"`

	JoinAuthorisedViaUsersServer string `json:"join_authorised_via_users_server,omitempty"`
}

// JoinRulesContent is the content of m.room.join_rules.
type JoinRulesContent struct {
	JoinRule string `json:"join_rule"`
}

// RedactionContent is the content of m.room.redaction in room versions
// that carry the target inside content. Earlier versions use the
// top-level "redacts" key.
type RedactionContent struct {
	Redacts string `json:"redacts,omitempty"`
	Reason  string `json:"reason,omitempty"`
}
