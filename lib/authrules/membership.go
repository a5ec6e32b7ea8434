// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package authrules

import (
	"encoding/json"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/schema"
)

func checkMembership(candidate, create *pdu.Event, state AuthState) Decision {
	if candidate.StateKey == nil {
		return reject("m.room.member without a state key")
	}
	target, err := ref.ParseUserID(*candidate.StateKey)
	if err != nil {
		return reject("m.room.member state key: %v", err)
	}
	var content schema.MemberContent
	if err := candidate.DecodeContent(&content); err != nil {
		return reject("m.room.member content: %v", err)
	}

	senderMembership := membershipOf(state, candidate.Sender)
	targetMembership := membershipOf(state, target)

	switch content.Membership {
	case schema.MembershipJoin:
		return checkJoin(candidate, create, state, target, content, targetMembership)

	case schema.MembershipInvite:
		var raw map[string]json.RawMessage
		if candidate.DecodeContent(&raw) == nil {
			if _, ok := raw["third_party_invite"]; ok {
				return reject("third-party invites are not supported")
			}
		}
		if senderMembership != schema.MembershipJoin {
			return reject("inviter %s is not joined", candidate.Sender)
		}
		if targetMembership == schema.MembershipJoin || targetMembership == schema.MembershipBan {
			return reject("cannot invite %s whose membership is %s", target, targetMembership)
		}
		invite, _, _ := thresholds(state)
		if level := EffectivePowerLevel(candidate.Sender, state); level < invite {
			return reject("inviter level %d is below invite level %d", level, invite)
		}
		return allow()

	case schema.MembershipLeave:
		if candidate.Sender == target {
			switch targetMembership {
			case schema.MembershipJoin, schema.MembershipInvite, schema.MembershipKnock:
				return allow()
			}
			return reject("%s cannot leave from membership %q", target, targetMembership)
		}
		if senderMembership != schema.MembershipJoin {
			return reject("kicker %s is not joined", candidate.Sender)
		}
		_, kick, ban := thresholds(state)
		senderLevel := EffectivePowerLevel(candidate.Sender, state)
		if targetMembership == schema.MembershipBan && senderLevel < ban {
			return reject("unbanning needs level %d, sender has %d", ban, senderLevel)
		}
		if senderLevel < kick {
			return reject("kicking needs level %d, sender has %d", kick, senderLevel)
		}
		if targetLevel := EffectivePowerLevel(target, state); targetLevel >= senderLevel {
			return reject("target level %d is not below sender level %d", targetLevel, senderLevel)
		}
		return allow()

	case schema.MembershipBan:
		if senderMembership != schema.MembershipJoin {
			return reject("banner %s is not joined", candidate.Sender)
		}
		_, _, ban := thresholds(state)
		senderLevel := EffectivePowerLevel(candidate.Sender, state)
		if senderLevel < ban {
			return reject("banning needs level %d, sender has %d", ban, senderLevel)
		}
		if targetLevel := EffectivePowerLevel(target, state); targetLevel >= senderLevel {
			return reject("target level %d is not below sender level %d", targetLevel, senderLevel)
		}
		return allow()

	case schema.MembershipKnock:
		rule := joinRule(state)
		if rule != schema.JoinRuleKnock && rule != "knock_restricted" {
			return reject("join rule %q does not allow knocking", rule)
		}
		if candidate.Sender != target {
			return reject("%s cannot knock on behalf of %s", candidate.Sender, target)
		}
		switch targetMembership {
		case schema.MembershipBan, schema.MembershipInvite, schema.MembershipJoin:
			return reject("cannot knock from membership %s", targetMembership)
		}
		return allow()

	default:
		return reject("unknown membership %q", content.Membership)
	}
}

func checkJoin(candidate, create *pdu.Event, state AuthState, target ref.UserID, content schema.MemberContent, targetMembership string) Decision {
	// The creator's own join directly after create bootstraps the room.
	if len(candidate.PrevEvents) == 1 && candidate.PrevEvents[0] == create.EventID && target == creatorOf(create) {
		if candidate.Sender != target {
			return reject("creator join sent by %s", candidate.Sender)
		}
		return allow()
	}
	if candidate.Sender != target {
		return reject("%s cannot join on behalf of %s", candidate.Sender, target)
	}
	if targetMembership == schema.MembershipBan {
		return reject("%s is banned", target)
	}

	switch rule := joinRule(state); rule {
	case schema.JoinRulePublic:
		return allow()
	case schema.JoinRuleInvite, schema.JoinRuleKnock:
		if targetMembership == schema.MembershipJoin || targetMembership == schema.MembershipInvite {
			return allow()
		}
		return reject("join rule %s requires an invite", rule)
	case schema.JoinRuleRestricted, "knock_restricted":
		if targetMembership == schema.MembershipJoin || targetMembership == schema.MembershipInvite {
			return allow()
		}
		if content.JoinAuthorisedViaUsersServer == "" {
			return reject("restricted join without an authorising user")
		}
		authoriser, err := ref.ParseUserID(content.JoinAuthorisedViaUsersServer)
		if err != nil {
			return reject("join_authorised_via_users_server: %v", err)
		}
		if membershipOf(state, authoriser) != schema.MembershipJoin {
			return reject("authorising user %s is not joined", authoriser)
		}
		invite, _, _ := thresholds(state)
		if EffectivePowerLevel(authoriser, state) < invite {
			return reject("authorising user %s cannot invite", authoriser)
		}
		return allow()
	default:
		return reject("join rule %q does not allow joining", rule)
	}
}

// joinRule returns the join rule of state. A room without a join rules
// event is invite-only.
func joinRule(state AuthState) string {
	event := state.StateEvent(schema.MatrixEventTypeJoinRules, "")
	if event == nil {
		return schema.JoinRuleInvite
	}
	var content schema.JoinRulesContent
	if event.DecodeContent(&content) != nil {
		return ""
	}
	return content.JoinRule
}
