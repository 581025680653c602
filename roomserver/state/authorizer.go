// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package state

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/matrixcore/homeserver/roomserver/types"
)

// StateFetchFunc closes over the state an event is being authorized
// against. It returns nil (with ok=false) when the given (type,
// state_key) is absent from that state — never an error for a normal
// miss.
type StateFetchFunc func(eventType, stateKey string) (ev *types.PDU, ok bool)

// Membership values recognised by the m.room.member state machine.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)

const (
	defaultUserLevel        = 0
	defaultInviteLevel      = 0
	defaultKickLevel        = 50
	defaultBanLevel         = 50
	defaultRedactLevel      = 50
	defaultStateDefault     = 50
	defaultEventsDefault    = 0
)

// powerLevelsContent is the subset of m.room.power_levels content the
// authorizer cares about. Unset fields take the Matrix-spec defaults
// above.
type powerLevelsContent struct {
	Users        map[string]int64 `json:"users"`
	UsersDefault *int64           `json:"users_default"`
	Events       map[string]int64 `json:"events"`
	EventsDefault *int64          `json:"events_default"`
	StateDefault *int64           `json:"state_default"`
	Ban          *int64           `json:"ban"`
	Kick         *int64           `json:"kick"`
	Invite       *int64           `json:"invite"`
	Redact       *int64           `json:"redact"`
}

func parsePowerLevels(raw json.RawMessage) powerLevelsContent {
	var p powerLevelsContent
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &p)
	}
	return p
}

func (p powerLevelsContent) userLevel(userID string) int64 {
	if lvl, ok := p.Users[userID]; ok {
		return lvl
	}
	if p.UsersDefault != nil {
		return *p.UsersDefault
	}
	return defaultUserLevel
}

func (p powerLevelsContent) eventLevel(eventType string, isState bool) int64 {
	if lvl, ok := p.Events[eventType]; ok {
		return lvl
	}
	if isState {
		if p.StateDefault != nil {
			return *p.StateDefault
		}
		return defaultStateDefault
	}
	if p.EventsDefault != nil {
		return *p.EventsDefault
	}
	return defaultEventsDefault
}

func (p powerLevelsContent) level(field *int64, fallback int64) int64 {
	if field != nil {
		return *field
	}
	return fallback
}

// AuthCheck is the pure function from spec §4.3: given the referenced
// auth events (surfaced through stateFetch) decide whether event is
// permitted. It performs no I/O.
func AuthCheck(event *types.PDU, stateFetch StateFetchFunc) (bool, error) {
	if event.Type == "m.room.create" {
		return authCreate(event, stateFetch)
	}

	createEv, ok := stateFetch("m.room.create", "")
	if !ok || createEv == nil {
		return false, fmt.Errorf("state: no m.room.create in auth state")
	}

	// The room creator (the sender of m.room.create; an
	// additional_creators list is not read) always has implicit
	// authority, matching the create-event special casing in spec §4.3.
	if creatorHasAuthority(createEv, event.Sender) {
		if event.Type == "m.room.member" {
			// creator authority does not bypass the membership state
			// machine for anyone other than the creator's own join.
			if event.StateKey != nil && *event.StateKey == event.Sender &&
				gjson.GetBytes(event.Content, "membership").String() == MembershipJoin {
				return true, nil
			}
		} else {
			return true, nil
		}
	}

	plEv, hasPL := stateFetch("m.room.power_levels", "")
	pl := powerLevelsContent{}
	if hasPL {
		pl = parsePowerLevels(plEv.Content)
	}

	if event.Type == "m.room.member" {
		return authMembership(event, stateFetch, pl)
	}

	if event.Type == "m.room.power_levels" {
		return authPowerLevels(event, stateFetch, pl)
	}

	return authGenericStateOrMessage(event, pl), nil
}

func creatorHasAuthority(createEv *types.PDU, userID string) bool {
	return createEv.Sender == userID
}

// authCreate implements the m.room.create special casing: it is only
// valid as the first event of a room (no prior create event visible
// and no prev_events). Whether the room_id belongs to the sending
// server is not checked.
func authCreate(event *types.PDU, stateFetch StateFetchFunc) (bool, error) {
	if _, ok := stateFetch("m.room.create", ""); ok {
		return false, nil
	}
	if len(event.PrevEvents) != 0 {
		return false, nil
	}
	return true, nil
}

// authMembership implements the invite/ban/kick/join/knock transition
// matrix from spec §4.3.
func authMembership(event *types.PDU, stateFetch StateFetchFunc, pl powerLevelsContent) (bool, error) {
	if event.StateKey == nil {
		return false, fmt.Errorf("state: m.room.member without state_key")
	}
	target := *event.StateKey
	newMembership := gjson.GetBytes(event.Content, "membership").String()

	var currentMembership string
	if curEv, ok := stateFetch("m.room.member", target); ok {
		currentMembership = gjson.GetBytes(curEv.Content, "membership").String()
	} else {
		currentMembership = "leave" // absent == never-joined, treated as leave.
	}

	senderLevel := pl.userLevel(event.Sender)
	banLevel := pl.level(pl.Ban, defaultBanLevel)
	kickLevel := pl.level(pl.Kick, defaultKickLevel)
	inviteLevel := pl.level(pl.Invite, defaultInviteLevel)

	switch newMembership {
	case MembershipJoin:
		if event.Sender != target {
			return false, nil // a join event must be self-authored
		}
		switch currentMembership {
		case MembershipJoin, MembershipInvite:
			return true, nil
		case "leave":
			joinRule := "invite"
			if jrEv, ok := stateFetch("m.room.join_rules", ""); ok {
				if r := gjson.GetBytes(jrEv.Content, "join_rule").String(); r != "" {
					joinRule = r
				}
			}
			return joinRule == "public" || joinRule == "knock", nil
		default:
			return false, nil
		}

	case MembershipInvite:
		if currentMembership == MembershipBan || currentMembership == MembershipJoin {
			return false, nil
		}
		return senderLevel >= inviteLevel, nil

	case MembershipLeave:
		if event.Sender == target {
			// Voluntary leave/reject-invite/reject-knock: always allowed
			// unless already banned.
			return currentMembership != MembershipBan, nil
		}
		// Kick.
		targetLevel := pl.userLevel(target)
		return senderLevel >= kickLevel && senderLevel > targetLevel, nil

	case MembershipBan:
		targetLevel := pl.userLevel(target)
		return senderLevel >= banLevel && senderLevel > targetLevel, nil

	case MembershipKnock:
		if event.Sender != target {
			return false, nil
		}
		jrEv, ok := stateFetch("m.room.join_rules", "")
		if !ok {
			return false, nil
		}
		return gjson.GetBytes(jrEv.Content, "join_rule").String() == "knock", nil

	default:
		return false, nil
	}
}

// authPowerLevels requires the sender to already hold at least the
// level required to send m.room.power_levels, and forbids raising any
// entry (including one's own) above the sender's own current level.
func authPowerLevels(event *types.PDU, stateFetch StateFetchFunc, current powerLevelsContent) (bool, error) {
	senderLevel := current.userLevel(event.Sender)
	requiredLevel := current.eventLevel("m.room.power_levels", true)
	if senderLevel < requiredLevel {
		return false, nil
	}

	next := parsePowerLevels(event.Content)
	for user, lvl := range next.Users {
		old := current.userLevel(user)
		if lvl > senderLevel || old > senderLevel {
			// raising/touching a level at or above the sender's own is
			// only allowed if the sender is not increasing beyond what
			// they themselves hold.
			if lvl > senderLevel {
				return false, nil
			}
		}
	}
	return true, nil
}

// authGenericStateOrMessage covers every event type without bespoke
// rules: state events require state_default (or a per-type override),
// message events require events_default (or a per-type override).
func authGenericStateOrMessage(event *types.PDU, pl powerLevelsContent) bool {
	senderLevel := pl.userLevel(event.Sender)
	required := pl.eventLevel(event.Type, event.IsStateEvent())
	return senderLevel >= required
}

// RedactionAllowed implements the room-version-specific redaction rule
// referenced in spec §9 "Redactions": the redacting user must either
// be the original sender, or hold at least the redact power level, or
// (for room versions where this applies) share the redacted event's
// origin server.
func RedactionAllowed(roomVersion string, redactingUserID string, originalEvent *types.PDU, pl powerLevelsContent) bool {
	if redactingUserID == originalEvent.Sender {
		return true
	}
	senderLevel := pl.userLevel(redactingUserID)
	redactLevel := pl.level(pl.Redact, defaultRedactLevel)
	if senderLevel >= redactLevel {
		return true
	}
	// Room versions 1-2 additionally allow same-origin-server
	// redaction of another local user's event; later versions removed
	// this special case. We only recognise the early-version id
	// strings explicitly, defaulting to the modern (disallowed)
	// behaviour otherwise.
	if roomVersion == "1" || roomVersion == "2" {
		return sameServer(redactingUserID, originalEvent.Sender)
	}
	return false
}

func sameServer(a, b string) bool {
	ai := strings.IndexByte(a, ':')
	bi := strings.IndexByte(b, ':')
	if ai < 0 || bi < 0 {
		return false
	}
	return a[ai+1:] == b[bi+1:]
}
