// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"github.com/matrixcore/homeserver/internal/kv"
	"github.com/matrixcore/homeserver/roomserver/state"
)

// Membership is the one-byte tag stored alongside a user/room pair,
// mirroring the membership strings in roomserver/state's authorizer.
type Membership byte

const (
	MembershipNone Membership = iota
	MembershipJoin
	MembershipInvite
	MembershipLeave
	MembershipBan
	MembershipKnock
)

func membershipFromString(s string) Membership {
	switch s {
	case state.MembershipJoin:
		return MembershipJoin
	case state.MembershipInvite:
		return MembershipInvite
	case state.MembershipLeave:
		return MembershipLeave
	case state.MembershipBan:
		return MembershipBan
	case state.MembershipKnock:
		return MembershipKnock
	default:
		return MembershipNone
	}
}

// indexColumn and the rooms-X column for a given old/new membership
// transition, used by UpdateMembership to know which per-user indices
// to add the room to and which to remove it from.
func indexColumnFor(m Membership) kv.Column {
	switch m {
	case MembershipJoin:
		return kv.ColRoomsJoined
	case MembershipInvite:
		return kv.ColRoomsInvited
	case MembershipLeave, MembershipBan:
		return kv.ColRoomsLeft
	case MembershipKnock:
		return kv.ColRoomsKnocked
	default:
		return ""
	}
}

// MembershipStore implements spec §4.10: the per-user and per-room
// membership indices that let a client's /sync and /joined_rooms
// avoid scanning the full timeline.
type MembershipStore struct {
	e *kv.Engine
}

// NewMembershipStore constructs a MembershipStore backed by e.
func NewMembershipStore(e *kv.Engine) *MembershipStore {
	return &MembershipStore{e: e}
}

func userRoomKey(userID, roomID string) []byte {
	return kv.Tuple([]byte(userID), []byte(roomID))
}

func roomUserKey(roomID, userID string) []byte {
	return kv.Tuple([]byte(roomID), []byte(userID))
}

// UpdateMembership records userID's new membership in roomID, keeping
// ColMembershipByUserRoom, the per-user rooms_* indices, ColRoomMembers
// and the joined/invited counters in lockstep, per spec §4.10
// "membership transition invariants". membershipStr is the Matrix
// membership value ("join", "invite", "leave", "ban", "knock").
func (s *MembershipStore) UpdateMembership(roomID, userID, membershipStr, eventID string) error {
	newM := membershipFromString(membershipStr)

	old := MembershipNone
	if raw, ok, err := s.e.Get(kv.ColMembershipByUserRoom, userRoomKey(userID, roomID)); err != nil {
		return err
	} else if ok && len(raw) > 0 {
		old = Membership(raw[0])
	}

	b := s.e.NewBatch()

	rec := append([]byte{byte(newM)}, []byte(eventID)...)
	b.Put(kv.ColMembershipByUserRoom, userRoomKey(userID, roomID), rec)
	b.Put(kv.ColRoomMembers, roomUserKey(roomID, userID), []byte{byte(newM)})

	if oldCol := indexColumnFor(old); oldCol != "" {
		b.Delete(oldCol, userRoomKey(userID, roomID))
	}
	if newCol := indexColumnFor(newM); newCol != "" {
		b.Put(newCol, userRoomKey(userID, roomID), []byte{})
	}

	if err := b.Commit(); err != nil {
		return err
	}

	return s.adjustCounters(roomID, old, newM)
}

func (s *MembershipStore) adjustCounters(roomID string, old, newM Membership) error {
	delta := func(col kv.Column, wasCounted, isCounted bool) error {
		if wasCounted == isCounted {
			return nil
		}
		v, ok, err := s.e.Get(col, []byte(roomID))
		if err != nil {
			return err
		}
		var n uint64
		if ok {
			n = kv.DecodeUint64(v)
		}
		if isCounted {
			n++
		} else if n > 0 {
			n--
		}
		return s.e.Put(col, []byte(roomID), kv.EncodeUint64(n))
	}
	if err := delta(kv.ColRoomJoinedCount, old == MembershipJoin, newM == MembershipJoin); err != nil {
		return err
	}
	return delta(kv.ColRoomInvitedCount, old == MembershipInvite, newM == MembershipInvite)
}

// MembershipOf returns userID's current membership in roomID.
func (s *MembershipStore) MembershipOf(roomID, userID string) (Membership, bool, error) {
	raw, ok, err := s.e.Get(kv.ColMembershipByUserRoom, userRoomKey(userID, roomID))
	if err != nil || !ok || len(raw) == 0 {
		return MembershipNone, false, err
	}
	return Membership(raw[0]), true, nil
}

// RoomsWithMembership lists every room id for which userID currently
// has the given membership (spec §4.10 rooms_joined/invited/left/knocked).
func (s *MembershipStore) RoomsWithMembership(userID string, m Membership) ([]string, error) {
	col := indexColumnFor(m)
	if col == "" {
		return nil, nil
	}
	prefix := append([]byte(userID), kv.RecordSeparator)
	var out []string
	err := s.e.IteratePrefix(col, prefix, kv.Forward, func(k, v []byte) bool {
		out = append(out, string(k[len(prefix):]))
		return true
	})
	return out, err
}

// RoomMembers lists every (user_id, membership) pair in roomID (spec
// §4.10 room_members).
func (s *MembershipStore) RoomMembers(roomID string) (map[string]Membership, error) {
	prefix := append([]byte(roomID), kv.RecordSeparator)
	out := map[string]Membership{}
	err := s.e.IteratePrefix(kv.ColRoomMembers, prefix, kv.Forward, func(k, v []byte) bool {
		if len(v) > 0 {
			out[string(k[len(prefix):])] = Membership(v[0])
		}
		return true
	})
	return out, err
}

// JoinedCount and InvitedCount return the maintained counters for
// roomID (spec §4.10 room_joined_count/room_invited_count).
func (s *MembershipStore) JoinedCount(roomID string) (uint64, error) {
	v, ok, err := s.e.Get(kv.ColRoomJoinedCount, []byte(roomID))
	if err != nil || !ok {
		return 0, err
	}
	return kv.DecodeUint64(v), nil
}

func (s *MembershipStore) InvitedCount(roomID string) (uint64, error) {
	v, ok, err := s.e.Get(kv.ColRoomInvitedCount, []byte(roomID))
	if err != nil || !ok {
		return 0, err
	}
	return kv.DecodeUint64(v), nil
}

// UpdateServerInRoom records whether serverName has at least one
// joined user in roomID (spec §4.10 server_in_room/room_servers), used
// by the federation sender to pick destinations for a room event.
func (s *MembershipStore) UpdateServerInRoom(roomID, serverName string, inRoom bool) error {
	b := s.e.NewBatch()
	serverRoomKey := kv.Tuple([]byte(serverName), []byte(roomID))
	roomServerKey := kv.Tuple([]byte(roomID), []byte(serverName))
	if inRoom {
		b.Put(kv.ColServerInRoom, serverRoomKey, []byte{})
		b.Put(kv.ColRoomServers, roomServerKey, []byte{})
	} else {
		b.Delete(kv.ColServerInRoom, serverRoomKey)
		b.Delete(kv.ColRoomServers, roomServerKey)
	}
	return b.Commit()
}

// ServerInRoom reports whether serverName currently has a joined
// member in roomID.
func (s *MembershipStore) ServerInRoom(roomID, serverName string) (bool, error) {
	_, ok, err := s.e.Get(kv.ColServerInRoom, kv.Tuple([]byte(serverName), []byte(roomID)))
	return ok, err
}

// RoomServers lists every server with at least one joined member in
// roomID, the destination set for outbound federation of a room event.
func (s *MembershipStore) RoomServers(roomID string) ([]string, error) {
	prefix := append([]byte(roomID), kv.RecordSeparator)
	var out []string
	err := s.e.IteratePrefix(kv.ColRoomServers, prefix, kv.Forward, func(k, v []byte) bool {
		out = append(out, string(k[len(prefix):]))
		return true
	})
	return out, err
}
