// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package types holds the data model shared by every roomserver
// package: PDUs, PduCount/PduId ordering tokens, compressed state
// pairs, and the small value types threaded through the ingestion
// pipeline. Grounded on the shape of github.com/element-hq/dendrite's
// roomserver/types package, generalized to this spec's KV-backed
// storage model instead of SQL NIDs.
package types

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixcore/homeserver/internal/kv"
)

// PDU is the immutable event record described in spec §3. Content is
// kept as opaque canonical JSON per the design note in spec §9
// ("polymorphic event content") and only decoded into typed fields at
// the call sites that need them (auth rules, state resolution,
// redaction).
type PDU struct {
	EventID        string          `json:"event_id"`
	RoomID         string          `json:"room_id"`
	Sender         string          `json:"sender"`
	OriginServerTS spec.Timestamp  `json:"origin_server_ts"`
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key,omitempty"`
	Content        json.RawMessage `json:"content"`
	PrevEvents     []string        `json:"prev_events"`
	AuthEvents     []string        `json:"auth_events"`
	Depth          int64           `json:"depth"`
	Hashes         json.RawMessage `json:"hashes,omitempty"`
	Signatures     json.RawMessage `json:"signatures,omitempty"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
	Redacts        string          `json:"redacts,omitempty"`

	// raw holds the exact canonical bytes this PDU was parsed from, so
	// that outbound federation re-serializes the precise bytes that
	// were signed (spec §4.6).
	raw []byte
}

// IsStateEvent reports whether this PDU carries a state_key.
func (p *PDU) IsStateEvent() bool { return p.StateKey != nil }

// RawJSON returns the exact canonical bytes this PDU was parsed from.
func (p *PDU) RawJSON() []byte { return p.raw }

// ParsePDU parses canonical PDU JSON, dispatching event-id derivation
// by room version as spec §9's open question demands: early room
// versions carry event_id as a JSON field, modern versions derive it by
// content hash via gomatrixserverlib.
func ParsePDU(roomVersion gomatrixserverlib.RoomVersion, raw []byte) (*PDU, error) {
	verImpl, err := gomatrixserverlib.GetRoomVersion(roomVersion)
	if err != nil {
		return nil, fmt.Errorf("types: unknown room version %s: %w", roomVersion, err)
	}
	ev, err := verImpl.NewEventFromUntrustedJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("types: parse event: %w", err)
	}
	p := &PDU{
		EventID:        ev.EventID(),
		RoomID:         ev.RoomID().String(),
		Sender:         ev.SenderID().String(),
		OriginServerTS: ev.OriginServerTS(),
		Type:           ev.Type(),
		StateKey:       ev.StateKey(),
		Content:        json.RawMessage(ev.Content()),
		PrevEvents:     ev.PrevEventIDs(),
		AuthEvents:     ev.AuthEventIDs(),
		Depth:          ev.Depth(),
		Redacts:        ev.Redacts(),
		raw:            raw,
	}
	return p, nil
}

// PduCount is the per-room monotonic ordering token from spec §3.
// Normal counts are allocated increasing from 1; Backfilled counts are
// allocated decreasing from -1 (-1, -2, ...), so the signed-integer
// ordering Backfilled < Normal holds automatically and a single
// comparison sorts timeline position correctly in both directions.
type PduCount int64

// IsBackfilled reports whether this count was allocated by backfill.
func (c PduCount) IsBackfilled() bool { return c <= 0 }

// Encode big-endian/sign encodes the count for use as a KV key field.
func (c PduCount) Encode() []byte { return kv.EncodeInt64(int64(c)) }

// DecodePduCount is the inverse of PduCount.Encode.
func DecodePduCount(b []byte) PduCount { return PduCount(kv.DecodeInt64(b)) }

// PduID is (shortroomid, PduCount), the primary key of the timeline
// column (spec §3).
type PduID struct {
	ShortRoomID uint64
	Count       PduCount
}

// Encode packs the PduID into the fixed-width byte key used in
// kv.ColTimelinePDU and kv.ColEventIDToPduID.
func (id PduID) Encode() []byte {
	return kv.Tuple(kv.EncodeUint64(id.ShortRoomID), id.Count.Encode())
}

// DecodePduID is the inverse of PduID.Encode.
func DecodePduID(b []byte) PduID {
	fields := kv.SplitTuple(b, 2)
	return PduID{
		ShortRoomID: kv.DecodeUint64(fields[0]),
		Count:       DecodePduCount(fields[1]),
	}
}

// StatePair is a single (shortstatekey, shorteventid) compressed state
// entry, 16 bytes once packed (spec §3 "Compressed state", §4.2).
type StatePair struct {
	ShortStateKey uint64
	ShortEventID  uint64
}

// Compress packs the pair into its 16-byte wire form: ShortStateKey in
// bytes 0-7, then ShortEventID in bytes 8-15, each a little-endian
// uint64. Packed pairs are therefore not in numeric order under a byte
// compare; callers sort pairs numerically before packing.
func (p StatePair) Compress() [16]byte {
	var out [16]byte
	binary.LittleEndian.PutUint64(out[0:8], p.ShortStateKey)
	binary.LittleEndian.PutUint64(out[8:16], p.ShortEventID)
	return out
}

// DecompressStatePair is the inverse of StatePair.Compress.
func DecompressStatePair(b [16]byte) StatePair {
	return StatePair{
		ShortStateKey: binary.LittleEndian.Uint64(b[0:8]),
		ShortEventID:  binary.LittleEndian.Uint64(b[8:16]),
	}
}

// StateKeyTuple is the decoded (event type, state key) pair a
// shortstatekey stands in for.
type StateKeyTuple struct {
	EventType string
	StateKey  string
}

// EventReference names an event the caller already has a short id for,
// convenient when threading (event id, short id) pairs together through
// the ingestion pipeline without re-resolving one from the other.
type EventReference struct {
	EventID      string
	ShortEventID uint64
}
