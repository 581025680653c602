// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package api is the narrow boundary external collaborators use to
// reach the core: accepting inbound PDUs/backfill and querying room
// state, without depending on roomserver/internal's unexported
// wiring. No roomserver/api package was retrieved from the teacher
// pack (roomserver there contains only storage/, state/, internal/);
// the input-side/query-side split here is original design, trimmed to
// the operations CORE scope actually needs (clientapi/syncapi/
// federationapi's HTTP surfaces are out of scope per spec.md §1 and
// are not implemented here).
package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matrixcore/homeserver/roomserver/internal/input"
	"github.com/matrixcore/homeserver/roomserver/internal/perform"
	"github.com/matrixcore/homeserver/roomserver/shortid"
	"github.com/matrixcore/homeserver/roomserver/state"
	"github.com/matrixcore/homeserver/roomserver/storage"
	"github.com/matrixcore/homeserver/roomserver/types"
)

// InputAPI accepts PDUs into the ingestion pipeline from whatever
// transport received them (federation transaction handler, local
// client event submission).
type InputAPI interface {
	// HandleIncomingPDU runs the ingestion pipeline for a PDU freshly
	// received over federation or from a local client. With
	// isTimelineEvent false the event is stored as an outlier only and
	// does not enter the timeline.
	HandleIncomingPDU(ctx context.Context, origin, roomID, eventID string, pduJSON []byte, isTimelineEvent bool) (*types.PduID, error)
	// PerformBackfill walks history backward from untilCount, fetching
	// more from federation when the local timeline runs short and the
	// request originated locally.
	PerformBackfill(ctx context.Context, origin, roomID string, untilCount types.PduCount, limit int, isLocalRequest bool) ([]storage.PDUWithCount, error)
}

// inputAPI wires input.Inputer and perform.Backfiller behind InputAPI.
type inputAPI struct {
	inputer    *input.Inputer
	backfiller *perform.Backfiller
}

// NewInputAPI constructs the InputAPI facade.
func NewInputAPI(inputer *input.Inputer, backfiller *perform.Backfiller) InputAPI {
	return &inputAPI{inputer: inputer, backfiller: backfiller}
}

func (a *inputAPI) HandleIncomingPDU(ctx context.Context, origin, roomID, eventID string, pduJSON []byte, isTimelineEvent bool) (*types.PduID, error) {
	return a.inputer.HandleIncomingPDU(ctx, origin, roomID, eventID, pduJSON, isTimelineEvent)
}

func (a *inputAPI) PerformBackfill(ctx context.Context, origin, roomID string, untilCount types.PduCount, limit int, isLocalRequest bool) ([]storage.PDUWithCount, error) {
	return a.backfiller.PerformBackfill(ctx, origin, roomID, untilCount, limit, isLocalRequest)
}

// QueryAPI answers read-only questions about room state and timeline
// position, the surface response-shaping layers (syncapi, clientapi)
// would call against.
type QueryAPI interface {
	// CurrentState returns the full current state of roomID as
	// (event type, state key) -> event JSON.
	CurrentState(roomID string) (map[types.StateKeyTuple]json.RawMessage, error)
	// Membership returns userID's current membership in roomID.
	Membership(roomID, userID string) (storage.Membership, bool, error)
	// ForwardExtremities returns roomID's current forward extremity
	// event ids.
	ForwardExtremities(roomID string) ([]string, error)
	// Timeline returns up to limit events after fromCount, oldest
	// first.
	Timeline(roomID string, fromCount types.PduCount, limit int) ([]storage.PDUWithCount, error)
}

type queryAPI struct {
	timeline    *storage.TimelineStore
	memberships *storage.MembershipStore
	compressor  *state.Compressor
	roomIDs     *shortid.Table
	eventIDs    *shortid.Table
	stateKeys   *shortid.Table
}

// NewQueryAPI constructs the QueryAPI facade over the core's storage
// collaborators.
func NewQueryAPI(timeline *storage.TimelineStore, memberships *storage.MembershipStore, compressor *state.Compressor, roomIDs, eventIDs, stateKeys *shortid.Table) QueryAPI {
	return &queryAPI{
		timeline:    timeline,
		memberships: memberships,
		compressor:  compressor,
		roomIDs:     roomIDs,
		eventIDs:    eventIDs,
		stateKeys:   stateKeys,
	}
}

func (q *queryAPI) CurrentState(roomID string) (map[types.StateKeyTuple]json.RawMessage, error) {
	shortRoomID, ok, err := q.roomIDs.Get([]byte(roomID))
	if err != nil {
		return nil, fmt.Errorf("roomserver/api: look up room %s: %w", roomID, err)
	}
	if !ok {
		return nil, fmt.Errorf("roomserver/api: unknown room %s", roomID)
	}
	hash, ok, err := q.timeline.CurrentStateHash(roomID)
	if err != nil {
		return nil, fmt.Errorf("roomserver/api: current state hash for %s: %w", roomID, err)
	}
	if !ok {
		return map[types.StateKeyTuple]json.RawMessage{}, nil
	}
	_ = shortRoomID

	materialized, err := q.compressor.Materialize(hash)
	if err != nil {
		return nil, fmt.Errorf("roomserver/api: materialize state for %s: %w", roomID, err)
	}

	out := make(map[types.StateKeyTuple]json.RawMessage, len(materialized))
	for shortStateKey, shortEventID := range materialized {
		skBytes, ok, err := q.stateKeys.Lookup(shortStateKey)
		if err != nil || !ok {
			continue
		}
		eventType, stateKey := shortid.DecodeStateKey(skBytes)

		eidBytes, ok, err := q.eventIDs.Lookup(shortEventID)
		if err != nil || !ok {
			continue
		}
		eventJSON, ok, err := q.timeline.GetPDUJSON(string(eidBytes))
		if err != nil || !ok {
			continue
		}
		out[types.StateKeyTuple{EventType: eventType, StateKey: stateKey}] = eventJSON
	}
	return out, nil
}

func (q *queryAPI) Membership(roomID, userID string) (storage.Membership, bool, error) {
	return q.memberships.MembershipOf(roomID, userID)
}

func (q *queryAPI) ForwardExtremities(roomID string) ([]string, error) {
	return q.timeline.ForwardExtremities(roomID)
}

func (q *queryAPI) Timeline(roomID string, fromCount types.PduCount, limit int) ([]storage.PDUWithCount, error) {
	shortRoomID, ok, err := q.roomIDs.Get([]byte(roomID))
	if err != nil {
		return nil, fmt.Errorf("roomserver/api: look up room %s: %w", roomID, err)
	}
	if !ok {
		return nil, fmt.Errorf("roomserver/api: unknown room %s", roomID)
	}
	return q.timeline.PDUsAfter(roomID, shortRoomID, fromCount, limit)
}
