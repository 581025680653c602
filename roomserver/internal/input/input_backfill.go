// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/sirupsen/logrus"

	"github.com/matrixcore/homeserver/roomserver/state"
	"github.com/matrixcore/homeserver/roomserver/types"
)

// HandleBackfilledPDU runs the same auth/state machinery as
// HandleIncomingPDU but assigns a Backfilled PduCount instead of a
// Normal one and never updates forward extremities or the room's
// current state hash, per spec §4.5 "Backfill": a backfilled event
// fills in history below the already-known range, it never becomes a
// new leaf of the room's DAG.
func (in *Inputer) HandleBackfilledPDU(ctx context.Context, origin, roomID, eventID string, pduJSON []byte) (*types.PduID, error) {
	logger := in.log.WithFields(logrus.Fields{
		"origin":   origin,
		"room_id":  roomID,
		"event_id": eventID,
		"backfill": true,
	})

	if pduID, ok, err := in.Timeline.GetPduID(eventID); err != nil {
		return nil, err
	} else if ok {
		return &pduID, nil
	}

	roomVersion, ok, err := in.Timeline.RoomVersion(roomID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("input: backfill into unknown room %s", roomID)
	}

	ev, err := types.ParsePDU(gomatrixserverlib.RoomVersion(roomVersion), pduJSON)
	if err != nil {
		return nil, fmt.Errorf("input: canonicalize backfilled event: %w", err)
	}
	if ev.EventID != eventID {
		return nil, fmt.Errorf("input: backfilled event id mismatch: supplied %s, derived %s", eventID, ev.EventID)
	}

	if in.Verifier != nil {
		if err := in.Verifier.VerifyEvent(ctx, origin, ev); err != nil {
			return nil, fmt.Errorf("input: backfilled event verification failed: %w", err)
		}
	}

	if err := in.fetchMissing(ctx, origin, roomID, ev, 0, newBudget(in.Cfg.MaxFetchBudget)); err != nil {
		return nil, fmt.Errorf("input: fetch missing backfill events: %w", err)
	}
	if err := in.Timeline.StoreOutlier(eventID, ev.RawJSON()); err != nil {
		return nil, err
	}
	shortEventID, err := in.EventIDs.GetOrCreate([]byte(eventID))
	if err != nil {
		return nil, err
	}

	authFetch, err := in.stateFetchFromEventIDs(ev.AuthEvents)
	if err != nil {
		return nil, err
	}
	okOutlier, err := state.AuthCheck(ev, authFetch)
	if err != nil {
		return nil, err
	}
	if !okOutlier {
		if err := in.Timeline.StoreRejectedOutlier(eventID, "backfilled outlier auth check failed"); err != nil {
			return nil, err
		}
		logger.Warn("backfilled event rejected: outlier auth check failed")
		return nil, nil
	}
	if err := in.storeDirectAuthChain(shortEventID, ev.AuthEvents); err != nil {
		return nil, err
	}

	unlock := in.RoomLocks.Lock(roomID)
	defer unlock()

	stateAtEvent, err := in.stateAtEvent(ctx, origin, roomID, ev)
	if err != nil {
		return nil, fmt.Errorf("input: compute backfill state at event: %w", err)
	}
	stateAtEventFetch := in.stateFetchFromShortSet(stateAtEvent)
	okState, err := state.AuthCheck(ev, stateAtEventFetch)
	if err != nil {
		return nil, err
	}
	if !okState {
		if err := in.Timeline.StoreRejectedOutlier(eventID, "backfilled state-at-event auth check failed"); err != nil {
			return nil, err
		}
		logger.Warn("backfilled event rejected: state-at-event auth check failed")
		return nil, nil
	}

	stateHash, _, _, err := in.Compressor.SaveState(roomID, stateAtEvent)
	if err != nil {
		return nil, err
	}
	if err := in.setEventStateHash(shortEventID, stateHash); err != nil {
		return nil, err
	}

	count, err := in.Timeline.AllocateBackfilledCount(roomID)
	if err != nil {
		return nil, err
	}
	shortRoomID, err := in.RoomIDs.GetOrCreate([]byte(roomID))
	if err != nil {
		return nil, err
	}
	pduID, err := in.Timeline.AppendPDU(roomID, shortRoomID, eventID, count, ev.RawJSON())
	if err != nil {
		return nil, err
	}

	return &pduID, nil
}
