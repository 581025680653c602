// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/matrixcore/homeserver/roomserver/shortid"
	"github.com/matrixcore/homeserver/roomserver/state"
	"github.com/matrixcore/homeserver/roomserver/types"
)

// upgradeToTimeline runs stages 6-10 of spec §4.5 for ev, which the
// caller already holds the room's ingestion lock for. Grounded on
// conduwuit's upgrade_outlier_to_timeline_pdu: compute state-at-event,
// re-auth against it, soft-fail against current state, derive the new
// room state if ev is a state event, then append to the timeline.
func (in *Inputer) upgradeToTimeline(ctx context.Context, origin, roomID string, ev *types.PDU, shortEventID uint64, logger *logrus.Entry) (*types.PduID, error) {
	// Stage 6: compute state_at_event.
	stateAtEvent, err := in.stateAtEvent(ctx, origin, roomID, ev)
	if err != nil {
		return nil, fmt.Errorf("compute state at event: %w", err)
	}

	// Stage 7: state-at-event auth check.
	stateAtEventFetch := in.stateFetchFromShortSet(stateAtEvent)
	ok, err := state.AuthCheck(ev, stateAtEventFetch)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := in.Timeline.StoreRejectedOutlier(ev.EventID, "state-at-event auth check failed"); err != nil {
			return nil, err
		}
		logger.Warn("event rejected: state-at-event auth check failed")
		return nil, fmt.Errorf("input: event %s rejected: state-at-event auth check failed", ev.EventID)
	}

	// Stage 8: soft-fail check against current room state.
	softFailed := false
	if currentHash, ok, err := in.Timeline.CurrentStateHash(roomID); err != nil {
		return nil, err
	} else if ok {
		currentState, err := in.Compressor.Materialize(currentHash)
		if err != nil {
			return nil, err
		}
		currentFetch := in.stateFetchFromShortSet(currentState)
		passesCurrent, err := state.AuthCheck(ev, currentFetch)
		if err != nil {
			return nil, err
		}
		softFailed = !passesCurrent
	}

	stateAtEventHash, _, _, err := in.Compressor.SaveState(roomID, stateAtEvent)
	if err != nil {
		return nil, err
	}

	prevEventsSet := map[string]bool{}
	for _, p := range ev.PrevEvents {
		prevEventsSet[p] = true
	}
	currentExtremities, err := in.Timeline.ForwardExtremities(roomID)
	if err != nil {
		return nil, err
	}
	var retainedExtremities []string
	for _, e := range currentExtremities {
		if !prevEventsSet[e] {
			retainedExtremities = append(retainedExtremities, e)
		}
	}

	// Stage 9: state update, only for state events and only when not
	// soft-failed (soft-failed events never influence room state, spec
	// §4.5 stage 8).
	newStateHash := stateAtEventHash
	if ev.IsStateEvent() && !softFailed {
		stateAfter := cloneShortSet(stateAtEvent)
		shortStateKey, err := in.StateKeys.GetOrCreate(shortid.EncodeStateKey(ev.Type, *ev.StateKey))
		if err != nil {
			return nil, err
		}
		stateAfter[shortStateKey] = shortEventID

		if len(retainedExtremities) > 0 {
			candidateSets := []state.StateSetByShort{stateAfter}
			for _, extremityID := range retainedExtremities {
				extremityState, err := in.stateAfterEvent(extremityID)
				if err != nil {
					return nil, err
				}
				candidateSets = append(candidateSets, extremityState)
			}
			resolved, err := in.resolve(candidateSets)
			if err != nil {
				return nil, err
			}
			stateAfter = resolved
		}

		h, _, _, err := in.Compressor.SaveState(roomID, stateAfter)
		if err != nil {
			return nil, err
		}
		newStateHash = h
		if err := in.Timeline.SetCurrentStateHash(roomID, h); err != nil {
			return nil, err
		}
		if ev.Type == "m.room.member" {
			membership := membershipFromContent(ev)
			if err := in.Memberships.UpdateMembership(roomID, *ev.StateKey, membership, ev.EventID); err != nil {
				return nil, err
			}
		}
	}

	if err := in.setEventStateHash(shortEventID, newStateHash); err != nil {
		return nil, err
	}

	if softFailed {
		if err := in.Timeline.MarkSoftFailed(ev.EventID); err != nil {
			return nil, err
		}
		logger.Warn("event soft-failed: appended to timeline but excluded from state")
	}

	// Stage 10: timeline append.
	count, err := in.Timeline.AllocateNormalCount(roomID)
	if err != nil {
		return nil, err
	}
	shortRoomID, err := in.RoomIDs.GetOrCreate([]byte(roomID))
	if err != nil {
		return nil, err
	}
	pduID, err := in.Timeline.AppendPDU(roomID, shortRoomID, ev.EventID, count, ev.RawJSON())
	if err != nil {
		return nil, err
	}
	// A soft-failed event never becomes a forward extremity, so it is
	// never offered as a prev-event for new local events.
	if !softFailed {
		if err := in.Timeline.UpdateForwardExtremities(roomID, ev.EventID, ev.PrevEvents); err != nil {
			return nil, err
		}
	}

	if in.Notifier != nil {
		in.Notifier.NotifyTimelineAppend(roomID, ev.EventID, pduID)
	}

	return &pduID, nil
}
