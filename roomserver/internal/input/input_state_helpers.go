// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/matrixcore/homeserver/internal/kv"
	"github.com/matrixcore/homeserver/roomserver/shortid"
	"github.com/matrixcore/homeserver/roomserver/state"
	"github.com/matrixcore/homeserver/roomserver/types"
)

// stateAtEvent computes the state a prospective event is evaluated
// against (spec §4.5 stage 6): the single prev-event's state-after when
// there is exactly one, a local resolution across every prev-event's
// state-after otherwise, and a remote /state_ids hydration as a last
// resort when any prev-event's state cannot be computed locally.
func (in *Inputer) stateAtEvent(ctx context.Context, origin, roomID string, ev *types.PDU) (state.StateSetByShort, error) {
	if len(ev.PrevEvents) == 0 {
		// The room-creation event: no prev-events means no state to
		// inherit, not a case requiring remote hydration.
		return state.StateSetByShort{}, nil
	}
	if len(ev.PrevEvents) == 1 {
		if s, ok, err := in.tryStateAfterEvent(ev.PrevEvents[0]); err != nil {
			return nil, err
		} else if ok {
			return s, nil
		}
	} else if len(ev.PrevEvents) > 1 {
		var sets []state.StateSetByShort
		allKnown := true
		for _, p := range ev.PrevEvents {
			s, ok, err := in.tryStateAfterEvent(p)
			if err != nil {
				return nil, err
			}
			if !ok {
				allKnown = false
				break
			}
			sets = append(sets, s)
		}
		if allKnown {
			return in.resolve(sets)
		}
	}

	return in.hydrateStateFromRemote(ctx, origin, roomID, ev.EventID)
}

// tryStateAfterEvent returns the state recorded for eventID, ok=false
// if it has never been computed locally.
func (in *Inputer) tryStateAfterEvent(eventID string) (state.StateSetByShort, bool, error) {
	shortID, known, err := in.EventIDs.Get([]byte(eventID))
	if err != nil || !known {
		return nil, false, err
	}
	h, ok, err := in.getEventStateHash(shortID)
	if err != nil || !ok {
		return nil, false, err
	}
	s, err := in.Compressor.Materialize(h)
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// stateAfterEvent is tryStateAfterEvent without the "maybe unknown"
// case, used once the caller has already established the event is
// known locally (e.g. it is a current forward extremity).
func (in *Inputer) stateAfterEvent(eventID string) (state.StateSetByShort, error) {
	s, ok, err := in.tryStateAfterEvent(eventID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return state.StateSetByShort{}, nil
	}
	return s, nil
}

// hydrateStateFromRemote requests state_ids for eventID from origin,
// fetches any event referenced that is not already known, and returns
// the resulting state set (spec §4.5 stage 6's fallback path).
func (in *Inputer) hydrateStateFromRemote(ctx context.Context, origin, roomID, eventID string) (state.StateSetByShort, error) {
	if in.Fetcher == nil {
		return nil, fmt.Errorf("no fetcher configured to hydrate state for %s", eventID)
	}
	stateEventIDs, authChainEventIDs, err := in.Fetcher.FetchStateIDs(ctx, origin, roomID, eventID)
	if err != nil {
		return nil, err
	}
	for _, id := range append(append([]string{}, stateEventIDs...), authChainEventIDs...) {
		if in.haveLocally(id) {
			continue
		}
		if _, err := in.fetchAndProcessOutlier(ctx, origin, roomID, id); err != nil {
			return nil, err
		}
	}

	out := state.StateSetByShort{}
	for _, id := range stateEventIDs {
		ev, err := in.loadPDU(id)
		if err != nil {
			return nil, err
		}
		if ev == nil || ev.StateKey == nil {
			continue
		}
		shortStateKey, err := in.StateKeys.GetOrCreate(shortid.EncodeStateKey(ev.Type, *ev.StateKey))
		if err != nil {
			return nil, err
		}
		shortEventID, err := in.EventIDs.GetOrCreate([]byte(id))
		if err != nil {
			return nil, err
		}
		out[shortStateKey] = shortEventID
	}
	return out, nil
}

// resolve adapts roomserver/state.Resolve to the Inputer's own fetchers
// (spec §4.4, invoked wherever the pipeline needs to merge more than
// one candidate state set).
func (in *Inputer) resolve(sets []state.StateSetByShort) (state.StateSetByShort, error) {
	fetchAuthChain := func(shortEventID uint64) ([]uint64, error) {
		chain, _, err := in.AuthChains.AuthChain(shortEventID)
		return chain, err
	}
	fetchEvent := func(shortEventID uint64) (*types.PDU, error) {
		idBytes, ok, err := in.EventIDs.Lookup(shortEventID)
		if err != nil || !ok {
			return nil, err
		}
		return in.loadPDU(string(idBytes))
	}
	fetchEventID := func(shortEventID uint64) (string, error) {
		idBytes, ok, err := in.EventIDs.Lookup(shortEventID)
		if err != nil || !ok {
			return "", fmt.Errorf("unknown short event id %d", shortEventID)
		}
		return string(idBytes), nil
	}
	shortStateKeyOf := func(ev *types.PDU) (uint64, error) {
		if ev.StateKey == nil {
			return 0, fmt.Errorf("event %s has no state key", ev.EventID)
		}
		return in.StateKeys.GetOrCreate(shortid.EncodeStateKey(ev.Type, *ev.StateKey))
	}
	return state.Resolve(sets, fetchAuthChain, fetchEvent, fetchEventID, shortStateKeyOf)
}

// stateFetchFromShortSet adapts a StateSetByShort into a StateFetchFunc
// for AuthCheck, hydrating referenced events by short id on demand.
func (in *Inputer) stateFetchFromShortSet(s state.StateSetByShort) state.StateFetchFunc {
	return func(eventType, stateKey string) (*types.PDU, bool) {
		shortStateKey, found, err := in.StateKeys.Get(shortid.EncodeStateKey(eventType, stateKey))
		if err != nil || !found {
			return nil, false
		}
		shortEventID, ok := s[shortStateKey]
		if !ok {
			return nil, false
		}
		idBytes, ok, err := in.EventIDs.Lookup(shortEventID)
		if err != nil || !ok {
			return nil, false
		}
		ev, err := in.loadPDU(string(idBytes))
		if err != nil || ev == nil {
			return nil, false
		}
		return ev, true
	}
}

func cloneShortSet(s state.StateSetByShort) state.StateSetByShort {
	out := make(state.StateSetByShort, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func membershipFromContent(ev *types.PDU) string {
	return gjson.GetBytes(ev.Content, "membership").String()
}

func (in *Inputer) setEventStateHash(shortEventID, stateHash uint64) error {
	return in.Engine.Put(kv.ColEventStateHash, kv.EncodeUint64(shortEventID), kv.EncodeUint64(stateHash))
}

func (in *Inputer) getEventStateHash(shortEventID uint64) (uint64, bool, error) {
	v, ok, err := in.Engine.Get(kv.ColEventStateHash, kv.EncodeUint64(shortEventID))
	if err != nil || !ok {
		return 0, false, err
	}
	return kv.DecodeUint64(v), true, nil
}
