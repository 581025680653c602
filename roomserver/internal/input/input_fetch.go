// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/matrixcore/homeserver/roomserver/state"
	"github.com/matrixcore/homeserver/roomserver/types"
)

// fetchGroup deduplicates concurrent fetches of the same event id
// across goroutines and, since Inputer is shared process-wide, across
// unrelated HandleIncomingPDU calls racing on a common prev-event
// (spec §4.5 stage 4 "already-in-flight fetches must be deduplicated").
var fetchGroup singleflight.Group

// fetchMissing recursively fetches ev's prev_events and auth_events
// that are not already known locally, stores each as an outlier once
// it passes its own outlier auth check, and recurses into their
// referenced events up to MaxFetchDepth or until budget is exhausted
// (spec §4.5 stage 4).
func (in *Inputer) fetchMissing(ctx context.Context, origin, roomID string, ev *types.PDU, depth int, budget *fetchBudget) error {
	if depth >= in.Cfg.MaxFetchDepth {
		return nil
	}

	var need []string
	for _, id := range append(append([]string{}, ev.PrevEvents...), ev.AuthEvents...) {
		if in.haveLocally(id) {
			continue
		}
		need = append(need, id)
	}
	if len(need) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.Cfg.MaxFetchConcurrency)

	for _, id := range need {
		id := id
		if !budget.take() {
			break
		}
		g.Go(func() error {
			fetched, err, _ := fetchGroup.Do(origin+"|"+id, func() (interface{}, error) {
				return in.fetchAndProcessOutlier(gctx, origin, roomID, id)
			})
			if err != nil {
				return fmt.Errorf("fetch %s: %w", id, err)
			}
			child, ok := fetched.(*types.PDU)
			if !ok || child == nil {
				return nil
			}
			return in.fetchMissing(gctx, origin, roomID, child, depth+1, budget)
		})
	}
	return g.Wait()
}

// fetchAndProcessOutlier retrieves eventID via Fetcher, parses and
// stores it as an outlier if its own outlier auth check passes, and
// returns the parsed PDU for further recursion. A nil *types.PDU with a
// nil error means the event is already known locally, or it failed its
// outlier auth check and was stored as a rejected outlier; either way
// recursion stops there, matching spec
// §4.5 stage 5's "on failure, store as rejected outlier and stop".
func (in *Inputer) fetchAndProcessOutlier(ctx context.Context, origin, roomID, eventID string) (*types.PDU, error) {
	if in.haveLocally(eventID) {
		return nil, nil
	}
	if in.Fetcher == nil {
		return nil, fmt.Errorf("no fetcher configured to retrieve %s", eventID)
	}
	raw, err := in.Fetcher.FetchEvent(ctx, origin, eventID)
	if err != nil {
		return nil, err
	}

	version, ok, err := in.Timeline.RoomVersion(roomID)
	if err != nil {
		return nil, err
	}
	if !ok {
		version = string(gomatrixserverlib.RoomVersionV1)
	}

	ev, err := types.ParsePDU(gomatrixserverlib.RoomVersion(version), raw)
	if err != nil {
		return nil, fmt.Errorf("parse fetched event %s: %w", eventID, err)
	}
	if ev.EventID != eventID {
		return nil, fmt.Errorf("fetched event id mismatch: wanted %s got %s", eventID, ev.EventID)
	}

	if in.Verifier != nil {
		if err := in.Verifier.VerifyEvent(ctx, origin, ev); err != nil {
			return nil, fmt.Errorf("verify fetched event %s: %w", eventID, err)
		}
	}

	authFetch, err := in.stateFetchFromEventIDs(ev.AuthEvents)
	if err != nil {
		return nil, err
	}
	ok2, err := state.AuthCheck(ev, authFetch)
	if err != nil {
		return nil, err
	}
	if !ok2 {
		if err := in.Timeline.StoreRejectedOutlier(eventID, "fetched outlier failed auth check"); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if err := in.Timeline.StoreOutlier(eventID, ev.RawJSON()); err != nil {
		return nil, err
	}
	shortID, err := in.EventIDs.GetOrCreate([]byte(eventID))
	if err != nil {
		return nil, err
	}
	if err := in.storeDirectAuthChain(shortID, ev.AuthEvents); err != nil {
		return nil, err
	}
	return ev, nil
}

// haveLocally reports whether eventID is already known, either as a
// timeline event or as a stored outlier.
func (in *Inputer) haveLocally(eventID string) bool {
	_, ok, err := in.Timeline.GetPDUJSON(eventID)
	return err == nil && ok
}

// stateFetchFromEventIDs builds a StateFetchFunc over a fixed list of
// event ids (e.g. an event's own auth_events), hydrating each from the
// local timeline/outlier store by event id.
func (in *Inputer) stateFetchFromEventIDs(eventIDs []string) (state.StateFetchFunc, error) {
	byTypeKey := map[types.StateKeyTuple]*types.PDU{}
	for _, id := range eventIDs {
		ev, err := in.loadPDU(id)
		if err != nil {
			return nil, err
		}
		if ev == nil || ev.StateKey == nil {
			continue
		}
		byTypeKey[types.StateKeyTuple{EventType: ev.Type, StateKey: *ev.StateKey}] = ev
	}
	return func(eventType, stateKey string) (*types.PDU, bool) {
		ev, ok := byTypeKey[types.StateKeyTuple{EventType: eventType, StateKey: stateKey}]
		return ev, ok
	}, nil
}

// loadPDU hydrates a PDU by event id from the local store, or returns
// (nil, nil) if it is unknown.
func (in *Inputer) loadPDU(eventID string) (*types.PDU, error) {
	raw, ok, err := in.Timeline.GetPDUJSON(eventID)
	if err != nil || !ok {
		return nil, err
	}
	roomID := gjson.GetBytes(raw, "room_id").String()
	version, ok, err := in.Timeline.RoomVersion(roomID)
	if err != nil {
		return nil, err
	}
	if !ok {
		version = string(gomatrixserverlib.RoomVersionV1)
	}
	return types.ParsePDU(gomatrixserverlib.RoomVersion(version), raw)
}

// storeDirectAuthChain resolves authEventIDs to short ids and persists
// the transitive auth chain closure for shortEventID.
func (in *Inputer) storeDirectAuthChain(shortEventID uint64, authEventIDs []string) error {
	directShort := make([]uint64, 0, len(authEventIDs))
	for _, id := range authEventIDs {
		sid, err := in.EventIDs.GetOrCreate([]byte(id))
		if err != nil {
			return err
		}
		directShort = append(directShort, sid)
	}
	_, err := in.AuthChains.ComputeAndStoreAuthChain(shortEventID, directShort, func(id uint64) ([]uint64, error) {
		eventIDBytes, ok, err := in.EventIDs.Lookup(id)
		if err != nil || !ok {
			return nil, err
		}
		ev, err := in.loadPDU(string(eventIDBytes))
		if err != nil || ev == nil {
			return nil, err
		}
		out := make([]uint64, 0, len(ev.AuthEvents))
		for _, a := range ev.AuthEvents {
			asid, err := in.EventIDs.GetOrCreate([]byte(a))
			if err != nil {
				return nil, err
			}
			out = append(out, asid)
		}
		return out, nil
	})
	return err
}
