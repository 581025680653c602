// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package state

import (
	"sort"

	"github.com/matrixcore/homeserver/roomserver/types"
)

// AuthChainFetcher returns the transitive closure of auth events for a
// short event id, as stored by spec §3 "Auth chain" / §4.6 ColAuthChain.
type AuthChainFetcher func(shortEventID uint64) ([]uint64, error)

// EventFetcher hydrates a PDU (and its StateFetchFunc-shaped view of
// auth events) from a short event id, fetching on demand per spec
// §4.4 ("The fetchers are async to allow on-demand hydration").
type EventFetcher func(shortEventID uint64) (*types.PDU, error)

// ShortEventIDFetcher resolves a short event id to the event id needed
// for the lexicographic tie-break in spec §9's open question.
type ShortEventIDFetcher func(shortEventID uint64) (eventID string, err error)

// powerEventTypes are applied first, before every other conflicted
// event. Both groups are ordered the same way, by sortByDepthThenTiebreak
// (depth, then origin_server_ts, then event id); no mainline ordering
// is computed for the remainder.
var powerEventTypes = map[string]bool{
	"m.room.create":        true,
	"m.room.power_levels":   true,
	"m.room.join_rules":     true,
}

// StateKeyResolver turns a winning event's (type, state_key) back into
// the shortstatekey the caller's StateSetByShort is keyed by.
type StateKeyResolver func(ev *types.PDU) (uint64, error)

// Resolve implements spec §4.4: given multiple candidate state sets,
// produce one resolved state map. stateSets are keyed by shortstatekey
// exactly like state.StateSetByShort; events referenced within them are
// hydrated through fetchEvent as needed.
func Resolve(
	stateSets []StateSetByShort,
	fetchAuthChain AuthChainFetcher,
	fetchEvent EventFetcher,
	fetchEventID ShortEventIDFetcher,
	shortStateKeyOf StateKeyResolver,
) (StateSetByShort, error) {
	if len(stateSets) == 0 {
		return StateSetByShort{}, nil
	}
	if len(stateSets) == 1 {
		return stateSets[0], nil
	}

	unconflicted, conflictedKeys := partition(stateSets)

	// Full conflicted set = every differing candidate event across all
	// state sets for a conflicted key, plus the auth-difference: events
	// reachable in some but not all of those candidates' auth chains.
	conflictedEvents := map[uint64]bool{}
	for _, key := range conflictedKeys {
		for _, ss := range stateSets {
			if ev, ok := ss[key]; ok {
				conflictedEvents[ev] = true
			}
		}
	}
	authDiff, err := authDifference(conflictedEvents, fetchAuthChain)
	if err != nil {
		return nil, err
	}
	fullConflicted := make(map[uint64]bool, len(conflictedEvents)+len(authDiff))
	for id := range conflictedEvents {
		fullConflicted[id] = true
	}
	for id := range authDiff {
		fullConflicted[id] = true
	}

	candidates := make([]uint64, 0, len(fullConflicted))
	for id := range fullConflicted {
		candidates = append(candidates, id)
	}
	if len(candidates) == 0 {
		return unconflicted, nil
	}

	events := make(map[uint64]*types.PDU, len(candidates)+len(unconflicted))
	for _, id := range candidates {
		ev, err := fetchEvent(id)
		if err != nil {
			return nil, err
		}
		events[id] = ev
	}
	// Every already-agreed entry is part of the auth state each
	// candidate's per-round AuthCheck is evaluated against (e.g. the
	// m.room.create and m.room.power_levels events are almost always
	// unconflicted), so it must be hydrated into the same pool.
	for _, id := range unconflicted {
		if _, ok := events[id]; ok {
			continue
		}
		ev, err := fetchEvent(id)
		if err != nil {
			return nil, err
		}
		events[id] = ev
	}

	var powerIDs, restIDs []uint64
	for _, id := range candidates {
		if powerEventTypes[events[id].Type] {
			powerIDs = append(powerIDs, id)
		} else {
			restIDs = append(restIDs, id)
		}
	}

	order := func(ids []uint64) error {
		return sortByDepthThenTiebreak(ids, events, fetchEventID)
	}
	if err := order(powerIDs); err != nil {
		return nil, err
	}
	if err := order(restIDs); err != nil {
		return nil, err
	}

	resolved := make(StateSetByShort, len(unconflicted))
	for k, v := range unconflicted {
		resolved[k] = v
	}

	applyIteratively := func(ids []uint64) {
		for _, id := range ids {
			ev := events[id]
			soFar := make(map[uint64]*types.PDU, len(resolved))
			for _, rid := range resolved {
				soFar[rid] = events[rid]
			}
			fetch := makeStateFetch(soFar)
			ok, err := AuthCheck(ev, fetch)
			if err != nil || !ok {
				continue // fails to authorize against state-so-far: excluded from resolution.
			}
			if ev.StateKey == nil {
				continue
			}
			key, kerr := shortStateKeyOf(ev)
			if kerr != nil {
				continue
			}
			resolved[key] = id
		}
	}
	applyIteratively(powerIDs)
	applyIteratively(restIDs)

	return resolved, nil
}

// partition splits the input state sets into the entries every state
// set agrees on (unconflicted) and the shortstatekeys where they
// disagree (conflicted).
func partition(stateSets []StateSetByShort) (unconflicted StateSetByShort, conflicted []uint64) {
	unconflicted = StateSetByShort{}
	allKeys := map[uint64]bool{}
	for _, ss := range stateSets {
		for k := range ss {
			allKeys[k] = true
		}
	}
	for k := range allKeys {
		var value uint64
		agree := true
		first := true
		presentEverywhere := true
		for _, ss := range stateSets {
			v, ok := ss[k]
			if !ok {
				presentEverywhere = false
				continue
			}
			if first {
				value = v
				first = false
				continue
			}
			if v != value {
				agree = false
			}
		}
		if agree && presentEverywhere {
			unconflicted[k] = value
		} else {
			conflicted = append(conflicted, k)
		}
	}
	return unconflicted, conflicted
}

// authDifference returns every short event id reachable by following
// auth_events from a seed set that is NOT reachable from every seed
// (i.e. the symmetric portion of the union of auth chains), per the
// state-res v2 definition.
func authDifference(seeds map[uint64]bool, fetchAuthChain AuthChainFetcher) (map[uint64]bool, error) {
	chains := make([]map[uint64]bool, 0, len(seeds))
	union := map[uint64]bool{}
	for id := range seeds {
		chain, err := fetchAuthChain(id)
		if err != nil {
			return nil, err
		}
		m := make(map[uint64]bool, len(chain)+1)
		m[id] = true
		for _, c := range chain {
			m[c] = true
		}
		chains = append(chains, m)
		for c := range m {
			union[c] = true
		}
	}
	diff := map[uint64]bool{}
	for id := range union {
		inAll := true
		for _, chain := range chains {
			if !chain[id] {
				inAll = false
				break
			}
		}
		if !inAll {
			diff[id] = true
		}
	}
	return diff, nil
}

// sortByDepthThenTiebreak orders ids by ascending depth, then ascending
// origin_server_ts, then lexicographically by event id — spec §9's
// open question is explicit that ties must resolve by lexicographic
// event id to match peers exactly.
func sortByDepthThenTiebreak(ids []uint64, events map[uint64]*types.PDU, fetchEventID ShortEventIDFetcher) error {
	eventIDs := make(map[uint64]string, len(ids))
	for _, id := range ids {
		eid, err := fetchEventID(id)
		if err != nil {
			return err
		}
		eventIDs[id] = eid
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := events[ids[i]], events[ids[j]]
		if a.Depth != b.Depth {
			return a.Depth < b.Depth
		}
		if a.OriginServerTS != b.OriginServerTS {
			return a.OriginServerTS < b.OriginServerTS
		}
		return eventIDs[ids[i]] < eventIDs[ids[j]]
	})
	return nil
}

// makeStateFetch adapts a set of events into a StateFetchFunc for
// AuthCheck, indexed by (type, state_key). Resolve passes it the events
// of the resolved-so-far state, which holds one event per
// shortstatekey, so each candidate is authorized against state-so-far.
func makeStateFetch(pool map[uint64]*types.PDU) StateFetchFunc {
	byTypeKey := map[types.StateKeyTuple]*types.PDU{}
	for _, ev := range pool {
		if ev.StateKey != nil {
			byTypeKey[types.StateKeyTuple{EventType: ev.Type, StateKey: *ev.StateKey}] = ev
		}
	}
	return func(eventType, stateKey string) (*types.PDU, bool) {
		ev, ok := byTypeKey[types.StateKeyTuple{EventType: eventType, StateKey: stateKey}]
		return ev, ok
	}
}

