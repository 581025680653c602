// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package state

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrixcore/homeserver/roomserver/types"
)

// fixture builds a tiny fork: two m.room.name events authored after a
// shared create+power_levels, each claiming a different name, as in
// spec §8 scenario 4.
func TestResolveForkPicksLaterMainlineEvent(t *testing.T) {
	const (
		shortKeyName = 1
	)

	create := &types.PDU{EventID: "$create", Type: "m.room.create", Sender: "@alice:example.org", StateKey: strPtr(""), Depth: 1}
	nameA := &types.PDU{EventID: "$nameA", Type: "m.room.name", Sender: "@alice:example.org", StateKey: strPtr(""), Depth: 2, OriginServerTS: 100}
	nameB := &types.PDU{EventID: "$nameB", Type: "m.room.name", Sender: "@alice:example.org", StateKey: strPtr(""), Depth: 2, OriginServerTS: 200}

	events := map[uint64]*types.PDU{1: create, 2: nameA, 3: nameB}
	eventShort := map[string]uint64{"$create": 1, "$nameA": 2, "$nameB": 3}

	stateA := StateSetByShort{0: 1, shortKeyName: 2} // shortstatekey 0 = create
	stateB := StateSetByShort{0: 1, shortKeyName: 3}

	fetchAuthChain := func(id uint64) ([]uint64, error) {
		if id == 2 || id == 3 {
			return []uint64{1}, nil
		}
		return nil, nil
	}
	fetchEvent := func(id uint64) (*types.PDU, error) {
		ev, ok := events[id]
		if !ok {
			return nil, fmt.Errorf("unknown short id %d", id)
		}
		return ev, nil
	}
	fetchEventID := func(id uint64) (string, error) {
		for eid, sid := range eventShort {
			if sid == id {
				return eid, nil
			}
		}
		return "", fmt.Errorf("unknown")
	}
	shortStateKeyOf := func(ev *types.PDU) (uint64, error) {
		if ev.Type == "m.room.name" {
			return shortKeyName, nil
		}
		return 0, fmt.Errorf("unexpected type")
	}

	resolved, err := Resolve([]StateSetByShort{stateA, stateB}, fetchAuthChain, fetchEvent, fetchEventID, shortStateKeyOf)
	require.NoError(t, err)
	require.Equal(t, uint64(3), resolved[shortKeyName], "later-timestamped event should win the conflict")
}

func TestResolveSingleStateSetIsIdentity(t *testing.T) {
	s := StateSetByShort{1: 10}
	resolved, err := Resolve([]StateSetByShort{s}, nil, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, s, resolved)
}

func TestResolveUnconflictedKeysPassThrough(t *testing.T) {
	a := StateSetByShort{1: 10, 2: 20}
	b := StateSetByShort{1: 10, 2: 20}
	resolved, err := Resolve([]StateSetByShort{a, b}, func(uint64) ([]uint64, error) { return nil, nil }, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, a, resolved)
}
