// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package state

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixcore/homeserver/internal/kv"
	"github.com/matrixcore/homeserver/roomserver/types"
)

func openTestEngine(t *testing.T) *kv.Engine {
	t.Helper()
	e, err := kv.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	p := types.StatePair{ShortStateKey: 42, ShortEventID: 1337}
	packed := p.Compress()
	assert.Len(t, packed, 16)
	assert.Equal(t, p, types.DecompressStatePair(packed))
}

func TestSaveStateFirstSnapshotHasNoParent(t *testing.T) {
	e := openTestEngine(t)
	c := NewCompressor(e)

	initial := StateSetByShort{1: 100, 2: 200}
	h, added, removed, err := c.SaveState("!room:example.org", initial)
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.Len(t, added, 2)

	mat, err := c.Materialize(h)
	require.NoError(t, err)
	assert.Equal(t, initial, mat)
}

func TestSaveStateIncrementalDiff(t *testing.T) {
	e := openTestEngine(t)
	c := NewCompressor(e)

	initial := StateSetByShort{1: 100, 2: 200}
	h1, _, _, err := c.SaveState("!room:example.org", initial)
	require.NoError(t, err)
	require.NoError(t, e.Put(kv.ColRoomCurrentState, []byte("!room:example.org"), kv.EncodeUint64(h1)))

	next := StateSetByShort{1: 100, 2: 201, 3: 300}
	h2, added, removed, err := c.SaveState("!room:example.org", next)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	removedSet := map[types.StatePair]bool{}
	for _, p := range removed {
		removedSet[p] = true
	}
	assert.True(t, removedSet[types.StatePair{ShortStateKey: 2, ShortEventID: 200}])

	addedSet := map[types.StatePair]bool{}
	for _, p := range added {
		addedSet[p] = true
	}
	assert.True(t, addedSet[types.StatePair{ShortStateKey: 2, ShortEventID: 201}])
	assert.True(t, addedSet[types.StatePair{ShortStateKey: 3, ShortEventID: 300}])

	mat, err := c.Materialize(h2)
	require.NoError(t, err)
	assert.Equal(t, next, mat)

	// State diff law from spec §8: materialize(h) = materialize(parent) ∪ added \ removed.
	parentMat, err := c.Materialize(h1)
	require.NoError(t, err)
	reconstructed := StateSetByShort{}
	for k, v := range parentMat {
		reconstructed[k] = v
	}
	for _, r := range removed {
		delete(reconstructed, r.ShortStateKey)
	}
	for _, a := range added {
		reconstructed[a.ShortStateKey] = a.ShortEventID
	}
	assert.Equal(t, mat, reconstructed)
}

func TestSaveStateForcesFullSnapshotBeyondMaxDepth(t *testing.T) {
	e := openTestEngine(t)
	c := NewCompressor(e)
	c.maxDepth = 2

	state := StateSetByShort{1: 1}
	var lastHash uint64
	for i := 0; i < 5; i++ {
		h, _, _, err := c.SaveState("!room:example.org", state)
		require.NoError(t, err)
		require.NoError(t, e.Put(kv.ColRoomCurrentState, []byte("!room:example.org"), kv.EncodeUint64(h)))
		lastHash = h
		state = StateSetByShort{1: uint64(i + 2)}
	}

	depth, _, err := c.chainDepth(lastHash)
	require.NoError(t, err)
	assert.LessOrEqual(t, depth, c.maxDepth)
}

func TestStateAddedRemoved(t *testing.T) {
	e := openTestEngine(t)
	c := NewCompressor(e)

	a := StateSetByShort{1: 10, 2: 20}
	b := StateSetByShort{1: 10, 2: 21, 3: 30}

	ha, _, _, err := c.SaveState("!r", a)
	require.NoError(t, err)
	require.NoError(t, e.Put(kv.ColRoomCurrentState, []byte("!r"), kv.EncodeUint64(ha)))
	hb, _, _, err := c.SaveState("!r", b)
	require.NoError(t, err)

	added, err := c.StateAdded(ha, hb)
	require.NoError(t, err)
	removed, err := c.StateRemoved(ha, hb)
	require.NoError(t, err)

	assert.Contains(t, added, types.StatePair{ShortStateKey: 2, ShortEventID: 21})
	assert.Contains(t, added, types.StatePair{ShortStateKey: 3, ShortEventID: 30})
	assert.Contains(t, removed, types.StatePair{ShortStateKey: 2, ShortEventID: 20})
}
