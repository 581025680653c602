// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package kv

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gotestassert "gotest.tools/v3/assert"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestPutGetDelete(t *testing.T) {
	e := openTestEngine(t)

	_, ok, err := e.Get(ColShortCounters, []byte("missing"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, e.Put(ColShortCounters, []byte("k"), []byte("v1")))
	v, ok, err := e.Get(ColShortCounters, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", string(v))

	require.NoError(t, e.Delete(ColShortCounters, []byte("k")))
	_, ok, err = e.Get(ColShortCounters, []byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBatchCommitIsAtomic(t *testing.T) {
	e := openTestEngine(t)

	b := e.NewBatch()
	b.Put(ColShortCounters, []byte("a"), []byte("1"))
	b.Put(ColRoomVersion, []byte("!room"), []byte("10"))
	require.NoError(t, b.Commit())

	v, ok, _ := e.Get(ColShortCounters, []byte("a"))
	require.True(t, ok)
	assert.Equal(t, "1", string(v))

	v, ok, _ = e.Get(ColRoomVersion, []byte("!room"))
	require.True(t, ok)
	assert.Equal(t, "10", string(v))
}

func TestIterateForwardAndReverse(t *testing.T) {
	e := openTestEngine(t)
	keys := []string{"a", "b", "c", "d"}
	for _, k := range keys {
		require.NoError(t, e.Put(ColShortCounters, []byte(k), []byte(k)))
	}

	var forward []string
	require.NoError(t, e.Iterate(ColShortCounters, nil, Forward, func(k, v []byte) bool {
		forward = append(forward, string(k))
		return true
	}))
	assert.Equal(t, keys, forward)

	var reverse []string
	require.NoError(t, e.Iterate(ColShortCounters, nil, Reverse, func(k, v []byte) bool {
		reverse = append(reverse, string(k))
		return true
	}))
	assert.Equal(t, []string{"d", "c", "b", "a"}, reverse)

	// Seeking forward from "b" includes "b".
	var fromB []string
	require.NoError(t, e.Iterate(ColShortCounters, []byte("b"), Forward, func(k, v []byte) bool {
		fromB = append(fromB, string(k))
		return true
	}))
	assert.Equal(t, []string{"b", "c", "d"}, fromB)

	// Seeking reverse from "c" includes "c".
	var fromC []string
	require.NoError(t, e.Iterate(ColShortCounters, []byte("c"), Reverse, func(k, v []byte) bool {
		fromC = append(fromC, string(k))
		return true
	}))
	assert.Equal(t, []string{"c", "b", "a"}, fromC)
}

func TestIteratePrefixScan(t *testing.T) {
	e := openTestEngine(t)
	put := func(room, event string) {
		require.NoError(t, e.Put(ColShortCounters, Tuple([]byte(room), []byte(event)), []byte(event)))
	}
	put("!room1", "e1")
	put("!room1", "e2")
	put("!room2", "e1")

	var got []string
	require.NoError(t, e.IteratePrefix(ColShortCounters, append([]byte("!room1"), RecordSeparator), Forward, func(k, v []byte) bool {
		got = append(got, string(v))
		return true
	}))
	assert.Equal(t, []string{"e1", "e2"}, got)

	var gotRev []string
	require.NoError(t, e.IteratePrefix(ColShortCounters, append([]byte("!room1"), RecordSeparator), Reverse, func(k, v []byte) bool {
		gotRev = append(gotRev, string(v))
		return true
	}))
	assert.Equal(t, []string{"e2", "e1"}, gotRev)
}

func TestEncodeDecodeUint64Ordering(t *testing.T) {
	a := EncodeUint64(1)
	b := EncodeUint64(2)
	c := EncodeUint64(1 << 40)
	assert.True(t, string(a) < string(b))
	assert.True(t, string(b) < string(c))
	assert.Equal(t, uint64(2), DecodeUint64(b))
}

func TestEncodeDecodeInt64SignOrdering(t *testing.T) {
	neg := EncodeInt64(-5)
	zero := EncodeInt64(0)
	pos := EncodeInt64(5)
	assert.True(t, string(neg) < string(zero))
	assert.True(t, string(zero) < string(pos))
	assert.Equal(t, int64(-5), DecodeInt64(neg))
}

func TestTupleRoundTrip(t *testing.T) {
	key := Tuple([]byte("type"), []byte("statekey"), []byte("extra"))
	fields := SplitTuple(key, 3)
	require.Len(t, fields, 3)
	// gotest.tools' DeepEqual gives a readable byte-slice diff on
	// failure, unlike testify's Equal against raw []byte.
	gotestassert.DeepEqual(t, []byte("type"), fields[0])
	gotestassert.DeepEqual(t, []byte("statekey"), fields[1])
	gotestassert.DeepEqual(t, []byte("extra"), fields[2])
}
