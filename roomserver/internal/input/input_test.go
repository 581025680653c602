// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixcore/homeserver/internal/kv"
	"github.com/matrixcore/homeserver/roomserver/shortid"
	"github.com/matrixcore/homeserver/roomserver/state"
	"github.com/matrixcore/homeserver/roomserver/types"
)

func openTestEngine(t *testing.T) *kv.Engine {
	t.Helper()
	e, err := kv.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// noFetcher is a Fetcher that fails any call, used by tests whose PDUs
// never need remote hydration.
type noFetcher struct{}

func (noFetcher) FetchEvent(ctx context.Context, origin, eventID string) ([]byte, error) {
	return nil, fmt.Errorf("unexpected fetch of %s", eventID)
}

func (noFetcher) FetchStateIDs(ctx context.Context, origin, roomID, eventID string) ([]string, []string, error) {
	return nil, nil, fmt.Errorf("unexpected state_ids fetch for %s", eventID)
}

func createEventJSON(roomID, sender, eventID string) []byte {
	content, _ := json.Marshal(map[string]interface{}{
		"creator":      sender,
		"room_version": "1",
	})
	raw, _ := json.Marshal(map[string]interface{}{
		"event_id":         eventID,
		"room_id":          roomID,
		"sender":           sender,
		"type":             "m.room.create",
		"state_key":        "",
		"origin_server_ts": int64(1000),
		"content":          json.RawMessage(content),
		"prev_events":      []string{},
		"auth_events":      []string{},
		"depth":            int64(1),
		"signatures":       map[string]interface{}{},
		"hashes":           map[string]interface{}{"sha256": "AAAA"},
	})
	return raw
}

func TestHandleIncomingPDU_RoomCreateEventEntersTimeline(t *testing.T) {
	e := openTestEngine(t)
	in := NewInputer(e, noFetcher{}, nil, nil, DefaultConfig())

	const roomID = "!room:example.org"
	const sender = "@alice:example.org"
	const eventID = "$create:example.org"

	pdu := createEventJSON(roomID, sender, eventID)

	pduID, err := in.HandleIncomingPDU(context.Background(), "example.org", roomID, eventID, pdu, true)
	require.NoError(t, err)
	require.NotNil(t, pduID)
	assert.Equal(t, types.PduCount(1), pduID.Count)

	gotJSON, ok, err := in.Timeline.GetPDUJSON(eventID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(gotJSON), eventID)

	extremities, err := in.Timeline.ForwardExtremities(roomID)
	require.NoError(t, err)
	assert.Equal(t, []string{eventID}, extremities)

	hash, ok, err := in.Timeline.CurrentStateHash(roomID)
	require.NoError(t, err)
	require.True(t, ok)
	mat, err := in.Compressor.Materialize(hash)
	require.NoError(t, err)
	assert.Len(t, mat, 1, "room state after create should contain exactly the create event")
}

func TestHandleIncomingPDU_DuplicateDeliveryReturnsExistingPduID(t *testing.T) {
	e := openTestEngine(t)
	in := NewInputer(e, noFetcher{}, nil, nil, DefaultConfig())

	const roomID = "!room:example.org"
	const eventID = "$create:example.org"
	pdu := createEventJSON(roomID, "@alice:example.org", eventID)

	first, err := in.HandleIncomingPDU(context.Background(), "example.org", roomID, eventID, pdu, true)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := in.HandleIncomingPDU(context.Background(), "example.org", roomID, eventID, pdu, true)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, *first, *second)
}

func TestHandleIncomingPDU_BlacklistedRoomRejected(t *testing.T) {
	e := openTestEngine(t)
	in := NewInputer(e, noFetcher{}, nil, nil, DefaultConfig())
	in.Blacklist("!blocked:example.org")

	_, err := in.HandleIncomingPDU(context.Background(), "example.org", "!blocked:example.org", "$x:example.org", []byte("{}"), true)
	require.Error(t, err)
}

func TestEventStateHashRoundTrip(t *testing.T) {
	e := openTestEngine(t)
	in := NewInputer(e, noFetcher{}, nil, nil, DefaultConfig())

	require.NoError(t, in.setEventStateHash(7, 42))
	got, ok, err := in.getEventStateHash(7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(42), got)

	_, ok, err = in.getEventStateHash(999)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStateFetchFromShortSet(t *testing.T) {
	e := openTestEngine(t)
	in := NewInputer(e, noFetcher{}, nil, nil, DefaultConfig())

	const roomID = "!room:example.org"
	const eventID = "$create:example.org"
	pdu := createEventJSON(roomID, "@alice:example.org", eventID)
	require.NoError(t, in.Timeline.StoreOutlier(eventID, pdu))
	require.NoError(t, in.Timeline.SetRoomVersion(roomID, "1"))

	shortEventID, err := in.EventIDs.GetOrCreate([]byte(eventID))
	require.NoError(t, err)
	shortStateKey, err := in.StateKeys.GetOrCreate(shortid.EncodeStateKey("m.room.create", ""))
	require.NoError(t, err)

	set := state.StateSetByShort{shortStateKey: shortEventID}
	fetch := in.stateFetchFromShortSet(set)

	ev, ok := fetch("m.room.create", "")
	require.True(t, ok)
	assert.Equal(t, eventID, ev.EventID)

	_, ok = fetch("m.room.member", "@bob:example.org")
	assert.False(t, ok)
}

func TestCloneShortSetIsIndependentCopy(t *testing.T) {
	original := state.StateSetByShort{1: 10, 2: 20}
	clone := cloneShortSet(original)
	clone[1] = 999
	assert.Equal(t, uint64(10), original[1], "mutating the clone must not affect the original")
}

func TestMembershipFromContent(t *testing.T) {
	ev := &types.PDU{Content: json.RawMessage(`{"membership":"join"}`)}
	assert.Equal(t, "join", membershipFromContent(ev))
}

func TestFetchBudgetExhausts(t *testing.T) {
	b := newBudget(2)
	assert.True(t, b.take())
	assert.True(t, b.take())
	assert.False(t, b.take())
}
