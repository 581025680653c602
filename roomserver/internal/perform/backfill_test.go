// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package perform

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixcore/homeserver/internal/kv"
	"github.com/matrixcore/homeserver/roomserver/internal/input"
	"github.com/matrixcore/homeserver/roomserver/types"
)

func openTestEngine(t *testing.T) *kv.Engine {
	t.Helper()
	e, err := kv.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
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

type noFetcher struct{}

func (noFetcher) FetchEvent(ctx context.Context, origin, eventID string) ([]byte, error) {
	return nil, fmt.Errorf("unexpected fetch of %s", eventID)
}

func (noFetcher) FetchStateIDs(ctx context.Context, origin, roomID, eventID string) ([]string, []string, error) {
	return nil, nil, fmt.Errorf("unexpected state_ids fetch for %s", eventID)
}

func setupRoomWithCreateEvent(t *testing.T, in *input.Inputer, roomID, sender, eventID string) {
	t.Helper()
	pdu := createEventJSON(roomID, sender, eventID)
	_, err := in.HandleIncomingPDU(context.Background(), "example.org", roomID, eventID, pdu, true)
	require.NoError(t, err)
}

func TestPerformBackfill_SatisfiedLocallyNeverCallsRemote(t *testing.T) {
	e := openTestEngine(t)
	in := input.NewInputer(e, noFetcher{}, nil, nil, input.DefaultConfig())

	const roomID = "!room:example.org"
	setupRoomWithCreateEvent(t, in, roomID, "@alice:example.org", "$create:example.org")

	b := NewBackfiller(in.Timeline, in.RoomIDs, in.Memberships, in, nil, nil)

	out, err := b.PerformBackfill(context.Background(), "example.org", roomID, types.PduCount(1), 10, true)
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestPerformBackfill_UnknownRoomErrors(t *testing.T) {
	e := openTestEngine(t)
	in := input.NewInputer(e, noFetcher{}, nil, nil, input.DefaultConfig())
	b := NewBackfiller(in.Timeline, in.RoomIDs, in.Memberships, in, nil, nil)

	_, err := b.PerformBackfill(context.Background(), "example.org", "!nope:example.org", types.PduCount(1), 10, true)
	assert.Error(t, err)
}

// fakeRemote answers Backfill with a single canned create event so the
// federation-escalation path can be exercised without a real network.
type fakeRemote struct {
	eventJSON []byte
	calls     int
}

func (f *fakeRemote) Backfill(ctx context.Context, server, roomID string, fromEventIDs []string, limit int) ([]json.RawMessage, error) {
	f.calls++
	return []json.RawMessage{f.eventJSON}, nil
}

func TestPerformBackfill_EscalatesToFederationWhenLocalIsShort(t *testing.T) {
	e := openTestEngine(t)
	in := input.NewInputer(e, noFetcher{}, nil, nil, input.DefaultConfig())

	const roomID = "!room:example.org"
	const eventID = "$create:example.org"
	setupRoomWithCreateEvent(t, in, roomID, "@alice:example.org", eventID)

	remote := &fakeRemote{eventJSON: createEventJSON(roomID, "@alice:example.org", "$older:example.org")}
	b := NewBackfiller(in.Timeline, in.RoomIDs, in.Memberships, in, remote, []string{"example.org"})

	// Ask for more than the single locally-stored event so the backfiller
	// escalates to the fake remote.
	_, err := b.PerformBackfill(context.Background(), "example.org", roomID, types.PduCount(1), 5, true)
	require.NoError(t, err)
	assert.Equal(t, 1, remote.calls)
}

func TestPerformBackfill_RemoteRequestNeverEscalates(t *testing.T) {
	e := openTestEngine(t)
	in := input.NewInputer(e, noFetcher{}, nil, nil, input.DefaultConfig())

	const roomID = "!room:example.org"
	setupRoomWithCreateEvent(t, in, roomID, "@alice:example.org", "$create:example.org")

	remote := &fakeRemote{eventJSON: createEventJSON(roomID, "@alice:example.org", "$older:example.org")}
	b := NewBackfiller(in.Timeline, in.RoomIDs, in.Memberships, in, remote, nil)

	out, err := b.PerformBackfill(context.Background(), "otherserver.org", roomID, types.PduCount(1), 5, false)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 0, remote.calls, "serving a remote peer's backfill request must never itself escalate to federation")
}
