// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package fanout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixcore/homeserver/roomserver/types"
)

func TestNotifyTimelineAppend_DeliversToSubscriber(t *testing.T) {
	bus, err := NewEmbeddedBus(Config{})
	require.NoError(t, err)
	defer bus.Close()

	type received struct {
		roomID, eventID string
		pduID           types.PduID
	}
	got := make(chan received, 1)

	unsub, err := bus.SubscribeTimelineAppend("test-consumer", func(roomID, eventID string, pduID types.PduID) {
		got <- received{roomID, eventID, pduID}
	})
	require.NoError(t, err)
	defer unsub()

	bus.NotifyTimelineAppend("!room:example.org", "$event:example.org", types.PduID{ShortRoomID: 7, Count: 3})

	select {
	case r := <-got:
		assert.Equal(t, "!room:example.org", r.roomID)
		assert.Equal(t, "$event:example.org", r.eventID)
		assert.Equal(t, uint64(7), r.pduID.ShortRoomID)
		assert.Equal(t, types.PduCount(3), r.pduID.Count)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for timeline append notification")
	}
}

func TestNotifyTimelineAppend_MultipleSubscribersEachReceive(t *testing.T) {
	bus, err := NewEmbeddedBus(Config{})
	require.NoError(t, err)
	defer bus.Close()

	gotA := make(chan string, 1)
	gotB := make(chan string, 1)

	unsubA, err := bus.SubscribeTimelineAppend("consumer-a", func(roomID, eventID string, pduID types.PduID) {
		gotA <- eventID
	})
	require.NoError(t, err)
	defer unsubA()

	unsubB, err := bus.SubscribeTimelineAppend("consumer-b", func(roomID, eventID string, pduID types.PduID) {
		gotB <- eventID
	})
	require.NoError(t, err)
	defer unsubB()

	bus.NotifyTimelineAppend("!room:example.org", "$event:example.org", types.PduID{ShortRoomID: 1, Count: 1})

	for _, ch := range []chan string{gotA, gotB} {
		select {
		case id := <-ch:
			assert.Equal(t, "$event:example.org", id)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for delivery to a subscriber")
		}
	}
}
