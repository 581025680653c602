// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixcore/homeserver/federationapi/storage"
	"github.com/matrixcore/homeserver/internal/kv"
)

func openTestEngine(t *testing.T) *kv.Engine {
	t.Helper()
	e, err := kv.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

type fakeSender struct {
	mu    sync.Mutex
	calls []Transaction
	fail  int
	err   error
}

func (f *fakeSender) SendTransaction(ctx context.Context, destination string, txn Transaction) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, txn)
	if f.fail > 0 {
		f.fail--
		return 0, f.err
	}
	return 0, nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestQueues_SendsEnqueuedPDUAndAcks(t *testing.T) {
	store := storage.NewQueueStore(openTestEngine(t))
	sender := &fakeSender{}
	cfg := DefaultConfig()
	q := NewQueues(store, sender, cfg)
	defer q.Stop()

	ctx := context.Background()
	require.NoError(t, q.SendPDU(ctx, "remote.example.org", json.RawMessage(`{"event_id":"$a"}`)))

	require.Eventually(t, func() bool {
		return sender.callCount() == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		depth, err := store.QueueDepth("remote.example.org")
		return err == nil && depth == 0
	}, time.Second, 5*time.Millisecond)
}

func TestQueues_BacksOffOnFailureAndRetries(t *testing.T) {
	store := storage.NewQueueStore(openTestEngine(t))
	sender := &fakeSender{fail: 1, err: fmt.Errorf("connection refused")}
	cfg := DefaultConfig()
	cfg.BackoffStart = 5 * time.Millisecond
	cfg.BackoffCeiling = 20 * time.Millisecond
	q := NewQueues(store, sender, cfg)
	defer q.Stop()

	ctx := context.Background()
	require.NoError(t, q.SendPDU(ctx, "flaky.example.org", json.RawMessage(`{"event_id":"$a"}`)))

	require.Eventually(t, func() bool {
		rs, ok, err := store.GetRetryState("flaky.example.org")
		return err == nil && ok && rs.FailureCount >= 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		depth, err := store.QueueDepth("flaky.example.org")
		return err == nil && depth == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, sender.callCount(), 2)
}

func TestQueues_StartReplaysPendingOnStartup(t *testing.T) {
	e := openTestEngine(t)
	store := storage.NewQueueStore(e)
	require.NoError(t, store.Enqueue("remote.example.org", "pdu", json.RawMessage(`{"event_id":"$a"}`)))

	sender := &fakeSender{}
	q := NewQueues(store, sender, DefaultConfig())
	defer q.Stop()

	require.NoError(t, q.Start(context.Background()))

	require.Eventually(t, func() bool {
		return sender.callCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestQueues_StartupNetburstDisabledTrimsBacklog(t *testing.T) {
	e := openTestEngine(t)
	store := storage.NewQueueStore(e)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Enqueue("remote.example.org", "pdu", json.RawMessage(`{"event_id":"$a"}`)))
	}

	sender := &fakeSender{}
	cfg := DefaultConfig()
	cfg.StartupNetburst = false
	cfg.StartupNetburstKeep = 2
	q := NewQueues(store, sender, cfg)
	defer q.Stop()

	require.NoError(t, q.Start(context.Background()))

	require.Eventually(t, func() bool {
		depth, err := store.QueueDepth("remote.example.org")
		return err == nil && depth == 0
	}, time.Second, 5*time.Millisecond)

	require.Len(t, sender.calls, 1)
	assert.Len(t, sender.calls[0].PDUs, 2)
}
