// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package storage persists the per-destination outbound federation
// queue (spec §4.7): pending PDUs/EDUs waiting to be sent, the retry
// backoff state of a destination currently failing, and which
// transaction id is in flight. No federationapi/storage/shared package
// was retrieved (federationapi/storage there contains only a postgres/
// backend); the retry/backoff record shape is grounded instead on
// federationapi/storage/postgres/retry_state_table.go and
// whitelist_table.go's columns (server_name, failure_count,
// retry_until), adapted to this module's KV column layout. The pending
// PDU/EDU queue and in-flight transaction id have no retrieved teacher
// table to adapt from (see DESIGN.md).
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matrixcore/homeserver/internal/kv"
)

// QueuedEvent is one PDU or EDU waiting to be sent to a destination.
// Grounded on the teacher's federationapi/storage/shared queue_json
// table (NID plus the raw json blob it refers to).
type QueuedEvent struct {
	Seq       uint64          `json:"seq"`
	EventType string          `json:"event_type"` // "pdu" or "edu"
	JSON      json.RawMessage `json:"json"`
}

// RetryState records a destination's current backoff (teacher's
// federationapi/storage/shared/table_queue_retry.go: server_name,
// retry_server_host, retry_last_ts, retry_interval).
type RetryState struct {
	FailureCount int       `json:"failure_count"`
	RetryUntil   time.Time `json:"retry_until"`
	LastError    string    `json:"last_error,omitempty"`
}

// QueueStore is the KV-backed collaborator federationapi/queue uses
// to persist pending sends and backoff state durably across restarts.
type QueueStore struct {
	e *kv.Engine
}

// NewQueueStore constructs a QueueStore over e.
func NewQueueStore(e *kv.Engine) *QueueStore {
	return &QueueStore{e: e}
}

// Enqueue appends a new queued event for destination, allocating the
// next sequence number for it.
func (s *QueueStore) Enqueue(destination, eventType string, eventJSON json.RawMessage) error {
	seq, err := s.nextSeq(destination)
	if err != nil {
		return err
	}
	qe := QueuedEvent{Seq: seq, EventType: eventType, JSON: eventJSON}
	val, err := kv.EncodeJSON(qe)
	if err != nil {
		return fmt.Errorf("federationapi/storage: encode queued event: %w", err)
	}
	key := kv.Tuple([]byte(destination), kv.EncodeUint64(seq))
	return s.e.Put(kv.ColDestinationQueue, key, val)
}

func (s *QueueStore) nextSeq(destination string) (uint64, error) {
	key := []byte(destination)
	v, ok, err := s.e.Get(kv.ColDestinationSeq, key)
	if err != nil {
		return 0, err
	}
	var next uint64
	if ok {
		next = kv.DecodeUint64(v) + 1
	}
	if err := s.e.Put(kv.ColDestinationSeq, key, kv.EncodeUint64(next)); err != nil {
		return 0, err
	}
	return next, nil
}

// Pending returns up to limit queued events for destination in
// sequence order, oldest first.
func (s *QueueStore) Pending(destination string, limit int) ([]QueuedEvent, error) {
	prefix := kv.Tuple([]byte(destination))
	prefix = append(prefix, kv.RecordSeparator)
	var out []QueuedEvent
	err := s.e.IteratePrefix(kv.ColDestinationQueue, prefix, kv.Forward, func(k, v []byte) bool {
		var qe QueuedEvent
		if err := kv.DecodeJSON(v, &qe); err == nil {
			out = append(out, qe)
		}
		return len(out) < limit
	})
	if err != nil {
		return nil, fmt.Errorf("federationapi/storage: iterate pending for %s: %w", destination, err)
	}
	return out, nil
}

// Ack removes the given sequence numbers from destination's queue once
// a transaction carrying them has been acknowledged.
func (s *QueueStore) Ack(destination string, seqs []uint64) error {
	b := s.e.NewBatch()
	for _, seq := range seqs {
		key := kv.Tuple([]byte(destination), kv.EncodeUint64(seq))
		b.Delete(kv.ColDestinationQueue, key)
	}
	return b.Commit()
}

// QueueDepth reports how many events are currently queued for
// destination, for introspection (the Inspector boundary).
func (s *QueueStore) QueueDepth(destination string) (int, error) {
	prefix := append([]byte(destination), kv.RecordSeparator)
	n := 0
	err := s.e.IteratePrefix(kv.ColDestinationQueue, prefix, kv.Forward, func(k, v []byte) bool {
		n++
		return true
	})
	return n, err
}

// GetRetryState returns destination's current backoff state, if any.
func (s *QueueStore) GetRetryState(destination string) (RetryState, bool, error) {
	v, ok, err := s.e.Get(kv.ColDestinationRetry, []byte(destination))
	if err != nil || !ok {
		return RetryState{}, false, err
	}
	var rs RetryState
	if err := kv.DecodeJSON(v, &rs); err != nil {
		return RetryState{}, false, fmt.Errorf("federationapi/storage: decode retry state for %s: %w", destination, err)
	}
	return rs, true, nil
}

// SetRetryState persists destination's backoff state.
func (s *QueueStore) SetRetryState(destination string, rs RetryState) error {
	v, err := kv.EncodeJSON(rs)
	if err != nil {
		return err
	}
	return s.e.Put(kv.ColDestinationRetry, []byte(destination), v)
}

// ClearRetryState removes destination's backoff state once a send
// succeeds.
func (s *QueueStore) ClearRetryState(destination string) error {
	return s.e.Delete(kv.ColDestinationRetry, []byte(destination))
}

// SetInFlight records the transaction id currently outstanding for
// destination, so a restart does not double-send on reconnect.
func (s *QueueStore) SetInFlight(destination string, txnID uint64) error {
	return s.e.Put(kv.ColDestinationInFlight, []byte(destination), kv.EncodeUint64(txnID))
}

// ClearInFlight removes the in-flight marker once the transaction
// completes (success or permanent failure).
func (s *QueueStore) ClearInFlight(destination string) error {
	return s.e.Delete(kv.ColDestinationInFlight, []byte(destination))
}

// InFlight returns the outstanding transaction id for destination, if
// any.
func (s *QueueStore) InFlight(destination string) (uint64, bool, error) {
	v, ok, err := s.e.Get(kv.ColDestinationInFlight, []byte(destination))
	if err != nil || !ok {
		return 0, false, err
	}
	return kv.DecodeUint64(v), true, nil
}

// Destinations lists every destination with at least one queued event,
// by scanning the distinct prefixes of ColDestinationQueue. Used at
// startup to resume delivery after a restart.
func (s *QueueStore) Destinations() ([]string, error) {
	seen := map[string]bool{}
	var out []string
	err := s.e.Iterate(kv.ColDestinationQueue, nil, kv.Forward, func(k, v []byte) bool {
		fields := kv.SplitTuple(k, 2)
		dest := string(fields[0])
		if !seen[dest] {
			seen[dest] = true
			out = append(out, dest)
		}
		return true
	})
	return out, err
}
