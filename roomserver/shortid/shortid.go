// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package shortid implements the bidirectional interner described in
// spec §4.1: event_id <-> shorteventid, (type,state_key) <-> shortstatekey,
// room_id <-> shortroomid, plus a bare shortstatehash allocator
// (NextStateHash) with no interned input. Allocation is
// write-once and backed by a process-wide monotonic counter persisted
// in the KV store; an in-memory ristretto cache accelerates hot
// lookups, and concurrent creation of the same input is serialized
// through a sharded keyed mutex so it resolves to a single short id.
package shortid

import (
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto"
	"github.com/sirupsen/logrus"

	"github.com/matrixcore/homeserver/internal/kv"
	"github.com/matrixcore/homeserver/internal/sharded"
)

// kind selects which pair of columns (and counter key) a Table operates
// over. There is one Table per kind, constructed by the constructors
// below.
type kind struct {
	forward  kv.Column // input -> short id
	backward kv.Column // short id -> input
	counter  string    // key within kv.ColShortCounters
}

var (
	kindEventID  = kind{kv.ColShortEventIDToNID, kv.ColShortNIDToEventID, "shorteventid"}
	kindStateKey = kind{kv.ColShortStateKeyToNID, kv.ColShortNIDToStateKey, "shortstatekey"}
	kindRoomID   = kind{kv.ColShortRoomIDToNID, kv.ColShortNIDToRoomID, "shortroomid"}
	kindStateHash = kind{kv.Column(""), kv.Column(""), "shortstatehash"}
)

// Table is one bidirectional interner instance. EventIDs, StateKeys and
// RoomIDs are all Tables; ShortStateHash allocation (which has no
// "input" to intern, only an allocator) reuses the same counter
// machinery via NextStateHash below.
type Table struct {
	k     kind
	e     *kv.Engine
	cache *ristretto.Cache // input string -> uint64, hot-path accelerator
	locks *sharded.Mutexes
	log   *logrus.Entry
}

func newTable(e *kv.Engine, k kind) *Table {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     1 << 24, // 16MiB
		BufferItems: 64,
	})
	if err != nil {
		// ristretto.NewCache only fails on bad config constants above;
		// a nil cache degrades to store-only lookups, never a crash.
		logrus.WithError(err).Error("shortid: failed to create ristretto cache, continuing uncached")
	}
	return &Table{
		k:     k,
		e:     e,
		cache: cache,
		locks: sharded.NewMutexes(256),
		log:   logrus.WithField("component", "shortid").WithField("kind", k.counter),
	}
}

// NewEventIDTable returns the event_id <-> shorteventid interner.
func NewEventIDTable(e *kv.Engine) *Table { return newTable(e, kindEventID) }

// NewStateKeyTable returns the (type,state_key) <-> shortstatekey interner.
func NewStateKeyTable(e *kv.Engine) *Table { return newTable(e, kindStateKey) }

// NewRoomIDTable returns the room_id <-> shortroomid interner.
func NewRoomIDTable(e *kv.Engine) *Table { return newTable(e, kindRoomID) }

// GetOrCreate returns the short id for input, allocating a fresh one
// from the process-wide monotonic counter if this is the first time
// input has been seen. The mapping is write-once: once allocated, the
// same input always returns the same short id.
func (t *Table) GetOrCreate(input []byte) (uint64, error) {
	if v, found := t.cacheGet(input); found {
		return v, nil
	}

	unlock := t.locks.Lock(input)
	defer unlock()

	// Re-check under the lock: another goroutine may have raced us.
	if v, ok, err := t.e.Get(t.k.forward, input); err != nil {
		return 0, err
	} else if ok {
		id := kv.DecodeUint64(v)
		t.cacheSet(input, id)
		return id, nil
	}

	id, err := nextCounter(t.e, t.k.counter)
	if err != nil {
		return 0, err
	}

	b := t.e.NewBatch()
	b.Put(t.k.forward, input, kv.EncodeUint64(id))
	b.Put(t.k.backward, kv.EncodeUint64(id), input)
	if err := b.Commit(); err != nil {
		return 0, fmt.Errorf("shortid: commit allocation: %w", err)
	}

	t.cacheSet(input, id)
	t.log.WithField("short_id", id).Debug("allocated new short id")
	return id, nil
}

// Get returns the short id for input if it has already been allocated,
// without creating one. found is false if input is unknown.
func (t *Table) Get(input []byte) (id uint64, found bool, err error) {
	if v, ok := t.cacheGet(input); ok {
		return v, true, nil
	}
	v, ok, err := t.e.Get(t.k.forward, input)
	if err != nil || !ok {
		return 0, false, err
	}
	id = kv.DecodeUint64(v)
	t.cacheSet(input, id)
	return id, true, nil
}

// Lookup returns the original input for a short id, or found=false if
// the id is unknown (should not happen for ids this process handed
// out, but may for ids referenced from a corrupt or foreign payload).
func (t *Table) Lookup(id uint64) (input []byte, found bool, err error) {
	v, ok, err := t.e.Get(t.k.backward, kv.EncodeUint64(id))
	if err != nil || !ok {
		return nil, false, err
	}
	return v, true, nil
}

func (t *Table) cacheGet(input []byte) (uint64, bool) {
	if t.cache == nil {
		return 0, false
	}
	v, ok := t.cache.Get(string(input))
	if !ok {
		return 0, false
	}
	return v.(uint64), true
}

func (t *Table) cacheSet(input []byte, id uint64) {
	if t.cache == nil {
		return
	}
	t.cache.Set(string(input), id, int64(len(input)+8))
}

// counterMu serializes every nextCounter call in the process, across
// all kinds and shards.
var counterMu sync.Mutex

// nextCounter atomically allocates and persists the next value of a
// named monotonic counter stored in kv.ColShortCounters. The read and
// the write are separate KV transactions; counterMu keeps two
// allocations from interleaving between them, including callers that
// hold different shard locks.
func nextCounter(e *kv.Engine, name string) (uint64, error) {
	counterMu.Lock()
	defer counterMu.Unlock()
	var next uint64
	key := []byte(name)
	v, ok, err := e.Get(kv.ColShortCounters, key)
	if err != nil {
		return 0, err
	}
	if ok {
		next = kv.DecodeUint64(v) + 1
	} else {
		next = 1
	}
	if err := e.Put(kv.ColShortCounters, key, kv.EncodeUint64(next)); err != nil {
		return 0, err
	}
	return next, nil
}

// NextStateHash allocates a fresh shortstatehash. There is no
// "input -> id" direction to intern for state hashes (the input is the
// compressed state set itself, which the state compressor addresses by
// its own content, not by this allocator), so this is a bare counter.
func NextStateHash(e *kv.Engine) (uint64, error) {
	return nextCounter(e, kindStateHash.counter)
}

// EncodeStateKey packs (event type, state key) into the composite input
// used as the forward-table key for StateKeyTable.
func EncodeStateKey(eventType, stateKey string) []byte {
	return kv.Tuple([]byte(eventType), []byte(stateKey))
}

// DecodeStateKey is the inverse of EncodeStateKey.
func DecodeStateKey(b []byte) (eventType, stateKey string) {
	fields := kv.SplitTuple(b, 2)
	return string(fields[0]), string(fields[1])
}
