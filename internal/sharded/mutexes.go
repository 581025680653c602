// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package sharded provides a keyed mutex sharded over a fixed number of
// locks, so that serializing writes "per input id" (short-id
// allocation, per-room ingestion is a separate, unsharded keyed mutex,
// see roomserver/internal/input) does not require one real mutex per
// key.
package sharded

import (
	"hash/fnv"
	"sync"
)

// Mutexes is a fixed-size ring of mutexes; a given key always hashes to
// the same shard, so two callers locking the same key always
// contend on the same underlying sync.Mutex, while unrelated keys
// usually don't.
type Mutexes struct {
	locks []sync.Mutex
}

// NewMutexes creates a ring of n shards. n should be a power of two for
// an even hash spread but need not be.
func NewMutexes(n int) *Mutexes {
	if n <= 0 {
		n = 1
	}
	return &Mutexes{locks: make([]sync.Mutex, n)}
}

// Lock locks the shard that key hashes to and returns the matching
// unlock function.
func (m *Mutexes) Lock(key []byte) (unlock func()) {
	h := fnv.New32a()
	_, _ = h.Write(key)
	idx := h.Sum32() % uint32(len(m.locks))
	m.locks[idx].Lock()
	return m.locks[idx].Unlock
}
