// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package state implements the three CPU-bound, I/O-adjacent pieces of
// the roomserver described in spec §4.2-§4.4: the state compressor, the
// event authorizer, and the state resolver.
package state

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/dgraph-io/ristretto"
	"github.com/sirupsen/logrus"

	"github.com/matrixcore/homeserver/internal/kv"
	"github.com/matrixcore/homeserver/roomserver/shortid"
	"github.com/matrixcore/homeserver/roomserver/types"
)

// DefaultMaxDepth bounds the parent-chain length a shortstatehash may
// accumulate before a full snapshot is forced (spec §4.2).
const DefaultMaxDepth = 16

// StateSet is a full room state: every (type,state_key) currently
// resolved to one event, addressed by short ids.
type StateSet map[types.StateKeyTuple]uint64 // shortstatekey lookups happen via the StateKeyTable; callers that already have shortstatekeys use StateSetByShort instead.

// StateSetByShort is a full room state keyed directly by shortstatekey,
// the representation the compressor actually stores and diffs.
type StateSetByShort map[uint64]uint64 // shortstatekey -> shorteventid

// pairs returns the state as a sorted []types.StatePair, the
// "compressed state" wire form from spec §3.
func (s StateSetByShort) pairs() []types.StatePair {
	out := make([]types.StatePair, 0, len(s))
	for k, v := range s {
		out = append(out, types.StatePair{ShortStateKey: k, ShortEventID: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ShortStateKey != out[j].ShortStateKey {
			return out[i].ShortStateKey < out[j].ShortStateKey
		}
		return out[i].ShortEventID < out[j].ShortEventID
	})
	return out
}

func setFromPairs(pairs []types.StatePair) StateSetByShort {
	s := make(StateSetByShort, len(pairs))
	for _, p := range pairs {
		s[p.ShortStateKey] = p.ShortEventID
	}
	return s
}

// Compressor owns the parent-chain state storage described in spec
// §4.2. One Compressor is shared by reference across the process; its
// materialization cache is a concurrent map with value-level sharing
// (spec §5 "Shared resources").
type Compressor struct {
	e        *kv.Engine
	maxDepth int
	matCache *ristretto.Cache // shortstatehash -> StateSetByShort, materialization cache
	log      *logrus.Entry
}

// NewCompressor constructs a Compressor backed by e.
func NewCompressor(e *kv.Engine) *Compressor {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 26, // 64MiB
		BufferItems: 64,
	})
	if err != nil {
		logrus.WithError(err).Error("state: failed to create materialization cache, continuing uncached")
	}
	return &Compressor{e: e, maxDepth: DefaultMaxDepth, matCache: cache, log: logrus.WithField("component", "state_compressor")}
}

// maxDiffSize bounds cumulative diff size proportional to
// sqrt(len(newState)), per spec §4.2.
func maxDiffSize(newStateLen int) int {
	return int(math.Sqrt(float64(newStateLen))) * 4
}

// diffRecord is the on-disk encoding of a statediff: a parent
// shortstatehash plus disjoint added/removed compressed-pair sets.
// Encoded as a small custom binary format rather than JSON, keeping
// with spec §3's literal "16-byte compressed tuples" storage model.
type diffRecord struct {
	parent  uint64
	added   []types.StatePair
	removed []types.StatePair
}

func encodeDiff(d diffRecord) []byte {
	buf := make([]byte, 0, 8+4+len(d.added)*16+4+len(d.removed)*16)
	buf = binary.BigEndian.AppendUint64(buf, d.parent)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(d.added)))
	for _, p := range d.added {
		b := p.Compress()
		buf = append(buf, b[:]...)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(d.removed)))
	for _, p := range d.removed {
		b := p.Compress()
		buf = append(buf, b[:]...)
	}
	return buf
}

func decodeDiff(b []byte) (diffRecord, error) {
	if len(b) < 12 {
		return diffRecord{}, fmt.Errorf("state: truncated statediff record")
	}
	d := diffRecord{parent: binary.BigEndian.Uint64(b[0:8])}
	off := 8
	addedN := binary.BigEndian.Uint32(b[off:])
	off += 4
	for i := uint32(0); i < addedN; i++ {
		var raw [16]byte
		copy(raw[:], b[off:off+16])
		off += 16
		d.added = append(d.added, types.DecompressStatePair(raw))
	}
	if len(b) < off+4 {
		return diffRecord{}, fmt.Errorf("state: truncated statediff removed-count")
	}
	removedN := binary.BigEndian.Uint32(b[off:])
	off += 4
	for i := uint32(0); i < removedN; i++ {
		var raw [16]byte
		copy(raw[:], b[off:off+16])
		off += 16
		d.removed = append(d.removed, types.DecompressStatePair(raw))
	}
	return d, nil
}

func encodeFullSnapshot(pairs []types.StatePair) []byte {
	buf := make([]byte, 0, len(pairs)*16)
	for _, p := range pairs {
		b := p.Compress()
		buf = append(buf, b[:]...)
	}
	return buf
}

func decodeFullSnapshot(b []byte) ([]types.StatePair, error) {
	if len(b)%16 != 0 {
		return nil, fmt.Errorf("state: full snapshot length %d not a multiple of 16", len(b))
	}
	out := make([]types.StatePair, 0, len(b)/16)
	for i := 0; i < len(b); i += 16 {
		var raw [16]byte
		copy(raw[:], b[i:i+16])
		out = append(out, types.DecompressStatePair(raw))
	}
	return out, nil
}

// chainDepth walks the parent chain starting at h and returns its
// length plus cumulative added+removed pair count, stopping as soon as
// it finds a full snapshot (depth 0 parent).
func (c *Compressor) chainDepth(h uint64) (depth int, cumSize int, err error) {
	cur := h
	for {
		v, ok, gerr := c.e.Get(kv.ColStateDiff, kv.EncodeUint64(cur))
		if gerr != nil {
			return 0, 0, gerr
		}
		if !ok {
			// cur is a full snapshot: chain ends here.
			return depth, cumSize, nil
		}
		d, derr := decodeDiff(v)
		if derr != nil {
			return 0, 0, derr
		}
		depth++
		cumSize += len(d.added) + len(d.removed)
		cur = d.parent
	}
}

// SaveState diffs newState against the room's previously stored full
// state (if any) and persists either a full snapshot or an incremental
// statediff, per spec §4.2. Returns the newly allocated shortstatehash
// and the added/removed sets relative to the room's previous state
// (useful for emitting a client state delta immediately).
func (c *Compressor) SaveState(roomID string, newState StateSetByShort) (shortStateHash uint64, added, removed []types.StatePair, err error) {
	newPairs := newState.pairs()

	prevHashBytes, hasPrev, err := c.e.Get(kv.ColRoomCurrentState, []byte(roomID))
	if err != nil {
		return 0, nil, nil, err
	}

	shortStateHash, err = shortid.NextStateHash(c.e)
	if err != nil {
		return 0, nil, nil, err
	}

	if !hasPrev {
		if err := c.e.Put(kv.ColStateSnapshotFull, kv.EncodeUint64(shortStateHash), encodeFullSnapshot(newPairs)); err != nil {
			return 0, nil, nil, err
		}
		return shortStateHash, newPairs, nil, nil
	}

	prevHash := kv.DecodeUint64(prevHashBytes)
	prevState, err := c.Materialize(prevHash)
	if err != nil {
		return 0, nil, nil, err
	}

	added, removed = diffSets(prevState, newState)

	depth, cumSize, err := c.chainDepth(prevHash)
	if err != nil {
		return 0, nil, nil, err
	}
	limit := maxDiffSize(len(newPairs))

	if depth+1 > c.maxDepth || cumSize+len(added)+len(removed) > limit {
		if err := c.e.Put(kv.ColStateSnapshotFull, kv.EncodeUint64(shortStateHash), encodeFullSnapshot(newPairs)); err != nil {
			return 0, nil, nil, err
		}
		c.cacheMaterialization(shortStateHash, newState)
		return shortStateHash, added, removed, nil
	}

	d := diffRecord{parent: prevHash, added: added, removed: removed}
	if err := c.e.Put(kv.ColStateDiff, kv.EncodeUint64(shortStateHash), encodeDiff(d)); err != nil {
		return 0, nil, nil, err
	}
	c.cacheMaterialization(shortStateHash, newState)
	return shortStateHash, added, removed, nil
}

// diffSets returns (added, removed) such that
// new = (old \ removed) ∪ added, matching the state diff law in
// spec §8.
func diffSets(old, new StateSetByShort) (added, removed []types.StatePair) {
	for k, v := range new {
		if oldV, ok := old[k]; !ok || oldV != v {
			added = append(added, types.StatePair{ShortStateKey: k, ShortEventID: v})
		}
	}
	for k, v := range old {
		if newV, ok := new[k]; !ok || newV != v {
			removed = append(removed, types.StatePair{ShortStateKey: k, ShortEventID: v})
		}
	}
	sortPairs(added)
	sortPairs(removed)
	return
}

func sortPairs(p []types.StatePair) {
	sort.Slice(p, func(i, j int) bool {
		if p[i].ShortStateKey != p[j].ShortStateKey {
			return p[i].ShortStateKey < p[j].ShortStateKey
		}
		return p[i].ShortEventID < p[j].ShortEventID
	})
}

// Materialize walks the parent chain for h and applies each diff in
// root-to-h order, returning the full state. Materializations are
// cached (spec §4.2 "Materialization is cached.").
func (c *Compressor) Materialize(h uint64) (StateSetByShort, error) {
	if cached, ok := c.cacheGetMaterialization(h); ok {
		return cached, nil
	}

	chain, err := c.LoadShortStateHashInfo(h)
	if err != nil {
		return nil, err
	}

	state := StateSetByShort{}
	for _, level := range chain {
		if level.FullState != nil {
			state = setFromPairs(level.FullState)
			continue
		}
		for _, rem := range level.Removed {
			delete(state, rem.ShortStateKey)
		}
		for _, add := range level.Added {
			state[add.ShortStateKey] = add.ShortEventID
		}
	}
	c.cacheMaterialization(h, state)
	return state, nil
}

// StateLevel is one entry in the parent chain returned by
// LoadShortStateHashInfo: either a full snapshot (FullState set,
// Added/Removed nil) or a diff layer.
type StateLevel struct {
	ShortStateHash uint64
	FullState      []types.StatePair // set only for the root snapshot level
	Added          []types.StatePair
	Removed        []types.StatePair
}

// LoadShortStateHashInfo returns the parent chain for h as a slice from
// root (a full snapshot) to h itself, per spec §4.2.
func (c *Compressor) LoadShortStateHashInfo(h uint64) ([]StateLevel, error) {
	var reversedChain []StateLevel
	cur := h
	for {
		diffBytes, ok, err := c.e.Get(kv.ColStateDiff, kv.EncodeUint64(cur))
		if err != nil {
			return nil, err
		}
		if !ok {
			full, ok, err := c.e.Get(kv.ColStateSnapshotFull, kv.EncodeUint64(cur))
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("state: unknown shortstatehash %d", cur)
			}
			pairs, err := decodeFullSnapshot(full)
			if err != nil {
				return nil, err
			}
			reversedChain = append(reversedChain, StateLevel{ShortStateHash: cur, FullState: pairs})
			break
		}
		d, err := decodeDiff(diffBytes)
		if err != nil {
			return nil, err
		}
		reversedChain = append(reversedChain, StateLevel{ShortStateHash: cur, Added: d.added, Removed: d.removed})
		cur = d.parent
	}
	// reversedChain is h..root; reverse it to root..h.
	chain := make([]StateLevel, len(reversedChain))
	for i, lvl := range reversedChain {
		chain[len(reversedChain)-1-i] = lvl
	}
	return chain, nil
}

// StateAdded returns the pairs present in b's materialized state but
// absent (or differently valued) in a's — i.e. what changed going from
// a to b. Together with StateRemoved this is the symmetric difference
// spec §4.2 defines for client sync deltas.
func (c *Compressor) StateAdded(a, b uint64) ([]types.StatePair, error) {
	added, _, err := c.symmetricDiff(a, b)
	return added, err
}

// StateRemoved is the complement of StateAdded.
func (c *Compressor) StateRemoved(a, b uint64) ([]types.StatePair, error) {
	_, removed, err := c.symmetricDiff(a, b)
	return removed, err
}

func (c *Compressor) symmetricDiff(a, b uint64) (added, removed []types.StatePair, err error) {
	sa, err := c.Materialize(a)
	if err != nil {
		return nil, nil, err
	}
	sb, err := c.Materialize(b)
	if err != nil {
		return nil, nil, err
	}
	added, removed = diffSets(sa, sb)
	return added, removed, nil
}

func (c *Compressor) cacheGetMaterialization(h uint64) (StateSetByShort, bool) {
	if c.matCache == nil {
		return nil, false
	}
	v, ok := c.matCache.Get(h)
	if !ok {
		return nil, false
	}
	return v.(StateSetByShort), true
}

func (c *Compressor) cacheMaterialization(h uint64, s StateSetByShort) {
	if c.matCache == nil {
		return
	}
	c.matCache.Set(h, s, int64(len(s)*16))
}
