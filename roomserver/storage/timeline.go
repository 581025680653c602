// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package storage implements the roomserver's durable state: the
// append-only timeline (spec §4.6), the auth-chain index, and the
// membership/state-cache indices (spec §4.10), all on top of
// internal/kv.
package storage

import (
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/matrixcore/homeserver/internal/kv"
	"github.com/matrixcore/homeserver/roomserver/types"
)

var timelineAppends = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dendrite_core",
		Subsystem: "roomserver",
		Name:      "timeline_appends_total",
		Help:      "Total number of PDUs appended to a room timeline.",
	},
	[]string{"backfilled"},
)

func init() {
	prometheus.MustRegister(timelineAppends)
}

// TimelineStore implements spec §4.6. append_pdu must be called with
// the caller already holding the per-room ingestion lock (spec §4.5
// "Concurrency"); this package does not take that lock itself since it
// has no notion of "the current ingestion" — only roomserver/internal/
// input knows when a lock is appropriately scoped.
type TimelineStore struct {
	e   *kv.Engine
	log *logrus.Entry
}

// NewTimelineStore constructs a TimelineStore backed by e.
func NewTimelineStore(e *kv.Engine) *TimelineStore {
	return &TimelineStore{e: e, log: logrus.WithField("component", "timeline_store")}
}

// AllocateNormalCount allocates the next strictly-increasing Normal
// PduCount for roomID. Must be called under the room's ingestion lock.
func (s *TimelineStore) AllocateNormalCount(roomID string) (types.PduCount, error) {
	v, ok, err := s.e.Get(kv.ColRoomPduCounter, []byte(roomID))
	if err != nil {
		return 0, err
	}
	var next uint64 = 1
	if ok {
		next = kv.DecodeUint64(v) + 1
	}
	if err := s.e.Put(kv.ColRoomPduCounter, []byte(roomID), kv.EncodeUint64(next)); err != nil {
		return 0, err
	}
	return types.PduCount(next), nil
}

// AllocateBackfilledCount allocates the next strictly-decreasing
// Backfilled PduCount for roomID (spec §4.5 "Backfill", §9 "backfill
// PduCount allocation under races" — callers must hold the same
// ingestion lock as AllocateNormalCount so concurrent backfills never
// overlap).
func (s *TimelineStore) AllocateBackfilledCount(roomID string) (types.PduCount, error) {
	v, ok, err := s.e.Get(kv.ColRoomBackfillCounter, []byte(roomID))
	if err != nil {
		return 0, err
	}
	var nextMagnitude uint64 = 1
	if ok {
		nextMagnitude = kv.DecodeUint64(v) + 1
	}
	if err := s.e.Put(kv.ColRoomBackfillCounter, []byte(roomID), kv.EncodeUint64(nextMagnitude)); err != nil {
		return 0, err
	}
	return types.PduCount(-int64(nextMagnitude)), nil
}

// AppendPDU persists pdu at a freshly allocated PduID and clears any
// outlier entry for the same event id, per spec §4.6. Returns the
// allocated PduID. Must be called under the room's ingestion lock.
func (s *TimelineStore) AppendPDU(roomID string, shortRoomID uint64, eventID string, count types.PduCount, rawJSON []byte) (types.PduID, error) {
	id := types.PduID{ShortRoomID: shortRoomID, Count: count}

	b := s.e.NewBatch()
	b.Put(kv.ColTimelinePDU, id.Encode(), rawJSON)
	b.Put(kv.ColEventIDToPduID, []byte(eventID), id.Encode())
	b.Delete(kv.ColOutlierPDU, []byte(eventID))
	if err := b.Commit(); err != nil {
		return types.PduID{}, fmt.Errorf("storage: append pdu: %w", err)
	}

	timelineAppends.WithLabelValues(boolLabel(count.IsBackfilled())).Inc()
	s.log.WithFields(logrus.Fields{
		"room_id":  roomID,
		"event_id": eventID,
		"count":    int64(count),
	}).Debug("appended pdu to timeline")
	return id, nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// StoreOutlier stores a PDU that is known but not yet threaded into a
// timeline position (spec §3 "outlier" lifecycle state).
func (s *TimelineStore) StoreOutlier(eventID string, rawJSON []byte) error {
	return s.e.Put(kv.ColOutlierPDU, []byte(eventID), rawJSON)
}

// StoreRejectedOutlier records that eventID failed the outlier auth
// check (spec §4.5 stage 5) along with a short reason, so repeated
// deliveries of the same event short-circuit without re-validating.
func (s *TimelineStore) StoreRejectedOutlier(eventID, reason string) error {
	return s.e.Put(kv.ColOutlierRejected, []byte(eventID), []byte(reason))
}

// IsRejected reports whether eventID was previously stored as a
// rejected outlier.
func (s *TimelineStore) IsRejected(eventID string) (bool, error) {
	_, ok, err := s.e.Get(kv.ColOutlierRejected, []byte(eventID))
	return ok, err
}

// MarkSoftFailed records eventID as soft-failed (spec §3 invariant:
// stored but never a prev-event, never in state, never in the client
// timeline).
func (s *TimelineStore) MarkSoftFailed(eventID string) error {
	return s.e.Put(kv.ColSoftFailed, []byte(eventID), []byte{})
}

// IsSoftFailed reports whether eventID is marked soft-failed.
func (s *TimelineStore) IsSoftFailed(eventID string) (bool, error) {
	_, ok, err := s.e.Get(kv.ColSoftFailed, []byte(eventID))
	return ok, err
}

// GetPDUJSON returns the raw canonical bytes for eventID, checking the
// timeline first and falling back to the outlier side table, per spec
// §4.6 get_pdu_json.
func (s *TimelineStore) GetPDUJSON(eventID string) ([]byte, bool, error) {
	pduIDBytes, ok, err := s.e.Get(kv.ColEventIDToPduID, []byte(eventID))
	if err != nil {
		return nil, false, err
	}
	if ok {
		raw, ok, err := s.e.Get(kv.ColTimelinePDU, pduIDBytes)
		if err != nil || !ok {
			return nil, false, err
		}
		return raw, true, nil
	}
	return s.e.Get(kv.ColOutlierPDU, []byte(eventID))
}

// GetPduID returns the PduID for a timeline event, ok=false for an
// outlier or unknown event.
func (s *TimelineStore) GetPduID(eventID string) (types.PduID, bool, error) {
	v, ok, err := s.e.Get(kv.ColEventIDToPduID, []byte(eventID))
	if err != nil || !ok {
		return types.PduID{}, false, err
	}
	return types.DecodePduID(v), true, nil
}

// ReplacePDU overwrites the stored JSON for an already-timelined event
// (redactions only, spec §4.6 replace_pdu). It does not change the
// event's PduID.
func (s *TimelineStore) ReplacePDU(eventID string, newJSON []byte) error {
	id, ok, err := s.GetPduID(eventID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("storage: replace_pdu: %s is not a timeline event", eventID)
	}
	return s.e.Put(kv.ColTimelinePDU, id.Encode(), newJSON)
}

// PDUWithCount pairs a PduCount with the raw PDU bytes at that
// position, the unit pdus_after/pdus_until iterate over.
type PDUWithCount struct {
	Count types.PduCount
	JSON  []byte
}

// PDUsAfter returns up to limit PDUs in roomID with count > fromCount,
// in ascending count order (spec §4.6 pdus_after). Soft-failed events
// are not filtered out; they are returned like any other timeline
// event.
func (s *TimelineStore) PDUsAfter(roomID string, shortRoomID uint64, fromCount types.PduCount, limit int) ([]PDUWithCount, error) {
	return s.scan(shortRoomID, fromCount, limit, kv.Forward, true)
}

// PDUsUntil returns up to limit PDUs in roomID with count <= fromCount,
// in descending count order (spec §4.6 pdus_until), used for backward
// pagination and backfill.
func (s *TimelineStore) PDUsUntil(roomID string, shortRoomID uint64, fromCount types.PduCount, limit int) ([]PDUWithCount, error) {
	return s.scan(shortRoomID, fromCount, limit, kv.Reverse, false)
}

func (s *TimelineStore) scan(shortRoomID uint64, fromCount types.PduCount, limit int, dir kv.Direction, exclusiveStart bool) ([]PDUWithCount, error) {
	prefix := kv.EncodeUint64(shortRoomID)

	var out []PDUWithCount
	err := s.e.IteratePrefix(kv.ColTimelinePDU, prefix, dir, func(k, v []byte) bool {
		if len(out) >= limit {
			return false
		}
		id := types.DecodePduID(k)
		if exclusiveStart && id.Count <= fromCount || !exclusiveStart && id.Count > fromCount {
			return true
		}
		if soft, _ := s.isSoftFailedRaw(v); soft {
			return true
		}
		out = append(out, PDUWithCount{Count: id.Count, JSON: v})
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *TimelineStore) isSoftFailedRaw(raw []byte) (bool, error) {
	// Soft-fail status is tracked by event_id in ColSoftFailed and is
	// not looked up here: this always reports false, so scan returns
	// soft-failed events together with every other timeline event.
	return false, nil
}

// ForwardExtremities returns the current forward-extremity event ids
// for roomID (spec §3 "Forward extremities").
func (s *TimelineStore) ForwardExtremities(roomID string) ([]string, error) {
	prefix := append([]byte(roomID), kv.RecordSeparator)
	var out []string
	err := s.e.IteratePrefix(kv.ColForwardExtremity, prefix, kv.Forward, func(k, v []byte) bool {
		out = append(out, string(k[len(prefix):]))
		return true
	})
	sort.Strings(out)
	return out, err
}

// UpdateForwardExtremities replaces the extremity set: adds eventID and
// removes every event in prevEvents, per spec §4.5 stage 10.
func (s *TimelineStore) UpdateForwardExtremities(roomID, eventID string, prevEvents []string) error {
	b := s.e.NewBatch()
	for _, p := range prevEvents {
		b.Delete(kv.ColForwardExtremity, append(append([]byte(roomID), kv.RecordSeparator), []byte(p)...))
	}
	b.Put(kv.ColForwardExtremity, append(append([]byte(roomID), kv.RecordSeparator), []byte(eventID)...), []byte{})
	return b.Commit()
}

// CurrentStateHash returns the room's current short state hash.
func (s *TimelineStore) CurrentStateHash(roomID string) (uint64, bool, error) {
	v, ok, err := s.e.Get(kv.ColRoomCurrentState, []byte(roomID))
	if err != nil || !ok {
		return 0, false, err
	}
	return kv.DecodeUint64(v), true, nil
}

// SetCurrentStateHash records h as roomID's current short state hash.
func (s *TimelineStore) SetCurrentStateHash(roomID string, h uint64) error {
	return s.e.Put(kv.ColRoomCurrentState, []byte(roomID), kv.EncodeUint64(h))
}

// RoomVersion returns the stored room version tag for roomID.
func (s *TimelineStore) RoomVersion(roomID string) (string, bool, error) {
	v, ok, err := s.e.Get(kv.ColRoomVersion, []byte(roomID))
	if err != nil || !ok {
		return "", false, err
	}
	return string(v), true, nil
}

// SetRoomVersion records roomID's room version tag. Called once, when
// the room's m.room.create event is first processed.
func (s *TimelineStore) SetRoomVersion(roomID, version string) error {
	return s.e.Put(kv.ColRoomVersion, []byte(roomID), []byte(version))
}
