// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package input implements handle_incoming_pdu, the ten-stage PDU
// ingestion pipeline described in spec §4.5: preconditions,
// canonicalization, signature/hash verification, missing-event
// fetching, outlier auth, state-at-event computation, state-at-event
// auth, soft-fail check, state update and timeline append. Grounded on
// conduwuit's upgrade_outlier_to_timeline_pdu for stage ordering and on
// github.com/element-hq/dendrite/roomserver/internal/input for Go
// idiom (Inputer collaborator struct, logrus.Fields tracing, %w error
// wrapping).
package input

import (
	"context"
	"fmt"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/matrixcore/homeserver/internal/keyedmutex"
	"github.com/matrixcore/homeserver/internal/kv"
	"github.com/matrixcore/homeserver/roomserver/shortid"
	"github.com/matrixcore/homeserver/roomserver/state"
	"github.com/matrixcore/homeserver/roomserver/storage"
	"github.com/matrixcore/homeserver/roomserver/types"
)

// Fetcher is the federation collaborator the pipeline calls out to for
// events and state the local store does not have (spec §4.5 stages 4
// and 6). Implemented by federationapi against a real homeserver;
// tests supply an in-memory fake.
type Fetcher interface {
	// FetchEvent retrieves a single event as an outlier via /event.
	FetchEvent(ctx context.Context, origin, eventID string) ([]byte, error)
	// FetchStateIDs retrieves the state_ids response for roomID at
	// eventID: the full state event id list and the auth chain event
	// id list.
	FetchStateIDs(ctx context.Context, origin, roomID, eventID string) (stateEventIDs, authChainEventIDs []string, err error)
}

// Verifier checks signatures and content hashes (spec §4.5 stage 3).
// Implemented by signingkeys against real remote key fetches.
type Verifier interface {
	VerifyEvent(ctx context.Context, origin string, ev *types.PDU) error
}

// Notifier fans an accepted timeline event out to other servers in the
// room, local subscribers, push gateways and appservices (spec §4.5
// stage 10, §2 "fan-out"). Implemented by internal/fanout.
type Notifier interface {
	NotifyTimelineAppend(roomID, eventID string, pduID types.PduID)
}

// Config bounds the fetch behaviour of stage 4 (spec §4.5 "bounded
// concurrency, bounded recursion depth, and a total budget per call").
type Config struct {
	MaxFetchConcurrency int
	MaxFetchDepth        int
	MaxFetchBudget       int
	NegativeCacheTTL     time.Duration
}

// DefaultConfig matches the bounds named in spec §9's open questions.
func DefaultConfig() Config {
	return Config{
		MaxFetchConcurrency: 8,
		MaxFetchDepth:       5,
		MaxFetchBudget:      100,
		NegativeCacheTTL:     5 * time.Minute,
	}
}

// Inputer is the PDU ingestion pipeline collaborator. One Inputer
// serves every room on a homeserver; per-room exclusivity is provided
// by RoomLocks, not by constructing one Inputer per room.
type Inputer struct {
	Engine      *kv.Engine
	EventIDs    *shortid.Table
	StateKeys   *shortid.Table
	RoomIDs     *shortid.Table
	Compressor  *state.Compressor
	Timeline    *storage.TimelineStore
	AuthChains  *storage.AuthChainStore
	Memberships *storage.MembershipStore
	RoomLocks   *keyedmutex.KeyedMutex
	Fetcher     Fetcher
	Verifier    Verifier
	Notifier    Notifier

	Cfg Config

	negativeCache *cache.Cache
	blacklist     map[string]bool

	log *logrus.Entry
}

// NewInputer wires the ingestion pipeline's storage and collaborators
// together. fetcher, verifier and notifier may be nil in tests that do
// not exercise the stages which need them.
func NewInputer(e *kv.Engine, fetcher Fetcher, verifier Verifier, notifier Notifier, cfg Config) *Inputer {
	return &Inputer{
		Engine:      e,
		EventIDs:    shortid.NewEventIDTable(e),
		StateKeys:   shortid.NewStateKeyTable(e),
		RoomIDs:     shortid.NewRoomIDTable(e),
		Compressor:  state.NewCompressor(e),
		Timeline:    storage.NewTimelineStore(e),
		AuthChains:  storage.NewAuthChainStore(e),
		Memberships: storage.NewMembershipStore(e),
		RoomLocks:   keyedmutex.New(),
		Fetcher:     fetcher,
		Verifier:    verifier,
		Notifier:    notifier,
		Cfg:         cfg,
		negativeCache: cache.New(cfg.NegativeCacheTTL, cfg.NegativeCacheTTL*2),
		blacklist:   map[string]bool{},
		log:         logrus.WithField("component", "roomserver_input"),
	}
}

// Blacklist marks roomID so every future incoming event for it is
// rejected at stage 1, per spec §4.5 stage 1.
func (in *Inputer) Blacklist(roomID string) { in.blacklist[roomID] = true }

// HandleIncomingPDU runs the full ten-stage pipeline for one PDU. A nil
// *types.PduID with a nil error means the event was accepted but did
// not enter the timeline (stored as an outlier only, mirroring spec
// §4.5's `Option<PduId>` return with None for outliers); a non-nil
// error means the event was rejected or a storage failure occurred.
func (in *Inputer) HandleIncomingPDU(ctx context.Context, origin, roomID, eventID string, pduJSON []byte, isTimelineEvent bool) (*types.PduID, error) {
	logger := in.log.WithFields(logrus.Fields{
		"origin":   origin,
		"room_id":  roomID,
		"event_id": eventID,
	})

	// Stage 1: preconditions.
	if in.blacklist[roomID] {
		return nil, fmt.Errorf("input: room %s is blacklisted", roomID)
	}
	if softFailed, err := in.Timeline.IsSoftFailed(eventID); err != nil {
		return nil, err
	} else if softFailed {
		return nil, fmt.Errorf("input: event %s is known soft-failed", eventID)
	}
	if rejected, err := in.Timeline.IsRejected(eventID); err != nil {
		return nil, err
	} else if rejected {
		return nil, fmt.Errorf("input: event %s is a known rejected outlier", eventID)
	}
	if pduID, ok, err := in.Timeline.GetPduID(eventID); err != nil {
		return nil, err
	} else if ok {
		return &pduID, nil // already in the timeline
	}

	roomVersion, err := in.resolveRoomVersion(roomID, eventID, pduJSON)
	if err != nil {
		return nil, err
	}

	// Stage 2: canonicalization.
	ev, err := types.ParsePDU(gomatrixserverlib.RoomVersion(roomVersion), pduJSON)
	if err != nil {
		return nil, fmt.Errorf("input: canonicalize: %w", err)
	}
	if ev.EventID != eventID {
		return nil, fmt.Errorf("input: event id mismatch: supplied %s, derived %s", eventID, ev.EventID)
	}

	// Stage 3: signature and hash verification, with a negative TTL
	// cache so repeated delivery of an event that keeps failing
	// verification doesn't re-fetch keys every time.
	if _, found := in.negativeCache.Get(eventID); found {
		return nil, fmt.Errorf("input: event %s failed verification previously", eventID)
	}
	if in.Verifier != nil {
		if err := in.Verifier.VerifyEvent(ctx, origin, ev); err != nil {
			in.negativeCache.SetDefault(eventID, true)
			return nil, fmt.Errorf("input: signature/hash verification failed: %w", err)
		}
	}

	if err := in.Timeline.SetRoomVersion(roomID, roomVersion); err != nil {
		return nil, err
	}

	// Stage 4: fetch missing prev-events and auth-events as outliers.
	if err := in.fetchMissing(ctx, origin, roomID, ev, 0, newBudget(in.Cfg.MaxFetchBudget)); err != nil {
		return nil, fmt.Errorf("input: fetch missing events: %w", err)
	}

	if err := in.Timeline.StoreOutlier(eventID, ev.RawJSON()); err != nil {
		return nil, err
	}

	shortEventID, err := in.EventIDs.GetOrCreate([]byte(eventID))
	if err != nil {
		return nil, err
	}

	// Stage 5: outlier auth check, against auth_events only.
	authFetch, err := in.stateFetchFromEventIDs(ev.AuthEvents)
	if err != nil {
		return nil, err
	}
	ok, err := state.AuthCheck(ev, authFetch)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := in.Timeline.StoreRejectedOutlier(eventID, "outlier auth check failed"); err != nil {
			return nil, err
		}
		logger.Warn("event rejected: outlier auth check failed")
		return nil, fmt.Errorf("input: event %s rejected: outlier auth check failed", eventID)
	}
	if err := in.storeDirectAuthChain(shortEventID, ev.AuthEvents); err != nil {
		return nil, err
	}

	if !isTimelineEvent {
		return nil, nil
	}

	// Stages 6-10 require the room's ingestion lock.
	unlock := in.RoomLocks.Lock(roomID)
	defer unlock()

	return in.upgradeToTimeline(ctx, origin, roomID, ev, shortEventID, logger)
}

// resolveRoomVersion returns the room's stored version, falling back to
// the create event's own room_version field the first time a room's
// create event is processed.
func (in *Inputer) resolveRoomVersion(roomID, eventID string, pduJSON []byte) (string, error) {
	if v, ok, err := in.Timeline.RoomVersion(roomID); err != nil {
		return "", err
	} else if ok {
		return v, nil
	}
	if gjson.GetBytes(pduJSON, "type").String() != "m.room.create" {
		return "", fmt.Errorf("input: unknown room version for %s and %s is not m.room.create", roomID, eventID)
	}
	v := gjson.GetBytes(pduJSON, "content.room_version").String()
	if v == "" {
		v = string(gomatrixserverlib.RoomVersionV1)
	}
	return v, nil
}

type fetchBudget struct{ remaining int }

func newBudget(n int) *fetchBudget { return &fetchBudget{remaining: n} }

func (b *fetchBudget) take() bool {
	if b.remaining <= 0 {
		return false
	}
	b.remaining--
	return true
}
