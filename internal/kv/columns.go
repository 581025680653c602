// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package kv

// Column registry, one entry per bucket opened at startup. Grounded on
// conduwuit's database/maps.rs, which enumerates every named map up
// front with a declared key/value shape instead of creating buckets
// ad-hoc from scattered call sites. The comment on each column is that
// declared shape.

const (
	// --- short-id interner (roomserver/shortid) ---

	ColShortEventIDToNID Column = "short_eventid_to_nid" // event_id -> u64 shorteventid
	ColShortNIDToEventID Column = "short_nid_to_eventid" // u64 shorteventid -> event_id
	ColShortStateKeyToNID Column = "short_statekey_to_nid" // type|0xFF|state_key -> u64 shortstatekey
	ColShortNIDToStateKey Column = "short_nid_to_statekey" // u64 shortstatekey -> type|0xFF|state_key
	ColShortRoomIDToNID  Column = "short_roomid_to_nid"  // room_id -> u64 shortroomid
	ColShortNIDToRoomID  Column = "short_nid_to_roomid"  // u64 shortroomid -> room_id
	ColShortCounters     Column = "short_counters"       // fixed keys -> u64 monotonic counters

	// --- state compressor (roomserver/state) ---

	ColStateSnapshotFull Column = "state_snapshot_full" // u64 shortstatehash -> sorted []compressed-pair (16B each), no parent
	ColStateDiff         Column = "state_diff"           // u64 shortstatehash -> statediff{parent, added, removed}
	ColStateHashCounter  Column = "state_hash_counter"   // fixed key -> u64 monotonic shortstatehash allocator

	// --- timeline store (roomserver/storage) ---

	ColTimelinePDU       Column = "timeline_pdu"        // (shortroomid|PduCount) -> canonical PDU json
	ColEventIDToPduID    Column = "eventid_to_pduid"     // event_id -> (shortroomid|PduCount)
	ColOutlierPDU        Column = "outlier_pdu"          // event_id -> canonical PDU json
	ColOutlierRejected   Column = "outlier_rejected"     // event_id -> reason string, events that failed auth
	ColSoftFailed        Column = "soft_failed"          // event_id -> empty marker
	ColForwardExtremity  Column = "forward_extremity"    // room_id|0xFF|event_id -> empty marker
	ColRoomCurrentState  Column = "room_current_state"   // room_id -> u64 shortstatehash
	ColRoomPduCounter    Column = "room_pdu_counter"      // room_id -> u64 next Normal PduCount
	ColRoomBackfillCounter Column = "room_backfill_counter" // room_id -> u64 next Backfilled PduCount (stored as magnitude)
	ColRoomVersion       Column = "room_version"          // room_id -> room version string
	ColAuthChain         Column = "auth_chain"             // u64 shorteventid -> sorted []u64 shorteventid (transitive closure)
	ColEventStateHash    Column = "event_state_hash"       // u64 shorteventid -> u64 shortstatehash (state after this event)

	// --- membership / state-cache (roomserver/storage) ---

	ColMembershipByUserRoom Column = "membership_by_user_room" // user_id|0xFF|room_id -> membership byte + event_id
	ColRoomsJoined   Column = "rooms_joined"   // user_id|0xFF|room_id -> empty marker
	ColRoomsInvited  Column = "rooms_invited"  // user_id|0xFF|room_id -> empty marker
	ColRoomsLeft     Column = "rooms_left"     // user_id|0xFF|room_id -> empty marker
	ColRoomsKnocked  Column = "rooms_knocked"  // user_id|0xFF|room_id -> empty marker
	ColRoomMembers   Column = "room_members"   // room_id|0xFF|user_id -> membership byte
	ColRoomJoinedCount  Column = "room_joined_count"  // room_id -> u64
	ColRoomInvitedCount Column = "room_invited_count" // room_id -> u64
	ColServerInRoom  Column = "server_in_room"  // server_name|0xFF|room_id -> empty marker
	ColRoomServers   Column = "room_servers"    // room_id|0xFF|server_name -> empty marker

	// --- federation sender (federationapi/storage) ---

	ColDestinationQueue   Column = "destination_queue"    // destination|0xFF|u64 seq -> QueuedEvent json
	ColDestinationSeq     Column = "destination_seq"       // destination -> u64 next sequence
	ColDestinationRetry   Column = "destination_retry"     // destination -> RetryState json (failure_count, retry_until)
	ColDestinationInFlight Column = "destination_inflight" // destination -> u64 transaction id currently outstanding

	// --- resolver cache (federationapi/resolver) persisted overflow ---

	ColResolverCache Column = "resolver_cache" // server_name -> resolver.Destination json + expiry

	// --- media (mediaapi/storage) ---

	ColMediaMetadata    Column = "media_metadata"    // server_name|0xFF|media_id -> MediaMetadata json
	ColThumbnailMetadata Column = "thumbnail_metadata" // server_name|0xFF|media_id|0xFF|w|0xFF|h|0xFF|method -> ThumbnailMetadata json

	// --- signing keys ---

	ColLocalSigningKey  Column = "local_signing_key"  // key_id -> seed bytes
	ColRemoteSigningKey Column = "remote_signing_key"  // server_name|0xFF|key_id -> VerifyKey json + valid_until
)

// AllColumns lists every column the engine must create at Open. Keep in
// sync with the const block above; a column missing from this slice is
// unreachable even though it compiles.
var AllColumns = []Column{
	ColShortEventIDToNID, ColShortNIDToEventID,
	ColShortStateKeyToNID, ColShortNIDToStateKey,
	ColShortRoomIDToNID, ColShortNIDToRoomID,
	ColShortCounters,

	ColStateSnapshotFull, ColStateDiff, ColStateHashCounter,

	ColTimelinePDU, ColEventIDToPduID, ColOutlierPDU, ColOutlierRejected,
	ColSoftFailed, ColForwardExtremity, ColRoomCurrentState,
	ColRoomPduCounter, ColRoomBackfillCounter, ColRoomVersion, ColAuthChain,
	ColEventStateHash,

	ColMembershipByUserRoom, ColRoomsJoined, ColRoomsInvited, ColRoomsLeft, ColRoomsKnocked,
	ColRoomMembers, ColRoomJoinedCount, ColRoomInvitedCount,
	ColServerInRoom, ColRoomServers,

	ColDestinationQueue, ColDestinationSeq, ColDestinationRetry, ColDestinationInFlight,

	ColResolverCache,

	ColMediaMetadata, ColThumbnailMetadata,

	ColLocalSigningKey, ColRemoteSigningKey,
}
