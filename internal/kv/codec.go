// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package kv

import (
	"encoding/binary"
	"encoding/json"
)

// This file is the serialization / deserialization layer spec §2 calls
// out by name, centralizing tuple/integer/JSON encoding the way
// conduwuit's database/ser.rs and database/de.rs do, instead of
// scattering binary.BigEndian calls across every call site.

// EncodeUint64 big-endian encodes v. Big-endian is required so that
// byte-lexicographic key order equals numeric order, which every
// range/prefix scan in this module depends on.
func EncodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// DecodeUint64 is the inverse of EncodeUint64.
func DecodeUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// EncodeInt64 maps the signed range onto the unsigned range by flipping
// the sign bit, so that big-endian byte order still equals numeric
// order including negative values. Used for Backfilled PduCounts,
// which are negative by convention (see roomserver/types.PduCount).
func EncodeInt64(v int64) []byte {
	return EncodeUint64(uint64(v) ^ (1 << 63))
}

// DecodeInt64 is the inverse of EncodeInt64.
func DecodeInt64(b []byte) int64 {
	return int64(DecodeUint64(b) ^ (1 << 63))
}

// Tuple joins fields with the record separator, producing a composite
// key. Fields themselves must not contain RecordSeparator; callers that
// key on arbitrary strings (event ids, room ids) rely on those ids
// never containing 0xFF, which holds for all valid Matrix identifiers.
func Tuple(fields ...[]byte) []byte {
	n := 0
	for i, f := range fields {
		n += len(f)
		if i > 0 {
			n++
		}
	}
	out := make([]byte, 0, n)
	for i, f := range fields {
		if i > 0 {
			out = append(out, RecordSeparator)
		}
		out = append(out, f...)
	}
	return out
}

// SplitTuple is the inverse of Tuple for keys built from exactly n
// fields with no embedded separators in the field contents.
func SplitTuple(key []byte, n int) [][]byte {
	fields := make([][]byte, 0, n)
	start := 0
	for i := 0; i < len(key) && len(fields) < n-1; i++ {
		if key[i] == RecordSeparator {
			fields = append(fields, key[start:i])
			start = i + 1
		}
	}
	fields = append(fields, key[start:])
	return fields
}

// EncodeJSON canonicalizes-by-marshalling v. Callers that already hold
// canonical Matrix JSON bytes (PDUs) should store those bytes directly
// rather than round-tripping through this helper, to preserve the exact
// signed byte sequence (spec §4.6 "stored verbatim").
func EncodeJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeJSON unmarshals a value previously written with EncodeJSON.
func DecodeJSON(b []byte, v interface{}) error {
	return json.Unmarshal(b, v)
}
