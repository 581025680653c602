// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package signingkeys

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"
)

// eventLevelKeep lists the top-level PDU fields the redaction algorithm
// retains for every event type (spec §4.5 stage 3 "redacted canonical
// form", spec §9 "redactions... derived by the room-version redaction
// rules"). This implements the shared core of the redaction algorithm
// across room versions, not every version-specific content allow-list;
// see DESIGN.md for the simplification this represents.
var eventLevelKeep = map[string]bool{
	"event_id":         true,
	"type":             true,
	"room_id":          true,
	"sender":           true,
	"state_key":        true,
	"content":          true,
	"hashes":           true,
	"signatures":       true,
	"depth":            true,
	"prev_events":      true,
	"auth_events":      true,
	"origin_server_ts": true,
}

// contentKeep lists the content keys preserved per event type; any
// event type not listed here has its content fully redacted to {}.
var contentKeep = map[string]map[string]bool{
	"m.room.create":        {"creator": true, "room_version": true},
	"m.room.member":        {"membership": true, "join_authorised_via_users_server": true},
	"m.room.join_rules":    {"join_rule": true, "allow": true},
	"m.room.power_levels":  {"users": true, "users_default": true, "events": true, "events_default": true, "state_default": true, "ban": true, "redact": true, "kick": true, "invite": true},
	"m.room.history_visibility": {"history_visibility": true},
	"m.room.redaction":     {"redacts": true},
}

// redact returns the redacted form of raw per the minimal cross-version
// core of the Matrix redaction algorithm: drop every top-level field
// not in eventLevelKeep, and within content keep only the event type's
// allow-listed keys.
func redact(raw []byte) ([]byte, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}

	eventType, _ := m["type"].(string)

	out := map[string]interface{}{}
	for k, v := range m {
		if eventLevelKeep[k] {
			out[k] = v
		}
	}

	content, _ := out["content"].(map[string]interface{})
	keep := contentKeep[eventType]
	newContent := map[string]interface{}{}
	for k, v := range content {
		if keep[k] {
			newContent[k] = v
		}
	}
	out["content"] = newContent

	return canonicalJSON(out)
}

// stripSignaturesAndUnsigned removes the "signatures" and "unsigned"
// keys and canonicalizes the rest. Sign and VerifyEvent compute and
// check signatures over this form; the event is not redacted first.
func stripSignaturesAndUnsigned(raw []byte) ([]byte, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	delete(m, "signatures")
	delete(m, "unsigned")
	return canonicalJSON(m)
}

// canonicalJSON re-marshals m with sorted object keys and no
// insignificant whitespace. encoding/json already sorts map[string]any
// keys and emits compact output, which covers the two properties
// Matrix canonical JSON requires that matter for this implementation;
// see DESIGN.md for the Unicode-escaping caveat this does not handle.
func canonicalJSON(m map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// canonicalMarshal marshals v to JSON and re-canonicalizes the result,
// used to turn a typed Go struct into the form a signature is computed
// over.
func canonicalMarshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return canonicalJSON(m)
}

func unmarshalJSON(raw []byte, v interface{}) error {
	return json.Unmarshal(raw, v)
}

// addSignature returns raw with signatures.<serverName>.<keyID> set to
// sig, preserving every other field byte-for-byte, including
// signatures already present from other servers.
func addSignature(raw []byte, serverName, keyID, sig string) ([]byte, error) {
	path := fmt.Sprintf("signatures.%s.%s", sjsonEscape(serverName), sjsonEscape(keyID))
	return sjson.SetBytes(raw, path, sig)
}

// sjsonEscape escapes path-meaningful characters so a server name or
// key id containing a literal "." (every server name does) addresses
// a single object key rather than a nested path.
func sjsonEscape(s string) string {
	out := make([]rune, 0, len(s))
	for _, c := range s {
		switch c {
		case '.', '*', '?', '\\':
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}
