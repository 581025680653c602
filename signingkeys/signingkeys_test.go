// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package signingkeys

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixcore/homeserver/roomserver/types"
)

func TestGenerateLocalKeysProducesValidEd25519Key(t *testing.T) {
	k, err := GenerateLocalKeys("example.org")
	require.NoError(t, err)
	assert.Len(t, k.Public, ed25519.PublicKeySize)
	assert.Len(t, k.Private, ed25519.PrivateKeySize)
}

func TestLoadOrGenerateLocalKeysPersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signing.key")

	k1, err := LoadOrGenerateLocalKeys(path, "example.org")
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.NoError(t, err)

	k2, err := LoadOrGenerateLocalKeys(path, "example.org")
	require.NoError(t, err)
	assert.Equal(t, k1.Public, k2.Public)
}

func TestSignProducesVerifiableSignature(t *testing.T) {
	k, err := GenerateLocalKeys("example.org")
	require.NoError(t, err)

	raw := []byte(`{"type":"m.room.message","content":{"body":"hi"}}`)
	signed, err := k.Sign(raw)
	require.NoError(t, err)

	signingForm, err := stripSignaturesAndUnsigned(signed)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(signed, &m))
	sigB64 := m["signatures"].(map[string]interface{})["example.org"].(map[string]interface{})["ed25519:auto"].(string)
	sig, err := base64.RawStdEncoding.DecodeString(sigB64)
	require.NoError(t, err)

	assert.True(t, ed25519.Verify(k.Public, signingForm, sig))
}

func TestSelfSignProducesSelfVerifyingResponse(t *testing.T) {
	k, err := GenerateLocalKeys("example.org")
	require.NoError(t, err)

	resp, err := k.SelfSign(time.Now(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "example.org", resp.ServerName)
	require.Contains(t, resp.Signatures, "example.org")
	require.Contains(t, resp.Signatures["example.org"], string(k.KeyID))
}

type fakeFetcher struct {
	resp *ServerKeyResponse
	err  error
}

func (f *fakeFetcher) FetchServerKeys(ctx context.Context, serverName string) (*ServerKeyResponse, error) {
	return f.resp, f.err
}

func TestEventVerifier_AcceptsValidSignatureAndHash(t *testing.T) {
	k, err := GenerateLocalKeys("origin.example.org")
	require.NoError(t, err)

	resp, err := k.SelfSign(time.Now(), 24*time.Hour)
	require.NoError(t, err)

	ring := NewKeyRing(&fakeFetcher{resp: resp})
	v := NewEventVerifier(ring)

	eventJSON := signedEvent(t, k, "$msg1:origin.example.org", map[string]interface{}{
		"type":    "m.room.message",
		"room_id": "!room:origin.example.org",
		"sender":  "@alice:origin.example.org",
		"content": map[string]interface{}{"body": "hello"},
	})

	pdu, err := types.ParsePDU("1", eventJSON)
	require.NoError(t, err)

	err = v.VerifyEvent(context.Background(), "origin.example.org", pdu)
	assert.NoError(t, err)
}

func TestEventVerifier_RejectsTamperedContent(t *testing.T) {
	k, err := GenerateLocalKeys("origin.example.org")
	require.NoError(t, err)

	resp, err := k.SelfSign(time.Now(), 24*time.Hour)
	require.NoError(t, err)

	ring := NewKeyRing(&fakeFetcher{resp: resp})
	v := NewEventVerifier(ring)

	eventJSON := signedEvent(t, k, "$msg2:origin.example.org", map[string]interface{}{
		"type":    "m.room.message",
		"room_id": "!room:origin.example.org",
		"sender":  "@alice:origin.example.org",
		"content": map[string]interface{}{"body": "hello"},
	})

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(eventJSON, &m))
	m["content"].(map[string]interface{})["body"] = "tampered"
	tampered, err := json.Marshal(m)
	require.NoError(t, err)

	pdu, err := types.ParsePDU("1", tampered)
	require.NoError(t, err)

	err = v.VerifyEvent(context.Background(), "origin.example.org", pdu)
	assert.Error(t, err)
}

func TestEventVerifier_RejectsUnknownKeyID(t *testing.T) {
	k, err := GenerateLocalKeys("origin.example.org")
	require.NoError(t, err)

	emptyResp := &ServerKeyResponse{
		ServerName:   "origin.example.org",
		VerifyKeys:   map[string]VerifyKeyEntry{},
		ValidUntilTS: time.Now().Add(time.Hour).UnixMilli(),
	}
	ring := NewKeyRing(&fakeFetcher{resp: emptyResp})
	v := NewEventVerifier(ring)

	eventJSON := signedEvent(t, k, "$msg3:origin.example.org", map[string]interface{}{
		"type":    "m.room.message",
		"room_id": "!room:origin.example.org",
		"sender":  "@alice:origin.example.org",
		"content": map[string]interface{}{"body": "hello"},
	})
	pdu, err := types.ParsePDU("1", eventJSON)
	require.NoError(t, err)

	err = v.VerifyEvent(context.Background(), "origin.example.org", pdu)
	assert.Error(t, err)
}

// signedEvent builds a minimal PDU JSON blob signed and hashed by k.
// Room version 1 is used so event_id is the literal field below rather
// than a content-derived hash, matching how the ingestion pipeline's
// own tests construct fixtures.
func signedEvent(t *testing.T, k *LocalKeys, eventID string, fields map[string]interface{}) []byte {
	t.Helper()

	fields["event_id"] = eventID
	fields["depth"] = float64(1)
	fields["prev_events"] = []interface{}{}
	fields["auth_events"] = []interface{}{}
	fields["origin_server_ts"] = float64(time.Now().UnixMilli())

	unhashed, err := json.Marshal(fields)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(unhashed, &m))
	delete(m, "hashes")
	delete(m, "signatures")
	delete(m, "unsigned")
	toHash, err := canonicalJSON(m)
	require.NoError(t, err)
	sum := sha256.Sum256(toHash)

	fields["hashes"] = map[string]interface{}{"sha256": base64.RawStdEncoding.EncodeToString(sum[:])}
	withHash, err := json.Marshal(fields)
	require.NoError(t, err)

	signed, err := k.Sign(withHash)
	require.NoError(t, err)
	return signed
}
