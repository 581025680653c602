// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package signingkeys implements spec §4.5 stage 3's signature/hash
// verification and the §6 `/_matrix/key/v2/server` collaborator
// contract: generating and persisting this server's own ed25519
// identity, serving it to remote servers, and fetching/caching remote
// servers' keys to verify their events. Grounded on
// dendrite-demo-embedded/config.go's KeyID/PrivateKey fields
// (crypto/ed25519, gomatrixserverlib.KeyID) for the local identity
// shape and contrib/dendrite-demo-embedded/server.go's fsAPI.KeyRing()
// accessor for the KeyRing collaborator shape, generalized into a
// standalone package here since no signingkeys package itself was
// retrieved (see DESIGN.md).
package signingkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
)

// LocalKeys is this server's own signing identity.
type LocalKeys struct {
	ServerName string
	KeyID      gomatrixserverlib.KeyID
	Private    ed25519.PrivateKey
	Public     ed25519.PublicKey
}

// GenerateLocalKeys creates a fresh ed25519 keypair under a new key id.
func GenerateLocalKeys(serverName string) (*LocalKeys, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signingkeys: generate key: %w", err)
	}
	return &LocalKeys{
		ServerName: serverName,
		KeyID:      gomatrixserverlib.KeyID("ed25519:auto"),
		Private:    priv,
		Public:     pub,
	}, nil
}

// LoadOrGenerateLocalKeys reads a persisted seed from path, or
// generates and persists a fresh one if the file does not exist yet.
// The file holds exactly the 32-byte ed25519 seed, matching the
// simplest on-disk form a signing-key rotation tool would manage.
func LoadOrGenerateLocalKeys(path, serverName string) (*LocalKeys, error) {
	seed, err := os.ReadFile(path)
	if err == nil {
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("signingkeys: %s does not hold a %d-byte seed", path, ed25519.SeedSize)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		return &LocalKeys{
			ServerName: serverName,
			KeyID:      gomatrixserverlib.KeyID("ed25519:auto"),
			Private:    priv,
			Public:     priv.Public().(ed25519.PublicKey),
		}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("signingkeys: read %s: %w", path, err)
	}

	k, err := GenerateLocalKeys(serverName)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, k.Private.Seed(), 0o600); err != nil {
		return nil, fmt.Errorf("signingkeys: persist seed to %s: %w", path, err)
	}
	return k, nil
}

// Sign returns raw with a fresh signature for this server appended
// under signatures.<server_name>.<key_id>, leaving every other field
// (including any existing signatures from other servers) untouched.
func (k *LocalKeys) Sign(raw []byte) ([]byte, error) {
	signingForm, err := stripSignaturesAndUnsigned(raw)
	if err != nil {
		return nil, fmt.Errorf("signingkeys: prepare signing form: %w", err)
	}
	sig := ed25519.Sign(k.Private, signingForm)
	return addSignature(raw, k.ServerName, string(k.KeyID), base64.RawStdEncoding.EncodeToString(sig))
}

// ServerKeyResponse is the /_matrix/key/v2/server response shape
// (spec §6). Signatures is populated by SelfSign.
type ServerKeyResponse struct {
	ServerName    string                       `json:"server_name"`
	VerifyKeys    map[string]VerifyKeyEntry    `json:"verify_keys"`
	OldVerifyKeys map[string]OldVerifyKeyEntry `json:"old_verify_keys,omitempty"`
	ValidUntilTS  int64                        `json:"valid_until_ts"`
	Signatures    map[string]map[string]string `json:"signatures"`
}

// VerifyKeyEntry holds one currently-valid public key, base64-encoded
// unpadded per the Matrix key response format.
type VerifyKeyEntry struct {
	Key string `json:"key"`
}

// OldVerifyKeyEntry holds a revoked key kept around only so events
// signed before rotation can still be verified.
type OldVerifyKeyEntry struct {
	Key       string `json:"key"`
	ExpiredTS int64  `json:"expired_ts"`
}

// SelfSign builds and self-signs this server's key response, valid for
// validFor from now.
func (k *LocalKeys) SelfSign(now time.Time, validFor time.Duration) (*ServerKeyResponse, error) {
	resp := ServerKeyResponse{
		ServerName: k.ServerName,
		VerifyKeys: map[string]VerifyKeyEntry{
			string(k.KeyID): {Key: base64.RawStdEncoding.EncodeToString(k.Public)},
		},
		ValidUntilTS: now.Add(validFor).UnixMilli(),
		Signatures:   map[string]map[string]string{},
	}

	unsigned, err := canonicalMarshal(resp)
	if err != nil {
		return nil, err
	}
	signed, err := k.Sign(unsigned)
	if err != nil {
		return nil, err
	}
	var out ServerKeyResponse
	if err := unmarshalJSON(signed, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
