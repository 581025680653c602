// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"github.com/matrixcore/homeserver/internal/kv"
)

// AuthChainStore persists the transitive closure of auth_events for
// each event (spec §3 "Auth chain"), consumed by roomserver/state's
// Resolve via an AuthChainFetcher adapter built in
// roomserver/internal/input.
type AuthChainStore struct {
	e *kv.Engine
}

// NewAuthChainStore constructs an AuthChainStore backed by e.
func NewAuthChainStore(e *kv.Engine) *AuthChainStore {
	return &AuthChainStore{e: e}
}

// StoreAuthChain records the precomputed transitive closure of auth
// events for shortEventID. Callers compute the closure once, when an
// event is first authed, and store it here rather than recomputing it
// on every resolution (spec §4.4 "the auth chain is cached, not
// recomputed").
func (s *AuthChainStore) StoreAuthChain(shortEventID uint64, chain []uint64) error {
	buf := make([]byte, 8*len(chain))
	for i, id := range chain {
		copy(buf[i*8:], kv.EncodeUint64(id))
	}
	return s.e.Put(kv.ColAuthChain, kv.EncodeUint64(shortEventID), buf)
}

// AuthChain returns the stored transitive closure for shortEventID, or
// ok=false if it has not been computed yet.
func (s *AuthChainStore) AuthChain(shortEventID uint64) ([]uint64, bool, error) {
	v, ok, err := s.e.Get(kv.ColAuthChain, kv.EncodeUint64(shortEventID))
	if err != nil || !ok {
		return nil, false, err
	}
	out := make([]uint64, len(v)/8)
	for i := range out {
		out[i] = kv.DecodeUint64(v[i*8 : i*8+8])
	}
	return out, true, nil
}

// ComputeAndStoreAuthChain walks directAuthEvents (the short ids an
// event lists in its auth_events field) transitively through
// fetchDirectAuth, unions in each one's already-stored chain where
// present, and persists the result for shortEventID. This is the
// closure computation spec §3 describes; it is only ever run once per
// event since the result is immutable thereafter.
func (s *AuthChainStore) ComputeAndStoreAuthChain(shortEventID uint64, directAuthEvents []uint64, fetchDirectAuth func(uint64) ([]uint64, error)) ([]uint64, error) {
	seen := map[uint64]bool{}
	var walk func(id uint64) error
	walk = func(id uint64) error {
		if seen[id] {
			return nil
		}
		seen[id] = true
		if cached, ok, err := s.AuthChain(id); err != nil {
			return err
		} else if ok {
			for _, c := range cached {
				seen[c] = true
			}
			return nil
		}
		direct, err := fetchDirectAuth(id)
		if err != nil {
			return err
		}
		for _, d := range direct {
			if err := walk(d); err != nil {
				return err
			}
		}
		return nil
	}
	for _, id := range directAuthEvents {
		if err := walk(id); err != nil {
			return nil, err
		}
	}
	delete(seen, shortEventID)
	chain := make([]uint64, 0, len(seen))
	for id := range seen {
		chain = append(chain, id)
	}
	if err := s.StoreAuthChain(shortEventID, chain); err != nil {
		return nil, err
	}
	return chain, nil
}
