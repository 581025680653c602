// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package caching wraps the two cache shapes used across the core:
// a ristretto hot-path LRU for high-churn lookups and a go-cache TTL
// map for anything that needs a hard expiry (resolved destinations,
// remote signing keys).
// Grounded on github.com/element-hq/dendrite/internal/caching's
// NewRistrettoCache, generalized with Go generics so each collaborator
// gets its own typed cache instead of one cache keyed by interface{}.
package caching

import (
	"time"

	"github.com/dgraph-io/ristretto"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// LRU is a typed wrapper over a ristretto cache, for values cheap to
// recompute on a miss (interned short ids, parsed signing keys).
type LRU[K comparable, V any] struct {
	name  string
	cache *ristretto.Cache
}

// NewLRU constructs an LRU with the given approximate max cost in
// bytes. A construction failure degrades to a nil inner cache so Get
// always misses and Set is a no-op, rather than panicking: an LRU is an
// accelerator, never a source of truth.
func NewLRU[K comparable, V any](name string, maxCost int64) *LRU[K, V] {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxCost / 8 * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		logrus.WithError(err).WithField("cache", name).Error("caching: failed to create ristretto cache, continuing uncached")
	}
	return &LRU[K, V]{name: name, cache: c}
}

// Get returns the cached value for key, ok=false on a miss or if the
// cache failed to construct.
func (l *LRU[K, V]) Get(key K) (V, bool) {
	var zero V
	if l.cache == nil {
		return zero, false
	}
	v, ok := l.cache.Get(key)
	if !ok {
		return zero, false
	}
	return v.(V), true
}

// Set stores value under key with the given approximate cost.
func (l *LRU[K, V]) Set(key K, value V, cost int64) {
	if l.cache == nil {
		return
	}
	l.cache.Set(key, value, cost)
}

// Del evicts key, e.g. on signing-key rotation.
func (l *LRU[K, V]) Del(key K) {
	if l.cache == nil {
		return
	}
	l.cache.Del(key)
}

// TTL is a typed wrapper over go-cache, for values that must expire on
// a wall-clock schedule regardless of access pattern (resolved
// destinations per spec §4.8, negative verification results per spec
// §4.5 stage 3).
type TTL[V any] struct {
	c *gocache.Cache
}

// NewTTL constructs a TTL cache with defaultExpiration applied to
// entries that don't specify their own, and a cleanup sweep interval of
// twice that.
func NewTTL[V any](defaultExpiration time.Duration) *TTL[V] {
	return &TTL[V]{c: gocache.New(defaultExpiration, defaultExpiration*2)}
}

// Get returns the cached value for key, ok=false on a miss or expiry.
func (t *TTL[V]) Get(key string) (V, bool) {
	var zero V
	v, ok := t.c.Get(key)
	if !ok {
		return zero, false
	}
	return v.(V), true
}

// Set stores value under key with the cache's default expiration.
func (t *TTL[V]) Set(key string, value V) {
	t.c.SetDefault(key, value)
}

// SetWithTTL stores value under key with an expiration distinct from
// the cache's default, used where success and failure results need
// different lifetimes (spec §4.8 "shorter for failures").
func (t *TTL[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	t.c.Set(key, value, ttl)
}

// Del evicts key immediately.
func (t *TTL[V]) Del(key string) {
	t.c.Delete(key)
}
