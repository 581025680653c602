// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package kv provides the ordered key/value store abstraction that every
// other package in this module builds its persistence on: column
// families, forward/reverse iteration, prefix scans, and write
// batching over opaque byte keys and values. It is the Go-idiomatic
// analogue of conduwuit's database/engine.rs + maps.rs split: a bolt
// bucket is a column, a bolt transaction is a batch.
package kv

import (
	"bytes"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// Column identifies one column family (bucket). Every column used
// anywhere in the module is declared once in columns.go so the engine
// knows, at open time, the full set of buckets to create.
type Column string

// RecordSeparator is the byte used to delimit logical fields inside a
// composite key, matching the Matrix reference server convention
// described in spec §4.1/§6.
const RecordSeparator byte = 0xFF

// Engine opens and owns the on-disk database and exposes column-scoped
// read/write handles. A single Engine is shared by reference across the
// whole process; it has no ambient global state of its own.
type Engine struct {
	db   *bolt.DB
	path string
	log  *logrus.Entry
}

// Open opens (creating if absent) the database at path and ensures
// every declared column exists as a bucket.
func Open(path string) (*Engine, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("kv: open %s: %w", path, err)
	}
	e := &Engine{
		db:   db,
		path: path,
		log:  logrus.WithField("component", "kv"),
	}
	if err := e.db.Update(func(tx *bolt.Tx) error {
		for _, c := range AllColumns {
			if _, err := tx.CreateBucketIfNotExists([]byte(c)); err != nil {
				return fmt.Errorf("kv: create bucket %s: %w", c, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	e.log.WithField("path", path).WithField("columns", len(AllColumns)).Info("kv store opened")
	return e, nil
}

// Close releases the underlying file handle. Safe to call once.
func (e *Engine) Close() error {
	return e.db.Close()
}

// Get performs a blocking point lookup. ok is false if the key is absent;
// err is non-nil only on a storage failure.
func (e *Engine) Get(column Column, key []byte) (value []byte, ok bool, err error) {
	err = e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(column))
		if b == nil {
			return fmt.Errorf("kv: unknown column %s", column)
		}
		v := b.Get(key)
		if v != nil {
			value = append([]byte(nil), v...)
			ok = true
		}
		return nil
	})
	return
}

// GetAsync runs Get on a background goroutine, returning a channel with
// the single result. Callers that can overlap the lookup with other
// work use this instead of blocking; callers on a hot synchronous path
// use Get directly.
func (e *Engine) GetAsync(column Column, key []byte) <-chan AsyncResult {
	out := make(chan AsyncResult, 1)
	go func() {
		v, ok, err := e.Get(column, key)
		out <- AsyncResult{Value: v, Ok: ok, Err: err}
		close(out)
	}()
	return out
}

// AsyncResult is the payload of a GetAsync channel.
type AsyncResult struct {
	Value []byte
	Ok    bool
	Err   error
}

// Put writes a single key/value pair in its own transaction.
func (e *Engine) Put(column Column, key, value []byte) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(column))
		if b == nil {
			return fmt.Errorf("kv: unknown column %s", column)
		}
		return b.Put(key, value)
	})
}

// Delete removes a key. Deleting an absent key is not an error.
func (e *Engine) Delete(column Column, key []byte) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(column))
		if b == nil {
			return fmt.Errorf("kv: unknown column %s", column)
		}
		return b.Delete(key)
	})
}

// Batch groups heterogeneous writes across columns into a single
// transaction so they commit atomically. Use NewBatch, accumulate
// Put/Delete calls, then Commit.
type Batch struct {
	e   *Engine
	ops []batchOp
}

type batchOp struct {
	column Column
	key    []byte
	value  []byte
	delete bool
}

// NewBatch starts an empty batch bound to this engine.
func (e *Engine) NewBatch() *Batch {
	return &Batch{e: e}
}

// Put queues a write.
func (b *Batch) Put(column Column, key, value []byte) {
	b.ops = append(b.ops, batchOp{column: column, key: key, value: value})
}

// Delete queues a delete.
func (b *Batch) Delete(column Column, key []byte) {
	b.ops = append(b.ops, batchOp{column: column, key: key, delete: true})
}

// Commit applies every queued operation in one transaction. On error no
// operation in the batch is visible (bbolt transactions are all-or-nothing).
func (b *Batch) Commit() error {
	if len(b.ops) == 0 {
		return nil
	}
	return b.e.db.Update(func(tx *bolt.Tx) error {
		for _, op := range b.ops {
			bucket := tx.Bucket([]byte(op.column))
			if bucket == nil {
				return fmt.Errorf("kv: unknown column %s", op.column)
			}
			if op.delete {
				if err := bucket.Delete(op.key); err != nil {
					return err
				}
				continue
			}
			if err := bucket.Put(op.key, op.value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Direction selects iteration order for Iterate/IteratePrefix.
type Direction int

const (
	Forward Direction = iota
	Reverse
)

// IterFunc is called once per key/value in iteration order. Returning
// false stops iteration early.
type IterFunc func(key, value []byte) (cont bool)

// Iterate walks column starting at (and including, if present) from,
// in the given direction, until fn returns false or the column is
// exhausted. A nil from means "start of column" (Forward) or "end of
// column" (Reverse).
func (e *Engine) Iterate(column Column, from []byte, dir Direction, fn IterFunc) error {
	return e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(column))
		if b == nil {
			return fmt.Errorf("kv: unknown column %s", column)
		}
		c := b.Cursor()
		var k, v []byte
		if dir == Forward {
			if from == nil {
				k, v = c.First()
			} else {
				k, v = c.Seek(from)
			}
			for ; k != nil; k, v = c.Next() {
				if !fn(k, v) {
					return nil
				}
			}
			return nil
		}
		// Reverse: Seek lands on the first key >= from; if that
		// overshoots past from (key > from) step back once so we
		// never skip the starting key.
		if from == nil {
			k, v = c.Last()
		} else {
			k, v = c.Seek(from)
			if k == nil {
				k, v = c.Last()
			} else if bytes.Compare(k, from) > 0 {
				k, v = c.Prev()
			}
		}
		for ; k != nil; k, v = c.Prev() {
			if !fn(k, v) {
				return nil
			}
		}
		return nil
	})
}

// IteratePrefix walks every key with the given prefix, in the given
// direction, stopping at the first key outside the prefix.
func (e *Engine) IteratePrefix(column Column, prefix []byte, dir Direction, fn IterFunc) error {
	upper := prefixUpperBound(prefix)
	if dir == Forward {
		return e.Iterate(column, prefix, Forward, func(k, v []byte) bool {
			if !bytes.HasPrefix(k, prefix) {
				return false
			}
			return fn(k, v)
		})
	}
	// Reverse: start just below the exclusive upper bound of the prefix.
	var start []byte
	if upper != nil {
		start = predecessor(upper)
	}
	return e.Iterate(column, start, Reverse, func(k, v []byte) bool {
		if !bytes.HasPrefix(k, prefix) {
			if bytes.Compare(k, prefix) < 0 {
				return false
			}
			return true
		}
		return fn(k, v)
	})
}

// prefixUpperBound returns the smallest key strictly greater than every
// key sharing prefix, or nil if prefix is all 0xFF bytes (no bound,
// meaning "run to the end of the column").
func prefixUpperBound(prefix []byte) []byte {
	up := append([]byte(nil), prefix...)
	for i := len(up) - 1; i >= 0; i-- {
		if up[i] != 0xFF {
			up[i]++
			return up[:i+1]
		}
	}
	return nil
}

// predecessor returns the largest key strictly less than key, used to
// seed a reverse scan just below an exclusive upper bound.
func predecessor(key []byte) []byte {
	p := append([]byte(nil), key...)
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] > 0 {
			p[i]--
			return append(p[:i+1], bytes.Repeat([]byte{0xFF}, 8)...)
		}
	}
	return p
}
