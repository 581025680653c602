// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package storage is the content-addressed media store (spec §4.9): a
// media object's metadata keyed by MXC = (server_name, media_id), its
// content stored separately on disk under a content hash, and
// thumbnail metadata keyed by (MXC, width, height, method). Grounded
// on github.com/element-hq/dendrite/mediaapi/storage's
// MediaRepository/Thumbnails split, adapted from the teacher's SQL
// tables to this module's KV columns and a local filesystem content
// store instead of the teacher's configurable base-path store.
package storage

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/matrixcore/homeserver/internal/kv"
)

// ResizeMethod selects how a thumbnail is derived from the original
// (spec §4.1 "Media object": "method ∈ {crop, scale}").
type ResizeMethod string

const (
	ResizeCrop  ResizeMethod = "crop"
	ResizeScale ResizeMethod = "scale"
)

// MediaMetadata describes one local or remote-cached media object.
type MediaMetadata struct {
	MediaID       string `json:"media_id"`
	Origin        string `json:"origin"`
	ContentType   string `json:"content_type"`
	FileSizeBytes int64  `json:"file_size_bytes"`
	UploadName    string `json:"upload_name,omitempty"`
	UserID        string `json:"user_id,omitempty"` // uploader, empty for remote-cached media
	Base64Hash    string `json:"base64_hash"`        // sha256 content hash, how content is addressed on disk
	CreatedAtMS   int64  `json:"created_at_ms"`
}

// ThumbnailMetadata describes one cached thumbnail of a media object.
type ThumbnailMetadata struct {
	MediaID       string       `json:"media_id"`
	Origin        string       `json:"origin"`
	Width         int          `json:"width"`
	Height        int          `json:"height"`
	Method        ResizeMethod `json:"method"`
	ContentType   string       `json:"content_type"`
	FileSizeBytes int64        `json:"file_size_bytes"`
	Base64Hash    string       `json:"base64_hash"`
}

// Store is the KV-backed media metadata collaborator plus the
// filesystem content-addressed blob store backing it.
type Store struct {
	e        *kv.Engine
	blobRoot string
}

// NewStore constructs a Store whose content blobs live under
// blobRoot/<first 2 hash chars>/<hash>.
func NewStore(e *kv.Engine, blobRoot string) *Store {
	return &Store{e: e, blobRoot: blobRoot}
}

func mediaKey(origin, mediaID string) []byte {
	return kv.Tuple([]byte(origin), []byte(mediaID))
}

// StoreMediaMetadata persists mediaMetadata, keyed by its MXC.
func (s *Store) StoreMediaMetadata(m MediaMetadata) error {
	val, err := kv.EncodeJSON(m)
	if err != nil {
		return fmt.Errorf("mediaapi/storage: encode media metadata: %w", err)
	}
	return s.e.Put(kv.ColMediaMetadata, mediaKey(m.Origin, m.MediaID), val)
}

// GetMediaMetadata retrieves the metadata for (origin, mediaID).
func (s *Store) GetMediaMetadata(origin, mediaID string) (MediaMetadata, bool, error) {
	v, ok, err := s.e.Get(kv.ColMediaMetadata, mediaKey(origin, mediaID))
	if err != nil || !ok {
		return MediaMetadata{}, false, err
	}
	var m MediaMetadata
	if err := kv.DecodeJSON(v, &m); err != nil {
		return MediaMetadata{}, false, fmt.Errorf("mediaapi/storage: decode media metadata: %w", err)
	}
	return m, true, nil
}

func thumbnailKey(origin, mediaID string, width, height int, method ResizeMethod) []byte {
	return kv.Tuple(
		[]byte(origin), []byte(mediaID),
		kv.EncodeUint64(uint64(width)), kv.EncodeUint64(uint64(height)),
		[]byte(method),
	)
}

// StoreThumbnail persists thumbnail metadata.
func (s *Store) StoreThumbnail(t ThumbnailMetadata) error {
	val, err := kv.EncodeJSON(t)
	if err != nil {
		return fmt.Errorf("mediaapi/storage: encode thumbnail metadata: %w", err)
	}
	return s.e.Put(kv.ColThumbnailMetadata, thumbnailKey(t.Origin, t.MediaID, t.Width, t.Height, t.Method), val)
}

// GetThumbnail retrieves thumbnail metadata for the exact
// (mxc, width, height, method) key (spec §4.9: "if the exact (w,h,method)
// is cached, return it").
func (s *Store) GetThumbnail(origin, mediaID string, width, height int, method ResizeMethod) (ThumbnailMetadata, bool, error) {
	v, ok, err := s.e.Get(kv.ColThumbnailMetadata, thumbnailKey(origin, mediaID, width, height, method))
	if err != nil || !ok {
		return ThumbnailMetadata{}, false, err
	}
	var t ThumbnailMetadata
	if err := kv.DecodeJSON(v, &t); err != nil {
		return ThumbnailMetadata{}, false, fmt.Errorf("mediaapi/storage: decode thumbnail metadata: %w", err)
	}
	return t, true, nil
}

// GetThumbnails lists every cached thumbnail of (origin, mediaID).
func (s *Store) GetThumbnails(origin, mediaID string) ([]ThumbnailMetadata, error) {
	prefix := kv.Tuple([]byte(origin), []byte(mediaID))
	prefix = append(prefix, kv.RecordSeparator)
	var out []ThumbnailMetadata
	err := s.e.IteratePrefix(kv.ColThumbnailMetadata, prefix, kv.Forward, func(k, v []byte) bool {
		var t ThumbnailMetadata
		if err := kv.DecodeJSON(v, &t); err == nil {
			out = append(out, t)
		}
		return true
	})
	return out, err
}

// contentPath returns the on-disk path content addressed by hash is
// stored at, sharded one level deep on the hash's first byte pair to
// avoid an unwieldy flat directory.
func (s *Store) contentPath(base64Hash string) string {
	safe := filepath.Clean(base64Hash)
	shard := "xx"
	if len(safe) >= 2 {
		shard = safe[:2]
	}
	return filepath.Join(s.blobRoot, shard, safe)
}

// WriteContent streams r to the content-addressed store, returning the
// sha256 (base64url, unpadded) hash the content was written under and
// its size. Content already present under the same hash is not
// rewritten (spec §4.9 implies dedup by hash is free; writing is
// idempotent either way).
func (s *Store) WriteContent(r io.Reader) (hash string, size int64, err error) {
	tmp, err := os.CreateTemp(s.blobRoot, "upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("mediaapi/storage: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		return "", 0, fmt.Errorf("mediaapi/storage: write content: %w", err)
	}
	sum := base64.RawURLEncoding.EncodeToString(h.Sum(nil))

	dest := s.contentPath(sum)
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return "", 0, fmt.Errorf("mediaapi/storage: create content directory: %w", err)
	}
	if _, statErr := os.Stat(dest); statErr == nil {
		return sum, n, nil
	}
	if err := tmp.Close(); err != nil {
		return "", 0, err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", 0, fmt.Errorf("mediaapi/storage: finalize content file: %w", err)
	}
	return sum, n, nil
}

// OpenContent opens the content stored under hash for reading.
func (s *Store) OpenContent(hash string) (*os.File, error) {
	f, err := os.Open(s.contentPath(hash))
	if err != nil {
		return nil, fmt.Errorf("mediaapi/storage: open content %s: %w", hash, err)
	}
	return f, nil
}

// ReadAllContent reads the full content stored under hash into memory,
// used by the thumbnailer which needs to decode the whole image.
func (s *Store) ReadAllContent(hash string) ([]byte, error) {
	f, err := s.OpenContent(hash)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
