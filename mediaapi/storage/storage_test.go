// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixcore/homeserver/internal/kv"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	e, err := kv.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return NewStore(e, t.TempDir())
}

func TestWriteContentIsAddressedByHash(t *testing.T) {
	s := openTestStore(t)

	hash, size, err := s.WriteContent(strings.NewReader("hello world"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)
	assert.NotEmpty(t, hash)

	got, err := s.ReadAllContent(hash)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestWriteContentDedupsIdenticalBytes(t *testing.T) {
	s := openTestStore(t)

	hash1, _, err := s.WriteContent(strings.NewReader("same content"))
	require.NoError(t, err)
	hash2, _, err := s.WriteContent(strings.NewReader("same content"))
	require.NoError(t, err)
	assert.Equal(t, hash1, hash2)
}

func TestMediaMetadataRoundTrips(t *testing.T) {
	s := openTestStore(t)

	m := MediaMetadata{
		MediaID:       "abc123",
		Origin:        "example.org",
		ContentType:   "image/png",
		FileSizeBytes: 1024,
		Base64Hash:    "deadbeef",
	}
	require.NoError(t, s.StoreMediaMetadata(m))

	got, ok, err := s.GetMediaMetadata("example.org", "abc123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, m, got)

	_, ok, err = s.GetMediaMetadata("example.org", "nonexistent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestThumbnailMetadataExactKeyLookup(t *testing.T) {
	s := openTestStore(t)

	t1 := ThumbnailMetadata{MediaID: "abc123", Origin: "example.org", Width: 96, Height: 96, Method: ResizeCrop, ContentType: "image/png"}
	require.NoError(t, s.StoreThumbnail(t1))

	got, ok, err := s.GetThumbnail("example.org", "abc123", 96, 96, ResizeCrop)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, t1, got)

	_, ok, err = s.GetThumbnail("example.org", "abc123", 96, 96, ResizeScale)
	require.NoError(t, err)
	assert.False(t, ok, "a different method is a distinct cache key")
}

func TestGetThumbnailsListsAllSizes(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.StoreThumbnail(ThumbnailMetadata{MediaID: "abc123", Origin: "example.org", Width: 32, Height: 32, Method: ResizeScale}))
	require.NoError(t, s.StoreThumbnail(ThumbnailMetadata{MediaID: "abc123", Origin: "example.org", Width: 96, Height: 96, Method: ResizeCrop}))

	all, err := s.GetThumbnails("example.org", "abc123")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
