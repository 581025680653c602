// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixcore/homeserver/federationapi/resolver"
	"github.com/matrixcore/homeserver/internal/kv"
	"github.com/matrixcore/homeserver/mediaapi/storage"
)

// newTestFetcher points a Fetcher at srv by using the server's own
// host:port as the "origin" server name: an IP literal with an explicit
// port resolves without any DNS lookup (spec §4.8 step 2), so no fake
// resolver plumbing is needed.
func newTestFetcher(t *testing.T, srv *httptest.Server) (f *Fetcher, origin string) {
	t.Helper()
	e, err := kv.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	store := storage.NewStore(e, t.TempDir())

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	f = NewFetcher(store, resolver.New(nil))
	f.scheme = u.Scheme
	return f, u.Host
}

func TestFetch_UsesAuthenticatedEndpointWhenAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/_matrix/federation/v1/media/download/") {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("hello from origin"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f, origin := newTestFetcher(t, srv)
	m, body, err := f.Fetch(context.Background(), origin, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "hello from origin", string(body))
	assert.Equal(t, "text/plain", m.ContentType)
	assert.NotEmpty(t, m.Base64Hash)
}

func TestFetch_FallsBackToLegacyEndpointOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/_matrix/federation/v1/media/download/"):
			http.NotFound(w, r)
		case strings.Contains(r.URL.Path, "/_matrix/media/v3/download/"):
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("legacy bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f, origin := newTestFetcher(t, srv)
	m, body, err := f.Fetch(context.Background(), origin, "legacy1")
	require.NoError(t, err)
	assert.Equal(t, "legacy bytes", string(body))
	assert.Equal(t, "image/png", m.ContentType)
}

func TestFetch_SecondCallIsServedFromLocalCache(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("cached eventually"))
	}))
	defer srv.Close()

	f, origin := newTestFetcher(t, srv)
	_, _, err := f.Fetch(context.Background(), origin, "cacheme")
	require.NoError(t, err)
	_, _, err = f.Fetch(context.Background(), origin, "cacheme")
	require.NoError(t, err)
	assert.Equal(t, 1, hits, "second fetch must be served from the local store, not refetched")
}

func TestFetchThumbnail_FetchesAndCachesSeparatelyFromFullMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/_matrix/federation/v1/media/thumbnail/") {
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write([]byte("thumb bytes"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f, origin := newTestFetcher(t, srv)
	th, body, err := f.FetchThumbnail(context.Background(), origin, "img1", 96, 96, storage.ResizeCrop)
	require.NoError(t, err)
	assert.Equal(t, "thumb bytes", string(body))
	assert.Equal(t, 96, th.Width)
	assert.Equal(t, storage.ResizeCrop, th.Method)
}
