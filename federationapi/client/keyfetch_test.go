// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixcore/homeserver/federationapi/resolver"
)

func TestFetchServerKeys_ParsesSelfSignedResponse(t *testing.T) {
	keys := testKeys(t)
	resp, err := keys.SelfSign(time.Unix(1000, 0), 24*time.Hour)
	require.NoError(t, err)

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/_matrix/key/v2/server", r.URL.Path)
		b, err := json.Marshal(resp)
		require.NoError(t, err)
		_, _ = w.Write(b)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	f := NewKeyFetcher(resolver.New(nil))
	f.httpClient = srv.Client()
	got, err := f.FetchServerKeys(context.Background(), u.Host)
	require.NoError(t, err)
	assert.Equal(t, "origin.example.org", got.ServerName)
	assert.Contains(t, got.VerifyKeys, string(keys.KeyID))
}
