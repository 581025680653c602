// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixcore/homeserver/federationapi/resolver"
)

func TestBackfill_ParsesPDUsFromResponse(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_, _ = w.Write([]byte(`{"origin":"remote.example.org","origin_server_ts":1,"pdus":[{"event_id":"$a:remote.example.org"}]}`))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	c := NewBackfillClient(resolver.New(nil))
	c.httpClient = srv.Client()
	pdus, err := c.Backfill(context.Background(), u.Host, "!room:example.org", []string{"$from:example.org"}, 10)
	require.NoError(t, err)
	require.Len(t, pdus, 1)
	assert.Contains(t, string(pdus[0]), "$a:remote.example.org")
	assert.Equal(t, []string{"$from:example.org"}, gotQuery["v"])
	assert.Equal(t, "10", gotQuery.Get("limit"))
}
