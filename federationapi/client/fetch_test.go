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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixcore/homeserver/federationapi/resolver"
)

func TestFetchEvent_ReturnsFirstPDU(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasPrefix(r.URL.Path, "/_matrix/federation/v1/event/"))
		_, _ = w.Write([]byte(`{"origin":"remote.example.org","origin_server_ts":1,"pdus":[{"event_id":"$a:remote.example.org"}]}`))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	f := NewEventFetcher(resolver.New(nil))
	f.httpClient = srv.Client()
	raw, err := f.FetchEvent(context.Background(), u.Host, "$a:remote.example.org")
	require.NoError(t, err)
	assert.Contains(t, string(raw), "$a:remote.example.org")
}

func TestFetchStateIDs_ReturnsBothLists(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasPrefix(r.URL.Path, "/_matrix/federation/v1/state_ids/"))
		_, _ = w.Write([]byte(`{"pdu_ids":["$s1:origin"],"auth_chain_ids":["$a1:origin","$a2:origin"]}`))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	f := NewEventFetcher(resolver.New(nil))
	f.httpClient = srv.Client()
	stateIDs, authChainIDs, err := f.FetchStateIDs(context.Background(), u.Host, "!room:origin", "$e:origin")
	require.NoError(t, err)
	assert.Equal(t, []string{"$s1:origin"}, stateIDs)
	assert.Equal(t, []string{"$a1:origin", "$a2:origin"}, authChainIDs)
}
