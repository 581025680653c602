// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/matrixcore/homeserver/federationapi/resolver"
)

// BackfillClient implements roomserver/internal/perform.RemoteBackfiller
// by calling GET /_matrix/federation/v1/backfill on the remote server.
type BackfillClient struct {
	resolver   *resolver.Resolver
	httpClient *http.Client
}

// NewBackfillClient constructs a BackfillClient.
func NewBackfillClient(res *resolver.Resolver) *BackfillClient {
	return &BackfillClient{resolver: res, httpClient: &http.Client{}}
}

type backfillResponse struct {
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
}

// Backfill implements roomserver/internal/perform.RemoteBackfiller.
func (c *BackfillClient) Backfill(ctx context.Context, server, roomID string, fromEventIDs []string, limit int) ([]json.RawMessage, error) {
	dest, err := c.resolver.Resolve(ctx, server)
	if err != nil {
		return nil, fmt.Errorf("federationapi/client: resolve %s: %w", server, err)
	}

	q := url.Values{}
	for _, id := range fromEventIDs {
		q.Add("v", id)
	}
	q.Set("limit", strconv.Itoa(limit))
	path := fmt.Sprintf("/_matrix/federation/v1/backfill/%s?%s", url.PathEscape(roomID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+dest.Addr+path, nil)
	if err != nil {
		return nil, err
	}
	req.Host = dest.TLSHost

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("federationapi/client: backfill from %s: %w", server, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("federationapi/client: %s returned %s for backfill", server, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
	if err != nil {
		return nil, err
	}
	var out backfillResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("federationapi/client: decode backfill response from %s: %w", server, err)
	}
	return out.PDUs, nil
}
