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

	"github.com/matrixcore/homeserver/federationapi/resolver"
)

// EventFetcher implements roomserver/internal/input.Fetcher by calling
// GET /_matrix/federation/v1/event and .../state_ids on the origin
// server (spec §4.5 stages 4 and 6).
type EventFetcher struct {
	resolver   *resolver.Resolver
	httpClient *http.Client
}

// NewEventFetcher constructs an EventFetcher.
func NewEventFetcher(res *resolver.Resolver) *EventFetcher {
	return &EventFetcher{resolver: res, httpClient: &http.Client{}}
}

type pduBatchResponse struct {
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
}

// FetchEvent implements roomserver/internal/input.Fetcher.
func (f *EventFetcher) FetchEvent(ctx context.Context, origin, eventID string) ([]byte, error) {
	body, err := f.get(ctx, origin, "/_matrix/federation/v1/event/"+eventID)
	if err != nil {
		return nil, err
	}
	var resp pduBatchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("federationapi/client: decode event response from %s: %w", origin, err)
	}
	if len(resp.PDUs) == 0 {
		return nil, fmt.Errorf("federationapi/client: %s returned no pdus for %s", origin, eventID)
	}
	return resp.PDUs[0], nil
}

type stateIDsResponse struct {
	PDUIDs     []string `json:"pdu_ids"`
	AuthChainIDs []string `json:"auth_chain_ids"`
}

// FetchStateIDs implements roomserver/internal/input.Fetcher.
func (f *EventFetcher) FetchStateIDs(ctx context.Context, origin, roomID, eventID string) ([]string, []string, error) {
	path := fmt.Sprintf("/_matrix/federation/v1/state_ids/%s?event_id=%s", roomID, eventID)
	body, err := f.get(ctx, origin, path)
	if err != nil {
		return nil, nil, err
	}
	var resp stateIDsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, nil, fmt.Errorf("federationapi/client: decode state_ids response from %s: %w", origin, err)
	}
	return resp.PDUIDs, resp.AuthChainIDs, nil
}

func (f *EventFetcher) get(ctx context.Context, origin, path string) ([]byte, error) {
	dest, err := f.resolver.Resolve(ctx, origin)
	if err != nil {
		return nil, fmt.Errorf("federationapi/client: resolve %s: %w", origin, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+dest.Addr+path, nil)
	if err != nil {
		return nil, err
	}
	req.Host = dest.TLSHost

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("federationapi/client: fetch %s from %s: %w", path, origin, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("federationapi/client: %s returned %s for %s", origin, resp.Status, path)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
}
