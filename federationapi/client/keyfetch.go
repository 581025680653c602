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
	"time"

	"github.com/matrixcore/homeserver/federationapi/resolver"
	"github.com/matrixcore/homeserver/signingkeys"
)

// KeyFetcher implements signingkeys.RemoteKeyFetcher by calling a
// remote server's own GET /_matrix/key/v2/server (spec §6), resolved
// the same way any other federation request is (spec §4.8).
type KeyFetcher struct {
	resolver   *resolver.Resolver
	httpClient *http.Client
}

// NewKeyFetcher constructs a KeyFetcher.
func NewKeyFetcher(res *resolver.Resolver) *KeyFetcher {
	return &KeyFetcher{resolver: res, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

// FetchServerKeys implements signingkeys.RemoteKeyFetcher.
func (f *KeyFetcher) FetchServerKeys(ctx context.Context, serverName string) (*signingkeys.ServerKeyResponse, error) {
	dest, err := f.resolver.Resolve(ctx, serverName)
	if err != nil {
		return nil, fmt.Errorf("federationapi/client: resolve %s: %w", serverName, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+dest.Addr+"/_matrix/key/v2/server", nil)
	if err != nil {
		return nil, err
	}
	req.Host = dest.TLSHost

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("federationapi/client: fetch keys from %s: %w", serverName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("federationapi/client: %s returned %s for key/v2/server", serverName, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, err
	}
	var out signingkeys.ServerKeyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("federationapi/client: decode key response from %s: %w", serverName, err)
	}
	return &out, nil
}
