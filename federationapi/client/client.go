// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package client implements federationapi/queue.Sender: it issues the
// signed PUT /_matrix/federation/v1/send/{txnId} request spec §4.7
// hands a drained transaction off to, mirrored backwards from a
// dendrite fork's federationapi/routing Send handler (see DESIGN.md).
// This package builds the X-Matrix Authorization header directly with
// crypto/ed25519 (via signingkeys.LocalKeys.Sign) rather than
// depending on gomatrixserverlib's request-signing helpers, for the
// same reason signingkeys/verify.go avoids its verification helpers:
// the exact wire format needs to be pinned down explicitly rather than
// trusted to an unconfirmed internal API surface.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/matrixcore/homeserver/federationapi/queue"
	"github.com/matrixcore/homeserver/federationapi/resolver"
	"github.com/matrixcore/homeserver/signingkeys"
)

// Client sends outbound federation transactions, implementing
// federationapi/queue.Sender.
type Client struct {
	serverName string
	keys       *signingkeys.LocalKeys
	resolver   *resolver.Resolver
	httpClient *http.Client
}

// New constructs a Client that signs every request as serverName using
// keys, resolving destinations through res.
func New(serverName string, keys *signingkeys.LocalKeys, res *resolver.Resolver) *Client {
	return &Client{
		serverName: serverName,
		keys:       keys,
		resolver:   res,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type transactionBody struct {
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
	EDUs           []json.RawMessage `json:"edus"`
}

// SendTransaction implements federationapi/queue.Sender.
func (c *Client) SendTransaction(ctx context.Context, destination string, txn queue.Transaction) (time.Duration, error) {
	dest, err := c.resolver.Resolve(ctx, destination)
	if err != nil {
		return 0, fmt.Errorf("federationapi/client: resolve %s: %w", destination, err)
	}

	pdus, edus := txn.PDUs, txn.EDUs
	if pdus == nil {
		pdus = []json.RawMessage{}
	}
	if edus == nil {
		edus = []json.RawMessage{}
	}
	body, err := json.Marshal(transactionBody{
		OriginServerTS: time.Now().UnixMilli(),
		PDUs:           pdus,
		EDUs:           edus,
	})
	if err != nil {
		return 0, err
	}

	path := "/_matrix/federation/v1/send/" + txn.TransactionID
	auth, err := c.authorizationHeader(http.MethodPut, path, destination, body)
	if err != nil {
		return 0, fmt.Errorf("federationapi/client: sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, "https://"+dest.Addr+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Host = dest.TLSHost
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", auth)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("federationapi/client: send to %s: %w", destination, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusTooManyRequests {
		d, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		return d, fmt.Errorf("federationapi/client: %s rate-limited us", destination)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("federationapi/client: %s returned %s", destination, resp.Status)
	}
	return 0, nil
}

type authDescriptor struct {
	Method      string          `json:"method"`
	URI         string          `json:"uri"`
	Origin      string          `json:"origin"`
	Destination string          `json:"destination"`
	Content     json.RawMessage `json:"content,omitempty"`
}

// authorizationHeader builds the X-Matrix Authorization header per the
// federation request-authentication scheme: sign a canonical JSON
// object of {method, uri, origin, destination, content} and present
// the result as `X-Matrix origin="...",destination="...",key="...",sig="..."`.
func (c *Client) authorizationHeader(method, uri, destination string, body []byte) (string, error) {
	d := authDescriptor{Method: method, URI: uri, Origin: c.serverName, Destination: destination}
	if len(body) > 0 {
		d.Content = body
	}
	descriptor, err := json.Marshal(d)
	if err != nil {
		return "", err
	}

	signed, err := c.keys.Sign(descriptor)
	if err != nil {
		return "", err
	}
	path := fmt.Sprintf("signatures.%s.%s", gjsonEscape(c.serverName), gjsonEscape(string(c.keys.KeyID)))
	sig := gjson.GetBytes(signed, path).String()
	return fmt.Sprintf(`X-Matrix origin="%s",destination="%s",key="%s",sig="%s"`,
		c.serverName, destination, c.keys.KeyID, sig), nil
}

func parseRetryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v + "s"); err == nil {
		return d, true
	}
	return 0, false
}

func gjsonEscape(s string) string {
	r := make([]rune, 0, len(s))
	for _, c := range s {
		switch c {
		case '.', '*', '?', '\\':
			r = append(r, '\\')
		}
		r = append(r, c)
	}
	return string(r)
}
