// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package resolver implements the Matrix server-name delegation
// sequence from spec §4.8: well-known, SRV, then A/AAAA, each step
// amending the TLS SNI host independently of the connection address.
// No pack dependency exposes this resolution step in isolation from a
// full federation HTTP client, so this package talks to net.Resolver
// and net/http directly rather than going through an opaque library
// call whose exact behaviour for each of spec §4.8's five numbered
// cases we could not otherwise pin down; the TTL cache and in-flight
// dedup layered on top are the same github.com/patrickmn/go-cache and
// golang.org/x/sync/singleflight the rest of the core already uses.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/matrixcore/homeserver/internal/caching"
)

const (
	defaultFederationPort = "8448"
	successTTL            = 24 * time.Hour
	failureTTL            = 5 * time.Minute
)

// Destination is the outcome of resolving a server name: the address to
// dial and the host to present as TLS SNI / Host header, which may
// differ from the dialed address once delegation is involved.
type Destination struct {
	Addr    string // host:port to dial
	TLSHost string
}

// Resolver implements spec §4.8. Construct one per process; it is safe
// for concurrent use.
type Resolver struct {
	cache        *caching.TTL[Destination]
	denylist     []netip.Prefix
	group        singleflight.Group
	httpClient   *http.Client
	lookupSRV    func(ctx context.Context, service, proto, name string) ([]*net.SRV, error)
	lookupHost   func(ctx context.Context, host string) ([]string, error)
	wellKnown    func(ctx context.Context, serverName string) (string, bool)
}

// New constructs a Resolver. A resolution whose dial address is an IP
// inside one of denylistCIDRs is rejected (spec §4.8, §6
// `ip_range_denylist`); ranges not in the list are allowed. Only IP
// addresses are checked: when an SRV record yields a hostname target,
// that hostname is the dial address as is and is not checked against
// the list.
func New(denylistCIDRs []string) *Resolver {
	var prefixes []netip.Prefix
	for _, c := range denylistCIDRs {
		if p, err := netip.ParsePrefix(c); err == nil {
			prefixes = append(prefixes, p)
		}
	}
	r := &net.Resolver{}
	res := &Resolver{
		cache:      caching.NewTTL[Destination](successTTL),
		denylist:   prefixes,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		lookupSRV:  r.LookupSRV,
		lookupHost: r.LookupHost,
	}
	res.wellKnown = res.fetchWellKnown
	return res
}

// Resolve implements resolve_actual_dest (spec §4.8), deduplicating
// concurrent resolutions of the same server name and caching the
// result with a TTL that depends on success/failure.
func (r *Resolver) Resolve(ctx context.Context, serverName string) (Destination, error) {
	if d, ok := r.cache.Get(serverName); ok {
		if d.Addr == "" {
			return Destination{}, fmt.Errorf("resolver: %s failed to resolve recently", serverName)
		}
		return d, nil
	}

	v, err, _ := r.group.Do(serverName, func() (interface{}, error) {
		d, err := r.resolveUncached(ctx, serverName)
		if err != nil {
			r.cache.SetWithTTL(serverName, Destination{}, failureTTL)
			return Destination{}, err
		}
		if err := r.checkDenylist(d.Addr); err != nil {
			r.cache.SetWithTTL(serverName, Destination{}, failureTTL)
			return Destination{}, err
		}
		r.cache.SetWithTTL(serverName, d, successTTL)
		return d, nil
	})
	if err != nil {
		return Destination{}, err
	}
	return v.(Destination), nil
}

func (r *Resolver) resolveUncached(ctx context.Context, serverName string) (Destination, error) {
	// Step 1/2: IP literal, or explicit port -> use directly.
	if host, port, ok := splitHostPort(serverName); ok {
		if isIPLiteral(host) {
			return Destination{Addr: net.JoinHostPort(host, port), TLSHost: serverName}, nil
		}
		addrs, err := r.lookupHost(ctx, host)
		if err != nil || len(addrs) == 0 {
			return Destination{}, fmt.Errorf("resolver: lookup %s: %w", host, err)
		}
		return Destination{Addr: net.JoinHostPort(addrs[0], port), TLSHost: serverName}, nil
	}
	if isIPLiteral(serverName) {
		return Destination{Addr: net.JoinHostPort(serverName, defaultFederationPort), TLSHost: serverName}, nil
	}

	// Step 3: well-known delegation.
	if delegated, ok := r.wellKnown(ctx, serverName); ok {
		return r.resolveDelegated(ctx, delegated)
	}

	// Step 4: SRV records directly on serverName.
	if target, port, ok := r.lookupFederationSRV(ctx, serverName); ok {
		return Destination{Addr: net.JoinHostPort(target, port), TLSHost: serverName}, nil
	}

	// Step 5: plain A/AAAA on the default federation port.
	addrs, err := r.lookupHost(ctx, serverName)
	if err != nil || len(addrs) == 0 {
		return Destination{}, fmt.Errorf("resolver: no address found for %s", serverName)
	}
	return Destination{Addr: net.JoinHostPort(addrs[0], defaultFederationPort), TLSHost: serverName}, nil
}

// resolveDelegated implements step 3's amendments (3a/3b/3c): identical
// to the top-level sequence except tls_host is pinned to the delegated
// name found by well-known, not the original server name, and there is
// no further well-known recursion (spec §4.8 only recurses one level).
func (r *Resolver) resolveDelegated(ctx context.Context, delegated string) (Destination, error) {
	if host, port, ok := splitHostPort(delegated); ok {
		if isIPLiteral(host) {
			return Destination{Addr: net.JoinHostPort(host, port), TLSHost: delegated}, nil
		}
		addrs, err := r.lookupHost(ctx, host)
		if err != nil || len(addrs) == 0 {
			return Destination{}, fmt.Errorf("resolver: lookup delegated %s: %w", host, err)
		}
		return Destination{Addr: net.JoinHostPort(addrs[0], port), TLSHost: delegated}, nil
	}
	if isIPLiteral(delegated) {
		return Destination{Addr: net.JoinHostPort(delegated, defaultFederationPort), TLSHost: delegated}, nil
	}
	if target, port, ok := r.lookupFederationSRV(ctx, delegated); ok {
		return Destination{Addr: net.JoinHostPort(target, port), TLSHost: delegated}, nil
	}
	addrs, err := r.lookupHost(ctx, delegated)
	if err != nil || len(addrs) == 0 {
		return Destination{}, fmt.Errorf("resolver: no address found for delegated %s", delegated)
	}
	return Destination{Addr: net.JoinHostPort(addrs[0], defaultFederationPort), TLSHost: delegated}, nil
}

// lookupFederationSRV tries _matrix-fed._tcp then the deprecated
// _matrix._tcp service name, per spec §4.8 steps 3b/4.
func (r *Resolver) lookupFederationSRV(ctx context.Context, name string) (target, port string, ok bool) {
	for _, service := range []string{"matrix-fed", "matrix"} {
		_, records, err := r.lookupSRV(ctx, service, "tcp", name)
		if err == nil && len(records) > 0 {
			rec := records[0]
			return strings.TrimSuffix(rec.Target, "."), strconv.Itoa(int(rec.Port)), true
		}
	}
	return "", "", false
}

type wellKnownResponse struct {
	Server string `json:"m.server"`
}

// fetchWellKnown retrieves https://{serverName}/.well-known/matrix/server
// and returns the delegated name if present (spec §4.8 step 3).
func (r *Resolver) fetchWellKnown(ctx context.Context, serverName string) (string, bool) {
	url := "https://" + serverName + "/.well-known/matrix/server"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if err != nil {
		return "", false
	}
	var wk wellKnownResponse
	if err := json.Unmarshal(body, &wk); err != nil || wk.Server == "" {
		return "", false
	}
	return wk.Server, true
}

func (r *Resolver) checkDenylist(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return nil
	}
	for _, p := range r.denylist {
		if p.Contains(ip) {
			return fmt.Errorf("resolver: address %s is in a denylisted range (%s)", ip, p)
		}
	}
	return nil
}

func isIPLiteral(s string) bool {
	s = strings.TrimPrefix(strings.TrimSuffix(s, "]"), "[")
	_, err := netip.ParseAddr(s)
	return err == nil
}

// splitHostPort separates host:port for a server name that explicitly
// carries a port (spec §4.8 step 2), ok=false for a bare hostname or IP
// with no port.
func splitHostPort(serverName string) (host, port string, ok bool) {
	host, port, err := net.SplitHostPort(serverName)
	if err != nil {
		return "", "", false
	}
	return host, port, true
}
