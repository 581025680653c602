// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package resolver

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_ExplicitPortSkipsWellKnownAndSRV(t *testing.T) {
	r := New(nil)
	r.lookupHost = func(ctx context.Context, host string) ([]string, error) {
		return []string{"203.0.113.5"}, nil
	}
	r.lookupSRV = func(ctx context.Context, service, proto, name string) ([]*net.SRV, error) {
		t.Fatal("SRV lookup must not be attempted when the server name carries an explicit port")
		return nil, nil
	}

	dest, err := r.Resolve(context.Background(), "example.org:8448")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.5:8448", dest.Addr)
	assert.Equal(t, "example.org:8448", dest.TLSHost)
}

func TestResolve_IPLiteralUsesDefaultPort(t *testing.T) {
	r := New(nil)
	dest, err := r.Resolve(context.Background(), "203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.5:8448", dest.Addr)
	assert.Equal(t, "203.0.113.5", dest.TLSHost)
}

func TestResolve_FallsBackToDeprecatedSRVBeforeARecord(t *testing.T) {
	r := New(nil)
	r.wellKnown = func(ctx context.Context, serverName string) (string, bool) { return "", false }
	r.lookupSRV = func(ctx context.Context, service, proto, name string) ([]*net.SRV, error) {
		if service == "matrix-fed" {
			return nil, assertNotFound{}
		}
		return []*net.SRV{{Target: "fed1.example.org.", Port: 8449}}, nil
	}
	r.lookupHost = func(ctx context.Context, host string) ([]string, error) {
		t.Fatal("A/AAAA lookup must not be attempted once SRV resolves")
		return nil, nil
	}

	dest, err := r.Resolve(context.Background(), "example.org")
	require.NoError(t, err)
	assert.Equal(t, "fed1.example.org:8449", dest.Addr)
	assert.Equal(t, "example.org", dest.TLSHost)
}

func TestResolve_RejectsDenylistedAddress(t *testing.T) {
	r := New([]string{"10.0.0.0/8"})
	r.lookupHost = func(ctx context.Context, host string) ([]string, error) {
		return []string{"10.1.2.3"}, nil
	}
	r.lookupSRV = func(ctx context.Context, service, proto, name string) ([]*net.SRV, error) {
		return nil, assertNotFound{}
	}
	r.wellKnown = func(ctx context.Context, serverName string) (string, bool) { return "", false }

	_, err := r.Resolve(context.Background(), "internal.example.org")
	assert.Error(t, err)
}

func TestResolve_CachesSuccessfulResolution(t *testing.T) {
	r := New(nil)
	calls := 0
	r.lookupHost = func(ctx context.Context, host string) ([]string, error) {
		calls++
		return []string{"203.0.113.9"}, nil
	}

	_, err := r.Resolve(context.Background(), "203.0.113.9:8448")
	require.NoError(t, err)
	// IP literal with explicit port never calls lookupHost, so resolve a
	// hostname instead to exercise the cache.
	r.lookupSRV = func(ctx context.Context, service, proto, name string) ([]*net.SRV, error) {
		return nil, assertNotFound{}
	}
	r.wellKnown = func(ctx context.Context, serverName string) (string, bool) { return "", false }

	_, err = r.Resolve(context.Background(), "cached.example.org")
	require.NoError(t, err)
	before := calls
	_, err = r.Resolve(context.Background(), "cached.example.org")
	require.NoError(t, err)
	assert.Equal(t, before, calls, "second resolution of the same name must hit the cache")
}

type assertNotFound struct{}

func (assertNotFound) Error() string { return "not found" }
