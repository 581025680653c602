// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsFillsZeroValues(t *testing.T) {
	var c Global
	c.Defaults(DefaultOpts{})
	assert.Equal(t, FileSizeBytes(50*1024*1024), c.MaxRequestSize)
	assert.Equal(t, 5, c.MaxFetchPrevEvents)
	assert.Equal(t, "10", c.DefaultRoomVersion)
	assert.NotEmpty(t, c.IPRangeDenylist)
}

func TestVerifyReportsEveryMissingField(t *testing.T) {
	var c Global
	err := c.Verify()
	require.Error(t, err)
	var errs ConfigErrors
	assert.ErrorAs(t, err, &errs)
	assert.GreaterOrEqual(t, len(errs), 3)
}

func TestLoadAppliesDefaultsAndVerifies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_name: example.org\ndata_path: ./db\n"), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "example.org", c.ServerName)
	assert.Equal(t, "10", c.DefaultRoomVersion)
}

func TestLoadRejectsMissingServerName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_path: ./db\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
