// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package partition

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry_EmbeddedDefaults(t *testing.T) {
	r, err := NewRegistry(nil)
	require.NoError(t, err)

	b, ok := r.Binding("pack_backend")
	require.True(t, ok)
	assert.Equal(t, StrategyBySize, b.Strategy.Name())
	assert.Equal(t, int64(64<<20), b.Params.SizeThresholdBytes)

	b, ok = r.Binding("sql_migrate")
	require.True(t, ok)
	assert.Equal(t, StrategyByDepth, b.Strategy.Name())

	_, ok = r.Binding("nope")
	assert.False(t, ok)

	assert.Len(t, r.JobKinds(), 6)
}

func TestNewRegistry_ExternalFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strategies.yaml")
	yaml := `bindings:
  - job_kind: pack_backend
    strategy: by_key_range
    params:
      range_count: 2
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv(EnvStrategyPath, path)

	r, err := NewRegistry(nil)
	require.NoError(t, err)

	b, ok := r.Binding("pack_backend")
	require.True(t, ok)
	assert.Equal(t, StrategyByKeyRange, b.Strategy.Name())
	assert.Equal(t, 2, b.Params.RangeCount)

	// Embedded bindings are fully replaced by the external file.
	_, ok = r.Binding("warm_registry")
	assert.False(t, ok)
}

func TestNewRegistry_MissingExternalFallsBack(t *testing.T) {
	t.Setenv(EnvStrategyPath, filepath.Join(t.TempDir(), "absent.yaml"))

	r, err := NewRegistry(nil)
	require.NoError(t, err)

	_, ok := r.Binding("pack_backend")
	assert.True(t, ok)
}

func TestRegistry_ParseRejectsBadBindings(t *testing.T) {
	r := &Registry{strategies: builtinStrategies()}

	_, err := r.parse([]byte("bindings: []"))
	assert.Error(t, err)

	_, err = r.parse([]byte("bindings:\n  - job_kind: ''\n    strategy: by_size"))
	assert.Error(t, err)

	_, err = r.parse([]byte("bindings:\n  - job_kind: a\n    strategy: no_such"))
	assert.Error(t, err)

	dup := `bindings:
  - job_kind: a
    strategy: by_size
  - job_kind: a
    strategy: by_module
`
	_, err = r.parse([]byte(dup))
	assert.Error(t, err)
}

func TestRegistry_ReloadKeepsPreviousOnCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strategies.yaml")
	good := `bindings:
  - job_kind: pack_backend
    strategy: by_module
`
	require.NoError(t, os.WriteFile(path, []byte(good), 0o600))
	t.Setenv(EnvStrategyPath, path)

	r, err := NewRegistry(nil)
	require.NoError(t, err)
	b, _ := r.Binding("pack_backend")
	require.Equal(t, StrategyByModule, b.Strategy.Name())

	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o600))
	r.reload(path)

	b, ok := r.Binding("pack_backend")
	require.True(t, ok)
	assert.Equal(t, StrategyByModule, b.Strategy.Name())

	updated := `bindings:
  - job_kind: pack_backend
    strategy: by_key_range
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
	r.reload(path)

	b, _ = r.Binding("pack_backend")
	assert.Equal(t, StrategyByKeyRange, b.Strategy.Name())
}
