// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)
	assert.Equal(t, 66, cfg.LatencyBudgetMs)
	assert.Equal(t, 120, cfg.LatencyWindow)
	assert.Equal(t, 0.8, cfg.LowWater)
	assert.Equal(t, 1, cfg.FrameStride)
	assert.Equal(t, 1, cfg.MinStride)
	assert.Equal(t, 4, cfg.MaxStride)
	assert.True(t, cfg.AutoStride)
}

func TestResolve_PrecedenceOrder(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(manifestPath, []byte("latency_budget_ms: 33\nkb_json_path: /manifest/kb.json\n"), 0o644))

	t.Run("manifest overrides default", func(t *testing.T) {
		cfg, err := Resolve(manifestPath, Overrides{})
		require.NoError(t, err)
		assert.Equal(t, 33, cfg.LatencyBudgetMs)
		assert.Equal(t, "/manifest/kb.json", cfg.KBJSONPath)
	})

	t.Run("env overrides manifest", func(t *testing.T) {
		t.Setenv("VISION_LATENCY_BUDGET_MS", "20")
		cfg, err := Resolve(manifestPath, Overrides{})
		require.NoError(t, err)
		assert.Equal(t, 20, cfg.LatencyBudgetMs)
	})

	t.Run("CLI override wins over everything", func(t *testing.T) {
		t.Setenv("VISION_LATENCY_BUDGET_MS", "20")
		cli := 10
		cfg, err := Resolve(manifestPath, Overrides{LatencyBudgetMs: &cli})
		require.NoError(t, err)
		assert.Equal(t, 10, cfg.LatencyBudgetMs)
	})
}

func TestResolve_ValidationFailure(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(manifestPath, []byte("min_stride: 5\nmax_stride: 2\n"), 0o644))

	_, err := Resolve(manifestPath, Overrides{})
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestResolve_MissingManifestFile(t *testing.T) {
	_, err := Resolve("/no/such/manifest.yaml", Overrides{})
	require.Error(t, err)
}
