// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewtpapa/vision/services/vision/ledger"
)

func TestDumpSummarizesLabels(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evidence.jsonl")

	l, err := ledger.Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Append("cat", []float32{1, 0, 0}, true))
	require.NoError(t, l.Append("cat", []float32{0, 1, 0}, false))
	require.NoError(t, l.Append("dog", []float32{0, 0, 1}, true))
	require.NoError(t, l.Close())

	require.NoError(t, dump(path))
}

func TestDumpDetectsCorruptChain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evidence.jsonl")

	l, err := ledger.Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Append("cat", []float32{1, 0, 0}, true))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	corrupted := append(append([]byte(nil), data...), []byte(`{"label":"dog","embedding":[0,1,0],"accepted":true,"timestamp":0,"sequence":99,"prev_hash":"deadbeef"}`+"\n")...)
	require.NoError(t, os.WriteFile(path, corrupted, 0o644))

	err = dump(path)
	assert.Error(t, err)
}

func TestRunRequiresLedgerFlag(t *testing.T) {
	code := run([]string{})
	assert.NotEqual(t, 0, code)
}

func TestRunEndToEnd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evidence.jsonl")

	l, err := ledger.Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Append("cat", []float32{1, 0, 0}, true))
	require.NoError(t, l.Close())

	code := run([]string{"--ledger", path})
	assert.Equal(t, 0, code)
}
