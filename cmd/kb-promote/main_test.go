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
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewtpapa/vision/services/vision/ledger"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeTestLedger(t *testing.T, path string) {
	t.Helper()
	l, err := ledger.Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Append("cat", []float32{1, 0, 0}, true))
	require.NoError(t, l.Append("cat", []float32{0.9, 0.1, 0}, true))
	require.NoError(t, l.Append("dog", []float32{0, 1, 0}, true))
	require.NoError(t, l.Append("cat", []float32{0.8, 0.2, 0}, false))
	require.NoError(t, l.Close())
}

func TestPromoteAllWritesMedoidFiles(t *testing.T) {
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "evidence.jsonl")
	writeTestLedger(t, ledgerPath)

	outDir := filepath.Join(dir, "medoids")
	promotionLedgerPath := filepath.Join(dir, "promotion_ledger.jsonl")

	err := promoteAll(ledgerPath, outDir, promotionLedgerPath, 1, silentLogger())
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(outDir, "cat.medoids.bin"))
	assert.FileExists(t, filepath.Join(outDir, "dog.medoids.bin"))
	assert.FileExists(t, promotionLedgerPath)
}

func TestPromoteAllSkipsClassesBelowMinAccepted(t *testing.T) {
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "evidence.jsonl")
	writeTestLedger(t, ledgerPath)

	outDir := filepath.Join(dir, "medoids")
	promotionLedgerPath := filepath.Join(dir, "promotion_ledger.jsonl")

	err := promoteAll(ledgerPath, outDir, promotionLedgerPath, 3, silentLogger())
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(outDir, "cat.medoids.bin"))
	assert.NoFileExists(t, filepath.Join(outDir, "dog.medoids.bin"))
}

func TestRunRequiresLedgerFlag(t *testing.T) {
	code := run([]string{})
	assert.NotEqual(t, 0, code)
}

func TestRunEndToEnd(t *testing.T) {
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "evidence.jsonl")
	writeTestLedger(t, ledgerPath)
	outDir := filepath.Join(dir, "medoids")

	code := run([]string{"--ledger", ledgerPath, "--out", outDir, "--min-accepted", "1"})
	assert.Equal(t, 0, code)

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
