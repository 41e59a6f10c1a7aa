// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package labelbank

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewtpapa/vision/services/vision/types"
)

func unitVec(xs ...float32) []float32 {
	var sumSq float32
	for _, x := range xs {
		sumSq += x * x
	}
	norm := float32(1)
	if sumSq > 0 {
		norm = sqrtf32(sumSq)
	}
	out := make([]float32, len(xs))
	for i, x := range xs {
		out[i] = x / norm
	}
	return out
}

func sqrtf32(v float32) float32 {
	x := float64(v)
	z := x
	for i := 0; i < 20; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return float32(z)
}

func testPairs() []Pair {
	return []Pair{
		{Label: "cat", Vector: unitVec(1, 0, 0)},
		{Label: "cat", Vector: unitVec(0.9, 0.1, 0)},
		{Label: "dog", Vector: unitVec(0, 1, 0)},
		{Label: "dog", Vector: unitVec(0.1, 0.9, 0)},
	}
}

func testCalib() *types.CalibrationTable {
	return &types.CalibrationTable{
		Threshold: map[string]float64{"cat": 0.5, "dog": 0.5},
		Quantiles: map[string]map[string]float64{},
	}
}

func TestBuild_EmptyShard(t *testing.T) {
	_, err := build(nil, 3, testCalib(), BackendNumpy)
	var emptyErr *EmptyShardError
	assert.ErrorAs(t, err, &emptyErr)
}

func TestBuild_DimMismatch(t *testing.T) {
	pairs := []Pair{{Label: "cat", Vector: []float32{1, 0}}}
	_, err := build(pairs, 3, testCalib(), BackendNumpy)
	var dimErr *DimMismatchError
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 2, dimErr.Query)
	assert.Equal(t, 3, dimErr.Shard)
}

func TestBuild_StructHashStable(t *testing.T) {
	s1, err := build(testPairs(), 3, testCalib(), BackendNumpy)
	require.NoError(t, err)
	s2, err := build(testPairs(), 3, testCalib(), BackendNumpy)
	require.NoError(t, err)
	assert.Equal(t, s1.StructHash, s2.StructHash)
}

func TestSaveOpen_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard.lbnk")
	built, err := build(testPairs(), 3, testCalib(), BackendNumpy)
	require.NoError(t, err)
	require.NoError(t, built.save(path))

	opened, err := open(path, 3)
	require.NoError(t, err)
	defer opened.Close()

	assert.Equal(t, built.Dim, opened.Dim)
	assert.Equal(t, built.Count, opened.Count)
	assert.Equal(t, built.StructHash, opened.StructHash)
	assert.Equal(t, built.Backend, opened.Backend)
}

func TestOpen_DimMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard.lbnk")
	built, err := build(testPairs(), 3, testCalib(), BackendNumpy)
	require.NoError(t, err)
	require.NoError(t, built.save(path))

	_, err = open(path, 99)
	var dimErr *DimMismatchError
	assert.ErrorAs(t, err, &dimErr)
}

func TestOpen_MissingFile(t *testing.T) {
	_, err := open("/no/such/path.lbnk", 3)
	var ioErr *IOError
	assert.ErrorAs(t, err, &ioErr)
}

func TestTopK_ExactMatch(t *testing.T) {
	s, err := build(testPairs(), 3, testCalib(), BackendNumpy)
	require.NoError(t, err)

	hits, err := s.topk(unitVec(1, 0, 0), 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "cat", hits[0].Label)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
}

func TestTopK_KLargerThanShard(t *testing.T) {
	s, err := build(testPairs(), 3, testCalib(), BackendNumpy)
	require.NoError(t, err)

	hits, err := s.topk(unitVec(1, 0, 0), 100)
	require.NoError(t, err)
	assert.Len(t, hits, s.Count)
}

func TestTopK_DimMismatch(t *testing.T) {
	s, err := build(testPairs(), 3, testCalib(), BackendNumpy)
	require.NoError(t, err)

	_, err = s.topk([]float32{1, 0}, 2)
	var dimErr *DimMismatchError
	assert.ErrorAs(t, err, &dimErr)
}

func TestTopK_ScoresSortedDescending(t *testing.T) {
	s, err := build(testPairs(), 3, testCalib(), BackendNumpy)
	require.NoError(t, err)

	hits, err := s.topk(unitVec(0.5, 0.5, 0), 4)
	require.NoError(t, err)
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
	}
}

func TestLookup_KnownLabel(t *testing.T) {
	s, err := build(testPairs(), 3, testCalib(), BackendNumpy)
	require.NoError(t, err)

	label, conf, neighbors, err := s.lookup(unitVec(1, 0, 0), 2)
	require.NoError(t, err)
	assert.Equal(t, "cat", label)
	assert.Greater(t, conf, 0.5)
	assert.NotEmpty(t, neighbors)
}

func TestLookup_OpenSetUnknown(t *testing.T) {
	s, err := build(testPairs(), 3, testCalib(), BackendNumpy)
	require.NoError(t, err)

	// Orthogonal to both cat and dog directions in this toy 3-d space.
	label, conf, neighbors, err := s.lookup(unitVec(0, 0, 1), 2)
	require.NoError(t, err)
	assert.Equal(t, types.UnknownLabel, label)
	assert.NotEmpty(t, neighbors)
	assert.LessOrEqual(t, conf, testCalib().Threshold["cat"])
}

func TestBankBuildOpenLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard.lbnk")
	b, err := Build(path, testPairs(), 3, testCalib(), BackendNumpy)
	require.NoError(t, err)
	defer b.Close()

	opened, err := Open(path, 3)
	require.NoError(t, err)
	defer opened.Close()

	label, _, _, err := opened.Lookup(unitVec(1, 0, 0), 2)
	require.NoError(t, err)
	assert.Equal(t, "cat", label)
	assert.Equal(t, b.StructHash(), opened.StructHash())
}
