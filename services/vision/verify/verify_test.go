// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package verify

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewtpapa/vision/services/vision/labelbank"
	"github.com/matthewtpapa/vision/services/vision/types"
	"github.com/matthewtpapa/vision/services/vision/verifygallery"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func calib() *types.CalibrationTable {
	return &types.CalibrationTable{Threshold: map[string]float64{"cat": 0.5}}
}

func TestVerify_AcceptsAboveThreshold(t *testing.T) {
	g := verifygallery.NewGallery(map[string][][]float32{"cat": {{1, 0, 0}}})
	v := New(g, calib(), labelbank.BackendNumpy, silentLogger())

	candidate := types.OracleCandidate{
		Embedding:       types.Embedding{Vector: []float32{1, 0, 0}},
		CandidateLabels: []types.NeighborHit{{Label: "cat", Score: 0.9}},
	}
	ev := v.Verify(context.Background(), candidate)
	assert.True(t, ev.Accepted)
	assert.Equal(t, "cat", ev.Label)
	assert.Equal(t, reasonAccepted, ev.Reason)
}

func TestVerify_RejectsBelowThreshold(t *testing.T) {
	g := verifygallery.NewGallery(map[string][][]float32{"cat": {{1, 0, 0}}})
	v := New(g, calib(), labelbank.BackendNumpy, silentLogger())

	candidate := types.OracleCandidate{
		Embedding:       types.Embedding{Vector: []float32{0, 1, 0}},
		CandidateLabels: []types.NeighborHit{{Label: "cat", Score: 0.2}},
	}
	ev := v.Verify(context.Background(), candidate)
	assert.False(t, ev.Accepted)
	assert.Equal(t, reasonBelowThresh, ev.Reason)
}

func TestVerify_RejectsUnknownLabel(t *testing.T) {
	g := verifygallery.NewGallery(nil)
	v := New(g, calib(), labelbank.BackendNumpy, silentLogger())

	candidate := types.OracleCandidate{
		Embedding:       types.Embedding{Vector: []float32{1, 0, 0}},
		CandidateLabels: []types.NeighborHit{{Label: "ghost", Score: 0.9}},
	}
	ev := v.Verify(context.Background(), candidate)
	assert.False(t, ev.Accepted)
	assert.Equal(t, reasonUnknownLabel, ev.Reason)
}

func TestVerify_RejectsNoCandidates(t *testing.T) {
	g := verifygallery.NewGallery(nil)
	v := New(g, calib(), labelbank.BackendNumpy, silentLogger())

	ev := v.Verify(context.Background(), types.OracleCandidate{})
	assert.False(t, ev.Accepted)
	assert.Equal(t, reasonNoCandidates, ev.Reason)
}

func TestVerify_CalibrationAccountingInvariant(t *testing.T) {
	g := verifygallery.NewGallery(map[string][][]float32{"cat": {{1, 0, 0}}})
	v := New(g, calib(), labelbank.BackendNumpy, silentLogger())

	inputs := []types.OracleCandidate{
		{Embedding: types.Embedding{Vector: []float32{1, 0, 0}}, CandidateLabels: []types.NeighborHit{{Label: "cat", Score: 0.9}}},
		{Embedding: types.Embedding{Vector: []float32{0, 1, 0}}, CandidateLabels: []types.NeighborHit{{Label: "cat", Score: 0.2}}},
		{Embedding: types.Embedding{Vector: []float32{1, 0, 0}}, CandidateLabels: []types.NeighborHit{{Label: "ghost", Score: 0.9}}},
	}
	for _, c := range inputs {
		v.Verify(context.Background(), c)
	}

	snap := v.Snapshot()
	require.True(t, snap.Invariant())
	assert.Equal(t, uint64(3), snap.Called)
	assert.Equal(t, uint64(1), snap.Accepted)
	assert.Equal(t, uint64(2), snap.Rejected)
}

func TestBestCandidate_TieBreaksByLabel(t *testing.T) {
	hits := []types.NeighborHit{{Label: "zebra", Score: 0.5}, {Label: "ant", Score: 0.5}}
	best := bestCandidate(hits)
	assert.Equal(t, "ant", best.Label)
}
