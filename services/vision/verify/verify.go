// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package verify implements the second-stage accept/reject gate: it
// compares a candidate's embedding against the curated gallery for its
// proposed label and applies a per-label calibrated threshold. Verify
// never returns an error to its caller; every failure mode
// (unknown label, empty gallery) resolves to a reject with a reason string,
// consistent with the oracle.Verifier interface it implements.
package verify

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/matthewtpapa/vision/services/vision/types"
	"github.com/matthewtpapa/vision/services/vision/verifygallery"
)

const (
	reasonAccepted     = "accepted"
	reasonUnknownLabel = "unknown_label"
	reasonBelowThresh  = "below_threshold"
	reasonNoCandidates = "no_candidate_labels"
)

// Verifier decides accept/reject against a curated gallery using a
// calibration table for per-label accept thresholds.
// Verify itself runs only on the single oracle worker goroutine; the
// counters are atomics because the hot loop snapshots them mid-run for its
// telemetry instruments.
type Verifier struct {
	gallery *verifygallery.Gallery
	calib   *types.CalibrationTable
	backend string
	log     *slog.Logger

	called   atomic.Uint64
	accepted atomic.Uint64
	rejected atomic.Uint64
}

// New constructs a Verifier. backend selects the similarity kernel tag used
// for gallery comparisons, matching the LabelBank shard's reported backend
// so metrics.json reports a single consistent value. A nil logger falls
// back to slog.Default().
func New(gallery *verifygallery.Gallery, calib *types.CalibrationTable, backend string, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{gallery: gallery, calib: calib, backend: backend, log: logger}
}

// Verify implements oracle.Verifier. It picks the highest-scored proposed
// label from the candidate's CandidateLabels, re-embeds (the embedding is
// reused rather than recomputed), and compares against that label's
// curated gallery references.
func (v *Verifier) Verify(ctx context.Context, candidate types.OracleCandidate) types.VerifyEvidence {
	v.called.Add(1)

	if len(candidate.CandidateLabels) == 0 {
		v.rejected.Add(1)
		return types.VerifyEvidence{Accepted: false, Reason: reasonNoCandidates, Vector: candidate.Embedding.Vector}
	}

	proposed := bestCandidate(candidate.CandidateLabels)

	refs := v.gallery.References(proposed.Label)
	if len(refs) == 0 {
		v.rejected.Add(1)
		v.log.Warn("verify reject",
			slog.String("reason", reasonUnknownLabel),
			slog.String("label", proposed.Label),
			slog.Uint64("frame_seq", candidate.FrameSeq),
		)
		return types.VerifyEvidence{
			Label:    proposed.Label,
			Vector:   candidate.Embedding.Vector,
			Accepted: false,
			Reason:   reasonUnknownLabel,
		}
	}

	maxCos := v.maxCosine(candidate.Embedding.Vector, refs)
	tau := v.calib.AcceptThreshold(proposed.Label)

	if maxCos < tau {
		v.rejected.Add(1)
		v.log.Debug("verify reject",
			slog.String("reason", reasonBelowThresh),
			slog.String("label", proposed.Label),
			slog.Float64("score", maxCos),
			slog.Float64("threshold", tau),
		)
		return types.VerifyEvidence{
			Label:           proposed.Label,
			Vector:          candidate.Embedding.Vector,
			Accepted:        false,
			Reason:          reasonBelowThresh,
			CalibratedScore: maxCos,
		}
	}

	v.accepted.Add(1)
	v.log.Debug("verify accept",
		slog.String("label", proposed.Label),
		slog.Float64("score", maxCos),
		slog.Float64("threshold", tau),
	)
	return types.VerifyEvidence{
		Label:           proposed.Label,
		Vector:          candidate.Embedding.Vector,
		Accepted:        true,
		Reason:          reasonAccepted,
		CalibratedScore: maxCos,
	}
}

// bestCandidate returns the highest-scored NeighborHit, ties broken by
// label for determinism.
func bestCandidate(hits []types.NeighborHit) types.NeighborHit {
	best := hits[0]
	for _, h := range hits[1:] {
		if h.Score > best.Score || (h.Score == best.Score && h.Label < best.Label) {
			best = h
		}
	}
	return best
}

// maxCosine returns the highest cosine similarity between query and any
// reference vector, clamped to [-1, 1]. It honors the same backend tag the
// LabelBank shard reports, so a run's metrics.json shows one consistent
// kernel choice across both stages.
func (v *Verifier) maxCosine(query []float32, refs [][]float32) float64 {
	best := -1.0
	for _, r := range refs {
		s := dotProduct(v.backend, query, r)
		if s > best {
			best = s
		}
	}
	if best > 1 {
		best = 1
	}
	if best < -1 {
		best = -1
	}
	return best
}

func dotProduct(backend string, a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	a, b = a[:n], b[:n]

	if backend == "faiss" {
		var s0, s1, s2, s3 float32
		i := 0
		for ; i+4 <= n; i += 4 {
			s0 += a[i] * b[i]
			s1 += a[i+1] * b[i+1]
			s2 += a[i+2] * b[i+2]
			s3 += a[i+3] * b[i+3]
		}
		sum := s0 + s1 + s2 + s3
		for ; i < n; i++ {
			sum += a[i] * b[i]
		}
		return float64(sum)
	}

	var sum float32
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return float64(sum)
}

// Counters is the calibration accounting snapshot: called must always equal
// accepted + rejected.
type Counters struct {
	Called   uint64 `json:"called"`
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
}

// Snapshot returns the current Counters.
func (v *Verifier) Snapshot() Counters {
	return Counters{Called: v.called.Load(), Accepted: v.accepted.Load(), Rejected: v.rejected.Load()}
}

// Invariant reports whether the calibration accounting invariant holds:
// called == accepted + rejected.
func (c Counters) Invariant() bool {
	return c.Called == c.Accepted+c.Rejected
}
