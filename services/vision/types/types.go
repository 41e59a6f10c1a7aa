// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package types holds the data-model contracts shared across the vision
// recognition engine: the per-frame result schema, the candidate/evidence
// records that flow between the Oracle, Verify, and the Ledger, and the
// offline medoid/calibration artifacts consumed at startup.
//
// These are plain structs, not dict-like dynamic shapes: unknown state is
// encoded as the reserved label value "unknown" rather than a separate
// result variant, keeping the schema flat and stable across the v0.1
// contract.
package types

// UnknownLabel is the reserved label value meaning "no known match".
const UnknownLabel = "unknown"

// MetricsSchemaVersion is the frozen v0.1 external contract version for
// MatchResult, metrics.json, and stage_timings.csv.
const MetricsSchemaVersion = "0.1"

// Embedding is a fixed-dimension, L2-normalized float vector produced by the
// embedder for a single frame.
type Embedding struct {
	Vector []float32
	Dim    int
}

// NeighborHit is one entry of a top-k LabelBank lookup.
type NeighborHit struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// MatchResult is the frozen v0.1 per-frame result contract. Label is either
// a known label string or UnknownLabel. Neighbors is sorted strictly
// descending by Score.
type MatchResult struct {
	Label       string        `json:"label"`
	Confidence  float64       `json:"confidence"`
	Neighbors   []NeighborHit `json:"neighbors"`
	Backend     string        `json:"backend"`
	Stride      int           `json:"stride"`
	BudgetHit   bool          `json:"budget_hit"`
	BBox        *BBox         `json:"bbox,omitempty"`
	TimestampMs *int64        `json:"timestamp_ms,omitempty"`
	SDKVersion  string        `json:"sdk_version"`
	FrameSeq    uint64        `json:"frame_seq"`
}

// BBox is an optional detector-provided bounding box hint, passed through
// unmodified by the recognition core.
type BBox struct {
	X, Y, W, H float64
}

// OracleCandidate is enqueued by the hot loop when a frame's match is
// unknown. It is dropped (oldest first) on queue overflow.
type OracleCandidate struct {
	Embedding       Embedding
	CandidateLabels []NeighborHit
	FrameSeq        uint64
}

// VerifyEvidence is produced by the Verify worker for one OracleCandidate.
type VerifyEvidence struct {
	Label           string
	Vector          []float32
	Accepted        bool
	Reason          string
	CalibratedScore float64
}

// LedgerEntry is one append-only, hash-chained Evidence Ledger record.
type LedgerEntry struct {
	Label     string    `json:"label"`
	Embedding []float32 `json:"embedding"`
	Accepted  bool      `json:"accepted"`
	Timestamp int64     `json:"timestamp"`
	Sequence  uint64    `json:"sequence"`
	PrevHash  string    `json:"prev_hash"`
}

// Medoid is an offline-only, int8-quantized representative exemplar.
type Medoid struct {
	Label       string
	Ordinal     int // 1..3
	Dim         uint32
	Scale       float32
	Zero        int8
	Payload     []int8
	BuildDigest string
}

// CalibrationTable holds per-label quantile thresholds and a scalar
// temperature, computed offline and read-only at runtime.
type CalibrationTable struct {
	// Threshold maps label -> accept threshold tau.
	Threshold map[string]float64
	// Quantiles maps label -> {0.5: q50, 0.9: q90, 0.99: q99} of same-class
	// cosine scores.
	Quantiles map[string]map[string]float64
	// Temperature is the single scalar T fit over the whole calibration set.
	Temperature float64
}

// AcceptThreshold returns the calibrated accept threshold for label, or the
// global minimum threshold if label is unknown to the table.
func (c *CalibrationTable) AcceptThreshold(label string) float64 {
	if c == nil || c.Threshold == nil {
		return 1.0
	}
	if t, ok := c.Threshold[label]; ok {
		return t
	}
	return c.minThreshold()
}

func (c *CalibrationTable) minThreshold() float64 {
	min := 1.0
	for _, t := range c.Threshold {
		if t < min {
			min = t
		}
	}
	if len(c.Threshold) == 0 {
		return 1.0
	}
	return min
}
