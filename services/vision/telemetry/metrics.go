// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/matthewtpapa/vision/services/vision/controller"
	"github.com/matthewtpapa/vision/services/vision/oracle"
	"github.com/matthewtpapa/vision/services/vision/purity"
	"github.com/matthewtpapa/vision/services/vision/types"
	"github.com/matthewtpapa/vision/services/vision/verify"
)

// sdkVersion is stamped into every MatchResult and metrics.json, part of
// the frozen v0.1 external contract.
const sdkVersion = "0.1.0"

// SDKVersion returns the engine's SDK version string.
func SDKVersion() string { return sdkVersion }

// UnknownRateBand is the configured [low, high] band the run is expected to
// fall within; a violation is reported but does not by itself change the
// exit code (gate mode governs that).
type UnknownRateBand struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Metrics is the full metrics.json document emitted at end-of-run.
type Metrics struct {
	MetricsSchemaVersion string             `json:"metrics_schema_version"`
	RunID                string             `json:"run_id"`
	FPS                  float64            `json:"fps"`
	P50                  float64            `json:"p50"`
	P95                  float64            `json:"p95"`
	P99                  float64            `json:"p99"`
	StageMs              map[string]float64 `json:"stage_ms"`
	KBSize               int                `json:"kb_size"`
	BackendSelected      string             `json:"backend_selected"`
	SDKVersion           string             `json:"sdk_version"`
	Controller           controller.Report  `json:"controller"`
	Oracle               oracle.Metrics     `json:"oracle"`
	Verify               verify.Counters    `json:"verify"`
	UnknownRateBand      [2]float64         `json:"unknown_rate_band"`
	UnknownRateObserved  float64            `json:"unknown_rate_observed"`
	Purity               purity.Summary     `json:"purity"`
	ProcessColdStartMs   *float64           `json:"process_cold_start_ms,omitempty"`

	// MetricsHash is computed over a canonical subset that excludes wall
	// clocks and host identifiers (fps/p50/p95/p99, stage_ms, run_id, and
	// process_cold_start_ms), so two runs of the same binary over the same
	// fixture and seed hash identically regardless of machine speed.
	MetricsHash string `json:"metrics_hash"`
}

// hashableController mirrors controller.Report minus the fields a
// wall-clock-driven stride decision leaves behind: EndStride and
// P95WindowMs are measured from real time.Since durations and the live
// Controller/Oracle producer-consumer race, so they are not reproducible
// from the same fixture, seed, and binary alone. StartStride and the
// config echoes (AutoStride, MinStride, MaxStride, Window, LowWater) are
// fixed before the run starts; FramesTotal/FramesProcessed are counts
// driven by the fixture's content, not its timing.
type hashableController struct {
	StartStride     int     `json:"start_stride"`
	FramesTotal     int     `json:"frames_total"`
	FramesProcessed int     `json:"frames_processed"`
	AutoStride      bool    `json:"auto_stride"`
	MinStride       int     `json:"min_stride"`
	MaxStride       int     `json:"max_stride"`
	Window          int     `json:"window"`
	LowWater        float64 `json:"low_water"`
}

// hashable mirrors Metrics but only the fields that must be bit-stable
// across A/B runs of the same fixture, seed, and binary. The Oracle's
// queue/worker counters (current_depth, enqueued, dequeued, shed_count,
// shed_rate) are excluded entirely: they are produced by a live
// producer/consumer race between the hot loop and the background worker,
// so their values depend on real-time scheduling, not just the fixture.
type hashable struct {
	MetricsSchemaVersion string             `json:"metrics_schema_version"`
	KBSize               int                `json:"kb_size"`
	BackendSelected      string             `json:"backend_selected"`
	SDKVersion           string             `json:"sdk_version"`
	Controller           hashableController `json:"controller"`
	Verify               verify.Counters    `json:"verify"`
	UnknownRateBand      [2]float64         `json:"unknown_rate_band"`
	UnknownRateObserved  float64            `json:"unknown_rate_observed"`
	Purity               purity.Summary     `json:"purity"`
}

// NewRunID generates a fresh run identifier, stamped into metrics.json.
func NewRunID() string { return uuid.NewString() }

// Build assembles the final Metrics document from every component's
// end-of-run summary.
func Build(runID string, agg Aggregate, stageMs map[string]float64, kbSize int, backend string, ctrl controller.Report, oracleM oracle.Metrics, verifyC verify.Counters, band UnknownRateBand, unknownRateObserved float64, purityS purity.Summary, coldStartMs *float64) Metrics {
	m := Metrics{
		MetricsSchemaVersion: types.MetricsSchemaVersion,
		RunID:                runID,
		FPS:                  agg.FPS,
		P50:                  agg.P50,
		P95:                  agg.P95,
		P99:                  agg.P99,
		StageMs:              stageMs,
		KBSize:               kbSize,
		BackendSelected:      backend,
		SDKVersion:           sdkVersion,
		Controller:           ctrl,
		Oracle:               oracleM,
		Verify:               verifyC,
		UnknownRateBand:      [2]float64{band.Low, band.High},
		UnknownRateObserved:  unknownRateObserved,
		Purity:               purityS,
		ProcessColdStartMs:   coldStartMs,
	}
	m.MetricsHash = computeHash(m)
	return m
}

// computeHash marshals the canonical subset and SHA-256-hashes it.
func computeHash(m Metrics) string {
	h := hashable{
		MetricsSchemaVersion: m.MetricsSchemaVersion,
		KBSize:               m.KBSize,
		BackendSelected:      m.BackendSelected,
		SDKVersion:           m.SDKVersion,
		Controller: hashableController{
			StartStride:     m.Controller.StartStride,
			FramesTotal:     m.Controller.FramesTotal,
			FramesProcessed: m.Controller.FramesProcessed,
			AutoStride:      m.Controller.AutoStride,
			MinStride:       m.Controller.MinStride,
			MaxStride:       m.Controller.MaxStride,
			Window:          m.Controller.Window,
			LowWater:        m.Controller.LowWater,
		},
		Verify:              m.Verify,
		UnknownRateBand:     m.UnknownRateBand,
		UnknownRateObserved: m.UnknownRateObserved,
		Purity:              m.Purity,
	}
	data, err := json.Marshal(h)
	if err != nil {
		// Marshal of a plain struct of primitives/slices cannot fail; a
		// panic here would indicate a programming error, not a runtime one.
		panic(fmt.Sprintf("telemetry: marshal canonical metrics: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// WriteJSON writes the metrics.json document to w.
func (m Metrics) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}

// WriteFile writes Metrics to path as metrics.json.
func (m Metrics) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("telemetry: create %s: %w", path, err)
	}
	defer f.Close()
	if err := m.WriteJSON(f); err != nil {
		return fmt.Errorf("telemetry: write %s: %w", path, err)
	}
	return nil
}
