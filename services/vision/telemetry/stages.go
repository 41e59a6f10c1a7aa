// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry accumulates per-stage timing and end-of-run aggregates
// for the hot loop and writes the two frozen artifacts: metrics.json and
// stage_timings.csv. It also wires Prometheus counters/histograms, kept in
// the in-process registry with no listener, and an OTel tracer for
// per-frame spans, exported only to a writer, so the purity invariant holds
// even while telemetry is enabled.
package telemetry

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// Stage names accumulated per processed frame. Skipped frames contribute to
// none of these; only the Controller's own frame counters see skips.
const (
	StageDetect   = "detect"
	StageTrack    = "track"
	StageEmbed    = "embed"
	StageMatch    = "match"
	StageOverhead = "overhead"
)

// stageTotal accumulates one stage's total duration and processed-frame
// count.
type stageTotal struct {
	totalMs float64
	count   int64
}

// StageTimings accumulates per-stage durations for processed frames only:
// skipped frames never call Record.
type StageTimings struct {
	mu     sync.Mutex
	stages map[string]*stageTotal
}

// NewStageTimings creates an empty accumulator.
func NewStageTimings() *StageTimings {
	return &StageTimings{stages: make(map[string]*stageTotal)}
}

// Record adds one processed frame's duration for stage.
func (s *StageTimings) Record(stage string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.stages[stage]
	if !ok {
		t = &stageTotal{}
		s.stages[stage] = t
	}
	t.totalMs += float64(d) / float64(time.Millisecond)
	t.count++
}

// Means returns, for every stage seen so far, its mean duration in
// milliseconds. Used to fill metrics.json's stage_ms block.
func (s *StageTimings) Means() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.stages))
	for name, t := range s.stages {
		if t.count == 0 {
			out[name] = 0
			continue
		}
		out[name] = t.totalMs / float64(t.count)
	}
	return out
}

// WriteCSV writes the stage_timings.csv artifact: header
// "stage,total_ms,mean_ms,count", UTF-8, LF line endings, one row per stage
// sorted by name so the same fixture always produces byte-identical output
// regardless of which order stages were first recorded in.
func (s *StageTimings) WriteCSV(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cw := csv.NewWriter(w)
	cw.UseCRLF = false
	if err := cw.Write([]string{"stage", "total_ms", "mean_ms", "count"}); err != nil {
		return fmt.Errorf("telemetry: write csv header: %w", err)
	}

	names := make([]string, 0, len(s.stages))
	for name := range s.stages {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t := s.stages[name]
		mean := 0.0
		if t.count > 0 {
			mean = t.totalMs / float64(t.count)
		}
		row := []string{
			name,
			fmt.Sprintf("%.6f", t.totalMs),
			fmt.Sprintf("%.6f", mean),
			fmt.Sprintf("%d", t.count),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("telemetry: write csv row %s: %w", name, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
