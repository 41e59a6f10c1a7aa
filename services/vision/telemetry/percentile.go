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
	"math"
	"sort"
	"time"
)

// Durations accumulates every processed frame's wall-clock duration for the
// end-of-run fps/p50/p95/p99 aggregate, separate from the Controller's own
// rolling window (which only keeps the most recent W samples).
type Durations struct {
	samples []float64 // milliseconds
	start   time.Time
	end     time.Time
}

// NewDurations creates an empty accumulator.
func NewDurations() *Durations { return &Durations{} }

// Record appends one processed frame's duration and updates the run's
// observed wall-clock span.
func (d *Durations) Record(at time.Time, dur time.Duration) {
	if d.start.IsZero() || at.Before(d.start) {
		d.start = at
	}
	end := at.Add(dur)
	if end.After(d.end) {
		d.end = end
	}
	d.samples = append(d.samples, float64(dur)/float64(time.Millisecond))
}

// Percentile returns the inclusive q-th percentile using linear
// interpolation between closest ranks, matching the Controller's windowed
// p95 definition so end-of-run and mid-run percentiles agree.
func Percentile(samples []float64, q float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// Aggregate is the fps/p50/p95/p99 block derived from every processed
// frame's duration.
type Aggregate struct {
	FPS float64
	P50 float64
	P95 float64
	P99 float64
}

// Summary computes the Aggregate over all recorded durations. FPS is
// frames-processed divided by the observed wall-clock span, from the
// earliest frame start to the latest frame end; a span of zero (every
// recorded frame starting and ending at the same instant) reports FPS as
// zero rather than dividing by it.
func (d *Durations) Summary() Aggregate {
	if len(d.samples) == 0 {
		return Aggregate{}
	}
	span := d.end.Sub(d.start).Seconds()
	fps := 0.0
	if span > 0 {
		fps = float64(len(d.samples)) / span
	}
	return Aggregate{
		FPS: fps,
		P50: Percentile(d.samples, 0.5),
		P95: Percentile(d.samples, 0.95),
		P99: Percentile(d.samples, 0.99),
	}
}
