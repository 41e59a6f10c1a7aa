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
	"math"
	"sort"

	"github.com/matthewtpapa/vision/services/vision/types"
)

// calibrationEpsilon bounds the allowed false-accept rate for other-class
// scores at the derived accept threshold: P(other-class >= tau) <= epsilon,
// default 0.01.
const calibrationEpsilon = 0.01

// sameClassTargetRecall is the minimum fraction of same-class scores that
// must clear the accept threshold: P(same-class >= tau) >= 0.95.
const sameClassTargetRecall = 0.95

// BuildCalibration computes per-label accept thresholds and a single scalar
// temperature from a calibration set of (label, cosine-to-own-class-centroid,
// is-same-class) triples. sameClass holds, per label, the sorted same-class
// cosine scores; otherClass holds, per label, cosine scores of the nearest
// other-class exemplar observed against that label's centroid.
func BuildCalibration(sameClass, otherClass map[string][]float64) *types.CalibrationTable {
	thresholds := make(map[string]float64, len(sameClass))
	quantiles := make(map[string]map[string]float64, len(sameClass))

	labels := make([]string, 0, len(sameClass))
	for label := range sameClass {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	for _, label := range labels {
		same := append([]float64(nil), sameClass[label]...)
		sort.Float64s(same)
		quantiles[label] = map[string]float64{
			"0.5":  quantile(same, 0.5),
			"0.9":  quantile(same, 0.9),
			"0.99": quantile(same, 0.99),
		}
		thresholds[label] = deriveThreshold(same, otherClass[label])
	}

	temp := fitTemperature(sameClass, otherClass, thresholds)

	return &types.CalibrationTable{
		Threshold:   thresholds,
		Quantiles:   quantiles,
		Temperature: temp,
	}
}

// quantile returns the value at fraction q in a pre-sorted slice using
// linear interpolation between closest ranks (NumPy's default "linear"
// method), matching the reference behavior documented in original sources.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// deriveThreshold takes the (1 - sameClassTargetRecall) quantile of same as
// the recall threshold, then raises tau if necessary to the
// (1 - calibrationEpsilon) quantile of other. If the two conflict, the
// other-class purity bound wins and the result is the stricter (higher) of
// the two candidate thresholds — matching the "reject when in doubt"
// posture of an open-set recognizer.
func deriveThreshold(same, other []float64) float64 {
	if len(same) == 0 {
		return 1.0
	}
	sameSorted := append([]float64(nil), same...)
	sort.Float64s(sameSorted)
	recallTau := quantile(sameSorted, 1-sameClassTargetRecall)

	if len(other) == 0 {
		return recallTau
	}
	otherSorted := append([]float64(nil), other...)
	sort.Float64s(otherSorted)
	purityTau := quantile(otherSorted, 1-calibrationEpsilon)

	if purityTau > recallTau {
		return purityTau
	}
	return recallTau
}

// fitTemperature minimizes binary cross-entropy between
// sigmoid((cos-tau)/T) and the same-class indicator over the whole
// calibration set via coarse grid search followed by local refinement —
// closed-form logistic fits are unstable with so few parameters and
// adversarial score distributions, so a bounded search is used instead.
func fitTemperature(sameClass, otherClass map[string][]float64, thresholds map[string]float64) float64 {
	type point struct {
		score float64
		tau   float64
		label float64
	}
	var points []point
	for label, scores := range sameClass {
		tau := thresholds[label]
		for _, s := range scores {
			points = append(points, point{score: s, tau: tau, label: 1})
		}
	}
	for label, scores := range otherClass {
		tau := thresholds[label]
		for _, s := range scores {
			points = append(points, point{score: s, tau: tau, label: 0})
		}
	}
	if len(points) == 0 {
		return 1.0
	}

	bce := func(T float64) float64 {
		var sum float64
		for _, p := range points {
			pred := sigmoid((p.score - p.tau) / T)
			pred = math.Min(math.Max(pred, 1e-7), 1-1e-7)
			if p.label == 1 {
				sum -= math.Log(pred)
			} else {
				sum -= math.Log(1 - pred)
			}
		}
		return sum / float64(len(points))
	}

	best := 1.0
	bestLoss := math.Inf(1)
	for t := 0.01; t <= 2.0; t += 0.01 {
		loss := bce(t)
		if loss < bestLoss {
			bestLoss = loss
			best = t
		}
	}
	for t := best - 0.01; t <= best+0.01; t += 0.001 {
		if t <= 0 {
			continue
		}
		loss := bce(t)
		if loss < bestLoss {
			bestLoss = loss
			best = t
		}
	}
	return best
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
