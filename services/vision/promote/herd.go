// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package promote runs the offline KB promoter: it converts accepted
// Evidence Ledger entries into at most three int8 medoids per class via
// deterministic diversity-penalized herding. Nothing in this package runs
// concurrently with a hot loop; it is invoked by cmd/kb-promote between
// runs.
package promote

import "math"

// herdingLambda is the diversity penalty weight in the medoid selection
// score.
const herdingLambda = 0.5

// maxMedoidsPerClass bounds how many medoids herding selects per class.
const maxMedoidsPerClass = 3

// candidate is one accepted embedding under consideration for medoid
// selection, tagged with its ledger sequence for deterministic tie-breaks.
type candidate struct {
	vector   []float32
	sequence uint64
}

// centroid computes normalize(mean(v_i)) over L2-normalized input vectors.
func centroid(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	mean := make([]float32, dim)
	for _, v := range vectors {
		for i, x := range v {
			mean[i] += x
		}
	}
	n := float32(len(vectors))
	for i := range mean {
		mean[i] /= n
	}
	return l2Normalize(mean)
}

func l2Normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := float32(math.Sqrt(sumSq))
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// selectMedoids runs the greedy diversity-penalized herding algorithm.
// entries must be in ledger sequence order (ascending); ties in score are
// broken by earliest sequence, which falls out naturally from stable
// iteration over entries in that order.
func selectMedoids(mu []float32, entries []candidate) []candidate {
	if len(entries) == 0 {
		return nil
	}

	k := maxMedoidsPerClass
	if k > len(entries) {
		k = len(entries)
	}

	chosen := make([]candidate, 0, k)
	usedIdx := make(map[int]bool, k)

	for len(chosen) < k {
		bestIdx := -1
		var bestScore float32 = float32(math.Inf(-1))

		for i, e := range entries {
			if usedIdx[i] {
				continue
			}
			score := dot(mu, e.vector)
			if len(chosen) > 0 {
				var maxSim float32 = float32(math.Inf(-1))
				for _, c := range chosen {
					if s := dot(c.vector, e.vector); s > maxSim {
						maxSim = s
					}
				}
				score -= herdingLambda * maxSim
			}
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}

		if bestIdx == -1 {
			break
		}
		usedIdx[bestIdx] = true
		chosen = append(chosen, entries[bestIdx])
	}

	return chosen
}
