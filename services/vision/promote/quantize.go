// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package promote

import "math"

// quantizeInt8 quantizes a float32 vector to int8 using a per-component
// scale s = 127 / max(|v|), zero-point fixed at 0.
func quantizeInt8(v []float32) (payload []int8, scale float32) {
	var maxAbs float32
	for _, x := range v {
		a := x
		if a < 0 {
			a = -a
		}
		if a > maxAbs {
			maxAbs = a
		}
	}
	if maxAbs == 0 {
		return make([]int8, len(v)), 1
	}
	scale = 127 / maxAbs

	payload = make([]int8, len(v))
	for i, x := range v {
		q := math.Round(float64(x * scale))
		if q > 127 {
			q = 127
		}
		if q < -127 {
			q = -127
		}
		payload[i] = int8(q)
	}
	return payload, scale
}

// dequantize reverses quantizeInt8, used to measure the cosine error that
// PromoteClass reports as MeanCosErr and that tests bound; the promoter
// does not refuse a class on that error.
func dequantize(payload []int8, scale float32) []float32 {
	out := make([]float32, len(payload))
	for i, q := range payload {
		out[i] = float32(q) / scale
	}
	return out
}

// cosine computes cosine similarity between two equal-length float32
// vectors without assuming either is pre-normalized.
func cosine(a, b []float32) float64 {
	var dotv, na, nb float64
	for i := range a {
		dotv += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dotv / (math.Sqrt(na) * math.Sqrt(nb))
}
