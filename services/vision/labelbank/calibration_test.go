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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuantile_Linear(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5}
	assert.Equal(t, 3.0, quantile(sorted, 0.5))
	assert.Equal(t, 1.0, quantile(sorted, 0))
	assert.Equal(t, 5.0, quantile(sorted, 1))
}

func TestBuildCalibration_SeparableClasses(t *testing.T) {
	sameClass := map[string][]float64{
		"cat": {0.9, 0.92, 0.95, 0.97, 0.99},
	}
	otherClass := map[string][]float64{
		"cat": {0.1, 0.12, 0.15, 0.2, 0.18},
	}

	cal := BuildCalibration(sameClass, otherClass)
	require.Contains(t, cal.Threshold, "cat")
	tau := cal.Threshold["cat"]

	assert.Greater(t, tau, 0.2)
	// The 0.05 quantile of the same-class scores is 0.9*0.8 + 0.92*0.2; the
	// other-class 0.99 quantile (0.1992) is lower, so it does not raise tau.
	assert.InDelta(t, 0.904, tau, 1e-9)
	assert.Greater(t, cal.Temperature, 0.0)
}

func TestDeriveThreshold_NoOtherClass(t *testing.T) {
	same := []float64{0.8, 0.85, 0.9, 0.95, 0.99}
	tau := deriveThreshold(same, nil)
	assert.Equal(t, quantile(append([]float64(nil), same...), 0.05), tau)
}

func TestFitTemperature_EmptySet(t *testing.T) {
	temp := fitTemperature(nil, nil, nil)
	assert.Equal(t, 1.0, temp)
}
