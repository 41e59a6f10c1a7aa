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
)

func TestSimilarity_BothBackendsAgree(t *testing.T) {
	a := []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7}
	b := []float32{0.7, 0.6, 0.5, 0.4, 0.3, 0.2, 0.1}

	numpy := similarity(BackendNumpy, a, b)
	faiss := similarity(BackendFaiss, a, b)
	assert.InDelta(t, numpy, faiss, 1e-5)
}

func TestSimilarity_Clamped(t *testing.T) {
	a := []float32{10, 10, 10}
	b := []float32{10, 10, 10}
	assert.Equal(t, 1.0, similarity(BackendNumpy, a, b))
}
