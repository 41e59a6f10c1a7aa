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

import "github.com/matthewtpapa/vision/services/vision/types"

// Bank is the read-only, exported handle other packages hold onto once a
// shard has been opened. It is safe for concurrent use by multiple readers;
// nothing in this package mutates it after Open returns.
type Bank struct {
	shard *Shard
}

// Build produces an in-memory Bank from (label, vector) pairs and writes its
// shard artifact to path for later Open calls. backend selects the
// similarity kernel tag (BackendNumpy or BackendFaiss) reported in results.
func Build(path string, pairs []Pair, dim int, calib *types.CalibrationTable, backend string) (*Bank, error) {
	s, err := build(pairs, dim, calib, backend)
	if err != nil {
		return nil, err
	}
	if err := s.save(path); err != nil {
		return nil, err
	}
	return &Bank{shard: s}, nil
}

// Open memory-maps the shard at path and validates its dimension, row
// count, and structural hash. expectedDim of 0 skips the dimension check.
func Open(path string, expectedDim int) (*Bank, error) {
	s, err := open(path, expectedDim)
	if err != nil {
		return nil, err
	}
	return &Bank{shard: s}, nil
}

// Close unmaps the underlying shard file.
func (b *Bank) Close() error { return b.shard.Close() }

// Dim reports the embedding width this bank was built or opened with.
func (b *Bank) Dim() int { return b.shard.Dim }

// Count reports the number of exemplar rows in the shard.
func (b *Bank) Count() int { return b.shard.Count }

// StructHash reports the shard's structural integrity hash.
func (b *Bank) StructHash() string { return b.shard.StructHash }

// Backend reports the similarity-kernel tag this shard reports in results.
func (b *Bank) Backend() string { return b.shard.Backend }

// Calibration returns the shard's calibration table, used by Verify to
// apply the same per-label accept thresholds the hot-loop Lookup uses.
func (b *Bank) Calibration() *types.CalibrationTable { return b.shard.Calib }

// TopK returns the k nearest neighbors to query by cosine similarity.
func (b *Bank) TopK(query []float32, k int) ([]types.NeighborHit, error) {
	return b.shard.topk(query, k)
}

// Lookup returns a single best-label decision for query, folding in the
// shard's calibration table: below threshold resolves to
// types.UnknownLabel.
func (b *Bank) Lookup(query []float32, k int) (label string, confidence float64, neighbors []types.NeighborHit, err error) {
	return b.shard.lookup(query, k)
}
