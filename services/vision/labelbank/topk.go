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
	"container/heap"
	"sort"

	"github.com/matthewtpapa/vision/services/vision/types"
)

// scored is one candidate row during top-k selection.
type scored struct {
	row   int
	id    int32
	score float64
}

// minHeap keeps the k best-seen candidates with the worst at the root, so a
// new candidate is compared against root in O(1) and a replace is O(log k).
// Ties in score are broken by lower label id; the
// Less method encodes "worse" as either lower score or, on a score tie,
// higher label id (so the higher id is evicted first).
type minHeap []scored

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].id > h[j].id
}
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(scored)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// dimCheck rejects a query whose width differs from the shard's.
func (s *Shard) dimCheck(query []float32) error {
	if len(query) != s.Dim {
		return &DimMismatchError{Query: len(query), Shard: s.Dim}
	}
	return nil
}

// topk returns the k nearest rows to query by cosine similarity, using the
// shard's configured backend kernel. If the shard has fewer than k rows, all
// rows are returned. Results are sorted strictly descending by score, with
// ties broken by lower label id.
func (s *Shard) topk(query []float32, k int) ([]types.NeighborHit, error) {
	if err := s.dimCheck(query); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	if k > s.Count {
		k = s.Count
	}

	h := make(minHeap, 0, k)
	heap.Init(&h)
	for i := 0; i < s.Count; i++ {
		sc := similarity(s.Backend, query, s.row(i))
		cand := scored{row: i, id: s.labelID[i], score: sc}
		if h.Len() < k {
			heap.Push(&h, cand)
			continue
		}
		worst := h[0]
		if cand.score > worst.score || (cand.score == worst.score && cand.id < worst.id) {
			heap.Pop(&h)
			heap.Push(&h, cand)
		}
	}

	out := make([]types.NeighborHit, len(h))
	for i, c := range h {
		out[i] = types.NeighborHit{Label: s.dict[c.id], Score: c.score}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return s.dictIndexOf(out[i].Label) < s.dictIndexOf(out[j].Label)
	})
	return out, nil
}

// dictIndexOf is a small linear lookup used only to break display-order ties
// among already-selected neighbors; the dictionary is small (one entry per
// distinct label in the shard), so this stays off the hot path cost curve.
func (s *Shard) dictIndexOf(label string) int {
	for i, l := range s.dict {
		if l == label {
			return i
		}
	}
	return len(s.dict)
}

// lookup runs topk and folds the result into a single best-label decision
// using the shard's calibration table: the top-1 neighbor wins unless its
// score falls below its calibrated accept threshold, in which case the
// result is UnknownLabel. Neighbors are still returned for observability
// even when the decision is "unknown", so open-set misses remain
// observable.
func (s *Shard) lookup(query []float32, k int) (label string, confidence float64, neighbors []types.NeighborHit, err error) {
	neighbors, err = s.topk(query, k)
	if err != nil {
		return "", 0, nil, err
	}
	if len(neighbors) == 0 {
		return types.UnknownLabel, 0, neighbors, nil
	}

	best := neighbors[0]
	tau := s.Calib.AcceptThreshold(best.Label)
	if best.Score < tau {
		return types.UnknownLabel, best.Score, neighbors, nil
	}
	return best.Label, best.Score, neighbors, nil
}
