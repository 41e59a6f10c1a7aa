// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package oracle implements the Candidate Oracle: a bounded, non-blocking
// FIFO queue that receives unknown-frame embeddings from the hot loop and a
// single background worker that drains it into Verify. The hot loop only
// ever calls TryEnqueue, which never suspends; all suspension (queue reads,
// gallery comparison, ledger flush) happens on the worker goroutine.
package oracle

import (
	"context"
	"sync"

	"github.com/matthewtpapa/vision/services/vision/types"
)

// Metrics is the point-in-time snapshot reported into metrics.json.
type Metrics struct {
	MaxLen       int     `json:"maxlen"`
	CurrentDepth int     `json:"current_depth"`
	Enqueued     uint64  `json:"enqueued"`
	Dequeued     uint64  `json:"dequeued"`
	ShedCount    uint64  `json:"shed_count"`
	ShedRate     float64 `json:"shed_rate"`
}

// Queue is a bounded FIFO of OracleCandidate. On overflow the oldest entry
// is dropped and ShedCount increments; enqueue order always equals dequeue
// order for retained entries.
type Queue struct {
	mu       sync.Mutex
	notEmpty chan struct{} // buffered(1), signals a waiting dequeue

	buf      []types.OracleCandidate
	maxLen   int
	enqueued uint64
	dequeued uint64
	shed     uint64
	closed   bool
}

// New creates a Queue with the given bounded capacity.
func New(maxLen int) *Queue {
	return &Queue{
		buf:      make([]types.OracleCandidate, 0, maxLen),
		maxLen:   maxLen,
		notEmpty: make(chan struct{}, 1),
	}
}

// TryEnqueue appends candidate without blocking. If the queue is at
// capacity, the oldest entry is dropped first and ShedCount increments.
// Returns false only if the queue has been closed for shutdown.
func (q *Queue) TryEnqueue(candidate types.OracleCandidate) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	if len(q.buf) >= q.maxLen {
		q.buf = q.buf[1:]
		q.shed++
	}
	q.buf = append(q.buf, candidate)
	q.enqueued++

	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
	return true
}

// dequeue blocks until an entry is available, then returns it; once the
// queue is closed it returns false even if entries are still buffered. It is called only by the Oracle's single
// background worker.
func (q *Queue) dequeue() (types.OracleCandidate, bool) {
	return q.dequeueCtx(context.Background())
}

// dequeueCtx is dequeue with early exit on context cancellation, used by the
// worker loop so a shutdown signal doesn't wait for the queue to close.
// closed is checked before the buffer: once Close has been observed, any
// still-buffered candidates are abandoned rather than drained. The worker's
// currently in-flight candidate, already returned by an earlier dequeueCtx
// call, still runs to completion — only the next dequeue is cut off.
func (q *Queue) dequeueCtx(ctx context.Context) (types.OracleCandidate, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return types.OracleCandidate{}, false
		}
		if len(q.buf) > 0 {
			c := q.buf[0]
			q.buf = q.buf[1:]
			q.dequeued++
			q.mu.Unlock()
			return c, true
		}
		q.mu.Unlock()
		select {
		case <-q.notEmpty:
		case <-ctx.Done():
			return types.OracleCandidate{}, false
		}
	}
}

// Close stops accepting new enqueues and wakes the worker so it can observe
// shutdown: stop accepting, let the in-flight candidate (if any) finish,
// abandon everything still queued.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

// Snapshot returns the current metrics.
func (q *Queue) Snapshot() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	denom := q.enqueued
	if denom == 0 {
		denom = 1
	}
	return Metrics{
		MaxLen:       q.maxLen,
		CurrentDepth: len(q.buf),
		Enqueued:     q.enqueued,
		Dequeued:     q.dequeued,
		ShedCount:    q.shed,
		ShedRate:     float64(q.shed) / float64(denom),
	}
}
