// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oracle

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/matthewtpapa/vision/services/vision/types"
)

type fakeVerifier struct {
	mu     sync.Mutex
	calls  int
	notify chan struct{} // optional: signaled after each Verify call
}

func (f *fakeVerifier) Verify(ctx context.Context, candidate types.OracleCandidate) types.VerifyEvidence {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.notify != nil {
		f.notify <- struct{}{}
	}
	return types.VerifyEvidence{Label: "cat", Accepted: candidate.FrameSeq%2 == 0, Reason: "test"}
}

// blockingVerifier holds its single in-flight Verify call open until told to
// proceed, so a test can deterministically close the queue while that call
// is still running.
type blockingVerifier struct {
	started chan struct{}
	proceed chan struct{}

	mu    sync.Mutex
	calls int
}

func (b *blockingVerifier) Verify(ctx context.Context, candidate types.OracleCandidate) types.VerifyEvidence {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-b.proceed
	return types.VerifyEvidence{Label: "cat", Accepted: true, Reason: "test"}
}

type fakeLedger struct {
	mu      sync.Mutex
	entries int
}

func (f *fakeLedger) Append(label string, embedding []float32, accepted bool) error {
	f.mu.Lock()
	f.entries++
	f.mu.Unlock()
	return nil
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestWorker_ShadowModeNeverAppendsToLedger confirms shadow mode never
// writes the Ledger regardless of how many candidates it sees.
func TestWorker_ShadowModeNeverAppendsToLedger(t *testing.T) {
	q := New(64)
	v := &fakeVerifier{notify: make(chan struct{}, 2)}
	l := &fakeLedger{}
	w := NewWorker(q, v, l, 1000, silentLogger())

	q.TryEnqueue(cand(0))
	q.TryEnqueue(cand(2))

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	w.Run(gctx, g)

	<-v.notify
	<-v.notify
	cancel()
	require.NoError(t, g.Wait())

	assert.Equal(t, 2, v.calls)
	assert.Equal(t, 0, l.entries)

	accepted, rejected := w.ShadowCounts()
	assert.Equal(t, uint64(2), accepted) // seq 0,2 both even
	assert.Equal(t, uint64(0), rejected)
}

// TestWorker_CloseAbandonsQueuedBacklog confirms shutdown drains only the
// candidate already in flight inside Verify and abandons everything still
// sitting in the queue, per the Oracle's "drain current task, abandon the
// rest" shutdown contract.
func TestWorker_CloseAbandonsQueuedBacklog(t *testing.T) {
	q := New(64)
	v := &blockingVerifier{started: make(chan struct{}, 1), proceed: make(chan struct{})}
	l := &fakeLedger{}
	w := NewWorker(q, v, l, 1000, silentLogger())

	q.TryEnqueue(cand(0))

	g, ctx := errgroup.WithContext(context.Background())
	w.Run(ctx, g)

	<-v.started // candidate 0 is now in flight inside Verify

	for i := uint64(1); i < 5; i++ {
		q.TryEnqueue(cand(i))
	}
	q.Close()
	close(v.proceed) // let the in-flight Verify call return

	require.NoError(t, g.Wait())

	v.mu.Lock()
	defer v.mu.Unlock()
	assert.Equal(t, 1, v.calls, "only the candidate already in flight should be verified; the rest is abandoned")
}

func TestWorker_LiveModeAppendsAcceptedOnly(t *testing.T) {
	q := New(64)
	v := &fakeVerifier{notify: make(chan struct{}, 3)}
	l := &fakeLedger{}
	w := NewWorker(q, v, l, 1000, silentLogger())
	w.Live = true

	q.TryEnqueue(cand(0))
	q.TryEnqueue(cand(1)) // odd sequence: rejected by fakeVerifier
	q.TryEnqueue(cand(2))

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	w.Run(gctx, g)

	<-v.notify
	<-v.notify
	<-v.notify
	cancel()
	require.NoError(t, g.Wait())

	assert.Equal(t, 2, l.entries)
}

func TestWorker_StopsOnContextCancel(t *testing.T) {
	q := New(64)
	v := &fakeVerifier{}
	l := &fakeLedger{}
	w := NewWorker(q, v, l, 1000, silentLogger())

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	w.Run(gctx, g)

	cancel()
	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after context cancel")
	}
}
