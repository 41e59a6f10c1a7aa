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
	"log/slog"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/matthewtpapa/vision/services/vision/types"
)

// Verifier decides whether a candidate should be accepted and, if so,
// appended to the Ledger. The oracle package depends only on this
// interface, not on services/vision/verify, to keep the dependency arrow
// pointing from verify -> oracle's types, never the reverse.
type Verifier interface {
	Verify(ctx context.Context, candidate types.OracleCandidate) types.VerifyEvidence
}

// LedgerAppender is the minimal surface the worker needs from the Evidence
// Ledger: append accepted evidence, durable after return.
type LedgerAppender interface {
	Append(label string, embedding []float32, accepted bool) error
}

// Worker runs the single background goroutine that drains a Queue in FIFO
// order and dispatches each candidate to Verify. It runs in parallel with
// the hot loop and is the only writer of the Ledger.
type Worker struct {
	queue    *Queue
	verifier Verifier
	ledger   LedgerAppender
	limiter  *rate.Limiter
	log      *slog.Logger

	// Live gates whether accepted evidence is actually appended to the
	// Ledger. The default configuration runs Verify in shadow mode: the
	// decision and its telemetry are produced but never persisted — shadow
	// mode keeps calibration telemetry flowing even while the Oracle
	// abstains from acting on its own verdicts.
	Live bool

	shadowAccepted uint64
	shadowRejected uint64
}

// NewWorker constructs a Worker. ratePerSec bounds how many candidates per
// second are dispatched to Verify, smoothing bursts of unknown frames
// without affecting the shed-on-overflow guarantee, which the Queue alone
// provides.
func NewWorker(q *Queue, v Verifier, l LedgerAppender, ratePerSec float64, log *slog.Logger) *Worker {
	return &Worker{
		queue:    q,
		verifier: v,
		ledger:   l,
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), 1),
		log:      log,
	}
}

// Run dequeues and dispatches candidates until ctx is cancelled or the
// queue is closed; candidates still queued at that point are abandoned. It
// is meant to be launched once via an errgroup.Group so its
// error, if any, joins the group's cancellation.
func (w *Worker) Run(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error {
		w.log.Info("oracle worker started", "live", w.Live)
		defer w.log.Info("oracle worker stopped")
		for {
			candidate, ok := w.queue.dequeueCtx(ctx)
			if !ok {
				return nil
			}
			if err := w.limiter.Wait(ctx); err != nil {
				return nil
			}
			w.dispatch(ctx, candidate)
		}
	})
}

func (w *Worker) dispatch(ctx context.Context, candidate types.OracleCandidate) {
	evidence := w.verifier.Verify(ctx, candidate)

	if !w.Live {
		if evidence.Accepted {
			w.shadowAccepted++
		} else {
			w.shadowRejected++
		}
		w.log.Debug("oracle shadow verify",
			"label", evidence.Label,
			"accepted", evidence.Accepted,
			"reason", evidence.Reason,
			"score", evidence.CalibratedScore,
		)
		return
	}

	if !evidence.Accepted {
		return
	}
	if err := w.ledger.Append(evidence.Label, evidence.Vector, evidence.Accepted); err != nil {
		w.log.Error("ledger append failed", "error", err, "label", evidence.Label)
	}
}

// ShadowCounts reports how many shadow-mode Verify calls were accepted vs
// rejected. Callers must only read it after Run's goroutine has exited.
func (w *Worker) ShadowCounts() (accepted, rejected uint64) {
	return w.shadowAccepted, w.shadowRejected
}
