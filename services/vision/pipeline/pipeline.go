// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline ties every recognition component into the per-frame hot
// loop: FrameSource -> Detector -> Tracker -> Embedder -> LabelBank ->
// Controller -> Oracle, plus the background Oracle->Verify->Ledger worker
// running in parallel. It owns the shutdown/drain sequence and returns the
// end-of-run Result from which the caller builds metrics.json and
// stage_timings.csv.
//
// Frame capture, detection, tracking, and embedding are external
// collaborators; this package depends only on the small interfaces below
// and never opens a socket itself.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/matthewtpapa/vision/services/vision/config"
	"github.com/matthewtpapa/vision/services/vision/controller"
	"github.com/matthewtpapa/vision/services/vision/labelbank"
	"github.com/matthewtpapa/vision/services/vision/ledger"
	"github.com/matthewtpapa/vision/services/vision/oracle"
	"github.com/matthewtpapa/vision/services/vision/purity"
	"github.com/matthewtpapa/vision/services/vision/telemetry"
	"github.com/matthewtpapa/vision/services/vision/types"
	"github.com/matthewtpapa/vision/services/vision/verify"
)

// Frame is one unit of work from the frame source: an image reference plus
// an optional detector-provided bounding box hint and timestamp. The
// recognition core never inspects pixel data itself; Data is opaque and
// handed straight to Detector/Tracker/Embedder.
type Frame struct {
	Data        any
	BBox        *types.BBox
	TimestampMs *int64
}

// FrameSource produces frames in order. Next returns ok=false once the
// source is exhausted; it never opens its own sockets.
type FrameSource interface {
	Next(ctx context.Context) (frame Frame, ok bool, err error)
}

// Detector proposes a bounding box for a frame. It may return a nil BBox
// when nothing is detected; errors are treated as per-frame DataErrors.
type Detector interface {
	Detect(ctx context.Context, frame Frame) (*types.BBox, error)
}

// Tracker refines or carries forward a detection across frames.
type Tracker interface {
	Track(ctx context.Context, frame Frame, bbox *types.BBox) (*types.BBox, error)
}

// Embedder produces an L2-normalized embedding for a frame region.
type Embedder interface {
	Embed(ctx context.Context, frame Frame, bbox *types.BBox) (types.Embedding, error)
}

// Sink receives each frame's MatchResult in input order.
type Sink interface {
	Emit(result types.MatchResult) error
}

// Pipeline wires every hot-loop and background component together. It is
// not safe for concurrent use by more than one goroutine calling Run.
type Pipeline struct {
	cfg      *config.Config
	source   FrameSource
	detector Detector
	tracker  Tracker
	embedder Embedder
	bank     *labelbank.Bank
	ctrl     *controller.Controller
	queue    *oracle.Queue
	worker   *oracle.Worker
	ledgerW  *ledger.Ledger
	verifier *verify.Verifier
	guard    *purity.Guard
	sink     Sink
	log      *slog.Logger
	tracer   *telemetry.Provider

	stages    *telemetry.StageTimings
	durations *telemetry.Durations

	frameCounter   uint64
	strideCounter  int
	lastLabel      string
	lastConfidence float64
	unknownFrames  uint64

	prevShed           uint64
	prevVerifyAccepted uint64
	prevVerifyRejected uint64
}

// Deps bundles every collaborator Pipeline needs. Fields other than
// Config, Source, Embedder, Bank, Sink are optional; Detector/Tracker default to
// pass-through no-ops when nil, matching a pipeline stage the frame source
// already resolved upstream.
type Deps struct {
	Config   *config.Config
	Source   FrameSource
	Detector Detector
	Tracker  Tracker
	Embedder Embedder
	Bank     *labelbank.Bank
	Queue    *oracle.Queue
	Worker   *oracle.Worker
	Ledger   *ledger.Ledger
	Verifier *verify.Verifier
	Guard    *purity.Guard
	Sink     Sink
	Logger   *slog.Logger
	Tracer   *telemetry.Provider
}

// New constructs a Pipeline ready to Run.
func New(d Deps) *Pipeline {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctrlCfg := controller.Config{
		BudgetMs:    d.Config.LatencyBudgetMs,
		Window:      d.Config.LatencyWindow,
		LowWater:    d.Config.LowWater,
		MinStride:   d.Config.MinStride,
		MaxStride:   d.Config.MaxStride,
		FrameStride: d.Config.FrameStride,
		AutoStride:  d.Config.AutoStride,
	}
	return &Pipeline{
		cfg:           d.Config,
		source:        d.Source,
		detector:      d.Detector,
		tracker:       d.Tracker,
		embedder:      d.Embedder,
		bank:          d.Bank,
		ctrl:          controller.New(ctrlCfg),
		queue:         d.Queue,
		worker:        d.Worker,
		ledgerW:       d.Ledger,
		verifier:      d.Verifier,
		guard:         d.Guard,
		sink:          d.Sink,
		log:           logger,
		tracer:        d.Tracer,
		stages:        telemetry.NewStageTimings(),
		durations:     telemetry.NewDurations(),
		strideCounter: 0,
		lastLabel:     types.UnknownLabel,
	}
}

// Result is Run's return value: everything needed to build metrics.json.
type Result struct {
	Stages       *telemetry.StageTimings
	Durations    *telemetry.Durations
	Controller   controller.Report
	Oracle       oracle.Metrics
	Verify       verify.Counters
	FramesTotal  uint64
	UnknownTotal uint64
	KBSize       int
	Backend      string
}

// Run drives the hot loop until the frame source reports exhaustion or an
// error (ctx is handed to the source; the loop does not check it itself),
// then shuts down the background Oracle worker before returning.
// The hot loop itself never returns an error for a per-frame failure: it
// converts the failure into an "unknown" result and continues.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	g, workerCtx := errgroup.WithContext(ctx)
	if p.worker != nil {
		p.worker.Run(workerCtx, g)
	}

	if p.guard != nil {
		p.guard.Activate()
	}

	for {
		frame, ok, err := p.source.Next(ctx)
		if err != nil {
			return p.finish(g), fmt.Errorf("pipeline: frame source: %w", err)
		}
		if !ok {
			break
		}
		p.frameCounter++

		if p.shouldSkip() {
			skipStart := time.Now()
			if p.lastLabel == types.UnknownLabel {
				p.unknownFrames++
			}
			result := types.MatchResult{
				Label:       p.lastLabel,
				Confidence:  p.lastConfidence,
				Backend:     p.bank.Backend(),
				Stride:      p.ctrl.Stride(),
				BudgetHit:   true,
				BBox:        frame.BBox,
				TimestampMs: frame.TimestampMs,
				SDKVersion:  telemetry.SDKVersion(),
				FrameSeq:    p.frameCounter,
			}
			err := p.sink.Emit(result)
			p.ctrl.RecordSkip(time.Since(skipStart))
			if err != nil {
				return p.finish(g), fmt.Errorf("pipeline: emit skipped frame: %w", err)
			}
			continue
		}

		frameCtx := ctx
		var span trace.Span
		if p.tracer != nil {
			frameCtx, span = p.tracer.StartFrameSpan(ctx, p.frameCounter)
		}
		result := p.processFrame(frameCtx, frame)
		if span != nil {
			span.End()
		}
		if err := p.sink.Emit(result); err != nil {
			return p.finish(g), fmt.Errorf("pipeline: emit frame: %w", err)
		}
	}

	if p.guard != nil {
		p.guard.Deactivate()
	}

	return p.finish(g), nil
}

// shouldSkip applies the Controller's stride: frame N is processed when
// the running count within the current stride window reaches it, then the
// counter resets. Stride is re-read each frame so a Controller adjustment
// takes effect on the very next cycle.
func (p *Pipeline) shouldSkip() bool {
	stride := p.ctrl.Stride()
	p.strideCounter++
	if p.strideCounter < stride {
		return true
	}
	p.strideCounter = 0
	return false
}

func (p *Pipeline) processFrame(ctx context.Context, frame Frame) types.MatchResult {
	overheadStart := time.Now()

	detectStart := time.Now()
	bbox, err := p.detect(ctx, frame)
	p.stages.Record(telemetry.StageDetect, time.Since(detectStart))
	if err != nil {
		p.log.Warn("detect failed", "error", err, "frame_seq", p.frameCounter)
		return p.unknownResult(frame, overheadStart)
	}

	trackStart := time.Now()
	bbox, err = p.track(ctx, frame, bbox)
	p.stages.Record(telemetry.StageTrack, time.Since(trackStart))
	if err != nil {
		p.log.Warn("track failed", "error", err, "frame_seq", p.frameCounter)
		return p.unknownResult(frame, overheadStart)
	}

	embedStart := time.Now()
	embedding, err := p.embedder.Embed(ctx, frame, bbox)
	p.stages.Record(telemetry.StageEmbed, time.Since(embedStart))
	if err != nil {
		p.log.Warn("embed failed", "error", err, "frame_seq", p.frameCounter)
		return p.unknownResult(frame, overheadStart)
	}

	matchStart := time.Now()
	label, confidence, neighbors, err := p.bank.Lookup(embedding.Vector, p.cfg.MatcherTopK)
	p.stages.Record(telemetry.StageMatch, time.Since(matchStart))
	if err != nil {
		p.log.Warn("lookup failed", "error", err, "frame_seq", p.frameCounter)
		return p.unknownResult(frame, overheadStart)
	}
	// The calibrated per-label threshold already gated the lookup; the
	// matcher config adds a global floor and a minimum neighbor count on
	// top of it.
	if label != types.UnknownLabel &&
		(confidence < p.cfg.MatcherThreshold || len(neighbors) < p.cfg.MatcherMinNeighbors) {
		label = types.UnknownLabel
	}

	total := time.Since(overheadStart)
	p.stages.Record(telemetry.StageOverhead, total)
	strideBefore := p.ctrl.Stride()
	p.ctrl.RecordFrame(total)
	if after := p.ctrl.Stride(); after > strideBefore {
		telemetry.ObserveStrideChange("up")
	} else if after < strideBefore {
		telemetry.ObserveStrideChange("down")
	}
	p.durations.Record(overheadStart, total)
	telemetry.ObserveFrameLatency(float64(total) / float64(time.Millisecond))

	isUnknown := label == types.UnknownLabel
	p.lastLabel = label
	p.lastConfidence = confidence
	if isUnknown {
		p.unknownFrames++
		if p.queue != nil {
			p.queue.TryEnqueue(types.OracleCandidate{
				Embedding:       embedding,
				CandidateLabels: neighbors,
				FrameSeq:        p.frameCounter,
			})
		}
	}
	p.observeBackground()

	return types.MatchResult{
		Label:       label,
		Confidence:  confidence,
		Neighbors:   neighbors,
		Backend:     p.bank.Backend(),
		Stride:      p.ctrl.Stride(),
		BudgetHit:   false,
		BBox:        bbox,
		TimestampMs: frame.TimestampMs,
		SDKVersion:  telemetry.SDKVersion(),
		FrameSeq:    p.frameCounter,
	}
}

func (p *Pipeline) unknownResult(frame Frame, start time.Time) types.MatchResult {
	total := time.Since(start)
	p.ctrl.RecordFrame(total)
	p.durations.Record(start, total)
	p.lastLabel = types.UnknownLabel
	p.lastConfidence = 0
	p.unknownFrames++
	return types.MatchResult{
		Label:       types.UnknownLabel,
		Confidence:  0,
		Backend:     p.bank.Backend(),
		Stride:      p.ctrl.Stride(),
		BudgetHit:   true,
		BBox:        frame.BBox,
		TimestampMs: frame.TimestampMs,
		SDKVersion:  telemetry.SDKVersion(),
		FrameSeq:    p.frameCounter,
	}
}

// observeBackground polls the Oracle queue and Verify counters after each
// processed frame and feeds their deltas into the Prometheus instruments.
// These are cheap atomic/map reads; nothing here suspends, so the hot
// loop's timing is unaffected.
func (p *Pipeline) observeBackground() {
	if p.queue != nil {
		snap := p.queue.Snapshot()
		telemetry.ObserveOracleDepth(snap.CurrentDepth)
		if snap.ShedCount > p.prevShed {
			telemetry.ObserveOracleShed(snap.ShedCount - p.prevShed)
			p.prevShed = snap.ShedCount
		}
	}
	if p.verifier != nil {
		snap := p.verifier.Snapshot()
		if snap.Accepted > p.prevVerifyAccepted {
			for i := uint64(0); i < snap.Accepted-p.prevVerifyAccepted; i++ {
				telemetry.ObserveVerifyOutcome(true)
			}
			p.prevVerifyAccepted = snap.Accepted
		}
		if snap.Rejected > p.prevVerifyRejected {
			for i := uint64(0); i < snap.Rejected-p.prevVerifyRejected; i++ {
				telemetry.ObserveVerifyOutcome(false)
			}
			p.prevVerifyRejected = snap.Rejected
		}
	}
}

func (p *Pipeline) detect(ctx context.Context, frame Frame) (*types.BBox, error) {
	if p.detector == nil {
		return frame.BBox, nil
	}
	return p.detector.Detect(ctx, frame)
}

func (p *Pipeline) track(ctx context.Context, frame Frame, bbox *types.BBox) (*types.BBox, error) {
	if p.tracker == nil {
		return bbox, nil
	}
	return p.tracker.Track(ctx, frame, bbox)
}

// finish stops accepting new Oracle enqueues, waits for the background
// worker to finish its in-flight candidate (candidates still queued are
// abandoned), flushes the Ledger, and assembles the Result. No partial
// LedgerEntry is ever written during this sequence.
func (p *Pipeline) finish(g *errgroup.Group) Result {
	if p.queue != nil {
		p.queue.Close()
	}
	if err := g.Wait(); err != nil {
		p.log.Warn("oracle worker exited with error", "error", err)
	}
	if p.ledgerW != nil {
		if err := p.ledgerW.Close(); err != nil {
			p.log.Error("ledger close failed", "error", err)
		}
	}

	var oracleM oracle.Metrics
	if p.queue != nil {
		oracleM = p.queue.Snapshot()
	}
	var verifyC verify.Counters
	if p.verifier != nil {
		verifyC = p.verifier.Snapshot()
	}

	return Result{
		Stages:       p.stages,
		Durations:    p.durations,
		Controller:   p.ctrl.Summary(p.cfg.AutoStride),
		Oracle:       oracleM,
		Verify:       verifyC,
		FramesTotal:  p.frameCounter,
		UnknownTotal: p.unknownFrames,
		KBSize:       p.bank.Count(),
		Backend:      p.bank.Backend(),
	}
}
