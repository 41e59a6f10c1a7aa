// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// visiond is the hot-loop runner: it wires a frame source, the LabelBank,
// the Controller, the Candidate Oracle, Verify, the Evidence Ledger, and
// Telemetry into one pipeline.Run, then emits the MatchResult stream plus
// metrics.json and stage_timings.csv.
//
// Usage:
//
//	visiond run --fixture frames.jsonl --kb shard.bin --out ./out
//
// Exit codes: 0 success, 2 user/data error (including a gate-mode budget
// or band violation). Code 3 (missing optional dependency) is reserved in
// package errs; no path in visiond returns it.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/matthewtpapa/vision/services/vision/config"
	"github.com/matthewtpapa/vision/services/vision/errs"
	"github.com/matthewtpapa/vision/services/vision/labelbank"
	"github.com/matthewtpapa/vision/services/vision/ledger"
	"github.com/matthewtpapa/vision/services/vision/oracle"
	"github.com/matthewtpapa/vision/services/vision/pipeline"
	"github.com/matthewtpapa/vision/services/vision/purity"
	"github.com/matthewtpapa/vision/services/vision/telemetry"
	"github.com/matthewtpapa/vision/services/vision/types"
	"github.com/matthewtpapa/vision/services/vision/verify"
	"github.com/matthewtpapa/vision/services/vision/verifygallery"
	storagebadger "github.com/matthewtpapa/vision/storage/badger"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run builds and executes the cobra command tree, returning a process exit
// code rather than calling os.Exit directly, so tests can drive it.
func run(args []string, stdout, stderr io.Writer) int {
	var (
		manifestPath        string
		fixturePath         string
		kbPath              string
		galleryDir          string
		ledgerPath          string
		outDir              string
		budgetOverride      int
		haveBudgetFlag      bool
		autoStrideFlag      bool
		haveStrideFlag      bool
		frameStrideOverride int
		haveFrameStrideFlag bool
		gateMode            bool
		liveMode            bool
		oracleRatePerSec    float64
		exitCode            int
	)

	root := &cobra.Command{
		Use:           "visiond",
		Short:         "latency-bounded open-set visual recognition hot loop",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "process a frame fixture through the recognition pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var overrides config.Overrides
			if haveBudgetFlag {
				overrides.LatencyBudgetMs = &budgetOverride
			}
			if kbPath != "" {
				overrides.KBJSONPath = &kbPath
			}
			if haveStrideFlag {
				overrides.AutoStride = &autoStrideFlag
			}
			if haveFrameStrideFlag {
				overrides.FrameStride = &frameStrideOverride
			}

			cfg, err := config.Resolve(manifestPath, overrides)
			if err != nil {
				return err
			}

			code, runErr := execute(cmd.Context(), cfg, execOpts{
				fixturePath:      fixturePath,
				galleryDir:       galleryDir,
				ledgerPath:       ledgerPath,
				outDir:           outDir,
				gateMode:         gateMode,
				liveMode:         liveMode,
				oracleRatePerSec: oracleRatePerSec,
				stdout:           stdout,
			})
			exitCode = code
			return runErr
		},
	}

	runCmd.Flags().StringVar(&manifestPath, "config", "", "path to a YAML config manifest")
	runCmd.Flags().StringVar(&fixturePath, "fixture", "", "path to a JSONL frame fixture (required)")
	runCmd.Flags().StringVar(&kbPath, "kb", "", "path to the LabelBank shard file (overrides config)")
	runCmd.Flags().StringVar(&galleryDir, "gallery-db", "", "path to the curated gallery BadgerDB directory")
	runCmd.Flags().StringVar(&ledgerPath, "ledger", "", "path to the Evidence Ledger JSONL file (required)")
	runCmd.Flags().StringVar(&outDir, "out", ".", "directory to write metrics.json and stage_timings.csv into")
	runCmd.Flags().IntVar(&budgetOverride, "latency-budget-ms", 0, "override latency.budget_ms")
	runCmd.Flags().BoolVar(&autoStrideFlag, "auto-stride", true, "override pipeline.auto_stride")
	runCmd.Flags().IntVar(&frameStrideOverride, "frame-stride", 1, "override pipeline.frame_stride")
	runCmd.Flags().BoolVar(&gateMode, "gate", false, "exit 2 if the final budget or unknown-rate band is violated")
	runCmd.Flags().BoolVar(&liveMode, "live", false, "persist accepted Oracle candidates to the Evidence Ledger (default: shadow mode, telemetry only)")
	runCmd.Flags().Float64Var(&oracleRatePerSec, "oracle-rate", 20, "max candidates per second dispatched from the Oracle to Verify")
	_ = runCmd.MarkFlagRequired("fixture")
	_ = runCmd.MarkFlagRequired("ledger")

	runCmd.PreRunE = func(cmd *cobra.Command, _ []string) error {
		haveBudgetFlag = cmd.Flags().Changed("latency-budget-ms")
		haveStrideFlag = cmd.Flags().Changed("auto-stride")
		haveFrameStrideFlag = cmd.Flags().Changed("frame-stride")
		return nil
	}

	root.AddCommand(runCmd)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "visiond: %v\n", err)
		if exitCode == 0 {
			exitCode = errs.ExitCode(err)
		}
		return exitCode
	}
	return exitCode
}

type execOpts struct {
	fixturePath      string
	galleryDir       string
	ledgerPath       string
	outDir           string
	gateMode         bool
	liveMode         bool
	oracleRatePerSec float64
	stdout           io.Writer
}

// execute wires every component and runs the pipeline once. It returns the
// process exit code alongside the error that produced it, since a
// BudgetBreach/band violation in gate mode is non-fatal to artifact
// emission but still must exit non-zero.
func execute(ctx context.Context, cfg *config.Config, o execOpts) (int, error) {
	startupBegin := time.Now()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if o.fixturePath == "" {
		return errs.ExitDataOrConfigError, errs.NewDataError("--fixture is required")
	}

	bank, err := labelbank.Open(cfg.KBJSONPath, 0)
	if err != nil {
		return errs.ExitCode(err), fmt.Errorf("open labelbank shard: %w", err)
	}
	defer bank.Close()

	source, err := newFixtureSource(o.fixturePath)
	if err != nil {
		return errs.ExitDataOrConfigError, fmt.Errorf("load fixture: %w", err)
	}
	if source.Len() == 0 {
		return errs.ExitDataOrConfigError, errs.NewDataError("fixture %s has zero frames", o.fixturePath)
	}

	ledgerW, err := ledger.Open(o.ledgerPath)
	if err != nil {
		return errs.ExitCode(err), fmt.Errorf("open ledger: %w", err)
	}

	var gallery *verifygallery.Gallery
	if o.galleryDir != "" {
		db, err := storagebadger.Open(o.galleryDir)
		if err != nil {
			return errs.ExitDataOrConfigError, fmt.Errorf("open gallery db: %w", err)
		}
		defer db.Close()
		store := verifygallery.NewStore(db, logger)
		vectors, err := store.Load(ctx, bank.StructHash())
		if err != nil {
			return errs.ExitDataOrConfigError, fmt.Errorf("load gallery: %w", err)
		}
		gallery = verifygallery.NewGallery(vectors)
	} else {
		gallery = verifygallery.NewGallery(nil)
	}

	verifier := verify.New(gallery, bank.Calibration(), bank.Backend(), logger)

	queue := oracle.New(cfg.OracleMaxLen)
	worker := oracle.NewWorker(queue, verifier, ledgerW, o.oracleRatePerSec, logger)
	worker.Live = o.liveMode

	guard := purity.New(logger)

	sink := newJSONLSink(o.stdout)

	if err := os.MkdirAll(o.outDir, 0o755); err != nil {
		return errs.ExitDataOrConfigError, fmt.Errorf("create out dir: %w", err)
	}
	tracerOut, err := os.Create(o.outDir + "/otel_trace.jsonl")
	if err != nil {
		return errs.ExitDataOrConfigError, fmt.Errorf("create otel trace sink: %w", err)
	}
	defer tracerOut.Close()
	tracer, err := telemetry.NewProvider(ctx, tracerOut)
	if err != nil {
		return errs.ExitDataOrConfigError, fmt.Errorf("start telemetry provider: %w", err)
	}

	p := pipeline.New(pipeline.Deps{
		Config:   cfg,
		Source:   source,
		Embedder: identityEmbedder{},
		Bank:     bank,
		Queue:    queue,
		Worker:   worker,
		Ledger:   ledgerW,
		Verifier: verifier,
		Guard:    guard,
		Sink:     sink,
		Logger:   logger,
		Tracer:   tracer,
	})

	// Cold start covers everything between process entry and the first
	// frame: shard mmap, gallery load, telemetry setup.
	var coldStartMs *float64
	if cfg.DebugColdStart {
		v := float64(time.Since(startupBegin)) / float64(time.Millisecond)
		coldStartMs = &v
	}

	result, runErr := p.Run(ctx)
	if shutdownErr := tracer.Shutdown(ctx); shutdownErr != nil {
		logger.Warn("telemetry provider shutdown failed", "error", shutdownErr)
	}
	if runErr != nil {
		return errs.ExitDataOrConfigError, fmt.Errorf("pipeline run: %w", runErr)
	}

	agg := result.Durations.Summary()
	band := telemetry.UnknownRateBand{Low: cfg.UnknownRateBandLow, High: cfg.UnknownRateBandHigh}
	unknownRate := 0.0
	if result.FramesTotal > 0 {
		unknownRate = float64(result.UnknownTotal) / float64(result.FramesTotal)
	}

	metrics := telemetry.Build(
		telemetry.NewRunID(),
		agg,
		result.Stages.Means(),
		result.KBSize,
		result.Backend,
		result.Controller,
		result.Oracle,
		result.Verify,
		band,
		unknownRate,
		guard.Summary(),
		coldStartMs,
	)

	if err := metrics.WriteFile(o.outDir + "/metrics.json"); err != nil {
		return errs.ExitDataOrConfigError, err
	}
	f, err := os.Create(o.outDir + "/stage_timings.csv")
	if err != nil {
		return errs.ExitDataOrConfigError, fmt.Errorf("create stage_timings.csv: %w", err)
	}
	defer f.Close()
	if err := result.Stages.WriteCSV(f); err != nil {
		return errs.ExitDataOrConfigError, err
	}

	if o.gateMode {
		if breach := result.Controller.P95WindowMs != nil && *result.Controller.P95WindowMs > float64(cfg.LatencyBudgetMs); breach {
			return errs.ExitDataOrConfigError, &errs.BudgetBreachError{P95Ms: *result.Controller.P95WindowMs, BudgetMs: cfg.LatencyBudgetMs}
		}
		if unknownRate < cfg.UnknownRateBandLow || unknownRate > cfg.UnknownRateBandHigh {
			return errs.ExitDataOrConfigError, errs.NewDataError("unknown rate %.4f outside band [%.4f, %.4f]", unknownRate, cfg.UnknownRateBandLow, cfg.UnknownRateBandHigh)
		}
		if !guard.Summary().Clean() {
			return errs.ExitDataOrConfigError, errs.NewDataError("purity violation: %+v", guard.Summary())
		}
	}

	return errs.ExitOK, nil
}

// identityEmbedder treats a fixture frame's pre-computed vector as the
// embedding: the embedder model is an external collaborator, so a fixture
// harness supplies already-embedded frames the same way a recorded
// evaluation set would.
type identityEmbedder struct{}

func (identityEmbedder) Embed(_ context.Context, frame pipeline.Frame, _ *types.BBox) (types.Embedding, error) {
	vec, ok := frame.Data.([]float32)
	if !ok {
		return types.Embedding{}, errs.NewDataError("fixture frame has no embedding vector")
	}
	return types.Embedding{Vector: vec, Dim: len(vec)}, nil
}
