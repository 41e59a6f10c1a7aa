// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Package-level Prometheus instruments, registered once via promauto.
// Only in-process counters/histograms are exported this way; nothing here
// opens a network listener, so the hot-loop purity invariant is unaffected.
var (
	oracleDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vision",
		Subsystem: "oracle",
		Name:      "queue_depth",
		Help:      "Current depth of the Candidate Oracle's bounded queue.",
	})

	oracleShedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vision",
		Subsystem: "oracle",
		Name:      "shed_total",
		Help:      "Total candidates dropped from the Oracle queue on overflow.",
	})

	verifyOutcomeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vision",
		Subsystem: "verify",
		Name:      "outcome_total",
		Help:      "Verify decisions by outcome: accepted, rejected.",
	}, []string{"outcome"})

	controllerStrideChangeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vision",
		Subsystem: "controller",
		Name:      "stride_change_total",
		Help:      "Controller stride changes by direction: up, down.",
	}, []string{"direction"})

	frameLatencyMs = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vision",
		Subsystem: "pipeline",
		Name:      "frame_latency_ms",
		Help:      "Per-frame processed latency in milliseconds.",
		Buckets:   []float64{1, 2, 5, 10, 20, 33, 50, 66, 100, 200},
	})
)

// pipelineTracerName is the shared OTel tracer name for per-frame spans.
const pipelineTracerName = "vision.pipeline"

// ObserveOracleDepth records the Oracle's current queue depth.
func ObserveOracleDepth(depth int) { oracleDepth.Set(float64(depth)) }

// ObserveOracleShed increments the shed counter by delta newly-shed
// candidates since the last observation.
func ObserveOracleShed(delta uint64) {
	if delta > 0 {
		oracleShedTotal.Add(float64(delta))
	}
}

// ObserveVerifyOutcome increments the outcome counter for one Verify call.
func ObserveVerifyOutcome(accepted bool) {
	if accepted {
		verifyOutcomeTotal.WithLabelValues("accepted").Inc()
	} else {
		verifyOutcomeTotal.WithLabelValues("rejected").Inc()
	}
}

// ObserveStrideChange increments the stride-change counter for the given
// direction ("up" or "down").
func ObserveStrideChange(direction string) {
	controllerStrideChangeTotal.WithLabelValues(direction).Inc()
}

// ObserveFrameLatency records one processed frame's duration into the
// Prometheus histogram, mirroring what StageTimings records for the CSV
// artifact but kept in the in-process registry.
func ObserveFrameLatency(ms float64) { frameLatencyMs.Observe(ms) }

// Provider owns the OTel tracer and meter providers for one run. Both
// export to stdout only — there is no OTLP/gRPC exporter wired, which would
// violate the hot-loop purity invariant the moment a span or metric batch
// flushed over the network.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *metric.MeterProvider
	tracer         trace.Tracer
}

// NewProvider constructs stdout-only tracer and meter providers, writing
// their export stream to w (typically an in-memory buffer or os.DevNull
// during a gated run, or a debug file when tracing is requested).
func NewProvider(ctx context.Context, w io.Writer) (*Provider, error) {
	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, fmt.Errorf("telemetry: stdout trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter))

	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("telemetry: stdout metric exporter: %w", err)
	}
	mp := metric.NewMeterProvider(metric.WithReader(metric.NewPeriodicReader(metricExporter)))

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return &Provider{
		tracerProvider: tp,
		meterProvider:  mp,
		tracer:         tp.Tracer(pipelineTracerName),
	}, nil
}

// StartFrameSpan starts a "vision.pipeline.Frame" span for one frame,
// tagged with its sequence number. The caller must End() the returned span.
func (p *Provider) StartFrameSpan(ctx context.Context, frameSeq uint64) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "vision.pipeline.Frame",
		trace.WithAttributes(attribute.Int64("vision.frame_seq", int64(frameSeq))))
}

// Shutdown flushes and shuts down both providers. Must be called after the
// last frame and before the process exits, so buffered spans/metrics are
// not lost — but strictly after the hot loop's purity-guarded window ends,
// since flush here is explicitly allowed to touch the export writer.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("telemetry: shutdown tracer provider: %w", err)
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("telemetry: shutdown meter provider: %w", err)
	}
	return nil
}
