// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for engine operations.
var (
	tracer = otel.Tracer("indexgate.engine")
	meter  = otel.Meter("indexgate.engine")
)

var (
	callLatency  metric.Float64Histogram
	callTotal    metric.Int64Counter
	spawnTotal   metric.Int64Counter
	payloadBytes metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		callLatency, err = meter.Float64Histogram(
			"indexgate_engine_call_duration_seconds",
			metric.WithDescription("Duration of engine round trips"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		callTotal, err = meter.Int64Counter(
			"indexgate_engine_call_total",
			metric.WithDescription("Total number of engine calls by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		spawnTotal, err = meter.Int64Counter(
			"indexgate_engine_spawn_total",
			metric.WithDescription("Total number of engine spawn attempts"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		payloadBytes, err = meter.Int64Histogram(
			"indexgate_engine_response_bytes",
			metric.WithDescription("Size of engine response lines"),
			metric.WithUnit("By"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startCallSpan creates a span for one engine round trip.
func startCallSpan(ctx context.Context, gen uint64, requestBytes int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Engine.Call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int64("engine.generation", int64(gen)),
			attribute.Int("engine.request_bytes", requestBytes),
		),
	)
}

// recordCallMetrics records the outcome of one engine round trip.
func recordCallMetrics(ctx context.Context, outcome string, duration time.Duration, responseBytes int) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	callLatency.Record(ctx, duration.Seconds(), attrs)
	callTotal.Add(ctx, 1, attrs)

	if outcome == OutcomeOK {
		payloadBytes.Record(ctx, int64(responseBytes))
	}
}

// recordSpawn records a spawn attempt.
func recordSpawn(ctx context.Context, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	spawnTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}
