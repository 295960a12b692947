// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability holds the gateway's Prometheus metrics.
//
// Metrics implements engine.Observer and bench.Observer so the supervisor
// and the trigger report into it directly; handlers record call outcomes.
package observability

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/IndexGate/services/gateway/engine"
	"github.com/AleutianAI/IndexGate/services/gateway/snapshot"
)

const (
	namespace = "indexgate"
	subsystem = "gateway"
)

// Call kinds.
const (
	KindQuery   = "query"
	KindRunPerf = "run_perf"
)

// Metrics is the gateway metric set.
//
// Thread Safety: Safe for concurrent use.
type Metrics struct {
	engineCalls     *prometheus.CounterVec
	engineCallTime  *prometheus.HistogramVec
	engineUp        prometheus.Gauge
	engineStarts    prometheus.Counter
	engineRestarts  prometheus.Counter
	engineExits     *prometheus.CounterVec
	stragglers      prometheus.Counter
	refreshSkipped  *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	refreshTime     prometheus.Histogram
	snapshotUpdates *prometheus.CounterVec
	wsClients       prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec

	started atomic.Bool
}

// New registers the gateway metrics with reg. Nil means the default
// registry. Registering twice on the same registry panics.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		engineCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "engine_calls_total",
			Help:      "Foreground engine calls by kind and outcome",
		}, []string{"kind", "outcome"}),

		engineCallTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "engine_call_duration_seconds",
			Help:      "Foreground engine call latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 60},
		}, []string{"kind"}),

		engineUp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "engine_up",
			Help:      "1 while an engine process is running",
		}),

		engineStarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "engine_starts_total",
			Help:      "Engine processes started",
		}),

		engineRestarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "engine_restarts_total",
			Help:      "Engine processes started to replace an exited one",
		}),

		engineExits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "engine_exits_total",
			Help:      "Engine process exits by exit code or signal",
		}, []string{"reason"}),

		stragglers: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "engine_stragglers_total",
			Help:      "Engine output lines dropped because no call was waiting for them",
		}),

		refreshSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "refresh_skipped_total",
			Help:      "Benchmark refresh kicks that did not dispatch, by reason",
		}, []string{"reason"}),

		refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "refresh_total",
			Help:      "Background benchmark refreshes by outcome",
		}, []string{"outcome"}),

		refreshTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "refresh_duration_seconds",
			Help:      "Background benchmark refresh duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),

		snapshotUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "snapshot_updates_total",
			Help:      "Snapshot file changes seen by the watcher, by type",
		}, []string{"type"}),

		wsClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "websocket_clients",
			Help:      "Connected snapshot update subscribers",
		}),

		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),

		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// EngineStarted implements engine.Observer.
func (m *Metrics) EngineStarted(pid int) {
	m.engineStarts.Inc()
	if m.started.Swap(true) {
		m.engineRestarts.Inc()
	}
	m.engineUp.Set(1)
}

// EngineExited implements engine.Observer.
func (m *Metrics) EngineExited(info engine.ExitInfo) {
	m.engineUp.Set(0)
	reason := "code_" + strconv.Itoa(info.Code)
	if info.Signal != "" {
		reason = info.Signal
	}
	m.engineExits.WithLabelValues(reason).Inc()
}

// StragglerDropped implements engine.Observer.
func (m *Metrics) StragglerDropped() {
	m.stragglers.Inc()
}

// RefreshSkipped implements bench.Observer.
func (m *Metrics) RefreshSkipped(reason string) {
	m.refreshSkipped.WithLabelValues(reason).Inc()
}

// RefreshFinished implements bench.Observer.
func (m *Metrics) RefreshFinished(outcome string, d time.Duration) {
	m.refreshes.WithLabelValues(outcome).Inc()
	m.refreshTime.Observe(d.Seconds())
}

// ObserveCall records a foreground engine call.
func (m *Metrics) ObserveCall(kind, outcome string, d time.Duration) {
	m.engineCalls.WithLabelValues(kind, outcome).Inc()
	m.engineCallTime.WithLabelValues(kind).Observe(d.Seconds())
}

// SnapshotUpdated records a watcher notification.
func (m *Metrics) SnapshotUpdated(u snapshot.Update) {
	m.snapshotUpdates.WithLabelValues(u.Type).Inc()
}

// WebsocketConnected adjusts the subscriber gauge by delta.
func (m *Metrics) WebsocketConnected(delta int) {
	m.wsClients.Add(float64(delta))
}

// ObserveHTTP records a served request. route is the matched route pattern,
// not the raw path.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
