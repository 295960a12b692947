// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/IndexGate/services/gateway/bench"
	"github.com/AleutianAI/IndexGate/services/gateway/config"
	"github.com/AleutianAI/IndexGate/services/gateway/engine"
	"github.com/AleutianAI/IndexGate/services/gateway/observability"
	"github.com/AleutianAI/IndexGate/services/gateway/snapshot"
)

// Version is the gateway version reported by /health. Overridden at build
// time with -ldflags.
var Version = "0.1.0"

// Engine is the supervised engine as seen by the gateway.
// *engine.Supervisor implements it.
type Engine interface {
	bench.Caller
	Start() error
	Ready() bool
	Status() engine.Status
	Stats(ctx context.Context) (engine.ProcessStats, error)
	Shutdown(ctx context.Context) error
}

// Options configures New.
type Options struct {
	Config *config.Config

	// Engine replaces the supervisor built from Config.Engine.
	Engine Engine

	// Metrics receives engine, trigger and HTTP events. Nil disables them.
	Metrics *observability.Metrics

	Logger *slog.Logger
}

// Gateway owns the engine, the benchmark trigger and the snapshot
// components for one gateway instance.
//
// Thread Safety: Safe for concurrent use.
type Gateway struct {
	cfg     *config.Config
	engine  Engine
	trigger *bench.Trigger
	limiter *rate.Limiter

	store   *snapshot.Store
	hub     *snapshot.Hub
	watcher *snapshot.Watcher
	archive *snapshot.Archive

	metrics *observability.Metrics
	logger  *slog.Logger
}

// New builds a Gateway. Nothing is started until Start.
func New(opts Options) (*Gateway, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		cfg:     cfg,
		metrics: opts.Metrics,
		logger:  logger,
		store:   snapshot.NewStore(cfg.Snapshot.Path),
		hub:     snapshot.NewHub(),
		limiter: newLimiter(cfg.Server),
	}

	// An injected engine stays owned by the caller.
	var owned *engine.Supervisor
	g.engine = opts.Engine
	if g.engine == nil {
		sup, err := engine.NewSupervisor(g.engineConfig())
		if err != nil {
			return nil, fmt.Errorf("creating engine supervisor: %w", err)
		}
		owned = sup
		g.engine = sup
	}

	triggerCfg := bench.Config{
		Interval: cfg.Refresh.Debounce,
		Timeout:  cfg.Refresh.Timeout,
		Logger:   logger,
	}
	if g.metrics != nil {
		triggerCfg.Observer = g.metrics
	}
	g.trigger = bench.NewTrigger(g.engine, triggerCfg)

	if cfg.Archive.Enabled {
		archive, err := snapshot.OpenArchive(snapshot.ArchiveConfig{
			Dir:        cfg.Archive.Dir,
			MaxEntries: cfg.Archive.MaxEntries,
			Logger:     logger,
		})
		if err != nil {
			_ = g.trigger.Close(context.Background())
			if owned != nil {
				_ = owned.Shutdown(context.Background())
			}
			return nil, err
		}
		g.archive = archive
	}

	if cfg.Snapshot.Watch {
		wcfg := snapshot.WatcherConfig{
			Debounce: cfg.Snapshot.WatchDebounce,
			Archive:  g.archive,
			Logger:   logger,
		}
		if g.metrics != nil {
			wcfg.OnUpdate = g.metrics.SnapshotUpdated
		}
		g.watcher = snapshot.NewWatcher(g.store, g.hub, wcfg)
	}
	return g, nil
}

func (g *Gateway) engineConfig() engine.Config {
	ec := engine.DefaultConfig(g.cfg.Engine.Path)
	ec.Args = g.cfg.Engine.Args
	ec.Dir = g.cfg.Engine.Dir
	ec.Env = g.cfg.Engine.Env
	ec.RestartDelay = g.cfg.Engine.RestartDelay
	ec.StopGrace = g.cfg.Engine.StopGrace
	ec.MaxLineBytes = g.cfg.Engine.MaxLineBytes
	ec.Stderr = engine.StderrMode(g.cfg.Engine.Stderr)
	ec.Logger = g.logger
	if g.metrics != nil {
		ec.Observer = g.metrics
	}
	return ec
}

func newLimiter(s config.ServerConfig) *rate.Limiter {
	if s.RunPerfEvery <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(s.RunPerfEvery), s.RunPerfBurst)
}

// Start spawns the engine. A failed first spawn is logged and retried by
// the supervisor; it does not prevent the gateway from serving.
func (g *Gateway) Start() error {
	if err := g.engine.Start(); err != nil {
		if errors.Is(err, engine.ErrShutdown) {
			return err
		}
		g.logger.Error("engine failed to start, retry scheduled",
			slog.String("path", g.cfg.Engine.Path),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Run runs the snapshot watcher until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	if g.watcher == nil {
		<-ctx.Done()
		return nil
	}
	return g.watcher.Run(ctx)
}

// Shutdown stops the trigger and the engine and closes the snapshot
// components. It is safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error
	if err := g.trigger.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing trigger: %w", err))
	}
	if err := g.engine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping engine: %w", err))
	}
	g.hub.Close()
	if g.archive != nil {
		if err := g.archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing archive: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Query forwards payload to the engine with the query timeout, then kicks
// the benchmark trigger whatever the outcome.
func (g *Gateway) Query(ctx context.Context, payload engine.Payload) (engine.Payload, error) {
	start := time.Now()
	resp, err := g.engine.Call(ctx, payload, g.cfg.Server.QueryTimeout)
	g.observeCall(observability.KindQuery, err, time.Since(start))
	g.KickRefresh()
	return resp, err
}

// KickRefresh asks the trigger for a background benchmark refresh. Every
// POST /query counts, including requests rejected before reaching the engine.
func (g *Gateway) KickRefresh() {
	if !g.cfg.Refresh.Disabled {
		g.trigger.Kick()
	}
}

// RunPerf forces a benchmark run, bypassing the debounce window.
func (g *Gateway) RunPerf(ctx context.Context) (engine.Payload, error) {
	start := time.Now()
	resp, err := g.engine.Call(ctx, bench.RunPerfPayload, g.cfg.Server.RunPerfTimeout)
	g.observeCall(observability.KindRunPerf, err, time.Since(start))
	return resp, err
}

func (g *Gateway) observeCall(kind string, err error, d time.Duration) {
	if g.metrics != nil {
		g.metrics.ObserveCall(kind, engine.Outcome(err), d)
	}
}

// AllowRunPerf takes a token from the forced-benchmark limiter.
func (g *Gateway) AllowRunPerf() bool {
	return g.limiter.Allow()
}

// Snapshot returns the current benchmark snapshot.
func (g *Gateway) Snapshot() (snapshot.Snapshot, error) {
	return g.store.Read()
}

// History lists archived snapshots, newest first.
func (g *Gateway) History(ctx context.Context, limit int) ([]snapshot.Entry, error) {
	if g.archive == nil {
		return nil, snapshot.ErrArchiveDisabled
	}
	return g.archive.List(ctx, limit)
}

// HistoryEntry returns one archived snapshot.
func (g *Gateway) HistoryEntry(ctx context.Context, etag string) (snapshot.Snapshot, error) {
	if g.archive == nil {
		return snapshot.Snapshot{}, snapshot.ErrArchiveDisabled
	}
	return g.archive.Get(ctx, etag)
}

// Subscribe registers for snapshot change notifications.
func (g *Gateway) Subscribe(buffer int) (<-chan snapshot.Update, func()) {
	return g.hub.Subscribe(buffer)
}

// Health gathers the /health report.
func (g *Gateway) Health(ctx context.Context) HealthResponse {
	st := g.engine.Status()
	resp := HealthResponse{
		Status:          "healthy",
		Version:         Version,
		Engine:          st,
		RefreshInFlight: g.trigger.InFlight(),
		Subscribers:     g.hub.Count(),
	}
	if st.State != engine.StateRunning {
		resp.Status = "degraded"
	}
	if last := g.trigger.LastAttempt(); !last.IsZero() {
		resp.LastRefresh = &last
	}
	if stats, err := g.engine.Stats(ctx); err == nil {
		resp.Process = &stats
	}
	if snap, err := g.store.Read(); err == nil {
		updated := snap.ModTime.UTC()
		resp.Snapshot = SnapshotStatus{
			Present:   true,
			ETag:      snap.ETag,
			UpdatedAt: &updated,
			Size:      snap.Size,
		}
	}
	return resp
}

// Ready reports whether the engine is running.
func (g *Gateway) Ready() (bool, engine.State) {
	st := g.engine.Status()
	return st.State == engine.StateRunning, st.State
}

// Config returns the gateway configuration.
func (g *Gateway) Config() *config.Config {
	return g.cfg
}

// Metrics returns the metric set, or nil.
func (g *Gateway) Metrics() *observability.Metrics {
	return g.metrics
}

// Logger returns the gateway logger.
func (g *Gateway) Logger() *slog.Logger {
	return g.logger
}
