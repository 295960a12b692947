// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bench schedules background benchmark refreshes on the engine.
//
// Every foreground query kicks the Trigger. A kick dispatches a refresh call
// only when more than the debounce window has elapsed since the last
// dispatched refresh and no refresh is in flight. Refresh results are discarded;
// failures are logged and never retried until the next kick.
package bench

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/IndexGate/services/gateway/engine"
)

// RunPerfPayload is the reserved control message that makes the engine
// rerun its benchmark and rewrite the snapshot file.
var RunPerfPayload = engine.Payload(`{"queryType":"runPerf"}`)

// Skip reasons reported to the Observer.
const (
	SkipDebounced = "debounced"
	SkipInFlight  = "in_flight"
	SkipClosed    = "closed"
)

// Caller is the subset of the engine supervisor the Trigger needs.
type Caller interface {
	Call(ctx context.Context, payload engine.Payload, timeout time.Duration) (engine.Payload, error)
}

// Observer receives trigger events. Implementations must not block.
type Observer interface {
	RefreshSkipped(reason string)
	RefreshFinished(outcome string, duration time.Duration)
}

// Config configures a Trigger.
type Config struct {
	// Interval is the debounce window. A kick dispatches only when strictly
	// more than Interval has passed since the last dispatched refresh.
	Interval time.Duration

	// Timeout bounds each refresh call.
	Timeout time.Duration

	// Payload is sent for each refresh. Empty means RunPerfPayload.
	Payload engine.Payload

	Logger   *slog.Logger
	Observer Observer
}

// Trigger is the debounced benchmark trigger.
//
// Thread Safety: Safe for concurrent use.
type Trigger struct {
	caller   Caller
	cfg      Config
	logger   *slog.Logger
	observer Observer
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	lastAttempt time.Time
	inFlight    bool
	closed      bool
}

// NewTrigger creates a Trigger that refreshes through caller.
func NewTrigger(caller Caller, cfg Config) *Trigger {
	if cfg.Interval <= 0 {
		cfg.Interval = 750 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if len(cfg.Payload) == 0 {
		cfg.Payload = RunPerfPayload
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Trigger{
		caller:   caller,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "bench_trigger")),
		observer: cfg.Observer,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Kick dispatches a background refresh if the debounce window has elapsed
// and none is in flight. It never blocks on the engine. Reports whether a
// refresh was dispatched.
func (t *Trigger) Kick() bool {
	t.mu.Lock()
	reason := ""
	now := t.now()
	switch {
	case t.closed:
		reason = SkipClosed
	case t.inFlight:
		reason = SkipInFlight
	case !t.lastAttempt.IsZero() && now.Sub(t.lastAttempt) <= t.cfg.Interval:
		reason = SkipDebounced
	}
	if reason != "" {
		t.mu.Unlock()
		if t.observer != nil {
			t.observer.RefreshSkipped(reason)
		}
		return false
	}

	t.lastAttempt = now
	t.inFlight = true
	t.wg.Add(1)
	t.mu.Unlock()

	go t.refresh()
	return true
}

func (t *Trigger) refresh() {
	defer t.wg.Done()

	start := time.Now()
	_, err := t.caller.Call(t.ctx, t.cfg.Payload, t.cfg.Timeout)
	elapsed := time.Since(start)

	t.mu.Lock()
	t.inFlight = false
	t.mu.Unlock()

	outcome := engine.Outcome(err)
	if err != nil {
		t.logger.Warn("benchmark refresh failed",
			slog.String("outcome", outcome),
			slog.String("error", err.Error()),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
		)
	} else {
		t.logger.Debug("benchmark refresh completed",
			slog.Int64("duration_ms", elapsed.Milliseconds()),
		)
	}
	if t.observer != nil {
		t.observer.RefreshFinished(outcome, elapsed)
	}
}

// InFlight reports whether a refresh is running.
func (t *Trigger) InFlight() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight
}

// LastAttempt returns when the last refresh was dispatched, or the zero time.
func (t *Trigger) LastAttempt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastAttempt
}

// Wait blocks until no refresh is running.
func (t *Trigger) Wait() {
	t.wg.Wait()
}

// Close rejects further kicks, cancels a running refresh and waits for it.
func (t *Trigger) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cancel()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
