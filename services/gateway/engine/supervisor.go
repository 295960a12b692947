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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/IndexGate/pkg/telemetry"
)

const (
	// readChunkSize is the stdout read buffer size.
	readChunkSize = 32 * 1024

	// drainTimeout bounds how long the monitor waits for buffered output
	// after the engine has been reaped. Helpers that inherited the pipe can
	// otherwise hold it open indefinitely.
	drainTimeout = 250 * time.Millisecond
)

// Supervisor owns the engine process.
//
// Description:
//
//	Start spawns the engine with piped stdin and stdout. A monitor goroutine
//	per process feeds stdout through a Framer into the Correlator and reaps
//	the process. Any exit not requested by Shutdown fails the pending call
//	and schedules a respawn after RestartDelay. Spawn failures are logged
//	and retried on the same schedule; they never stop the supervisor.
//
// Thread Safety: Safe for concurrent use.
type Supervisor struct {
	cfg      Config
	logger   *slog.Logger
	observer Observer
	corr     *Correlator

	mu        sync.Mutex
	state     State
	gen       uint64
	pid       int
	stdin     *os.File
	startedAt time.Time
	lastExit  *ExitInfo
	lastErr   error
	procDone  chan struct{}
	restart   *time.Timer
	stopping  bool

	// wg tracks monitor goroutines and scheduled restarts.
	wg      sync.WaitGroup
	stopped chan struct{}
}

// NewSupervisor creates a Supervisor. The engine is not started.
//
// Inputs:
//
//	cfg - Supervisor configuration. Path is required; zero durations and
//	an empty Stderr mode take their defaults.
//
// Outputs:
//
//	*Supervisor - The supervisor. Caller must call Shutdown().
//	error - ErrEnginePathRequired if cfg.Path is empty.
func NewSupervisor(cfg Config) (*Supervisor, error) {
	if cfg.Path == "" {
		return nil, ErrEnginePathRequired
	}
	defaults := DefaultConfig(cfg.Path)
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaults.RestartDelay
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaults.StopGrace
	}
	if cfg.Stderr == "" {
		cfg.Stderr = defaults.Stderr
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "engine"))

	s := &Supervisor{
		cfg:      cfg,
		logger:   logger,
		observer: cfg.Observer,
		corr:     NewCorrelator(logger),
		state:    StateIdle,
		stopped:  make(chan struct{}),
	}
	s.corr.onWriteFailure = s.handleWriteFailure
	if s.observer != nil {
		s.corr.onStraggler = s.observer.StragglerDropped
	}
	return s, nil
}

// Start spawns the engine if it is not already running.
//
// Description:
//
//	Calling Start while a respawn is scheduled spawns immediately and
//	cancels the scheduled attempt. If the spawn fails the error is logged,
//	a retry is scheduled after RestartDelay, and the error is returned.
//
// Outputs:
//
//	error - ErrShutdown after Shutdown, or the spawn error.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return ErrShutdown
	}
	if s.state == StateRunning {
		return nil
	}
	s.cancelRestartLocked()

	if err := s.spawnLocked(); err != nil {
		s.scheduleRestartLocked()
		return err
	}
	return nil
}

// Call sends payload to the engine and waits for its response line.
//
// See Correlator.Call for the error contract.
func (s *Supervisor) Call(ctx context.Context, payload Payload, timeout time.Duration) (Payload, error) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	ctx, span := startCallSpan(ctx, gen, len(payload))
	defer span.End()

	start := time.Now()
	resp, err := s.corr.Call(ctx, payload, timeout)
	outcome := Outcome(err)

	recordCallMetrics(ctx, outcome, time.Since(start), len(resp))
	span.SetAttributes(
		attribute.String("engine.outcome", outcome),
		attribute.Int("engine.response_bytes", len(resp)),
	)
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.SetSpanOK(span)
	}
	return resp, err
}

// Ready reports whether an engine is attached and accepting calls.
func (s *Supervisor) Ready() bool {
	return s.corr.Ready()
}

// PID returns the live engine pid, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// Status returns a snapshot of the supervisor state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{
		State:      s.state,
		StateName:  s.state.String(),
		PID:        s.pid,
		Generation: s.gen,
		StartedAt:  s.startedAt,
	}
	if s.gen > 1 {
		st.Restarts = s.gen - 1
	}
	if s.lastExit != nil {
		exit := *s.lastExit
		st.LastExit = &exit
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.mu.Unlock()

	st.Pending = s.corr.Pending()
	st.Stragglers = s.corr.Stragglers()
	return st
}

// Shutdown stops restarts and terminates the engine.
//
// Description:
//
//	Fails the pending call with ErrProcessExited, closes the engine's stdin,
//	sends SIGTERM to its process group and escalates to SIGKILL after
//	StopGrace or when ctx is done. Returns once every supervisor goroutine
//	has exited. Safe to call multiple times.
//
// Outputs:
//
//	error - ctx.Err() if the context ended before a graceful stop.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		select {
		case <-s.stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.stopping = true
	s.cancelRestartLocked()
	gen, pid, stdin, done := s.gen, s.pid, s.stdin, s.procDone
	running := s.state == StateRunning
	s.state = StateStopping
	s.mu.Unlock()

	s.corr.Detach(gen, fmt.Errorf("%w: gateway shutting down", ErrProcessExited))

	var err error
	if running && done != nil {
		if stdin != nil {
			_ = stdin.Close()
		}
		if termErr := terminate(pid); termErr != nil {
			s.logger.Warn("failed to signal engine", slog.Int("pid", pid), slog.String("error", termErr.Error()))
		}

		grace := time.NewTimer(s.cfg.StopGrace)
		defer grace.Stop()

		select {
		case <-done:
		case <-grace.C:
			s.logger.Warn("engine did not stop in time, killing", slog.Int("pid", pid))
			_ = kill(pid)
			<-done
		case <-ctx.Done():
			_ = kill(pid)
			<-done
			err = ctx.Err()
		}
	}

	s.wg.Wait()

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	close(s.stopped)

	s.logger.Info("engine supervisor stopped")
	return err
}

// spawnLocked starts a new engine process. Caller holds mu.
func (s *Supervisor) spawnLocked() error {
	cmd := exec.Command(s.cfg.Path, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}
	setProcAttr(cmd)

	files, err := newProcPipes(s.cfg.Stderr == StderrLog)
	if err != nil {
		return s.spawnFailedLocked(err)
	}
	cmd.Stdin = files.stdinR
	cmd.Stdout = files.stdoutW
	if files.stderrW != nil {
		cmd.Stderr = files.stderrW
	} else {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		files.closeAll()
		return s.spawnFailedLocked(err)
	}
	files.closeChildEnds()

	s.gen++
	gen := s.gen
	pid := cmd.Process.Pid
	done := make(chan struct{})

	s.pid = pid
	s.stdin = files.stdinW
	s.startedAt = time.Now()
	s.lastErr = nil
	s.procDone = done
	s.state = StateRunning

	s.corr.Attach(gen, files.stdinW)

	s.wg.Add(1)
	go s.monitor(cmd, gen, files, done)

	s.logger.Info("engine spawned",
		slog.Int("pid", pid),
		slog.Uint64("generation", gen),
		slog.String("path", s.cfg.Path),
	)
	recordSpawn(context.Background(), true)
	if s.observer != nil {
		s.observer.EngineStarted(pid)
	}
	return nil
}

func (s *Supervisor) spawnFailedLocked(err error) error {
	err = fmt.Errorf("start engine %s: %w", s.cfg.Path, err)
	s.lastErr = err
	s.logger.Error("engine spawn failed",
		slog.String("path", s.cfg.Path),
		slog.String("error", err.Error()),
	)
	recordSpawn(context.Background(), false)
	return err
}

// scheduleRestartLocked arms the respawn timer. Caller holds mu.
func (s *Supervisor) scheduleRestartLocked() {
	s.state = StateRestarting
	s.wg.Add(1)
	s.restart = time.AfterFunc(s.cfg.RestartDelay, s.restartNow)
}

// cancelRestartLocked disarms a pending respawn. Caller holds mu.
func (s *Supervisor) cancelRestartLocked() {
	if s.restart == nil {
		return
	}
	if s.restart.Stop() {
		s.wg.Done()
	}
	s.restart = nil
}

func (s *Supervisor) restartNow() {
	defer s.wg.Done()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.restart = nil
	if s.stopping || s.state == StateRunning {
		return
	}
	if err := s.spawnLocked(); err != nil {
		s.scheduleRestartLocked()
	}
}

// monitor pumps stdout into the correlator and reaps the process.
func (s *Supervisor) monitor(cmd *exec.Cmd, gen uint64, files *procPipes, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)

	pid := cmd.Process.Pid

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.readLoop(gen, files.stdoutR)
	}()

	var stderrDone chan struct{}
	if files.stderrR != nil {
		stderrDone = make(chan struct{})
		go func() {
			defer close(stderrDone)
			s.logStderr(pid, files.stderrR)
		}()
	}

	waitErr := cmd.Wait()

	s.mu.Lock()
	if s.gen == gen {
		s.pid = 0
	}
	s.mu.Unlock()

	drain(readDone, files.stdoutR)
	if stderrDone != nil {
		drain(stderrDone, files.stderrR)
	}
	_ = files.stdinW.Close()

	info := ExitInfo{PID: pid, Code: -1, At: time.Now()}
	if cmd.ProcessState != nil {
		info.Code = cmd.ProcessState.ExitCode()
		info.Signal = exitSignal(cmd.ProcessState)
	}

	s.corr.Detach(gen, fmt.Errorf("%w: %s", ErrProcessExited, info))
	s.handleExit(gen, info, waitErr)
}

// drain waits briefly for a reader goroutine to reach EOF, then closes its
// pipe to unblock it.
func drain(readerDone <-chan struct{}, f *os.File) {
	select {
	case <-readerDone:
	case <-time.After(drainTimeout):
		_ = f.Close()
		<-readerDone
	}
	_ = f.Close()
}

func (s *Supervisor) handleExit(gen uint64, info ExitInfo, waitErr error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.lastExit = &info
	s.stdin = nil
	s.pid = 0

	if s.stopping {
		s.mu.Unlock()
		s.logger.Info("engine stopped",
			slog.Int("pid", info.PID),
			slog.Int("exit_code", info.Code),
			slog.String("signal", info.Signal),
		)
		s.notifyExit(info)
		return
	}

	s.scheduleRestartLocked()
	s.mu.Unlock()

	attrs := []any{
		slog.Int("pid", info.PID),
		slog.Int("exit_code", info.Code),
		slog.String("signal", info.Signal),
		slog.Duration("restart_in", s.cfg.RestartDelay),
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		attrs = append(attrs, slog.String("error", waitErr.Error()))
	}
	s.logger.Warn("engine exited, restarting", attrs...)
	s.notifyExit(info)
}

func (s *Supervisor) notifyExit(info ExitInfo) {
	if s.observer != nil {
		s.observer.EngineExited(info)
	}
}

// handleWriteFailure kills an engine whose input stream can no longer be
// trusted. The normal exit path then respawns it.
func (s *Supervisor) handleWriteFailure(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateRunning || s.pid == 0 {
		s.mu.Unlock()
		return
	}
	pid := s.pid
	s.mu.Unlock()

	s.logger.Error("engine input stream failed, terminating engine",
		slog.Int("pid", pid),
		slog.String("error", err.Error()),
	)
	_ = kill(pid)
}

func (s *Supervisor) readLoop(gen uint64, r io.Reader) {
	framer := NewFramer(s.cfg.MaxLineBytes)
	buf := make([]byte, readChunkSize)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, fr := range framer.Feed(buf[:n]) {
				if fr.Err != nil {
					s.logger.Warn("discarding oversized engine output line",
						slog.Uint64("generation", gen),
						slog.Int("max_line_bytes", s.cfg.MaxLineBytes),
					)
					s.corr.Skip(gen, fmt.Errorf("%w: limit %d bytes", fr.Err, s.cfg.MaxLineBytes))
					continue
				}
				s.corr.Deliver(gen, fr.Line)
			}
		}
		if err != nil {
			if framer.Buffered() > 0 {
				s.logger.Debug("engine output ended mid-line",
					slog.Uint64("generation", gen),
					slog.Int("buffered_bytes", framer.Buffered()),
				)
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.logger.Warn("engine stdout read failed", slog.String("error", err.Error()))
			}
			return
		}
	}
}

// logStderr logs each engine stderr line. Oversized lines end scanning but
// the pipe keeps draining so the engine never blocks on stderr.
func (s *Supervisor) logStderr(pid int, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			s.logger.Warn("engine stderr", slog.Int("pid", pid), slog.String("line", line))
		}
	}
	_, _ = io.Copy(io.Discard, r)
}

// procPipes holds both ends of the engine's standard streams.
type procPipes struct {
	stdinR, stdinW   *os.File
	stdoutR, stdoutW *os.File
	stderrR, stderrW *os.File
}

func newProcPipes(withStderr bool) (*procPipes, error) {
	p := &procPipes{}
	var err error
	if p.stdinR, p.stdinW, err = os.Pipe(); err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	if p.stdoutR, p.stdoutW, err = os.Pipe(); err != nil {
		p.closeAll()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if withStderr {
		if p.stderrR, p.stderrW, err = os.Pipe(); err != nil {
			p.closeAll()
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}
	}
	return p, nil
}

// closeChildEnds closes the descriptors inherited by the child.
func (p *procPipes) closeChildEnds() {
	for _, f := range []*os.File{p.stdinR, p.stdoutW, p.stderrW} {
		if f != nil {
			_ = f.Close()
		}
	}
}

func (p *procPipes) closeAll() {
	p.closeChildEnds()
	for _, f := range []*os.File{p.stdinW, p.stdoutR, p.stderrR} {
		if f != nil {
			_ = f.Close()
		}
	}
}
