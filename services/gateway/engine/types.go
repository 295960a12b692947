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
	"fmt"
	"log/slog"
	"time"
)

// Payload is an opaque request or response line. It never contains the
// trailing newline.
type Payload []byte

// State represents the lifecycle state of the engine process.
type State int

const (
	// StateIdle is the initial state before Start is called.
	StateIdle State = iota

	// StateRunning means an engine process is alive and attached.
	StateRunning

	// StateRestarting means the engine exited and a respawn is scheduled.
	StateRestarting

	// StateStopping means Shutdown is terminating the engine.
	StateStopping

	// StateStopped means the supervisor has shut down.
	StateStopped
)

// String returns a human-readable state name.
func (s State) String() string {
	names := []string{"idle", "running", "restarting", "stopping", "stopped"}
	if s >= 0 && int(s) < len(names) {
		return names[s]
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// StderrMode selects what happens to the engine's standard error.
type StderrMode string

const (
	// StderrInherit passes the engine's stderr through to the gateway's.
	StderrInherit StderrMode = "inherit"

	// StderrLog logs each stderr line at Warn.
	StderrLog StderrMode = "log"
)

// Config configures the engine Supervisor.
type Config struct {
	// Path is the engine binary.
	Path string

	// Args are passed to the engine verbatim.
	Args []string

	// Dir is the engine's working directory. Empty means the gateway's.
	Dir string

	// Env is appended to the gateway's environment.
	Env []string

	// RestartDelay is the cool-down between an exit and the next spawn.
	RestartDelay time.Duration

	// StopGrace is how long Shutdown waits after SIGTERM before SIGKILL.
	StopGrace time.Duration

	// MaxLineBytes bounds a partial response line. Zero means unbounded.
	MaxLineBytes int

	// Stderr selects stderr handling. Empty means StderrInherit.
	Stderr StderrMode

	// Logger receives supervisor logs. Nil means slog.Default().
	Logger *slog.Logger

	// Observer receives lifecycle events. May be nil.
	Observer Observer
}

// DefaultConfig returns the default supervisor configuration for path.
func DefaultConfig(path string) Config {
	return Config{
		Path:         path,
		RestartDelay: time.Second,
		StopGrace:    5 * time.Second,
		MaxLineBytes: 10 << 20,
		Stderr:       StderrInherit,
	}
}

// Observer receives engine lifecycle events. Implementations must not block.
type Observer interface {
	// EngineStarted is called after each successful spawn.
	EngineStarted(pid int)

	// EngineExited is called after each exit is observed.
	EngineExited(info ExitInfo)

	// StragglerDropped is called for every response line that matched no
	// pending call.
	StragglerDropped()
}

// ExitInfo describes how an engine process terminated.
type ExitInfo struct {
	PID    int       `json:"pid"`
	Code   int       `json:"code"`
	Signal string    `json:"signal,omitempty"`
	At     time.Time `json:"at"`
}

// String formats the exit for logs and error messages.
func (e ExitInfo) String() string {
	if e.Signal != "" {
		return fmt.Sprintf("pid %d killed by %s", e.PID, e.Signal)
	}
	return fmt.Sprintf("pid %d exited with code %d", e.PID, e.Code)
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	State      State     `json:"-"`
	StateName  string    `json:"state"`
	PID        int       `json:"pid,omitempty"`
	Generation uint64    `json:"generation"`
	Restarts   uint64    `json:"restarts"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	LastExit   *ExitInfo `json:"last_exit,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Pending    bool      `json:"pending"`
	Stragglers uint64    `json:"stragglers"`
}
