// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package engine

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcAttr places the engine in its own process group so that helpers it
// forks are terminated with it.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminate asks the engine's process group to exit.
func terminate(pid int) error {
	return signalGroup(pid, unix.SIGTERM)
}

// kill forcibly ends the engine's process group.
func kill(pid int) error {
	return signalGroup(pid, unix.SIGKILL)
}

func signalGroup(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return nil
	}
	groupErr := unix.Kill(-pid, sig)
	if groupErr == nil || errors.Is(groupErr, unix.ESRCH) {
		return nil
	}
	pidErr := unix.Kill(pid, sig)
	if pidErr == nil || errors.Is(pidErr, unix.ESRCH) {
		return nil
	}
	return pidErr
}

// exitSignal returns the terminating signal name, or "" for a normal exit.
func exitSignal(ps *os.ProcessState) string {
	if ps == nil {
		return ""
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return unix.SignalName(ws.Signal())
	}
	return ""
}
