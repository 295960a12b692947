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
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats is a resource snapshot of the engine process.
//
// Fields the platform cannot report are left zero.
type ProcessStats struct {
	PID        int     `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	NumFDs     int32   `json:"num_fds"`
	NumThreads int32   `json:"num_threads"`
}

// Stats samples the live engine process. Returns ErrNotReady when no
// engine is running.
func (s *Supervisor) Stats(ctx context.Context) (ProcessStats, error) {
	pid := s.PID()
	if pid == 0 {
		return ProcessStats{}, ErrNotReady
	}
	return SampleProcess(ctx, pid)
}

// SampleProcess reads resource usage for pid via gopsutil.
func SampleProcess(ctx context.Context, pid int) (ProcessStats, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ProcessStats{}, fmt.Errorf("inspect process %d: %w", pid, err)
	}

	stats := ProcessStats{PID: pid}

	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	if fds, err := proc.NumFDsWithContext(ctx); err == nil {
		stats.NumFDs = fds
	}
	if threads, err := proc.NumThreadsWithContext(ctx); err == nil {
		stats.NumThreads = threads
	}
	return stats, nil
}
