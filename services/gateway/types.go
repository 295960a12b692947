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
	"time"

	"github.com/AleutianAI/IndexGate/services/gateway/engine"
	"github.com/AleutianAI/IndexGate/services/gateway/snapshot"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	// Error is the human-readable failure message.
	Error string `json:"error"`

	// Code is the machine-readable error code.
	Code string `json:"code,omitempty"`
}

// RunPerfResponse is returned by POST /run-perf.
type RunPerfResponse struct {
	OK  bool   `json:"ok"`
	Raw string `json:"raw"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`

	Engine  engine.Status        `json:"engine"`
	Process *engine.ProcessStats `json:"process,omitempty"`

	RefreshInFlight bool       `json:"refresh_in_flight"`
	LastRefresh     *time.Time `json:"last_refresh,omitempty"`

	Snapshot    SnapshotStatus `json:"snapshot"`
	Subscribers int            `json:"subscribers"`
}

// SnapshotStatus describes the current snapshot file.
type SnapshotStatus struct {
	Present   bool       `json:"present"`
	ETag      string     `json:"etag,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	Size      int64      `json:"size,omitempty"`
}

// ReadyResponse is returned by GET /ready.
type ReadyResponse struct {
	Ready bool   `json:"ready"`
	State string `json:"state"`
}

// HistoryResponse is returned by GET /perf/history.
type HistoryResponse struct {
	Entries []snapshot.Entry `json:"entries"`
	Count   int              `json:"count"`
}
