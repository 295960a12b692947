// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine supervises the external index engine and brokers requests
// to it over a line-delimited JSON protocol.
//
// # Wire Protocol
//
// The engine reads one JSON document per line on stdin and answers with one
// line on stdout. The gateway treats both directions as opaque bytes; the only
// structure it enforces is line framing.
//
// # Components
//
//   - Framer: reassembles stdout chunks into trimmed, non-empty lines.
//   - Correlator: owns the single pending call and matches response lines to it.
//   - Supervisor: spawns the engine, restarts it after exit with a fixed
//     cool-down, and feeds its output to the Correlator.
//
// # Correlation
//
// Only one call may be outstanding at a time. Within one engine process the
// n-th response line answers the n-th request line, so the Correlator counts
// both directions and drops any line that does not belong to the pending
// call. A late answer to a timed-out call can therefore never resolve a later
// call. Counters reset each time the engine is respawned.
//
// # Thread Safety
//
// Supervisor and Correlator are safe for concurrent use. Framer is not; it is
// owned by a single read loop.
package engine
