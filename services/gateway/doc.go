// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway is the HTTP front of IndexGate.
//
// A Gateway owns one supervised engine process, the debounced benchmark
// trigger and the snapshot components. Handlers translate HTTP requests
// into single-flight engine calls:
//
//	POST /api/query                forward a query document to the engine
//	POST /api/run-perf             force a benchmark run
//	GET  /api/perf                 serve the benchmark snapshot file
//	GET  /api/perf/history         list archived snapshots
//	GET  /api/perf/history/:etag   serve one archived snapshot
//	GET  /api/perf/ws              stream snapshot change notifications
//	GET  /api/health               engine and snapshot status
//	GET  /api/ready                200 while the engine is running
//	GET  /metrics                  Prometheus exposition
//
// Every engine failure is answered with HTTP 500 and a JSON body of the
// form {"error": "...", "code": "..."}. The gateway itself never exits
// because of an engine failure; the supervisor respawns the engine.
package gateway
