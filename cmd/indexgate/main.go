// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command indexgate runs the IndexGate HTTP gateway in front of a
// line-protocol indexing engine.
//
// Usage:
//
//	indexgate serve --config indexgate.yaml
//	indexgate serve --engine ./server --port 8080
//	indexgate healthcheck --url http://127.0.0.1:8080/api/health
//	indexgate version
//
// Example requests:
//
//	curl -X POST http://localhost:8080/api/query \
//	  -H "Content-Type: application/json" \
//	  -d '{"queryType": "ticker", "ticker": "BTC"}'
//
//	curl http://localhost:8080/api/perf
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
