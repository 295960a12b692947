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
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/IndexGate/pkg/telemetry"
)

// RegisterRoutes registers all gateway routes with the router group.
//
// Inputs:
//
//	rg - Gin router group (typically /api)
//	h - The handlers instance
//
// Endpoints:
//
//	POST /query - Forward a query to the engine
//	POST /run-perf - Force a benchmark run
//	GET  /perf - Current benchmark snapshot
//	GET  /perf/history - Archived snapshots, newest first
//	GET  /perf/history/:etag - One archived snapshot
//	GET  /perf/ws - Snapshot change notifications
//	GET  /health - Engine and snapshot status
//	GET  /ready - Engine readiness
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	rg.POST("/query", h.HandleQuery)
	rg.POST("/run-perf", h.HandleRunPerf)

	perf := rg.Group("/perf")
	{
		perf.GET("", h.HandlePerf)
		perf.HEAD("", h.HandlePerf)
		perf.GET("/history", h.HandleHistory)
		perf.GET("/history/:etag", h.HandleHistoryEntry)
		perf.GET("/ws", h.HandleSnapshotStream)
	}

	rg.GET("/health", h.HandleHealth)
	rg.GET("/ready", h.HandleReady)
}

// NewRouter builds the gin engine for gw with the standard middleware,
// the /api routes and /metrics.
func NewRouter(gw *Gateway, serviceName string) *gin.Engine {
	router := gin.New()
	router.Use(
		gin.Recovery(),
		otelgin.Middleware(serviceName),
		RequestID(),
		AccessLog(gw.Logger(), gw.Metrics()),
		CORS(gw.Config().Server.AllowedOrigins),
	)

	RegisterRoutes(router.Group("/api"), NewHandlers(gw))
	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))
	return router
}
