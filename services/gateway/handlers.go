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
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/IndexGate/pkg/telemetry"
	"github.com/AleutianAI/IndexGate/services/gateway/engine"
	"github.com/AleutianAI/IndexGate/services/gateway/snapshot"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 1000
)

// Handlers contains the HTTP handlers for the gateway.
type Handlers struct {
	gw      *Gateway
	origins originSet
}

// NewHandlers creates handlers for gw.
func NewHandlers(gw *Gateway) *Handlers {
	return &Handlers{
		gw:      gw,
		origins: newOriginSet(gw.Config().Server.AllowedOrigins),
	}
}

func (h *Handlers) logger(c *gin.Context) *slog.Logger {
	l := telemetry.LoggerWithTrace(c.Request.Context(), h.gw.Logger())
	if id := requestID(c); id != "" {
		l = l.With(slog.String("request_id", id))
	}
	return l
}

func (h *Handlers) fail(c *gin.Context, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger(c).Warn("request failed",
			slog.String("path", c.FullPath()),
			slog.String("code", code),
			slog.String("error", err.Error()),
		)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

// HandleQuery handles POST /query.
//
// Description:
//
//	Forwards the request body to the engine as one compacted JSON line and
//	returns the engine's response line. The response is sent as JSON when
//	it parses as JSON and as plain text otherwise. Every request kicks the
//	benchmark trigger, whatever its outcome.
//
// Response:
//
//	200 OK: The engine's raw response
//	400 Bad Request: Body is empty or not valid JSON
//	413 Request Entity Too Large: Body exceeds server.max_body_bytes
//	500 Internal Server Error: ErrorResponse for any engine failure
func (h *Handlers) HandleQuery(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.gw.Config().Server.MaxBodyBytes))
	if err != nil {
		h.gw.KickRefresh()
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, ErrorResponse{
				Error: "request body too large",
				Code:  CodeInvalidRequest,
			})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeInvalidRequest})
		return
	}

	var line bytes.Buffer
	if err := json.Compact(&line, bytes.TrimSpace(body)); err != nil || line.Len() == 0 {
		h.gw.KickRefresh()
		msg := "request body must be a JSON document"
		if err != nil {
			msg += ": " + err.Error()
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: CodeInvalidRequest})
		return
	}

	resp, err := h.gw.Query(c.Request.Context(), engine.Payload(line.Bytes()))
	if err != nil {
		h.fail(c, err)
		return
	}
	writeRaw(c, resp)
}

// writeRaw sends an engine response line as JSON when it parses, or as text.
func writeRaw(c *gin.Context, resp engine.Payload) {
	if json.Valid(resp) {
		c.Data(http.StatusOK, "application/json; charset=utf-8", resp)
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", resp)
}

// HandleRunPerf handles POST /run-perf.
//
// Response:
//
//	200 OK: RunPerfResponse with the engine's raw response line
//	429 Too Many Requests: Forced runs are rate limited
//	500 Internal Server Error: ErrorResponse for any engine failure
func (h *Handlers) HandleRunPerf(c *gin.Context) {
	if !h.gw.AllowRunPerf() {
		every := h.gw.Config().Server.RunPerfEvery
		c.Header("Retry-After", strconv.Itoa(max(1, int(every.Seconds()))))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
			Error: "benchmark runs are rate limited",
			Code:  CodeRateLimited,
		})
		return
	}

	resp, err := h.gw.RunPerf(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, RunPerfResponse{OK: true, Raw: string(resp)})
}

// HandlePerf handles GET /perf.
//
// Description:
//
//	Serves the benchmark snapshot file byte for byte with caching disabled.
//	The ETag is the file's modification time in Unix milliseconds. A
//	matching If-None-Match returns 304.
//
// Response:
//
//	200 OK: The snapshot file
//	304 Not Modified: If-None-Match matches the current ETag
//	404 Not Found: ErrorResponse when no snapshot exists
func (h *Handlers) HandlePerf(c *gin.Context) {
	snap, err := h.gw.Snapshot()
	if err != nil {
		if errors.Is(err, snapshot.ErrSnapshotMissing) {
			c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{
				Error: snapshot.ErrSnapshotMissing.Error(),
				Code:  CodeSnapshotMissing,
			})
			return
		}
		h.logger(c).Error("snapshot read failed", slog.String("error", err.Error()))
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: CodeSnapshotError})
		return
	}

	writeSnapshotHeaders(c, snap)
	if etagMatches(c.GetHeader("If-None-Match"), snap.ETag) {
		c.Status(http.StatusNotModified)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", snap.Data)
}

func writeSnapshotHeaders(c *gin.Context, snap snapshot.Snapshot) {
	c.Header("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	c.Header("Pragma", "no-cache")
	c.Header("Expires", "0")
	c.Header("ETag", snap.ETag)
	c.Header("Last-Modified", snap.ModTime.UTC().Format(http.TimeFormat))
	c.Header("X-Perf-Last-Updated", snap.LastUpdated())
}

// etagMatches implements the If-None-Match comparison (weak).
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}

// HandleHistory handles GET /perf/history.
//
// Query Parameters:
//
//	limit: Maximum entries to return (optional, default 20, max 1000)
//
// Response:
//
//	200 OK: HistoryResponse, newest first
//	400 Bad Request: limit is not a positive integer
//	404 Not Found: The archive is disabled
func (h *Handlers) HandleHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
				Error: "limit must be a positive integer",
				Code:  CodeInvalidRequest,
			})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := h.gw.History(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, HistoryResponse{Entries: entries, Count: len(entries)})
}

// HandleHistoryEntry handles GET /perf/history/:etag.
//
// Response:
//
//	200 OK: The archived snapshot bytes
//	400 Bad Request: Malformed etag
//	404 Not Found: Unknown etag, or the archive is disabled
func (h *Handlers) HandleHistoryEntry(c *gin.Context) {
	snap, err := h.gw.HistoryEntry(c.Request.Context(), c.Param("etag"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("ETag", snap.ETag)
	c.Header("X-Perf-Last-Updated", snap.LastUpdated())
	c.Data(http.StatusOK, "application/json; charset=utf-8", snap.Data)
}

// HandleHealth handles GET /health. Always 200 while the gateway runs;
// Status is "degraded" when the engine is down.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.gw.Health(c.Request.Context()))
}

// HandleReady handles GET /ready.
//
// Response:
//
//	200 OK: ReadyResponse (Ready=true) when the engine is running
//	503 Service Unavailable: ReadyResponse (Ready=false) otherwise
func (h *Handlers) HandleReady(c *gin.Context) {
	ready, state := h.gw.Ready()
	resp := ReadyResponse{Ready: ready, State: state.String()}
	if !ready {
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}
