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
	"errors"
	"net/http"

	"github.com/AleutianAI/IndexGate/services/gateway/engine"
	"github.com/AleutianAI/IndexGate/services/gateway/snapshot"
)

// Error codes carried in ErrorResponse.Code.
const (
	CodeEngineNotReady    = "ENGINE_NOT_READY"
	CodeEngineBusy        = "ENGINE_BUSY"
	CodeEngineWriteFailed = "ENGINE_WRITE_FAILED"
	CodeEngineTimeout     = "ENGINE_TIMEOUT"
	CodeEngineExited      = "ENGINE_EXITED"
	CodeEngineLineTooLong = "ENGINE_LINE_TOO_LONG"
	CodeEngineError       = "ENGINE_ERROR"
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeSnapshotMissing   = "SNAPSHOT_MISSING"
	CodeSnapshotError     = "SNAPSHOT_ERROR"
	CodeRateLimited       = "RATE_LIMITED"
	CodeNotFound          = "NOT_FOUND"
)

// classify maps an error to its HTTP status and code. Every engine kind is
// a server error.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrNotReady), errors.Is(err, engine.ErrShutdown):
		return http.StatusInternalServerError, CodeEngineNotReady
	case errors.Is(err, engine.ErrBusy):
		return http.StatusInternalServerError, CodeEngineBusy
	case errors.Is(err, engine.ErrWriteFailed):
		return http.StatusInternalServerError, CodeEngineWriteFailed
	case errors.Is(err, engine.ErrTimeout):
		return http.StatusInternalServerError, CodeEngineTimeout
	case errors.Is(err, engine.ErrProcessExited):
		return http.StatusInternalServerError, CodeEngineExited
	case errors.Is(err, engine.ErrLineTooLong):
		return http.StatusInternalServerError, CodeEngineLineTooLong
	case errors.Is(err, engine.ErrInvalidPayload):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, snapshot.ErrSnapshotMissing):
		return http.StatusNotFound, CodeSnapshotMissing
	case errors.Is(err, snapshot.ErrArchiveDisabled), errors.Is(err, snapshot.ErrArchiveEntryNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, snapshot.ErrInvalidETag):
		return http.StatusBadRequest, CodeInvalidRequest
	default:
		return http.StatusInternalServerError, CodeEngineError
	}
}
