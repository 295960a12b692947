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
	"errors"
)

// Sentinel errors for engine calls.
var (
	// ErrNotReady indicates no live engine process is attached.
	ErrNotReady = errors.New("engine not ready")

	// ErrBusy indicates another call is already pending.
	ErrBusy = errors.New("engine busy")

	// ErrWriteFailed indicates the request could not be written to the engine.
	ErrWriteFailed = errors.New("engine write failed")

	// ErrTimeout indicates no response arrived before the deadline.
	ErrTimeout = errors.New("engine timeout")

	// ErrProcessExited indicates the engine died while a call was pending.
	ErrProcessExited = errors.New("engine exited")

	// ErrInvalidPayload indicates an empty payload or one spanning several lines.
	ErrInvalidPayload = errors.New("invalid engine payload")

	// ErrLineTooLong indicates a response line exceeded the framer limit.
	ErrLineTooLong = errors.New("engine output line too long")

	// ErrShutdown indicates the supervisor has been shut down.
	ErrShutdown = errors.New("engine supervisor shut down")

	// ErrEnginePathRequired indicates an empty engine binary path.
	ErrEnginePathRequired = errors.New("engine path is required")
)

// Call outcome labels used by metrics and logs.
const (
	OutcomeOK          = "ok"
	OutcomeNotReady    = "not_ready"
	OutcomeBusy        = "busy"
	OutcomeWriteFailed = "write_failed"
	OutcomeTimeout     = "timeout"
	OutcomeExited      = "exited"
	OutcomeInvalid     = "invalid"
	OutcomeTooLong     = "line_too_long"
	OutcomeCancelled   = "cancelled"
	OutcomeError       = "error"
)

// Outcome classifies a Call error into an outcome label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrNotReady), errors.Is(err, ErrShutdown):
		return OutcomeNotReady
	case errors.Is(err, ErrBusy):
		return OutcomeBusy
	case errors.Is(err, ErrWriteFailed):
		return OutcomeWriteFailed
	case errors.Is(err, ErrTimeout):
		return OutcomeTimeout
	case errors.Is(err, ErrProcessExited):
		return OutcomeExited
	case errors.Is(err, ErrInvalidPayload):
		return OutcomeInvalid
	case errors.Is(err, ErrLineTooLong):
		return OutcomeTooLong
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCancelled
	default:
		return OutcomeError
	}
}
