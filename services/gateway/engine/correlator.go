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
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// deadlineWriter is implemented by *os.File pipes.
type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// callResult is delivered exactly once to a pending call.
type callResult struct {
	line Payload
	err  error
}

// pendingCall is the single outstanding request.
type pendingCall struct {
	gen    uint64
	seq    uint64
	result chan callResult

	// sawLate is set when a line arrived during the wait but was charged
	// to an earlier call. Guarded by Correlator.mu.
	sawLate bool
}

// Correlator matches engine response lines to the single pending call.
//
// Description:
//
//	A writer is attached per engine generation. Each accepted call is
//	assigned the next request sequence number for that generation; each
//	response line advances the response count. A line resolves the pending
//	call only when its position equals the call's sequence number. Any other
//	line is a straggler: the late answer of a timed-out call, or unsolicited
//	output, and is dropped.
//
//	If a call times out after a line arriving during its wait was charged to
//	an earlier abandoned call, the counts are resynchronised. An engine that
//	skipped a reply therefore costs one extra timeout instead of shifting
//	every later answer by one.
//
// Thread Safety: Safe for concurrent use.
type Correlator struct {
	mu       sync.Mutex
	w        io.Writer
	gen      uint64
	sent     uint64
	received uint64
	pending  *pendingCall

	stragglers uint64

	// onWriteFailure is told which generation lost its input stream.
	onWriteFailure func(gen uint64, err error)
	onStraggler    func()
	logger         *slog.Logger
}

// NewCorrelator creates a detached Correlator.
func NewCorrelator(logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{logger: logger}
}

// Attach binds the input stream of engine generation gen and resets the
// request and response counts.
func (c *Correlator) Attach(gen uint64, w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w = w
	c.gen = gen
	c.sent = 0
	c.received = 0
}

// Detach unbinds generation gen and fails its pending call with cause.
// Detaching a generation that is not attached is a no-op.
func (c *Correlator) Detach(gen uint64, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.w = nil
	if p := c.pending; p != nil {
		c.pending = nil
		p.result <- callResult{err: cause}
	}
}

// Ready reports whether an engine input stream is attached.
func (c *Correlator) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w != nil
}

// Pending reports whether a call is outstanding.
func (c *Correlator) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

// Stragglers returns the number of dropped response lines.
func (c *Correlator) Stragglers() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stragglers
}

// Call writes payload as one line and waits for its response line.
//
// Description:
//
//	Fails fast with ErrNotReady when no engine is attached and with ErrBusy
//	when another call is pending. The deadline covers both the write and
//	the wait. On timeout or cancellation the slot is released immediately.
//
// Inputs:
//
//	ctx - Cancels the wait. Cancellation releases the slot like a timeout.
//	payload - One line of data, without a trailing newline.
//	timeout - Deadline for the whole exchange. Must be positive.
//
// Outputs:
//
//	Payload - The raw response line.
//	error - ErrInvalidPayload, ErrNotReady, ErrBusy, ErrWriteFailed,
//	ErrTimeout, ErrProcessExited, ErrLineTooLong, or the context error.
func (c *Correlator) Call(ctx context.Context, payload Payload, timeout time.Duration) (Payload, error) {
	if len(payload) == 0 || bytes.ContainsAny(payload, "\r\n") {
		return nil, ErrInvalidPayload
	}

	c.mu.Lock()
	if c.w == nil {
		c.mu.Unlock()
		return nil, ErrNotReady
	}
	if c.pending != nil {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.sent++
	p := &pendingCall{gen: c.gen, seq: c.sent, result: make(chan callResult, 1)}
	c.pending = p
	w := c.w
	c.mu.Unlock()

	deadline := time.Now().Add(timeout)
	if err := c.write(w, payload, deadline); err != nil {
		c.failWrite(p, err)
		return nil, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case r := <-p.result:
		return r.line, r.err
	case <-timer.C:
		if r, ok := c.abandon(p, true); ok {
			return r.line, r.err
		}
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		if r, ok := c.abandon(p, false); ok {
			return r.line, r.err
		}
		return nil, fmt.Errorf("engine call cancelled: %w", ctx.Err())
	}
}

// Deliver hands a framed response line from generation gen to the
// pending call.
func (c *Correlator) Deliver(gen uint64, line Payload) {
	c.resolve(gen, callResult{line: line})
}

// Skip accounts for a response line from generation gen that could not be
// framed. The line still occupies its position in the response count, so
// the call it answers fails with cause instead of waiting for its timeout,
// and the next line is matched to the next call.
func (c *Correlator) Skip(gen uint64, cause error) {
	c.resolve(gen, callResult{err: cause})
}

func (c *Correlator) resolve(gen uint64, r callResult) {
	c.mu.Lock()

	if gen != c.gen || c.received >= c.sent {
		c.dropLocked(gen, "unsolicited")
		return
	}

	c.received++
	p := c.pending
	if p == nil || p.seq != c.received {
		if p != nil {
			p.sawLate = true
		}
		c.dropLocked(gen, "late")
		return
	}

	c.pending = nil
	p.result <- r
	c.mu.Unlock()
}

// dropLocked records a straggler and releases mu.
func (c *Correlator) dropLocked(gen uint64, reason string) {
	c.stragglers++
	hook := c.onStraggler
	c.mu.Unlock()

	c.logger.Debug("dropped engine response line",
		slog.Uint64("generation", gen),
		slog.String("reason", reason),
	)
	if hook != nil {
		hook()
	}
}

func (c *Correlator) write(w io.Writer, payload Payload, deadline time.Time) error {
	if dw, ok := w.(deadlineWriter); ok {
		_ = dw.SetWriteDeadline(deadline)
		defer func() { _ = dw.SetWriteDeadline(time.Time{}) }()
	}
	line := make([]byte, len(payload)+1)
	copy(line, payload)
	line[len(payload)] = '\n'
	_, err := w.Write(line)
	return err
}

// failWrite releases p after a write error. A partially written line
// corrupts the input stream, so the generation is detached and the
// failure hook asks the supervisor to replace the engine.
func (c *Correlator) failWrite(p *pendingCall, err error) {
	c.mu.Lock()
	if c.pending == p {
		c.pending = nil
	}
	hook := c.onWriteFailure
	if p.gen == c.gen {
		c.w = nil
	}
	c.mu.Unlock()

	if hook != nil {
		hook(p.gen, err)
	}
}

// abandon releases p after a timeout or cancellation. If the result was
// delivered concurrently it is returned instead.
func (c *Correlator) abandon(p *pendingCall, timedOut bool) (callResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending != p {
		// Already resolved; the buffered send happened under mu.
		return <-p.result, true
	}
	c.pending = nil

	if timedOut && p.sawLate && p.gen == c.gen && c.received < c.sent {
		c.logger.Warn("engine skipped responses, resynchronising correlation",
			slog.Uint64("generation", c.gen),
			slog.Uint64("unanswered", c.sent-c.received),
		)
		c.received = c.sent
	}
	return callResult{}, false
}
