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
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// Test Helpers
// =============================================================================

// lineSink records request lines written by the correlator.
type lineSink struct {
	lines chan []byte

	mu  sync.Mutex
	err error
}

func newLineSink() *lineSink {
	return &lineSink{lines: make(chan []byte, 32)}
}

func (s *lineSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	s.lines <- bytes.Clone(p)
	return len(p), nil
}

func (s *lineSink) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *lineSink) next(t *testing.T) string {
	t.Helper()
	select {
	case l := <-s.lines:
		return string(l)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request line")
		return ""
	}
}

type callOutcome struct {
	resp Payload
	err  error
}

// callAsync issues a call in the background.
func callAsync(c *Correlator, payload string, timeout time.Duration) <-chan callOutcome {
	ch := make(chan callOutcome, 1)
	go func() {
		resp, err := c.Call(context.Background(), Payload(payload), timeout)
		ch <- callOutcome{resp: resp, err: err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan callOutcome) callOutcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(3 * time.Second):
		t.Fatal("call did not complete")
		return callOutcome{}
	}
}

func attached(t *testing.T) (*Correlator, *lineSink) {
	t.Helper()
	c := NewCorrelator(nil)
	sink := newLineSink()
	c.Attach(1, sink)
	return c, sink
}

// =============================================================================
// Correlator Tests
// =============================================================================

func TestCorrelator_NotReady(t *testing.T) {
	c := NewCorrelator(nil)

	_, err := c.Call(context.Background(), Payload(`{"queryType":"ticker"}`), time.Second)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.False(t, c.Pending())
}

func TestCorrelator_InvalidPayload(t *testing.T) {
	c, _ := attached(t)

	for _, p := range []string{"", "{\n}", "a\rb"} {
		_, err := c.Call(context.Background(), Payload(p), time.Second)
		assert.ErrorIs(t, err, ErrInvalidPayload, "payload %q", p)
	}
	assert.False(t, c.Pending())
}

func TestCorrelator_RoundTrip(t *testing.T) {
	c, sink := attached(t)

	done := callAsync(c, `{"queryType":"ticker","ticker":"AAPL"}`, time.Second)
	assert.Equal(t, `{"queryType":"ticker","ticker":"AAPL"}`+"\n", sink.next(t))

	c.Deliver(1, Payload(`{"results":[],"size":0}`))

	out := await(t, done)
	require.NoError(t, out.err)
	assert.Equal(t, `{"results":[],"size":0}`, string(out.resp))
	assert.False(t, c.Pending())
	assert.Zero(t, c.Stragglers())
}

func TestCorrelator_BusyWhilePending(t *testing.T) {
	c, sink := attached(t)

	first := callAsync(c, `{"n":1}`, 2*time.Second)
	sink.next(t)
	require.True(t, c.Pending())

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Call(context.Background(), Payload(fmt.Sprintf(`{"n":%d}`, i+2)), time.Second)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.ErrorIs(t, err, ErrBusy)
	}
	assert.Empty(t, sink.lines, "busy calls must not reach the engine")

	c.Deliver(1, Payload(`{"ok":1}`))
	out := await(t, first)
	require.NoError(t, out.err)
	assert.Equal(t, `{"ok":1}`, string(out.resp))
}

func TestCorrelator_ConcurrentCallsAreSingleFlight(t *testing.T) {
	c, sink := attached(t)

	// Echo responder: answers every request line after a short delay.
	stop := make(chan struct{})
	var responder sync.WaitGroup
	responder.Add(1)
	go func() {
		defer responder.Done()
		for {
			select {
			case line := <-sink.lines:
				time.Sleep(2 * time.Millisecond)
				c.Deliver(1, Payload(bytes.TrimSpace(line)))
			case <-stop:
				return
			}
		}
	}()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, busy int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := fmt.Sprintf(`{"n":%d}`, i)
			resp, err := c.Call(context.Background(), Payload(req), time.Second)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
				assert.Equal(t, req, string(resp), "response must belong to its own request")
			case errors.Is(err, ErrBusy):
				busy++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	close(stop)
	responder.Wait()

	assert.Equal(t, 50, ok+busy)
	assert.GreaterOrEqual(t, ok, 1)
}

func TestCorrelator_TimeoutFreesSlotAndDropsStraggler(t *testing.T) {
	c, sink := attached(t)

	_, err := c.Call(context.Background(), Payload(`{"slow":true}`), 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.False(t, c.Pending(), "timeout must release the slot")
	sink.next(t)

	second := callAsync(c, `{"fast":true}`, time.Second)
	sink.next(t)

	// The late answer to the first call must not resolve the second.
	c.Deliver(1, Payload(`{"answer":"slow"}`))
	assert.Equal(t, uint64(1), c.Stragglers())
	assert.True(t, c.Pending())

	c.Deliver(1, Payload(`{"answer":"fast"}`))
	out := await(t, second)
	require.NoError(t, out.err)
	assert.Equal(t, `{"answer":"fast"}`, string(out.resp))
}

func TestCorrelator_UnsolicitedOutputIsDropped(t *testing.T) {
	c, sink := attached(t)

	c.Deliver(1, Payload("Error"))
	assert.Equal(t, uint64(1), c.Stragglers())

	done := callAsync(c, `{"q":1}`, time.Second)
	sink.next(t)
	c.Deliver(1, Payload(`{"r":1}`))

	out := await(t, done)
	require.NoError(t, out.err)
	assert.Equal(t, `{"r":1}`, string(out.resp))

	// An extra line after the answer does not skew the next call.
	c.Deliver(1, Payload(`{"extra":true}`))
	done = callAsync(c, `{"q":2}`, time.Second)
	sink.next(t)
	c.Deliver(1, Payload(`{"r":2}`))

	out = await(t, done)
	require.NoError(t, out.err)
	assert.Equal(t, `{"r":2}`, string(out.resp))
	assert.Equal(t, uint64(2), c.Stragglers())
}

func TestCorrelator_ResyncAfterSkippedReply(t *testing.T) {
	c, sink := attached(t)

	// Call 1 never gets an answer.
	_, err := c.Call(context.Background(), Payload(`{"q":1}`), 30*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	sink.next(t)

	// Call 2's answer is charged to call 1 and dropped; call 2 times out.
	second := callAsync(c, `{"q":2}`, 100*time.Millisecond)
	sink.next(t)
	c.Deliver(1, Payload(`{"r":2}`))
	out := await(t, second)
	require.ErrorIs(t, out.err, ErrTimeout)

	// Counts were resynchronised, so call 3 gets its own answer.
	third := callAsync(c, `{"q":3}`, time.Second)
	sink.next(t)
	c.Deliver(1, Payload(`{"r":3}`))
	out = await(t, third)
	require.NoError(t, out.err)
	assert.Equal(t, `{"r":3}`, string(out.resp))
}

func TestCorrelator_SkipFailsPendingAndKeepsCount(t *testing.T) {
	c, sink := attached(t)

	first := callAsync(c, `{"q":1}`, 5*time.Second)
	sink.next(t)
	c.Skip(1, ErrLineTooLong)

	out := await(t, first)
	require.ErrorIs(t, out.err, ErrLineTooLong)
	assert.False(t, c.Pending())
	assert.Zero(t, c.Stragglers())

	// The next answer belongs to the next call.
	second := callAsync(c, `{"q":2}`, time.Second)
	sink.next(t)
	c.Deliver(1, Payload(`{"r":2}`))
	out = await(t, second)
	require.NoError(t, out.err)
	assert.Equal(t, `{"r":2}`, string(out.resp))
}

func TestCorrelator_SkipWithoutPendingIsStraggler(t *testing.T) {
	c, _ := attached(t)

	c.Skip(1, ErrLineTooLong)
	c.Skip(2, ErrLineTooLong)
	assert.Equal(t, uint64(2), c.Stragglers())
}

func TestCorrelator_DetachFailsPendingFast(t *testing.T) {
	c, sink := attached(t)

	done := callAsync(c, `{"q":1}`, 10*time.Second)
	sink.next(t)

	start := time.Now()
	c.Detach(1, fmt.Errorf("%w: pid 1 exited with code 139", ErrProcessExited))

	out := await(t, done)
	assert.ErrorIs(t, out.err, ErrProcessExited)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, c.Ready())

	_, err := c.Call(context.Background(), Payload(`{"q":2}`), time.Second)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestCorrelator_StaleGenerationIgnored(t *testing.T) {
	c, _ := attached(t)

	c.Detach(2, errors.New("not attached"))
	assert.True(t, c.Ready(), "detaching another generation is a no-op")

	c.Detach(1, ErrProcessExited)
	sink := newLineSink()
	c.Attach(2, sink)

	done := callAsync(c, `{"q":1}`, time.Second)
	sink.next(t)

	c.Deliver(1, Payload(`{"from":"old engine"}`))
	assert.True(t, c.Pending())

	c.Deliver(2, Payload(`{"from":"new engine"}`))
	out := await(t, done)
	require.NoError(t, out.err)
	assert.Equal(t, `{"from":"new engine"}`, string(out.resp))
}

func TestCorrelator_WriteFailure(t *testing.T) {
	c, sink := attached(t)
	sink.fail(errors.New("broken pipe"))

	var hookGen uint64
	c.onWriteFailure = func(gen uint64, err error) { hookGen = gen }

	start := time.Now()
	_, err := c.Call(context.Background(), Payload(`{"q":1}`), 10*time.Second)
	assert.ErrorIs(t, err, ErrWriteFailed)
	assert.Contains(t, err.Error(), "broken pipe")
	assert.Less(t, time.Since(start), time.Second, "write failure must not wait for the timeout")

	assert.Equal(t, uint64(1), hookGen)
	assert.False(t, c.Pending())
	assert.False(t, c.Ready())
}

func TestCorrelator_ContextCancel(t *testing.T) {
	c, sink := attached(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, Payload(`{"q":1}`), 10*time.Second)
		done <- err
	}()
	sink.next(t)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled call did not return")
	}
	assert.False(t, c.Pending())
}

func TestCorrelator_StragglerHook(t *testing.T) {
	c, _ := attached(t)

	var mu sync.Mutex
	count := 0
	c.onStraggler = func() {
		mu.Lock()
		count++
		mu.Unlock()
	}

	c.Deliver(1, Payload("x"))
	c.Deliver(7, Payload("y"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, count)
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, OutcomeOK},
		{ErrNotReady, OutcomeNotReady},
		{ErrShutdown, OutcomeNotReady},
		{ErrBusy, OutcomeBusy},
		{fmt.Errorf("%w: epipe", ErrWriteFailed), OutcomeWriteFailed},
		{fmt.Errorf("%w after 1s", ErrTimeout), OutcomeTimeout},
		{fmt.Errorf("%w: pid 3", ErrProcessExited), OutcomeExited},
		{ErrInvalidPayload, OutcomeInvalid},
		{fmt.Errorf("%w: limit 64 bytes", ErrLineTooLong), OutcomeTooLong},
		{fmt.Errorf("engine call cancelled: %w", context.Canceled), OutcomeCancelled},
		{errors.New("other"), OutcomeError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Outcome(tt.err), "Outcome(%v)", tt.err)
	}
}
