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

import "bytes"

// framerRetainBytes is the buffer capacity kept across Feeds once drained.
const framerRetainBytes = 64 * 1024

// Frame is one framed output line. An oversized line yields a Frame with
// Err set to ErrLineTooLong and no Line.
type Frame struct {
	Line []byte
	Err  error
}

// Framer splits a byte stream into newline-delimited lines.
//
// Description:
//
//	Bytes are accumulated until a '\n' is seen. Each complete line is
//	trimmed of surrounding whitespace; empty lines are discarded. A partial
//	line is carried over to the next Feed.
//
//	When maxLine is positive, a line longer than maxLine is never delivered.
//	A complete oversized line is replaced by an ErrLineTooLong frame. A
//	partial line that grows past maxLine is discarded at once, reported as
//	an ErrLineTooLong frame, and input is skipped up to its '\n'. Every
//	oversized line yields exactly one frame, in stream order.
//
// Thread Safety: NOT safe for concurrent use.
type Framer struct {
	buf        []byte
	maxLine    int
	discarding bool
	dropped    uint64
}

// NewFramer creates a Framer. maxLine <= 0 disables the overflow guard.
func NewFramer(maxLine int) *Framer {
	return &Framer{maxLine: maxLine}
}

// Feed appends chunk and returns every frame it completes, in order.
//
// Returned lines are owned by the caller.
func (f *Framer) Feed(chunk []byte) []Frame {
	if f.discarding {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			return nil
		}
		chunk = chunk[i+1:]
		f.discarding = false
	}

	f.buf = append(f.buf, chunk...)

	var frames []Frame
	start := 0
	for {
		i := bytes.IndexByte(f.buf[start:], '\n')
		if i < 0 {
			break
		}
		raw := f.buf[start : start+i]
		start += i + 1

		line := bytes.TrimSpace(raw)
		switch {
		case len(line) == 0:
		case f.tooLong(len(raw)):
			f.dropped++
			frames = append(frames, Frame{Err: ErrLineTooLong})
		default:
			frames = append(frames, Frame{Line: bytes.Clone(line)})
		}
	}

	n := copy(f.buf, f.buf[start:])
	f.buf = f.buf[:n]

	if f.tooLong(len(f.buf)) {
		f.buf = f.buf[:0]
		f.discarding = true
		f.dropped++
		frames = append(frames, Frame{Err: ErrLineTooLong})
	}

	if cap(f.buf) > framerRetainBytes && len(f.buf) < cap(f.buf)/4 {
		f.buf = append(make([]byte, 0, max(len(f.buf), 512)), f.buf...)
	}
	return frames
}

func (f *Framer) tooLong(n int) bool {
	return f.maxLine > 0 && n > f.maxLine
}

// Buffered returns the length of the pending partial line.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Dropped returns how many oversized lines have been discarded.
func (f *Framer) Dropped() uint64 {
	return f.dropped
}

// Reset discards any partial line.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.discarding = false
}
