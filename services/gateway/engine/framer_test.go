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
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feedAll feeds input in fixed-size chunks and collects every line.
func feedAll(t *testing.T, f *Framer, input []byte, chunk int) []string {
	t.Helper()
	var out []string
	for len(input) > 0 {
		n := chunk
		if n > len(input) {
			n = len(input)
		}
		out = append(out, lineStrings(t, f.Feed(input[:n]))...)
		input = input[n:]
	}
	return out
}

// lineStrings converts frames to strings, failing on overflow frames.
func lineStrings(t *testing.T, frames []Frame) []string {
	t.Helper()
	var out []string
	for _, fr := range frames {
		require.NoError(t, fr.Err)
		out = append(out, string(fr.Line))
	}
	return out
}

func TestFramer_SingleLine(t *testing.T) {
	f := NewFramer(0)
	lines := lineStrings(t, f.Feed([]byte(`{"results":[]}`+"\n")))
	assert.Equal(t, []string{`{"results":[]}`}, lines)
	assert.Zero(t, f.Buffered())
}

func TestFramer_TrimAndSkipEmpty(t *testing.T) {
	f := NewFramer(0)
	lines := lineStrings(t, f.Feed([]byte("\n  \r\n  first  \r\n\n\tsecond\n")))
	assert.Equal(t, []string{"first", "second"}, lines)
}

func TestFramer_PartialLineCarriesOver(t *testing.T) {
	f := NewFramer(0)

	assert.Empty(t, f.Feed([]byte(`{"a":`)))
	assert.Equal(t, 5, f.Buffered())

	lines := lineStrings(t, f.Feed([]byte(`1}`+"\n"+`{"b"`)))
	assert.Equal(t, []string{`{"a":1}`}, lines)
	assert.Equal(t, 4, f.Buffered())
}

func TestFramer_FragmentationInvariant(t *testing.T) {
	var stream bytes.Buffer
	var want []string
	for i := 0; i < 25; i++ {
		line := fmt.Sprintf(`{"queryType":"ticker","i":%d,"pad":%q}`, i, strings.Repeat("x", i*7))
		want = append(want, line)
		stream.WriteString(line)
		stream.WriteByte('\n')
	}
	input := stream.Bytes()

	for _, chunk := range []int{1, 2, 3, 5, 7, 64, 1024, len(input)} {
		t.Run(fmt.Sprintf("chunk_%d", chunk), func(t *testing.T) {
			got := feedAll(t, NewFramer(0), input, chunk)
			assert.Equal(t, want, got)
		})
	}
}

func TestFramer_ReturnedLinesAreOwned(t *testing.T) {
	f := NewFramer(0)
	first := f.Feed([]byte("one\ntw"))
	f.Feed([]byte("o\nthree\n"))

	require.Len(t, first, 1)
	assert.Equal(t, "one", string(first[0].Line))
}

func TestFramer_PartialOverflow(t *testing.T) {
	f := NewFramer(8)

	frames := f.Feed([]byte("ok\n0123456789"))
	require.Len(t, frames, 2)
	assert.Equal(t, "ok", string(frames[0].Line), "lines completed before the overflow are kept")
	assert.ErrorIs(t, frames[1].Err, ErrLineTooLong)
	assert.Nil(t, frames[1].Line)
	assert.Zero(t, f.Buffered())
	assert.Equal(t, uint64(1), f.Dropped())

	// Rest of the oversized line is skipped up to its newline.
	assert.Empty(t, f.Feed([]byte("abcdef")))

	lines := lineStrings(t, f.Feed([]byte("ghi\nnext\n")))
	assert.Equal(t, []string{"next"}, lines)
	assert.Equal(t, uint64(1), f.Dropped(), "one oversized line is reported once")
}

func TestFramer_CompleteOversizedLineInOneChunk(t *testing.T) {
	f := NewFramer(8)

	frames := f.Feed([]byte("a\n0123456789abc\nb\n"))
	require.Len(t, frames, 3)
	assert.Equal(t, "a", string(frames[0].Line))
	assert.ErrorIs(t, frames[1].Err, ErrLineTooLong)
	assert.Equal(t, "b", string(frames[2].Line), "order is preserved around the oversized line")
	assert.Equal(t, uint64(1), f.Dropped())

	// Exactly at the limit is still delivered.
	lines := lineStrings(t, f.Feed([]byte("12345678\n")))
	assert.Equal(t, []string{"12345678"}, lines)
}

func TestFramer_BufferShrinksAfterLargeLine(t *testing.T) {
	f := NewFramer(0)
	big := strings.Repeat("x", 4*framerRetainBytes)

	frames := f.Feed([]byte(big + "\nta"))
	require.Len(t, frames, 1)
	assert.Len(t, frames[0].Line, len(big))
	assert.Equal(t, 2, f.Buffered())
	assert.LessOrEqual(t, cap(f.buf), framerRetainBytes)

	lines := lineStrings(t, f.Feed([]byte("il\n")))
	assert.Equal(t, []string{"tail"}, lines)
}

func TestFramer_Reset(t *testing.T) {
	f := NewFramer(0)
	assert.Empty(t, f.Feed([]byte("partial")))
	f.Reset()
	assert.Zero(t, f.Buffered())

	lines := lineStrings(t, f.Feed([]byte("fresh\n")))
	assert.Equal(t, []string{"fresh"}, lines)
}
