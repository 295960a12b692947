// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot reads, watches and archives the benchmark snapshot file.
//
// The engine owns the file: it rewrites it on every benchmark run. The
// gateway treats it as opaque bytes plus a modification time. The entity tag
// of a snapshot is its modification time in Unix milliseconds, quoted.
//
// Components:
//
//	Store   - cached reads of the file, keyed by modification time and size
//	Hub     - fan-out of update notifications to subscribers
//	Watcher - fsnotify watch of the file's directory, debounced
//	Archive - optional BadgerDB history of past snapshots
package snapshot

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Snapshot is one version of the benchmark results file.
type Snapshot struct {
	// Data is the exact file content. Callers must not modify it.
	Data    []byte
	ModTime time.Time
	Size    int64
	ETag    string
}

// LastUpdated formats the modification time for the X-Perf-Last-Updated
// header.
func (s Snapshot) LastUpdated() string {
	return s.ModTime.UTC().Format(time.RFC3339)
}

// ETagFor returns the entity tag for a snapshot modified at t.
func ETagFor(t time.Time) string {
	return `"` + strconv.FormatInt(t.UnixMilli(), 10) + `"`
}

// ParseETag returns the Unix millisecond timestamp encoded in tag. Weak
// validators and unquoted tags are accepted.
func ParseETag(tag string) (int64, error) {
	tag = strings.TrimPrefix(strings.TrimSpace(tag), "W/")
	tag = strings.Trim(tag, `"`)
	ms, err := strconv.ParseInt(tag, 10, 64)
	if err != nil || ms < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidETag, tag)
	}
	return ms, nil
}

// Store reads the snapshot file. Repeated reads of an unchanged file are
// served from memory.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	path string

	mu     sync.Mutex
	cached *Snapshot
}

// NewStore creates a Store for the file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the snapshot file path.
func (s *Store) Path() string {
	return s.path
}

// Read returns the current snapshot.
//
// Outputs:
//
//	Snapshot - The file content and metadata.
//	error - ErrSnapshotMissing when the file does not exist, or the read error.
func (s *Store) Read() (Snapshot, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.forget()
			return Snapshot{}, ErrSnapshotMissing
		}
		return Snapshot{}, fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Snapshot{}, fmt.Errorf("stat snapshot: %w", err)
	}
	if info.IsDir() {
		return Snapshot{}, fmt.Errorf("%w: %s is a directory", ErrSnapshotMissing, s.path)
	}

	s.mu.Lock()
	if c := s.cached; c != nil && c.ModTime.Equal(info.ModTime()) && c.Size == info.Size() {
		snap := *c
		s.mu.Unlock()
		return snap, nil
	}
	s.mu.Unlock()

	data, err := io.ReadAll(f)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading snapshot: %w", err)
	}
	snap := Snapshot{
		Data:    data,
		ModTime: info.ModTime(),
		Size:    int64(len(data)),
		ETag:    ETagFor(info.ModTime()),
	}

	// A size mismatch means the engine was mid-write; do not cache it.
	if snap.Size == info.Size() {
		s.mu.Lock()
		s.cached = &snap
		s.mu.Unlock()
	}
	return snap, nil
}

// Exists reports whether the snapshot file is present.
func (s *Store) Exists() bool {
	info, err := os.Stat(s.path)
	return err == nil && !info.IsDir()
}

func (s *Store) forget() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}
