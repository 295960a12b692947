// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce coalesces the bursts of events an editor or the
// engine produces while rewriting the file.
const DefaultWatchDebounce = 100 * time.Millisecond

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	Debounce time.Duration

	// Archive receives every new snapshot. Nil disables archiving.
	Archive *Archive

	// OnUpdate is called after each published update. Must not block.
	OnUpdate func(Update)

	Logger *slog.Logger
}

// Watcher watches the snapshot file and publishes changes to a Hub.
//
// The directory is watched rather than the file so that atomic
// rename-into-place writes and first creation are seen.
type Watcher struct {
	store    *Store
	hub      *Hub
	archive  *Archive
	onUpdate func(Update)
	debounce time.Duration
	logger   *slog.Logger

	dir  string
	base string

	mu       sync.Mutex
	lastETag string
}

// NewWatcher creates a Watcher for store's file.
func NewWatcher(store *Store, hub *Hub, cfg WatcherConfig) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultWatchDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(store.Path())
	if err != nil {
		abs = filepath.Clean(store.Path())
	}
	return &Watcher{
		store:    store,
		hub:      hub,
		archive:  cfg.Archive,
		onUpdate: cfg.OnUpdate,
		debounce: cfg.Debounce,
		logger:   logger.With(slog.String("component", "snapshot_watcher")),
		dir:      filepath.Dir(abs),
		base:     filepath.Base(abs),
	}
}

// Run watches until ctx is done. The snapshot present at start becomes the
// baseline: it is archived but not published.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating snapshot watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.logger.Info("watching benchmark snapshot",
		slog.String("dir", w.dir),
		slog.String("file", w.base),
	)

	w.sync(ctx, false)

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != w.base || event.Op == fsnotify.Chmod {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("snapshot watcher error", slog.String("error", err.Error()))

		case <-timerC:
			timerC = nil
			w.sync(ctx, true)
		}
	}
}

// Sync re-reads the file and publishes it if it changed since the last
// sync.
func (w *Watcher) Sync(ctx context.Context) {
	w.sync(ctx, true)
}

func (w *Watcher) sync(ctx context.Context, publish bool) {
	snap, err := w.store.Read()
	if errors.Is(err, ErrSnapshotMissing) {
		w.mu.Lock()
		had := w.lastETag != ""
		w.lastETag = ""
		w.mu.Unlock()
		if had && publish {
			w.publish(Update{Type: UpdateRemoved, UpdatedAt: time.Now().UTC()})
		}
		return
	}
	if err != nil {
		w.logger.Warn("snapshot read failed", slog.String("error", err.Error()))
		return
	}

	w.mu.Lock()
	changed := snap.ETag != w.lastETag
	w.lastETag = snap.ETag
	w.mu.Unlock()
	if !changed {
		return
	}

	if w.archive != nil {
		if _, err := w.archive.Put(ctx, snap); err != nil {
			w.logger.Warn("snapshot archive failed",
				slog.String("etag", snap.ETag),
				slog.String("error", err.Error()),
			)
		}
	}
	if publish {
		w.logger.Debug("benchmark snapshot updated",
			slog.String("etag", snap.ETag),
			slog.Int64("size", snap.Size),
		)
		w.publish(UpdateFor(snap))
	}
}

func (w *Watcher) publish(u Update) {
	w.hub.Publish(u)
	if w.onUpdate != nil {
		w.onUpdate(u)
	}
}
