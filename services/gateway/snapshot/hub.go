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
	"sync"
	"time"
)

// Update types.
const (
	UpdateSnapshot = "snapshot"
	UpdateRemoved  = "removed"
)

// Update announces a change of the snapshot file.
type Update struct {
	Type      string    `json:"type"`
	ETag      string    `json:"etag,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Size      int64     `json:"size"`
}

// UpdateFor builds the notification for snap.
func UpdateFor(snap Snapshot) Update {
	return Update{
		Type:      UpdateSnapshot,
		ETag:      snap.ETag,
		UpdatedAt: snap.ModTime.UTC(),
		Size:      snap.Size,
	}
}

// Hub fans updates out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full loses its oldest pending update.
//
// Thread Safety: Safe for concurrent use.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]chan Update
	nextID uint64
	closed bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]chan Update)}
}

// Subscribe registers a subscriber with the given buffer size (minimum 1).
// The returned cancel function unregisters it and closes the channel; it is
// safe to call more than once. Subscribing to a closed hub returns an
// already closed channel.
func (h *Hub) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Update, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers u to every subscriber and returns how many received it.
func (h *Hub) Publish(u Update) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0
	}
	for _, ch := range h.subs {
		for {
			select {
			case ch <- u:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
	return len(h.subs)
}

// Count returns the number of subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscriber channel and rejects new subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
