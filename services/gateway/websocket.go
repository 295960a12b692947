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
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/IndexGate/services/gateway/snapshot"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsBuffer     = 8
)

// HandleSnapshotStream handles GET /perf/ws.
//
// Description:
//
//	Upgrades to a websocket and pushes a snapshot.Update whenever the
//	snapshot file changes. The current snapshot, if any, is sent first.
//	Client messages are ignored.
func (h *Handlers) HandleSnapshotStream(c *gin.Context) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || h.origins.allows(origin)
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger(c).Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	updates, cancel := h.gw.Subscribe(wsBuffer)
	defer cancel()
	if m := h.gw.Metrics(); m != nil {
		m.WebsocketConnected(1)
		defer m.WebsocketConnected(-1)
	}

	readerDone := make(chan struct{})
	go discardReads(conn, readerDone)
	defer func() {
		conn.Close()
		<-readerDone
	}()

	logger := h.logger(c)
	logger.Debug("snapshot subscriber connected")

	if snap, err := h.gw.Snapshot(); err == nil {
		if err := writeUpdate(conn, snapshot.UpdateFor(snap)); err != nil {
			return
		}
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-readerDone:
			logger.Debug("snapshot subscriber disconnected")
			return

		case u, ok := <-updates:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(wsWriteWait))
				return
			}
			if err := writeUpdate(conn, u); err != nil {
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func writeUpdate(conn *websocket.Conn, u snapshot.Update) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(u)
}

// discardReads consumes client frames so control frames are processed, and
// closes done when the connection fails.
func discardReads(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
