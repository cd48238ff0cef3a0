// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianDAQ/pkg/logging"
	"github.com/AleutianAI/AleutianDAQ/services/daq/datatypes"
	"github.com/AleutianAI/AleutianDAQ/services/daq/storage"
)

const (
	streamWriteWait  = 5 * time.Second
	streamPingPeriod = 30 * time.Second
	streamBuffer     = 64
)

var streamUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

var _ storage.AnomalySink = (*Hub)(nil)

// Hub fans anomaly records out to websocket subscribers. It is an
// anomaly sink: the orchestrator calls RecordAnomaly for every record.
//
// # Description
//
// Each subscriber has a bounded queue. A subscriber that falls behind
// loses events rather than slowing the pipeline; losses are counted.
//
// # Thread Safety
//
// Safe for concurrent use.
type Hub struct {
	logger  *logging.Logger
	now     func() time.Time
	mu      sync.RWMutex
	clients map[string]chan StreamEvent
	closed  bool
	dropped atomic.Int64
}

// NewHub creates an empty hub.
func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		logger:  logger.With("component", "anomaly_stream"),
		now:     time.Now,
		clients: make(map[string]chan StreamEvent),
	}
}

// RecordAnomaly queues rec for every subscriber. It never blocks.
func (h *Hub) RecordAnomaly(ctx context.Context, rec datatypes.AnomalyRecord) error {
	ev := StreamEvent{Type: EventAnomaly, SentAt: h.now().UTC(), Anomaly: &rec}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.clients {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
			h.logger.Warn("Anomaly stream subscriber behind, event dropped", "session_id", id)
		}
	}
	return nil
}

// Subscribe registers a subscriber and returns its session ID, event
// channel, and an unsubscribe function. The channel is closed on
// unsubscribe or Close.
func (h *Hub) Subscribe() (string, <-chan StreamEvent, func()) {
	id := uuid.NewString()
	ch := make(chan StreamEvent, streamBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return id, ch, func() {}
	}
	h.clients[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return id, ch, func() {
		once.Do(func() { h.remove(id) })
	}
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(ch)
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many events were dropped for slow subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close disconnects every subscriber. Later subscriptions are closed
// immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.clients {
		delete(h.clients, id)
		close(ch)
	}
}

// HandleStream handles GET /v1/anomalies/stream.
//
// Description:
//
//	Upgrades to a websocket, sends a hello event carrying the session
//	ID, then one anomaly event per record until either side closes.
func (h *Hub) HandleStream(c *gin.Context) {
	ws, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade anomaly stream", "error", err)
		return
	}
	defer ws.Close()

	id, events, unsubscribe := h.Subscribe()
	defer unsubscribe()
	logger := h.logger.With("session_id", id)
	logger.Info("Anomaly stream opened", "remote", c.Request.RemoteAddr)

	// The read side only detects the peer closing.
	peerGone := make(chan struct{})
	go func() {
		defer close(peerGone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(ev StreamEvent) error {
		_ = ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
		return ws.WriteJSON(ev)
	}
	if err := write(StreamEvent{Type: EventHello, Session: id, SentAt: h.now().UTC()}); err != nil {
		return
	}

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(streamWriteWait))
				return
			}
			if err := write(ev); err != nil {
				logger.Info("Anomaly stream write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-peerGone:
			logger.Info("Anomaly stream closed by peer")
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
