// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianDAQ/pkg/logging"
)

// WSClientConfig configures a WSClient.
type WSClientConfig struct {
	// URL is the server endpoint, e.g. "ws://localhost:4840/bus".
	URL string

	// RequestTimeout bounds each request. Default: 5s.
	RequestTimeout time.Duration

	// Dialer overrides websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// WSClient is a Gateway speaking to a Server over websocket.
//
// # Description
//
// Requests are multiplexed on one connection and matched to responses by
// ID. If the connection drops, in-flight requests fail with
// ErrNotConnected and the client must Connect again.
//
// # Thread Safety
//
// Safe for concurrent use.
type WSClient struct {
	cfg    WSClientConfig
	logger *logging.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]chan wireResponse
	closed  chan struct{}

	writeMu sync.Mutex
	nextID  atomic.Uint64
}

var _ Gateway = (*WSClient)(nil)

// NewWSClient creates an unconnected client.
func NewWSClient(cfg WSClientConfig, logger *logging.Logger) *WSClient {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &WSClient{
		cfg:    cfg,
		logger: logger.With("component", "bus_client", "url", cfg.URL),
	}
}

// Connect dials the server. A no-op when already connected.
func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial bus %s: %w", c.cfg.URL, err)
	}

	c.conn = conn
	c.pending = make(map[uint64]chan wireResponse)
	c.closed = make(chan struct{})
	go c.readLoop(conn, c.closed)

	c.logger.Info("Connected to bus")
	return nil
}

// Disconnect closes the connection. Safe to call when not connected.
func (c *WSClient) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "disconnect"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	err := conn.Close()
	c.dropConn(conn)
	return err
}

func (c *WSClient) Browse(ctx context.Context, parent NodeID) ([]Node, error) {
	resp, err := c.call(ctx, wireRequest{Op: opBrowse, Node: parent})
	if err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

func (c *WSClient) Read(ctx context.Context, id NodeID) (Value, error) {
	resp, err := c.call(ctx, wireRequest{Op: opRead, Node: id})
	if err != nil {
		return Value{}, err
	}
	if resp.Value == nil {
		return Value{}, fmt.Errorf("bus read %q: empty response", id)
	}
	return *resp.Value, nil
}

func (c *WSClient) ReadGroup(ctx context.Context, ids []NodeID) ([]ReadResult, error) {
	resp, err := c.call(ctx, wireRequest{Op: opReadGroup, Nodes: ids})
	if err != nil {
		return nil, err
	}
	results := make([]ReadResult, len(resp.Results))
	for i, r := range resp.Results {
		results[i] = ReadResult{ID: r.ID, Value: r.Value, Err: decodeError(r.Code, r.Error)}
	}
	return results, nil
}

func (c *WSClient) Write(ctx context.Context, id NodeID, v Value) error {
	_, err := c.call(ctx, wireRequest{Op: opWrite, Node: id, Value: &v})
	return err
}

func (c *WSClient) WriteGroup(ctx context.Context, folder NodeID, values map[string]Value) error {
	_, err := c.call(ctx, wireRequest{Op: opWriteGroup, Node: folder, Values: values})
	return err
}

// call sends req and waits for the matching response.
func (c *WSClient) call(ctx context.Context, req wireRequest) (wireResponse, error) {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	if conn == nil {
		c.mu.Unlock()
		return wireResponse{}, ErrNotConnected
	}
	req.ID = c.nextID.Add(1)
	ch := make(chan wireResponse, 1)
	c.pending[req.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.pending != nil {
			delete(c.pending, req.ID)
		}
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		_ = conn.Close()
		c.dropConn(conn)
		return wireResponse{}, fmt.Errorf("%w: send %s: %v", ErrNotConnected, req.Op, err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return resp, decodeError(resp.Code, resp.Error)
		}
		return resp, nil
	case <-closed:
		return wireResponse{}, fmt.Errorf("%w: connection lost during %s", ErrNotConnected, req.Op)
	case <-timer.C:
		return wireResponse{}, fmt.Errorf("bus %s %q: timed out after %s", req.Op, req.Node, c.cfg.RequestTimeout)
	case <-ctx.Done():
		return wireResponse{}, ctx.Err()
	}
}

// readLoop dispatches responses until the connection fails.
func (c *WSClient) readLoop(conn *websocket.Conn, closed chan struct{}) {
	for {
		var resp wireResponse
		if err := conn.ReadJSON(&resp); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.logger.Warn("Bus connection lost", "error", err)
			}
			c.dropConn(conn)
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// dropConn forgets conn if it is still current and wakes waiters.
func (c *WSClient) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	c.conn = nil
	c.pending = nil
	close(c.closed)
}
