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
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianDAQ/pkg/logging"
)

// BusPath is the websocket endpoint path served by Server.
const BusPath = "/bus"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// Server exposes an AddressSpace over websocket.
//
// # Description
//
// Each connection is a session. Requests on one session are handled in
// order; sessions are independent. The server never pushes unsolicited
// messages: the bus is strictly poll-based.
type Server struct {
	space  *AddressSpace
	logger *logging.Logger
}

// NewServer creates a Server for space.
func NewServer(space *AddressSpace, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{space: space, logger: logger.With("component", "bus_server")}
}

// RegisterRoutes mounts the bus endpoint and a health probe on r.
func (s *Server) RegisterRoutes(r gin.IRoutes) {
	r.GET(BusPath, s.HandleWebSocket())
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// HandleWebSocket returns the gin handler that upgrades and serves one
// bus session.
func (s *Server) HandleWebSocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.logger.Error("Failed to upgrade bus websocket", "error", err)
			return
		}
		defer ws.Close()

		sessionID := uuid.New().String()
		s.logger.Info("Bus session opened", "session_id", sessionID, "remote", c.Request.RemoteAddr)

		for {
			var req wireRequest
			if err := ws.ReadJSON(&req); err != nil {
				s.logger.Info("Bus session closed", "session_id", sessionID, "reason", err.Error())
				return
			}
			resp := s.handle(req)
			if err := ws.WriteJSON(resp); err != nil {
				s.logger.Warn("Failed to write bus response", "session_id", sessionID, "error", err)
				return
			}
		}
	}
}

// handle executes one request against the address space.
func (s *Server) handle(req wireRequest) wireResponse {
	resp := wireResponse{ID: req.ID}
	fail := func(err error) wireResponse {
		resp.Error = err.Error()
		resp.Code = errorCode(err)
		return resp
	}

	switch req.Op {
	case opBrowse:
		nodes, err := s.space.Browse(req.Node)
		if err != nil {
			return fail(err)
		}
		resp.Nodes = nodes

	case opRead:
		v, err := s.space.Read(req.Node)
		if err != nil {
			return fail(err)
		}
		resp.Value = &v

	case opReadGroup:
		results := s.space.ReadGroup(req.Nodes)
		resp.Results = make([]wireResult, len(results))
		for i, r := range results {
			resp.Results[i] = wireResult{ID: r.ID, Value: r.Value}
			if r.Err != nil {
				resp.Results[i].Error = r.Err.Error()
				resp.Results[i].Code = errorCode(r.Err)
			}
		}

	case opWrite:
		if req.Value == nil {
			resp.Error, resp.Code = "write requires a value", codeBadRequest
			return resp
		}
		if err := s.space.Write(req.Node, *req.Value); err != nil {
			return fail(err)
		}

	case opWriteGroup:
		if err := s.space.WriteGroup(req.Node, req.Values); err != nil {
			return fail(err)
		}

	default:
		resp.Error, resp.Code = "unknown op "+req.Op, codeBadRequest
	}
	return resp
}
