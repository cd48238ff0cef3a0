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
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianDAQ/pkg/extensions"
	"github.com/AleutianAI/AleutianDAQ/pkg/logging"
	"github.com/AleutianAI/AleutianDAQ/services/daq/observability"
)

// RegisterRoutes registers the DAQ endpoints.
//
// Endpoints:
//
//	GET  /health                 - Liveness plus storage reachability
//	GET  /metrics                - Prometheus exposition
//	GET  /v1/status              - Pipeline state summary
//	GET  /v1/stats               - Full statistics snapshot
//	POST /v1/pause               - Pause acquisition (operator)
//	POST /v1/resume              - Resume acquisition (operator)
//	GET  /v1/audit               - Recent control actions (operator)
//	GET  /v1/readings            - Query stored readings
//	GET  /v1/anomalies           - Recent anomaly records
//	GET  /v1/anomalies/count     - Anomaly count over a trailing window
//	GET  /v1/anomalies/stream    - Live anomaly websocket
func RegisterRoutes(r gin.IRouter, h *Handlers, hub *Hub) {
	r.GET("/health", h.HandleHealth)
	r.GET("/metrics", gin.WrapH(observability.MetricsHandler()))

	v1 := r.Group("/v1")
	{
		v1.GET("/status", h.HandleStatus)
		v1.GET("/stats", h.HandleStats)
		v1.POST("/pause", h.requireRole("pause", extensions.RoleOperator), h.HandlePause)
		v1.POST("/resume", h.requireRole("resume", extensions.RoleOperator), h.HandleResume)
		v1.GET("/audit", h.requireRole("audit", extensions.RoleOperator), h.HandleAudit)

		v1.GET("/readings", h.HandleReadings)
		v1.GET("/anomalies", h.HandleAnomalies)
		v1.GET("/anomalies/count", h.HandleAnomalyCount)
		if hub != nil {
			v1.GET("/anomalies/stream", hub.HandleStream)
		}
	}
}

// NewRouter builds the engine with recovery and tracing middleware.
func NewRouter(serviceName string, h *Handlers, hub *Hub) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	RegisterRoutes(router, h, hub)
	return router
}

// Server runs an HTTP handler until its context ends.
type Server struct {
	server *http.Server
	logger *logging.Logger
}

// NewServer creates a Server listening on addr.
func NewServer(addr string, handler http.Handler, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With("component", "http", "addr", addr),
	}
}

// Run listens and serves until ctx is cancelled, then shuts down
// gracefully within five seconds.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP server shutdown incomplete", "error", err)
		return err
	}
	s.logger.Info("HTTP server stopped")
	return nil
}
