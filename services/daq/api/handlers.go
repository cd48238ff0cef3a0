// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves the DAQ control, status, and query HTTP interface.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianDAQ/pkg/extensions"
	"github.com/AleutianAI/AleutianDAQ/pkg/logging"
	"github.com/AleutianAI/AleutianDAQ/services/daq/datatypes"
	"github.com/AleutianAI/AleutianDAQ/services/daq/orchestrator"
	"github.com/AleutianAI/AleutianDAQ/services/daq/storage"
)

const (
	// DefaultAnomalyWindow is the trailing window for anomaly counts when
	// none is given.
	DefaultAnomalyWindow = time.Hour

	queryTimeout = 10 * time.Second
)

// Controller is the part of the orchestrator the API drives.
type Controller interface {
	Pause() error
	Resume() error
	Stats() orchestrator.Snapshot
	RecentAnomalies(limit int) []datatypes.AnomalyRecord
}

// Querier is the read side of a storage backend.
type Querier interface {
	Query(ctx context.Context, w storage.Window) ([]datatypes.SensorReading, error)
	CountAnomalies(ctx context.Context, machineID string, window time.Duration) (int, error)
	Ping(ctx context.Context) error
}

// Handlers holds the HTTP handlers and their dependencies.
//
// # Thread Safety
//
// Safe for concurrent use. Identical concurrent storage queries share one
// backend round trip.
type Handlers struct {
	ctrl      Controller
	store     Querier
	anomalies storage.AnomalySource
	machineID string
	logger    *logging.Logger
	ext       extensions.ServiceOptions
	flight    singleflight.Group
}

// HandlerOption configures Handlers.
type HandlerOption func(*Handlers)

// WithAnomalySource serves GET /v1/anomalies?source=log from a persisted
// anomaly log.
func WithAnomalySource(src storage.AnomalySource) HandlerOption {
	return func(h *Handlers) { h.anomalies = src }
}

// WithHandlerLogger sets the logger.
func WithHandlerLogger(l *logging.Logger) HandlerOption {
	return func(h *Handlers) { h.logger = l }
}

// WithExtensions sets the auth provider and audit logger guarding the
// control endpoints.
func WithExtensions(opts extensions.ServiceOptions) HandlerOption {
	return func(h *Handlers) {
		h.ext = extensions.DefaultOptions().WithAuth(opts.AuthProvider).WithAudit(opts.AuditLogger)
	}
}

// NewHandlers creates handlers for one machine's pipeline.
func NewHandlers(ctrl Controller, store Querier, machineID string, opts ...HandlerOption) *Handlers {
	h := &Handlers{
		ctrl:      ctrl,
		store:     store,
		machineID: machineID,
		logger:    logging.Default(),
		ext:       extensions.DefaultOptions(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "api")
	return h
}

// HandleHealth handles GET /health.
//
// Response:
//
//	200 OK: HealthResponse, storage reachable
//	503 Service Unavailable: HealthResponse, storage unreachable
func (h *Handlers) HandleHealth(c *gin.Context) {
	resp := HealthResponse{
		Status:    "healthy",
		Version:   ServiceVersion,
		State:     h.ctrl.Stats().State,
		StorageOK: true,
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.StorageOK = false
		resp.Error = err.Error()
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleStatus handles GET /v1/status.
func (h *Handlers) HandleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, statusFrom(h.ctrl.Stats()))
}

// HandleStats handles GET /v1/stats with the full statistics snapshot.
func (h *Handlers) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctrl.Stats())
}

// HandlePause handles POST /v1/pause.
//
// Response:
//
//	200 OK: StatusResponse
//	409 Conflict: pipeline is not running
func (h *Handlers) HandlePause(c *gin.Context) {
	h.transition(c, "pause", h.ctrl.Pause)
}

// HandleResume handles POST /v1/resume.
//
// Response:
//
//	200 OK: StatusResponse
//	409 Conflict: pipeline is not paused
func (h *Handlers) HandleResume(c *gin.Context) {
	h.transition(c, "resume", h.ctrl.Resume)
}

func (h *Handlers) transition(c *gin.Context, action string, fn func() error) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "action", action)
	event := extensions.AuditEvent{Action: action, Subject: subjectOf(c), RequestID: requestID}
	if err := fn(); err != nil {
		status, code := http.StatusInternalServerError, "TRANSITION_FAILED"
		if errors.Is(err, orchestrator.ErrInvalidState) {
			status, code = http.StatusConflict, "INVALID_STATE"
		}
		logger.Warn("Pipeline transition rejected", "error", err)
		event.Outcome, event.Detail = extensions.OutcomeFailed, err.Error()
		h.audit(c, event)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	logger.Info("Pipeline transition applied")
	event.Outcome = extensions.OutcomeSuccess
	h.audit(c, event)
	c.JSON(http.StatusOK, statusFrom(h.ctrl.Stats()))
}

// HandleReadings handles GET /v1/readings.
//
// Query Parameters:
//
//	machine_id: machine to query (optional, default the local machine)
//	sensor_type: temperature, pressure, vibration, or anomaly (optional)
//	start, end: RFC 3339 bounds (optional)
//	limit: maximum rows, newest first (optional, default 100)
//
// Response:
//
//	200 OK: ReadingsResponse
//	400 Bad Request: invalid parameter
//	502 Bad Gateway: storage query failed
func (h *Handlers) HandleReadings(c *gin.Context) {
	logger := h.logger.With("request_id", getOrCreateRequestID(c), "handler", "HandleReadings")

	w := storage.Window{
		MachineID:  c.DefaultQuery("machine_id", h.machineID),
		SensorType: datatypes.SensorType(c.Query("sensor_type")),
	}
	var err error
	if w.Start, err = parseTime(c.Query("start")); err != nil {
		badRequest(c, "INVALID_START", err)
		return
	}
	if w.End, err = parseTime(c.Query("end")); err != nil {
		badRequest(c, "INVALID_END", err)
		return
	}
	if raw := c.Query("limit"); raw != "" {
		if w.Limit, err = strconv.Atoi(raw); err != nil {
			badRequest(c, "INVALID_LIMIT", fmt.Errorf("limit: %w", err))
			return
		}
	}

	key := fmt.Sprintf("readings|%s|%s|%d|%d|%d", w.MachineID, w.SensorType,
		w.Start.UnixNano(), w.End.UnixNano(), w.Limit)
	v, err, shared := h.flight.Do(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), queryTimeout)
		defer cancel()
		return h.store.Query(ctx, w)
	})
	if err != nil {
		h.storageError(c, logger, "Readings query failed", err)
		return
	}
	rows := v.([]datatypes.SensorReading)
	logger.Debug("Readings query served", "rows", len(rows), "shared", shared)
	c.JSON(http.StatusOK, ReadingsResponse{MachineID: w.MachineID, Count: len(rows), Readings: rows})
}

// HandleAnomalyCount handles GET /v1/anomalies/count.
//
// Query Parameters:
//
//	machine_id: machine to count (optional, default the local machine)
//	window: trailing Go duration such as 30m or 24h (optional, default 1h)
func (h *Handlers) HandleAnomalyCount(c *gin.Context) {
	logger := h.logger.With("request_id", getOrCreateRequestID(c), "handler", "HandleAnomalyCount")

	machineID := c.DefaultQuery("machine_id", h.machineID)
	window := DefaultAnomalyWindow
	if raw := c.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			badRequest(c, "INVALID_WINDOW", fmt.Errorf("window: %w", err))
			return
		}
		window = d
	}

	key := fmt.Sprintf("count|%s|%d", machineID, window)
	v, err, _ := h.flight.Do(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), queryTimeout)
		defer cancel()
		return h.store.CountAnomalies(ctx, machineID, window)
	})
	if err != nil {
		h.storageError(c, logger, "Anomaly count failed", err)
		return
	}
	c.JSON(http.StatusOK, AnomalyCountResponse{
		MachineID:     machineID,
		WindowSeconds: window.Seconds(),
		Count:         v.(int),
	})
}

// HandleAnomalies handles GET /v1/anomalies.
//
// Query Parameters:
//
//	limit: maximum records, newest first (optional, default 50)
//	source: "memory" for records retained by the running pipeline
//	        (default) or "log" for the persisted anomaly log
func (h *Handlers) HandleAnomalies(c *gin.Context) {
	logger := h.logger.With("request_id", getOrCreateRequestID(c), "handler", "HandleAnomalies")

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, "INVALID_LIMIT", fmt.Errorf("limit must be a positive integer: %q", raw))
			return
		}
		limit = n
	}

	switch source := c.DefaultQuery("source", "memory"); source {
	case "memory":
		recs := h.ctrl.RecentAnomalies(limit)
		c.JSON(http.StatusOK, AnomaliesResponse{Source: source, Count: len(recs), Anomalies: recs})
	case "log":
		if h.anomalies == nil {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "anomaly log not configured", Code: "NO_ANOMALY_LOG"})
			return
		}
		machineID := c.DefaultQuery("machine_id", h.machineID)
		recs, err := h.anomalies.RecentAnomalies(c.Request.Context(), machineID, limit)
		if err != nil {
			h.storageError(c, logger, "Anomaly log read failed", err)
			return
		}
		c.JSON(http.StatusOK, AnomaliesResponse{Source: source, Count: len(recs), Anomalies: recs})
	default:
		badRequest(c, "INVALID_SOURCE", fmt.Errorf("unknown source %q", source))
	}
}

func (h *Handlers) storageError(c *gin.Context, logger *logging.Logger, msg string, err error) {
	if errors.Is(err, storage.ErrInvalidQuery) {
		badRequest(c, "INVALID_QUERY", err)
		return
	}
	logger.Error(msg, "error", err)
	c.JSON(http.StatusBadGateway, ErrorResponse{Error: err.Error(), Code: "STORAGE_ERROR"})
}

func badRequest(c *gin.Context, code string, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: code})
}

// parseTime accepts RFC 3339 and the other layouts strfmt.DateTime
// understands. Empty yields the zero time.
func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	dt, err := strfmt.ParseDateTime(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("time %q: %w", raw, err)
	}
	return time.Time(dt).UTC(), nil
}

// getOrCreateRequestID gets or creates a request ID.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
