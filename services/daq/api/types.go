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
	"time"

	"github.com/AleutianAI/AleutianDAQ/pkg/extensions"
	"github.com/AleutianAI/AleutianDAQ/services/daq/datatypes"
	"github.com/AleutianAI/AleutianDAQ/services/daq/orchestrator"
)

// ServiceVersion is reported by the health endpoint.
const ServiceVersion = "0.3.0"

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	State     string `json:"state"`
	StorageOK bool   `json:"storage_ok"`
	Error     string `json:"error,omitempty"`
}

// StatusResponse is returned by GET /v1/status and the pause/resume
// endpoints.
type StatusResponse struct {
	State         string  `json:"state"`
	MachineID     string  `json:"machine_id"`
	TotalCycles   int64   `json:"total_cycles"`
	SuccessRate   float64 `json:"success_rate"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Governor      string  `json:"governor"`
	Buffered      int     `json:"buffered"`
}

func statusFrom(s orchestrator.Snapshot) StatusResponse {
	return StatusResponse{
		State:         s.State,
		MachineID:     s.MachineID,
		TotalCycles:   s.Cycles.TotalCycles,
		SuccessRate:   s.SuccessRate,
		UptimeSeconds: s.UptimeSeconds,
		Governor:      s.Governor.State,
		Buffered:      s.Buffer.Buffered,
	}
}

// ReadingsResponse is returned by GET /v1/readings.
type ReadingsResponse struct {
	MachineID string                    `json:"machine_id,omitempty"`
	Count     int                       `json:"count"`
	Readings  []datatypes.SensorReading `json:"readings"`
}

// AnomalyCountResponse is returned by GET /v1/anomalies/count.
type AnomalyCountResponse struct {
	MachineID     string  `json:"machine_id"`
	WindowSeconds float64 `json:"window_seconds"`
	Count         int     `json:"count"`
}

// AnomaliesResponse is returned by GET /v1/anomalies.
type AnomaliesResponse struct {
	Source    string                    `json:"source"`
	Count     int                       `json:"count"`
	Anomalies []datatypes.AnomalyRecord `json:"anomalies"`
}

// StreamEvent is one message on the anomaly websocket stream.
type StreamEvent struct {
	Type    string                   `json:"type"`
	Session string                   `json:"session,omitempty"`
	SentAt  time.Time                `json:"sent_at"`
	Anomaly *datatypes.AnomalyRecord `json:"anomaly,omitempty"`
}

// Stream event types.
const (
	EventHello   = "hello"
	EventAnomaly = "anomaly"
)

// AuditResponse is the body of GET /v1/audit.
type AuditResponse struct {
	Count  int                     `json:"count"`
	Events []extensions.AuditEvent `json:"events"`
}
