// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"time"

	"github.com/AleutianAI/AleutianDAQ/pkg/logging"
	"github.com/AleutianAI/AleutianDAQ/pkg/ringbuffer"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeFailed  = "failed"
)

// AuditEvent records one control action.
type AuditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Subject   string    `json:"subject"`
	RequestID string    `json:"request_id,omitempty"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
}

// AuditLogger records control actions.
//
// Log must not block the request for long; implementations that ship
// events elsewhere should buffer.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
}

// NopAuditLogger discards events.
type NopAuditLogger struct{}

// Log implements AuditLogger.
func (l *NopAuditLogger) Log(context.Context, AuditEvent) error { return nil }

// LogAuditLogger writes events to the structured log at INFO, or WARN
// for denied and failed actions.
type LogAuditLogger struct {
	logger *logging.Logger
}

// NewLogAuditLogger creates an AuditLogger on logger.
func NewLogAuditLogger(logger *logging.Logger) *LogAuditLogger {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogAuditLogger{logger: logger.With("component", "audit")}
}

// Log implements AuditLogger.
func (l *LogAuditLogger) Log(_ context.Context, e AuditEvent) error {
	args := []any{
		"action", e.Action,
		"subject", e.Subject,
		"outcome", e.Outcome,
		"request_id", e.RequestID,
	}
	if e.Detail != "" {
		args = append(args, "detail", e.Detail)
	}
	if e.Outcome == OutcomeSuccess {
		l.logger.Info("Control action", args...)
	} else {
		l.logger.Warn("Control action", args...)
	}
	return nil
}

// AuditTrail keeps the most recent events in memory and forwards each one
// to next.
type AuditTrail struct {
	ring *ringbuffer.RingBuffer[AuditEvent]
	next AuditLogger
}

// NewAuditTrail keeps up to capacity events. next may be nil.
func NewAuditTrail(capacity int, next AuditLogger) *AuditTrail {
	if next == nil {
		next = &NopAuditLogger{}
	}
	return &AuditTrail{ring: ringbuffer.New[AuditEvent](capacity), next: next}
}

// Log implements AuditLogger.
func (t *AuditTrail) Log(ctx context.Context, e AuditEvent) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	t.ring.Push(e)
	return t.next.Log(ctx, e)
}

// Recent returns up to limit events, newest first.
func (t *AuditTrail) Recent(limit int) []AuditEvent {
	events := t.ring.Last(limit)
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events
}
