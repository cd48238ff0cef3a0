// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage defines the time-series storage capability and the
// buffered gateway that batches readings in front of it.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianDAQ/pkg/validation"
	"github.com/AleutianAI/AleutianDAQ/services/daq/datatypes"
)

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("storage closed")

	// ErrInvalidQuery is returned when a Window fails validation.
	ErrInvalidQuery = errors.New("invalid storage query")
)

// DefaultQueryLimit applies when Window.Limit is zero.
const DefaultQueryLimit = 100

// MaxQueryLimit caps Window.Limit.
const MaxQueryLimit = 10000

// Window selects stored readings. Empty MachineID or SensorType match
// all; a zero Start means "no lower bound" and a zero End means now.
type Window struct {
	MachineID  string
	SensorType datatypes.SensorType
	Start      time.Time
	End        time.Time
	Limit      int
}

// Normalize validates w and fills defaults. Identifiers are checked
// because backends embed them in query text.
func (w Window) Normalize(now time.Time) (Window, error) {
	if w.MachineID != "" {
		if err := validation.ValidateIdentifier(w.MachineID); err != nil {
			return w, fmt.Errorf("%w: machine_id: %w", ErrInvalidQuery, err)
		}
	}
	if w.SensorType != "" {
		st, err := validation.SanitizeSensorType(string(w.SensorType))
		if err != nil {
			return w, fmt.Errorf("%w: sensor_type: %w", ErrInvalidQuery, err)
		}
		w.SensorType = datatypes.SensorType(st)
	}
	if w.End.IsZero() {
		w.End = now
	}
	if !w.Start.IsZero() && !w.Start.Before(w.End) {
		return w, fmt.Errorf("%w: start %s is not before end %s", ErrInvalidQuery,
			w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	}
	switch {
	case w.Limit < 0:
		return w, fmt.Errorf("%w: negative limit %d", ErrInvalidQuery, w.Limit)
	case w.Limit == 0:
		w.Limit = DefaultQueryLimit
	case w.Limit > MaxQueryLimit:
		w.Limit = MaxQueryLimit
	}
	return w, nil
}

// Matches reports whether r falls inside w. Backends that cannot push the
// filter down use it to filter scanned rows.
func (w Window) Matches(r datatypes.SensorReading) bool {
	if w.MachineID != "" && r.MachineID != w.MachineID {
		return false
	}
	if w.SensorType != "" && r.SensorType != w.SensorType {
		return false
	}
	if !w.Start.IsZero() && r.Timestamp.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && r.Timestamp.After(w.End) {
		return false
	}
	return true
}

// =============================================================================
// Capabilities
// =============================================================================

// Store is a time-series sink for sensor readings.
//
// # Thread Safety
//
// Implementations are safe for concurrent use.
type Store interface {
	// InsertOne persists a single reading.
	InsertOne(ctx context.Context, r datatypes.SensorReading) error

	// InsertBatch persists readings and returns how many were written.
	// A partial write returns the count written and a non-nil error.
	InsertBatch(ctx context.Context, readings []datatypes.SensorReading) (int, error)

	// Query returns readings inside w, newest first, at most w.Limit.
	Query(ctx context.Context, w Window) ([]datatypes.SensorReading, error)

	// CountAnomalies counts synthetic anomaly rows for machineID whose
	// timestamp is within the trailing window.
	CountAnomalies(ctx context.Context, machineID string, window time.Duration) (int, error)

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// AnomalySink receives every anomaly record the pipeline produces.
type AnomalySink interface {
	RecordAnomaly(ctx context.Context, rec datatypes.AnomalyRecord) error
}

// AnomalySource lists recently recorded anomalies, newest first.
type AnomalySource interface {
	RecentAnomalies(ctx context.Context, machineID string, limit int) ([]datatypes.AnomalyRecord, error)
}

// AnomalySinkFunc adapts a function to AnomalySink.
type AnomalySinkFunc func(ctx context.Context, rec datatypes.AnomalyRecord) error

// RecordAnomaly implements AnomalySink.
func (f AnomalySinkFunc) RecordAnomaly(ctx context.Context, rec datatypes.AnomalyRecord) error {
	return f(ctx, rec)
}
