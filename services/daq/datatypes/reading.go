// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the records that flow through the
// acquisition pipeline: sensor readings and anomaly records.
package datatypes

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Sensor Types
// =============================================================================

// SensorType identifies the physical quantity a sensor measures.
type SensorType string

const (
	SensorTemperature SensorType = "temperature"
	SensorPressure    SensorType = "pressure"
	SensorVibration   SensorType = "vibration"

	// SensorAnomaly marks the synthetic rows written for each anomaly
	// record so anomalies are queryable alongside raw readings.
	SensorAnomaly SensorType = "anomaly"
)

// Unit returns the engineering unit used for the sensor type, or
// "unknown".
func (s SensorType) Unit() string {
	switch s {
	case SensorTemperature:
		return "°C"
	case SensorPressure:
		return "bar"
	case SensorVibration:
		return "mm/s"
	default:
		return "unknown"
	}
}

// =============================================================================
// Status
// =============================================================================

// Status is the sensor-reported health flag. Synthetic anomaly rows
// carry the anomaly type name instead.
type Status string

const (
	StatusOK      Status = "OK"
	StatusWarning Status = "WARNING"
	StatusError   Status = "ERROR"
)

// ParseStatus maps a bus string to a Status. Unknown strings are kept
// verbatim so they are still stored.
func ParseStatus(s string) Status {
	switch s {
	case "OK", "ok":
		return StatusOK
	case "WARNING", "warning", "WARN":
		return StatusWarning
	case "ERROR", "error":
		return StatusError
	default:
		return Status(s)
	}
}

// =============================================================================
// Sensor Reading
// =============================================================================

var readingValidate *validator.Validate

func init() {
	readingValidate = validator.New()
}

// SensorReading is one acquired sample.
//
// Readings are values: pipeline stages return annotated copies rather
// than mutating their input. MovingAverage, Deviation, and HighDeviation
// are set by the anomaly detector; AnomalyTag by the validation engine.
type SensorReading struct {
	Timestamp  time.Time  `json:"timestamp" validate:"required"`
	MachineID  string     `json:"machine_id" validate:"required"`
	SensorType SensorType `json:"sensor_type" validate:"required"`
	Location   string     `json:"location"`
	Value      float64    `json:"value"`
	Unit       string     `json:"unit"`
	Quality    int        `json:"quality" validate:"min=0,max=100"`
	Status     Status     `json:"status" validate:"required"`

	AnomalyTag *AnomalyType `json:"anomaly_tag,omitempty"`

	MovingAverage *float64 `json:"moving_average,omitempty"`
	Deviation     *float64 `json:"deviation,omitempty"`
	HighDeviation bool     `json:"high_deviation,omitempty"`
}

// Validate checks required fields and the quality range.
func (r SensorReading) Validate() error {
	if err := readingValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid reading %s/%s: %w", r.MachineID, r.SensorType, err)
	}
	return nil
}

// WithAnomalyTag returns a copy tagged with t.
func (r SensorReading) WithAnomalyTag(t AnomalyType) SensorReading {
	tag := t
	r.AnomalyTag = &tag
	return r
}

// Tag returns the anomaly tag, if any.
func (r SensorReading) Tag() (AnomalyType, bool) {
	if r.AnomalyTag == nil {
		return "", false
	}
	return *r.AnomalyTag, true
}

// WithStatistics returns a copy annotated with moving-average results.
func (r SensorReading) WithStatistics(movingAverage, deviation float64, high bool) SensorReading {
	ma, dev := movingAverage, deviation
	r.MovingAverage = &ma
	r.Deviation = &dev
	r.HighDeviation = high
	return r
}

// AnomalyReading builds the synthetic storage row for rec: sensor type
// "anomaly", value 1.0, status set to the anomaly type.
func AnomalyReading(rec AnomalyRecord, location string) SensorReading {
	return SensorReading{
		Timestamp:  rec.Timestamp,
		MachineID:  rec.MachineID,
		SensorType: SensorAnomaly,
		Location:   location,
		Value:      1.0,
		Unit:       "count",
		Quality:    100,
		Status:     Status(rec.AnomalyType),
	}
}
