// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Anomaly Types
// =============================================================================

// AnomalyType classifies a detected anomaly.
type AnomalyType string

const (
	AnomalyOutOfRange    AnomalyType = "OUT_OF_RANGE"
	AnomalyHighVibration AnomalyType = "HIGH_VIBRATION"
	AnomalyHighDeviation AnomalyType = "HIGH_DEVIATION"
	AnomalyRapidChange   AnomalyType = "RAPID_CHANGE"
	AnomalyLowQuality    AnomalyType = "LOW_QUALITY"
	AnomalySensorError   AnomalyType = "SENSOR_ERROR"
)

var anomalyDescriptions = map[AnomalyType]string{
	AnomalyOutOfRange:    "Sensor value outside normal operating range",
	AnomalyHighVibration: "Excessive vibration detected - potential mechanical issue",
	AnomalyHighDeviation: "Significant deviation from normal pattern",
	AnomalyRapidChange:   "Rapid change in sensor value detected",
	AnomalyLowQuality:    "Poor signal quality detected",
	AnomalySensorError:   "Sensor malfunction or communication error",
}

// Description returns the operator-facing description of the type.
func (a AnomalyType) Description() string {
	if d, ok := anomalyDescriptions[a]; ok {
		return d
	}
	return "Unknown anomaly type"
}

// =============================================================================
// Severity
// =============================================================================

// Severity is the escalation tier of an anomaly, ordered LOW < MEDIUM <
// HIGH < CRITICAL.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(text []byte) error {
	switch strings.ToUpper(string(text)) {
	case "LOW":
		*s = SeverityLow
	case "MEDIUM":
		*s = SeverityMedium
	case "HIGH":
		*s = SeverityHigh
	case "CRITICAL":
		*s = SeverityCritical
	default:
		return fmt.Errorf("unknown severity %q", text)
	}
	return nil
}

// =============================================================================
// Anomaly Record
// =============================================================================

// AnomalyRecord is derived from a SensorReading and never mutated.
type AnomalyRecord struct {
	ID          string      `json:"id"`
	Timestamp   time.Time   `json:"timestamp"`
	MachineID   string      `json:"machine_id"`
	SensorType  SensorType  `json:"sensor_type"`
	Value       float64     `json:"value"`
	AnomalyType AnomalyType `json:"anomaly_type"`
	Severity    Severity    `json:"severity"`
	Description string      `json:"description"`

	// ChangeRate is set for RAPID_CHANGE records.
	ChangeRate *float64 `json:"change_rate,omitempty"`
}

// NewAnomalyRecord derives a record of type t from r.
func NewAnomalyRecord(r SensorReading, t AnomalyType, severity Severity) AnomalyRecord {
	return AnomalyRecord{
		ID:          uuid.NewString(),
		Timestamp:   r.Timestamp,
		MachineID:   r.MachineID,
		SensorType:  r.SensorType,
		Value:       r.Value,
		AnomalyType: t,
		Severity:    severity,
		Description: t.Description(),
	}
}
