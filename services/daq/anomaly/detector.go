// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package anomaly annotates validated readings with moving-average
// statistics and derives anomaly records from them.
package anomaly

import (
	"fmt"
	"math"
	"sync"

	"github.com/AleutianAI/AleutianDAQ/pkg/logging"
	"github.com/AleutianAI/AleutianDAQ/pkg/ringbuffer"
	"github.com/AleutianAI/AleutianDAQ/services/daq/datatypes"
)

// =============================================================================
// Configuration
// =============================================================================

// Config tunes the detector.
type Config struct {
	// HistoryCapacity bounds the global (all sensor types) history.
	// Default: 1000
	HistoryCapacity int

	// MovingAverageWindow counts same-type values including the current.
	// Default: 5
	MovingAverageWindow int

	// RapidChangeWindow is how many recent history entries are searched
	// for the previous same-type value.
	// Default: 10
	RapidChangeWindow int

	// DeviationRatio marks high deviation when ma > 0 and |v-ma| > ratio*ma.
	// Default: 0.1
	DeviationRatio float64

	// RapidChangeThresholds per sensor type; DefaultRapidChange otherwise.
	RapidChangeThresholds map[datatypes.SensorType]float64
	DefaultRapidChange    float64
}

// DefaultConfig returns the standard detector tuning.
func DefaultConfig() Config {
	return Config{
		HistoryCapacity:     1000,
		MovingAverageWindow: 5,
		RapidChangeWindow:   10,
		DeviationRatio:      0.1,
		RapidChangeThresholds: map[datatypes.SensorType]float64{
			datatypes.SensorTemperature: 5.0,
			datatypes.SensorPressure:    0.3,
			datatypes.SensorVibration:   0.5,
		},
		DefaultRapidChange: 1.0,
	}
}

func (c Config) rapidThreshold(t datatypes.SensorType) float64 {
	if v, ok := c.RapidChangeThresholds[t]; ok {
		return v
	}
	return c.DefaultRapidChange
}

// =============================================================================
// Detector
// =============================================================================

type historyEntry struct {
	sensorType datatypes.SensorType
	value      float64
}

// Detector keeps a bounded history of processed values and flags
// anomalies against it.
//
// # Description
//
// For each reading, Process computes the moving average over the last
// MovingAverageWindow same-type values (current included), the absolute
// deviation from it, and whether the deviation is high. It then looks
// for the most recent same-type value among the last RapidChangeWindow
// history entries and flags a rapid change when the difference exceeds
// the type's threshold. Records are produced for a validation tag, a high
// deviation, and a rapid change, in that order. The batch is appended to
// history only after every reading has been evaluated.
//
// # Thread Safety
//
// Process serializes on an internal mutex.
type Detector struct {
	cfg     Config
	logger  *logging.Logger
	mu      sync.Mutex
	history *ringbuffer.RingBuffer[historyEntry]
}

// NewDetector creates a detector. Zero fields of cfg take defaults.
func NewDetector(cfg Config, logger *logging.Logger) *Detector {
	def := DefaultConfig()
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = def.HistoryCapacity
	}
	if cfg.MovingAverageWindow <= 0 {
		cfg.MovingAverageWindow = def.MovingAverageWindow
	}
	if cfg.RapidChangeWindow <= 0 {
		cfg.RapidChangeWindow = def.RapidChangeWindow
	}
	if cfg.DeviationRatio <= 0 {
		cfg.DeviationRatio = def.DeviationRatio
	}
	if cfg.RapidChangeThresholds == nil {
		cfg.RapidChangeThresholds = def.RapidChangeThresholds
	}
	if cfg.DefaultRapidChange <= 0 {
		cfg.DefaultRapidChange = def.DefaultRapidChange
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Detector{
		cfg:     cfg,
		logger:  logger.With("component", "anomaly"),
		history: ringbuffer.New[historyEntry](cfg.HistoryCapacity),
	}
}

// Process annotates readings and returns the anomaly records they
// produce. The returned readings are copies in input order.
func (d *Detector) Process(readings []datatypes.SensorReading) ([]datatypes.SensorReading, []datatypes.AnomalyRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()

	history := d.history.ToSlice()
	annotated := make([]datatypes.SensorReading, 0, len(readings))
	var records []datatypes.AnomalyRecord

	for _, r := range readings {
		ma := d.movingAverage(history, r.SensorType, r.Value)
		deviation := math.Abs(r.Value - ma)
		high := ma > 0 && deviation > ma*d.cfg.DeviationRatio
		r = r.WithStatistics(ma, deviation, high)
		annotated = append(annotated, r)

		if tag, ok := r.Tag(); ok {
			rec := datatypes.NewAnomalyRecord(r, tag, Severity(tag, r.SensorType, r.Value))
			rec.Description = describeTag(tag, r)
			records = append(records, rec)
		}

		if high {
			rec := datatypes.NewAnomalyRecord(r, datatypes.AnomalyHighDeviation, datatypes.SeverityMedium)
			rec.Description = fmt.Sprintf("%s: deviation %.2f from moving average %.2f",
				datatypes.AnomalyHighDeviation.Description(), deviation, ma)
			records = append(records, rec)
		}

		if rate, ok := d.rapidChange(history, r.SensorType, r.Value); ok {
			rec := datatypes.NewAnomalyRecord(r, datatypes.AnomalyRapidChange, datatypes.SeverityHigh)
			rec.ChangeRate = &rate
			rec.Description = fmt.Sprintf("%s: change of %.2f %s in one cycle",
				datatypes.AnomalyRapidChange.Description(), rate, r.Unit)
			records = append(records, rec)
		}
	}

	for _, r := range annotated {
		d.history.Push(historyEntry{sensorType: r.SensorType, value: r.Value})
	}

	if len(records) > 0 {
		d.logger.Warn("Anomalies detected", "count", len(records))
	}
	return annotated, records
}

// movingAverage averages the last window-1 same-type history values plus
// current.
func (d *Detector) movingAverage(history []historyEntry, t datatypes.SensorType, current float64) float64 {
	sum := current
	n := 1
	for i := len(history) - 1; i >= 0 && n < d.cfg.MovingAverageWindow; i-- {
		if history[i].sensorType == t {
			sum += history[i].value
			n++
		}
	}
	return sum / float64(n)
}

// rapidChange compares current with the most recent same-type value in
// the last RapidChangeWindow entries.
func (d *Detector) rapidChange(history []historyEntry, t datatypes.SensorType, current float64) (float64, bool) {
	start := max(0, len(history)-d.cfg.RapidChangeWindow)
	for i := len(history) - 1; i >= start; i-- {
		if history[i].sensorType != t {
			continue
		}
		rate := math.Abs(current - history[i].value)
		return rate, rate > d.cfg.rapidThreshold(t)
	}
	return 0, false
}

// HistoryLen returns the number of history entries held.
func (d *Detector) HistoryLen() int {
	return d.history.Size()
}

// =============================================================================
// Severity
// =============================================================================

// Severity classifies a tagged reading. The first matching rule wins:
//
//	OUT_OF_RANGE   temperature >35 or <20 -> HIGH, pressure >1.8 or <1.0 -> HIGH, else MEDIUM
//	HIGH_VIBRATION >2.0 -> CRITICAL, else HIGH
//	HIGH_DEVIATION MEDIUM
//	RAPID_CHANGE   HIGH
//	anything else  LOW
func Severity(t datatypes.AnomalyType, sensor datatypes.SensorType, value float64) datatypes.Severity {
	switch t {
	case datatypes.AnomalyOutOfRange:
		switch sensor {
		case datatypes.SensorTemperature:
			if value > 35 || value < 20 {
				return datatypes.SeverityHigh
			}
		case datatypes.SensorPressure:
			if value > 1.8 || value < 1.0 {
				return datatypes.SeverityHigh
			}
		}
		return datatypes.SeverityMedium
	case datatypes.AnomalyHighVibration:
		if value > 2.0 {
			return datatypes.SeverityCritical
		}
		return datatypes.SeverityHigh
	case datatypes.AnomalyHighDeviation:
		return datatypes.SeverityMedium
	case datatypes.AnomalyRapidChange:
		return datatypes.SeverityHigh
	default:
		return datatypes.SeverityLow
	}
}

func describeTag(t datatypes.AnomalyType, r datatypes.SensorReading) string {
	switch t {
	case datatypes.AnomalyOutOfRange:
		return fmt.Sprintf("%s: %.2f %s", t.Description(), r.Value, r.Unit)
	case datatypes.AnomalyHighVibration:
		return fmt.Sprintf("%s: %.2f mm/s", t.Description(), r.Value)
	case datatypes.AnomalyLowQuality:
		return fmt.Sprintf("%s: %d%%", t.Description(), r.Quality)
	default:
		return t.Description()
	}
}
