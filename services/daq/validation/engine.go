// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation quality-gates and range-checks sensor readings.
package validation

import (
	"sync/atomic"

	"github.com/AleutianAI/AleutianDAQ/pkg/logging"
	"github.com/AleutianAI/AleutianDAQ/services/daq/config"
	"github.com/AleutianAI/AleutianDAQ/services/daq/datatypes"
)

// Rules are the limits the engine applies.
type Rules struct {
	config.Thresholds
	MinQuality int
}

// RulesFromConfig extracts the rules from the application config.
func RulesFromConfig(cfg *config.Config) Rules {
	return Rules{Thresholds: cfg.Thresholds, MinQuality: cfg.Acquisition.MinQuality}
}

// Stats counts engine decisions since creation.
type Stats struct {
	Checked  int64 `json:"checked"`
	Accepted int64 `json:"accepted"`
	Dropped  int64 `json:"dropped"`
	Tagged   int64 `json:"tagged"`
}

// Engine applies the quality gate and the range gate.
//
// # Description
//
// A reading whose quality is below MinQuality is dropped. Temperature and
// pressure outside [min, max] are kept and tagged OUT_OF_RANGE; vibration
// above its max is kept and tagged HIGH_VIBRATION. A sensor reporting
// ERROR with no range tag is kept and tagged SENSOR_ERROR.
//
// # Thread Safety
//
// Validate and SetRules are safe for concurrent use. A Validate call sees
// one complete rule set.
type Engine struct {
	rules  atomic.Pointer[Rules]
	logger *logging.Logger

	checked  atomic.Int64
	accepted atomic.Int64
	dropped  atomic.Int64
	tagged   atomic.Int64
}

// NewEngine creates an engine with the given rules. A nil logger uses
// logging.Default().
func NewEngine(rules Rules, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	e := &Engine{logger: logger.With("component", "validation")}
	e.rules.Store(&rules)
	return e
}

// SetRules atomically replaces the rules, e.g. after a config reload.
func (e *Engine) SetRules(rules Rules) {
	e.rules.Store(&rules)
	e.logger.Info("Validation rules updated",
		"min_quality", rules.MinQuality,
		"temp_range", []float64{rules.TempMin, rules.TempMax},
		"pressure_range", []float64{rules.PressureMin, rules.PressureMax},
		"vibration_max", rules.VibrationMax,
	)
}

// Rules returns the current rules.
func (e *Engine) Rules() Rules {
	return *e.rules.Load()
}

// Validate returns the readings that pass the quality gate, in input
// order, with range tags applied. Inputs are not modified.
func (e *Engine) Validate(readings []datatypes.SensorReading) []datatypes.SensorReading {
	rules := e.rules.Load()
	out := make([]datatypes.SensorReading, 0, len(readings))

	var dropped, tagged int64
	for _, r := range readings {
		if err := r.Validate(); err != nil {
			e.logger.Warn("Malformed reading dropped", "error", err)
			dropped++
			continue
		}
		if r.Quality < rules.MinQuality {
			e.logger.Warn("Low quality reading dropped",
				"sensor_type", r.SensorType,
				"quality", r.Quality,
				"min_quality", rules.MinQuality,
			)
			dropped++
			continue
		}

		if tag, ok := rules.check(r); ok {
			e.logger.Warn("Reading outside operating limits",
				"sensor_type", r.SensorType,
				"value", r.Value,
				"unit", r.Unit,
				"tag", tag,
			)
			r = r.WithAnomalyTag(tag)
			tagged++
		} else if r.Status == datatypes.StatusError {
			e.logger.Warn("Sensor reported error status", "sensor_type", r.SensorType, "value", r.Value)
			r = r.WithAnomalyTag(datatypes.AnomalySensorError)
			tagged++
		}
		out = append(out, r)
	}

	e.checked.Add(int64(len(readings)))
	e.accepted.Add(int64(len(out)))
	e.dropped.Add(dropped)
	e.tagged.Add(tagged)

	e.logger.Debug("Readings validated", "accepted", len(out), "total", len(readings))
	return out
}

// check returns the range tag for r, if any.
func (r *Rules) check(reading datatypes.SensorReading) (datatypes.AnomalyType, bool) {
	v := reading.Value
	switch reading.SensorType {
	case datatypes.SensorTemperature:
		if v < r.TempMin || v > r.TempMax {
			return datatypes.AnomalyOutOfRange, true
		}
	case datatypes.SensorPressure:
		if v < r.PressureMin || v > r.PressureMax {
			return datatypes.AnomalyOutOfRange, true
		}
	case datatypes.SensorVibration:
		if v > r.VibrationMax {
			return datatypes.AnomalyHighVibration, true
		}
	}
	return "", false
}

// Stats returns the decision counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Checked:  e.checked.Load(),
		Accepted: e.accepted.Load(),
		Dropped:  e.dropped.Load(),
		Tagged:   e.tagged.Load(),
	}
}
