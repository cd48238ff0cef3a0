// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package anomaly

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDAQ/pkg/logging"
	"github.com/AleutianAI/AleutianDAQ/services/daq/datatypes"
)

func reading(t datatypes.SensorType, v float64) datatypes.SensorReading {
	return datatypes.SensorReading{
		Timestamp:  time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		MachineID:  "MACHINE_001",
		SensorType: t,
		Value:      v,
		Unit:       t.Unit(),
		Quality:    100,
		Status:     datatypes.StatusOK,
	}
}

func newTestDetector() *Detector {
	return NewDetector(DefaultConfig(), logging.Discard())
}

func feed(d *Detector, t datatypes.SensorType, values ...float64) {
	for _, v := range values {
		d.Process([]datatypes.SensorReading{reading(t, v)})
	}
}

func recordsOfType(records []datatypes.AnomalyRecord, t datatypes.AnomalyType) []datatypes.AnomalyRecord {
	var out []datatypes.AnomalyRecord
	for _, r := range records {
		if r.AnomalyType == t {
			out = append(out, r)
		}
	}
	return out
}

// =============================================================================
// Moving Average and Deviation
// =============================================================================

func TestProcess_MovingAverage(t *testing.T) {
	d := newTestDetector()
	feed(d, datatypes.SensorTemperature, 20, 22, 24, 23, 25)

	out, records := d.Process([]datatypes.SensorReading{reading(datatypes.SensorTemperature, 26)})
	require.Len(t, out, 1)
	require.NotNil(t, out[0].MovingAverage)
	assert.InDelta(t, 24.0, *out[0].MovingAverage, 1e-9)
	assert.InDelta(t, 2.0, *out[0].Deviation, 1e-9)
	assert.False(t, out[0].HighDeviation)
	assert.Empty(t, records)
}

func TestProcess_MovingAverageIgnoresOtherTypes(t *testing.T) {
	d := newTestDetector()
	feed(d, datatypes.SensorTemperature, 24)
	feed(d, datatypes.SensorPressure, 1.2, 1.2, 1.2)

	out, _ := d.Process([]datatypes.SensorReading{reading(datatypes.SensorTemperature, 26)})
	assert.InDelta(t, 25.0, *out[0].MovingAverage, 1e-9)
}

func TestProcess_FirstReadingAveragesItself(t *testing.T) {
	d := newTestDetector()
	out, records := d.Process([]datatypes.SensorReading{reading(datatypes.SensorVibration, 0.8)})
	assert.InDelta(t, 0.8, *out[0].MovingAverage, 1e-9)
	assert.InDelta(t, 0.0, *out[0].Deviation, 1e-9)
	assert.Empty(t, records)
}

func TestProcess_HighDeviationNeedsPositiveAverage(t *testing.T) {
	tests := []struct {
		name    string
		history []float64
		current float64
	}{
		{"steady sub-zero", []float64{-20, -20, -20, -20}, -20},
		{"falling sub-zero", []float64{-20, -20, -20, -20}, -24},
		{"zero average", []float64{-3, 1, 1, -1}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDetector()
			feed(d, datatypes.SensorTemperature, tt.history...)

			out, records := d.Process([]datatypes.SensorReading{reading(datatypes.SensorTemperature, tt.current)})
			require.Len(t, out, 1)
			assert.LessOrEqual(t, *out[0].MovingAverage, 0.0)
			assert.False(t, out[0].HighDeviation)
			assert.Empty(t, recordsOfType(records, datatypes.AnomalyHighDeviation))
		})
	}
}

func TestProcess_HighDeviationFlagged(t *testing.T) {
	d := newTestDetector()
	feed(d, datatypes.SensorTemperature, 20, 20, 20, 20)

	out, records := d.Process([]datatypes.SensorReading{reading(datatypes.SensorTemperature, 30)})
	assert.InDelta(t, 22.0, *out[0].MovingAverage, 1e-9)
	assert.True(t, out[0].HighDeviation)
	hd := recordsOfType(records, datatypes.AnomalyHighDeviation)
	require.Len(t, hd, 1)
	assert.Equal(t, datatypes.SeverityMedium, hd[0].Severity)
}

// =============================================================================
// Rapid Change
// =============================================================================

func TestProcess_RapidChange(t *testing.T) {
	d := newTestDetector()
	feed(d, datatypes.SensorTemperature, 20)

	out, records := d.Process([]datatypes.SensorReading{reading(datatypes.SensorTemperature, 26)})
	require.Len(t, out, 1)

	rapid := recordsOfType(records, datatypes.AnomalyRapidChange)
	require.Len(t, rapid, 1)
	require.NotNil(t, rapid[0].ChangeRate)
	assert.InDelta(t, 6.0, *rapid[0].ChangeRate, 1e-9)
	assert.Equal(t, datatypes.SeverityHigh, rapid[0].Severity)
	assert.Contains(t, rapid[0].Description, "6.00")

	// MA (20+26)/2 = 23, deviation 3 > 2.3.
	deviation := recordsOfType(records, datatypes.AnomalyHighDeviation)
	require.Len(t, deviation, 1)
	assert.Equal(t, datatypes.SeverityMedium, deviation[0].Severity)
}

func TestProcess_RapidChangeThresholds(t *testing.T) {
	tests := []struct {
		name   string
		sensor datatypes.SensorType
		prev   float64
		cur    float64
		want   bool
	}{
		{"temperature at threshold", datatypes.SensorTemperature, 20, 25, false},
		{"temperature above", datatypes.SensorTemperature, 20, 25.5, true},
		{"pressure above", datatypes.SensorPressure, 1.2, 1.55, true},
		{"pressure below", datatypes.SensorPressure, 1.2, 1.4, false},
		{"vibration above", datatypes.SensorVibration, 0.8, 1.4, true},
		{"unknown type default", "flow", 10, 11.5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDetector()
			feed(d, tt.sensor, tt.prev)
			_, records := d.Process([]datatypes.SensorReading{reading(tt.sensor, tt.cur)})
			assert.Equal(t, tt.want, len(recordsOfType(records, datatypes.AnomalyRapidChange)) == 1)
		})
	}
}

func TestProcess_RapidChangeWindow(t *testing.T) {
	d := newTestDetector()
	feed(d, datatypes.SensorTemperature, 20)
	// Push the temperature entry out of the last-10 window.
	for i := 0; i < 10; i++ {
		feed(d, datatypes.SensorPressure, 1.2)
	}

	_, records := d.Process([]datatypes.SensorReading{reading(datatypes.SensorTemperature, 30)})
	assert.Empty(t, recordsOfType(records, datatypes.AnomalyRapidChange))
}

func TestProcess_BatchAppendedAfterEvaluation(t *testing.T) {
	d := newTestDetector()
	_, records := d.Process([]datatypes.SensorReading{
		reading(datatypes.SensorTemperature, 20),
		reading(datatypes.SensorTemperature, 30),
	})
	assert.Empty(t, recordsOfType(records, datatypes.AnomalyRapidChange))
	assert.Equal(t, 2, d.HistoryLen())
}

func TestProcess_HistoryBounded(t *testing.T) {
	d := NewDetector(Config{HistoryCapacity: 20}, logging.Discard())
	for i := 0; i < 50; i++ {
		feed(d, datatypes.SensorPressure, 1.2)
	}
	assert.Equal(t, 20, d.HistoryLen())
}

// =============================================================================
// Tagged Readings and Severity
// =============================================================================

func TestProcess_TaggedReadingProducesRecord(t *testing.T) {
	d := newTestDetector()
	r := reading(datatypes.SensorVibration, 2.5).WithAnomalyTag(datatypes.AnomalyHighVibration)

	_, records := d.Process([]datatypes.SensorReading{r})
	vib := recordsOfType(records, datatypes.AnomalyHighVibration)
	require.Len(t, vib, 1)
	assert.Equal(t, datatypes.SeverityCritical, vib[0].Severity)
	assert.Equal(t, "MACHINE_001", vib[0].MachineID)
	assert.NotEmpty(t, vib[0].ID)
	assert.Contains(t, vib[0].Description, "Excessive vibration")
}

func TestSeverity(t *testing.T) {
	tests := []struct {
		name   string
		atype  datatypes.AnomalyType
		sensor datatypes.SensorType
		value  float64
		want   datatypes.Severity
	}{
		{"vibration 2.5 critical", datatypes.AnomalyHighVibration, datatypes.SensorVibration, 2.5, datatypes.SeverityCritical},
		{"vibration 1.9 high", datatypes.AnomalyHighVibration, datatypes.SensorVibration, 1.9, datatypes.SeverityHigh},
		{"vibration 2.0 high", datatypes.AnomalyHighVibration, datatypes.SensorVibration, 2.0, datatypes.SeverityHigh},
		{"temperature 45 high", datatypes.AnomalyOutOfRange, datatypes.SensorTemperature, 45, datatypes.SeverityHigh},
		{"temperature 19 high", datatypes.AnomalyOutOfRange, datatypes.SensorTemperature, 19, datatypes.SeverityHigh},
		{"temperature 30 medium", datatypes.AnomalyOutOfRange, datatypes.SensorTemperature, 30, datatypes.SeverityMedium},
		{"pressure 2.1 high", datatypes.AnomalyOutOfRange, datatypes.SensorPressure, 2.1, datatypes.SeverityHigh},
		{"pressure 0.95 high", datatypes.AnomalyOutOfRange, datatypes.SensorPressure, 0.95, datatypes.SeverityHigh},
		{"pressure 1.5 medium", datatypes.AnomalyOutOfRange, datatypes.SensorPressure, 1.5, datatypes.SeverityMedium},
		{"deviation medium", datatypes.AnomalyHighDeviation, datatypes.SensorPressure, 9, datatypes.SeverityMedium},
		{"rapid change high", datatypes.AnomalyRapidChange, datatypes.SensorPressure, 9, datatypes.SeverityHigh},
		{"sensor error low", datatypes.AnomalySensorError, datatypes.SensorPressure, 1.2, datatypes.SeverityLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Severity(tt.atype, tt.sensor, tt.value))
		})
	}
}
