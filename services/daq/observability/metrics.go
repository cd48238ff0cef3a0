// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and tracing for the DAQ pipeline.
//
// # Description
//
// Prometheus metrics cover the acquisition cycle:
//   - Cycle counters and duration (by result)
//   - Readings acquired and dropped by the quality gate
//   - Anomalies by type and severity
//   - Storage buffer depth, flushes, and evictions
//   - Governor and pipeline state gauges
//
// OpenTelemetry tracer and meter providers are configured by Init.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Methods on a nil *PipelineMetrics are no-ops.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "aleutian"

const daqSubsystem = "daq"

// Cycle results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultError   = "error"
)

// PipelineMetrics holds the Prometheus metrics for the DAQ pipeline.
type PipelineMetrics struct {
	// CyclesTotal counts acquisition cycles.
	// Labels: result (success, failure, error)
	CyclesTotal *prometheus.CounterVec

	// CycleDurationSeconds measures cycle wall time.
	CycleDurationSeconds prometheus.Histogram

	// ReadingsTotal counts readings returned by the bus.
	ReadingsTotal prometheus.Counter

	// ReadingsDroppedTotal counts readings rejected by the quality gate.
	ReadingsDroppedTotal prometheus.Counter

	// AnomaliesTotal counts anomaly records.
	// Labels: type, severity
	AnomaliesTotal *prometheus.CounterVec

	// BufferSize is the number of readings awaiting persistence.
	BufferSize prometheus.Gauge

	// FlushesTotal counts storage flushes.
	// Labels: result (success, failure)
	FlushesTotal *prometheus.CounterVec

	// EvictedTotal counts readings evicted from a full buffer.
	EvictedTotal prometheus.Counter

	// GovernorCooldownsTotal counts cooldowns entered after consecutive
	// failed cycles.
	GovernorCooldownsTotal prometheus.Counter

	// ConsecutiveFailures is the governor's current failure streak.
	ConsecutiveFailures prometheus.Gauge

	// PipelineState is 1 for the current state and 0 otherwise.
	// Labels: state
	PipelineState *prometheus.GaugeVec
}

// DefaultMetrics is registered with the default Prometheus registry by
// InitMetrics.
var DefaultMetrics *PipelineMetrics

// InitMetrics creates DefaultMetrics on the default registry.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *PipelineMetrics {
	DefaultMetrics = NewPipelineMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewPipelineMetrics creates and registers the metrics with reg. Tests
// pass a fresh prometheus.NewRegistry().
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	factory := promauto.With(reg)
	return &PipelineMetrics{
		CyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: daqSubsystem,
				Name:      "cycles_total",
				Help:      "Total acquisition cycles by result",
			},
			[]string{"result"},
		),

		CycleDurationSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: daqSubsystem,
				Name:      "cycle_duration_seconds",
				Help:      "Acquisition cycle duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),

		ReadingsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: daqSubsystem,
				Name:      "readings_total",
				Help:      "Total sensor readings acquired from the bus",
			},
		),

		ReadingsDroppedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: daqSubsystem,
				Name:      "readings_dropped_total",
				Help:      "Total readings rejected by validation",
			},
		),

		AnomaliesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: daqSubsystem,
				Name:      "anomalies_total",
				Help:      "Total anomaly records by type and severity",
			},
			[]string{"type", "severity"},
		),

		BufferSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: daqSubsystem,
				Name:      "buffer_size",
				Help:      "Readings buffered awaiting persistence",
			},
		),

		FlushesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: daqSubsystem,
				Name:      "flushes_total",
				Help:      "Total storage flushes by result",
			},
			[]string{"result"},
		),

		EvictedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: daqSubsystem,
				Name:      "evicted_total",
				Help:      "Total readings evicted from a full buffer",
			},
		),

		GovernorCooldownsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: daqSubsystem,
				Name:      "governor_cooldowns_total",
				Help:      "Total cooldowns after consecutive failed cycles",
			},
		),

		ConsecutiveFailures: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: daqSubsystem,
				Name:      "consecutive_failures",
				Help:      "Current streak of failed cycles",
			},
		),

		PipelineState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: daqSubsystem,
				Name:      "pipeline_state",
				Help:      "1 for the pipeline's current state",
			},
			[]string{"state"},
		),
	}
}

// =============================================================================
// Recording Helpers
// =============================================================================

// RecordCycle records one cycle's result and duration.
func (m *PipelineMetrics) RecordCycle(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(result).Inc()
	m.CycleDurationSeconds.Observe(d.Seconds())
}

// RecordReadings records acquired and dropped reading counts.
func (m *PipelineMetrics) RecordReadings(acquired, dropped int) {
	if m == nil {
		return
	}
	m.ReadingsTotal.Add(float64(acquired))
	m.ReadingsDroppedTotal.Add(float64(dropped))
}

// RecordAnomaly counts one anomaly record.
func (m *PipelineMetrics) RecordAnomaly(anomalyType, severity string) {
	if m == nil {
		return
	}
	m.AnomaliesTotal.WithLabelValues(anomalyType, severity).Inc()
}

// RecordFlush counts a flush attempt.
func (m *PipelineMetrics) RecordFlush(ok bool) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if !ok {
		result = ResultFailure
	}
	m.FlushesTotal.WithLabelValues(result).Inc()
}

// RecordEviction counts evicted readings.
func (m *PipelineMetrics) RecordEviction(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EvictedTotal.Add(float64(n))
}

// SetBufferSize updates the buffer depth gauge.
func (m *PipelineMetrics) SetBufferSize(n int) {
	if m == nil {
		return
	}
	m.BufferSize.Set(float64(n))
}

// RecordGovernor updates the failure streak and counts a cooldown when
// cooling is true.
func (m *PipelineMetrics) RecordGovernor(consecutiveFailures int, cooling bool) {
	if m == nil {
		return
	}
	m.ConsecutiveFailures.Set(float64(consecutiveFailures))
	if cooling {
		m.GovernorCooldownsTotal.Inc()
	}
}

// SetPipelineState marks state as current among all.
func (m *PipelineMetrics) SetPipelineState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.PipelineState.WithLabelValues(s).Set(v)
	}
}
