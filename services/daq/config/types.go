// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the DAQ configuration.
//
// Configuration is layered: built-in defaults, then an optional YAML
// file, then environment overrides. The result is validated once at
// startup and any invalid value aborts before a single cycle runs.
package config

import (
	"time"

	"github.com/AleutianAI/AleutianDAQ/services/daq/datatypes"
)

// Config is the complete DAQ configuration.
type Config struct {
	MachineID string `yaml:"machine_id" validate:"required,identifier"`
	Location  string `yaml:"location" validate:"required,location"`
	LogLevel  string `yaml:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Thresholds  Thresholds        `yaml:"thresholds"`
	Governor    GovernorConfig    `yaml:"governor"`
	Bus         BusConfig         `yaml:"bus"`
	Storage     StorageConfig     `yaml:"storage"`
	API         APIConfig         `yaml:"api"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Simulator   SimulatorConfig   `yaml:"simulator"`
}

// AcquisitionConfig controls cycle pacing, buffering, and reconnects.
type AcquisitionConfig struct {
	Interval         time.Duration `yaml:"interval" validate:"gt=0"`
	BatchSize        int           `yaml:"batch_size" validate:"gt=0"`
	MaxBufferSize    int           `yaml:"max_buffer_size" validate:"gt=0,gtefield=BatchSize"`
	MinQuality       int           `yaml:"min_quality_threshold" validate:"min=0,max=100"`
	RetryAttempts    int           `yaml:"retry_attempts" validate:"gte=1"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay" validate:"gt=0"`
	RetryFactor      float64       `yaml:"retry_factor" validate:"gte=1"`
	PausedTick       time.Duration `yaml:"paused_tick" validate:"gt=0"`
	ErrorPause       time.Duration `yaml:"error_pause" validate:"gte=0"`
	StatsEvery       int           `yaml:"stats_every" validate:"gt=0"`
	AnomalyRetention int           `yaml:"anomaly_retention" validate:"gt=0"`
	HistoryCapacity  int           `yaml:"history_capacity" validate:"gte=10"`
}

// Thresholds are the per-type operating limits used by the range gate.
type Thresholds struct {
	TempMin      float64 `yaml:"temp_min" validate:"ltfield=TempMax"`
	TempMax      float64 `yaml:"temp_max"`
	PressureMin  float64 `yaml:"pressure_min" validate:"ltfield=PressureMax"`
	PressureMax  float64 `yaml:"pressure_max"`
	VibrationMax float64 `yaml:"vibration_max" validate:"gt=0"`
}

// GovernorConfig is the consecutive-failure cooldown policy.
type GovernorConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" validate:"gt=0"`
	Cooldown         time.Duration `yaml:"cooldown" validate:"gt=0"`
}

// BusConfig selects the bus transport.
type BusConfig struct {
	// Mode is "local" (in-process simulator) or "websocket".
	Mode string `yaml:"mode" validate:"oneof=local websocket"`

	// URL of the simulator's bus endpoint, e.g. ws://localhost:4840/bus.
	URL string `yaml:"url" validate:"omitempty,url"`

	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`
}

// StorageConfig selects and configures the time-series backend.
type StorageConfig struct {
	Backend string       `yaml:"backend" validate:"oneof=influx badger"`
	Influx  InfluxConfig `yaml:"influx"`
	Badger  BadgerConfig `yaml:"badger"`

	// AnomalyLog additionally persists full anomaly records in an
	// embedded Badger log at AnomalyLogPath ("" disables it).
	AnomalyLogPath string `yaml:"anomaly_log_path"`
}

// InfluxConfig configures the InfluxDB backend. The token is read from
// INFLUXDB_TOKEN only and never written back to disk.
type InfluxConfig struct {
	URL         string `yaml:"url" validate:"omitempty,url"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement" validate:"omitempty,identifier"`
	Token       string `yaml:"-"`
}

// BadgerConfig configures the embedded backend.
type BadgerConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`

	// Retention expires readings after this long. Zero keeps them.
	Retention time.Duration `yaml:"retention" validate:"gte=0"`
}

// APIConfig configures the HTTP control/status server.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"required_if=Enabled true"`
	// Token guards the control endpoints. Environment only (DAQ_API_TOKEN).
	Token string `yaml:"-"`
	// AuditCapacity is how many control actions GET /v1/audit keeps.
	AuditCapacity int `yaml:"audit_capacity" validate:"gte=0"`
}

// TelemetryConfig configures OpenTelemetry exporters.
type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=none stdout prometheus"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
}

// SimulatorConfig configures the sensor simulator.
type SimulatorConfig struct {
	UpdateInterval time.Duration   `yaml:"update_interval" validate:"gt=0"`
	CycleDuration  time.Duration   `yaml:"cycle_duration" validate:"gt=0"`
	ListenAddr     string          `yaml:"listen_addr"`
	Seed           uint64          `yaml:"seed"`
	Sensors        []SensorProfile `yaml:"sensors" validate:"required,min=1,dive"`
}

// SensorProfile describes one simulated sensor.
type SensorProfile struct {
	Name        string               `yaml:"name" validate:"required,identifier"`
	Type        datatypes.SensorType `yaml:"type" validate:"required,identifier"`
	Unit        string               `yaml:"unit"`
	Min         float64              `yaml:"min" validate:"ltfield=Max"`
	Max         float64              `yaml:"max"`
	Base        float64              `yaml:"base"`
	NoiseFactor float64              `yaml:"noise_factor" validate:"gte=0"`
}
