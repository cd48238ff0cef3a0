// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"time"

	"github.com/AleutianAI/AleutianDAQ/services/daq/datatypes"
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		MachineID: "MACHINE_001",
		Location:  "Plant_A_Line_1",
		LogLevel:  "info",
		Acquisition: AcquisitionConfig{
			Interval:         5 * time.Second,
			BatchSize:        10,
			MaxBufferSize:    1000,
			MinQuality:       80,
			RetryAttempts:    5,
			RetryBaseDelay:   2 * time.Second,
			RetryFactor:      1.5,
			PausedTick:       time.Second,
			ErrorPause:       5 * time.Second,
			StatsEvery:       100,
			AnomalyRetention: 100,
			HistoryCapacity:  1000,
		},
		Thresholds: Thresholds{
			TempMin:      18.0,
			TempMax:      40.0,
			PressureMin:  0.9,
			PressureMax:  2.0,
			VibrationMax: 2.5,
		},
		Governor: GovernorConfig{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
		},
		Bus: BusConfig{
			Mode:           "local",
			RequestTimeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			Backend: "badger",
			Influx: InfluxConfig{
				URL:         "http://localhost:8086",
				Org:         "aleutian",
				Bucket:      "sensor_data",
				Measurement: "sensor_data",
			},
			Badger: BadgerConfig{
				Path: "~/.aleutian/daq/data",
			},
		},
		API: APIConfig{
			Enabled:       true,
			Addr:          ":8090",
			AuditCapacity: 200,
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
			OTLPInsecure:   true,
		},
		Simulator: SimulatorConfig{
			UpdateInterval: 2 * time.Second,
			CycleDuration:  300 * time.Second,
			ListenAddr:     ":4840",
			Sensors:        DefaultSensors(),
		},
	}
}

// DefaultSensors returns the three standard simulated sensors.
func DefaultSensors() []SensorProfile {
	return []SensorProfile{
		{
			Name: "Temperature_Sensor_01", Type: datatypes.SensorTemperature, Unit: "°C",
			Min: 15.0, Max: 45.0, Base: 25.0, NoiseFactor: 2.0,
		},
		{
			Name: "Pressure_Sensor_01", Type: datatypes.SensorPressure, Unit: "bar",
			Min: 0.8, Max: 2.5, Base: 1.2, NoiseFactor: 0.1,
		},
		{
			Name: "Vibration_Sensor_01", Type: datatypes.SensorVibration, Unit: "mm/s",
			Min: 0.1, Max: 3.0, Base: 0.8, NoiseFactor: 0.2,
		},
	}
}
