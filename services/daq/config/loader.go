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
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianDAQ/pkg/validation"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	_ = configValidate.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return validation.ValidateIdentifier(fl.Field().String()) == nil
	})
	_ = configValidate.RegisterValidation("location", func(fl validator.FieldLevel) bool {
		return validation.ValidateLocation(fl.Field().String()) == nil
	})
}

// Load builds the configuration from defaults, the YAML file at path
// (skipped when path is empty), and the process environment.
//
// # Description
//
// Unknown YAML keys are rejected so typos fail loudly. Environment
// overrides use the established deployment variable names
// (MACHINE_ID, BATCH_SIZE, TEMP_MAX_THRESHOLD, ...). The result is
// validated before it is returned.
//
// # Outputs
//
//   - *Config: Validated configuration.
//   - error: Read, parse, or validation failure (ErrInvalidConfig).
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an injectable environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every field and cross-field rule.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Bus.Mode == "websocket" && c.Bus.URL == "" {
		return fmt.Errorf("%w: bus.url is required when bus.mode is websocket", ErrInvalidConfig)
	}
	if c.Storage.Backend == "influx" {
		if c.Storage.Influx.URL == "" || c.Storage.Influx.Org == "" || c.Storage.Influx.Bucket == "" {
			return fmt.Errorf("%w: storage.influx url, org and bucket are required for the influx backend", ErrInvalidConfig)
		}
	}
	if c.Storage.Backend == "badger" && c.Storage.Badger.Path == "" && !c.Storage.Badger.InMemory {
		return fmt.Errorf("%w: storage.badger.path is required unless in_memory is set", ErrInvalidConfig)
	}
	return nil
}

// Save writes cfg as YAML, creating parent directories.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// =============================================================================
// Environment Overrides
// =============================================================================

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := parseSecondsOrDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("MACHINE_ID", &cfg.MachineID)
	str("LOCATION", &cfg.Location)
	str("LOG_LEVEL", &cfg.LogLevel)
	duration("ACQUISITION_INTERVAL", &cfg.Acquisition.Interval)
	integer("BATCH_SIZE", &cfg.Acquisition.BatchSize)
	integer("MAX_BUFFER_SIZE", &cfg.Acquisition.MaxBufferSize)
	integer("MIN_QUALITY_THRESHOLD", &cfg.Acquisition.MinQuality)
	integer("RETRY_ATTEMPTS", &cfg.Acquisition.RetryAttempts)
	duration("RETRY_BASE_DELAY", &cfg.Acquisition.RetryBaseDelay)
	num("TEMP_MAX_THRESHOLD", &cfg.Thresholds.TempMax)
	num("TEMP_MIN_THRESHOLD", &cfg.Thresholds.TempMin)
	num("PRESSURE_MAX_THRESHOLD", &cfg.Thresholds.PressureMax)
	num("PRESSURE_MIN_THRESHOLD", &cfg.Thresholds.PressureMin)
	num("VIBRATION_MAX_THRESHOLD", &cfg.Thresholds.VibrationMax)
	str("BUS_MODE", &cfg.Bus.Mode)
	str("BUS_URL", &cfg.Bus.URL)
	str("STORAGE_BACKEND", &cfg.Storage.Backend)
	str("INFLUXDB_URL", &cfg.Storage.Influx.URL)
	str("INFLUXDB_ORG", &cfg.Storage.Influx.Org)
	str("INFLUXDB_BUCKET", &cfg.Storage.Influx.Bucket)
	str("INFLUXDB_TOKEN", &cfg.Storage.Influx.Token)
	str("BADGER_PATH", &cfg.Storage.Badger.Path)
	str("API_ADDR", &cfg.API.Addr)
	str("DAQ_API_TOKEN", &cfg.API.Token)
	str("OTEL_TRACES_EXPORTER", &cfg.Telemetry.TraceExporter)
	str("OTEL_METRICS_EXPORTER", &cfg.Telemetry.MetricExporter)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)

	if len(errs) > 0 {
		return fmt.Errorf("%w: environment: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// parseSecondsOrDuration accepts "5", "2.5" (seconds) or "1m30s".
func parseSecondsOrDuration(v string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

// ExpandPath expands a leading "~" to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
