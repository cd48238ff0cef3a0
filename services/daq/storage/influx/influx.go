// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package influx stores sensor readings in InfluxDB 2.x.
//
// Each reading becomes one point in the configured measurement. Machine,
// sensor type, location, status, and unit are tags; value, quality, and
// the optional anomaly annotations are fields. Queries pivot fields back
// into rows keyed by _time.
package influx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/query"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/AleutianDAQ/pkg/logging"
	"github.com/AleutianAI/AleutianDAQ/pkg/secrets"
	"github.com/AleutianAI/AleutianDAQ/services/daq/config"
	"github.com/AleutianAI/AleutianDAQ/services/daq/datatypes"
	"github.com/AleutianAI/AleutianDAQ/services/daq/storage"
)

// Field and tag keys.
const (
	TagMachineID  = "machine_id"
	TagSensorType = "sensor_type"
	TagLocation   = "location"
	TagStatus     = "status"
	TagUnit       = "unit"

	FieldValue         = "value"
	FieldQuality       = "quality"
	FieldAnomalyTag    = "anomaly_tag"
	FieldMovingAvg     = "moving_avg"
	FieldDeviation     = "deviation"
	FieldHighDeviation = "high_deviation"
)

// ErrUnhealthy is returned by Ping when the server reports a non-pass
// health status.
var ErrUnhealthy = errors.New("influxdb unhealthy")

// Config addresses the InfluxDB bucket.
type Config struct {
	URL         string
	Org         string
	Bucket      string
	Measurement string
}

// ConfigFrom extracts the InfluxDB settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		URL:         cfg.Storage.Influx.URL,
		Org:         cfg.Storage.Influx.Org,
		Bucket:      cfg.Storage.Influx.Bucket,
		Measurement: cfg.Storage.Influx.Measurement,
	}
}

// HealthChecker is the subset of influxdb2.Client used by Ping.
type HealthChecker interface {
	Ping(ctx context.Context) (bool, error)
}

// Store implements storage.Store on InfluxDB.
//
// # Thread Safety
//
// Safe for concurrent use; the underlying APIs are.
type Store struct {
	cfg    Config
	write  api.WriteAPIBlocking
	query  api.QueryAPI
	health HealthChecker
	client influxdb2.Client
	logger *logging.Logger
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
}

// New connects to InfluxDB. The token is only exposed for the duration of
// client construction.
func New(cfg Config, token *secrets.Token, logger *logging.Logger) (*Store, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	if !token.Present() {
		return nil, errors.New("influx: token required")
	}

	var client influxdb2.Client
	err := token.Use(func(plain string) error {
		client = influxdb2.NewClient(cfg.URL, strings.Clone(plain))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("influx: open token: %w", err)
	}

	s := NewWithAPIs(cfg, client.WriteAPIBlocking(cfg.Org, cfg.Bucket), client.QueryAPI(cfg.Org), client, logger)
	s.client = client
	return s, nil
}

// NewWithAPIs builds a Store over already-constructed APIs. health may be
// nil, in which case Ping always succeeds.
func NewWithAPIs(cfg Config, w api.WriteAPIBlocking, q api.QueryAPI, health HealthChecker, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Measurement == "" {
		cfg.Measurement = "sensor_data"
	}
	return &Store{
		cfg:    cfg,
		write:  w,
		query:  q,
		health: health,
		logger: logger.With("component", "influx", "bucket", cfg.Bucket),
		now:    time.Now,
	}
}

func validate(cfg Config) error {
	switch {
	case cfg.URL == "":
		return errors.New("influx: url required")
	case cfg.Org == "":
		return errors.New("influx: org required")
	case cfg.Bucket == "":
		return errors.New("influx: bucket required")
	}
	return nil
}

// WaitReady polls Ping until it succeeds, attempts run out, or ctx ends.
func (s *Store) WaitReady(ctx context.Context, attempts int, every time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = s.Ping(ctx); err == nil {
			s.logger.Info("InfluxDB is ready")
			return nil
		}
		s.logger.Warn("InfluxDB not ready, retrying...", "attempt", i+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(every):
		}
	}
	return fmt.Errorf("influx: not ready after %d attempts: %w", attempts, err)
}

// Point converts r to an InfluxDB point.
func (s *Store) Point(r datatypes.SensorReading) *write.Point {
	tags := map[string]string{
		TagMachineID:  r.MachineID,
		TagSensorType: string(r.SensorType),
		TagStatus:     string(r.Status),
	}
	if r.Location != "" {
		tags[TagLocation] = r.Location
	}
	if r.Unit != "" {
		tags[TagUnit] = r.Unit
	}

	fields := map[string]interface{}{
		FieldValue:   r.Value,
		FieldQuality: r.Quality,
	}
	if tag, ok := r.Tag(); ok {
		fields[FieldAnomalyTag] = string(tag)
	}
	if r.MovingAverage != nil {
		fields[FieldMovingAvg] = *r.MovingAverage
	}
	if r.Deviation != nil {
		fields[FieldDeviation] = *r.Deviation
		fields[FieldHighDeviation] = r.HighDeviation
	}
	return influxdb2.NewPoint(s.cfg.Measurement, tags, fields, r.Timestamp)
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}
	return nil
}

// InsertOne implements storage.Store.
func (s *Store) InsertOne(ctx context.Context, r datatypes.SensorReading) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.write.WritePoint(ctx, s.Point(r)); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

// InsertBatch implements storage.Store. The blocking write API sends the
// whole batch in one request, so the outcome is all or nothing.
func (s *Store) InsertBatch(ctx context.Context, readings []datatypes.SensorReading) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if len(readings) == 0 {
		return 0, nil
	}
	points := make([]*write.Point, len(readings))
	for i, r := range readings {
		points[i] = s.Point(r)
	}
	if err := s.write.WritePoint(ctx, points...); err != nil {
		return 0, fmt.Errorf("influx batch write of %d points: %w", len(points), err)
	}
	s.logger.Debug("Wrote points", "count", len(points))
	return len(points), nil
}

// BuildQuery renders the Flux query for w. w must be normalized.
func (s *Store) BuildQuery(w storage.Window) string {
	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %q)\n", s.cfg.Bucket)
	if w.Start.IsZero() {
		fmt.Fprintf(&b, "  |> range(start: 0, stop: %s)\n", w.End.UTC().Format(time.RFC3339Nano))
	} else {
		fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n",
			w.Start.UTC().Format(time.RFC3339Nano), w.End.UTC().Format(time.RFC3339Nano))
	}
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._measurement == %q)\n", s.cfg.Measurement)
	if w.MachineID != "" {
		fmt.Fprintf(&b, "  |> filter(fn: (r) => r.%s == %q)\n", TagMachineID, w.MachineID)
	}
	if w.SensorType != "" {
		fmt.Fprintf(&b, "  |> filter(fn: (r) => r.%s == %q)\n", TagSensorType, string(w.SensorType))
	}
	b.WriteString("  |> pivot(rowKey:[\"_time\"], columnKey: [\"_field\"], valueColumn: \"_value\")\n")
	b.WriteString("  |> group()\n")
	b.WriteString("  |> sort(columns: [\"_time\"], desc: true)\n")
	fmt.Fprintf(&b, "  |> limit(n: %d)", w.Limit)
	return b.String()
}

// Query implements storage.Store.
func (s *Store) Query(ctx context.Context, w storage.Window) ([]datatypes.SensorReading, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	w, err := w.Normalize(s.now())
	if err != nil {
		return nil, err
	}

	result, err := s.query.Query(ctx, s.BuildQuery(w))
	if err != nil {
		return nil, fmt.Errorf("influx query: %w", err)
	}
	if result == nil {
		return nil, nil
	}
	defer result.Close()

	var out []datatypes.SensorReading
	for result.Next() {
		out = append(out, DecodeRecord(result.Record()))
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("influx query parse: %w", err)
	}
	return out, nil
}

// DecodeRecord turns a pivoted Flux row back into a reading. Missing
// columns leave zero values.
func DecodeRecord(rec *query.FluxRecord) datatypes.SensorReading {
	r := datatypes.SensorReading{Timestamp: rec.Time()}
	if v, ok := rec.ValueByKey(TagMachineID).(string); ok {
		r.MachineID = v
	}
	if v, ok := rec.ValueByKey(TagSensorType).(string); ok {
		r.SensorType = datatypes.SensorType(v)
	}
	if v, ok := rec.ValueByKey(TagLocation).(string); ok {
		r.Location = v
	}
	if v, ok := rec.ValueByKey(TagStatus).(string); ok {
		r.Status = datatypes.Status(v)
	}
	if v, ok := rec.ValueByKey(TagUnit).(string); ok {
		r.Unit = v
	}
	if v, ok := number(rec.ValueByKey(FieldValue)); ok {
		r.Value = v
	}
	if v, ok := number(rec.ValueByKey(FieldQuality)); ok {
		r.Quality = int(v)
	}
	if v, ok := rec.ValueByKey(FieldAnomalyTag).(string); ok && v != "" {
		r = r.WithAnomalyTag(datatypes.AnomalyType(v))
	}
	if v, ok := number(rec.ValueByKey(FieldMovingAvg)); ok {
		r.MovingAverage = &v
	}
	if v, ok := number(rec.ValueByKey(FieldDeviation)); ok {
		r.Deviation = &v
	}
	if v, ok := rec.ValueByKey(FieldHighDeviation).(bool); ok {
		r.HighDeviation = v
	}
	return r
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// BuildCountQuery renders the Flux query counting anomaly rows.
func (s *Store) BuildCountQuery(machineID string, window time.Duration) string {
	return fmt.Sprintf(`from(bucket: %q)
  |> range(start: -%ds)
  |> filter(fn: (r) => r._measurement == %q)
  |> filter(fn: (r) => r.%s == %q)
  |> filter(fn: (r) => r.%s == %q)
  |> filter(fn: (r) => r._field == %q)
  |> group()
  |> count()`,
		s.cfg.Bucket, int64(window/time.Second), s.cfg.Measurement,
		TagMachineID, machineID, TagSensorType, string(datatypes.SensorAnomaly), FieldValue)
}

// CountAnomalies implements storage.Store.
func (s *Store) CountAnomalies(ctx context.Context, machineID string, window time.Duration) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if _, err := (storage.Window{MachineID: machineID}).Normalize(s.now()); err != nil {
		return 0, err
	}
	if window < time.Second {
		return 0, fmt.Errorf("%w: window %s below one second", storage.ErrInvalidQuery, window)
	}

	result, err := s.query.Query(ctx, s.BuildCountQuery(machineID, window))
	if err != nil {
		return 0, fmt.Errorf("influx count: %w", err)
	}
	if result == nil {
		return 0, nil
	}
	defer result.Close()

	total := 0
	for result.Next() {
		if v, ok := number(result.Record().Value()); ok {
			total += int(v)
		}
	}
	if err := result.Err(); err != nil {
		return 0, fmt.Errorf("influx count parse: %w", err)
	}
	return total, nil
}

// Ping implements storage.Store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.health == nil {
		return nil
	}
	ok, err := s.health.Ping(ctx)
	if err != nil {
		return fmt.Errorf("influx ping: %w", err)
	}
	if !ok {
		return ErrUnhealthy
	}
	return nil
}

// Close implements storage.Store. It is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.client != nil {
		s.client.Close()
	}
	return nil
}
