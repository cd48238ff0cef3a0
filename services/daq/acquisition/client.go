// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package acquisition connects to the sensor bus, discovers the machine's
// sensors, and reads one batch of readings per cycle.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianDAQ/pkg/logging"
	"github.com/AleutianAI/AleutianDAQ/pkg/retry"
	"github.com/AleutianAI/AleutianDAQ/services/daq/bus"
	"github.com/AleutianAI/AleutianDAQ/services/daq/config"
	"github.com/AleutianAI/AleutianDAQ/services/daq/datatypes"
)

var (
	// ErrConnectExhausted is returned when every connection attempt failed.
	ErrConnectExhausted = errors.New("bus connection attempts exhausted")

	// ErrTopologyNotFound is returned when the machine or its Sensors
	// folder is missing from the address space.
	ErrTopologyNotFound = errors.New("machine topology not found")

	// ErrNoSensors is returned when discovery mapped zero sensors.
	ErrNoSensors = errors.New("no sensors mapped")
)

// =============================================================================
// Connection State
// =============================================================================

// ConnectionState is the client's view of the bus session.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds the acquisition client settings.
type Config struct {
	MachineID string
	Location  string
	Retry     retry.Config
}

// FromConfig derives the client config from the application config.
func FromConfig(cfg *config.Config) Config {
	return Config{
		MachineID: cfg.MachineID,
		Location:  cfg.Location,
		Retry: retry.Config{
			MaxAttempts:  cfg.Acquisition.RetryAttempts,
			InitialDelay: cfg.Acquisition.RetryBaseDelay,
			Factor:       cfg.Acquisition.RetryFactor,
		},
	}
}

// SensorHandle is the set of bus nodes mapped for one discovered sensor.
// Quality, Timestamp, and Status are empty when the sensor lacks them.
type SensorHandle struct {
	Name      string
	Type      datatypes.SensorType
	Value     bus.NodeID
	Quality   bus.NodeID
	Timestamp bus.NodeID
	Status    bus.NodeID
}

// Stats is a snapshot of the client's counters.
type Stats struct {
	State              string           `json:"state"`
	TotalReads         int64            `json:"total_reads"`
	SuccessfulReads    int64            `json:"successful_reads"`
	FailedReads        int64            `json:"failed_reads"`
	ConnectionAttempts int64            `json:"connection_attempts"`
	SuccessRate        float64          `json:"success_rate"`
	LastReadTime       time.Time        `json:"last_read_time"`
	SensorsMapped      int              `json:"sensors_mapped"`
	SensorFailures     map[string]int64 `json:"sensor_failures,omitempty"`
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClock replaces time.Now for default timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithSleep replaces the backoff wait used by Connect.
func WithSleep(fn retry.SleepFunc) Option {
	return func(c *Client) { c.sleep = fn }
}

// =============================================================================
// Client
// =============================================================================

// Client acquires sensor readings through a bus.Gateway.
//
// # Description
//
// Connect establishes the session with exponential backoff, Discover maps
// the Machine_{id}/Sensors topology, and ReadAll reads every mapped sensor
// with one grouped read so a sensor's fields come from the same snapshot.
//
// # Thread Safety
//
// All methods are safe for concurrent use. ReadAll calls are serialized.
type Client struct {
	gw     bus.Gateway
	cfg    Config
	logger *logging.Logger
	now    func() time.Time
	sleep  retry.SleepFunc

	readMu sync.Mutex

	mu             sync.RWMutex
	state          ConnectionState
	handles        []SensorHandle
	totalReads     int64
	successReads   int64
	failedReads    int64
	connectTries   int64
	lastReadTime   time.Time
	sensorFailures map[string]int64
}

// NewClient creates a disconnected client.
func NewClient(gw bus.Gateway, cfg Config, opts ...Option) *Client {
	c := &Client{
		gw:             gw,
		cfg:            cfg,
		logger:         logging.Default(),
		now:            time.Now,
		sleep:          retry.Sleep,
		sensorFailures: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "acquisition")
	return c
}

// Connect establishes the bus session, retrying with backoff.
//
// # Outputs
//
//   - error: ErrConnectExhausted wrapping the last failure, or ctx.Err()
//     when cancelled during backoff.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(StateConnecting)

	res, err := retry.Do(ctx, c.cfg.Retry, func(ctx context.Context, attempt int) error {
		c.mu.Lock()
		c.connectTries++
		c.mu.Unlock()
		return c.gw.Connect(ctx)
	},
		retry.WithSleep(c.sleep),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			c.logger.Warn("Bus connection attempt failed",
				"attempt", attempt,
				"retry_in", delay.String(),
				"error", err,
			)
		}),
	)
	if err != nil {
		c.setState(StateDisconnected)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, retry.ErrInvalidConfig) {
			return err
		}
		c.logger.Error("Unable to connect to bus", "attempts", res.Attempts, "error", res.LastError)
		return fmt.Errorf("%w: %w", ErrConnectExhausted, res.LastError)
	}

	c.setState(StateConnected)
	c.logger.Info("Bus connection established", "attempt", res.Attempts)
	return nil
}

// Discover maps the sensors under Machine_{id}/Sensors.
//
// # Description
//
// Sensor folders are classified by case-insensitive substring of their
// name: temperature/temp, pressure/press, vibration/vib. Unmatched
// folders and folders without a Value child are skipped with a warning.
// Child names are compared lowercased.
//
// # Outputs
//
//   - int: Number of sensors mapped.
//   - error: ErrTopologyNotFound, ErrNoSensors, or a bus error.
func (c *Client) Discover(ctx context.Context) (int, error) {
	c.logger.Info("Starting sensor discovery", "machine_id", c.cfg.MachineID)

	machine, err := c.findChild(ctx, "", "Machine_"+c.cfg.MachineID)
	if err != nil {
		return 0, err
	}
	sensors, err := c.findChild(ctx, machine, "Sensors")
	if err != nil {
		return 0, err
	}

	folders, err := c.gw.Browse(ctx, sensors)
	if err != nil {
		return 0, fmt.Errorf("browse sensors: %w", err)
	}

	handles := make([]SensorHandle, 0, len(folders))
	for _, f := range folders {
		if f.Kind != bus.KindFolder {
			continue
		}
		children, err := c.gw.Browse(ctx, f.ID)
		if err != nil {
			c.logger.Warn("Unable to browse sensor", "sensor", f.Name, "error", err)
			continue
		}
		fields := make(map[string]bus.NodeID, len(children))
		for _, child := range children {
			fields[strings.ToLower(child.Name)] = child.ID
		}

		valueID, ok := fields["value"]
		if !ok {
			c.logger.Warn("Value node not found for sensor", "sensor", f.Name)
			continue
		}
		sensorType, ok := ClassifySensor(f.Name)
		if !ok {
			c.logger.Warn("Unrecognized sensor type", "sensor", f.Name)
			continue
		}

		handles = append(handles, SensorHandle{
			Name:      f.Name,
			Type:      sensorType,
			Value:     valueID,
			Quality:   fields["quality"],
			Timestamp: fields["timestamp"],
			Status:    fields["status"],
		})
		c.logger.Info("Sensor mapped", "sensor", f.Name, "type", sensorType)
	}

	c.mu.Lock()
	c.handles = handles
	c.mu.Unlock()

	if len(handles) == 0 {
		return 0, ErrNoSensors
	}
	c.logger.Info("Sensor discovery complete", "sensors_mapped", len(handles))
	return len(handles), nil
}

// ClassifySensor maps a sensor folder name to a sensor type.
func ClassifySensor(name string) (datatypes.SensorType, bool) {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "temp"):
		return datatypes.SensorTemperature, true
	case strings.Contains(lower, "press"):
		return datatypes.SensorPressure, true
	case strings.Contains(lower, "vib"):
		return datatypes.SensorVibration, true
	default:
		return "", false
	}
}

func (c *Client) findChild(ctx context.Context, parent bus.NodeID, contains string) (bus.NodeID, error) {
	nodes, err := c.gw.Browse(ctx, parent)
	if err != nil {
		return "", fmt.Errorf("browse %q: %w", parent, err)
	}
	for _, n := range nodes {
		if n.Kind == bus.KindFolder && strings.Contains(n.Name, contains) {
			return n.ID, nil
		}
	}
	return "", fmt.Errorf("%w: no %q folder under %q", ErrTopologyNotFound, contains, parent)
}

// ReadAll reads every mapped sensor.
//
// # Description
//
// Each sensor is read with one grouped read. Missing or unreadable
// quality, status, or timestamp fall back to 100, "OK", and now. A failed
// value read skips that sensor and counts a failure; it never aborts the
// batch.
//
// # Outputs
//
//   - []datatypes.SensorReading: Readings in discovery order.
//   - error: bus.ErrNotConnected when no session is established.
func (c *Client) ReadAll(ctx context.Context) ([]datatypes.SensorReading, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	c.mu.RLock()
	state := c.state
	handles := c.handles
	c.mu.RUnlock()

	if state != StateConnected {
		return nil, bus.ErrNotConnected
	}

	now := c.now().UTC()
	readings := make([]datatypes.SensorReading, 0, len(handles))
	var ok, failed int64
	failures := make(map[string]int64)

	for _, h := range handles {
		if err := ctx.Err(); err != nil {
			return readings, err
		}
		reading, err := c.readSensor(ctx, h, now)
		if err != nil {
			failed++
			failures[h.Name]++
			c.logger.Error("Sensor read failed", "sensor", h.Name, "type", h.Type, "error", err)
			continue
		}
		ok++
		readings = append(readings, reading)
		c.logger.Debug("Sensor read",
			"type", h.Type,
			"value", reading.Value,
			"unit", reading.Unit,
			"quality", reading.Quality,
			"status", reading.Status,
		)
	}

	c.mu.Lock()
	c.totalReads += ok + failed
	c.successReads += ok
	c.failedReads += failed
	c.lastReadTime = now
	for name, n := range failures {
		c.sensorFailures[name] += n
	}
	c.mu.Unlock()

	c.logger.Debug("Batch read complete", "readings", len(readings), "failed", failed)
	return readings, nil
}

func (c *Client) readSensor(ctx context.Context, h SensorHandle, now time.Time) (datatypes.SensorReading, error) {
	ids := []bus.NodeID{h.Value}
	for _, id := range []bus.NodeID{h.Quality, h.Status, h.Timestamp} {
		if id != "" {
			ids = append(ids, id)
		}
	}

	results, err := c.gw.ReadGroup(ctx, ids)
	if err != nil {
		return datatypes.SensorReading{}, err
	}
	byID := make(map[bus.NodeID]bus.ReadResult, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}

	valueResult, found := byID[h.Value]
	if !found {
		return datatypes.SensorReading{}, fmt.Errorf("%w: %s", bus.ErrNodeNotFound, h.Value)
	}
	if valueResult.Err != nil {
		return datatypes.SensorReading{}, valueResult.Err
	}
	value, err := valueResult.Value.Float()
	if err != nil {
		return datatypes.SensorReading{}, err
	}

	reading := datatypes.SensorReading{
		Timestamp:  now,
		MachineID:  c.cfg.MachineID,
		SensorType: h.Type,
		Location:   c.cfg.Location,
		Value:      value,
		Unit:       h.Type.Unit(),
		Quality:    100,
		Status:     datatypes.StatusOK,
	}

	if r, found := byID[h.Quality]; found && r.Err == nil {
		if q, err := r.Value.Int(); err == nil {
			reading.Quality = q
		}
	}
	if r, found := byID[h.Status]; found && r.Err == nil {
		reading.Status = datatypes.ParseStatus(r.Value.String())
	}
	if r, found := byID[h.Timestamp]; found && r.Err == nil {
		if ts, err := r.Value.AsTime(); err == nil && !ts.IsZero() {
			reading.Timestamp = ts.UTC()
		}
	}
	return reading, nil
}

// Disconnect closes the bus session.
func (c *Client) Disconnect() error {
	c.setState(StateDisconnected)
	if err := c.gw.Disconnect(); err != nil {
		return fmt.Errorf("disconnect bus: %w", err)
	}
	c.logger.Info("Bus client disconnected")
	return nil
}

// State returns the connection state.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Sensors returns the mapped sensor handles.
func (c *Client) Sensors() []SensorHandle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]SensorHandle, len(c.handles))
	copy(out, c.handles)
	return out
}

// Stats returns a snapshot of the counters.
func (c *Client) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{
		State:              c.state.String(),
		TotalReads:         c.totalReads,
		SuccessfulReads:    c.successReads,
		FailedReads:        c.failedReads,
		ConnectionAttempts: c.connectTries,
		LastReadTime:       c.lastReadTime,
		SensorsMapped:      len(c.handles),
	}
	if c.totalReads > 0 {
		s.SuccessRate = float64(c.successReads) / float64(c.totalReads) * 100
	}
	if len(c.sensorFailures) > 0 {
		s.SensorFailures = make(map[string]int64, len(c.sensorFailures))
		for k, v := range c.sensorFailures {
			s.SensorFailures[k] = v
		}
	}
	return s
}

func (c *Client) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
