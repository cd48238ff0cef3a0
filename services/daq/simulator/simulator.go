// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package simulator synthesizes industrial sensor values and publishes them
// on the bus address space.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianDAQ/pkg/logging"
	"github.com/AleutianAI/AleutianDAQ/services/daq/bus"
	"github.com/AleutianAI/AleutianDAQ/services/daq/config"
	"github.com/AleutianAI/AleutianDAQ/services/daq/datatypes"
)

// Node names published per sensor folder.
const (
	SensorsFolder = "Sensors"

	FieldValue     = "Value"
	FieldUnit      = "Unit"
	FieldQuality   = "Quality"
	FieldTimestamp = "Timestamp"
	FieldStatus    = "Status"
)

// Quality and status model constants.
const (
	qualityFloor        = 70
	qualityCeiling      = 100
	warningQuality      = 80
	qualityDropChance   = 0.05
	nearBoundWarnChance = 0.3
	sensorErrorChance   = 0.001
)

// ErrAlreadyRunning is returned by Start when the loop is active.
var ErrAlreadyRunning = errors.New("simulator already running")

// Rand is the randomness the value model consumes.
//
// *rand.Rand from math/rand/v2 satisfies it.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

// Config holds the simulator's runtime settings.
type Config struct {
	MachineID      string
	UpdateInterval time.Duration
	CycleDuration  time.Duration
	Sensors        []config.SensorProfile
}

// FromConfig builds a simulator Config from the loaded application config.
func FromConfig(cfg *config.Config) Config {
	return Config{
		MachineID:      cfg.MachineID,
		UpdateInterval: cfg.Simulator.UpdateInterval,
		CycleDuration:  cfg.Simulator.CycleDuration,
		Sensors:        cfg.Simulator.Sensors,
	}
}

// Sample is one generated sensor value.
type Sample struct {
	Sensor    string
	Type      datatypes.SensorType
	Unit      string
	Value     float64
	Quality   int
	Status    datatypes.Status
	Timestamp time.Time
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithRand replaces the random source. Tests use it to script draws.
func WithRand(r Rand) Option {
	return func(s *Simulator) { s.rng = r }
}

// WithSeed seeds a PCG source so runs are reproducible.
func WithSeed(seed uint64) Option {
	return func(s *Simulator) { s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Simulator) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Simulator) { s.logger = l }
}

// Simulator generates values for each configured sensor and publishes them
// as one group write per sensor folder.
//
// # Thread Safety
//
// Step serializes on an internal mutex; Latest is lock-free.
type Simulator struct {
	cfg       Config
	publisher bus.Publisher
	rng       Rand
	now       func() time.Time
	logger    *logging.Logger

	stepMu  sync.Mutex
	started time.Time
	latest  atomic.Pointer[[]Sample]

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
}

// New creates a simulator that publishes through publisher.
func New(cfg Config, publisher bus.Publisher, opts ...Option) (*Simulator, error) {
	if len(cfg.Sensors) == 0 {
		return nil, fmt.Errorf("simulator: no sensors configured")
	}
	if cfg.CycleDuration <= 0 {
		return nil, fmt.Errorf("simulator: cycle duration must be positive")
	}
	if cfg.UpdateInterval <= 0 {
		return nil, fmt.Errorf("simulator: update interval must be positive")
	}
	for _, p := range cfg.Sensors {
		if p.Min >= p.Max {
			return nil, fmt.Errorf("simulator: sensor %s: min %.3f must be below max %.3f", p.Name, p.Min, p.Max)
		}
	}

	s := &Simulator{
		cfg:       cfg,
		publisher: publisher,
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		now:       time.Now,
		logger:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.now()
	return s, nil
}

// MachineFolder is the address-space folder for machineID.
func MachineFolder(machineID string) bus.NodeID {
	return bus.NodeID("").Child("Machine_" + machineID)
}

// SensorFolder is the folder holding one sensor's variables.
func SensorFolder(machineID, sensor string) bus.NodeID {
	return MachineFolder(machineID).Child(SensorsFolder).Child(sensor)
}

// Install builds Machine_{id}/Sensors/<name>/{Value,Unit,Quality,Timestamp,Status}
// in space with each sensor at its base value.
func (s *Simulator) Install(space *bus.AddressSpace) error {
	machine, err := space.AddFolder("", "Machine_"+s.cfg.MachineID)
	if err != nil {
		return fmt.Errorf("install machine folder: %w", err)
	}
	sensors, err := space.AddFolder(machine, SensorsFolder)
	if err != nil {
		return fmt.Errorf("install sensors folder: %w", err)
	}

	now := s.now()
	for _, p := range s.cfg.Sensors {
		folder, err := space.AddFolder(sensors, p.Name)
		if err != nil {
			return fmt.Errorf("install sensor %s: %w", p.Name, err)
		}
		initial := map[string]bus.Value{
			FieldValue:     bus.Number(p.Base),
			FieldUnit:      bus.Text(unitOf(p)),
			FieldQuality:   bus.Number(qualityCeiling),
			FieldTimestamp: bus.Timestamp(now),
			FieldStatus:    bus.Text(string(datatypes.StatusOK)),
		}
		for _, name := range []string{FieldValue, FieldUnit, FieldQuality, FieldTimestamp, FieldStatus} {
			if _, err := space.AddVariable(folder, name, initial[name]); err != nil {
				return fmt.Errorf("install %s/%s: %w", p.Name, name, err)
			}
		}
		s.logger.Debug("Sensor installed", "sensor", p.Name, "type", p.Type, "node", folder)
	}
	s.logger.Info("Simulator address space installed",
		"machine_id", s.cfg.MachineID,
		"sensors", len(s.cfg.Sensors),
	)
	return nil
}

// Step generates one value per sensor and publishes each as a group write.
// A publish failure for one sensor does not stop the others; the first
// error is returned.
func (s *Simulator) Step(ctx context.Context) ([]Sample, error) {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()

	now := s.now()
	elapsed := now.Sub(s.started).Seconds()
	samples := make([]Sample, 0, len(s.cfg.Sensors))

	var firstErr error
	for _, p := range s.cfg.Sensors {
		sample := s.generate(p, elapsed)
		sample.Timestamp = now
		samples = append(samples, sample)

		err := s.publisher.WriteGroup(ctx, SensorFolder(s.cfg.MachineID, p.Name), map[string]bus.Value{
			FieldValue:     bus.Number(sample.Value),
			FieldQuality:   bus.Number(float64(sample.Quality)),
			FieldStatus:    bus.Text(string(sample.Status)),
			FieldTimestamp: bus.Timestamp(now),
		})
		if err != nil {
			s.logger.Warn("Failed to publish sensor value", "sensor", p.Name, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("publish %s: %w", p.Name, err)
			}
		}
	}

	s.latest.Store(&samples)
	return samples, firstErr
}

// Latest returns the samples from the most recent Step, or nil.
func (s *Simulator) Latest() []Sample {
	p := s.latest.Load()
	if p == nil {
		return nil
	}
	return *p
}

// generate applies the value, quality, and status model for one sensor.
// Draw order matters for scripted tests: noise, quality drop, edge
// penalty, near-bound warning, sensor error.
func (s *Simulator) generate(p config.SensorProfile, elapsed float64) Sample {
	cycle := s.cfg.CycleDuration.Seconds()
	cyclic := math.Sin(2 * math.Pi * elapsed / cycle)
	trend := 0.1 * math.Sin(2*math.Pi*elapsed/(cycle*4))
	noise := (s.rng.Float64()*2 - 1) * p.NoiseFactor

	value := p.Base + cyclic*p.NoiseFactor*2 + trend*p.NoiseFactor + noise
	value = clamp(value, p.Min, p.Max)

	quality := qualityCeiling
	if s.rng.Float64() < qualityDropChance {
		quality -= s.randInt(10, 30)
	}
	position := (value - p.Min) / (p.Max - p.Min)
	if position < 0.1 || position > 0.9 {
		quality -= s.randInt(5, 15)
	}
	quality = max(qualityFloor, min(qualityCeiling, quality))

	status := datatypes.StatusOK
	switch {
	case quality < warningQuality:
		status = datatypes.StatusWarning
	case value > p.Max*0.9 || value < p.Min*1.1:
		if s.rng.Float64() < nearBoundWarnChance {
			status = datatypes.StatusWarning
		}
	}

	if s.rng.Float64() < sensorErrorChance {
		status = datatypes.StatusError
		quality = s.randInt(0, 50)
	}

	return Sample{
		Sensor:  p.Name,
		Type:    p.Type,
		Unit:    unitOf(p),
		Value:   value,
		Quality: quality,
		Status:  status,
	}
}

// randInt returns an integer in [lo, hi].
func (s *Simulator) randInt(lo, hi int) int {
	return lo + s.rng.IntN(hi-lo+1)
}

// =============================================================================
// Loop
// =============================================================================

// Start runs Step every UpdateInterval until ctx is cancelled or Stop is
// called.
func (s *Simulator) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})
	done, stopped := s.done, s.stopped
	s.mu.Unlock()

	s.logger.Info("Simulator starting",
		"machine_id", s.cfg.MachineID,
		"interval", s.cfg.UpdateInterval.String(),
	)
	go s.runLoop(ctx, done, stopped)
	return nil
}

// Stop ends the loop and waits for it to exit. It is a no-op when the
// loop is not running.
func (s *Simulator) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.done)
	s.running = false
	stopped := s.stopped
	s.mu.Unlock()

	<-stopped
	s.logger.Info("Simulator stopped")
}

func (s *Simulator) runLoop(ctx context.Context, done, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(s.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return
		case <-done:
			return
		case <-ticker.C:
			if _, err := s.Step(ctx); err != nil && ctx.Err() == nil {
				s.logger.Debug("Simulator step had publish errors", "error", err)
			}
		}
	}
}

func unitOf(p config.SensorProfile) string {
	if p.Unit != "" {
		return p.Unit
	}
	return p.Type.Unit()
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
