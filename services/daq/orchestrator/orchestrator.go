// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator drives the acquisition cycle.
//
// One cycle reads every sensor, applies the validation gates, runs the
// anomaly detector, records anomalies, and hands the readings to the
// buffered storage gateway. The orchestrator runs cycles strictly one at a
// time, governs consecutive failures with a cooldown, supports
// pause/resume, and performs an ordered shutdown.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianDAQ/pkg/logging"
	"github.com/AleutianAI/AleutianDAQ/pkg/retry"
	"github.com/AleutianAI/AleutianDAQ/pkg/ringbuffer"
	"github.com/AleutianAI/AleutianDAQ/services/daq/acquisition"
	"github.com/AleutianAI/AleutianDAQ/services/daq/config"
	"github.com/AleutianAI/AleutianDAQ/services/daq/datatypes"
	"github.com/AleutianAI/AleutianDAQ/services/daq/observability"
	"github.com/AleutianAI/AleutianDAQ/services/daq/storage"
	"github.com/AleutianAI/AleutianDAQ/services/daq/validation"
)

var (
	// ErrNotStarted is returned by Run before a successful Start.
	ErrNotStarted = errors.New("orchestrator not started")

	// ErrInvalidState is returned for a transition the current state does
	// not allow.
	ErrInvalidState = errors.New("invalid orchestrator state")

	// ErrCyclePanic wraps a panic recovered at the cycle boundary.
	ErrCyclePanic = errors.New("cycle panicked")
)

// =============================================================================
// State
// =============================================================================

// State is the orchestrator lifecycle state.
//
//	Idle ──Start──► Running ⇄ Paused
//	                   │         │
//	                   └────┬────┘
//	                        ▼
//	                  ShuttingDown ──► Stopped
type State int32

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateShuttingDown
	StateStopped
)

// AllStates lists every state, for the pipeline state gauge.
var AllStates = []string{"idle", "running", "paused", "shutting_down", "stopped"}

// String returns the lowercase state name.
func (s State) String() string {
	if s >= 0 && int(s) < len(AllStates) {
		return AllStates[s]
	}
	return fmt.Sprintf("unknown(%d)", s)
}

// =============================================================================
// Capabilities
// =============================================================================

// Acquirer reads sensor batches from the bus.
type Acquirer interface {
	Connect(ctx context.Context) error
	Discover(ctx context.Context) (int, error)
	ReadAll(ctx context.Context) ([]datatypes.SensorReading, error)
	Disconnect() error
	Stats() acquisition.Stats
}

// Validator applies the quality and range gates.
type Validator interface {
	Validate(readings []datatypes.SensorReading) []datatypes.SensorReading
	Stats() validation.Stats
}

// Detector annotates readings and produces anomaly records.
type Detector interface {
	Process(readings []datatypes.SensorReading) ([]datatypes.SensorReading, []datatypes.AnomalyRecord)
}

// ReadingSink is the buffered storage gateway.
type ReadingSink interface {
	Store(ctx context.Context, readings []datatypes.SensorReading) (storage.StoreResult, error)
	InsertOne(ctx context.Context, r datatypes.SensorReading) error
	ForceFlush(ctx context.Context) error
	Stats() storage.BufferStats
}

// =============================================================================
// Configuration
// =============================================================================

// Config paces the loop.
type Config struct {
	MachineID string
	Location  string

	// Interval is the sleep between cycles.
	Interval time.Duration

	// PausedTick is the sleep between checks while paused.
	PausedTick time.Duration

	// ErrorPause is an extra sleep after a cycle returns an error.
	ErrorPause time.Duration

	// StatsEvery logs a statistics summary every this many cycles.
	StatsEvery int

	// AnomalyRetention is how many recent anomaly records are kept in
	// memory for RecentAnomalies.
	AnomalyRetention int

	// EmergencyLogInterval throttles the emergency-protocol log line.
	EmergencyLogInterval time.Duration

	// ShutdownTimeout bounds the shutdown sequence Run performs on exit.
	ShutdownTimeout time.Duration

	Governor GovernorConfig
}

// FromConfig derives the orchestrator config from the application config.
func FromConfig(cfg *config.Config) Config {
	return Config{
		MachineID:        cfg.MachineID,
		Location:         cfg.Location,
		Interval:         cfg.Acquisition.Interval,
		PausedTick:       cfg.Acquisition.PausedTick,
		ErrorPause:       cfg.Acquisition.ErrorPause,
		StatsEvery:       cfg.Acquisition.StatsEvery,
		AnomalyRetention: cfg.Acquisition.AnomalyRetention,
		Governor:         GovernorConfigFrom(cfg),
	}
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.PausedTick <= 0 {
		c.PausedTick = time.Second
	}
	if c.StatsEvery <= 0 {
		c.StatsEvery = 100
	}
	if c.AnomalyRetention <= 0 {
		c.AnomalyRetention = 100
	}
	if c.EmergencyLogInterval <= 0 {
		c.EmergencyLogInterval = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics records cycle, anomaly, and governor metrics.
func WithMetrics(m *observability.PipelineMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithSleep replaces the context-aware sleep used at every suspension
// point.
func WithSleep(fn retry.SleepFunc) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithAnomalySinks adds receivers for every anomaly record.
func WithAnomalySinks(sinks ...storage.AnomalySink) Option {
	return func(o *Orchestrator) { o.sinks = append(o.sinks, sinks...) }
}

// CycleResult describes one cycle.
type CycleResult struct {
	Number    int64
	Acquired  int
	Accepted  int
	Anomalies int
	Stored    storage.StoreResult
	Duration  time.Duration

	// Success is false when nothing was acquired or every reading was
	// rejected.
	Success bool

	// StorageErr is the flush error, if any. It does not fail the cycle.
	StorageErr error
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator sequences the pipeline stages.
//
// # Thread Safety
//
// Run executes cycles on the calling goroutine, one at a time. Pause,
// Resume, State, Stats, RecentAnomalies, and Shutdown are safe to call
// from other goroutines.
type Orchestrator struct {
	cfg     Config
	acq     Acquirer
	val     Validator
	det     Detector
	sink    ReadingSink
	sinks   []storage.AnomalySink
	gov     *Governor
	logger  *logging.Logger
	metrics *observability.PipelineMetrics
	sleep   retry.SleepFunc
	now     func() time.Time

	emergency rate.Sometimes
	recent    *ringbuffer.RingBuffer[datatypes.AnomalyRecord]
	state     atomic.Int32

	// cycleMu is held for the duration of a cycle so Shutdown waits for an
	// in-flight cycle before flushing.
	cycleMu sync.Mutex

	mu    sync.Mutex
	stats CycleStats

	shutdownOnce sync.Once
	shutdownErr  error
}

// New wires the stages together. The orchestrator starts Idle.
func New(cfg Config, acq Acquirer, val Validator, det Detector, sink ReadingSink, opts ...Option) (*Orchestrator, error) {
	if acq == nil || val == nil || det == nil || sink == nil {
		return nil, errors.New("orchestrator: acquirer, validator, detector, and sink are required")
	}
	cfg.applyDefaults()

	o := &Orchestrator{
		cfg:    cfg,
		acq:    acq,
		val:    val,
		det:    det,
		sink:   sink,
		logger: logging.Default(),
		sleep:  retry.Sleep,
		now:    time.Now,
		recent: ringbuffer.New[datatypes.AnomalyRecord](cfg.AnomalyRetention),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator", "machine_id", cfg.MachineID)
	o.emergency = rate.Sometimes{First: 1, Interval: cfg.EmergencyLogInterval}

	govCfg := cfg.Governor
	userHook := govCfg.OnStateChange
	govCfg.OnStateChange = func(from, to GovernorState) {
		o.logger.Info("Governor state changed", "from", from.String(), "to", to.String())
		if userHook != nil {
			userHook(from, to)
		}
	}
	o.gov = NewGovernor(govCfg)
	o.setState(StateIdle)
	return o, nil
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
	o.metrics.SetPipelineState(s.String(), AllStates)
}

func (o *Orchestrator) transition(from, to State) bool {
	if !o.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	o.metrics.SetPipelineState(to.String(), AllStates)
	return true
}

// State returns the lifecycle state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Governor exposes the failure governor.
func (o *Orchestrator) Governor() *Governor {
	return o.gov
}

// Start connects to the bus and discovers sensors.
//
// # Description
//
// Connection uses the acquisition client's retry policy. Failure to
// connect or to find any sensor is fatal: the orchestrator moves to
// Stopped and the error is returned.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.State() != StateIdle {
		return fmt.Errorf("%w: start from %s", ErrInvalidState, o.State())
	}
	o.logger.Info("Starting DAQ pipeline")

	if err := o.acq.Connect(ctx); err != nil {
		o.setState(StateStopped)
		return fmt.Errorf("connect: %w", err)
	}
	n, err := o.acq.Discover(ctx)
	if err != nil {
		o.setState(StateStopped)
		_ = o.acq.Disconnect()
		return fmt.Errorf("discover: %w", err)
	}

	o.mu.Lock()
	o.stats.StartTime = o.now()
	o.mu.Unlock()

	o.setState(StateRunning)
	o.logger.Info("DAQ pipeline started", "sensors", n)
	return nil
}

// Pause stops acquisition without closing the bus session. Pausing an
// already paused orchestrator is a no-op.
func (o *Orchestrator) Pause() error {
	if o.State() == StatePaused {
		return nil
	}
	if !o.transition(StateRunning, StatePaused) {
		return fmt.Errorf("%w: pause from %s", ErrInvalidState, o.State())
	}
	o.logger.Info("DAQ pipeline paused")
	return nil
}

// Resume restarts acquisition after Pause.
func (o *Orchestrator) Resume() error {
	if o.State() == StateRunning {
		return nil
	}
	if !o.transition(StatePaused, StateRunning) {
		return fmt.Errorf("%w: resume from %s", ErrInvalidState, o.State())
	}
	o.logger.Info("DAQ pipeline resumed")
	return nil
}

// Run executes cycles until ctx is cancelled or Shutdown is called, then
// performs the shutdown sequence.
//
// # Description
//
// Between cycles Run sleeps Interval. While paused it sleeps PausedTick
// and does no acquisition. When the governor reports the failure
// threshold, Run sleeps the cooldown before resuming. Every sleep returns
// early on cancellation.
//
// # Outputs
//
//   - error: ErrNotStarted if Start has not succeeded, otherwise the
//     shutdown error (nil on a clean stop).
func (o *Orchestrator) Run(ctx context.Context) error {
	switch o.State() {
	case StateRunning, StatePaused:
	case StateIdle:
		return ErrNotStarted
	default:
		return fmt.Errorf("%w: run from %s", ErrInvalidState, o.State())
	}

	o.logger.Info("Main loop started", "interval", o.cfg.Interval)
	o.loop(ctx)
	o.logger.Info("Main loop stopped")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ShutdownTimeout)
	defer cancel()
	return o.Shutdown(shutdownCtx)
}

func (o *Orchestrator) loop(ctx context.Context) {
	for ctx.Err() == nil {
		switch o.State() {
		case StatePaused:
			if o.sleep(ctx, o.cfg.PausedTick) != nil {
				return
			}
			continue
		case StateRunning:
		default:
			return
		}

		res, err := o.RunCycle(ctx)
		if err != nil && ctx.Err() != nil {
			return
		}

		if err == nil && res.Success {
			o.gov.RecordSuccess()
		} else if o.gov.RecordFailure() {
			o.metrics.RecordGovernor(o.gov.Failures(), true)
			o.logger.Error("Too many consecutive failed cycles, cooling down",
				"failures", o.gov.Failures(),
				"cooldown", o.gov.Cooldown(),
			)
			if o.sleep(ctx, o.gov.Cooldown()) != nil {
				return
			}
			o.gov.EndCooldown()
		}
		o.metrics.RecordGovernor(o.gov.Failures(), false)

		if err != nil && o.cfg.ErrorPause > 0 {
			if o.sleep(ctx, o.cfg.ErrorPause) != nil {
				return
			}
		}
		if o.sleep(ctx, o.cfg.Interval) != nil {
			return
		}
	}
}

// RunCycle executes exactly one cycle.
//
// # Description
//
// A panic anywhere in the cycle is recovered and returned as
// ErrCyclePanic. The cycle is counted in the statistics whatever its
// outcome.
//
// # Outputs
//
//   - CycleResult: What the cycle did. Success is false when nothing was
//     acquired or every reading was rejected.
//   - error: An acquisition error or a recovered panic.
func (o *Orchestrator) RunCycle(ctx context.Context) (res CycleResult, err error) {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	start := o.now()
	o.mu.Lock()
	o.stats.TotalCycles++
	res.Number = o.stats.TotalCycles
	o.mu.Unlock()

	ctx, span := observability.StartSpan(ctx, "daq.cycle", attribute.Int64("daq.cycle", res.Number))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrCyclePanic, r)
			res.Success = false
		}
		res.Duration = o.now().Sub(start)
		o.finishCycle(res, err)
		observability.EndSpan(span, err)
	}()

	number := res.Number
	res, err = o.cycle(ctx)
	res.Number = number
	return res, err
}

func (o *Orchestrator) cycle(ctx context.Context) (CycleResult, error) {
	var res CycleResult

	readings, err := o.acq.ReadAll(ctx)
	if err != nil {
		return res, fmt.Errorf("acquire: %w", err)
	}
	res.Acquired = len(readings)
	if len(readings) == 0 {
		o.metrics.RecordReadings(0, 0)
		o.logger.Warn("No readings acquired this cycle")
		return res, nil
	}

	valid := o.val.Validate(readings)
	res.Accepted = len(valid)
	o.metrics.RecordReadings(len(readings), len(readings)-len(valid))
	if len(valid) == 0 {
		o.logger.Warn("Every reading failed validation", "acquired", len(readings))
		return res, nil
	}

	processed, records := o.det.Process(valid)
	res.Anomalies = len(records)
	o.handleAnomalies(ctx, records)

	stored, serr := o.sink.Store(ctx, processed)
	res.Stored = stored
	if serr != nil {
		res.StorageErr = serr
		o.logger.Warn("Storage flush failed; readings retained for retry", "error", serr)
	}

	o.mu.Lock()
	o.stats.TotalDataPoints += int64(len(processed))
	o.stats.AnomaliesDetected += int64(len(records))
	o.mu.Unlock()

	res.Success = true
	return res, nil
}

// handleAnomalies logs, persists, and fans out each record. Failures to
// persist are logged and never fail the cycle.
func (o *Orchestrator) handleAnomalies(ctx context.Context, records []datatypes.AnomalyRecord) {
	if len(records) == 0 {
		return
	}
	o.logger.Warn("Anomalies detected", "count", len(records))

	for _, rec := range records {
		fields := []any{
			"anomaly_id", rec.ID,
			"sensor_type", string(rec.SensorType),
			"anomaly_type", string(rec.AnomalyType),
			"severity", rec.Severity.String(),
			"value", rec.Value,
			"description", rec.Description,
		}
		switch rec.Severity {
		case datatypes.SeverityCritical, datatypes.SeverityHigh:
			o.logger.Error("Anomaly detected", fields...)
			o.emergency.Do(func() {
				o.logger.Error("Emergency protocol activated",
					"anomaly_type", string(rec.AnomalyType),
					"severity", rec.Severity.String(),
				)
			})
		case datatypes.SeverityMedium:
			o.logger.Warn("Anomaly detected", fields...)
		default:
			o.logger.Info("Anomaly detected", fields...)
		}

		if err := o.sink.InsertOne(ctx, datatypes.AnomalyReading(rec, o.cfg.Location)); err != nil {
			o.logger.Error("Failed to store anomaly row", "anomaly_id", rec.ID, "error", err)
		}
		for _, s := range o.sinks {
			if err := s.RecordAnomaly(ctx, rec); err != nil {
				o.logger.Warn("Anomaly sink failed", "anomaly_id", rec.ID, "error", err)
			}
		}
		o.recent.Push(rec)
		o.metrics.RecordAnomaly(string(rec.AnomalyType), rec.Severity.String())
	}
}

func (o *Orchestrator) finishCycle(res CycleResult, err error) {
	o.mu.Lock()
	if err == nil && res.Success {
		o.stats.SuccessfulCycles++
	} else {
		o.stats.FailedCycles++
	}
	o.stats.observe(res.Duration, o.now())
	total := o.stats.TotalCycles
	o.mu.Unlock()

	switch {
	case err != nil:
		o.metrics.RecordCycle(observability.ResultError, res.Duration)
		o.logger.Error("Cycle failed", "cycle", res.Number, "error", err)
	case !res.Success:
		o.metrics.RecordCycle(observability.ResultFailure, res.Duration)
	default:
		o.metrics.RecordCycle(observability.ResultSuccess, res.Duration)
		o.logger.Debug("Cycle completed",
			"cycle", res.Number,
			"readings", res.Accepted,
			"anomalies", res.Anomalies,
			"duration", res.Duration,
		)
	}

	if total%int64(o.cfg.StatsEvery) == 0 {
		o.logSummary("Periodic statistics")
	}
}

// Shutdown stops cycles, force-flushes the buffer, disconnects the bus,
// and logs the final statistics, in that order. Every step runs even if
// an earlier one fails. Later calls return the first call's result.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdownOnce.Do(func() {
		o.setState(StateShuttingDown)
		o.logger.Info("Shutting down DAQ pipeline")

		// Wait for an in-flight cycle.
		o.cycleMu.Lock()
		defer o.cycleMu.Unlock()

		var errs []error
		if err := o.sink.ForceFlush(ctx); err != nil {
			o.logger.Error("Final flush failed", "error", err)
			errs = append(errs, fmt.Errorf("flush: %w", err))
		}
		if err := o.acq.Disconnect(); err != nil {
			o.logger.Error("Bus disconnect failed", "error", err)
			errs = append(errs, fmt.Errorf("disconnect: %w", err))
		}
		o.logSummary("Final statistics")

		o.setState(StateStopped)
		o.shutdownErr = errors.Join(errs...)
	})
	return o.shutdownErr
}

// Stats returns the detailed statistics snapshot.
func (o *Orchestrator) Stats() Snapshot {
	o.mu.Lock()
	cycles := o.stats
	o.mu.Unlock()

	return Snapshot{
		State:         o.State().String(),
		MachineID:     o.cfg.MachineID,
		Cycles:        cycles,
		SuccessRate:   cycles.SuccessRate(),
		UptimeSeconds: cycles.Uptime(o.now()).Seconds(),
		Governor: GovernorStats{
			State:               o.gov.State().String(),
			ConsecutiveFailures: o.gov.Failures(),
			Cooldowns:           o.gov.Cooldowns(),
		},
		Acquisition: o.acq.Stats(),
		Validation:  o.val.Stats(),
		Buffer:      o.sink.Stats(),
	}
}

// RecentAnomalies returns up to limit of the retained anomaly records,
// newest first. limit <= 0 returns all of them.
func (o *Orchestrator) RecentAnomalies(limit int) []datatypes.AnomalyRecord {
	if limit <= 0 {
		limit = o.recent.Capacity()
	}
	recs := o.recent.Last(limit)
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs
}

func (o *Orchestrator) logSummary(msg string) {
	s := o.Stats()
	o.logger.Info(msg,
		"state", s.State,
		"uptime_hours", s.UptimeSeconds/3600,
		"total_cycles", s.Cycles.TotalCycles,
		"successful_cycles", s.Cycles.SuccessfulCycles,
		"failed_cycles", s.Cycles.FailedCycles,
		"success_rate", s.SuccessRate,
		"data_points", s.Cycles.TotalDataPoints,
		"anomalies", s.Cycles.AnomaliesDetected,
		"avg_cycle_duration", s.Cycles.AvgCycleDuration,
		"buffered", s.Buffer.Buffered,
		"evicted", s.Buffer.Evicted,
		"bus_reads", s.Acquisition.TotalReads,
		"bus_success_rate", s.Acquisition.SuccessRate,
	)
}
