// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDAQ/pkg/logging"
	"github.com/AleutianAI/AleutianDAQ/services/daq/acquisition"
	"github.com/AleutianAI/AleutianDAQ/services/daq/anomaly"
	"github.com/AleutianAI/AleutianDAQ/services/daq/config"
	"github.com/AleutianAI/AleutianDAQ/services/daq/datatypes"
	"github.com/AleutianAI/AleutianDAQ/services/daq/observability"
	"github.com/AleutianAI/AleutianDAQ/services/daq/storage"
	"github.com/AleutianAI/AleutianDAQ/services/daq/validation"
)

// =============================================================================
// Mocks
// =============================================================================

// eventLog records calls across mocks so ordering can be asserted.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type MockAcquirer struct {
	ConnectFunc    func(ctx context.Context) error
	DiscoverFunc   func(ctx context.Context) (int, error)
	ReadAllFunc    func(ctx context.Context) ([]datatypes.SensorReading, error)
	DisconnectFunc func() error
	events         *eventLog

	mu    sync.Mutex
	reads int
}

func (m *MockAcquirer) Connect(ctx context.Context) error {
	if m.ConnectFunc != nil {
		return m.ConnectFunc(ctx)
	}
	return nil
}

func (m *MockAcquirer) Discover(ctx context.Context) (int, error) {
	if m.DiscoverFunc != nil {
		return m.DiscoverFunc(ctx)
	}
	return 3, nil
}

func (m *MockAcquirer) ReadAll(ctx context.Context) ([]datatypes.SensorReading, error) {
	m.mu.Lock()
	m.reads++
	m.mu.Unlock()
	if m.events != nil {
		m.events.add("read")
	}
	if m.ReadAllFunc != nil {
		return m.ReadAllFunc(ctx)
	}
	return nil, nil
}

func (m *MockAcquirer) Disconnect() error {
	if m.events != nil {
		m.events.add("disconnect")
	}
	if m.DisconnectFunc != nil {
		return m.DisconnectFunc()
	}
	return nil
}

func (m *MockAcquirer) Stats() acquisition.Stats { return acquisition.Stats{State: "connected"} }

func (m *MockAcquirer) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

type MockDetector struct {
	ProcessFunc func(readings []datatypes.SensorReading) ([]datatypes.SensorReading, []datatypes.AnomalyRecord)
}

func (m *MockDetector) Process(readings []datatypes.SensorReading) ([]datatypes.SensorReading, []datatypes.AnomalyRecord) {
	if m.ProcessFunc != nil {
		return m.ProcessFunc(readings)
	}
	return readings, nil
}

type MockSink struct {
	StoreFunc      func(ctx context.Context, readings []datatypes.SensorReading) (storage.StoreResult, error)
	ForceFlushFunc func(ctx context.Context) error
	events         *eventLog

	mu        sync.Mutex
	Stored    [][]datatypes.SensorReading
	Anomalies []datatypes.SensorReading
}

func (m *MockSink) Store(ctx context.Context, readings []datatypes.SensorReading) (storage.StoreResult, error) {
	m.mu.Lock()
	m.Stored = append(m.Stored, readings)
	m.mu.Unlock()
	if m.StoreFunc != nil {
		return m.StoreFunc(ctx, readings)
	}
	return storage.StoreResult{}, nil
}

func (m *MockSink) InsertOne(ctx context.Context, r datatypes.SensorReading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Anomalies = append(m.Anomalies, r)
	return nil
}

func (m *MockSink) ForceFlush(ctx context.Context) error {
	if m.events != nil {
		m.events.add("flush")
	}
	if m.ForceFlushFunc != nil {
		return m.ForceFlushFunc(ctx)
	}
	return nil
}

func (m *MockSink) Stats() storage.BufferStats { return storage.BufferStats{} }

// =============================================================================
// Fixtures
// =============================================================================

const testInterval = 100 * time.Millisecond

func testConfig() Config {
	cfg := FromConfig(func() *config.Config { c := config.Default(); return &c }())
	cfg.Interval = testInterval
	cfg.ErrorPause = 0
	return cfg
}

func testEngine() *validation.Engine {
	c := config.Default()
	return validation.NewEngine(validation.RulesFromConfig(&c), logging.Discard())
}

func goodReadings() []datatypes.SensorReading {
	now := time.Now().UTC()
	return []datatypes.SensorReading{
		{Timestamp: now, MachineID: "MACHINE_001", SensorType: datatypes.SensorTemperature, Value: 25, Quality: 98, Status: datatypes.StatusOK},
		{Timestamp: now, MachineID: "MACHINE_001", SensorType: datatypes.SensorPressure, Value: 1.2, Quality: 97, Status: datatypes.StatusOK},
		{Timestamp: now, MachineID: "MACHINE_001", SensorType: datatypes.SensorVibration, Value: 0.8, Quality: 99, Status: datatypes.StatusOK},
	}
}

func newTestOrchestrator(t *testing.T, cfg Config, acq *MockAcquirer, det Detector, sink *MockSink, opts ...Option) *Orchestrator {
	t.Helper()
	if det == nil {
		det = &MockDetector{}
	}
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	o, err := New(cfg, acq, testEngine(), det, sink, opts...)
	require.NoError(t, err)
	return o
}

// =============================================================================
// Governor Tests
// =============================================================================

func TestGovernor_TripsAtThreshold(t *testing.T) {
	var transitions []string
	g := NewGovernor(GovernorConfig{OnStateChange: func(from, to GovernorState) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}})

	for i := 0; i < 4; i++ {
		assert.False(t, g.RecordFailure())
	}
	assert.Equal(t, 4, g.Failures())
	assert.True(t, g.RecordFailure())
	assert.Equal(t, GovernorCooling, g.State())
	assert.Equal(t, 30*time.Second, g.Cooldown())
	assert.Equal(t, int64(1), g.Cooldowns())

	g.EndCooldown()
	assert.Equal(t, 0, g.Failures())
	assert.Equal(t, GovernorNormal, g.State())
	assert.Equal(t, []string{"NORMAL->COOLING", "COOLING->NORMAL"}, transitions)
}

func TestGovernor_SuccessResets(t *testing.T) {
	g := NewGovernor(GovernorConfig{FailureThreshold: 3})
	g.RecordFailure()
	g.RecordFailure()
	g.RecordSuccess()
	assert.Equal(t, 0, g.Failures())
	assert.False(t, g.RecordFailure())
	assert.False(t, g.RecordFailure())
	assert.True(t, g.RecordFailure())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "shutting_down", StateShuttingDown.String())
	assert.Contains(t, State(42).String(), "unknown")
}

// =============================================================================
// Cycle Tests
// =============================================================================

func TestRunCycle_OutOfRangeIsKeptAndRecorded(t *testing.T) {
	readings := goodReadings()
	readings[0].Value = 45.0

	acq := &MockAcquirer{ReadAllFunc: func(ctx context.Context) ([]datatypes.SensorReading, error) {
		return readings, nil
	}}
	sink := &MockSink{}
	var sunk []datatypes.AnomalyRecord
	o := newTestOrchestrator(t, testConfig(), acq, anomaly.NewDetector(anomaly.DefaultConfig(), logging.Discard()), sink,
		WithAnomalySinks(storage.AnomalySinkFunc(func(ctx context.Context, rec datatypes.AnomalyRecord) error {
			sunk = append(sunk, rec)
			return nil
		})))

	res, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Acquired)
	assert.Equal(t, 3, res.Accepted)

	require.Len(t, sink.Stored, 1)
	require.Len(t, sink.Stored[0], 3, "out-of-range reading is retained")
	tag, ok := sink.Stored[0][0].Tag()
	require.True(t, ok)
	assert.Equal(t, datatypes.AnomalyOutOfRange, tag)

	require.NotEmpty(t, sunk)
	assert.Equal(t, datatypes.AnomalyOutOfRange, sunk[0].AnomalyType)
	assert.Equal(t, datatypes.SeverityHigh, sunk[0].Severity)

	require.Len(t, sink.Anomalies, len(sunk))
	row := sink.Anomalies[0]
	assert.Equal(t, datatypes.SensorAnomaly, row.SensorType)
	assert.Equal(t, 1.0, row.Value)
	assert.Equal(t, datatypes.Status("OUT_OF_RANGE"), row.Status)
	assert.Equal(t, "Plant_A_Line_1", row.Location)

	s := o.Stats()
	assert.Equal(t, int64(1), s.Cycles.SuccessfulCycles)
	assert.Equal(t, int64(3), s.Cycles.TotalDataPoints)
	assert.Equal(t, int64(len(sunk)), s.Cycles.AnomaliesDetected)
	assert.Equal(t, 100.0, s.SuccessRate)
}

func TestRunCycle_FailureModes(t *testing.T) {
	tests := []struct {
		name    string
		readAll func(ctx context.Context) ([]datatypes.SensorReading, error)
		wantErr error
	}{
		{
			name: "no readings",
			readAll: func(ctx context.Context) ([]datatypes.SensorReading, error) {
				return nil, nil
			},
		},
		{
			name: "all rejected",
			readAll: func(ctx context.Context) ([]datatypes.SensorReading, error) {
				rs := goodReadings()
				for i := range rs {
					rs[i].Quality = 50
				}
				return rs, nil
			},
		},
		{
			name: "acquisition error",
			readAll: func(ctx context.Context) ([]datatypes.SensorReading, error) {
				return nil, errors.New("bus not connected")
			},
			wantErr: errors.New("acquire"),
		},
		{
			name: "panic",
			readAll: func(ctx context.Context) ([]datatypes.SensorReading, error) {
				panic("nil map write")
			},
			wantErr: ErrCyclePanic,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &MockSink{}
			o := newTestOrchestrator(t, testConfig(), &MockAcquirer{ReadAllFunc: tt.readAll}, nil, sink)

			res, err := o.RunCycle(context.Background())
			assert.False(t, res.Success)
			switch {
			case tt.wantErr == nil:
				assert.NoError(t, err)
			case errors.Is(tt.wantErr, ErrCyclePanic):
				assert.ErrorIs(t, err, ErrCyclePanic)
			default:
				assert.ErrorContains(t, err, tt.wantErr.Error())
			}
			assert.Empty(t, sink.Stored)
			assert.Equal(t, int64(1), o.Stats().Cycles.FailedCycles)
		})
	}
}

func TestRunCycle_StorageFailureDoesNotFailCycle(t *testing.T) {
	acq := &MockAcquirer{ReadAllFunc: func(ctx context.Context) ([]datatypes.SensorReading, error) {
		return goodReadings(), nil
	}}
	sink := &MockSink{StoreFunc: func(ctx context.Context, rs []datatypes.SensorReading) (storage.StoreResult, error) {
		return storage.StoreResult{}, storage.ErrFlushFailed
	}}
	o := newTestOrchestrator(t, testConfig(), acq, nil, sink)

	res, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.ErrorIs(t, res.StorageErr, storage.ErrFlushFailed)
}

func TestRunCycle_Metrics(t *testing.T) {
	m := observability.NewPipelineMetrics(prometheus.NewRegistry())
	acq := &MockAcquirer{ReadAllFunc: func(ctx context.Context) ([]datatypes.SensorReading, error) {
		rs := goodReadings()
		rs[2].Quality = 10
		return rs, nil
	}}
	o := newTestOrchestrator(t, testConfig(), acq, nil, &MockSink{}, WithMetrics(m))

	_, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CyclesTotal.WithLabelValues(observability.ResultSuccess)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ReadingsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReadingsDroppedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PipelineState.WithLabelValues("idle")))
}

func TestRecentAnomalies_RetentionAndOrder(t *testing.T) {
	cfg := testConfig()
	cfg.AnomalyRetention = 3

	n := 0
	det := &MockDetector{ProcessFunc: func(rs []datatypes.SensorReading) ([]datatypes.SensorReading, []datatypes.AnomalyRecord) {
		var recs []datatypes.AnomalyRecord
		for i := 0; i < 2; i++ {
			n++
			r := rs[0]
			r.Value = float64(n)
			recs = append(recs, datatypes.NewAnomalyRecord(r, datatypes.AnomalyLowQuality, datatypes.SeverityLow))
		}
		return rs, recs
	}}
	acq := &MockAcquirer{ReadAllFunc: func(ctx context.Context) ([]datatypes.SensorReading, error) {
		return goodReadings(), nil
	}}
	o := newTestOrchestrator(t, cfg, acq, det, &MockSink{})

	for i := 0; i < 3; i++ {
		_, err := o.RunCycle(context.Background())
		require.NoError(t, err)
	}

	recent := o.RecentAnomalies(0)
	require.Len(t, recent, 3)
	assert.Equal(t, []float64{6, 5, 4}, []float64{recent[0].Value, recent[1].Value, recent[2].Value})
	assert.Len(t, o.RecentAnomalies(1), 1)
}

func TestHandleAnomalies_EmergencyLogThrottled(t *testing.T) {
	exporter := logging.NewBufferedExporter()
	logger := logging.New(logging.Config{Quiet: true, Exporter: exporter, SyncExport: true})

	det := &MockDetector{ProcessFunc: func(rs []datatypes.SensorReading) ([]datatypes.SensorReading, []datatypes.AnomalyRecord) {
		return rs, []datatypes.AnomalyRecord{
			datatypes.NewAnomalyRecord(rs[2], datatypes.AnomalyHighVibration, datatypes.SeverityCritical),
			datatypes.NewAnomalyRecord(rs[0], datatypes.AnomalyOutOfRange, datatypes.SeverityHigh),
			datatypes.NewAnomalyRecord(rs[1], datatypes.AnomalyOutOfRange, datatypes.SeverityMedium),
		}
	}}
	acq := &MockAcquirer{ReadAllFunc: func(ctx context.Context) ([]datatypes.SensorReading, error) {
		return goodReadings(), nil
	}}
	o, err := New(testConfig(), acq, testEngine(), det, &MockSink{}, WithLogger(logger))
	require.NoError(t, err)

	_, err = o.RunCycle(context.Background())
	require.NoError(t, err)

	emergencies := 0
	errorsLogged := 0
	warns := 0
	for _, e := range exporter.Entries() {
		switch {
		case e.Message == "Emergency protocol activated":
			emergencies++
		case e.Message == "Anomaly detected" && e.Level == logging.LevelError:
			errorsLogged++
		case e.Message == "Anomaly detected" && e.Level == logging.LevelWarn:
			warns++
		}
	}
	assert.Equal(t, 1, emergencies)
	assert.Equal(t, 2, errorsLogged)
	assert.Equal(t, 1, warns)
}

// =============================================================================
// Loop Tests
// =============================================================================

func TestRun_NotStarted(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), &MockAcquirer{}, nil, &MockSink{})
	assert.ErrorIs(t, o.Run(context.Background()), ErrNotStarted)
}

func TestStart_ConnectFailureIsFatal(t *testing.T) {
	acq := &MockAcquirer{ConnectFunc: func(ctx context.Context) error {
		return acquisition.ErrConnectExhausted
	}}
	o := newTestOrchestrator(t, testConfig(), acq, nil, &MockSink{})

	err := o.Start(context.Background())
	assert.ErrorIs(t, err, acquisition.ErrConnectExhausted)
	assert.Equal(t, StateStopped, o.State())
}

func TestStart_NoSensorsIsFatal(t *testing.T) {
	events := &eventLog{}
	acq := &MockAcquirer{events: events, DiscoverFunc: func(ctx context.Context) (int, error) {
		return 0, acquisition.ErrNoSensors
	}}
	o := newTestOrchestrator(t, testConfig(), acq, nil, &MockSink{})

	assert.ErrorIs(t, o.Start(context.Background()), acquisition.ErrNoSensors)
	assert.Equal(t, []string{"disconnect"}, events.list())
}

func TestRun_CooldownAfterConsecutiveFailures(t *testing.T) {
	events := &eventLog{}
	acq := &MockAcquirer{events: events}
	sink := &MockSink{events: events}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		o             *Orchestrator
		sleeps        []time.Duration
		failuresAfter = -1
		sawCooldown   bool
	)
	sleep := func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		if d == 30*time.Second {
			sawCooldown = true
			assert.Equal(t, GovernorCooling, o.Governor().State())
			return nil
		}
		if sawCooldown {
			failuresAfter = o.Governor().Failures()
			cancel()
			return ctx.Err()
		}
		return nil
	}
	o = newTestOrchestrator(t, testConfig(), acq, nil, sink, WithSleep(sleep))
	require.NoError(t, o.Start(ctx))
	require.NoError(t, o.Run(ctx))

	assert.Equal(t, []time.Duration{
		testInterval, testInterval, testInterval, testInterval,
		30 * time.Second,
		testInterval,
	}, sleeps)
	assert.Equal(t, 0, failuresAfter)
	assert.Equal(t, 5, acq.Reads())

	s := o.Stats()
	assert.Equal(t, int64(5), s.Cycles.FailedCycles)
	assert.Equal(t, int64(1), s.Governor.Cooldowns)
	assert.Equal(t, "stopped", s.State)

	got := events.list()
	require.GreaterOrEqual(t, len(got), 2)
	assert.Equal(t, []string{"flush", "disconnect"}, got[len(got)-2:])
}

func TestRun_ErrorPause(t *testing.T) {
	cfg := testConfig()
	cfg.ErrorPause = 5 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	acq := &MockAcquirer{ReadAllFunc: func(ctx context.Context) ([]datatypes.SensorReading, error) {
		return nil, errors.New("read failed")
	}}
	var sleeps []time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		if len(sleeps) == 2 {
			cancel()
			return ctx.Err()
		}
		return nil
	}
	o := newTestOrchestrator(t, cfg, acq, nil, &MockSink{}, WithSleep(sleep))
	require.NoError(t, o.Start(ctx))
	require.NoError(t, o.Run(ctx))

	assert.Equal(t, []time.Duration{5 * time.Second, testInterval}, sleeps)
}

func TestRun_PauseSkipsAcquisition(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	acq := &MockAcquirer{ReadAllFunc: func(ctx context.Context) ([]datatypes.SensorReading, error) {
		return goodReadings(), nil
	}}

	var (
		o            *Orchestrator
		pausedTicks  int
		readsAtPause int
	)
	sleep := func(ctx context.Context, d time.Duration) error {
		switch d {
		case time.Second:
			pausedTicks++
			if pausedTicks == 3 {
				readsAtPause = acq.Reads()
				require.NoError(t, o.Resume())
			}
		case testInterval:
			if o.Stats().Cycles.TotalCycles == 1 {
				require.NoError(t, o.Pause())
				return nil
			}
			cancel()
			return ctx.Err()
		}
		return nil
	}
	o = newTestOrchestrator(t, testConfig(), acq, nil, &MockSink{}, WithSleep(sleep))

	assert.ErrorIs(t, o.Pause(), ErrInvalidState, "cannot pause before start")
	require.NoError(t, o.Start(ctx))
	require.NoError(t, o.Run(ctx))

	assert.Equal(t, 3, pausedTicks)
	assert.Equal(t, 1, readsAtPause, "no acquisition while paused")
	assert.Equal(t, 2, acq.Reads())
}

func TestShutdown_ContinuesAfterFailures(t *testing.T) {
	events := &eventLog{}
	acq := &MockAcquirer{events: events, DisconnectFunc: func() error { return errors.New("socket closed") }}
	sink := &MockSink{events: events, ForceFlushFunc: func(ctx context.Context) error {
		return storage.ErrFlushFailed
	}}
	o := newTestOrchestrator(t, testConfig(), acq, nil, sink)
	require.NoError(t, o.Start(context.Background()))

	err := o.Shutdown(context.Background())
	assert.ErrorIs(t, err, storage.ErrFlushFailed)
	assert.ErrorContains(t, err, "socket closed")
	assert.Equal(t, []string{"flush", "disconnect"}, events.list())
	assert.Equal(t, StateStopped, o.State())

	assert.Equal(t, err, o.Shutdown(context.Background()), "second call returns first result")
	assert.Equal(t, []string{"flush", "disconnect"}, events.list())
	assert.ErrorIs(t, o.Resume(), ErrInvalidState)
}
