// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDAQ/pkg/extensions"
	"github.com/AleutianAI/AleutianDAQ/pkg/logging"
	"github.com/AleutianAI/AleutianDAQ/services/daq/api"
	"github.com/AleutianAI/AleutianDAQ/services/daq/config"
	"github.com/AleutianAI/AleutianDAQ/services/daq/datatypes"
	"github.com/AleutianAI/AleutianDAQ/services/daq/observability"
	"github.com/AleutianAI/AleutianDAQ/services/daq/storage"
)

// =============================================================================
// init
// =============================================================================

func TestApplyAnswers(t *testing.T) {
	tests := []struct {
		name    string
		edit    func(a *initAnswers)
		wantErr string
	}{
		{name: "defaults are valid", edit: func(a *initAnswers) {}},
		{
			name: "influx backend",
			edit: func(a *initAnswers) {
				a.Backend = "influx"
				a.InfluxURL = "http://influx:8086"
			},
		},
		{name: "bad interval", edit: func(a *initAnswers) { a.Interval = "often" }, wantErr: "acquisition interval"},
		{name: "quality out of range", edit: func(a *initAnswers) { a.MinQuality = "120" }, wantErr: "MinQuality"},
		{name: "websocket without url", edit: func(a *initAnswers) { a.BusMode = "websocket" }, wantErr: "bus.url"},
		{name: "bad machine id", edit: func(a *initAnswers) { a.MachineID = "bad id\"" }, wantErr: "MachineID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			a := answersFrom(cfg)
			tt.edit(&a)

			err := applyAnswers(&cfg, a)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyAnswers_CopiesFields(t *testing.T) {
	cfg := config.Default()
	a := answersFrom(cfg)
	a.MachineID = " PRESS_7 "
	a.Interval = "250ms"
	a.MinQuality = "90"
	a.EnableAPI = false

	require.NoError(t, applyAnswers(&cfg, a))
	assert.Equal(t, "PRESS_7", cfg.MachineID)
	assert.Equal(t, 250*time.Millisecond, cfg.Acquisition.Interval)
	assert.Equal(t, 90, cfg.Acquisition.MinQuality)
	assert.False(t, cfg.API.Enabled)
}

func TestRunInit_DefaultsAndOverwrite(t *testing.T) {
	out := filepath.Join(t.TempDir(), "conf", "daq.yaml")
	initOutput, initDefaults, initForce = out, true, false
	t.Cleanup(func() { initOutput, initDefaults, initForce = "daq.yaml", false, false })

	var buf bytes.Buffer
	initCmd.SetOut(&buf)
	require.NoError(t, runInit(initCmd, nil))
	assert.Contains(t, buf.String(), "Wrote")

	loaded, err := config.LoadWithEnv(out, func(string) (string, bool) { return "", false })
	require.NoError(t, err)
	assert.Equal(t, config.Default().MachineID, loaded.MachineID)

	err = runInit(initCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	initForce = true
	assert.NoError(t, runInit(initCmd, nil))
}

// =============================================================================
// Wiring
// =============================================================================

func TestNewLogger_Level(t *testing.T) {
	cfg := config.Default()

	logLevel = "verbose"
	t.Cleanup(func() { logLevel = "" })
	_, err := newLogger(&cfg, "daq")
	assert.Error(t, err)

	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logLevel = "debug"
	logger, err := newLogger(&cfg, "daq")
	require.NoError(t, err)
	assert.NotNil(t, logger)
	assert.Same(t, logger.Slog(), slog.Default())
}

func TestOpenStore_Errors(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = "cassandra"
	_, err := openStore(context.Background(), &cfg, logging.Discard())
	assert.ErrorContains(t, err, "unknown storage backend")

	cfg.Storage.Backend = "influx"
	cfg.Storage.Influx.Token = ""
	_, err = openStore(context.Background(), &cfg, logging.Discard())
	assert.ErrorContains(t, err, "INFLUXDB_TOKEN")
}

func TestNewGateway_Modes(t *testing.T) {
	cfg := config.Default()
	gw, sim, err := newGateway(&cfg, logging.Discard())
	require.NoError(t, err)
	assert.NotNil(t, gw)
	assert.NotNil(t, sim)

	cfg.Bus.Mode = "websocket"
	cfg.Bus.URL = "ws://localhost:4840/bus"
	gw, sim, err = newGateway(&cfg, logging.Discard())
	require.NoError(t, err)
	assert.NotNil(t, gw)
	assert.Nil(t, sim)

	cfg.Bus.Mode = "serial"
	_, _, err = newGateway(&cfg, logging.Discard())
	assert.Error(t, err)
}

func TestAPIExtensions(t *testing.T) {
	cfg := config.Default()
	opts, err := apiExtensions(&cfg, logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &extensions.NopAuthProvider{}, opts.AuthProvider)
	assert.IsType(t, &extensions.AuditTrail{}, opts.AuditLogger)

	cfg.API.Token = "op-token"
	cfg.API.AuditCapacity = 0
	opts, err = apiExtensions(&cfg, logging.Discard())
	require.NoError(t, err)
	assert.Empty(t, cfg.API.Token, "token is cleared once sealed")
	assert.IsType(t, &extensions.LogAuditLogger{}, opts.AuditLogger)

	_, err = opts.AuthProvider.Validate(context.Background(), "op-token")
	assert.NoError(t, err)
	_, err = opts.AuthProvider.Validate(context.Background(), "")
	assert.ErrorIs(t, err, extensions.ErrUnauthorized)
}

func TestBuildPipeline_InMemory(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Storage.Badger.InMemory = true
	cfg.Storage.AnomalyLogPath = filepath.Join(t.TempDir(), "anomalies")
	cfg.Simulator.Seed = 11

	metrics := observability.NewPipelineMetrics(prometheus.NewRegistry())
	p, err := buildPipeline(ctx, &cfg, logging.Discard(), metrics)
	require.NoError(t, err)

	_, err = p.sim.Step(ctx)
	require.NoError(t, err)
	require.NoError(t, p.orch.Start(ctx))
	for i := 0; i < 3; i++ {
		_, err := p.sim.Step(ctx)
		require.NoError(t, err)
		res, err := p.orch.RunCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, res.Acquired)
	}
	require.NoError(t, p.orch.Shutdown(ctx))

	rows, err := p.store.Query(ctx, storage.Window{MachineID: cfg.MachineID, SensorType: datatypes.SensorTemperature})
	require.NoError(t, err)
	assert.NotEmpty(t, rows)

	next := config.Default()
	next.Thresholds.TempMax = 30
	p.reload(&next)
	assert.Equal(t, 30.0, p.engine.Rules().TempMax)

	router := api.NewRouter("test", p.handlers(), p.hub)
	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"stopped"`)

	assert.NoError(t, p.close(ctx))
}

// =============================================================================
// Monitor
// =============================================================================

type fakeMonitorAPI struct {
	status    api.StatusResponse
	anomalies []datatypes.AnomalyRecord
	err       error
	paused    int
	resumed   int
}

func (f *fakeMonitorAPI) Status(ctx context.Context) (api.StatusResponse, error) {
	return f.status, f.err
}

func (f *fakeMonitorAPI) Anomalies(ctx context.Context, limit int) (api.AnomaliesResponse, error) {
	return api.AnomaliesResponse{Anomalies: f.anomalies, Count: len(f.anomalies)}, f.err
}

func (f *fakeMonitorAPI) Pause(ctx context.Context) (api.StatusResponse, error) {
	f.paused++
	f.status.State = "paused"
	return f.status, nil
}

func (f *fakeMonitorAPI) Resume(ctx context.Context) (api.StatusResponse, error) {
	f.resumed++
	f.status.State = "running"
	return f.status, nil
}

func TestMonitorModel_PollAndRender(t *testing.T) {
	r := datatypes.SensorReading{Timestamp: time.Now(), MachineID: "MACHINE_001", SensorType: datatypes.SensorVibration, Value: 2.7}
	client := &fakeMonitorAPI{
		status:    api.StatusResponse{State: "running", MachineID: "MACHINE_001", TotalCycles: 42, SuccessRate: 97.5, Governor: "NORMAL"},
		anomalies: []datatypes.AnomalyRecord{datatypes.NewAnomalyRecord(r, datatypes.AnomalyHighVibration, datatypes.SeverityCritical)},
	}
	m := newMonitorModel(client, time.Second)
	assert.Contains(t, m.View(), "connecting")

	msg := m.poll()()
	snap, ok := msg.(snapshotMsg)
	require.True(t, ok)
	require.NoError(t, snap.err)

	next, cmd := m.Update(snap)
	assert.NotNil(t, cmd, "schedules the next poll")
	view := next.View()
	assert.Contains(t, view, "MACHINE_001")
	assert.Contains(t, view, "RUNNING")
	assert.Contains(t, view, "HIGH_VIBRATION")
	assert.Contains(t, view, "CRITICAL")
}

func TestWorstSeverity(t *testing.T) {
	r := datatypes.SensorReading{Timestamp: time.Now(), MachineID: "MACHINE_001", SensorType: datatypes.SensorTemperature, Value: 40}
	recs := []datatypes.AnomalyRecord{
		datatypes.NewAnomalyRecord(r, datatypes.AnomalyHighDeviation, datatypes.SeverityMedium),
		datatypes.NewAnomalyRecord(r, datatypes.AnomalyOutOfRange, datatypes.SeverityHigh),
		datatypes.NewAnomalyRecord(r, datatypes.AnomalyHighDeviation, datatypes.SeverityLow),
	}
	assert.Equal(t, "HIGH", worstSeverity(recs))
	assert.Equal(t, "", worstSeverity(nil))
}

func TestMonitorModel_Keys(t *testing.T) {
	client := &fakeMonitorAPI{status: api.StatusResponse{State: "running"}}
	var m tea.Model = newMonitorModel(client, time.Second)

	m, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("p")})
	require.NotNil(t, cmd)
	m, _ = m.Update(cmd())
	assert.Equal(t, 1, client.paused)
	assert.Contains(t, m.View(), "pause applied")

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	require.NotNil(t, cmd)
	cmd()
	assert.Equal(t, 1, client.resumed)

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	_, quit := cmd().(tea.QuitMsg)
	assert.True(t, quit)
}

func TestMonitorModel_PollError(t *testing.T) {
	client := &fakeMonitorAPI{err: errors.New("connection refused")}
	m := newMonitorModel(client, time.Second)

	next, _ := m.Update(m.poll()())
	view := next.View()
	assert.Contains(t, view, "connecting")
	assert.Contains(t, view, "connection refused")
}

func TestAPIClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/v1/status":
			_, _ = w.Write([]byte(`{"state":"running","machine_id":"MACHINE_001","total_cycles":3}`))
		case r.URL.Path == "/v1/anomalies" && r.URL.Query().Get("limit") == "5":
			_, _ = w.Write([]byte(`{"source":"memory","count":0,"anomalies":[]}`))
		case r.URL.Path == "/v1/pause" && r.Header.Get("Authorization") != "Bearer op-token":
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid or missing bearer token","code":"UNAUTHORIZED"}`))
		case r.URL.Path == "/v1/pause" && r.Method == http.MethodPost:
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"invalid orchestrator state: pause from stopped","code":"INVALID_STATE"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newAPIClient(srv.URL+"/", "op-token")
	ctx := context.Background()

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), status.TotalCycles)

	anomalies, err := c.Anomalies(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "memory", anomalies.Source)

	_, err = c.Pause(ctx)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "INVALID_STATE"))

	_, err = c.Resume(ctx)
	assert.ErrorContains(t, err, "HTTP 404")

	_, err = newAPIClient(srv.URL, "").Pause(ctx)
	assert.ErrorContains(t, err, "UNAUTHORIZED")
}

// =============================================================================
// Query
// =============================================================================

func TestRenderReadings(t *testing.T) {
	now := time.Now()
	plain := datatypes.SensorReading{Timestamp: now, MachineID: "MACHINE_001", SensorType: datatypes.SensorPressure, Value: 1.25, Unit: "bar", Quality: 95}
	tagged := datatypes.SensorReading{Timestamp: now, MachineID: "MACHINE_001", SensorType: datatypes.SensorTemperature, Value: 45, Unit: "°C", Quality: 90}.
		WithAnomalyTag(datatypes.AnomalyOutOfRange)

	out := renderReadings([]datatypes.SensorReading{tagged, plain})
	assert.Contains(t, out, "2 readings")
	assert.Contains(t, out, "1.25")
	assert.Contains(t, out, "45.00")
	assert.Contains(t, out, "OUT_OF_RANGE")
}
