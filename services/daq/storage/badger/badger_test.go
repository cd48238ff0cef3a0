// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDAQ/pkg/logging"
	"github.com/AleutianAI/AleutianDAQ/services/daq/datatypes"
	"github.com/AleutianAI/AleutianDAQ/services/daq/storage"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(InMemoryConfig(), WithStoreLogger(logging.Discard()))
	require.NoError(t, err)
	s.now = func() time.Time { return baseTime }
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func reading(machine string, st datatypes.SensorType, offset time.Duration, value float64) datatypes.SensorReading {
	return datatypes.SensorReading{
		Timestamp:  baseTime.Add(offset),
		MachineID:  machine,
		SensorType: st,
		Value:      value,
		Quality:    95,
		Status:     datatypes.StatusOK,
	}
}

// TestOpenDB_InMemory verifies in-memory database creation works.
func TestOpenDB_InMemory(t *testing.T) {
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()
	assert.True(t, db.InMemory())

	err = db.WithTxn(context.Background(), func(txn *badger.Txn) error {
		return txn.Set([]byte("key"), []byte("value"))
	})
	require.NoError(t, err)

	err = db.WithReadTxn(context.Background(), func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("key"))
		require.NoError(t, err)
		return item.Value(func(val []byte) error {
			assert.Equal(t, []byte("value"), val)
			return nil
		})
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "second close is a no-op")
}

// TestOpenDB_Persistent verifies data survives a reopen.
func TestOpenDB_Persistent(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.GCInterval = time.Hour

	s, err := OpenStore(cfg, WithStoreLogger(logging.Discard()))
	require.NoError(t, err)
	_, err = s.InsertBatch(context.Background(), []datatypes.SensorReading{
		reading("MACHINE_001", datatypes.SensorTemperature, -time.Minute, 25),
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := OpenStore(cfg, WithStoreLogger(logging.Discard()))
	require.NoError(t, err)
	defer s2.Close()
	s2.now = func() time.Time { return baseTime }

	rows, err := s2.Query(context.Background(), storage.Window{MachineID: "MACHINE_001"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 25.0, rows[0].Value)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestWithTxn_CancelledContext(t *testing.T) {
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = db.WithTxn(ctx, func(txn *badger.Txn) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewGCRunner_Validation(t *testing.T) {
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	_, err = NewGCRunner(nil, time.Minute, 0.5, nil)
	assert.Error(t, err)
	_, err = NewGCRunner(db.DB, 0, 0.5, nil)
	assert.Error(t, err)
	_, err = NewGCRunner(db.DB, time.Minute, 1.5, nil)
	assert.Error(t, err)

	r, err := NewGCRunner(db.DB, time.Millisecond, 0.5, nil)
	require.NoError(t, err)
	r.Start()
	time.Sleep(5 * time.Millisecond)
	r.Stop()
	r.Stop()
}

// =============================================================================
// Store Tests
// =============================================================================

func TestStore_QueryNewestFirstWithLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var batch []datatypes.SensorReading
	for i := 0; i < 10; i++ {
		batch = append(batch, reading("MACHINE_001", datatypes.SensorTemperature, time.Duration(-10+i)*time.Minute, float64(i)))
	}
	batch = append(batch, reading("MACHINE_002", datatypes.SensorTemperature, -time.Minute, 99))

	n, err := s.InsertBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	rows, err := s.Query(ctx, storage.Window{MachineID: "MACHINE_001", Limit: 3})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, 9.0, rows[0].Value)
	assert.Equal(t, 8.0, rows[1].Value)
	assert.Equal(t, 7.0, rows[2].Value)
	for _, r := range rows {
		assert.Equal(t, "MACHINE_001", r.MachineID)
	}
}

func TestStore_QueryWindowAndType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertBatch(ctx, []datatypes.SensorReading{
		reading("MACHINE_001", datatypes.SensorTemperature, -3*time.Hour, 1),
		reading("MACHINE_001", datatypes.SensorPressure, -30*time.Minute, 2),
		reading("MACHINE_001", datatypes.SensorTemperature, -20*time.Minute, 3),
		reading("MACHINE_001", datatypes.SensorTemperature, time.Hour, 4),
	})
	require.NoError(t, err)

	rows, err := s.Query(ctx, storage.Window{
		MachineID:  "MACHINE_001",
		SensorType: datatypes.SensorTemperature,
		Start:      baseTime.Add(-time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 3.0, rows[0].Value)
}

func TestStore_QueryAllMachines(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertBatch(ctx, []datatypes.SensorReading{
		reading("MACHINE_002", datatypes.SensorVibration, -5*time.Minute, 1),
		reading("MACHINE_001", datatypes.SensorVibration, -time.Minute, 2),
		reading("MACHINE_003", datatypes.SensorVibration, -3*time.Minute, 3),
	})
	require.NoError(t, err)

	rows, err := s.Query(ctx, storage.Window{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []float64{2, 3, 1}, []float64{rows[0].Value, rows[1].Value, rows[2].Value})
}

func TestStore_SameTimestampKeepsBoth(t *testing.T) {
	s := newTestStore(t)
	r := reading("MACHINE_001", datatypes.SensorTemperature, -time.Second, 1)
	require.NoError(t, s.InsertOne(context.Background(), r))
	require.NoError(t, s.InsertOne(context.Background(), r))

	rows, err := s.Query(context.Background(), storage.Window{MachineID: "MACHINE_001"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestStore_AnnotationsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	r := reading("MACHINE_001", datatypes.SensorVibration, -time.Second, 2.7).
		WithStatistics(1.9, 0.8, true).
		WithAnomalyTag(datatypes.AnomalyHighVibration)
	require.NoError(t, s.InsertOne(context.Background(), r))

	rows, err := s.Query(context.Background(), storage.Window{MachineID: "MACHINE_001"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	tag, ok := rows[0].Tag()
	require.True(t, ok)
	assert.Equal(t, datatypes.AnomalyHighVibration, tag)
	assert.True(t, rows[0].HighDeviation)
}

func TestStore_CountAnomalies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	src := reading("MACHINE_001", datatypes.SensorTemperature, 0, 90)
	var rows []datatypes.SensorReading
	for _, off := range []time.Duration{-2 * time.Hour, -30 * time.Minute, -10 * time.Minute, -time.Minute} {
		rec := datatypes.NewAnomalyRecord(src, datatypes.AnomalyOutOfRange, datatypes.SeverityHigh)
		rec.Timestamp = baseTime.Add(off)
		rows = append(rows, datatypes.AnomalyReading(rec, "Factory_Floor_A"))
	}
	rows = append(rows, reading("MACHINE_001", datatypes.SensorTemperature, -5*time.Minute, 25))
	rows = append(rows, datatypes.AnomalyReading(datatypes.NewAnomalyRecord(
		reading("MACHINE_002", datatypes.SensorTemperature, -time.Minute, 90),
		datatypes.AnomalyOutOfRange, datatypes.SeverityHigh), ""))
	_, err := s.InsertBatch(ctx, rows)
	require.NoError(t, err)

	n, err := s.CountAnomalies(ctx, "MACHINE_001", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = s.CountAnomalies(ctx, "", time.Hour)
	assert.ErrorIs(t, err, storage.ErrInvalidQuery)
}

func TestStore_Closed(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Ping(context.Background()), storage.ErrClosed)
	_, err := s.InsertBatch(context.Background(), nil)
	assert.ErrorIs(t, err, storage.ErrClosed)
	_, err = s.Query(context.Background(), storage.Window{})
	assert.ErrorIs(t, err, storage.ErrClosed)
}

func TestStore_BehindBufferedGateway(t *testing.T) {
	s := newTestStore(t)
	b, err := storage.NewBuffered(s, storage.BufferConfig{BatchSize: 3, MaxBufferSize: 10},
		storage.WithBufferLogger(logging.Discard()))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = b.Store(ctx, []datatypes.SensorReading{
		reading("MACHINE_001", datatypes.SensorTemperature, -3*time.Second, 1),
		reading("MACHINE_001", datatypes.SensorPressure, -2*time.Second, 2),
	})
	require.NoError(t, err)
	res, err := b.Store(ctx, []datatypes.SensorReading{
		reading("MACHINE_001", datatypes.SensorVibration, -time.Second, 3),
	})
	require.NoError(t, err)
	assert.True(t, res.Flushed)

	rows, err := s.Query(ctx, storage.Window{MachineID: "MACHINE_001"})
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

// =============================================================================
// AnomalyLog Tests
// =============================================================================

func TestAnomalyLog_RecordAndRecent(t *testing.T) {
	s := newTestStore(t)
	log := NewAnomalyLog(s.DB())
	ctx := context.Background()

	src := reading("MACHINE_001", datatypes.SensorVibration, 0, 3.2)
	for i, sev := range []datatypes.Severity{datatypes.SeverityLow, datatypes.SeverityHigh, datatypes.SeverityCritical} {
		rec := datatypes.NewAnomalyRecord(src, datatypes.AnomalyHighVibration, sev)
		rec.Timestamp = baseTime.Add(time.Duration(i) * time.Second)
		require.NoError(t, log.RecordAnomaly(ctx, rec))
	}

	recent, err := log.RecentAnomalies(ctx, "MACHINE_001", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, datatypes.SeverityCritical, recent[0].Severity)
	assert.Equal(t, datatypes.SeverityHigh, recent[1].Severity)

	n, err := log.Count(ctx, "MACHINE_001", baseTime.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	none, err := log.RecentAnomalies(ctx, "MACHINE_009", 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	// Log entries never show up as readings.
	rows, err := s.Query(ctx, storage.Window{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestAnomalyLog_RejectsBadMachineID(t *testing.T) {
	log, err := OpenAnomalyLog(InMemoryConfig())
	require.NoError(t, err)
	defer log.Close()

	rec := datatypes.AnomalyRecord{MachineID: "a/b", Timestamp: baseTime}
	assert.Error(t, log.RecordAnomaly(context.Background(), rec))
	_, err = log.RecentAnomalies(context.Background(), "a/b", 1)
	assert.ErrorIs(t, err, storage.ErrInvalidQuery)
}
