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
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianDAQ/pkg/logging"
	"github.com/AleutianAI/AleutianDAQ/services/daq/datatypes"
	"github.com/AleutianAI/AleutianDAQ/services/daq/storage"
)

// Key layout:
//
//	r/<machine_id>/<unix_nanos:8 bytes BE>/<seq:8 bytes BE>  -> JSON SensorReading
//	a/<machine_id>/<unix_nanos:8 bytes BE>/<seq:8 bytes BE>  -> JSON AnomalyRecord
//
// Machine IDs are validated identifiers and never contain '/', so a
// machine prefix never matches another machine's keys.
const (
	readingPrefix = "r/"
	anomalyPrefix = "a/"
)

func machinePrefix(kind, machineID string) []byte {
	return []byte(kind + machineID + "/")
}

func timeKey(kind, machineID string, ts time.Time, seq uint64) []byte {
	k := machinePrefix(kind, machineID)
	k = binary.BigEndian.AppendUint64(k, nanos(ts))
	k = append(k, '/')
	return binary.BigEndian.AppendUint64(k, seq)
}

// seekKey is the greatest key at or before ts for reverse iteration.
func seekKey(kind, machineID string, ts time.Time) []byte {
	k := machinePrefix(kind, machineID)
	k = binary.BigEndian.AppendUint64(k, nanos(ts))
	return append(k, '/', 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
}

// keyTime extracts the timestamp from a key under prefix.
func keyTime(key []byte, prefixLen int) (time.Time, bool) {
	if len(key) < prefixLen+8 {
		return time.Time{}, false
	}
	n := binary.BigEndian.Uint64(key[prefixLen : prefixLen+8])
	return time.Unix(0, int64(n)).UTC(), true
}

var maxKeyTime = time.Unix(0, math.MaxInt64)

// nanos clamps ts into the range UnixNano can represent.
func nanos(ts time.Time) uint64 {
	switch {
	case ts.Unix() < 0:
		return 0
	case ts.After(maxKeyTime):
		return math.MaxInt64
	}
	return uint64(ts.UnixNano())
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithRetention expires readings after d.
func WithRetention(d time.Duration) StoreOption {
	return func(s *Store) { s.retention = d }
}

// WithStoreLogger sets the logger.
func WithStoreLogger(l *logging.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements storage.Store on BadgerDB.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	db        *DB
	retention time.Duration
	logger    *logging.Logger
	now       func() time.Time
	seq       atomic.Uint64
	ownsDB    bool

	mu     sync.RWMutex
	closed bool
}

// NewStore opens a Store over db. The Store does not own db; closing the
// Store leaves db open.
func NewStore(db *DB, opts ...StoreOption) *Store {
	s := &Store{db: db, logger: logging.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "badger_store")
	s.seq.Store(uint64(time.Now().UnixNano()))
	return s
}

// OpenStore opens a database from cfg and returns a Store that owns it.
func OpenStore(cfg Config, opts ...StoreOption) (*Store, error) {
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	s := NewStore(db, opts...)
	s.ownsDB = true
	return s, nil
}

// DB returns the underlying database, for sharing with an AnomalyLog.
func (s *Store) DB() *DB {
	return s.db
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}
	return nil
}

func (s *Store) entry(r datatypes.SensorReading) (*badger.Entry, error) {
	val, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode reading: %w", err)
	}
	e := badger.NewEntry(timeKey(readingPrefix, r.MachineID, r.Timestamp, s.seq.Add(1)), val)
	if s.retention > 0 {
		e = e.WithTTL(s.retention)
	}
	return e, nil
}

// InsertOne implements storage.Store.
func (s *Store) InsertOne(ctx context.Context, r datatypes.SensorReading) error {
	_, err := s.InsertBatch(ctx, []datatypes.SensorReading{r})
	return err
}

// InsertBatch implements storage.Store.
//
// # Description
//
// Writes readings in as few transactions as possible. When a transaction
// grows too large it is committed and a new one started, so a failure
// part way reports the readings already committed.
func (s *Store) InsertBatch(ctx context.Context, readings []datatypes.SensorReading) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	committed := 0
	txn := s.db.NewTransaction(true)
	defer func() { txn.Discard() }()
	pending := 0

	for _, r := range readings {
		e, err := s.entry(r)
		if err != nil {
			return committed, err
		}
		err = txn.SetEntry(e)
		if errors.Is(err, badger.ErrTxnTooBig) {
			if err := txn.Commit(); err != nil {
				return committed, fmt.Errorf("commit readings: %w", err)
			}
			committed += pending
			pending = 0
			txn = s.db.NewTransaction(true)
			err = txn.SetEntry(e)
		}
		if err != nil {
			return committed, fmt.Errorf("stage reading: %w", err)
		}
		pending++
	}

	if err := txn.Commit(); err != nil {
		return committed, fmt.Errorf("commit readings: %w", err)
	}
	return committed + pending, nil
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

	var out []datatypes.SensorReading
	err = s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		if w.MachineID != "" {
			out, err = scanMachine(txn, w)
			return err
		}
		out, err = scanAll(txn, w)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("badger query: %w", err)
	}
	return out, nil
}

// scanMachine walks one machine's readings newest first, stopping at the
// window start or the limit.
func scanMachine(txn *badger.Txn, w storage.Window) ([]datatypes.SensorReading, error) {
	prefix := machinePrefix(readingPrefix, w.MachineID)
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []datatypes.SensorReading
	for it.Seek(seekKey(readingPrefix, w.MachineID, w.End)); it.ValidForPrefix(prefix); it.Next() {
		ts, ok := keyTime(it.Item().Key(), len(prefix))
		if !ok {
			continue
		}
		if !w.Start.IsZero() && ts.Before(w.Start) {
			break
		}
		var r datatypes.SensorReading
		if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &r) }); err != nil {
			return nil, fmt.Errorf("decode reading: %w", err)
		}
		if !w.Matches(r) {
			continue
		}
		out = append(out, r)
		if len(out) >= w.Limit {
			break
		}
	}
	return out, nil
}

// scanAll filters every machine's readings and sorts the result.
func scanAll(txn *badger.Txn, w storage.Window) ([]datatypes.SensorReading, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(readingPrefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []datatypes.SensorReading
	for it.Rewind(); it.Valid(); it.Next() {
		var r datatypes.SensorReading
		if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &r) }); err != nil {
			return nil, fmt.Errorf("decode reading: %w", err)
		}
		if w.Matches(r) {
			out = append(out, r)
		}
	}
	slices.SortStableFunc(out, func(a, b datatypes.SensorReading) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	if len(out) > w.Limit {
		out = out[:w.Limit]
	}
	return out, nil
}

// CountAnomalies implements storage.Store.
func (s *Store) CountAnomalies(ctx context.Context, machineID string, window time.Duration) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	now := s.now()
	w, err := storage.Window{
		MachineID:  machineID,
		SensorType: datatypes.SensorAnomaly,
		Start:      now.Add(-window),
		End:        now,
		Limit:      storage.MaxQueryLimit,
	}.Normalize(now)
	if err != nil {
		return 0, err
	}
	if w.MachineID == "" {
		return 0, fmt.Errorf("%w: machine_id required", storage.ErrInvalidQuery)
	}

	count := 0
	err = s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		prefix := machinePrefix(readingPrefix, w.MachineID)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seekKey(readingPrefix, w.MachineID, w.End)); it.ValidForPrefix(prefix); it.Next() {
			ts, ok := keyTime(it.Item().Key(), len(prefix))
			if !ok {
				continue
			}
			if ts.Before(w.Start) {
				break
			}
			var r datatypes.SensorReading
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &r) }); err != nil {
				return fmt.Errorf("decode reading: %w", err)
			}
			if r.SensorType == datatypes.SensorAnomaly {
				count++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger count: %w", err)
	}
	return count, nil
}

// Ping implements storage.Store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return storage.ErrClosed
	}
	return nil
}

// Close implements storage.Store. The database is closed only if the
// Store opened it.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
