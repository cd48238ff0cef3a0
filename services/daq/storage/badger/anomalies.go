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
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianDAQ/pkg/validation"
	"github.com/AleutianAI/AleutianDAQ/services/daq/datatypes"
	"github.com/AleutianAI/AleutianDAQ/services/daq/storage"
)

// AnomalyLog persists full anomaly records, including severity and
// description, which the time-series rows do not carry.
//
// It implements storage.AnomalySink and storage.AnomalySource.
type AnomalyLog struct {
	db  *DB
	seq atomic.Uint64
	own bool
}

var (
	_ storage.AnomalySink   = (*AnomalyLog)(nil)
	_ storage.AnomalySource = (*AnomalyLog)(nil)
	_ storage.Store         = (*Store)(nil)
)

// NewAnomalyLog writes into db, which may be shared with a Store.
func NewAnomalyLog(db *DB) *AnomalyLog {
	l := &AnomalyLog{db: db}
	l.seq.Store(uint64(time.Now().UnixNano()))
	return l
}

// OpenAnomalyLog opens a dedicated database for the log.
func OpenAnomalyLog(cfg Config) (*AnomalyLog, error) {
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	l := NewAnomalyLog(db)
	l.own = true
	return l, nil
}

// RecordAnomaly implements storage.AnomalySink.
func (l *AnomalyLog) RecordAnomaly(ctx context.Context, rec datatypes.AnomalyRecord) error {
	if err := validation.ValidateIdentifier(rec.MachineID); err != nil {
		return fmt.Errorf("anomaly log: machine_id: %w", err)
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode anomaly: %w", err)
	}
	key := timeKey(anomalyPrefix, rec.MachineID, rec.Timestamp, l.seq.Add(1))
	return l.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

// RecentAnomalies implements storage.AnomalySource.
func (l *AnomalyLog) RecentAnomalies(ctx context.Context, machineID string, limit int) ([]datatypes.AnomalyRecord, error) {
	if err := validation.ValidateIdentifier(machineID); err != nil {
		return nil, fmt.Errorf("%w: machine_id: %w", storage.ErrInvalidQuery, err)
	}
	if limit <= 0 {
		limit = storage.DefaultQueryLimit
	}

	var out []datatypes.AnomalyRecord
	err := l.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		prefix := machinePrefix(anomalyPrefix, machineID)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			var rec datatypes.AnomalyRecord
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
				return fmt.Errorf("decode anomaly: %w", err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns how many records machineID has with timestamps in
// [since, now].
func (l *AnomalyLog) Count(ctx context.Context, machineID string, since time.Time) (int, error) {
	if err := validation.ValidateIdentifier(machineID); err != nil {
		return 0, fmt.Errorf("%w: machine_id: %w", storage.ErrInvalidQuery, err)
	}
	n := 0
	err := l.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		prefix := machinePrefix(anomalyPrefix, machineID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		start := timeKey(anomalyPrefix, machineID, since, 0)
		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close closes the database if the log opened it.
func (l *AnomalyLog) Close() error {
	if l.own {
		return l.db.Close()
	}
	return nil
}
