// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/AleutianDAQ/pkg/logging"
	"github.com/AleutianAI/AleutianDAQ/services/daq/config"
	"github.com/AleutianAI/AleutianDAQ/services/daq/datatypes"
	"github.com/AleutianAI/AleutianDAQ/services/daq/observability"
)

// ErrFlushFailed wraps the backend error of a failed flush. The readings
// stay buffered.
var ErrFlushFailed = errors.New("flush failed")

// BufferConfig sizes the buffer.
type BufferConfig struct {
	// BatchSize triggers a flush once this many readings are buffered.
	BatchSize int

	// MaxBufferSize bounds the buffer after a failed flush; the oldest
	// readings beyond it are evicted.
	MaxBufferSize int
}

// BufferConfigFrom extracts the buffer sizing from the application config.
func BufferConfigFrom(cfg *config.Config) BufferConfig {
	return BufferConfig{BatchSize: cfg.Acquisition.BatchSize, MaxBufferSize: cfg.Acquisition.MaxBufferSize}
}

// BufferStats is a snapshot of the gateway's counters.
type BufferStats struct {
	Buffered      int   `json:"buffered"`
	Flushes       int64 `json:"flushes"`
	FailedFlushes int64 `json:"failed_flushes"`
	Inserted      int64 `json:"inserted"`
	Evicted       int64 `json:"evicted"`
}

// StoreResult describes what one Store call did.
type StoreResult struct {
	Flushed  bool
	Inserted int
	Evicted  int
}

// BufferOption configures a Buffered gateway.
type BufferOption func(*Buffered)

// WithBufferLogger sets the logger.
func WithBufferLogger(l *logging.Logger) BufferOption {
	return func(b *Buffered) { b.logger = l }
}

// WithBufferMetrics records flushes, evictions, and depth.
func WithBufferMetrics(m *observability.PipelineMetrics) BufferOption {
	return func(b *Buffered) { b.metrics = m }
}

// Buffered accumulates readings and writes them to a Store in batches.
//
// # Description
//
// Store appends readings and flushes when the buffer holds at least
// BatchSize entries. A successful flush empties the buffer. A failed
// flush keeps the readings the backend did not report as written and,
// if the buffer then exceeds MaxBufferSize, evicts the oldest entries
// down to that size. The buffer never holds more than MaxBufferSize
// readings when Store returns.
//
// # Thread Safety
//
// Mutating calls (Store, ForceFlush, Close) are serialized. Len and Stats
// may be called concurrently with them.
type Buffered struct {
	store   Store
	cfg     BufferConfig
	logger  *logging.Logger
	metrics *observability.PipelineMetrics
	sizes   metric.Int64Histogram

	opMu sync.Mutex
	// forced is set once ForceFlush has run and cleared by Store. Guarded
	// by opMu.
	forced bool

	mu    sync.Mutex
	buf   []datatypes.SensorReading
	stats BufferStats
}

// NewBuffered wraps store.
func NewBuffered(store Store, cfg BufferConfig, opts ...BufferOption) (*Buffered, error) {
	if store == nil {
		return nil, errors.New("storage: nil store")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("storage: batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.MaxBufferSize < cfg.BatchSize {
		return nil, fmt.Errorf("storage: max buffer size %d below batch size %d", cfg.MaxBufferSize, cfg.BatchSize)
	}

	b := &Buffered{
		store:  store,
		cfg:    cfg,
		logger: logging.Default(),
		buf:    make([]datatypes.SensorReading, 0, cfg.BatchSize),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "storage")

	sizes, err := otel.Meter(observability.TracerName).Int64Histogram(
		"daq.storage.flush.size",
		metric.WithDescription("Readings written per flush attempt"),
		metric.WithUnit("{reading}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create flush histogram: %w", err)
	}
	b.sizes = sizes
	return b, nil
}

// Store buffers readings and flushes when the batch size is reached.
//
// # Outputs
//
//   - StoreResult: Whether a flush happened and what it wrote or evicted.
//   - error: ErrFlushFailed wrapping the backend error. The readings are
//     retained (minus evictions); the caller should not treat this as
//     fatal.
func (b *Buffered) Store(ctx context.Context, readings []datatypes.SensorReading) (StoreResult, error) {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	b.forced = false
	b.mu.Lock()
	b.buf = append(b.buf, readings...)
	n := len(b.buf)
	b.mu.Unlock()

	if n < b.cfg.BatchSize {
		b.metrics.SetBufferSize(n)
		b.logger.Debug("Readings buffered", "buffered", n, "batch_size", b.cfg.BatchSize)
		return StoreResult{}, nil
	}
	return b.flush(ctx)
}

// InsertOne writes r directly, bypassing the buffer. Anomaly rows use it.
func (b *Buffered) InsertOne(ctx context.Context, r datatypes.SensorReading) error {
	return b.store.InsertOne(ctx, r)
}

// ForceFlush makes one best-effort attempt to write whatever is buffered.
func (b *Buffered) ForceFlush(ctx context.Context) error {
	b.opMu.Lock()
	defer b.opMu.Unlock()
	return b.forceFlushLocked(ctx)
}

func (b *Buffered) forceFlushLocked(ctx context.Context) error {
	b.forced = true
	if b.Len() == 0 {
		return nil
	}
	_, err := b.flush(ctx)
	return err
}

// Close closes the store. Anything buffered gets one flush attempt unless
// ForceFlush already made it with nothing stored since; readings that
// remain are lost. The store is closed even if the flush fails.
func (b *Buffered) Close(ctx context.Context) error {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	var flushErr error
	if !b.forced {
		flushErr = b.forceFlushLocked(ctx)
	}
	if n := b.Len(); n > 0 {
		b.logger.Error("Final flush failed; buffered readings lost", "buffered", n, "error", flushErr)
	}
	return errors.Join(flushErr, b.store.Close())
}

// flush must be called with opMu held.
func (b *Buffered) flush(ctx context.Context) (StoreResult, error) {
	b.mu.Lock()
	batch := make([]datatypes.SensorReading, len(b.buf))
	copy(batch, b.buf)
	b.mu.Unlock()

	ctx, span := observability.StartSpan(ctx, "storage.flush", attribute.Int("daq.batch_size", len(batch)))
	inserted, err := b.store.InsertBatch(ctx, batch)
	observability.EndSpan(span, err)
	if inserted < 0 {
		inserted = 0
	}
	if inserted > len(batch) {
		inserted = len(batch)
	}
	b.sizes.Record(ctx, int64(inserted), metric.WithAttributes(attribute.Bool("success", err == nil)))

	b.mu.Lock()
	defer b.mu.Unlock()

	result := StoreResult{Flushed: err == nil, Inserted: inserted}
	b.stats.Flushes++
	b.stats.Inserted += int64(inserted)

	// Drop what reached the backend so a retry does not duplicate it.
	b.buf = append(b.buf[:0], b.buf[inserted:]...)

	if err == nil {
		b.metrics.RecordFlush(true)
		b.metrics.SetBufferSize(len(b.buf))
		b.logger.Info("Readings flushed", "count", inserted)
		return result, nil
	}

	b.stats.FailedFlushes++
	b.metrics.RecordFlush(false)
	b.logger.Warn("Flush failed; readings kept in buffer",
		"buffered", len(b.buf),
		"inserted", inserted,
		"error", err,
	)

	if overflow := len(b.buf) - b.cfg.MaxBufferSize; overflow > 0 {
		b.buf = append(b.buf[:0], b.buf[overflow:]...)
		b.stats.Evicted += int64(overflow)
		result.Evicted = overflow
		b.metrics.RecordEviction(overflow)
		b.logger.Error("Buffer overflow: oldest readings evicted",
			"evicted", overflow,
			"max_buffer_size", b.cfg.MaxBufferSize,
		)
	}
	b.metrics.SetBufferSize(len(b.buf))
	return result, fmt.Errorf("%w: %w", ErrFlushFailed, err)
}

// Len returns the number of buffered readings.
func (b *Buffered) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Stats returns a snapshot of the counters.
func (b *Buffered) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Buffered = len(b.buf)
	return s
}

// Backend returns the wrapped store for read paths (queries, counts).
func (b *Buffered) Backend() Store {
	return b.store
}
