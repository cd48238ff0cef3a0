// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ringbuffer provides a fixed-capacity FIFO that evicts the
// oldest entry when full.
//
// It backs the anomaly detector's sensor history (global cap 1000) and
// the orchestrator's recent-anomaly retention (cap 100).
package ringbuffer

import (
	"sync"
	"sync/atomic"
)

// =============================================================================
// RingBuffer
// =============================================================================

// RingBuffer is a bounded FIFO with overwrite-oldest semantics.
//
// # Description
//
// Push never blocks and never fails: when the buffer is full the oldest
// element is discarded and counted in DroppedCount. Reads (Last,
// ToSlice) return copies in insertion order, oldest first.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type RingBuffer[T any] struct {
	buffer   []T
	head     int
	tail     int
	size     int
	capacity int
	dropped  int64
	mu       sync.Mutex
}

// New creates a RingBuffer with the given capacity.
//
// # Inputs
//
//   - capacity: Maximum number of elements. Must be positive.
//
// # Outputs
//
//   - *RingBuffer[T]: Empty buffer.
//
// # Limitations
//
//   - Panics when capacity <= 0; capacities come from validated config.
func New[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		panic("ring buffer capacity must be positive")
	}
	return &RingBuffer[T]{
		buffer:   make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends item, evicting the oldest element when full.
// Returns true if an element was evicted.
func (r *RingBuffer[T]) Push(item T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := false
	if r.size == r.capacity {
		var zero T
		r.buffer[r.head] = zero
		r.head = (r.head + 1) % r.capacity
		r.size--
		atomic.AddInt64(&r.dropped, 1)
		evicted = true
	}

	r.buffer[r.tail] = item
	r.tail = (r.tail + 1) % r.capacity
	r.size++
	return evicted
}

// Last returns up to n of the most recent elements, oldest first.
func (r *RingBuffer[T]) Last(n int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || r.size == 0 {
		return nil
	}
	if n > r.size {
		n = r.size
	}

	out := make([]T, n)
	start := r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.buffer[(r.head+start+i)%r.capacity]
	}
	return out
}

// ToSlice returns every element, oldest first.
func (r *RingBuffer[T]) ToSlice() []T {
	return r.Last(r.Size())
}

// Size returns the number of buffered elements.
func (r *RingBuffer[T]) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Capacity returns the fixed capacity.
func (r *RingBuffer[T]) Capacity() int {
	return r.capacity
}

// DroppedCount returns how many elements have been evicted since
// creation or the last Clear.
func (r *RingBuffer[T]) DroppedCount() int64 {
	return atomic.LoadInt64(&r.dropped)
}

// Clear removes all elements and resets the drop counter.
func (r *RingBuffer[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.buffer {
		r.buffer[i] = zero
	}
	r.head = 0
	r.tail = 0
	r.size = 0
	atomic.StoreInt64(&r.dropped, 0)
}
