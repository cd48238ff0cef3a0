// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bus

import (
	"context"
	"sync/atomic"
)

// Local is an in-process Gateway over an AddressSpace. It is used when
// the simulator runs inside the DAQ process and by tests.
type Local struct {
	space     *AddressSpace
	connected atomic.Bool
}

var _ Gateway = (*Local)(nil)

// NewLocal wraps space.
func NewLocal(space *AddressSpace) *Local {
	return &Local{space: space}
}

// Connect marks the gateway connected. It never fails.
func (l *Local) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.connected.Store(true)
	return nil
}

func (l *Local) Browse(ctx context.Context, parent NodeID) ([]Node, error) {
	if !l.connected.Load() {
		return nil, ErrNotConnected
	}
	return l.space.Browse(parent)
}

func (l *Local) Read(ctx context.Context, id NodeID) (Value, error) {
	if !l.connected.Load() {
		return Value{}, ErrNotConnected
	}
	return l.space.Read(id)
}

func (l *Local) ReadGroup(ctx context.Context, ids []NodeID) ([]ReadResult, error) {
	if !l.connected.Load() {
		return nil, ErrNotConnected
	}
	return l.space.ReadGroup(ids), nil
}

func (l *Local) Write(ctx context.Context, id NodeID, v Value) error {
	if !l.connected.Load() {
		return ErrNotConnected
	}
	return l.space.Write(id, v)
}

func (l *Local) WriteGroup(ctx context.Context, folder NodeID, values map[string]Value) error {
	if !l.connected.Load() {
		return ErrNotConnected
	}
	return l.space.WriteGroup(folder, values)
}

// Disconnect marks the gateway disconnected.
func (l *Local) Disconnect() error {
	l.connected.Store(false)
	return nil
}

// SpacePublisher publishes directly into an AddressSpace without a
// gateway session. The simulator uses it on the server side.
type SpacePublisher struct {
	Space *AddressSpace
}

func (p SpacePublisher) WriteGroup(ctx context.Context, folder NodeID, values map[string]Value) error {
	return p.Space.WriteGroup(folder, values)
}
