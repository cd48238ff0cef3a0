// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bus implements the poll-based sensor bus.
//
// The bus exposes a tree of folders and variables (an address space).
// The simulator publishes values into it; the acquisition client browses
// the tree and reads values back. Two Gateway implementations exist:
//
//   - Local: in-process access to an AddressSpace
//   - WSClient: remote access to a Server over a websocket
//
// # Node IDs
//
// A NodeID is the slash-joined path of names from the root, e.g.
// "Machine_MACHINE_001/Sensors/Temperature_Sensor_01/Value". The root
// itself is the empty NodeID.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotConnected is returned by gateway calls before Connect or
	// after Disconnect.
	ErrNotConnected = errors.New("bus not connected")

	// ErrNodeNotFound is returned for unknown node IDs.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNotVariable is returned when reading or writing a folder.
	ErrNotVariable = errors.New("node is not a variable")

	// ErrNotFolder is returned when browsing a variable.
	ErrNotFolder = errors.New("node is not a folder")

	// ErrTypeMismatch is returned by Value conversions.
	ErrTypeMismatch = errors.New("value type mismatch")
)

// =============================================================================
// Nodes
// =============================================================================

// NodeID addresses a node in the address space.
type NodeID string

// Child returns the ID of the child named name.
func (id NodeID) Child(name string) NodeID {
	if id == "" {
		return NodeID(name)
	}
	return NodeID(string(id) + "/" + name)
}

// Split returns the parent folder ID and the final name.
func (id NodeID) Split() (NodeID, string) {
	s := string(id)
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		return NodeID(s[:i]), s[i+1:]
	}
	return "", s
}

// NodeKind distinguishes folders from variables.
type NodeKind string

const (
	KindFolder   NodeKind = "folder"
	KindVariable NodeKind = "variable"
)

// Node is a browse result.
type Node struct {
	ID   NodeID   `json:"id"`
	Name string   `json:"name"`
	Kind NodeKind `json:"kind"`
}

// =============================================================================
// Values
// =============================================================================

// ValueKind tags the payload carried by a Value.
type ValueKind string

const (
	KindNumber ValueKind = "number"
	KindText   ValueKind = "text"
	KindTime   ValueKind = "time"
)

// Value is a typed variable payload.
type Value struct {
	Kind   ValueKind `json:"kind"`
	Number float64   `json:"number,omitempty"`
	Text   string    `json:"text,omitempty"`
	Time   time.Time `json:"time,omitempty"`
}

// Number creates a numeric value.
func Number(f float64) Value { return Value{Kind: KindNumber, Number: f} }

// Text creates a string value.
func Text(s string) Value { return Value{Kind: KindText, Text: s} }

// Timestamp creates a time value.
func Timestamp(t time.Time) Value { return Value{Kind: KindTime, Time: t} }

// Float returns the value as float64. Text values are parsed.
func (v Value) Float() (float64, error) {
	switch v.Kind {
	case KindNumber:
		return v.Number, nil
	case KindText:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Text), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not numeric", ErrTypeMismatch, v.Text)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %s is not numeric", ErrTypeMismatch, v.Kind)
	}
}

// Int returns the value rounded toward zero.
func (v Value) Int() (int, error) {
	f, err := v.Float()
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// AsTime returns the value as a time. Text values must be RFC 3339.
func (v Value) AsTime() (time.Time, error) {
	switch v.Kind {
	case KindTime:
		return v.Time, nil
	case KindText:
		t, err := time.Parse(time.RFC3339Nano, v.Text)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q is not a timestamp", ErrTypeMismatch, v.Text)
		}
		return t, nil
	default:
		return time.Time{}, fmt.Errorf("%w: %s is not a timestamp", ErrTypeMismatch, v.Kind)
	}
}

// String renders the value for display and for text fields.
func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	case KindTime:
		return v.Time.Format(time.RFC3339Nano)
	default:
		return v.Text
	}
}

// ReadResult is one entry of a grouped read. Err is set per node so a
// single bad node does not fail the group.
type ReadResult struct {
	ID    NodeID `json:"id"`
	Value Value  `json:"value"`
	Err   error  `json:"-"`
}

// =============================================================================
// Gateway
// =============================================================================

// Gateway is the client side of the bus.
//
// # Thread Safety
//
// Implementations are safe for concurrent use.
type Gateway interface {
	// Connect establishes the session. Safe to call again after a failure.
	Connect(ctx context.Context) error

	// Browse lists the children of parent ("" for the root).
	Browse(ctx context.Context, parent NodeID) ([]Node, error)

	// Read returns the current value of a variable.
	Read(ctx context.Context, id NodeID) (Value, error)

	// ReadGroup reads several variables. Variables sharing a folder are
	// read from one consistent snapshot of that folder.
	ReadGroup(ctx context.Context, ids []NodeID) ([]ReadResult, error)

	// Write sets a single variable.
	Write(ctx context.Context, id NodeID, v Value) error

	// WriteGroup atomically replaces several variables of one folder.
	WriteGroup(ctx context.Context, folder NodeID, values map[string]Value) error

	// Disconnect closes the session.
	Disconnect() error
}

// Publisher is the subset of Gateway the simulator needs.
type Publisher interface {
	WriteGroup(ctx context.Context, folder NodeID, values map[string]Value) error
}
