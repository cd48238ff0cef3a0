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
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
)

// folder holds its children in insertion order and the values of its
// variable children as an immutable snapshot.
type folder struct {
	node     Node
	children []Node
	values   atomic.Pointer[map[string]Value]
}

func newFolder(node Node) *folder {
	f := &folder{node: node}
	empty := map[string]Value{}
	f.values.Store(&empty)
	return f
}

// AddressSpace is the server-side node tree.
//
// # Description
//
// Topology (folders, variables) is built once at startup under a write
// lock. Variable values live in a per-folder map that is replaced
// wholesale on every write (copy-on-write behind an atomic pointer), so
// a reader that loads the map once sees every variable of that folder
// from the same publish.
//
// # Thread Safety
//
// Safe for concurrent use. Writers to the same folder are serialised by
// a compare-and-swap loop.
type AddressSpace struct {
	mu      sync.RWMutex
	folders map[NodeID]*folder
}

// NewAddressSpace creates an address space containing only the root.
func NewAddressSpace() *AddressSpace {
	return &AddressSpace{
		folders: map[NodeID]*folder{
			"": newFolder(Node{ID: "", Name: "", Kind: KindFolder}),
		},
	}
}

// AddFolder creates (or returns the existing) folder name under parent.
func (s *AddressSpace) AddFolder(parent NodeID, name string) (NodeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.folders[parent]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrNodeNotFound, parent)
	}
	id := parent.Child(name)
	if _, exists := s.folders[id]; exists {
		return id, nil
	}
	if _, isVar := (*p.values.Load())[name]; isVar {
		return "", fmt.Errorf("%w: %q", ErrNotFolder, id)
	}
	node := Node{ID: id, Name: name, Kind: KindFolder}
	s.folders[id] = newFolder(node)
	p.children = append(p.children, node)
	return id, nil
}

// AddVariable creates a variable under parent with an initial value.
func (s *AddressSpace) AddVariable(parent NodeID, name string, initial Value) (NodeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.folders[parent]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrNodeNotFound, parent)
	}
	id := parent.Child(name)
	if _, exists := s.folders[id]; exists {
		return "", fmt.Errorf("%w: %q", ErrNotVariable, id)
	}
	if _, exists := (*p.values.Load())[name]; !exists {
		p.children = append(p.children, Node{ID: id, Name: name, Kind: KindVariable})
	}
	for {
		current := p.values.Load()
		next := maps.Clone(*current)
		next[name] = initial
		if p.values.CompareAndSwap(current, &next) {
			return id, nil
		}
	}
}

// Browse lists the children of parent.
func (s *AddressSpace) Browse(parent NodeID) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.folders[parent]
	if !ok {
		if s.isVariable(parent) {
			return nil, fmt.Errorf("%w: %q", ErrNotFolder, parent)
		}
		return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, parent)
	}
	out := make([]Node, len(f.children))
	copy(out, f.children)
	return out, nil
}

// Read returns the current value of id.
func (s *AddressSpace) Read(id NodeID) (Value, error) {
	snapshot, name, err := s.snapshotFor(id)
	if err != nil {
		return Value{}, err
	}
	v, ok := snapshot[name]
	if !ok {
		return Value{}, fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	return v, nil
}

// ReadGroup reads ids, loading each parent folder's snapshot once.
func (s *AddressSpace) ReadGroup(ids []NodeID) []ReadResult {
	snapshots := make(map[NodeID]map[string]Value)
	results := make([]ReadResult, len(ids))

	for i, id := range ids {
		results[i].ID = id
		parent, name := id.Split()
		snapshot, ok := snapshots[parent]
		if !ok {
			var err error
			snapshot, _, err = s.snapshotFor(id)
			if err != nil {
				results[i].Err = err
				continue
			}
			snapshots[parent] = snapshot
		}
		v, found := snapshot[name]
		if !found {
			results[i].Err = fmt.Errorf("%w: %q", ErrNodeNotFound, id)
			continue
		}
		results[i].Value = v
	}
	return results
}

// Write sets a single variable.
func (s *AddressSpace) Write(id NodeID, v Value) error {
	parent, name := id.Split()
	return s.WriteGroup(parent, map[string]Value{name: v})
}

// WriteGroup atomically replaces the named variables of folderID. Every
// name must already exist as a variable.
func (s *AddressSpace) WriteGroup(folderID NodeID, values map[string]Value) error {
	s.mu.RLock()
	f, ok := s.folders[folderID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, folderID)
	}

	for {
		current := f.values.Load()
		for name := range values {
			if _, exists := (*current)[name]; !exists {
				return fmt.Errorf("%w: %q", ErrNodeNotFound, folderID.Child(name))
			}
		}
		next := maps.Clone(*current)
		maps.Copy(next, values)
		if f.values.CompareAndSwap(current, &next) {
			return nil
		}
	}
}

// snapshotFor returns the value snapshot of id's parent folder.
func (s *AddressSpace) snapshotFor(id NodeID) (map[string]Value, string, error) {
	parent, name := id.Split()

	s.mu.RLock()
	f, ok := s.folders[parent]
	_, isFolder := s.folders[id]
	s.mu.RUnlock()

	if isFolder {
		return nil, name, fmt.Errorf("%w: %q", ErrNotVariable, id)
	}
	if !ok {
		return nil, name, fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	return *f.values.Load(), name, nil
}

// isVariable must be called with s.mu held.
func (s *AddressSpace) isVariable(id NodeID) bool {
	parent, name := id.Split()
	f, ok := s.folders[parent]
	if !ok {
		return false
	}
	_, exists := (*f.values.Load())[name]
	return exists
}
