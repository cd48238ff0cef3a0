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
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianDAQ/services/daq/config"
)

// GovernorState is the state of the consecutive-failure governor.
//
// # State Diagram
//
//	NORMAL ──[threshold consecutive failures]──► COOLING
//	   ▲                                            │
//	   └──────────────[cooldown elapsed]────────────┘
//
// A successful cycle in NORMAL resets the failure count.
type GovernorState int

const (
	// GovernorNormal lets cycles run.
	GovernorNormal GovernorState = iota

	// GovernorCooling means the loop is sitting out a cooldown.
	GovernorCooling
)

// String returns a human-readable state name.
func (s GovernorState) String() string {
	switch s {
	case GovernorNormal:
		return "NORMAL"
	case GovernorCooling:
		return "COOLING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// GovernorConfig configures the governor.
type GovernorConfig struct {
	// FailureThreshold is consecutive failed cycles before cooling down.
	// Default: 5
	FailureThreshold int

	// Cooldown is how long the loop pauses once the threshold is hit.
	// Default: 30 seconds
	Cooldown time.Duration

	// OnStateChange is called after each transition, outside the lock.
	OnStateChange func(from, to GovernorState)
}

// GovernorConfigFrom extracts the governor settings from the application
// config.
func GovernorConfigFrom(cfg *config.Config) GovernorConfig {
	return GovernorConfig{
		FailureThreshold: cfg.Governor.FailureThreshold,
		Cooldown:         cfg.Governor.Cooldown,
	}
}

// Governor counts consecutive failed cycles and decides when the loop
// must cool down.
//
// # Thread Safety
//
// Safe for concurrent use. The orchestrator is the only writer; the API
// reads it.
type Governor struct {
	config    GovernorConfig
	state     GovernorState
	failures  int
	cooldowns int64
	mu        sync.RWMutex
}

// NewGovernor creates a governor in the NORMAL state.
func NewGovernor(config GovernorConfig) *Governor {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	return &Governor{config: config, state: GovernorNormal}
}

// RecordSuccess resets the consecutive failure count.
func (g *Governor) RecordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = 0
}

// RecordFailure counts a failed cycle.
//
// # Outputs
//
//   - bool: True when this failure reached the threshold. The caller must
//     sleep Cooldown() and then call EndCooldown.
func (g *Governor) RecordFailure() bool {
	g.mu.Lock()
	g.failures++
	if g.state != GovernorNormal || g.failures < g.config.FailureThreshold {
		g.mu.Unlock()
		return false
	}
	g.cooldowns++
	from := g.transitionLocked(GovernorCooling)
	g.mu.Unlock()

	g.notify(from, GovernorCooling)
	return true
}

// EndCooldown returns to NORMAL with the failure count reset to zero.
func (g *Governor) EndCooldown() {
	g.mu.Lock()
	g.failures = 0
	from := g.transitionLocked(GovernorNormal)
	g.mu.Unlock()

	g.notify(from, GovernorNormal)
}

func (g *Governor) transitionLocked(to GovernorState) GovernorState {
	from := g.state
	g.state = to
	return from
}

func (g *Governor) notify(from, to GovernorState) {
	if from != to && g.config.OnStateChange != nil {
		g.config.OnStateChange(from, to)
	}
}

// Cooldown returns the configured cooldown duration.
func (g *Governor) Cooldown() time.Duration {
	return g.config.Cooldown
}

// State returns the current state.
func (g *Governor) State() GovernorState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Failures returns the current consecutive failure count.
func (g *Governor) Failures() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.failures
}

// Cooldowns returns how many cooldowns have been triggered.
func (g *Governor) Cooldowns() int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cooldowns
}
