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
	"time"

	"github.com/AleutianAI/AleutianDAQ/services/daq/acquisition"
	"github.com/AleutianAI/AleutianDAQ/services/daq/storage"
	"github.com/AleutianAI/AleutianDAQ/services/daq/validation"
)

// CycleStats accumulates over a run and is never reset.
type CycleStats struct {
	StartTime         time.Time     `json:"start_time"`
	TotalCycles       int64         `json:"total_cycles"`
	SuccessfulCycles  int64         `json:"successful_cycles"`
	FailedCycles      int64         `json:"failed_cycles"`
	TotalDataPoints   int64         `json:"total_data_points"`
	AnomaliesDetected int64         `json:"anomalies_detected"`
	LastCycleTime     time.Time     `json:"last_cycle_time"`
	AvgCycleDuration  time.Duration `json:"avg_cycle_duration"`
}

// SuccessRate returns successful cycles as a percentage of all cycles.
func (s CycleStats) SuccessRate() float64 {
	if s.TotalCycles == 0 {
		return 0
	}
	return float64(s.SuccessfulCycles) / float64(s.TotalCycles) * 100
}

// Uptime returns the time since StartTime, or zero before Start.
func (s CycleStats) Uptime(now time.Time) time.Duration {
	if s.StartTime.IsZero() {
		return 0
	}
	return now.Sub(s.StartTime)
}

// observe folds one cycle's duration into the running average. Callers
// increment TotalCycles first.
func (s *CycleStats) observe(d time.Duration, at time.Time) {
	n := time.Duration(s.TotalCycles)
	if n <= 0 {
		n = 1
	}
	s.AvgCycleDuration = (s.AvgCycleDuration*(n-1) + d) / n
	s.LastCycleTime = at
}

// GovernorStats is the governor's externally visible state.
type GovernorStats struct {
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Cooldowns           int64  `json:"cooldowns"`
}

// Snapshot is the detailed statistics view served by the API and logged
// in the periodic summary.
type Snapshot struct {
	State         string              `json:"state"`
	MachineID     string              `json:"machine_id"`
	Cycles        CycleStats          `json:"cycles"`
	SuccessRate   float64             `json:"success_rate"`
	UptimeSeconds float64             `json:"uptime_seconds"`
	Governor      GovernorStats       `json:"governor"`
	Acquisition   acquisition.Stats   `json:"acquisition"`
	Validation    validation.Stats    `json:"validation"`
	Buffer        storage.BufferStats `json:"buffer"`
}
