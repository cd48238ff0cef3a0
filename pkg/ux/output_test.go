// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"strings"
	"testing"
)

// =============================================================================
// Icon.Render Tests
// =============================================================================

func TestIcon_Render(t *testing.T) {
	for _, icon := range []Icon{IconSuccess, IconWarning, IconError, IconPending, IconBullet} {
		result := icon.Render()
		if !strings.Contains(result, string(icon)) {
			t.Errorf("Render(%q) = %q, want it to contain the icon", icon, result)
		}
	}
}

// =============================================================================
// Printer Tests
// =============================================================================

func TestPrinter_Plain(t *testing.T) {
	var out, errOut bytes.Buffer
	p := NewPrinter(&out, &errOut, ModePlain)

	p.Title("ignored")
	p.Success("wrote daq.yaml")
	p.Info("3 readings")
	p.Box("Token", "set INFLUXDB_TOKEN")
	p.Warning("mlock unavailable")
	p.Error("boom")

	wantOut := "OK: wrote daq.yaml\n3 readings\nToken: set INFLUXDB_TOKEN\n"
	if out.String() != wantOut {
		t.Errorf("stdout = %q, want %q", out.String(), wantOut)
	}
	wantErr := "WARN: mlock unavailable\nERROR: boom\n"
	if errOut.String() != wantErr {
		t.Errorf("stderr = %q, want %q", errOut.String(), wantErr)
	}
}

func TestPrinter_Rich(t *testing.T) {
	var out, errOut bytes.Buffer
	p := NewPrinter(&out, &errOut, ModeRich)

	p.Title("Aleutian DAQ")
	p.Success("done")
	p.Warning("careful")

	if !strings.Contains(out.String(), "Aleutian DAQ") {
		t.Errorf("title missing from %q", out.String())
	}
	if !strings.Contains(out.String(), string(IconSuccess)) || !strings.Contains(out.String(), "done") {
		t.Errorf("success line missing from %q", out.String())
	}
	if !strings.Contains(errOut.String(), "careful") {
		t.Errorf("warning should go to stderr, got %q", errOut.String())
	}
}

func TestStateStyle(t *testing.T) {
	for _, state := range []string{"running", "PAUSED", "stopped", "initialized"} {
		if got := StateStyle(state).Render(state); !strings.Contains(got, state) {
			t.Errorf("StateStyle(%q) lost the text: %q", state, got)
		}
	}
}

func TestSeverityStyle(t *testing.T) {
	for _, sev := range []string{"CRITICAL", "high", "MEDIUM", "LOW", ""} {
		if got := SeverityStyle(sev).Render(sev); !strings.Contains(got, sev) {
			t.Errorf("SeverityStyle(%q) lost the text: %q", sev, got)
		}
	}
	if SeverityStyle("critical").GetBold() != true {
		t.Error("critical severity should be bold")
	}
}

func TestProgressBar(t *testing.T) {
	tests := []struct {
		name    string
		current int
		total   int
		mode    Mode
		want    string
	}{
		{"plain", 3, 10, ModePlain, "3/10"},
		{"zero total", 0, 0, ModeRich, "0/0"},
		{"half", 5, 10, ModeRich, " 50%"},
		{"clamped", 15, 10, ModeRich, "100%"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ProgressBar(tt.current, tt.total, 10, tt.mode)
			if !strings.HasSuffix(got, tt.want) {
				t.Errorf("ProgressBar() = %q, want suffix %q", got, tt.want)
			}
		})
	}
}
