// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import "testing"

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"machine id", "MACHINE_001", false},
		{"sensor type", "temperature", false},
		{"dotted", "line.1", false},
		{"hyphen", "press-2", false},
		{"max length", "A123456789012345678901234567890123456789012345678901234567890123"[:64], false},

		{"empty", "", true},
		{"flux injection", `MACHINE_001") |> drop()`, true},
		{"quote", `M"1`, true},
		{"newline", "M1\n|> drop()", true},
		{"space", "MACHINE 001", true},
		{"starts with underscore", "_M1", true},
		{"too long", "A1234567890123456789012345678901234567890123456789012345678901234", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIdentifier(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestValidateIdentifiers(t *testing.T) {
	if err := ValidateIdentifiers([]string{"temperature", "pressure"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateIdentifiers([]string{"temperature", "bad|id"}); err == nil {
		t.Error("expected error for invalid identifier")
	}
	if err := ValidateIdentifiers(nil); err != nil {
		t.Errorf("nil slice should be valid, got %v", err)
	}
}

func TestValidateLocation(t *testing.T) {
	tests := []struct {
		loc     string
		wantErr bool
	}{
		{"Plant_A_Line_1", false},
		{"Plant A/Line 1", false},
		{"", true},
		{`Plant"A`, true},
		{"Plant|A", true},
	}
	for _, tt := range tests {
		if err := ValidateLocation(tt.loc); (err != nil) != tt.wantErr {
			t.Errorf("ValidateLocation(%q) error = %v, wantErr %v", tt.loc, err, tt.wantErr)
		}
	}
}

func TestSanitizeSensorType(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"temperature", "temperature", false},
		{"  Pressure ", "pressure", false},
		{"VIBRATION", "vibration", false},
		{"bad type", "", true},
	}
	for _, tt := range tests {
		got, err := SanitizeSensorType(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("SanitizeSensorType(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("SanitizeSensorType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
