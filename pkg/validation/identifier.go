// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// Machine IDs, locations, and sensor types end up as tag values inside
// Flux queries and as key prefixes in the embedded store. Validating them
// up front prevents Flux injection and key-space collisions.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// identifierPattern matches machine IDs and sensor type names.
// Allows: letters, digits, underscore, hyphen, dot. Max length 64.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]{0,63}$`)

// locationPattern is looser: locations may contain spaces and slashes
// ("Plant A/Line 1") but never quotes, pipes, or control characters.
var locationPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-/ ]{0,127}$`)

// ValidateIdentifier validates a machine ID or sensor type before it is
// used in a Flux query or storage key.
//
// Example:
//
//	if err := validation.ValidateIdentifier(machineID); err != nil {
//	    return nil, fmt.Errorf("invalid machine id: %w", err)
//	}
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("invalid identifier %q (must be 1-64 chars of letters, digits, '_', '-', '.')", id)
	}
	return nil
}

// ValidateIdentifiers validates several identifiers and reports every
// invalid one.
func ValidateIdentifiers(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateIdentifier(id); err != nil {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid identifiers: %q", invalid)
	}
	return nil
}

// ValidateLocation validates a free-form location label.
func ValidateLocation(loc string) error {
	if loc == "" {
		return fmt.Errorf("location cannot be empty")
	}
	if !locationPattern.MatchString(loc) {
		return fmt.Errorf("invalid location %q", loc)
	}
	return nil
}

// SanitizeSensorType trims and lowercases a sensor type, then validates it.
//
//	st, err := validation.SanitizeSensorType(" Temperature ")
//	// st == "temperature"
func SanitizeSensorType(s string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	if err := ValidateIdentifier(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
