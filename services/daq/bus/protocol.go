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
	"errors"
	"fmt"
)

// Wire operations. Every request gets exactly one response carrying the
// same ID; responses may arrive out of order.
const (
	opBrowse     = "browse"
	opRead       = "read"
	opReadGroup  = "read_group"
	opWrite      = "write"
	opWriteGroup = "write_group"
)

// Error codes carried in wireResponse.Code.
const (
	codeNotFound    = "not_found"
	codeNotVariable = "not_variable"
	codeNotFolder   = "not_folder"
	codeBadRequest  = "bad_request"
	codeInternal    = "internal"
)

type wireRequest struct {
	ID     uint64           `json:"id"`
	Op     string           `json:"op"`
	Node   NodeID           `json:"node,omitempty"`
	Nodes  []NodeID         `json:"nodes,omitempty"`
	Value  *Value           `json:"value,omitempty"`
	Values map[string]Value `json:"values,omitempty"`
}

type wireResult struct {
	ID    NodeID `json:"id"`
	Value Value  `json:"value"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

type wireResponse struct {
	ID      uint64       `json:"id"`
	Nodes   []Node       `json:"nodes,omitempty"`
	Value   *Value       `json:"value,omitempty"`
	Results []wireResult `json:"results,omitempty"`
	Error   string       `json:"error,omitempty"`
	Code    string       `json:"code,omitempty"`
}

// errorCode maps an address-space error to its wire code.
func errorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNodeNotFound):
		return codeNotFound
	case errors.Is(err, ErrNotVariable):
		return codeNotVariable
	case errors.Is(err, ErrNotFolder):
		return codeNotFolder
	default:
		return codeInternal
	}
}

// decodeError rebuilds a sentinel-wrapped error from the wire.
func decodeError(code, msg string) error {
	switch code {
	case "":
		if msg == "" {
			return nil
		}
		return errors.New(msg)
	case codeNotFound:
		return fmt.Errorf("%w (remote: %s)", ErrNodeNotFound, msg)
	case codeNotVariable:
		return fmt.Errorf("%w (remote: %s)", ErrNotVariable, msg)
	case codeNotFolder:
		return fmt.Errorf("%w (remote: %s)", ErrNotFolder, msg)
	default:
		return fmt.Errorf("bus remote error [%s]: %s", code, msg)
	}
}
