// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions provides the access-control hooks of the DAQ control
// API.
//
// The API consults two extension points:
//
//   - AuthProvider: who is calling, and with which roles
//   - AuditLogger: a record of every control action and its outcome
//
// The defaults (NopAuthProvider, NopAuditLogger) leave a single-operator
// deployment unauthenticated. Setting DAQ_API_TOKEN swaps in a
// TokenAuthProvider; the daemon always audits control actions to its log.
//
// # Thread Safety
//
// All implementations must be safe for concurrent use; handlers call them
// from many goroutines.
package extensions

// ServiceOptions bundles the extension points a service is built with.
//
// # Example
//
//	opts := extensions.DefaultOptions().
//	    WithAuth(extensions.NewTokenAuthProvider(token)).
//	    WithAudit(extensions.NewLogAuditLogger(logger))
type ServiceOptions struct {
	// AuthProvider validates bearer tokens. Default: NopAuthProvider.
	AuthProvider AuthProvider

	// AuditLogger records control actions. Default: NopAuditLogger.
	AuditLogger AuditLogger
}

// DefaultOptions returns options with no-op implementations.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider: &NopAuthProvider{},
		AuditLogger:  &NopAuditLogger{},
	}
}

// WithAuth returns a copy of opts using provider. A nil provider keeps
// the current one.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	if provider != nil {
		opts.AuthProvider = provider
	}
	return opts
}

// WithAudit returns a copy of opts using logger. A nil logger keeps the
// current one.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	if logger != nil {
		opts.AuditLogger = logger
	}
	return opts
}
