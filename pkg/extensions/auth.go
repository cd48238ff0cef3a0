// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"crypto/subtle"
	"errors"

	"github.com/AleutianAI/AleutianDAQ/pkg/secrets"
)

var (
	// ErrUnauthorized means the token is missing or invalid.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden means the caller lacks the required role.
	ErrForbidden = errors.New("forbidden")
)

// Roles understood by the control API.
const (
	// RoleViewer may read status, readings, and anomalies.
	RoleViewer = "viewer"

	// RoleOperator may additionally pause and resume acquisition.
	RoleOperator = "operator"
)

// AuthInfo is the identity behind a validated token.
type AuthInfo struct {
	// Subject identifies the caller in audit records. Never empty.
	Subject string

	// Roles held by the caller.
	Roles []string
}

// HasRole checks if the caller has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates bearer tokens and returns the caller's identity.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type AuthProvider interface {
	// Validate checks token. It returns an error wrapping ErrUnauthorized
	// when the token is missing or does not match.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every request as a local operator.
type NopAuthProvider struct{}

// Validate implements AuthProvider.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		Subject: "local-operator",
		Roles:   []string{RoleViewer, RoleOperator},
	}, nil
}

// TokenAuthProvider accepts one shared operator token.
//
// The expected token stays in a locked enclave and is compared in
// constant time.
type TokenAuthProvider struct {
	token *secrets.Token
}

// NewTokenAuthProvider creates a provider that accepts token.
func NewTokenAuthProvider(token *secrets.Token) *TokenAuthProvider {
	return &TokenAuthProvider{token: token}
}

// Validate implements AuthProvider.
func (p *TokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	match := false
	err := p.token.Use(func(expected string) error {
		match = subtle.ConstantTimeCompare([]byte(expected), []byte(token)) == 1
		return nil
	})
	if err != nil {
		return nil, errors.Join(ErrUnauthorized, err)
	}
	if !match {
		return nil, ErrUnauthorized
	}
	return &AuthInfo{
		Subject: "token-operator",
		Roles:   []string{RoleViewer, RoleOperator},
	}, nil
}
