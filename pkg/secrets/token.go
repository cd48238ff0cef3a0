// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package secrets keeps credentials (the InfluxDB API token) in
// memguard enclaves so they are encrypted at rest in process memory and
// only decrypted while a client is being constructed.
package secrets

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// MinMlockLimitKB is the mlock limit below which memguard may fail to
// lock pages. Tokens are tiny, so this is a conservative floor.
const MinMlockLimitKB = 64

// ErrEmptyToken is returned when sealing an empty token.
var ErrEmptyToken = errors.New("token is empty")

var initOnce sync.Once

// Token is a sealed credential.
//
// # Thread Safety
//
// Token is safe for concurrent use; each Use call opens its own
// LockedBuffer.
type Token struct {
	enclave *memguard.Enclave
}

// NewToken seals value into an enclave. The caller's copy of value
// should be discarded afterwards.
func NewToken(value string) (*Token, error) {
	if value == "" {
		return nil, ErrEmptyToken
	}
	initMemguard()
	buf := []byte(value)
	// NewEnclave wipes buf.
	enclave := memguard.NewEnclave(buf)
	if enclave == nil {
		return nil, fmt.Errorf("seal token: enclave allocation failed")
	}
	return &Token{enclave: enclave}, nil
}

// Use decrypts the token, passes it to fn, and destroys the plaintext
// buffer when fn returns. The string aliases locked memory that is
// unmapped afterwards; fn must strings.Clone it to keep a copy.
func (t *Token) Use(fn func(plain string) error) error {
	if t == nil || t.enclave == nil {
		return ErrEmptyToken
	}
	buf, err := t.enclave.Open()
	if err != nil {
		return fmt.Errorf("open token enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.String())
}

// Present reports whether a token is held. Safe to log.
func (t *Token) Present() bool {
	return t != nil && t.enclave != nil
}

// Purge wipes all memguard-managed memory. Call once during shutdown.
func Purge() {
	memguard.Purge()
}

// initMemguard installs memguard's interrupt handler and logs the mlock
// situation once per process.
func initMemguard() {
	initOnce.Do(func() {
		memguard.CatchInterrupt()
		ok, limitKB := MlockAvailable()
		if !ok {
			slog.Warn("mlock limit low; secrets may be swappable",
				"mlock_limit_kb", limitKB,
				"required_kb", MinMlockLimitKB)
		}
	})
}

// MlockAvailable reports whether RLIMIT_MEMLOCK allows locking at least
// MinMlockLimitKB. The limit is -1 when unlimited or unknown.
func MlockAvailable() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}
