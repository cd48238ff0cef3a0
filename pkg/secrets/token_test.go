// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package secrets

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewToken_RoundTrip(t *testing.T) {
	tok, err := NewToken("influx-secret")
	require.NoError(t, err)
	assert.True(t, tok.Present())

	var seen string
	err = tok.Use(func(plain string) error {
		seen = strings.Clone(plain)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "influx-secret", seen)
}

func TestNewToken_Empty(t *testing.T) {
	_, err := NewToken("")
	assert.ErrorIs(t, err, ErrEmptyToken)

	var nilToken *Token
	assert.False(t, nilToken.Present())
	assert.ErrorIs(t, nilToken.Use(func(string) error { return nil }), ErrEmptyToken)
}

func TestToken_UsePropagatesError(t *testing.T) {
	tok, err := NewToken("x")
	require.NoError(t, err)

	boom := errors.New("client init failed")
	assert.ErrorIs(t, tok.Use(func(string) error { return boom }), boom)
}
