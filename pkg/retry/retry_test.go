// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordingSleep(delays *[]time.Duration) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestDo_BackoffSequence(t *testing.T) {
	var slept []time.Duration
	failure := errors.New("bus unreachable")

	res, err := Do(context.Background(), DefaultConfig(), func(ctx context.Context, attempt int) error {
		return failure
	}, WithSleep(recordingSleep(&slept)))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, failure)
	assert.Equal(t, 5, res.Attempts)
	assert.Equal(t, []time.Duration{
		2 * time.Second,
		3 * time.Second,
		4500 * time.Millisecond,
		6750 * time.Millisecond,
	}, slept)
	assert.Equal(t, slept, res.Delays)
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	var slept []time.Duration
	calls := 0

	res, err := Do(context.Background(), DefaultConfig(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("not yet")
		}
		return nil
	}, WithSleep(recordingSleep(&slept)))

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, res.Attempts)
	assert.Len(t, slept, 2)
	assert.NoError(t, res.LastError)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	fatal := errors.New("bad endpoint")
	calls := 0

	_, err := Do(context.Background(), DefaultConfig(), func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(fatal)
	}, WithSleep(func(context.Context, time.Duration) error { return nil }))

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, fatal)
	assert.NotErrorIs(t, err, ErrExhausted)
}

func TestDo_CancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Hour, Factor: 1.5}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := Do(ctx, cfg, func(ctx context.Context, attempt int) error {
		return errors.New("down")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDo_OnRetryCallback(t *testing.T) {
	var attempts []int
	_, _ = Do(context.Background(), Config{MaxAttempts: 3, InitialDelay: time.Millisecond, Factor: 2},
		func(ctx context.Context, attempt int) error { return errors.New("x") },
		WithSleep(func(context.Context, time.Duration) error { return nil }),
		WithOnRetry(func(attempt int, err error, delay time.Duration) {
			attempts = append(attempts, attempt)
		}),
	)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default", DefaultConfig(), false},
		{"zero attempts", Config{MaxAttempts: 0, InitialDelay: time.Second, Factor: 1}, true},
		{"zero delay", Config{MaxAttempts: 1, Factor: 1}, true},
		{"shrinking factor", Config{MaxAttempts: 1, InitialDelay: time.Second, Factor: 0.5}, true},
		{"max below initial", Config{MaxAttempts: 1, InitialDelay: time.Second, MaxDelay: time.Millisecond, Factor: 1}, true},
		{"jitter too big", Config{MaxAttempts: 1, InitialDelay: time.Second, Factor: 1, JitterFactor: 2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNextDelay_Capped(t *testing.T) {
	assert.Equal(t, 10*time.Second, nextDelay(8*time.Second, 2, 10*time.Second))
	assert.Equal(t, 16*time.Second, nextDelay(8*time.Second, 2, 0))
}
