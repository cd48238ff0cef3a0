// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retry runs an operation with bounded attempts and exponential
// backoff. Waits observe context cancellation.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

var (
	// ErrExhausted is returned (wrapped) when every attempt failed.
	ErrExhausted = errors.New("retry attempts exhausted")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("invalid retry config")
)

// Config configures retry behavior with exponential backoff.
type Config struct {
	// MaxAttempts is the maximum number of attempts including the first.
	// Default: 5
	MaxAttempts int

	// InitialDelay is the wait after the first failure.
	// Default: 2s
	InitialDelay time.Duration

	// MaxDelay caps the delay. Zero means uncapped.
	MaxDelay time.Duration

	// Factor multiplies the delay after each failure.
	// Default: 1.5
	Factor float64

	// JitterFactor is the maximum jitter as a fraction of the delay (0-1).
	// Default: 0 (deterministic delays)
	JitterFactor float64
}

// DefaultConfig returns the bus connection policy: 5 attempts starting at
// 2s and growing by 1.5x.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 2 * time.Second,
		Factor:       1.5,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: max attempts must be >= 1, got %d", ErrInvalidConfig, c.MaxAttempts)
	case c.InitialDelay <= 0:
		return fmt.Errorf("%w: initial delay must be > 0, got %s", ErrInvalidConfig, c.InitialDelay)
	case c.MaxDelay != 0 && c.MaxDelay < c.InitialDelay:
		return fmt.Errorf("%w: max delay %s below initial delay %s", ErrInvalidConfig, c.MaxDelay, c.InitialDelay)
	case c.Factor < 1.0:
		return fmt.Errorf("%w: factor must be >= 1, got %v", ErrInvalidConfig, c.Factor)
	case c.JitterFactor < 0 || c.JitterFactor > 1:
		return fmt.Errorf("%w: jitter must be within [0,1], got %v", ErrInvalidConfig, c.JitterFactor)
	}
	return nil
}

// Result describes a finished retry run.
type Result struct {
	// Attempts is the number of attempts made.
	Attempts int

	// Delays holds each wait performed between attempts.
	Delays []time.Duration

	// TotalDuration is the wall time including waits.
	TotalDuration time.Duration

	// LastError is the error from the last attempt (nil on success).
	LastError error
}

// Func is an operation that can be retried. attempt starts at 1.
type Func func(ctx context.Context, attempt int) error

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option customises a single Do call.
type Option func(*options)

type options struct {
	sleep   SleepFunc
	onRetry func(attempt int, err error, delay time.Duration)
}

// WithSleep replaces the wait implementation. Tests use it to record
// delays without sleeping.
func WithSleep(fn SleepFunc) Option {
	return func(o *options) { o.sleep = fn }
}

// WithOnRetry registers a callback invoked before each wait.
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(o *options) { o.onRetry = fn }
}

// permanentError marks an error that must not be retried.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so Do returns it immediately without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do executes fn with exponential backoff.
//
// # Description
//
// Calls fn up to cfg.MaxAttempts times. After a failed attempt it waits
// the current delay, then multiplies the delay by cfg.Factor (capped by
// cfg.MaxDelay). No wait follows the final attempt. A Permanent error
// stops immediately.
//
// # Inputs
//
//   - ctx: Cancels waits and further attempts.
//   - cfg: Retry policy. Invalid configs are rejected.
//   - fn: The operation.
//   - opts: WithSleep / WithOnRetry.
//
// # Outputs
//
//   - Result: Attempt statistics.
//   - error: nil on success; ctx.Err() on cancellation; the permanent
//     error; or ErrExhausted wrapping the last error.
//
// # Examples
//
//	res, err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context, attempt int) error {
//	    return gw.Connect(ctx)
//	})
func Do(ctx context.Context, cfg Config, fn Func, opts ...Option) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}

	o := options{sleep: Sleep}
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	result := Result{}
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			result.LastError = err
			result.TotalDuration = time.Since(start)
			return result, err
		}

		err := fn(ctx, attempt)
		if err == nil {
			result.LastError = nil
			result.TotalDuration = time.Since(start)
			return result, nil
		}
		result.LastError = err

		var perm *permanentError
		if errors.As(err, &perm) {
			result.TotalDuration = time.Since(start)
			return result, perm.err
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		wait := withJitter(delay, cfg.JitterFactor)
		if o.onRetry != nil {
			o.onRetry(attempt, err, wait)
		}
		result.Delays = append(result.Delays, wait)
		if err := o.sleep(ctx, wait); err != nil {
			result.LastError = err
			result.TotalDuration = time.Since(start)
			return result, err
		}

		delay = nextDelay(delay, cfg.Factor, cfg.MaxDelay)
	}

	result.TotalDuration = time.Since(start)
	return result, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, result.Attempts, result.LastError)
}

// Sleep waits for d or until ctx is done, returning ctx.Err() when
// cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func withJitter(base time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return base
	}
	jitter := (rand.Float64()*2 - 1) * jitterFactor
	return time.Duration(float64(base) * (1.0 + jitter))
}

func nextDelay(current time.Duration, factor float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * factor)
	if max > 0 && next > max {
		return max
	}
	return next
}
