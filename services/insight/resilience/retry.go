// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// Policy bounds one external call.
type Policy struct {
	// Retries is the number of retries after the first attempt. Default: 1
	Retries int `yaml:"retries" validate:"gte=0,lte=5"`

	// Backoff is the first retry delay, doubled per retry. Default: 200ms
	Backoff time.Duration `yaml:"backoff"`

	// MaxBackoff caps a single delay. Default: 2s
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// Timeout bounds each attempt. Zero leaves only the caller deadline.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultPolicy retries once with a short backoff.
func DefaultPolicy() Policy {
	return Policy{
		Retries:    1,
		Backoff:    200 * time.Millisecond,
		MaxBackoff: 2 * time.Second,
		Timeout:    10 * time.Second,
	}
}

func (p Policy) backoff() retry.Backoff {
	base := p.Backoff
	if base <= 0 {
		base = DefaultPolicy().Backoff
	}
	b := retry.NewExponential(base)
	if p.MaxBackoff > 0 {
		b = retry.WithCappedDuration(p.MaxBackoff, b)
	}
	retries := p.Retries
	if retries < 0 {
		retries = 0
	}
	return retry.WithMaxRetries(uint64(retries), b)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable reports whether err may succeed on a second attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	switch {
	case errors.As(err, &perm):
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ErrCircuitOpen):
		return false
	}
	return true
}

// Do runs fn under p. Each attempt gets its own timeout derived from ctx.
// The returned error is the last attempt's error.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	return retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attemptCtx := ctx
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}
		err := fn(attemptCtx)
		if err == nil {
			return nil
		}
		if IsRetryable(err) && ctx.Err() == nil {
			return retry.RetryableError(err)
		}
		return err
	})
}

// Guard combines a circuit breaker with a retry policy.
//
// Thread Safety: Safe for concurrent use.
type Guard struct {
	Breaker *CircuitBreaker
	Policy  Policy
	Logger  *slog.Logger
}

// NewGuard creates a guard named name with default breaker settings.
func NewGuard(name string, p Policy, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		Breaker: NewCircuitBreaker(DefaultBreakerConfig(name)),
		Policy:  p,
		Logger:  logger,
	}
}

// Call runs fn with retry; every attempt passes through the breaker.
func (g *Guard) Call(ctx context.Context, op string, fn func(context.Context) error) error {
	attempt := 0
	err := Do(ctx, g.Policy, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			g.Logger.Debug("retrying external call",
				slog.String("dependency", g.Breaker.Name()),
				slog.String("op", op),
				slog.Int("attempt", attempt))
		}
		return g.Breaker.Execute(ctx, fn)
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", g.Breaker.Name(), op, err)
	}
	return nil
}
