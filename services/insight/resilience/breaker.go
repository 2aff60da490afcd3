// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resilience guards calls to external collaborators (embedding
// service, LLM, vector index) with a circuit breaker and a bounded retry.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	// StateClosed lets calls through.
	StateClosed BreakerState = iota
	// StateOpen rejects calls until the cooldown passes.
	StateOpen
	// StateHalfOpen lets a limited number of trial calls through.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a CircuitBreaker.
type BreakerConfig struct {
	// Name labels the breaker in logs and metrics.
	Name string `yaml:"name"`

	// FailureThreshold is the number of consecutive failures that opens the
	// breaker. Default: 5
	FailureThreshold int `yaml:"failure_threshold"`

	// Cooldown is how long the breaker stays open. Default: 30s
	Cooldown time.Duration `yaml:"cooldown"`

	// HalfOpenTrials caps concurrent trial calls while half-open. Default: 1
	HalfOpenTrials int `yaml:"half_open_trials"`

	// SuccessThreshold is the number of trial successes that close the
	// breaker. Default: 1
	SuccessThreshold int `yaml:"success_threshold"`
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenTrials:   1,
		SuccessThreshold: 1,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig(c.Name)
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.HalfOpenTrials <= 0 {
		c.HalfOpenTrials = d.HalfOpenTrials
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	return c
}

// CircuitBreaker counts consecutive failures of an external dependency and
// short-circuits calls while it is considered down.
//
// Thread Safety: Safe for concurrent use.
type CircuitBreaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	trials    int
	openedAt  time.Time

	// OnStateChange, if set, is called after every transition with the
	// lock released.
	OnStateChange func(name string, from, to BreakerState)
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults(), now: time.Now}
}

// Name returns the configured breaker name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Allow reports whether a call may proceed. A true result in the half-open
// state reserves a trial slot that Record releases.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	var from, to BreakerState
	changed := false
	allowed := false

	switch cb.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.cfg.Cooldown {
			from, to, changed = cb.state, StateHalfOpen, true
			cb.setState(StateHalfOpen)
			cb.trials = 1
			allowed = true
		}
	case StateHalfOpen:
		if cb.trials < cb.cfg.HalfOpenTrials {
			cb.trials++
			allowed = true
		}
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, to)
	}
	return allowed
}

// Record reports the outcome of an allowed call.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	from := cb.state
	if err == nil {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.trials--
			cb.successes++
			if cb.successes >= cb.cfg.SuccessThreshold {
				cb.setState(StateClosed)
			}
		}
	} else {
		cb.failures++
		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.cfg.FailureThreshold {
				cb.openedAt = cb.now()
				cb.setState(StateOpen)
			}
		case StateHalfOpen:
			cb.openedAt = cb.now()
			cb.setState(StateOpen)
		}
	}
	to := cb.state
	cb.mu.Unlock()

	if from != to {
		cb.notify(from, to)
	}
}

// Execute runs fn if the breaker allows it and records the outcome.
// Context cancellation by the caller is not counted as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		cb.Record(nil)
		return err
	}
	cb.Record(err)
	return err
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.setState(StateClosed)
	cb.mu.Unlock()
	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}

// setState must be called with the lock held.
func (cb *CircuitBreaker) setState(s BreakerState) {
	cb.state = s
	cb.successes = 0
	cb.trials = 0
	if s == StateClosed {
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) notify(from, to BreakerState) {
	if cb.OnStateChange != nil {
		cb.OnStateChange(cb.cfg.Name, from, to)
	}
}
