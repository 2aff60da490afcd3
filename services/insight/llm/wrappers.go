// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"

	"github.com/AleutianAI/AleutianInsight/services/insight/resilience"
	"golang.org/x/time/rate"
)

// RateLimitedGenerator waits on a token bucket before each call.
type RateLimitedGenerator struct {
	inner   Generator
	limiter *rate.Limiter
}

// NewRateLimitedGenerator allows rps calls per second with the given burst.
// A non-positive rps disables limiting.
func NewRateLimitedGenerator(inner Generator, rps float64, burst int) *RateLimitedGenerator {
	return &RateLimitedGenerator{inner: inner, limiter: newLimiter(rps, burst)}
}

// Generate implements Generator.
func (r *RateLimitedGenerator) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("generate rate limit: %w", err)
	}
	return r.inner.Generate(ctx, prompt, opts)
}

// RateLimitedEmbedder waits on a token bucket before each call.
type RateLimitedEmbedder struct {
	inner   Embedder
	limiter *rate.Limiter
}

// NewRateLimitedEmbedder allows rps calls per second with the given burst.
func NewRateLimitedEmbedder(inner Embedder, rps float64, burst int) *RateLimitedEmbedder {
	return &RateLimitedEmbedder{inner: inner, limiter: newLimiter(rps, burst)}
}

// Embed implements Embedder.
func (r *RateLimitedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embed rate limit: %w", err)
	}
	return r.inner.Embed(ctx, text)
}

func newLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// GuardedGenerator runs every call through a resilience.Guard.
type GuardedGenerator struct {
	inner Generator
	guard *resilience.Guard
}

// NewGuardedGenerator wraps inner.
func NewGuardedGenerator(inner Generator, guard *resilience.Guard) *GuardedGenerator {
	return &GuardedGenerator{inner: inner, guard: guard}
}

// Generate implements Generator.
func (g *GuardedGenerator) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	var out string
	err := g.guard.Call(ctx, "generate", func(ctx context.Context) error {
		var err error
		out, err = g.inner.Generate(ctx, prompt, opts)
		return err
	})
	return out, err
}

// GuardedEmbedder runs every call through a resilience.Guard.
type GuardedEmbedder struct {
	inner Embedder
	guard *resilience.Guard
}

// NewGuardedEmbedder wraps inner.
func NewGuardedEmbedder(inner Embedder, guard *resilience.Guard) *GuardedEmbedder {
	return &GuardedEmbedder{inner: inner, guard: guard}
}

// Embed implements Embedder.
func (g *GuardedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := g.guard.Call(ctx, "embed", func(ctx context.Context) error {
		var err error
		out, err = g.inner.Embed(ctx, text)
		return err
	})
	return out, err
}
