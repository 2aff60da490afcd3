// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm holds the clients for the generation and embedding services
// consumed by retrieval and grounding, plus wrappers that add rate limiting,
// retry with circuit breaking, and a persistent embedding cache.
package llm

import (
	"context"
	"errors"
	"math"
)

var (
	// ErrNoChoices is returned when the model produced no output.
	ErrNoChoices = errors.New("llm returned no choices")

	// ErrEmptyEmbedding is returned when the service returned no vector.
	ErrEmptyEmbedding = errors.New("embedding service returned no vector")

	// ErrMissingAPIKey is returned when no credentials are configured.
	ErrMissingAPIKey = errors.New("llm api key not configured")
)

// GenerateOptions tunes one generation call. Zero values use the client
// defaults.
type GenerateOptions struct {
	System      string
	Temperature *float32
	MaxTokens   int

	// JSON requests a JSON object response when the backend supports it.
	JSON bool
}

// Generator produces text from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string, opts GenerateOptions) (string, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	return f(ctx, prompt, opts)
}

// EmbedderFunc adapts a function to Embedder.
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

// Embed implements Embedder.
func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// Cosine returns the cosine similarity of a and b, or 0 when either is
// empty, zero, or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Float32 returns a pointer to v, for GenerateOptions.Temperature.
func Float32(v float32) *float32 { return &v }
