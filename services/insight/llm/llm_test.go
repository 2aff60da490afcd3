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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianInsight/services/insight/resilience"
	"github.com/AleutianAI/AleutianInsight/services/insight/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeOpenAI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/chat/completions":
			var req map[string]any
			_ = json.NewDecoder(r.Body).Decode(&req)
			msgs := req["messages"].([]any)
			last := msgs[len(msgs)-1].(map[string]any)["content"].(string)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id": "cmpl-1", "object": "chat.completion", "model": req["model"],
				"choices": []any{map[string]any{
					"index": 0, "finish_reason": "stop",
					"message": map[string]any{"role": "assistant", "content": "echo: " + last},
				}},
				"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
			})
		case "/v1/embeddings":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"object": "list",
				"data":   []any{map[string]any{"object": "embedding", "index": 0, "embedding": []float32{0.1, 0.2, 0.3}}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIClient(t *testing.T) {
	srv := newFakeOpenAI(t)
	c, err := NewOpenAIClient(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultChatModel, c.Model())

	out, err := c.Generate(context.Background(), "hello", GenerateOptions{Temperature: Float32(0)})
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", out)

	vec, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestNewOpenAIClient_MissingKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewOpenAIClient(OpenAIConfig{}, nil)
	if err != nil {
		assert.ErrorIs(t, err, ErrMissingAPIKey)
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2}, []float32{1, 2}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1}, []float32{1, 2}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Cosine(tt.a, tt.b), 1e-9)
		})
	}
}

func TestHashingEmbedder(t *testing.T) {
	h := HashingEmbedder{Dims: 128}
	ctx := context.Background()
	a, _ := h.Embed(ctx, "The project schedule is at risk")
	b, _ := h.Embed(ctx, "project schedule risk")
	c, _ := h.Embed(ctx, "quarterly revenue forecast")

	assert.Len(t, a, 128)
	assert.InDelta(t, 1.0, Cosine(a, a), 1e-6)
	assert.Greater(t, Cosine(a, b), Cosine(a, c))

	empty, err := h.Embed(ctx, "")
	require.NoError(t, err)
	assert.Len(t, empty, 128)
}

func TestCachedEmbedder(t *testing.T) {
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	var calls atomic.Int32
	inner := EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return []float32{1.5, -2, float32(len(text))}, nil
	})
	c := NewCachedEmbedder(inner, db, "m1", 0, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Embed(context.Background(), "same text")
			assert.NoError(t, err)
			assert.Equal(t, []float32{1.5, -2, 9}, v)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())

	v, err := c.Embed(context.Background(), "same text")
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, -2, 9}, v)
	assert.Equal(t, int32(1), calls.Load())
	hits, misses := c.Stats()
	assert.GreaterOrEqual(t, hits, int64(1))
	assert.Equal(t, int64(1), misses)

	other := NewCachedEmbedder(inner, db, "m2", 0, nil)
	_, err = other.Embed(context.Background(), "same text")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCachedEmbedder_ErrorNotCached(t *testing.T) {
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	fail := true
	inner := EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		if fail {
			return nil, errors.New("upstream down")
		}
		return []float32{1}, nil
	})
	c := NewCachedEmbedder(inner, db, "m", 0, nil)
	_, err = c.Embed(context.Background(), "x")
	require.Error(t, err)

	fail = false
	v, err := c.Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, v)
}

func TestGuardedGenerator_Retries(t *testing.T) {
	attempts := 0
	inner := GeneratorFunc(func(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
		attempts++
		if attempts == 1 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	g := NewGuardedGenerator(inner, resilience.NewGuard("llm", resilience.Policy{Retries: 1, Backoff: time.Millisecond}, nil))
	out, err := g.Generate(context.Background(), "p", GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 2, attempts)
}

func TestRateLimitedEmbedder_ContextCancelled(t *testing.T) {
	inner := EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) { return []float32{1}, nil })
	r := NewRateLimitedEmbedder(inner, 0.001, 1)

	_, err := r.Embed(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = r.Embed(ctx, "second")
	assert.Error(t, err)
}
