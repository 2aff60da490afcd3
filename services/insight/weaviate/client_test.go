// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package weaviate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianInsight/services/insight/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	*httptest.Server
	ready atomic.Bool
}

func newFakeServer(t *testing.T, ready bool) *fakeServer {
	t.Helper()
	fs := &fakeServer{}
	fs.ready.Store(ready)
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/.well-known/ready":
			if fs.ready.Load() {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/v1/meta":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"1.35.2"}`))
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func testConfig(url string) Config {
	cfg := DefaultConfig(url)
	cfg.HealthCheckInterval = 0
	cfg.Policy = resilience.Policy{Retries: 0, Backoff: time.Millisecond, Timeout: time.Second}
	cfg.Breaker.FailureThreshold = 2
	return cfg
}

type recordingHandler struct {
	degraded  atomic.Int32
	recovered atomic.Int32
}

func (h *recordingHandler) OnDegraded(string) { h.degraded.Add(1) }
func (h *recordingHandler) OnRecovered()      { h.recovered.Add(1) }

// -----------------------------------------------------------------------------
// NewClient Tests
// -----------------------------------------------------------------------------

func TestNewClient(t *testing.T) {
	t.Run("healthy server", func(t *testing.T) {
		srv := newFakeServer(t, true)
		c, err := NewClient(testConfig(srv.URL))
		require.NoError(t, err)
		defer c.Close()
		assert.True(t, c.Available())
		assert.NotNil(t, c.Weaviate())
	})

	t.Run("empty url", func(t *testing.T) {
		_, err := NewClient(Config{})
		assert.Error(t, err)
	})

	t.Run("url without host", func(t *testing.T) {
		_, err := NewClient(Config{URL: "not a url"})
		assert.Error(t, err)
	})

	t.Run("unready server fails", func(t *testing.T) {
		srv := newFakeServer(t, false)
		_, err := NewClient(testConfig(srv.URL))
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("unready server starts degraded when allowed", func(t *testing.T) {
		srv := newFakeServer(t, false)
		cfg := testConfig(srv.URL)
		cfg.AllowStartDegraded = true
		c, err := NewClient(cfg)
		require.NoError(t, err)
		defer c.Close()
		assert.False(t, c.Available())

		h := &recordingHandler{}
		c.RegisterHandler(h)
		assert.Equal(t, int32(1), h.degraded.Load())

		vs := NewVectorSearchDegradation(nil)
		c.RegisterHandler(vs)
		assert.True(t, vs.ShouldSkip())
	})
}

// -----------------------------------------------------------------------------
// Execute Tests
// -----------------------------------------------------------------------------

func TestClient_Execute(t *testing.T) {
	srv := newFakeServer(t, true)
	c, err := NewClient(testConfig(srv.URL))
	require.NoError(t, err)
	defer c.Close()

	h := &recordingHandler{}
	c.RegisterHandler(h)
	assert.Equal(t, int32(0), h.degraded.Load())

	calls := 0
	err = c.Execute(context.Background(), "ok", func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	boom := errors.New("connection refused")
	for i := 0; i < 2; i++ {
		err = c.Execute(context.Background(), "search", func(context.Context) error { return boom })
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	assert.False(t, c.Available(), "breaker should be open after threshold failures")
	assert.Equal(t, int32(1), h.degraded.Load())

	err = c.Execute(context.Background(), "search", func(context.Context) error {
		t.Fatal("fn must not run while the circuit is open")
		return nil
	})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
}

func TestClient_Execute_CallerCancel(t *testing.T) {
	srv := newFakeServer(t, true)
	c, err := NewClient(testConfig(srv.URL))
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = c.Execute(ctx, "search", func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.True(t, c.Available())
}

func TestClient_Close(t *testing.T) {
	srv := newFakeServer(t, true)
	cfg := testConfig(srv.URL)
	cfg.HealthCheckInterval = 10 * time.Millisecond
	c, err := NewClient(cfg)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	err = c.Execute(context.Background(), "search", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestClient_HealthCheckerRecovers(t *testing.T) {
	srv := newFakeServer(t, false)
	cfg := testConfig(srv.URL)
	cfg.AllowStartDegraded = true
	cfg.HealthCheckInterval = 10 * time.Millisecond
	c, err := NewClient(cfg)
	require.NoError(t, err)
	defer c.Close()

	h := &recordingHandler{}
	c.RegisterHandler(h)
	require.False(t, c.Available())

	srv.ready.Store(true)
	assert.Eventually(t, c.Available, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return h.recovered.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestChunkSchema(t *testing.T) {
	class := ChunkSchema()
	assert.Equal(t, ChunkClassName, class.Class)
	assert.Equal(t, "none", class.Vectorizer)

	names := make(map[string]bool)
	for _, p := range class.Properties {
		names[p.Name] = true
	}
	for _, want := range []string{"content", "shard_id", "shard_type_id", "tenant_id", "chunk_index", "updated_at"} {
		assert.True(t, names[want], "missing property %s", want)
	}
}
