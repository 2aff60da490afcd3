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
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianInsight/services/insight/storage/badger"
	"golang.org/x/sync/singleflight"
)

// CachedEmbedder stores vectors in badger keyed by model and text hash.
// Concurrent requests for the same text share one upstream call.
//
// Thread Safety: Safe for concurrent use.
type CachedEmbedder struct {
	inner  Embedder
	ns     *badger.Namespace
	model  string
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCachedEmbedder wraps inner. model namespaces keys so switching models
// never serves stale vectors. A zero ttl keeps entries forever.
func NewCachedEmbedder(inner Embedder, db *badger.DB, model string, ttl time.Duration, logger *slog.Logger) *CachedEmbedder {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedEmbedder{
		inner:  inner,
		ns:     db.Namespace("embeddings"),
		model:  model,
		ttl:    ttl,
		logger: logger,
	}
}

// Embed implements Embedder.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)
	if raw, err := c.ns.Get(ctx, key); err == nil {
		if vec, ok := decodeVector(raw); ok {
			c.hits.Add(1)
			return vec, nil
		}
	} else if !errors.Is(err, badger.ErrNotFound) {
		c.logger.Warn("embedding cache read failed", slog.String("error", err.Error()))
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		c.misses.Add(1)
		vec, err := c.inner.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		if err := c.ns.Set(ctx, key, encodeVector(vec), c.ttl); err != nil {
			c.logger.Warn("embedding cache write failed", slog.String("error", err.Error()))
		}
		return vec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	return v.([]float32), nil
}

// Stats returns cache hit and miss counts.
func (c *CachedEmbedder) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return c.model + ":" + hex.EncodeToString(sum[:])
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, bool) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, false
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, true
}
