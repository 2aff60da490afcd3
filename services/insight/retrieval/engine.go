// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianInsight/services/insight/llm"
	"github.com/AleutianAI/AleutianInsight/services/insight/shard"
	"github.com/AleutianAI/AleutianInsight/services/insight/template"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("aleutian.insight.retrieval")

// DefaultMethodTimeout bounds each retrieval method.
const DefaultMethodTimeout = 3 * time.Second

// Engine runs hybrid retrieval.
//
// Thread Safety: Safe for concurrent use if its collaborators are.
type Engine struct {
	vector   VectorIndex
	embedder llm.Embedder
	keyword  KeywordSearcher
	chunker  *Chunker
	timeout  time.Duration
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithVectorIndex enables vector search. Both the index and the embedder
// must be set for the method to run.
func WithVectorIndex(idx VectorIndex, emb llm.Embedder) Option {
	return func(e *Engine) {
		e.vector = idx
		e.embedder = emb
	}
}

// WithKeywordSearcher enables keyword search.
func WithKeywordSearcher(ks KeywordSearcher) Option {
	return func(e *Engine) { e.keyword = ks }
}

// WithChunker sets the chunker used for graph chunks.
func WithChunker(c *Chunker) Option {
	return func(e *Engine) {
		if c != nil {
			e.chunker = c
		}
	}
}

// WithMethodTimeout sets the per-method time slice.
func WithMethodTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates an engine. Methods without a backend are skipped.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		chunker: NewChunker(0, 0, nil),
		timeout: DefaultMethodTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Retrieve runs the enabled methods and fuses their lists.
//
// Description:
//
//	For rrf and weighted fusion all methods run concurrently, each under
//	its own timeout. For cascade fusion methods run in CascadeOrder and
//	the next method is only invoked while fewer than CascadeThreshold
//	distinct chunks have been found. A failing method is recorded in
//	RankedList.Degraded and left out of fusion.
//
// Outputs:
//
//	*RankedList - Fused chunks, at most cfg.MaxResults.
//	error - ErrIndexUnavailable (wrapped) when every attempted method
//	        reported it, or the caller's context error.
func (e *Engine) Retrieve(ctx context.Context, q Query, cfg template.RAGConfig) (*RankedList, error) {
	cfg = cfg.WithDefaults()
	out := &RankedList{
		Strategy: cfg.Fusion,
		Counts:   make(map[Method]int),
		Degraded: make(map[Method]string),
	}
	if !cfg.Enabled {
		return out, nil
	}

	ctx, span := tracer.Start(ctx, "retrieval.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.String("retrieval.fusion", string(cfg.Fusion)))

	methods := e.methods(q, cfg)
	filters := FiltersFor(q.Scope, cfg)

	var results []methodResult
	if cfg.Fusion == template.FusionCascade {
		results = e.runCascade(ctx, methods, q, cfg, filters)
	} else {
		results = e.runConcurrent(ctx, methods, q, cfg, filters)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var lists []MethodList
	unavailable := 0
	for _, r := range results {
		if r.err != nil {
			out.Degraded[r.method] = r.err.Error()
			if errors.Is(r.err, ErrIndexUnavailable) {
				unavailable++
			}
			e.logger.Warn("retrieval method failed",
				slog.String("method", string(r.method)),
				slog.String("error", r.err.Error()))
			continue
		}
		out.Counts[r.method] = len(r.chunks)
		lists = append(lists, MethodList{Method: r.method, Chunks: r.chunks})
	}
	if len(results) > 0 && unavailable == len(results) {
		err := fmt.Errorf("all %d retrieval methods failed: %w", len(results), ErrIndexUnavailable)
		span.RecordError(err)
		return nil, err
	}

	out.Chunks = Fuse(lists, cfg)
	span.SetAttributes(
		attribute.Int("retrieval.results", len(out.Chunks)),
		attribute.Int("retrieval.degraded", len(out.Degraded)),
	)
	return out, nil
}

type methodResult struct {
	method Method
	chunks []Chunk
	err    error
}

// methods returns the methods that can run for q, in cascade order.
func (e *Engine) methods(q Query, cfg template.RAGConfig) []Method {
	var out []Method
	seen := make(map[Method]bool)
	add := func(m Method) {
		if seen[m] || !cfg.MethodEnabled(m) {
			return
		}
		seen[m] = true
		switch m {
		case template.MethodVector:
			if e.vector == nil || e.embedder == nil || q.Text == "" {
				return
			}
		case template.MethodKeyword:
			if e.keyword == nil || q.Text == "" {
				return
			}
		case template.MethodGraph:
			if len(q.GraphShards) == 0 && q.GraphSource == nil {
				return
			}
		default:
			return
		}
		out = append(out, m)
	}
	for _, m := range cfg.CascadeOrder {
		add(m)
	}
	for _, m := range []Method{template.MethodVector, template.MethodKeyword, template.MethodGraph} {
		add(m)
	}
	return out
}

func (e *Engine) runConcurrent(ctx context.Context, methods []Method, q Query, cfg template.RAGConfig, f Filters) []methodResult {
	results := make([]methodResult, len(methods))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range methods {
		g.Go(func() error {
			chunks, err := e.run(gctx, m, q, cfg, f)
			results[i] = methodResult{method: m, chunks: chunks, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Engine) runCascade(ctx context.Context, methods []Method, q Query, cfg template.RAGConfig, f Filters) []methodResult {
	var results []methodResult
	found := make(map[string]struct{})
	for _, m := range methods {
		if len(found) >= cfg.CascadeThreshold {
			break
		}
		chunks, err := e.run(ctx, m, q, cfg, f)
		results = append(results, methodResult{method: m, chunks: chunks, err: err})
		for _, c := range chunks {
			found[c.Key()] = struct{}{}
		}
		if ctx.Err() != nil {
			break
		}
	}
	return results
}

// run executes one method under the per-method timeout.
func (e *Engine) run(ctx context.Context, m Method, q Query, cfg template.RAGConfig, f Filters) ([]Chunk, error) {
	mctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	var chunks []Chunk
	var err error
	switch m {
	case template.MethodVector:
		chunks, err = e.searchVector(mctx, q.Text, cfg, f)
	case template.MethodKeyword:
		chunks, err = e.keyword.Search(mctx, q.Text, cfg.TopK, f)
	case template.MethodGraph:
		shards := q.GraphShards
		if q.GraphSource != nil {
			shards, err = q.GraphSource(mctx)
		}
		if err == nil {
			chunks = e.graphChunks(shards, cfg, f)
		}
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%s after %s: %w", m, time.Since(start).Round(time.Millisecond), ErrRetrievalTimeout)
		}
		return nil, err
	}
	return chunks, nil
}

func (e *Engine) searchVector(ctx context.Context, text string, cfg template.RAGConfig, f Filters) ([]Chunk, error) {
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	chunks, err := e.vector.Search(ctx, vec, cfg.TopK, cfg.MinScore, f)
	if err != nil {
		return nil, err
	}
	kept := chunks[:0]
	for _, c := range chunks {
		if c.Score >= cfg.MinScore {
			kept = append(kept, c)
		}
	}
	return kept, nil
}

// graphChunks chunks traversal shards of chunk-bearing types. Every chunk
// of the i-th eligible shard scores 1 - i/n so traversal order is kept.
func (e *Engine) graphChunks(shards []*shard.Shard, cfg template.RAGConfig, f Filters) []Chunk {
	var eligible []*shard.Shard
	for _, s := range shards {
		if s == nil {
			continue
		}
		if len(cfg.ShardTypes) > 0 && !containsString(cfg.ShardTypes, s.ShardTypeID) {
			continue
		}
		eligible = append(eligible, s)
	}
	n := float64(len(eligible))
	var out []Chunk
	for i, s := range eligible {
		score := 1 - float64(i)/n
		for _, c := range e.chunker.Split(s) {
			if f.TenantID != "" && c.TenantID == "" {
				c.TenantID = f.TenantID
			}
			c.Score = score
			out = append(out, c)
		}
	}
	return out
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
