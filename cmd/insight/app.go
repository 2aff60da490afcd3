// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianInsight/services/insight"
	"github.com/AleutianAI/AleutianInsight/services/insight/assembly"
	"github.com/AleutianAI/AleutianInsight/services/insight/budget"
	"github.com/AleutianAI/AleutianInsight/services/insight/config"
	"github.com/AleutianAI/AleutianInsight/services/insight/grounding"
	"github.com/AleutianAI/AleutianInsight/services/insight/llm"
	"github.com/AleutianAI/AleutianInsight/services/insight/resilience"
	"github.com/AleutianAI/AleutianInsight/services/insight/retrieval"
	"github.com/AleutianAI/AleutianInsight/services/insight/shard"
	"github.com/AleutianAI/AleutianInsight/services/insight/storage/badger"
	"github.com/AleutianAI/AleutianInsight/services/insight/template"
	"github.com/AleutianAI/AleutianInsight/services/insight/traversal"
	"github.com/AleutianAI/AleutianInsight/services/insight/weaviate"
)

var version = insight.ServiceVersion

// app is the wired service graph shared by serve and the one-shot
// commands.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	db        *badger.DB
	store     *shard.MemoryStore
	files     *template.FileRepository
	snapshot  *template.BadgerRepository
	templates *template.CachedRepository
	keyword   *retrieval.KeywordIndex
	vectors   *retrieval.WeaviateIndex
	weaviate  *weaviate.Client
	embedder  llm.Embedder
	generator llm.Generator
	service   *insight.Service
}

// buildApp opens storage, loads shards and templates and wires the
// assembly and grounding pipelines.
//
// Description:
//
//	Templates are served from the YAML directory with the badger snapshot
//	of the last good catalog behind it, so a broken directory at startup
//	still resolves previously loaded templates. Without an LLM the offline
//	hashing embedder backs semantic matching and no generator is set.
//	Weaviate is optional; when configured but down the service starts
//	with vector retrieval degraded.
//
// Outputs:
//
//	*app - The wired application. Close must be called.
//	error - Storage, fixture, template or client construction errors.
func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	storageCfg := cfg.Storage
	storageCfg.Logger = logger
	if a.db, err = badger.Open(storageCfg); err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	if cfg.Fixtures != "" {
		if a.store, err = shard.LoadFixtures(cfg.Fixtures); err != nil {
			return nil, err
		}
		logger.Info("shard fixtures loaded", "path", cfg.Fixtures, "shards", a.store.Len())
	} else {
		a.store = shard.NewMemoryStore()
	}

	if err := a.buildTemplates(ctx); err != nil {
		return nil, err
	}

	est := budget.NewEstimator(cfg.Budget.UseTiktoken, cfg.Budget.Encoding, logger)
	chunker := retrieval.NewChunker(cfg.Retrieval.ChunkSize, cfg.Retrieval.ChunkOverlap, est)
	a.keyword = retrieval.NewKeywordIndex(chunker)

	if err := a.buildModels(); err != nil {
		return nil, err
	}

	engineOpts := []retrieval.Option{
		retrieval.WithKeywordSearcher(a.keyword),
		retrieval.WithChunker(chunker),
		retrieval.WithMethodTimeout(cfg.Retrieval.MethodTimeout),
		retrieval.WithLogger(logger),
	}
	if cfg.Weaviate.Enabled {
		wcfg := cfg.Weaviate.Client()
		wcfg.Logger = logger
		if a.weaviate, err = weaviate.NewClient(wcfg); err != nil {
			return nil, fmt.Errorf("connect weaviate: %w", err)
		}
		if a.weaviate.Available() {
			if err := a.weaviate.EnsureSchema(ctx); err != nil {
				logger.Warn("weaviate schema check failed", "error", err)
			}
		}
		a.vectors = retrieval.NewWeaviateIndex(a.weaviate, a.embedder, chunker)
		engineOpts = append(engineOpts, retrieval.WithVectorIndex(a.vectors, a.embedder))
	}
	a.indexShards(ctx)

	asm := assembly.NewAssembler(a.store, a.templates,
		assembly.WithTraverser(traversal.NewEngine(a.store,
			traversal.WithWorkers(cfg.Traversal.Workers),
			traversal.WithEstimator(est),
			traversal.WithLogger(logger))),
		assembly.WithRetriever(retrieval.NewEngine(engineOpts...)),
		assembly.WithEstimator(est),
		assembly.WithDefaultWindow(cfg.Budget.ContextWindow),
		assembly.WithTimeout(cfg.Assembly.Timeout),
		assembly.WithLogger(logger),
	)
	grounder := grounding.NewGrounder(a.generator, a.embedder, cfg.Grounding.Grounder(), logger)

	svcOpts := []insight.ServiceOption{
		insight.WithServiceLogger(logger),
		insight.WithHealthCheck("templates", func(ctx context.Context) error {
			_, err := a.templates.List(ctx)
			return err
		}),
	}
	if a.generator != nil {
		svcOpts = append(svcOpts, insight.WithGenerator(a.generator))
	}
	if a.weaviate != nil {
		client := a.weaviate
		svcOpts = append(svcOpts, insight.WithHealthCheck("weaviate", func(context.Context) error {
			if !client.Available() {
				return weaviate.ErrUnavailable
			}
			return nil
		}))
	}
	a.service = insight.NewService(asm, grounder, a.templates, svcOpts...)
	return a, nil
}

// buildTemplates layers the YAML directory over the badger snapshot and
// puts an LRU in front. Every successful directory reload drops the cache
// and refreshes the snapshot.
func (a *app) buildTemplates(ctx context.Context) error {
	a.snapshot = template.NewBadgerRepository(a.db)
	layers := []template.Repository{}

	if dir := a.cfg.Templates.Dir; dir != "" {
		files, err := template.NewFileRepository(dir, a.logger)
		if err != nil {
			saved, listErr := a.snapshot.List(ctx)
			if listErr != nil || len(saved) == 0 {
				return fmt.Errorf("load templates: %w", err)
			}
			a.logger.Warn("template directory unreadable, serving stored snapshot",
				"dir", dir, "error", err, "templates", len(saved))
		} else {
			a.files = files
			layers = append(layers, files)
		}
	}
	layers = append(layers, a.snapshot)

	cached, err := template.NewCachedRepository(template.NewLayeredRepository(layers...),
		a.cfg.Templates.CacheSize, a.cfg.Templates.ListTTL)
	if err != nil {
		return fmt.Errorf("create template cache: %w", err)
	}
	a.templates = cached

	if a.files != nil {
		a.files.OnReload = func(count int) {
			a.templates.Invalidate()
			a.snapshotTemplates(context.Background())
			a.logger.Info("templates reloaded", "count", count)
		}
		a.snapshotTemplates(ctx)
	}
	return nil
}

// snapshotTemplates copies the directory catalog into storage.
func (a *app) snapshotTemplates(ctx context.Context) {
	list, err := a.files.List(ctx)
	if err != nil {
		a.logger.Warn("template snapshot skipped", "error", err)
		return
	}
	for _, t := range list {
		if err := a.snapshot.Save(ctx, t); err != nil {
			a.logger.Warn("template snapshot failed", "template_id", t.ID, "error", err)
			return
		}
	}
}

// buildModels wires the LLM generator and embedder. Calls go through the
// rate limiter, then the retry guard; embeddings are cached in storage.
func (a *app) buildModels() error {
	cfg := a.cfg.LLM
	if !cfg.Enabled {
		a.embedder = llm.HashingEmbedder{}
		return nil
	}
	client, err := llm.NewOpenAIClient(cfg.OpenAI, a.logger)
	if err != nil {
		return fmt.Errorf("create llm client: %w", err)
	}
	guard := resilience.NewGuard("openai", cfg.Policy, a.logger)

	var gen llm.Generator = client
	var emb llm.Embedder = client
	if cfg.RequestsPerSecond > 0 {
		gen = llm.NewRateLimitedGenerator(gen, cfg.RequestsPerSecond, cfg.Burst)
		emb = llm.NewRateLimitedEmbedder(emb, cfg.RequestsPerSecond, cfg.Burst)
	}
	a.generator = llm.NewGuardedGenerator(gen, guard)
	a.embedder = llm.NewCachedEmbedder(llm.NewGuardedEmbedder(emb, guard), a.db,
		client.EmbeddingModel(), cfg.EmbeddingCacheTTL, a.logger)
	return nil
}

// indexShards loads every shard into the keyword index and, when the
// vector index is reachable, into Weaviate.
func (a *app) indexShards(ctx context.Context) {
	chunks := 0
	upserted := 0
	for _, s := range a.store.All() {
		chunks += a.keyword.Index(s)
		if a.vectors == nil || !a.weaviate.Available() {
			continue
		}
		n, err := a.vectors.Upsert(ctx, s)
		if err != nil {
			a.logger.Warn("vector upsert failed", "shard_id", s.ID, "error", err)
			continue
		}
		upserted += n
	}
	a.logger.Debug("shards indexed", "keyword_chunks", chunks, "vector_chunks", upserted)
}

// Close releases the vector client and storage.
func (a *app) Close() error {
	var errs []error
	if a.weaviate != nil {
		errs = append(errs, a.weaviate.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
