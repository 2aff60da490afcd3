// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assembly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianInsight/services/insight/budget"
	"github.com/AleutianAI/AleutianInsight/services/insight/format"
	"github.com/AleutianAI/AleutianInsight/services/insight/ranking"
	"github.com/AleutianAI/AleutianInsight/services/insight/retrieval"
	"github.com/AleutianAI/AleutianInsight/services/insight/shard"
	"github.com/AleutianAI/AleutianInsight/services/insight/template"
	"github.com/AleutianAI/AleutianInsight/services/insight/traversal"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// SourceExplicit marks a template named by the caller.
const SourceExplicit template.Source = "explicit"

// DefaultContextWindow is used when neither the request nor the scope sets
// a window.
const DefaultContextWindow = 16384

// Traverser walks relationships from a primary shard.
type Traverser interface {
	Traverse(ctx context.Context, root *shard.Shard, configs []template.RelationshipConfig, tokenBudget int, opts ...traversal.RequestOption) (*traversal.Result, error)
}

// Retriever runs hybrid retrieval.
type Retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query, cfg template.RAGConfig) (*retrieval.RankedList, error)
}

// Assembler builds AssembledContexts.
//
// Thread Safety: Safe for concurrent use. Each call keeps its state on the
// stack; collaborators must be safe for concurrent use.
type Assembler struct {
	store     shard.Store
	templates template.Repository
	resolver  *template.Resolver
	traverser Traverser
	retriever Retriever
	est       budget.Estimator
	formatter *format.Formatter
	window    int
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithTraverser replaces the default traversal engine.
func WithTraverser(t Traverser) Option {
	return func(a *Assembler) { a.traverser = t }
}

// WithRetriever enables hybrid retrieval.
func WithRetriever(r Retriever) Option {
	return func(a *Assembler) { a.retriever = r }
}

// WithEstimator sets the token estimator used for every section.
func WithEstimator(est budget.Estimator) Option {
	return func(a *Assembler) {
		if est != nil {
			a.est = est
		}
	}
}

// WithDefaultWindow sets the context window used when a request has none.
func WithDefaultWindow(tokens int) Option {
	return func(a *Assembler) {
		if tokens > 0 {
			a.window = tokens
		}
	}
}

// WithTimeout bounds each AssembleContext call.
func WithTimeout(d time.Duration) Option {
	return func(a *Assembler) { a.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Assembler) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithClock overrides the time source used for recency.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAssembler creates an assembler.
//
// Description:
//
//	store serves the primary shard and relationship traversal. templates
//	backs both explicit template ids and the resolver's priority chain; a
//	nil repository resolves everything to the system fallback. Without
//	WithRetriever no RAG section is produced.
//
// Example:
//
//	asm := NewAssembler(store, repo,
//	    WithRetriever(retrieval.NewEngine(retrieval.WithKeywordSearcher(idx))),
//	    WithEstimator(budget.NewEstimator(true, "cl100k_base", logger)),
//	)
func NewAssembler(store shard.Store, templates template.Repository, opts ...Option) *Assembler {
	a := &Assembler{
		store:     store,
		templates: templates,
		est:       budget.HeuristicEstimator{},
		window:    DefaultContextWindow,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.traverser == nil {
		a.traverser = traversal.NewEngine(store,
			traversal.WithEstimator(a.est),
			traversal.WithLogger(a.logger),
			traversal.WithClock(a.now))
	}
	a.resolver = template.NewResolver(templates,
		template.WithShardStore(store),
		template.WithResolverLogger(a.logger))
	a.formatter = format.NewFormatter(a.est)
	return a
}

// request holds the mutable state of one AssembleContext call.
type request struct {
	scope   shard.Scope
	query   string
	opts    Options
	tpl     *template.ContextTemplate
	alloc   budget.Budget
	primary *shard.Shard

	warnings  []Warning
	truncated []TruncatedItem
	usage     map[budget.Section]int
}

func (r *request) warn(code, msg string, args ...any) {
	r.warnings = append(r.warnings, Warning{Code: code, Message: fmt.Sprintf(msg, args...)})
}

// AssembleContext builds the context for userQuery within scope.
//
// Description:
//
//	Resolves the template (templateID when it exists, otherwise the
//	resolver's priority chain), allocates the token budget, then runs
//	relationship traversal and hybrid retrieval concurrently. The graph
//	retrieval signal waits for traversal to finish. Related items are
//	ranked and ordered by the template, every section is fitted to its
//	budget and the result is formatted with a source map.
//
// Inputs:
//
//	ctx - Request context. Its deadline bounds every store and index call.
//	scope - Tenant scope. TenantID is required.
//	templateID - Optional explicit template id.
//	userQuery - The user's question, used for relevance and retrieval.
//	opts - Per-request options.
//
// Outputs:
//
//	*AssembledContext - The assembled context.
//	error - Invalid scope, ErrPrimaryNotFound, shard.ErrStoreUnavailable,
//	        retrieval.ErrIndexUnavailable (all wrapped) or ctx errors.
//	        Budget overruns and degraded retrieval are warnings.
func (a *Assembler) AssembleContext(ctx context.Context, scope shard.Scope, templateID, userQuery string, opts Options) (*AssembledContext, error) {
	start := time.Now()
	ctx, span := startAssembleSpan(ctx, scope.TenantID, templateID, len(userQuery))
	defer span.End()

	fail := func(err error) (*AssembledContext, error) {
		outcome := "error"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			outcome = "cancelled"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		recordAssembly(ctx, outcome, time.Since(start))
		return nil, err
	}

	if err := scope.Validate(); err != nil {
		return fail(fmt.Errorf("invalid scope: %w", err))
	}
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	r := &request{
		scope: scope,
		query: strings.TrimSpace(userQuery),
		opts:  opts,
		usage: make(map[budget.Section]int),
	}

	primary, err := a.loadPrimary(ctx, scope)
	if err != nil {
		return fail(err)
	}
	r.primary = primary

	var src template.Source
	r.tpl, src = a.resolveTemplate(ctx, r, templateID)
	r.alloc = budget.Allocate(budget.ModelInfo{Name: opts.Model, ContextWindow: a.windowFor(r)}, r.tpl.TokenLimits)
	span.SetAttributes(
		attribute.String("template.resolved", r.tpl.ID),
		attribute.String("template.source", string(src)),
		attribute.Int("budget.available", r.alloc.Available),
	)

	primaryBlock := a.primarySection(r)

	trav, ranked, err := a.gather(ctx, r)
	if err != nil {
		return fail(err)
	}

	related, relatedBlocks := a.relatedSection(r, trav)
	chunks, ragBlocks := a.ragSection(r, ranked)

	notes := make([]format.TruncationNote, 0, len(r.truncated))
	for _, t := range r.truncated {
		notes = append(notes, format.TruncationNote{ID: t.ID, Reason: string(t.Reason), Action: string(t.Action)})
	}
	groupOrder := []string(nil)
	if r.tpl.Ordering.GroupBy == template.GroupByShardType {
		groupOrder = r.tpl.Ordering.GroupOrder
	}
	messages := make([]string, 0, len(r.warnings))
	for _, w := range r.warnings {
		messages = append(messages, w.Message)
	}
	formatted := a.formatter.Format(format.Input{
		Primary:        primaryBlock,
		Related:        relatedBlocks,
		RAG:            ragBlocks,
		GroupOrder:     groupOrder,
		Truncations:    notes,
		Warnings:       messages,
		MetadataBudget: r.alloc.Metadata,
	})
	for _, s := range formatted.Sections {
		if s.Kind == format.KindMetadata {
			r.usage[budget.SectionMetadata] += s.Tokens
		}
	}

	total := 0
	for _, n := range r.usage {
		total += n
	}
	ac := &AssembledContext{
		ID:             uuid.NewString(),
		Fingerprint:    Fingerprint(scope, r.tpl.ID, r.query, opts),
		TemplateID:     r.tpl.ID,
		TemplateSource: src,
		Query:          r.query,
		Scope:          scope,
		PrimaryShard:   primary,
		RelatedItems:   related,
		RAGChunks:      chunks,
		Sections:       formatted.Sections,
		TokenUsage: TokenUsage{
			PerSection: r.usage,
			Total:      total,
			Formatted:  formatted.Tokens,
			Budget:     r.alloc,
		},
		SourceMap:      formatted.SourceMap,
		TruncatedItems: r.truncated,
		Warnings:       r.warnings,
		Formatted:      formatted.Text,
		CreatedAt:      a.now(),
	}
	if ranked != nil && ranked.IsDegraded() {
		ac.RetrievalDegraded = ranked.Degraded
	}
	ac.Quality = a.quality(r, trav, ac)

	span.SetAttributes(
		attribute.Int("assembly.related", len(related)),
		attribute.Int("assembly.rag_chunks", len(chunks)),
		attribute.Int("assembly.truncated", len(r.truncated)),
		attribute.Int("assembly.tokens", total),
	)
	recordAssembly(ctx, "ok", time.Since(start))
	recordResult(ctx, ac)
	a.logger.Debug("context assembled",
		slog.String("id", ac.ID),
		slog.String("template_id", ac.TemplateID),
		slog.Int("related", len(related)),
		slog.Int("rag_chunks", len(chunks)),
		slog.Int("tokens", total),
		slog.Int("warnings", len(ac.Warnings)),
		slog.Duration("duration", time.Since(start)))
	return ac, nil
}

// loadPrimary fetches the scope's primary shard. A tenant-wide scope has
// none.
func (a *Assembler) loadPrimary(ctx context.Context, scope shard.Scope) (*shard.Shard, error) {
	id := scope.PrimaryID()
	if id == "" {
		return nil, nil
	}
	s, err := a.store.GetShard(ctx, id)
	switch {
	case err == nil:
		return s, nil
	case errors.Is(err, shard.ErrShardNotFound):
		return nil, fmt.Errorf("%w: %s", ErrPrimaryNotFound, id)
	default:
		return nil, fmt.Errorf("load primary shard %s: %w", id, err)
	}
}

// resolveTemplate returns the explicit template when it exists and the
// resolver's choice otherwise.
func (a *Assembler) resolveTemplate(ctx context.Context, r *request, templateID string) (*template.ContextTemplate, template.Source) {
	if templateID != "" && a.templates != nil {
		t, err := a.templates.Get(ctx, templateID)
		if err == nil {
			return t, SourceExplicit
		}
		a.logger.Warn("requested template unavailable, resolving instead",
			slog.String("template_id", templateID),
			slog.String("error", err.Error()))
		r.warn(CodeTemplateNotFound, "template %s unavailable: %v", templateID, err)
	} else if templateID != "" {
		r.warn(CodeTemplateNotFound, "template %s unavailable: %v", templateID, template.ErrTemplateNotFound)
	}

	c := template.Criteria{
		TenantID:       r.scope.TenantID,
		InsightType:    r.opts.InsightType,
		InsightSubtype: r.opts.InsightSubtype,
		ScopeType:      r.scope.Type(),
		AssistantID:    r.opts.AssistantID,
		TargetShardID:  r.scope.ShardID,
	}
	if r.primary != nil {
		c.PrimaryShardType = r.primary.ShardTypeID
	}
	res := a.resolver.ResolveDetailed(ctx, c)
	return res.Template, res.Source
}

func (a *Assembler) windowFor(r *request) int {
	switch {
	case r.opts.MaxTokens > 0:
		return r.opts.MaxTokens
	case r.scope.MaxTokens > 0:
		return r.scope.MaxTokens
	default:
		return a.window
	}
}

// primarySection renders and fits the primary shard.
func (a *Assembler) primarySection(r *request) *format.Block {
	if r.primary == nil {
		return nil
	}
	p := r.primary
	content := format.RenderShard(p, format.SelectionFor(r.tpl.FieldSelection, nil))
	res := budget.Truncate([]budget.Candidate{{
		ID: p.ID, ShardID: p.ID, Content: content, Required: true,
	}}, r.alloc.Primary, budget.Options{Estimator: a.est})

	r.usage[budget.SectionPrimary] = res.Used
	r.record(budget.SectionPrimary, res.Records)
	if res.RequiredOverflow {
		r.warn(CodeRequiredTruncated, "%v: primary shard %s cut to %d tokens", ErrRequiredItemTruncated, p.ID, r.alloc.Primary)
	}

	blk := &format.Block{
		ShardID:     p.ID,
		ShardName:   p.Name,
		ShardTypeID: p.ShardTypeID,
		ChunkIndex:  -1,
		Required:    true,
		Score:       1,
		UpdatedAt:   p.UpdatedAt,
	}
	if len(res.Included) > 0 {
		blk.Content = res.Included[0].Content
		blk.Truncated = res.Included[0].Truncated
	}
	return blk
}

// gather runs traversal and retrieval concurrently. Retrieval's graph
// signal blocks until traversal has finished.
func (a *Assembler) gather(ctx context.Context, r *request) (*traversal.Result, *retrieval.RankedList, error) {
	g, gctx := errgroup.WithContext(ctx)

	var trav *traversal.Result
	travDone := make(chan struct{})
	if r.primary != nil && len(r.tpl.Relationships) > 0 {
		g.Go(func() error {
			defer close(travDone)
			res, err := a.traverser.Traverse(gctx, r.primary, r.tpl.Relationships, r.alloc.Related,
				traversal.WithFieldSelection(r.tpl.FieldSelection),
				traversal.WithTimeRange(r.scope.TimeRange),
				traversal.WithMaxItems(r.scope.MaxShards))
			if err != nil {
				return fmt.Errorf("traverse relationships: %w", err)
			}
			trav = res
			return nil
		})
	} else {
		close(travDone)
	}

	var ranked *retrieval.RankedList
	if r.opts.IncludeRAG && r.tpl.RAG.Enabled && a.retriever != nil && r.alloc.RAG > 0 {
		q := retrieval.Query{
			Text:  r.query,
			Scope: r.scope,
			GraphSource: func(ctx context.Context) ([]*shard.Shard, error) {
				select {
				case <-travDone:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				if trav == nil {
					return nil, nil
				}
				out := make([]*shard.Shard, 0, len(trav.Items))
				for _, it := range trav.Items {
					out = append(out, it.Shard)
				}
				return out, nil
			},
		}
		g.Go(func() error {
			res, err := a.retriever.Retrieve(gctx, q, r.tpl.RAG)
			if err != nil {
				return fmt.Errorf("retrieve: %w", err)
			}
			ranked = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return trav, ranked, nil
}

// relatedSection ranks traversal items, fits them to the related budget and
// returns them in template order.
func (a *Assembler) relatedSection(r *request, trav *traversal.Result) ([]traversal.Item, []format.Block) {
	if trav == nil {
		return nil, nil
	}
	a.traversalFindings(r, trav)

	byID := make(map[string]traversal.Item, len(trav.Items))
	cands := make([]ranking.Candidate, 0, len(trav.Items))
	for _, it := range trav.Items {
		byID[it.Shard.ID] = it
		cands = append(cands, ranking.Candidate{
			ID:                   it.Shard.ID,
			Shard:                it.Shard,
			RelationshipPriority: it.Priority,
			Relevance:            ranking.LexicalRelevance(r.query, it.Content),
			Required:             it.Required,
		})
	}
	scorer := ranking.NewScorer(r.tpl.Scoring, ranking.WithClock(a.now))
	ordered := scorer.Rank(cands, r.opts.InsightType, r.tpl.Ordering)

	fit := make([]budget.Candidate, 0, len(ordered))
	for _, rk := range ordered {
		it := byID[rk.ID]
		fit = append(fit, budget.Candidate{
			ID:       rk.ID,
			ShardID:  rk.ID,
			Content:  it.Content,
			Tokens:   it.EstimatedTokens,
			Score:    rk.Score.Total,
			Required: it.Required,
		})
	}
	res := budget.Truncate(fit, r.alloc.Related, budget.Options{
		PerShardLimit: r.alloc.PerShardLimit,
		FieldLimit:    r.alloc.FieldLimit,
		Estimator:     a.est,
	})
	r.usage[budget.SectionRelated] = res.Used
	r.record(budget.SectionRelated, res.Records)
	if n := len(res.Dropped()); n > 0 {
		r.warn(CodeBudgetExceeded, "%v: %d related items left out", budget.ErrTokenBudgetExceeded, n)
	}
	if res.RequiredOverflow {
		r.warn(CodeRequiredTruncated, "%v: required related items exceed %d tokens", ErrRequiredItemTruncated, r.alloc.Related)
	}

	kept := make(map[string]budget.Included, len(res.Included))
	for _, inc := range res.Included {
		kept[inc.ID] = inc
	}

	var items []traversal.Item
	var blocks []format.Block
	for _, rk := range ordered {
		inc, ok := kept[rk.ID]
		if !ok {
			continue
		}
		it := byID[rk.ID]
		if inc.Truncated {
			it.Content = inc.Content
			it.EstimatedTokens = inc.Tokens
			it.Truncated = true
		}
		items = append(items, it)
		blocks = append(blocks, format.Block{
			ShardID:          it.Shard.ID,
			ShardName:        it.Shard.Name,
			ShardTypeID:      it.Shard.ShardTypeID,
			RelationshipType: it.RelationshipType,
			ChunkIndex:       -1,
			Content:          it.Content,
			Truncated:        it.Truncated,
			Required:         it.Required,
			Score:            rk.Score.Total,
			UpdatedAt:        it.Shard.UpdatedAt,
		})
	}
	return items, blocks
}

// traversalFindings turns traversal truncations and warnings into records
// and warnings of the request.
func (a *Assembler) traversalFindings(r *request, trav *traversal.Result) {
	kept := make(map[string]int, len(trav.Items))
	for _, it := range trav.Items {
		kept[it.Shard.ID] = it.EstimatedTokens
	}
	dropped := 0
	for _, t := range trav.Truncated {
		r.truncated = append(r.truncated, TruncatedItem{
			ID:               t.ShardID,
			ShardID:          t.ShardID,
			Section:          budget.SectionRelated,
			RelationshipType: t.RelationshipType,
			Reason:           t.Reason,
			Action:           t.Action,
			Required:         t.Required,
			OriginalTokens:   t.EstimatedTokens,
			KeptTokens:       kept[t.ShardID],
		})
		switch {
		case t.Required && t.Action == budget.ActionTruncated:
			r.warn(CodeRequiredTruncated, "%v: %s item %s cut from %d to %d tokens",
				ErrRequiredItemTruncated, t.RelationshipType, t.ShardID, t.EstimatedTokens, kept[t.ShardID])
		case t.Action == budget.ActionDropped:
			dropped++
		}
	}
	if dropped > 0 {
		r.warn(CodeBudgetExceeded, "%v: %d related items left out", budget.ErrTokenBudgetExceeded, dropped)
	}
	for _, w := range trav.Warnings {
		if strings.HasPrefix(w, traversal.RequiredWarningPrefix) {
			continue
		}
		r.warn(CodeTraversalPartial, "%s", w)
	}
}

// ragSection fits fused chunks to the RAG budget, keeping fusion order.
func (a *Assembler) ragSection(r *request, ranked *retrieval.RankedList) ([]retrieval.Chunk, []format.Block) {
	if ranked == nil {
		return nil, nil
	}
	methods := make([]string, 0, len(ranked.Degraded))
	for m := range ranked.Degraded {
		methods = append(methods, string(m))
	}
	sort.Strings(methods)
	for _, m := range methods {
		r.warn(CodeRetrievalDegraded, "%s retrieval skipped: %s", m, ranked.Degraded[retrieval.Method(m)])
	}

	fit := make([]budget.Candidate, 0, len(ranked.Chunks))
	for _, c := range ranked.Chunks {
		fit = append(fit, budget.Candidate{
			ID:      c.Key(),
			ShardID: c.ShardID,
			Content: c.Content,
			Score:   c.Score,
		})
	}
	res := budget.Truncate(fit, r.alloc.RAG, budget.Options{
		PerShardLimit: r.alloc.PerShardLimit,
		Estimator:     a.est,
	})
	r.usage[budget.SectionRAG] = res.Used
	r.record(budget.SectionRAG, res.Records)
	if n := len(res.Dropped()); n > 0 {
		r.warn(CodeBudgetExceeded, "%v: %d retrieved chunks left out", budget.ErrTokenBudgetExceeded, n)
	}

	kept := make(map[string]budget.Included, len(res.Included))
	for _, inc := range res.Included {
		kept[inc.ID] = inc
	}
	var chunks []retrieval.Chunk
	var blocks []format.Block
	for _, c := range ranked.Chunks {
		inc, ok := kept[c.Key()]
		if !ok {
			continue
		}
		c.Content = inc.Content
		c.TokenCount = inc.Tokens
		chunks = append(chunks, c)
		blocks = append(blocks, format.Block{
			ShardID:     c.ShardID,
			ShardName:   c.ShardName,
			ShardTypeID: c.ShardTypeID,
			ChunkIndex:  c.ChunkIndex,
			Content:     c.Content,
			Truncated:   inc.Truncated,
			Score:       c.Score,
			UpdatedAt:   c.UpdatedAt,
		})
	}
	return chunks, blocks
}

// record appends budget records of one section.
func (r *request) record(section budget.Section, recs []budget.Record) {
	for _, rec := range recs {
		r.truncated = append(r.truncated, TruncatedItem{
			ID:             rec.ID,
			ShardID:        rec.ShardID,
			Section:        section,
			Reason:         rec.Reason,
			Action:         rec.Action,
			Required:       rec.Required,
			OriginalTokens: rec.OriginalTokens,
			KeptTokens:     rec.KeptTokens,
		})
	}
}

// quality computes the quality metrics of ac.
func (a *Assembler) quality(r *request, trav *traversal.Result, ac *AssembledContext) QualityMetrics {
	q := QualityMetrics{
		RAGChunks:    len(ac.RAGChunks),
		RelatedItems: len(ac.RelatedItems),
	}

	switch {
	case trav != nil:
		q.RequiredCoverage = trav.RequiredCoverage(r.tpl.Relationships)
	default:
		q.RequiredCoverage = 1
		for _, c := range r.tpl.Relationships {
			if c.Required {
				q.RequiredCoverage = 0
				break
			}
		}
	}

	now := a.now()
	recency, n := 0.0, 0
	if ac.PrimaryShard != nil {
		recency += ranking.RecencyScore(ac.PrimaryShard.Age(now))
		n++
	}
	relevance := 0.0
	for _, it := range ac.RelatedItems {
		recency += ranking.RecencyScore(it.Shard.Age(now))
		relevance += ranking.LexicalRelevance(r.query, it.Content)
		n++
	}
	if n > 0 {
		q.AverageRecency = recency / float64(n)
	}
	if len(ac.RelatedItems) > 0 {
		q.AverageRelevance = relevance / float64(len(ac.RelatedItems))
	}

	included := len(ac.RelatedItems) + len(ac.RAGChunks)
	if ac.PrimaryShard != nil {
		included++
	}
	dropped := 0
	for _, t := range ac.TruncatedItems {
		if t.Action == budget.ActionDropped {
			dropped++
		}
	}
	if total := included + dropped; total > 0 {
		q.TruncationRatio = float64(len(ac.TruncatedItems)) / float64(total)
		if q.TruncationRatio > 1 {
			q.TruncationRatio = 1
		}
	}
	return q
}
