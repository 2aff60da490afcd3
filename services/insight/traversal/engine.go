// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package traversal walks typed relationship edges from a primary shard
// according to a template's relationship configs, producing the related
// items of an assembled context under a token budget.
package traversal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianInsight/services/insight/budget"
	"github.com/AleutianAI/AleutianInsight/services/insight/format"
	"github.com/AleutianAI/AleutianInsight/services/insight/shard"
	"github.com/AleutianAI/AleutianInsight/services/insight/template"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("aleutian.insight.traversal")

// DefaultWorkers is the default number of concurrent shard fetches.
const DefaultWorkers = 4

// RequiredWarningPrefix starts every warning about a truncated required item.
const RequiredWarningPrefix = "required "

// Item is a shard selected by traversal.
type Item struct {
	Shard            *shard.Shard `json:"shard"`
	RelationshipType string       `json:"relationship_type"`
	ParentID         string       `json:"parent_id"`
	Depth            int          `json:"depth"`
	Priority         int          `json:"priority"`
	EstimatedTokens  int          `json:"estimated_tokens"`
	Required         bool         `json:"required"`
	Truncated        bool         `json:"truncated"`

	// Content is the rendered shard, cut to fit when Truncated.
	Content string `json:"content"`
}

// Truncation records an item that was cut or left out.
type Truncation struct {
	ShardID          string        `json:"shard_id"`
	RelationshipType string        `json:"relationship_type"`
	Depth            int           `json:"depth"`
	Required         bool          `json:"required"`
	Reason           budget.Reason `json:"reason"`
	Action           budget.Action `json:"action"`
	EstimatedTokens  int           `json:"estimated_tokens"`
}

// Result is the outcome of a traversal.
type Result struct {
	Items      []Item
	Truncated  []Truncation
	TokensUsed int
	Budget     int

	// Exhausted is set once the budget stopped optional inclusion.
	Exhausted bool

	// Visited lists the root followed by every included shard id.
	Visited []string

	// MatchedEdges counts edges that passed filters, per relationship type.
	MatchedEdges map[string]int

	// Warnings are non-fatal problems (store errors, required truncation).
	Warnings []string
}

// RequiredCoverage returns the fraction of required relationship types that
// produced at least one item.
func (r *Result) RequiredCoverage(configs []template.RelationshipConfig) float64 {
	total, present := 0, 0
	have := make(map[string]bool)
	for _, it := range r.Items {
		have[it.RelationshipType] = true
	}
	for _, c := range configs {
		if !c.Required {
			continue
		}
		total++
		if have[c.RelationshipType] {
			present++
		}
	}
	if total == 0 {
		return 1
	}
	return float64(present) / float64(total)
}

// Engine walks relationship graphs.
//
// Thread Safety: Safe for concurrent use. Each Traverse call has its own
// visited set and accounting.
type Engine struct {
	store   shard.Store
	est     budget.Estimator
	workers int
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers sets the shard fetch concurrency.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithEstimator sets the token estimator.
func WithEstimator(est budget.Estimator) Option {
	return func(e *Engine) {
		if est != nil {
			e.est = est
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

// WithClock overrides the time source used by date filters.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine over store.
func NewEngine(store shard.Store, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		est:     budget.HeuristicEstimator{},
		workers: DefaultWorkers,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Request carries per-call inputs beyond the configs and budget.
type Request struct {
	// Fields controls how each shard is rendered.
	Fields template.FieldSelection

	// TimeRange restricts targets by update time.
	TimeRange shard.TimeRange

	// MaxItems caps the number of items. Zero is unlimited.
	MaxItems int
}

// RequestOption adjusts a Request.
type RequestOption func(*Request)

// WithFieldSelection sets the field selection used to render items.
func WithFieldSelection(fs template.FieldSelection) RequestOption {
	return func(r *Request) { r.Fields = fs }
}

// WithTimeRange restricts targets by update time.
func WithTimeRange(tr shard.TimeRange) RequestOption {
	return func(r *Request) { r.TimeRange = tr }
}

// WithMaxItems caps the number of returned items.
func WithMaxItems(n int) RequestOption {
	return func(r *Request) { r.MaxItems = n }
}

// run holds the mutable state of one traversal.
type run struct {
	req     Request
	visited *visitedSet

	mu     sync.Mutex
	result *Result
}

func (r *run) remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result.Budget - r.result.TokensUsed
}

func (r *run) exhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result.Exhausted
}

func (r *run) itemCapReached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.req.MaxItems > 0 && len(r.result.Items) >= r.req.MaxItems
}

// include appends item and forgets earlier drop records for its shard.
// Callers hold r.mu.
func (r *run) include(item Item) {
	r.result.Items = append(r.result.Items, item)
	kept := r.result.Truncated[:0]
	for _, t := range r.result.Truncated {
		if t.ShardID == item.Shard.ID && t.Action == budget.ActionDropped {
			continue
		}
		kept = append(kept, t)
	}
	r.result.Truncated = kept
}

func (r *run) warn(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.Warnings = append(r.result.Warnings, fmt.Sprintf(format, args...))
}

// Traverse walks configs from root within tokenBudget.
//
// Description:
//
//	Configs are processed in priority order (descending, ties by
//	relationship type). For each config, edges are fetched from the
//	store, filtered on edge metadata, deduplicated against the shared
//	visited set (root pre-marked) and capped at MaxCount. Targets that a
//	config fetches but does not include are released from the visited
//	set, so a later required config can still include them. Target shards
//	of one level are fetched concurrently by a bounded pool and accounted
//	in edge order:
//
//	  - an item that fits is included
//	  - a required item that does not fit is cut to the remaining budget
//	    and included; optional inclusion stops from then on
//	  - an optional item that does not fit stops optional inclusion; it
//	    and every remaining candidate of the config are recorded with
//	    reason "budget", and their in-flight fetches are cancelled
//
//	After a config's level is accounted, each included item is walked one
//	level deeper with the same config while depth allows and budget
//	remains. Exhaustion is never an error.
//
// Inputs:
//
//	ctx - Request context; its deadline bounds all store calls.
//	root - The primary shard. Must not be nil.
//	configs - Relationship configs from the template.
//	tokenBudget - Token budget for related items.
//	opts - Per-call options.
//
// Outputs:
//
//	*Result - Items and truncation records.
//	error - Only shard.ErrStoreUnavailable (wrapped) or ctx errors.
func (e *Engine) Traverse(ctx context.Context, root *shard.Shard, configs []template.RelationshipConfig, tokenBudget int, opts ...RequestOption) (*Result, error) {
	if root == nil {
		return nil, errors.New("traversal root is nil")
	}
	ctx, span := tracer.Start(ctx, "traversal.Traverse")
	defer span.End()

	var req Request
	for _, opt := range opts {
		opt(&req)
	}
	if tokenBudget < 0 {
		tokenBudget = 0
	}

	r := &run{
		req:     req,
		visited: newVisitedSet(),
		result:  &Result{Budget: tokenBudget, MatchedEdges: make(map[string]int)},
	}
	r.visited.claim(root.ID)

	sorted := sortConfigs(configs)
	for i := range sorted {
		if err := e.walk(ctx, r, root, &sorted[i], 1); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	r.result.Visited = r.visited.list()
	span.SetAttributes(
		attribute.Int("traversal.items", len(r.result.Items)),
		attribute.Int("traversal.tokens_used", r.result.TokensUsed),
		attribute.Int("traversal.truncated", len(r.result.Truncated)),
		attribute.Bool("traversal.exhausted", r.result.Exhausted),
	)
	return r.result, nil
}

// sortConfigs orders configs by priority descending, then relationship type.
func sortConfigs(configs []template.RelationshipConfig) []template.RelationshipConfig {
	out := append([]template.RelationshipConfig(nil), configs...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].RelationshipType < out[j].RelationshipType
	})
	return out
}

// candidate is an edge target awaiting fetch.
type candidate struct {
	edge shard.Edge
}

// fetched is the outcome of one shard fetch.
type fetched struct {
	done  chan struct{}
	shard *shard.Shard
	err   error
}

// walk processes one config at one depth from parent.
func (e *Engine) walk(ctx context.Context, r *run, parent *shard.Shard, cfg *template.RelationshipConfig, depth int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if depth > cfg.Depth || depth > template.MaxDepth {
		return nil
	}
	if !cfg.Required && (r.exhausted() || r.itemCapReached()) {
		return nil
	}

	edges, err := e.store.GetRelationships(ctx, parent.ID, cfg.RelationshipType, cfg.EffectiveDirection())
	if err != nil {
		if errors.Is(err, shard.ErrStoreUnavailable) {
			return fmt.Errorf("fetch %s edges of %s: %w", cfg.RelationshipType, parent.ID, err)
		}
		e.logger.Warn("relationship lookup failed",
			slog.String("shard_id", parent.ID),
			slog.String("relationship", cfg.RelationshipType),
			slog.String("error", err.Error()))
		r.warn("relationship %s of %s unavailable: %v", cfg.RelationshipType, parent.ID, err)
		return nil
	}

	cands := e.selectCandidates(r, edges, cfg)
	if len(cands) == 0 {
		return nil
	}

	included, err := e.fetchAndAccount(ctx, r, parent, cfg, depth, cands)
	if err != nil {
		return err
	}

	if depth >= cfg.Depth {
		return nil
	}
	for _, child := range included {
		if r.remaining() <= 0 {
			break
		}
		if err := e.walk(ctx, r, child, cfg, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// selectCandidates filters edges, claims unvisited targets and caps at MaxCount.
func (e *Engine) selectCandidates(r *run, edges []shard.Edge, cfg *template.RelationshipConfig) []candidate {
	now := e.now()
	var out []candidate
	for _, edge := range edges {
		if cfg.MaxCount > 0 && len(out) >= cfg.MaxCount {
			break
		}
		if !passesFilters(edge, cfg, r.req.TimeRange, now) {
			continue
		}
		if r.visited.has(edge.TargetID) {
			continue
		}
		r.mu.Lock()
		r.result.MatchedEdges[cfg.RelationshipType]++
		r.mu.Unlock()
		if !r.visited.claim(edge.TargetID) {
			continue
		}
		out = append(out, candidate{edge: edge})
	}
	return out
}

// fetchAndAccount fetches candidate shards concurrently and accounts them
// in candidate order. It returns the shards that were included.
func (e *Engine) fetchAndAccount(ctx context.Context, r *run, parent *shard.Shard, cfg *template.RelationshipConfig, depth int, cands []candidate) ([]*shard.Shard, error) {
	fetchCtx, cancelFetches := context.WithCancel(ctx)

	slots := make([]*fetched, len(cands))
	for i := range slots {
		slots[i] = &fetched{done: make(chan struct{})}
	}

	var g errgroup.Group
	g.SetLimit(e.workers)
	launched := make(chan struct{})
	go func() {
		defer close(launched)
		for i := range cands {
			slot, id := slots[i], cands[i].edge.TargetID
			g.Go(func() error {
				defer close(slot.done)
				if err := fetchCtx.Err(); err != nil {
					slot.err = err
					return nil
				}
				slot.shard, slot.err = e.store.GetShard(fetchCtx, id)
				return nil
			})
		}
	}()
	defer func() {
		cancelFetches()
		<-launched
		_ = g.Wait()
	}()

	var included []*shard.Shard
	kept := make(map[string]bool, len(cands))
	defer func() {
		for _, c := range cands {
			if !kept[c.edge.TargetID] {
				r.visited.release(c.edge.TargetID)
			}
		}
	}()
	sel := format.SelectionFor(r.req.Fields, cfg)
	stopped := false

	for i, slot := range slots {
		cand := cands[i]
		if stopped {
			e.recordDrop(r, cand.edge.TargetID, cfg, depth, 0)
			continue
		}
		select {
		case <-slot.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if slot.err != nil {
			if errors.Is(slot.err, shard.ErrStoreUnavailable) {
				return nil, fmt.Errorf("fetch shard %s: %w", cand.edge.TargetID, slot.err)
			}
			if !errors.Is(slot.err, shard.ErrShardNotFound) && ctx.Err() == nil {
				r.warn("shard %s unavailable: %v", cand.edge.TargetID, slot.err)
			}
			continue
		}
		s := slot.shard
		if cfg.TargetShardType != "" && s.ShardTypeID != cfg.TargetShardType {
			continue
		}

		content := format.RenderShard(s, sel)
		tokens := e.est.Estimate(content)
		item := Item{
			Shard:            s,
			RelationshipType: cfg.RelationshipType,
			ParentID:         parent.ID,
			Depth:            depth,
			Priority:         cfg.Priority,
			EstimatedTokens:  tokens,
			Required:         cfg.Required,
			Content:          content,
		}

		r.mu.Lock()
		remaining := r.result.Budget - r.result.TokensUsed
		capped := r.req.MaxItems > 0 && len(r.result.Items) >= r.req.MaxItems
		switch {
		case !cfg.Required && (r.result.Exhausted || capped):
			stopped = true
		case tokens <= remaining:
			r.include(item)
			r.result.TokensUsed += tokens
			included = append(included, s)
			kept[s.ID] = true
		case cfg.Required:
			if remaining < 0 {
				remaining = 0
			}
			item.Content = budget.TruncateText(content, remaining, e.est)
			item.EstimatedTokens = e.est.Estimate(item.Content)
			if item.EstimatedTokens > remaining {
				item.Content, item.EstimatedTokens = "", 0
			}
			item.Truncated = true
			r.include(item)
			r.result.TokensUsed += item.EstimatedTokens
			r.result.Exhausted = true
			r.result.Truncated = append(r.result.Truncated, Truncation{
				ShardID: s.ID, RelationshipType: cfg.RelationshipType, Depth: depth, Required: true,
				Reason: budget.ReasonBudget, Action: budget.ActionTruncated, EstimatedTokens: tokens,
			})
			r.result.Warnings = append(r.result.Warnings,
				fmt.Sprintf(RequiredWarningPrefix+"%s item %s truncated from %d to %d tokens", cfg.RelationshipType, s.ID, tokens, item.EstimatedTokens))
			included = append(included, s)
			kept[s.ID] = true
		default:
			r.result.Exhausted = true
			stopped = true
		}
		r.mu.Unlock()

		if stopped {
			cancelFetches()
			e.recordDrop(r, s.ID, cfg, depth, tokens)
		}
	}

	if stopped {
		e.logger.Debug("traversal budget exhausted",
			slog.String("relationship", cfg.RelationshipType),
			slog.Int("depth", depth),
			slog.Int("budget", r.result.Budget))
	}
	return included, nil
}

func (e *Engine) recordDrop(r *run, id string, cfg *template.RelationshipConfig, depth, tokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.Truncated = append(r.result.Truncated, Truncation{
		ShardID: id, RelationshipType: cfg.RelationshipType, Depth: depth,
		Reason: budget.ReasonBudget, Action: budget.ActionDropped, EstimatedTokens: tokens,
	})
}

// passesFilters evaluates a config's filters against edge metadata.
// Date filters exclude targets with an unknown update time.
func passesFilters(edge shard.Edge, cfg *template.RelationshipConfig, tr shard.TimeRange, now time.Time) bool {
	if cfg.TargetShardType != "" && edge.TargetShardType != "" && edge.TargetShardType != cfg.TargetShardType {
		return false
	}
	f := cfg.Filters
	if len(f.Statuses) > 0 && !containsFold(f.Statuses, edge.TargetStatus) {
		return false
	}
	if len(f.ExcludeStatuses) > 0 && containsFold(f.ExcludeStatuses, edge.TargetStatus) {
		return false
	}
	if len(f.Tags) > 0 {
		match := false
		for _, t := range edge.TargetTags {
			if containsFold(f.Tags, t) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	updated := edge.TargetUpdatedAt
	if f.UpdatedWithin > 0 || !f.UpdatedAfter.IsZero() || !f.UpdatedBefore.IsZero() {
		if updated.IsZero() {
			return false
		}
		if f.UpdatedWithin > 0 && now.Sub(updated) > f.UpdatedWithin {
			return false
		}
		if !f.UpdatedAfter.IsZero() && updated.Before(f.UpdatedAfter) {
			return false
		}
		if !f.UpdatedBefore.IsZero() && updated.After(f.UpdatedBefore) {
			return false
		}
	}
	if !tr.IsZero() && !updated.IsZero() && !tr.Contains(updated) {
		return false
	}
	return true
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
