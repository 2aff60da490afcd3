// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package template

import (
	"context"
	"log/slog"
	"sort"

	"github.com/AleutianAI/AleutianInsight/services/insight/shard"
)

// Match weights for best-score resolution.
const (
	weightIntent    = 0.4
	weightSubtype   = 0.1
	weightShardType = 0.3
	weightScope     = 0.2

	// minMatchScore must be strictly exceeded for a scored match to win.
	minMatchScore = 0.5
)

// Source records which rule in the priority chain produced a template.
type Source string

const (
	SourceAssistant Source = "assistant_default"
	SourceTarget    Source = "target_shard"
	SourceBestMatch Source = "best_match"
	SourceShardType Source = "shard_type_default"
	SourceSystem    Source = "system_fallback"
)

// Criteria describes the request a template is being resolved for.
type Criteria struct {
	TenantID         string
	InsightType      string
	InsightSubtype   string
	ScopeType        string
	PrimaryShardType string
	AssistantID      string
	TargetShardID    string
}

// Resolution is the outcome of Resolve with the rule that matched.
type Resolution struct {
	Template *ContextTemplate
	Source   Source
	Score    float64
}

// Resolver picks the applicable template through a fixed priority chain.
//
// Thread Safety: Safe for concurrent use.
type Resolver struct {
	repo   Repository
	shards shard.Store
	logger *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithShardStore enables target-shard association lookups.
func WithShardStore(s shard.Store) ResolverOption {
	return func(r *Resolver) { r.shards = s }
}

// WithResolverLogger sets the logger.
func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewResolver creates a resolver over repo. A nil repo resolves everything
// to the system fallback.
func NewResolver(repo Repository, opts ...ResolverOption) *Resolver {
	r := &Resolver{repo: repo, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the template for criteria. It never fails.
func (r *Resolver) Resolve(ctx context.Context, c Criteria) *ContextTemplate {
	return r.ResolveDetailed(ctx, c).Template
}

// ResolveDetailed runs the priority chain and reports which rule matched.
//
// Description:
//
//	First match wins:
//	  1. assistant-specific default applicable to the criteria
//	  2. template associated with the target shard
//	  3. best scoring applicable template, accepted only above 0.5
//	  4. the primary shard type's designated default
//	  5. the built-in system fallback
//
//	Repository and shard store errors are logged and the chain continues.
//	Ties are broken by template id.
func (r *Resolver) ResolveDetailed(ctx context.Context, c Criteria) Resolution {
	candidates := r.activeTemplates(ctx)

	if c.AssistantID != "" {
		for _, t := range candidates {
			if t.IsDefault && contains(t.AssistantIDs, c.AssistantID) && applicable(t, c) {
				return Resolution{Template: t, Source: SourceAssistant, Score: 1}
			}
		}
	}

	if t := r.targetTemplate(ctx, c); t != nil {
		return Resolution{Template: t, Source: SourceTarget, Score: 1}
	}

	var best *ContextTemplate
	bestScore := 0.0
	for _, t := range candidates {
		s := matchScore(t, c)
		if s > bestScore {
			best, bestScore = t, s
		}
	}
	if best != nil && bestScore > minMatchScore {
		return Resolution{Template: best, Source: SourceBestMatch, Score: bestScore}
	}

	if c.PrimaryShardType != "" {
		for _, t := range candidates {
			if t.IsDefault && len(t.AssistantIDs) == 0 && contains(t.ApplicableShardTypes, c.PrimaryShardType) {
				return Resolution{Template: t, Source: SourceShardType}
			}
		}
	}

	r.logger.Debug("template resolution fell back to system default",
		slog.String("insight_type", c.InsightType),
		slog.String("shard_type", c.PrimaryShardType))
	return Resolution{Template: SystemFallback(), Source: SourceSystem}
}

// activeTemplates lists active templates sorted by id.
func (r *Resolver) activeTemplates(ctx context.Context) []*ContextTemplate {
	if r.repo == nil {
		return nil
	}
	all, err := r.repo.List(ctx)
	if err != nil {
		r.logger.Warn("template repository list failed", slog.String("error", err.Error()))
		return nil
	}
	out := make([]*ContextTemplate, 0, len(all))
	for _, t := range all {
		if t != nil && t.IsActive {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// targetTemplate returns the active template the target shard points to.
func (r *Resolver) targetTemplate(ctx context.Context, c Criteria) *ContextTemplate {
	if c.TargetShardID == "" || r.shards == nil || r.repo == nil {
		return nil
	}
	s, err := r.shards.GetShard(ctx, c.TargetShardID)
	if err != nil {
		r.logger.Debug("target shard lookup failed",
			slog.String("shard_id", c.TargetShardID),
			slog.String("error", err.Error()))
		return nil
	}
	if s.TemplateID == "" {
		return nil
	}
	t, err := r.repo.Get(ctx, s.TemplateID)
	if err != nil {
		r.logger.Warn("template associated with target shard not loaded",
			slog.String("shard_id", c.TargetShardID),
			slog.String("template_id", s.TemplateID),
			slog.String("error", err.Error()))
		return nil
	}
	if !t.IsActive {
		return nil
	}
	return t
}

// applicable reports whether t's declared lists admit the criteria.
// Empty lists admit everything.
func applicable(t *ContextTemplate, c Criteria) bool {
	if len(t.ApplicableInsightTypes) > 0 && !contains(t.ApplicableInsightTypes, c.InsightType) {
		return false
	}
	if len(t.ApplicableShardTypes) > 0 && c.PrimaryShardType != "" && !contains(t.ApplicableShardTypes, c.PrimaryShardType) {
		return false
	}
	return true
}

// matchScore is the weighted sum used by best-match resolution.
func matchScore(t *ContextTemplate, c Criteria) float64 {
	score := 0.0
	if c.InsightType != "" && contains(t.ApplicableInsightTypes, c.InsightType) {
		score += weightIntent
		if c.InsightSubtype != "" && contains(t.InsightSubtypes, c.InsightSubtype) {
			score += weightSubtype
		}
	}
	if c.PrimaryShardType != "" && contains(t.ApplicableShardTypes, c.PrimaryShardType) {
		score += weightShardType
	}
	if c.ScopeType != "" && t.DefaultScope == c.ScopeType {
		score += weightScope
	}
	return score
}
