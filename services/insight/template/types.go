// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package template defines context templates and resolves which template
// applies to an insight request.
//
// A context template declares which relationships to walk from the primary
// shard, which fields to keep, how to retrieve unstructured text, how to
// split the token budget and how to order the result. Templates are
// immutable once loaded; the resolver hands out shared pointers and never
// mutates them.
package template

import (
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianInsight/services/insight/shard"
)

// ErrTemplateNotFound is returned by repositories for unknown ids. The
// resolver never surfaces it: the system fallback always resolves.
var ErrTemplateNotFound = errors.New("context template not found")

// ErrInvalidTemplate is returned by Validate.
var ErrInvalidTemplate = errors.New("invalid context template")

// MaxDepth is the deepest relationship traversal a template may request.
const MaxDepth = 3

// -----------------------------------------------------------------------------
// Enums
// -----------------------------------------------------------------------------

// FusionStrategy selects how hybrid retrieval lists are combined.
type FusionStrategy string

const (
	// FusionRRF is reciprocal rank fusion.
	FusionRRF FusionStrategy = "rrf"

	// FusionWeighted is a weighted sum of per-method scores.
	FusionWeighted FusionStrategy = "weighted"

	// FusionCascade tries methods in order until enough results exist.
	FusionCascade FusionStrategy = "cascade"
)

// RetrievalMethod names one retrieval signal.
type RetrievalMethod string

const (
	MethodVector  RetrievalMethod = "vector"
	MethodKeyword RetrievalMethod = "keyword"
	MethodGraph   RetrievalMethod = "graph"
)

// TransformKind names a field transform strategy.
type TransformKind string

const (
	TransformTruncate  TransformKind = "truncate"
	TransformSummarize TransformKind = "summarize"
	TransformExtract   TransformKind = "extract"
	TransformFormat    TransformKind = "format"
)

// SortKey selects the primary ordering of related items.
type SortKey string

const (
	SortPriority   SortKey = "priority"
	SortRelevance  SortKey = "relevance"
	SortRecency    SortKey = "recency"
	SortImportance SortKey = "importance"
	SortScore      SortKey = "score"
)

// -----------------------------------------------------------------------------
// Relationship configuration
// -----------------------------------------------------------------------------

// RelationshipFilters restrict which edges are followed. They are evaluated
// against edge metadata before the far-side shard is fetched.
type RelationshipFilters struct {
	// Statuses keeps only targets whose status is in the list.
	Statuses []string `json:"statuses,omitempty" yaml:"statuses,omitempty"`

	// ExcludeStatuses drops targets whose status is in the list.
	ExcludeStatuses []string `json:"exclude_statuses,omitempty" yaml:"exclude_statuses,omitempty"`

	// Tags keeps only targets carrying at least one of the tags.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// UpdatedWithin keeps only targets updated within this window of now.
	UpdatedWithin time.Duration `json:"updated_within,omitempty" yaml:"updated_within,omitempty"`

	// UpdatedAfter and UpdatedBefore bound the target update time.
	UpdatedAfter  time.Time `json:"updated_after,omitempty" yaml:"updated_after,omitempty"`
	UpdatedBefore time.Time `json:"updated_before,omitempty" yaml:"updated_before,omitempty"`
}

// IsZero reports whether no filter is set.
func (f RelationshipFilters) IsZero() bool {
	return len(f.Statuses) == 0 && len(f.ExcludeStatuses) == 0 && len(f.Tags) == 0 &&
		f.UpdatedWithin == 0 && f.UpdatedAfter.IsZero() && f.UpdatedBefore.IsZero()
}

// RelationshipConfig declares one relationship to walk from the primary shard.
type RelationshipConfig struct {
	RelationshipType string              `json:"relationship_type" yaml:"relationship_type"`
	TargetShardType  string              `json:"target_shard_type,omitempty" yaml:"target_shard_type,omitempty"`
	Direction        shard.Direction     `json:"direction" yaml:"direction"`
	Depth            int                 `json:"depth" yaml:"depth"`
	MaxCount         int                 `json:"max_count,omitempty" yaml:"max_count,omitempty"`
	Filters          RelationshipFilters `json:"filters,omitempty" yaml:"filters,omitempty"`
	Priority         int                 `json:"priority" yaml:"priority"`
	Required         bool                `json:"required" yaml:"required"`
	IncludeFields    []string            `json:"include_fields,omitempty" yaml:"include_fields,omitempty"`
	ExcludeFields    []string            `json:"exclude_fields,omitempty" yaml:"exclude_fields,omitempty"`
}

// Validate enforces depth ∈ [1,3], priority ∈ [0,100] and a known direction.
func (c RelationshipConfig) Validate() error {
	if c.Depth < 1 || c.Depth > MaxDepth {
		return fmt.Errorf("%w: relationship %q depth %d outside [1,%d]", ErrInvalidTemplate, c.RelationshipType, c.Depth, MaxDepth)
	}
	if c.Priority < 0 || c.Priority > 100 {
		return fmt.Errorf("%w: relationship %q priority %d outside [0,100]", ErrInvalidTemplate, c.RelationshipType, c.Priority)
	}
	if c.Direction != "" && !c.Direction.Valid() {
		return fmt.Errorf("%w: relationship %q direction %q", ErrInvalidTemplate, c.RelationshipType, c.Direction)
	}
	if c.MaxCount < 0 {
		return fmt.Errorf("%w: relationship %q negative max_count", ErrInvalidTemplate, c.RelationshipType)
	}
	return nil
}

// EffectiveDirection returns Direction, defaulting to outgoing.
func (c RelationshipConfig) EffectiveDirection() shard.Direction {
	if c.Direction == "" {
		return shard.DirectionOutgoing
	}
	return c.Direction
}

// -----------------------------------------------------------------------------
// Field selection
// -----------------------------------------------------------------------------

// FieldTransform applies a named transform to one field at format time.
type FieldTransform struct {
	Field  string         `json:"field" yaml:"field"`
	Kind   TransformKind  `json:"kind" yaml:"kind"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// FieldSelection controls which structured fields are rendered.
type FieldSelection struct {
	IncludeFields []string         `json:"include_fields,omitempty" yaml:"include_fields,omitempty"`
	ExcludeFields []string         `json:"exclude_fields,omitempty" yaml:"exclude_fields,omitempty"`
	Transforms    []FieldTransform `json:"transforms,omitempty" yaml:"transforms,omitempty"`
}

// -----------------------------------------------------------------------------
// Retrieval configuration
// -----------------------------------------------------------------------------

// RAGConfig configures hybrid retrieval for a template.
type RAGConfig struct {
	Enabled  bool    `json:"enabled" yaml:"enabled"`
	TopK     int     `json:"top_k" yaml:"top_k"`
	MinScore float64 `json:"min_score" yaml:"min_score"`

	Fusion FusionStrategy `json:"fusion" yaml:"fusion"`
	RRFK   int            `json:"rrf_k" yaml:"rrf_k"`

	VectorWeight  float64 `json:"vector_weight" yaml:"vector_weight"`
	KeywordWeight float64 `json:"keyword_weight" yaml:"keyword_weight"`
	GraphWeight   float64 `json:"graph_weight" yaml:"graph_weight"`

	CascadeOrder     []RetrievalMethod `json:"cascade_order,omitempty" yaml:"cascade_order,omitempty"`
	CascadeThreshold int               `json:"cascade_threshold" yaml:"cascade_threshold"`

	MaxResults int `json:"max_results" yaml:"max_results"`

	// ShardTypes limits retrieval to chunk-bearing shard types.
	ShardTypes []string `json:"shard_types,omitempty" yaml:"shard_types,omitempty"`

	// DisabledMethods turns individual signals off.
	DisabledMethods []RetrievalMethod `json:"disabled_methods,omitempty" yaml:"disabled_methods,omitempty"`
}

// DefaultRAGConfig returns the retrieval defaults.
func DefaultRAGConfig() RAGConfig {
	return RAGConfig{
		Enabled:          true,
		TopK:             10,
		MinScore:         0.3,
		Fusion:           FusionRRF,
		RRFK:             60,
		VectorWeight:     0.5,
		KeywordWeight:    0.3,
		GraphWeight:      0.2,
		CascadeOrder:     []RetrievalMethod{MethodVector, MethodKeyword, MethodGraph},
		CascadeThreshold: 5,
		MaxResults:       10,
		ShardTypes:       []string{"note", "document", "email", "meeting"},
	}
}

// WithDefaults fills zero-valued numeric settings from DefaultRAGConfig.
func (c RAGConfig) WithDefaults() RAGConfig {
	d := DefaultRAGConfig()
	if c.TopK <= 0 {
		c.TopK = d.TopK
	}
	if c.Fusion == "" {
		c.Fusion = d.Fusion
	}
	if c.RRFK <= 0 {
		c.RRFK = d.RRFK
	}
	if c.VectorWeight == 0 && c.KeywordWeight == 0 && c.GraphWeight == 0 {
		c.VectorWeight, c.KeywordWeight, c.GraphWeight = d.VectorWeight, d.KeywordWeight, d.GraphWeight
	}
	if len(c.CascadeOrder) == 0 {
		c.CascadeOrder = d.CascadeOrder
	}
	if c.CascadeThreshold <= 0 {
		c.CascadeThreshold = d.CascadeThreshold
	}
	if c.MaxResults <= 0 {
		c.MaxResults = d.MaxResults
	}
	if len(c.ShardTypes) == 0 {
		c.ShardTypes = d.ShardTypes
	}
	return c
}

// MethodEnabled reports whether m is not disabled.
func (c RAGConfig) MethodEnabled(m RetrievalMethod) bool {
	for _, d := range c.DisabledMethods {
		if d == m {
			return false
		}
	}
	return true
}

// Weight returns the configured weight for m.
func (c RAGConfig) Weight(m RetrievalMethod) float64 {
	switch m {
	case MethodVector:
		return c.VectorWeight
	case MethodKeyword:
		return c.KeywordWeight
	case MethodGraph:
		return c.GraphWeight
	default:
		return 0
	}
}

// -----------------------------------------------------------------------------
// Token limits, ordering, scoring
// -----------------------------------------------------------------------------

// TokenLimits splits the context window between sections.
type TokenLimits struct {
	ReserveForResponse int `json:"reserve_for_response" yaml:"reserve_for_response"`
	PrimaryPercent     int `json:"primary_percent" yaml:"primary_percent"`
	RelatedPercent     int `json:"related_percent" yaml:"related_percent"`
	RAGPercent         int `json:"rag_percent" yaml:"rag_percent"`
	MetadataPercent    int `json:"metadata_percent" yaml:"metadata_percent"`

	// PerShardLimit caps tokens contributed by any single shard. Zero is unlimited.
	PerShardLimit int `json:"per_shard_limit,omitempty" yaml:"per_shard_limit,omitempty"`

	// FieldLimit caps tokens of any single rendered field. Zero is unlimited.
	FieldLimit int `json:"field_limit,omitempty" yaml:"field_limit,omitempty"`
}

// DefaultTokenLimits returns the 30/40/25/5 split with a 2000 token reserve.
func DefaultTokenLimits() TokenLimits {
	return TokenLimits{
		ReserveForResponse: 2000,
		PrimaryPercent:     30,
		RelatedPercent:     40,
		RAGPercent:         25,
		MetadataPercent:    5,
	}
}

// WithDefaults fills the reserve and, when all are zero, the percentages.
func (l TokenLimits) WithDefaults() TokenLimits {
	d := DefaultTokenLimits()
	if l.ReserveForResponse <= 0 {
		l.ReserveForResponse = d.ReserveForResponse
	}
	if l.PrimaryPercent == 0 && l.RelatedPercent == 0 && l.RAGPercent == 0 && l.MetadataPercent == 0 {
		l.PrimaryPercent, l.RelatedPercent, l.RAGPercent, l.MetadataPercent =
			d.PrimaryPercent, d.RelatedPercent, d.RAGPercent, d.MetadataPercent
	}
	return l
}

// Ordering controls how related items are sorted for output.
type Ordering struct {
	PrimarySort SortKey  `json:"primary_sort" yaml:"primary_sort"`
	GroupBy     string   `json:"group_by,omitempty" yaml:"group_by,omitempty"`
	GroupOrder  []string `json:"group_order,omitempty" yaml:"group_order,omitempty"`
}

// GroupByShardType is the only supported grouping key.
const GroupByShardType = "shard_type"

// ScoringWeights weights the four ranking factors.
type ScoringWeights struct {
	RelationshipPriority float64 `json:"relationship_priority" yaml:"relationship_priority"`
	Relevance            float64 `json:"relevance" yaml:"relevance"`
	Recency              float64 `json:"recency" yaml:"recency"`
	Importance           float64 `json:"importance" yaml:"importance"`
}

// DefaultScoringWeights returns 0.3/0.3/0.2/0.2.
func DefaultScoringWeights() ScoringWeights {
	return ScoringWeights{RelationshipPriority: 0.3, Relevance: 0.3, Recency: 0.2, Importance: 0.2}
}

// IsZero reports whether no weight is set.
func (w ScoringWeights) IsZero() bool {
	return w.RelationshipPriority == 0 && w.Relevance == 0 && w.Recency == 0 && w.Importance == 0
}

// -----------------------------------------------------------------------------
// ContextTemplate
// -----------------------------------------------------------------------------

// ContextTemplate declares how context is assembled for a class of insights.
type ContextTemplate struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Version int    `json:"version" yaml:"version"`

	ApplicableShardTypes   []string `json:"applicable_shard_types,omitempty" yaml:"applicable_shard_types,omitempty"`
	ApplicableInsightTypes []string `json:"applicable_insight_types,omitempty" yaml:"applicable_insight_types,omitempty"`
	InsightSubtypes        []string `json:"insight_subtypes,omitempty" yaml:"insight_subtypes,omitempty"`
	DefaultScope           string   `json:"default_scope,omitempty" yaml:"default_scope,omitempty"`
	AssistantIDs           []string `json:"assistant_ids,omitempty" yaml:"assistant_ids,omitempty"`

	Relationships  []RelationshipConfig `json:"relationships,omitempty" yaml:"relationships,omitempty"`
	FieldSelection FieldSelection       `json:"field_selection,omitempty" yaml:"field_selection,omitempty"`
	RAG            RAGConfig            `json:"rag" yaml:"rag"`
	TokenLimits    TokenLimits          `json:"token_limits" yaml:"token_limits"`
	Ordering       Ordering             `json:"ordering" yaml:"ordering"`
	Scoring        ScoringWeights       `json:"scoring,omitempty" yaml:"scoring,omitempty"`

	IsDefault bool `json:"is_default" yaml:"is_default"`
	IsActive  bool `json:"is_active" yaml:"is_active"`
	IsSystem  bool `json:"is_system" yaml:"is_system"`
}

// Validate checks structural invariants of the template.
func (t *ContextTemplate) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: nil template", ErrInvalidTemplate)
	}
	if t.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidTemplate)
	}
	for _, rc := range t.Relationships {
		if err := rc.Validate(); err != nil {
			return fmt.Errorf("template %s: %w", t.ID, err)
		}
	}
	l := t.TokenLimits
	if l.PrimaryPercent < 0 || l.RelatedPercent < 0 || l.RAGPercent < 0 || l.MetadataPercent < 0 {
		return fmt.Errorf("%w: template %s has negative section percentage", ErrInvalidTemplate, t.ID)
	}
	if sum := l.PrimaryPercent + l.RelatedPercent + l.RAGPercent + l.MetadataPercent; sum > 100 {
		return fmt.Errorf("%w: template %s section percentages sum to %d", ErrInvalidTemplate, t.ID, sum)
	}
	switch t.RAG.Fusion {
	case "", FusionRRF, FusionWeighted, FusionCascade:
	default:
		return fmt.Errorf("%w: template %s unknown fusion %q", ErrInvalidTemplate, t.ID, t.RAG.Fusion)
	}
	for _, tr := range t.FieldSelection.Transforms {
		switch tr.Kind {
		case TransformTruncate, TransformSummarize, TransformExtract, TransformFormat:
		default:
			return fmt.Errorf("%w: template %s unknown transform %q", ErrInvalidTemplate, t.ID, tr.Kind)
		}
	}
	return nil
}

// Weights returns the template scoring weights or the defaults.
func (t *ContextTemplate) Weights() ScoringWeights {
	if t == nil || t.Scoring.IsZero() {
		return DefaultScoringWeights()
	}
	return t.Scoring
}

// RequiredRelationships returns the relationship types marked required.
func (t *ContextTemplate) RequiredRelationships() []string {
	var out []string
	for _, rc := range t.Relationships {
		if rc.Required {
			out = append(out, rc.RelationshipType)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
