// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package assembly builds the LLM context for an insight request: it
// resolves the template, walks relationships, runs hybrid retrieval, ranks
// and budgets the results and formats them with a source map.
package assembly

import (
	"errors"
	"time"

	"github.com/AleutianAI/AleutianInsight/services/insight/budget"
	"github.com/AleutianAI/AleutianInsight/services/insight/format"
	"github.com/AleutianAI/AleutianInsight/services/insight/retrieval"
	"github.com/AleutianAI/AleutianInsight/services/insight/shard"
	"github.com/AleutianAI/AleutianInsight/services/insight/template"
	"github.com/AleutianAI/AleutianInsight/services/insight/traversal"
)

// -----------------------------------------------------------------------------
// Errors and warnings
// -----------------------------------------------------------------------------

var (
	// ErrRequiredItemTruncated marks a required item that had to be cut to
	// fit its section. It is surfaced as a warning, never returned.
	ErrRequiredItemTruncated = errors.New("required item truncated")

	// ErrPrimaryNotFound is returned when the scope names a primary shard
	// that does not resolve.
	ErrPrimaryNotFound = errors.New("primary shard not found")
)

// Warning codes.
const (
	CodeRequiredTruncated = "required_item_truncated"
	CodeTemplateNotFound  = "template_not_found"
	CodeRetrievalDegraded = "retrieval_degraded"
	CodeBudgetExceeded    = "token_budget_exceeded"
	CodeTraversalPartial  = "traversal_partial"
)

// Warning is a non-fatal problem found while assembling.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// -----------------------------------------------------------------------------
// Request options
// -----------------------------------------------------------------------------

// Options are the per-request knobs of AssembleContext.
type Options struct {
	// MaxTokens is the model context window. Zero uses the scope's
	// MaxTokens, then the assembler default.
	MaxTokens int

	// IncludeRAG enables hybrid retrieval when the template allows it.
	IncludeRAG bool

	InsightType    string
	InsightSubtype string
	AssistantID    string

	// Model names the target model for token accounting.
	Model string
}

// -----------------------------------------------------------------------------
// Result
// -----------------------------------------------------------------------------

// TokenUsage reports tokens per section against the allocation.
type TokenUsage struct {
	// PerSection is the content accounted against each section budget.
	PerSection map[budget.Section]int `json:"per_section"`
	Total      int                    `json:"total"`

	// Formatted is the size of the rendered text including headings and
	// reference markers.
	Formatted int           `json:"formatted"`
	Budget    budget.Budget `json:"budget"`
}

// TruncatedItem documents an item that was cut or left out.
type TruncatedItem struct {
	ID               string         `json:"id"`
	ShardID          string         `json:"shard_id"`
	Section          budget.Section `json:"section"`
	RelationshipType string         `json:"relationship_type,omitempty"`
	Reason           budget.Reason  `json:"reason"`
	Action           budget.Action  `json:"action"`
	Required         bool           `json:"required"`
	OriginalTokens   int            `json:"original_tokens"`
	KeptTokens       int            `json:"kept_tokens"`
}

// QualityMetrics summarize how well the context covers the request.
type QualityMetrics struct {
	// RequiredCoverage is the share of required relationships present.
	RequiredCoverage float64 `json:"required_coverage"`

	// AverageRelevance is the mean query relevance of related items.
	AverageRelevance float64 `json:"average_relevance"`

	// AverageRecency is the mean recency score of all included shards.
	AverageRecency float64 `json:"average_recency"`

	RAGChunks    int `json:"rag_chunks"`
	RelatedItems int `json:"related_items"`

	// TruncationRatio is truncated / (included + truncated) items.
	TruncationRatio float64 `json:"truncation_ratio"`
}

// Completeness folds coverage and truncation into one [0,1] value.
func (q QualityMetrics) Completeness() float64 {
	c := q.RequiredCoverage * (1 - 0.5*q.TruncationRatio)
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

// AssembledContext is the output of AssembleContext. It is request scoped
// and never modified after it is returned.
type AssembledContext struct {
	ID             string                         `json:"id"`
	Fingerprint    string                         `json:"fingerprint"`
	TemplateID     string                         `json:"template_id"`
	TemplateSource template.Source                `json:"template_source"`
	Query          string                         `json:"query"`
	Scope          shard.Scope                    `json:"scope"`
	PrimaryShard   *shard.Shard                   `json:"primary_shard,omitempty"`
	RelatedItems   []traversal.Item               `json:"related_items"`
	RAGChunks      []retrieval.Chunk              `json:"rag_chunks"`
	Sections       []format.Section               `json:"sections"`
	TokenUsage     TokenUsage                     `json:"token_usage"`
	SourceMap      map[int]format.SourceReference `json:"source_map"`
	TruncatedItems []TruncatedItem                `json:"truncated_items"`
	Warnings       []Warning                      `json:"warnings"`
	Quality        QualityMetrics                 `json:"quality"`
	Formatted      string                         `json:"formatted"`
	CreatedAt      time.Time                      `json:"created_at"`

	// RetrievalDegraded maps each failed retrieval method to its error.
	RetrievalDegraded map[retrieval.Method]string `json:"retrieval_degraded,omitempty"`
}

// HasWarning reports whether a warning with code was raised.
func (a *AssembledContext) HasWarning(code string) bool {
	for _, w := range a.Warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}
