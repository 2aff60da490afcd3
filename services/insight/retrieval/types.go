// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval runs vector, keyword and graph retrieval for a query
// and fuses their ranked lists into one list of text chunks.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianInsight/services/insight/shard"
	"github.com/AleutianAI/AleutianInsight/services/insight/template"
)

var (
	// ErrRetrievalTimeout marks a method that exceeded its time slice. The
	// method is left out of fusion.
	ErrRetrievalTimeout = errors.New("retrieval method timed out")

	// ErrIndexUnavailable marks an index whose backing service is down.
	// Fatal only when every enabled method reports it.
	ErrIndexUnavailable = errors.New("retrieval index unavailable")
)

// Method identifies a retrieval method.
type Method = template.RetrievalMethod

// Chunk is one retrieved piece of shard text.
type Chunk struct {
	ID           string    `json:"id"`
	ShardID      string    `json:"shard_id"`
	ShardTypeID  string    `json:"shard_type_id"`
	ShardName    string    `json:"shard_name,omitempty"`
	Content      string    `json:"content"`
	ChunkIndex   int       `json:"chunk_index"`
	Score        float64   `json:"score"`
	TokenCount   int       `json:"token_count"`
	EmbeddingRef string    `json:"embedding_ref,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`

	// Scope keys used by filters.
	TenantID  string `json:"-"`
	ProjectID string `json:"-"`
	CompanyID string `json:"-"`

	// Methods holds the native score from each method that returned the
	// chunk. Filled by fusion.
	Methods map[Method]float64 `json:"methods,omitempty"`
}

// Key identifies a chunk for deduplication.
func (c Chunk) Key() string {
	return fmt.Sprintf("%s#%d", c.ShardID, c.ChunkIndex)
}

// Filters restrict a search to a tenant and scope.
type Filters struct {
	TenantID   string
	ProjectID  string
	CompanyID  string
	ShardTypes []string
	TimeRange  shard.TimeRange
}

// FiltersFor builds filters from a scope and RAG config.
func FiltersFor(scope shard.Scope, cfg template.RAGConfig) Filters {
	return Filters{
		TenantID:   scope.TenantID,
		ProjectID:  scope.ProjectID,
		CompanyID:  scope.CompanyID,
		ShardTypes: cfg.ShardTypes,
		TimeRange:  scope.TimeRange,
	}
}

// Match reports whether c passes f.
func (f Filters) Match(c *Chunk) bool {
	if f.TenantID != "" && c.TenantID != f.TenantID {
		return false
	}
	if f.ProjectID != "" && c.ProjectID != f.ProjectID && c.ShardID != f.ProjectID {
		return false
	}
	if f.CompanyID != "" && c.CompanyID != f.CompanyID && c.ShardID != f.CompanyID {
		return false
	}
	if len(f.ShardTypes) > 0 {
		ok := false
		for _, t := range f.ShardTypes {
			if t == c.ShardTypeID {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.TimeRange.IsZero() && !c.UpdatedAt.IsZero() && !f.TimeRange.Contains(c.UpdatedAt) {
		return false
	}
	return true
}

// VectorIndex is a nearest-neighbour index over chunk embeddings.
type VectorIndex interface {
	Search(ctx context.Context, vector []float32, topK int, minScore float64, f Filters) ([]Chunk, error)
}

// KeywordSearcher is a lexical search over chunk text.
type KeywordSearcher interface {
	Search(ctx context.Context, query string, topK int, f Filters) ([]Chunk, error)
}

// Query is one retrieval request.
type Query struct {
	Text  string
	Scope shard.Scope

	// GraphShards are the traversal results, in traversal order.
	GraphShards []*shard.Shard

	// GraphSource supplies the traversal results when they are produced
	// concurrently with retrieval. The graph method blocks on it under its
	// own timeout. GraphShards is ignored when GraphSource is set.
	GraphSource func(ctx context.Context) ([]*shard.Shard, error)
}

// RankedList is the fused retrieval output.
type RankedList struct {
	Chunks   []Chunk                 `json:"chunks"`
	Strategy template.FusionStrategy `json:"strategy"`

	// Counts is the number of results each method contributed before fusion.
	Counts map[Method]int `json:"counts"`

	// Degraded maps each failed method to its error text.
	Degraded map[Method]string `json:"degraded,omitempty"`
}

// IsDegraded reports whether any method failed.
func (r *RankedList) IsDegraded() bool {
	return len(r.Degraded) > 0
}
