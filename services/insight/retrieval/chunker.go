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
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianInsight/services/insight/budget"
	"github.com/AleutianAI/AleutianInsight/services/insight/shard"
	"github.com/tmc/langchaingo/textsplitter"
)

const (
	DefaultChunkSize    = 800
	DefaultChunkOverlap = 100
)

var defaultSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// Chunker splits shard content into overlapping chunks.
type Chunker struct {
	splitter textsplitter.TextSplitter
	est      budget.Estimator
}

// NewChunker creates a chunker. Sizes are in characters; non-positive
// values use the defaults.
func NewChunker(size, overlap int, est budget.Estimator) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
	}
	if est == nil {
		est = budget.HeuristicEstimator{}
	}
	return &Chunker{
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(size),
			textsplitter.WithChunkOverlap(overlap),
			textsplitter.WithSeparators(defaultSeparators),
		),
		est: est,
	}
}

// Split chunks s.Content. A shard with no content yields no chunks.
func (c *Chunker) Split(s *shard.Shard) []Chunk {
	text := strings.TrimSpace(s.Content)
	if text == "" {
		return nil
	}
	parts, err := c.splitter.SplitText(text)
	if err != nil || len(parts) == 0 {
		parts = []string{text}
	}
	out := make([]Chunk, 0, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, Chunk{
			ID:          fmt.Sprintf("%s#%d", s.ID, i),
			ShardID:     s.ID,
			ShardTypeID: s.ShardTypeID,
			ShardName:   s.Name,
			Content:     p,
			ChunkIndex:  i,
			TokenCount:  c.est.Estimate(p),
			UpdatedAt:   s.UpdatedAt,
			TenantID:    s.TenantID,
			ProjectID:   s.ProjectID,
			CompanyID:   s.CompanyID,
		})
	}
	return out
}
