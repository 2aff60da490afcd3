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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianInsight/services/insight/grounding"
	"github.com/AleutianAI/AleutianInsight/services/insight/shard"
)

// Fingerprint identifies an assembly request for external caching. Equal
// scope, template, normalized query and options give equal fingerprints.
func Fingerprint(scope shard.Scope, templateID, query string, opts Options) string {
	h := sha256.New()
	stamp := func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format(time.RFC3339Nano)
	}
	fields := []string{
		scope.TenantID,
		scope.ProjectID,
		scope.CompanyID,
		scope.ShardID,
		stamp(scope.TimeRange.From),
		stamp(scope.TimeRange.To),
		fmt.Sprint(scope.MaxShards),
		fmt.Sprint(scope.MaxTokens),
		templateID,
		strings.Join(strings.Fields(strings.ToLower(query)), " "),
		fmt.Sprint(opts.MaxTokens),
		fmt.Sprint(opts.IncludeRAG),
		opts.InsightType,
		opts.InsightSubtype,
		opts.AssistantID,
		opts.Model,
	}
	for _, f := range fields {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Evidence converts the context into grounding evidence.
//
// The primary shard is marked Primary. Related shards become sources with
// their full structured fields; retrieved chunks of shards not already
// present are merged into one source per shard. Completeness comes from
// the quality metrics.
func (a *AssembledContext) Evidence() *grounding.Evidence {
	var sources []grounding.Source
	seen := make(map[string]bool)

	fromShard := func(s *shard.Shard, primary bool) {
		if s == nil || seen[s.ID] {
			return
		}
		seen[s.ID] = true
		sources = append(sources, grounding.Source{
			ShardID:     s.ID,
			ShardName:   s.Name,
			ShardTypeID: s.ShardTypeID,
			Status:      s.Status,
			Fields:      s.Fields,
			Content:     s.Content,
			UpdatedAt:   s.UpdatedAt,
			Primary:     primary,
		})
	}
	fromShard(a.PrimaryShard, true)
	for _, it := range a.RelatedItems {
		fromShard(it.Shard, false)
	}

	chunkSource := make(map[string]int)
	for _, c := range a.RAGChunks {
		if seen[c.ShardID] {
			continue
		}
		if i, ok := chunkSource[c.ShardID]; ok {
			sources[i].Content += "\n" + c.Content
			continue
		}
		chunkSource[c.ShardID] = len(sources)
		name := c.ShardName
		if name == "" {
			name = c.ShardID
		}
		sources = append(sources, grounding.Source{
			ShardID:     c.ShardID,
			ShardName:   name,
			ShardTypeID: c.ShardTypeID,
			Content:     c.Content,
			UpdatedAt:   c.UpdatedAt,
		})
	}

	ev := grounding.NewEvidence(a.Formatted, sources...)
	ev.Completeness = a.Quality.Completeness()
	return ev
}
