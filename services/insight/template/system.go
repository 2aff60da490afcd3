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

import "github.com/AleutianAI/AleutianInsight/services/insight/shard"

// SystemFallbackID is the id of the built-in fallback template.
const SystemFallbackID = "system-default"

var systemFallback = &ContextTemplate{
	ID:      SystemFallbackID,
	Name:    "System default",
	Version: 1,
	Relationships: []RelationshipConfig{
		{
			// Empty type follows every relationship of the primary shard.
			RelationshipType: "",
			Direction:        shard.DirectionBoth,
			Depth:            1,
			MaxCount:         20,
			Priority:         50,
		},
	},
	RAG:         DefaultRAGConfig(),
	TokenLimits: DefaultTokenLimits(),
	Ordering:    Ordering{PrimarySort: SortScore, GroupBy: GroupByShardType},
	Scoring:     DefaultScoringWeights(),
	IsDefault:   true,
	IsActive:    true,
	IsSystem:    true,
}

// SystemFallback returns the built-in template used when nothing else
// matches. The returned value is shared and must not be modified.
func SystemFallback() *ContextTemplate {
	return systemFallback
}
