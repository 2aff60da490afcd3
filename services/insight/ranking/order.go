// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ranking

import (
	"sort"
	"time"

	"github.com/AleutianAI/AleutianInsight/services/insight/template"
)

// Ranked is a scored candidate.
type Ranked struct {
	Candidate
	Score Score
}

func (r Ranked) shardType() string {
	if r.Shard == nil {
		return ""
	}
	return r.Shard.ShardTypeID
}

func (r Ranked) updatedAt() time.Time {
	if r.Shard == nil {
		return time.Time{}
	}
	return r.Shard.UpdatedAt
}

// sortValue returns the value compared for key, higher first.
func (r Ranked) sortValue(key template.SortKey) float64 {
	switch key {
	case template.SortPriority:
		return float64(r.RelationshipPriority)
	case template.SortRelevance:
		return r.Score.Factors.Relevance
	case template.SortRecency:
		t := r.updatedAt()
		if t.IsZero() {
			return 0
		}
		return float64(t.UnixNano())
	case template.SortImportance:
		return r.Score.Factors.Importance
	default:
		return r.Score.Total
	}
}

// Order returns items sorted by o.
//
// Description:
//
//	Items are sorted descending by PrimarySort (score when unset); ties are
//	broken by total score, then ID. When GroupBy is "shard_type", items are
//	first grouped by shard type with GroupOrder types leading in the listed
//	order and the remaining types following by name.
func Order(items []Ranked, o template.Ordering) []Ranked {
	out := append([]Ranked(nil), items...)
	key := o.PrimarySort
	if key == "" {
		key = template.SortScore
	}

	groupRank := func(string) int { return 0 }
	if o.GroupBy == template.GroupByShardType {
		fixed := make(map[string]int, len(o.GroupOrder))
		for i, t := range o.GroupOrder {
			if _, dup := fixed[t]; !dup {
				fixed[t] = i
			}
		}
		groupRank = func(t string) int {
			if i, ok := fixed[t]; ok {
				return i
			}
			return len(fixed)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if o.GroupBy == template.GroupByShardType {
			ga, gb := groupRank(a.shardType()), groupRank(b.shardType())
			if ga != gb {
				return ga < gb
			}
			if a.shardType() != b.shardType() {
				return a.shardType() < b.shardType()
			}
		}
		if va, vb := a.sortValue(key), b.sortValue(key); va != vb {
			return va > vb
		}
		if a.Score.Total != b.Score.Total {
			return a.Score.Total > b.Score.Total
		}
		return a.ID < b.ID
	})
	return out
}

// Rank scores every candidate and orders the result.
func (s *Scorer) Rank(cands []Candidate, intent string, o template.Ordering) []Ranked {
	ranked := make([]Ranked, len(cands))
	for i, c := range cands {
		ranked[i] = Ranked{Candidate: c, Score: s.Score(c, intent)}
	}
	return Order(ranked, o)
}
