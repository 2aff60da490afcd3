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
	"sort"

	"github.com/AleutianAI/AleutianInsight/services/insight/template"
)

// DefaultRRFK is the RRF rank offset.
const DefaultRRFK = 60

// MethodList is the ranked output of one method.
type MethodList struct {
	Method Method
	Chunks []Chunk
}

// dedupeRanked sorts a method list and keeps the best-scored entry per
// (ShardID, ChunkIndex).
func dedupeRanked(cs []Chunk) []Chunk {
	sorted := append([]Chunk(nil), cs...)
	sortChunks(sorted)
	seen := make(map[string]struct{}, len(sorted))
	out := sorted[:0]
	for _, c := range sorted {
		k := c.Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, c)
	}
	return out
}

// accumulator collects fused scores per chunk key.
type accumulator struct {
	order  []string
	chunks map[string]*Chunk
}

func newAccumulator() *accumulator {
	return &accumulator{chunks: make(map[string]*Chunk)}
}

func (a *accumulator) add(c Chunk, m Method, contribution float64) {
	k := c.Key()
	cur, ok := a.chunks[k]
	if !ok {
		cp := c
		cp.Score = 0
		cp.Methods = make(map[Method]float64)
		a.chunks[k] = &cp
		a.order = append(a.order, k)
		cur = &cp
	}
	if prev, seen := cur.Methods[m]; !seen || c.Score > prev {
		cur.Methods[m] = c.Score
	}
	cur.Score += contribution
}

func (a *accumulator) list() []Chunk {
	out := make([]Chunk, 0, len(a.order))
	for _, k := range a.order {
		out = append(out, *a.chunks[k])
	}
	return out
}

// FuseRRF scores each chunk as the sum over methods of 1/(k + rank), with
// rank starting at 1 in each method's deduplicated list.
func FuseRRF(lists []MethodList, k int) []Chunk {
	if k <= 0 {
		k = DefaultRRFK
	}
	acc := newAccumulator()
	for _, l := range lists {
		for i, c := range dedupeRanked(l.Chunks) {
			acc.add(c, l.Method, 1/float64(k+i+1))
		}
	}
	out := acc.list()
	sortChunks(out)
	return out
}

// FuseWeighted scores each chunk as the weighted sum of its method scores.
// A method missing from weights contributes nothing.
func FuseWeighted(lists []MethodList, weights map[Method]float64) []Chunk {
	acc := newAccumulator()
	for _, l := range lists {
		w := weights[l.Method]
		for _, c := range dedupeRanked(l.Chunks) {
			acc.add(c, l.Method, w*c.Score)
		}
	}
	out := acc.list()
	sortChunks(out)
	return out
}

// FuseCascade concatenates method lists in cascade order. Earlier methods
// rank above later ones; a chunk seen again keeps its first position and
// the higher score.
func FuseCascade(lists []MethodList) []Chunk {
	pos := make(map[string]int)
	var out []Chunk
	for _, l := range lists {
		for _, c := range dedupeRanked(l.Chunks) {
			k := c.Key()
			if i, ok := pos[k]; ok {
				if c.Score > out[i].Score {
					out[i].Score = c.Score
				}
				out[i].Methods[l.Method] = c.Score
				continue
			}
			c.Methods = map[Method]float64{l.Method: c.Score}
			pos[k] = len(out)
			out = append(out, c)
		}
	}
	return out
}

// Fuse applies cfg's strategy and truncates to MaxResults.
func Fuse(lists []MethodList, cfg template.RAGConfig) []Chunk {
	cfg = cfg.WithDefaults()
	var out []Chunk
	switch cfg.Fusion {
	case template.FusionWeighted:
		out = FuseWeighted(lists, map[Method]float64{
			template.MethodVector:  cfg.Weight(template.MethodVector),
			template.MethodKeyword: cfg.Weight(template.MethodKeyword),
			template.MethodGraph:   cfg.Weight(template.MethodGraph),
		})
	case template.FusionCascade:
		out = FuseCascade(orderLists(lists, cfg.CascadeOrder))
	default:
		out = FuseRRF(lists, cfg.RRFK)
	}
	if cfg.MaxResults > 0 && len(out) > cfg.MaxResults {
		out = out[:cfg.MaxResults]
	}
	return out
}

// orderLists returns lists in the given method order; unlisted methods
// follow in their original order.
func orderLists(lists []MethodList, order []Method) []MethodList {
	rank := make(map[Method]int, len(order))
	for i, m := range order {
		rank[m] = i
	}
	out := append([]MethodList(nil), lists...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, iok := rank[out[i].Method]
		rj, jok := rank[out[j].Method]
		switch {
		case iok && jok:
			return ri < rj
		default:
			return iok && !jok
		}
	})
	return out
}
