// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package format renders selected shards and text chunks into the ordered
// sections of an LLM prompt context, and records a source map so that
// generated claims can later be linked back to their evidence.
package format

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianInsight/services/insight/budget"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// SectionKind classifies a formatted section.
type SectionKind string

const (
	KindPrimary  SectionKind = "primary"
	KindRelated  SectionKind = "related"
	KindRAG      SectionKind = "rag"
	KindMetadata SectionKind = "metadata"
)

// Block is one pre-rendered unit of evidence: a shard, a field, or a chunk.
type Block struct {
	ShardID          string
	ShardName        string
	ShardTypeID      string
	FieldPath        string
	RelationshipType string

	// ChunkIndex is the chunk position for RAG blocks, -1 otherwise.
	ChunkIndex int

	Content   string
	Truncated bool
	Required  bool
	Score     float64
	UpdatedAt time.Time
}

// TruncationNote summarizes an item that was cut or left out.
type TruncationNote struct {
	ID     string
	Reason string
	Action string
}

// Input is everything the formatter needs for one response.
type Input struct {
	Primary *Block
	Related []Block
	RAG     []Block

	// GroupOrder fixes the order of related shard-type sections. Types not
	// listed follow in name order.
	GroupOrder []string

	Truncations []TruncationNote
	Warnings    []string

	// MetadataBudget caps the metadata section. Zero means uncapped.
	MetadataBudget int
}

// SourceReference links a reference id in the formatted text to its source.
type SourceReference struct {
	ID          int       `json:"id"`
	ShardID     string    `json:"shard_id"`
	ShardName   string    `json:"shard_name"`
	ShardTypeID string    `json:"shard_type_id"`
	FieldPath   string    `json:"field_path,omitempty"`
	ChunkIndex  int       `json:"chunk_index"`
	UpdatedAt   time.Time `json:"updated_at"`
	Section     string    `json:"section"`

	// Content is the evidence text the reference points at.
	Content string `json:"-"`
}

// Section is one rendered part of the context.
type Section struct {
	Name       string            `json:"name"`
	Title      string            `json:"title"`
	Kind       SectionKind       `json:"kind"`
	Content    string            `json:"content"`
	Tokens     int               `json:"tokens"`
	References []SourceReference `json:"references"`
}

// Formatted is the formatter output.
type Formatted struct {
	Sections  []Section               `json:"sections"`
	SourceMap map[int]SourceReference `json:"source_map"`
	Text      string                  `json:"text"`
	Tokens    int                     `json:"tokens"`
}

// Formatter renders Input into sections.
//
// Thread Safety: Safe for concurrent use; holds no per-call state.
type Formatter struct {
	est   budget.Estimator
	title cases.Caser
}

// NewFormatter creates a formatter. A nil estimator uses the heuristic.
func NewFormatter(est budget.Estimator) *Formatter {
	if est == nil {
		est = budget.HeuristicEstimator{}
	}
	return &Formatter{est: est, title: cases.Title(language.English)}
}

// Format renders in.
//
// Description:
//
//	Produces, in order: the primary section, one related section per shard
//	type (GroupOrder first, then by name), a RAG excerpts section, and a
//	metadata section that is always present. Reference ids increase
//	monotonically across the whole response starting at 1.
func (f *Formatter) Format(in Input) *Formatted {
	out := &Formatted{SourceMap: make(map[int]SourceReference)}
	nextID := 1

	build := func(name, title string, kind SectionKind, blocks []Block) {
		if len(blocks) == 0 {
			return
		}
		sec := Section{Name: name, Title: title, Kind: kind}
		var b strings.Builder
		b.WriteString("## " + title + "\n")
		for _, blk := range blocks {
			ref := SourceReference{
				ID:          nextID,
				ShardID:     blk.ShardID,
				ShardName:   blk.ShardName,
				ShardTypeID: blk.ShardTypeID,
				FieldPath:   blk.FieldPath,
				ChunkIndex:  blk.ChunkIndex,
				UpdatedAt:   blk.UpdatedAt,
				Section:     name,
				Content:     blk.Content,
			}
			nextID++
			sec.References = append(sec.References, ref)
			out.SourceMap[ref.ID] = ref

			fmt.Fprintf(&b, "\n[%d] ", ref.ID)
			if kind == KindRAG {
				fmt.Fprintf(&b, "(%s, excerpt %d) ", blk.ShardName, blk.ChunkIndex+1)
			}
			b.WriteString(blk.Content)
			if blk.Truncated {
				b.WriteString(" [truncated]")
			}
			b.WriteString("\n")
		}
		sec.Content = b.String()
		sec.Tokens = f.est.Estimate(sec.Content)
		out.Sections = append(out.Sections, sec)
	}

	if in.Primary != nil {
		build("primary", "Primary: "+in.Primary.ShardName, KindPrimary, []Block{*in.Primary})
	}

	groups, order := f.groupRelated(in.Related, in.GroupOrder)
	for _, typ := range order {
		build("related:"+typ, "Related "+f.typeTitle(typ), KindRelated, groups[typ])
	}

	build("rag", "Relevant Excerpts", KindRAG, in.RAG)

	meta := f.metadata(in, len(groups))
	out.Sections = append(out.Sections, meta)

	var text strings.Builder
	for i, s := range out.Sections {
		if i > 0 {
			text.WriteString("\n")
		}
		text.WriteString(s.Content)
		out.Tokens += s.Tokens
	}
	out.Text = text.String()
	return out
}

// groupRelated buckets related blocks by shard type, preserving input order
// within a bucket, and returns the bucket order.
func (f *Formatter) groupRelated(blocks []Block, groupOrder []string) (map[string][]Block, []string) {
	groups := make(map[string][]Block)
	for _, b := range blocks {
		typ := b.ShardTypeID
		if typ == "" {
			typ = "other"
		}
		groups[typ] = append(groups[typ], b)
	}
	rank := make(map[string]int, len(groupOrder))
	for i, g := range groupOrder {
		rank[g] = i
	}
	order := make([]string, 0, len(groups))
	for typ := range groups {
		order = append(order, typ)
	}
	sort.Slice(order, func(i, j int) bool {
		ri, iok := rank[order[i]]
		rj, jok := rank[order[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return order[i] < order[j]
		}
	})
	return groups, order
}

func (f *Formatter) typeTitle(typ string) string {
	return f.title.String(strings.ReplaceAll(typ, "_", " "))
}

// metadata builds the always-present metadata section.
func (f *Formatter) metadata(in Input, relatedTypes int) Section {
	var b strings.Builder
	b.WriteString("## Context Metadata\n")
	primary := 0
	if in.Primary != nil {
		primary = 1
	}
	fmt.Fprintf(&b, "- primary shards: %d\n", primary)
	fmt.Fprintf(&b, "- related items: %d across %d types\n", len(in.Related), relatedTypes)
	fmt.Fprintf(&b, "- text excerpts: %d\n", len(in.RAG))

	if n := len(in.Truncations); n > 0 {
		reasons := make(map[string]int)
		for _, t := range in.Truncations {
			reasons[t.Reason+"/"+t.Action]++
		}
		keys := make([]string, 0, len(reasons))
		for k := range reasons {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%d", k, reasons[k]))
		}
		fmt.Fprintf(&b, "- warning: %d items truncated or omitted to fit the token budget (%s)\n", n, strings.Join(parts, ", "))
	}
	for _, w := range in.Warnings {
		b.WriteString("- warning: " + w + "\n")
	}

	content := b.String()
	if in.MetadataBudget > 0 && f.est.Estimate(content) > in.MetadataBudget {
		content = budget.TruncateText(content, in.MetadataBudget, f.est)
	}
	return Section{
		Name:    "metadata",
		Title:   "Context Metadata",
		Kind:    KindMetadata,
		Content: content,
		Tokens:  f.est.Estimate(content),
	}
}
