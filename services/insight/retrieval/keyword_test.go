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
	"context"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianInsight/services/insight/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeywordIndex() *KeywordIndex {
	idx := NewKeywordIndex(nil)
	idx.Index(&shard.Shard{ID: "n1", TenantID: "t1", ShardTypeID: "note",
		Content: "The quarterly revenue grew strongly this year."})
	idx.Index(&shard.Shard{ID: "n2", TenantID: "t1", ShardTypeID: "note",
		Content: "Revenue forecasts are quarterly. Revenue matters."})
	idx.Index(&shard.Shard{ID: "n3", TenantID: "t2", ShardTypeID: "note",
		Content: "Quarterly revenue for another tenant."})
	idx.Index(&shard.Shard{ID: "d1", TenantID: "t1", ShardTypeID: "document",
		Content: "Onboarding checklist for new hires."})
	return idx
}

func TestKeywordIndex_Search(t *testing.T) {
	idx := newTestKeywordIndex()
	require.Equal(t, 4, idx.Len())

	out, err := idx.Search(context.Background(), "Quarterly Revenue", 10, Filters{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "n1", out[0].ShardID, "exact phrase match should rank first")
	assert.Equal(t, 1.0, out[0].Score)
	assert.Less(t, out[1].Score, 1.0)
	for _, c := range out {
		assert.Equal(t, "t1", c.TenantID)
	}
}

func TestKeywordIndex_SearchCases(t *testing.T) {
	idx := newTestKeywordIndex()

	tests := []struct {
		name   string
		query  string
		topK   int
		f      Filters
		shards []string
	}{
		{name: "unicode and case folded", query: "ONBOARDING", f: Filters{TenantID: "t1"}, shards: []string{"d1"}},
		{name: "stopwords only", query: "the and of", f: Filters{TenantID: "t1"}, shards: nil},
		{name: "no match", query: "zebra", shards: nil},
		{name: "shard type filter", query: "revenue", f: Filters{TenantID: "t1", ShardTypes: []string{"document"}}, shards: nil},
		{name: "topK caps", query: "revenue", topK: 1, f: Filters{}, shards: []string{"n2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := idx.Search(context.Background(), tt.query, tt.topK, tt.f)
			require.NoError(t, err)
			var got []string
			for _, c := range out {
				got = append(got, c.ShardID)
			}
			assert.Equal(t, tt.shards, got)
		})
	}
}

func TestKeywordIndex_RemoveAndReindex(t *testing.T) {
	idx := newTestKeywordIndex()
	idx.Remove("n1")
	assert.Equal(t, 3, idx.Len())

	out, err := idx.Search(context.Background(), "grew", 10, Filters{})
	require.NoError(t, err)
	assert.Empty(t, out)

	idx.Index(&shard.Shard{ID: "n2", TenantID: "t1", ShardTypeID: "note", Content: "Completely new text."})
	assert.Equal(t, 3, idx.Len())
	out, err = idx.Search(context.Background(), "forecasts", 10, Filters{})
	require.NoError(t, err)
	assert.Empty(t, out, "reindexing replaces old chunks")
}

func TestKeywordIndex_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestKeywordIndex().Search(ctx, "revenue", 5, Filters{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFilters_Match(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	c := &Chunk{ShardID: "n1", ShardTypeID: "note", TenantID: "t1", ProjectID: "p1", UpdatedAt: now}

	tests := []struct {
		name string
		f    Filters
		want bool
	}{
		{"empty", Filters{}, true},
		{"tenant match", Filters{TenantID: "t1"}, true},
		{"tenant mismatch", Filters{TenantID: "t2"}, false},
		{"project match", Filters{ProjectID: "p1"}, true},
		{"project mismatch", Filters{ProjectID: "p2"}, false},
		{"company mismatch", Filters{CompanyID: "c1"}, false},
		{"type match", Filters{ShardTypes: []string{"email", "note"}}, true},
		{"type mismatch", Filters{ShardTypes: []string{"email"}}, false},
		{"in range", Filters{TimeRange: shard.TimeRange{From: now.AddDate(0, -1, 0)}}, true},
		{"out of range", Filters{TimeRange: shard.TimeRange{To: now.AddDate(0, -1, 0)}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.f.Match(c))
		})
	}
}

func TestChunker_Split(t *testing.T) {
	c := NewChunker(100, 20, nil)

	assert.Nil(t, c.Split(&shard.Shard{ID: "empty", Content: "   "}))

	short := c.Split(&shard.Shard{ID: "s", ShardTypeID: "note", Content: "one short note"})
	require.Len(t, short, 1)
	assert.Equal(t, "s#0", short[0].ID)
	assert.Equal(t, "note", short[0].ShardTypeID)
	assert.Positive(t, short[0].TokenCount)

	long := strings.Repeat("The customer asked about renewal pricing again. ", 20)
	parts := c.Split(&shard.Shard{ID: "l", Content: long})
	require.Greater(t, len(parts), 1)
	for i, p := range parts {
		assert.Equal(t, i, p.ChunkIndex)
		assert.LessOrEqual(t, len(p.Content), 100)
	}
}
