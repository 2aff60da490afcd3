// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package traversal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianInsight/services/insight/budget"
	"github.com/AleutianAI/AleutianInsight/services/insight/shard"
	"github.com/AleutianAI/AleutianInsight/services/insight/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func body(words int) string {
	return strings.TrimSpace(strings.Repeat("x ", words))
}

// projectWithNotes builds p1 with n notes of roughly 100 tokens each.
func projectWithNotes(n int) (*shard.MemoryStore, *shard.Shard) {
	store := shard.NewMemoryStore()
	root := &shard.Shard{ID: "p1", Name: "Project Alpha", ShardTypeID: "project", UpdatedAt: testNow}
	store.Put(root)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("n%d", i)
		store.Put(&shard.Shard{
			ID: id, Name: "Note " + id, ShardTypeID: "note", Status: "active",
			Content: body(200), UpdatedAt: testNow.Add(-time.Duration(i) * time.Hour),
		})
		store.Link(shard.Edge{RelationshipType: "has_note", SourceID: "p1", TargetID: id})
	}
	return store, root
}

func noteConfig() template.RelationshipConfig {
	return template.RelationshipConfig{
		RelationshipType: "has_note",
		TargetShardType:  "note",
		Direction:        shard.DirectionOutgoing,
		Depth:            1,
		MaxCount:         10,
		Priority:         50,
	}
}

func ids(items []Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Shard.ID)
	}
	return out
}

func TestTraverse_IncludesUntilBudgetThenDropsRest(t *testing.T) {
	store, root := projectWithNotes(6)
	eng := NewEngine(store, WithClock(func() time.Time { return testNow }))

	res, err := eng.Traverse(context.Background(), root, []template.RelationshipConfig{noteConfig()}, 250)
	require.NoError(t, err)

	assert.Equal(t, []string{"n1", "n2"}, ids(res.Items))
	assert.True(t, res.Exhausted)
	assert.LessOrEqual(t, res.TokensUsed, 250)
	require.Len(t, res.Truncated, 4)
	for i, tr := range res.Truncated {
		assert.Equal(t, fmt.Sprintf("n%d", i+3), tr.ShardID)
		assert.Equal(t, budget.ReasonBudget, tr.Reason)
		assert.Equal(t, budget.ActionDropped, tr.Action)
	}
	assert.Empty(t, res.Warnings)
}

func TestTraverse_AllFit(t *testing.T) {
	store, root := projectWithNotes(3)
	eng := NewEngine(store)

	res, err := eng.Traverse(context.Background(), root, []template.RelationshipConfig{noteConfig()}, 10000)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "n2", "n3"}, ids(res.Items))
	assert.False(t, res.Exhausted)
	assert.Empty(t, res.Truncated)
	assert.Equal(t, []string{"p1", "n1", "n2", "n3"}, res.Visited)
	assert.Equal(t, 3, res.MatchedEdges["has_note"])

	est := budget.HeuristicEstimator{}
	total := 0
	for _, it := range res.Items {
		assert.Equal(t, est.Estimate(it.Content), it.EstimatedTokens)
		assert.Equal(t, "p1", it.ParentID)
		assert.Equal(t, 1, it.Depth)
		total += it.EstimatedTokens
	}
	assert.Equal(t, total, res.TokensUsed)
}

func TestTraverse_MaxCount(t *testing.T) {
	store, root := projectWithNotes(5)
	cfg := noteConfig()
	cfg.MaxCount = 2

	res, err := NewEngine(store).Traverse(context.Background(), root, []template.RelationshipConfig{cfg}, 10000)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "n2"}, ids(res.Items))
	assert.Zero(t, store.FetchCount("n3"))
}

func TestTraverse_RequiredTruncatedNotDropped(t *testing.T) {
	store, root := projectWithNotes(2)
	store.Put(&shard.Shard{ID: "c1", Name: "Acme", ShardTypeID: "company", Content: body(400)})
	store.Link(shard.Edge{RelationshipType: "has_client", SourceID: "p1", TargetID: "c1"})

	client := template.RelationshipConfig{
		RelationshipType: "has_client", TargetShardType: "company",
		Depth: 1, MaxCount: 1, Priority: 90, Required: true,
	}
	res, err := NewEngine(store).Traverse(context.Background(), root,
		[]template.RelationshipConfig{noteConfig(), client}, 60)
	require.NoError(t, err)

	require.Len(t, res.Items, 1)
	item := res.Items[0]
	assert.Equal(t, "c1", item.Shard.ID)
	assert.True(t, item.Required)
	assert.True(t, item.Truncated)
	assert.LessOrEqual(t, item.EstimatedTokens, 60)
	assert.LessOrEqual(t, res.TokensUsed, 60)
	assert.True(t, res.Exhausted)
	require.NotEmpty(t, res.Truncated)
	assert.Equal(t, budget.ActionTruncated, res.Truncated[0].Action)
	assert.True(t, res.Truncated[0].Required)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "has_client")
	assert.Equal(t, 1.0, res.RequiredCoverage([]template.RelationshipConfig{client, noteConfig()}))
}

func TestTraverse_RequiredWithZeroBudget(t *testing.T) {
	store, root := projectWithNotes(0)
	store.Put(&shard.Shard{ID: "c1", Name: "Acme", ShardTypeID: "company"})
	store.Link(shard.Edge{RelationshipType: "has_client", SourceID: "p1", TargetID: "c1"})

	client := template.RelationshipConfig{RelationshipType: "has_client", Depth: 1, Required: true}
	res, err := NewEngine(store).Traverse(context.Background(), root, []template.RelationshipConfig{client}, 0)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.True(t, res.Items[0].Truncated)
	assert.Zero(t, res.TokensUsed)
}

func TestTraverse_PriorityOrder(t *testing.T) {
	store, root := projectWithNotes(1)
	store.Put(&shard.Shard{ID: "m1", Name: "Kickoff", ShardTypeID: "meeting"})
	store.Link(shard.Edge{RelationshipType: "has_meeting", SourceID: "p1", TargetID: "m1"})

	meetings := template.RelationshipConfig{RelationshipType: "has_meeting", Depth: 1, Priority: 80}
	res, err := NewEngine(store).Traverse(context.Background(), root,
		[]template.RelationshipConfig{noteConfig(), meetings}, 10000)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "n1"}, ids(res.Items))
}

func TestTraverse_DepthAndCycles(t *testing.T) {
	store := shard.NewMemoryStore()
	for _, id := range []string{"a", "b", "c", "d"} {
		store.Put(&shard.Shard{ID: id, Name: strings.ToUpper(id), ShardTypeID: "doc"})
	}
	store.Link(shard.Edge{RelationshipType: "links", SourceID: "a", TargetID: "b"})
	store.Link(shard.Edge{RelationshipType: "links", SourceID: "b", TargetID: "c"})
	store.Link(shard.Edge{RelationshipType: "links", SourceID: "c", TargetID: "a"})
	store.Link(shard.Edge{RelationshipType: "links", SourceID: "c", TargetID: "d"})
	root, _ := store.GetShard(context.Background(), "a")

	tests := []struct {
		depth int
		want  []string
	}{
		{1, []string{"b"}},
		{2, []string{"b", "c"}},
		{3, []string{"b", "c", "d"}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("depth %d", tt.depth), func(t *testing.T) {
			cfg := template.RelationshipConfig{RelationshipType: "links", Depth: tt.depth}
			res, err := NewEngine(store).Traverse(context.Background(), root, []template.RelationshipConfig{cfg}, 10000)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(res.Items))

			seen := make(map[string]bool)
			for _, id := range res.Visited {
				assert.False(t, seen[id], "visited twice: %s", id)
				seen[id] = true
			}
			for _, it := range res.Items {
				assert.NotEqual(t, "a", it.Shard.ID)
			}
		})
	}
}

func TestTraverse_SharedTargetVisitedOnce(t *testing.T) {
	store, root := projectWithNotes(1)
	store.Link(shard.Edge{RelationshipType: "mentions", SourceID: "p1", TargetID: "n1"})

	mentions := template.RelationshipConfig{RelationshipType: "mentions", Depth: 1, Priority: 10}
	res, err := NewEngine(store).Traverse(context.Background(), root,
		[]template.RelationshipConfig{noteConfig(), mentions}, 10000)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, ids(res.Items))
	assert.Equal(t, "has_note", res.Items[0].RelationshipType)
	assert.Equal(t, 1, store.FetchCount("n1"))
}

func TestTraverse_RequiredReachesTargetSkippedEarlier(t *testing.T) {
	client := template.RelationshipConfig{
		RelationshipType: "has_client", TargetShardType: "company",
		Depth: 1, MaxCount: 1, Priority: 10, Required: true,
	}

	t.Run("dropped by optional config over budget", func(t *testing.T) {
		store, root := projectWithNotes(1)
		store.Put(&shard.Shard{ID: "c1", Name: "Acme", ShardTypeID: "company", Content: body(400)})
		store.Link(shard.Edge{RelationshipType: "mentions", SourceID: "p1", TargetID: "n1"})
		store.Link(shard.Edge{RelationshipType: "mentions", SourceID: "p1", TargetID: "c1"})
		store.Link(shard.Edge{RelationshipType: "has_client", SourceID: "p1", TargetID: "c1"})
		mentions := template.RelationshipConfig{RelationshipType: "mentions", Depth: 1, Priority: 90}
		configs := []template.RelationshipConfig{mentions, client}

		res, err := NewEngine(store).Traverse(context.Background(), root, configs, 150)
		require.NoError(t, err)

		assert.Equal(t, []string{"n1", "c1"}, ids(res.Items))
		assert.Equal(t, "has_client", res.Items[1].RelationshipType)
		assert.True(t, res.Items[1].Truncated)
		assert.LessOrEqual(t, res.TokensUsed, 150)
		assert.Equal(t, 1.0, res.RequiredCoverage(configs))
		for _, tr := range res.Truncated {
			assert.NotEqual(t, budget.ActionDropped, tr.Action, "c1 is present, so no drop record remains")
		}
		assert.Equal(t, []string{"p1", "n1", "c1"}, res.Visited)
	})

	t.Run("rejected by optional config shard type", func(t *testing.T) {
		store, root := projectWithNotes(0)
		// Linked before the shard exists, so the edge carries no target type.
		store.Link(shard.Edge{RelationshipType: "related", SourceID: "p1", TargetID: "c1"})
		store.Put(&shard.Shard{ID: "c1", Name: "Acme", ShardTypeID: "company"})
		store.Link(shard.Edge{RelationshipType: "has_client", SourceID: "p1", TargetID: "c1"})
		related := template.RelationshipConfig{RelationshipType: "related", TargetShardType: "note", Depth: 1, Priority: 90}
		configs := []template.RelationshipConfig{related, client}

		res, err := NewEngine(store).Traverse(context.Background(), root, configs, 10000)
		require.NoError(t, err)

		assert.Equal(t, []string{"c1"}, ids(res.Items))
		assert.Equal(t, "has_client", res.Items[0].RelationshipType)
		assert.Equal(t, 1.0, res.RequiredCoverage(configs))
	})
}

func TestTraverse_Filters(t *testing.T) {
	store := shard.NewMemoryStore()
	root := &shard.Shard{ID: "p1", Name: "P", ShardTypeID: "project"}
	store.Put(root)
	fixtures := []*shard.Shard{
		{ID: "t1", Name: "Open recent", ShardTypeID: "task", Status: "open", Tags: []string{"urgent"}, UpdatedAt: testNow.Add(-24 * time.Hour)},
		{ID: "t2", Name: "Closed", ShardTypeID: "task", Status: "closed", Tags: []string{"urgent"}, UpdatedAt: testNow.Add(-24 * time.Hour)},
		{ID: "t3", Name: "Open old", ShardTypeID: "task", Status: "open", Tags: []string{"urgent"}, UpdatedAt: testNow.Add(-90 * 24 * time.Hour)},
		{ID: "t4", Name: "Untagged", ShardTypeID: "task", Status: "open", UpdatedAt: testNow.Add(-time.Hour)},
		{ID: "t5", Name: "Undated", ShardTypeID: "task", Status: "open", Tags: []string{"urgent"}},
		{ID: "x1", Name: "Wrong type", ShardTypeID: "note", Status: "open", Tags: []string{"urgent"}, UpdatedAt: testNow},
	}
	for _, s := range fixtures {
		store.Put(s)
		store.Link(shard.Edge{RelationshipType: "has_task", SourceID: "p1", TargetID: s.ID})
	}

	tests := []struct {
		name    string
		filters template.RelationshipFilters
		want    []string
	}{
		{"no filters", template.RelationshipFilters{}, []string{"t1", "t2", "t3", "t4", "t5"}},
		{"statuses", template.RelationshipFilters{Statuses: []string{"OPEN"}}, []string{"t1", "t3", "t4", "t5"}},
		{"exclude statuses", template.RelationshipFilters{ExcludeStatuses: []string{"closed"}}, []string{"t1", "t3", "t4", "t5"}},
		{"tags", template.RelationshipFilters{Tags: []string{"urgent"}}, []string{"t1", "t2", "t3", "t5"}},
		{"updated within excludes undated", template.RelationshipFilters{UpdatedWithin: 30 * 24 * time.Hour}, []string{"t1", "t2", "t4"}},
		{"updated after", template.RelationshipFilters{UpdatedAfter: testNow.Add(-2 * time.Hour)}, []string{"t4"}},
		{"updated before", template.RelationshipFilters{UpdatedBefore: testNow.Add(-30 * 24 * time.Hour)}, []string{"t3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := template.RelationshipConfig{RelationshipType: "has_task", TargetShardType: "task", Depth: 1, Filters: tt.filters}
			eng := NewEngine(store, WithClock(func() time.Time { return testNow }))
			res, err := eng.Traverse(context.Background(), root, []template.RelationshipConfig{cfg}, 10000)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(res.Items))
		})
	}
}

func TestTraverse_ScopeTimeRangeAndMaxItems(t *testing.T) {
	store, root := projectWithNotes(5)
	eng := NewEngine(store)

	res, err := eng.Traverse(context.Background(), root, []template.RelationshipConfig{noteConfig()}, 10000,
		WithTimeRange(shard.TimeRange{From: testNow.Add(-3*time.Hour - time.Minute)}))
	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "n2", "n3"}, ids(res.Items))

	res, err = eng.Traverse(context.Background(), root, []template.RelationshipConfig{noteConfig()}, 10000, WithMaxItems(2))
	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "n2"}, ids(res.Items))
	assert.Len(t, res.Truncated, 3)
}

func TestTraverse_FieldSelection(t *testing.T) {
	store := shard.NewMemoryStore()
	root := &shard.Shard{ID: "p1", Name: "P", ShardTypeID: "project"}
	store.Put(root)
	store.Put(&shard.Shard{ID: "c1", Name: "Acme", ShardTypeID: "company",
		Fields: map[string]any{"industry": "retail", "revenue": 1000}, Content: "long body"})
	store.Link(shard.Edge{RelationshipType: "has_client", SourceID: "p1", TargetID: "c1"})

	cfg := template.RelationshipConfig{RelationshipType: "has_client", Depth: 1, IncludeFields: []string{"industry"}}
	res, err := NewEngine(store).Traverse(context.Background(), root, []template.RelationshipConfig{cfg}, 10000)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "Acme (company)\n- industry: retail", res.Items[0].Content)
}

type failingStore struct {
	*shard.MemoryStore
	relErr   error
	shardErr error
}

func (f *failingStore) GetRelationships(ctx context.Context, id, rel string, dir shard.Direction) ([]shard.Edge, error) {
	if f.relErr != nil {
		return nil, f.relErr
	}
	return f.MemoryStore.GetRelationships(ctx, id, rel, dir)
}

func (f *failingStore) GetShard(ctx context.Context, id string) (*shard.Shard, error) {
	if f.shardErr != nil && id != "p1" {
		return nil, f.shardErr
	}
	return f.MemoryStore.GetShard(ctx, id)
}

func TestTraverse_StoreErrors(t *testing.T) {
	tests := []struct {
		name     string
		store    func(*shard.MemoryStore) shard.Store
		fatal    bool
		warnings int
	}{
		{
			name: "unavailable on relationships",
			store: func(m *shard.MemoryStore) shard.Store {
				return &failingStore{MemoryStore: m, relErr: fmt.Errorf("dial: %w", shard.ErrStoreUnavailable)}
			},
			fatal: true,
		},
		{
			name: "unavailable on shard fetch",
			store: func(m *shard.MemoryStore) shard.Store {
				return &failingStore{MemoryStore: m, shardErr: shard.ErrStoreUnavailable}
			},
			fatal: true,
		},
		{
			name: "other relationship error degrades",
			store: func(m *shard.MemoryStore) shard.Store {
				return &failingStore{MemoryStore: m, relErr: errors.New("bad relationship type")}
			},
			warnings: 1,
		},
		{
			name: "other shard error degrades",
			store: func(m *shard.MemoryStore) shard.Store {
				return &failingStore{MemoryStore: m, shardErr: errors.New("corrupt")}
			},
			warnings: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem, root := projectWithNotes(2)
			res, err := NewEngine(tt.store(mem)).Traverse(context.Background(), root, []template.RelationshipConfig{noteConfig()}, 10000)
			if tt.fatal {
				require.Error(t, err)
				assert.ErrorIs(t, err, shard.ErrStoreUnavailable)
				return
			}
			require.NoError(t, err)
			assert.Empty(t, res.Items)
			assert.Len(t, res.Warnings, tt.warnings)
		})
	}
}

func TestTraverse_DanglingEdgeSkipped(t *testing.T) {
	store, root := projectWithNotes(1)
	store.Link(shard.Edge{RelationshipType: "has_note", SourceID: "p1", TargetID: "ghost", TargetShardType: "note"})

	res, err := NewEngine(store).Traverse(context.Background(), root, []template.RelationshipConfig{noteConfig()}, 10000)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, ids(res.Items))
	assert.Empty(t, res.Warnings)
}

func TestTraverse_CancelledContext(t *testing.T) {
	store, root := projectWithNotes(3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEngine(store).Traverse(ctx, root, []template.RelationshipConfig{noteConfig()}, 10000)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTraverse_NilRoot(t *testing.T) {
	_, err := NewEngine(shard.NewMemoryStore()).Traverse(context.Background(), nil, nil, 100)
	assert.Error(t, err)
}

func TestTraverse_ConcurrentCalls(t *testing.T) {
	store, root := projectWithNotes(8)
	eng := NewEngine(store, WithWorkers(3))

	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			res, err := eng.Traverse(context.Background(), root, []template.RelationshipConfig{noteConfig()}, 10000)
			if err == nil && len(res.Items) != 8 {
				err = fmt.Errorf("got %d items", len(res.Items))
			}
			errs <- err
		}()
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, <-errs)
	}
}
