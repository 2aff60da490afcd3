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

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianInsight/services/insight/storage/badger"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRepo struct {
	Repository
	gets  atomic.Int32
	lists atomic.Int32
}

func (c *countingRepo) Get(ctx context.Context, id string) (*ContextTemplate, error) {
	c.gets.Add(1)
	return c.Repository.Get(ctx, id)
}

func (c *countingRepo) List(ctx context.Context) ([]*ContextTemplate, error) {
	c.lists.Add(1)
	return c.Repository.List(ctx)
}

func TestMemoryRepository_RejectsInvalid(t *testing.T) {
	_, err := NewMemoryRepository(&ContextTemplate{
		ID:            "bad",
		Relationships: []RelationshipConfig{{RelationshipType: "x", Depth: 4}},
	})
	assert.ErrorIs(t, err, ErrInvalidTemplate)

	repo, err := NewMemoryRepository()
	require.NoError(t, err)
	_, err = repo.Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrTemplateNotFound))
}

func TestCachedRepository(t *testing.T) {
	mem, err := NewMemoryRepository(&ContextTemplate{ID: "a", IsActive: true}, &ContextTemplate{ID: "b", IsActive: true})
	require.NoError(t, err)
	inner := &countingRepo{Repository: mem}

	cached, err := NewCachedRepository(inner, 8, time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := cached.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "a", got.ID)
	}
	assert.Equal(t, int32(1), inner.gets.Load())

	for i := 0; i < 3; i++ {
		list, err := cached.List(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 2)
	}
	assert.Equal(t, int32(1), inner.lists.Load())

	// Listed templates warm the id cache.
	_, err = cached.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int32(1), inner.gets.Load())

	cached.Invalidate()
	assert.Equal(t, 0, cached.Len())
	_, err = cached.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.lists.Load())
}

func TestCachedRepository_ListTTL(t *testing.T) {
	mem, err := NewMemoryRepository(&ContextTemplate{ID: "a"})
	require.NoError(t, err)
	inner := &countingRepo{Repository: mem}
	cached, err := NewCachedRepository(inner, 4, time.Minute)
	require.NoError(t, err)

	now := time.Now()
	cached.now = func() time.Time { return now }
	_, _ = cached.List(context.Background())
	now = now.Add(2 * time.Minute)
	_, _ = cached.List(context.Background())
	assert.Equal(t, int32(2), inner.lists.Load())
}

func TestCachedRepository_InvalidSize(t *testing.T) {
	_, err := NewCachedRepository(&MemoryRepository{}, 0, 0)
	assert.Error(t, err)
}

func TestBadgerRepository(t *testing.T) {
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	repo := NewBadgerRepository(db)
	ctx := context.Background()

	tmpl := &ContextTemplate{
		ID: "project-risk", Name: "Project risk", IsActive: true,
		Relationships: []RelationshipConfig{rel("has_client", 90, true)},
		TokenLimits:   DefaultTokenLimits(),
	}
	require.NoError(t, repo.Save(ctx, tmpl))
	require.NoError(t, repo.Save(ctx, &ContextTemplate{ID: "another", IsActive: true}))

	got, err := repo.Get(ctx, "project-risk")
	require.NoError(t, err)
	assert.Equal(t, tmpl.Relationships, got.Relationships)
	assert.Equal(t, tmpl.TokenLimits, got.TokenLimits)

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "another", list[0].ID)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrTemplateNotFound)

	assert.Error(t, repo.Save(ctx, &ContextTemplate{}))
}

const projectRiskYAML = `
id: project-risk
name: Project risk
is_active: true
applicable_insight_types: [risk]
applicable_shard_types: [project]
default_scope: project
relationships:
  - relationship_type: has_client
    direction: outgoing
    depth: 1
    priority: 90
    required: true
  - relationship_type: has_note
    direction: outgoing
    depth: 1
    max_count: 10
    priority: 50
    filters:
      updated_within: 720h
rag:
  enabled: true
  fusion: weighted
  vector_weight: 0.5
  keyword_weight: 0.5
token_limits:
  reserve_for_response: 1000
  primary_percent: 20
  related_percent: 50
  rag_percent: 25
  metadata_percent: 5
ordering:
  primary_sort: score
  group_by: shard_type
  group_order: [company, note]
`

const listYAML = `
templates:
  - id: a
    is_active: true
  - id: b
    is_active: true
`

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "project.yaml"), []byte(projectRiskYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "list.yml"), []byte(listYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o600))

	templates, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, templates, 3)
	assert.Equal(t, []string{"a", "b", "project-risk"}, []string{templates[0].ID, templates[1].ID, templates[2].ID})

	pr := templates[2]
	assert.Equal(t, FusionWeighted, pr.RAG.Fusion)
	assert.Equal(t, 720*time.Hour, pr.Relationships[1].Filters.UpdatedWithin)
	assert.Equal(t, []string{"has_client"}, pr.RequiredRelationships())
	assert.Equal(t, 50, pr.TokenLimits.RelatedPercent)
}

func TestLoadDir_Duplicate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one.yaml"), []byte(listYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "two.yaml"), []byte(listYAML), 0o600))
	_, err := LoadDir(dir)
	assert.ErrorIs(t, err, ErrInvalidTemplate)
}

func TestFileRepository_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "list.yaml"), []byte(listYAML), 0o600))

	repo, err := NewFileRepository(dir, nil)
	require.NoError(t, err)

	reloaded := make(chan int, 4)
	repo.OnReload = func(n int) { reloaded <- n }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- repo.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "project.yaml"), []byte(projectRiskYAML), 0o600))

	select {
	case n := <-reloaded:
		assert.Equal(t, 3, n)
	case <-time.After(5 * time.Second):
		t.Fatal("templates were not reloaded")
	}

	got, err := repo.Get(context.Background(), "project-risk")
	require.NoError(t, err)
	assert.Equal(t, "Project risk", got.Name)
}

func TestRelationshipConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     RelationshipConfig
		wantErr bool
	}{
		{"depth 1", RelationshipConfig{Depth: 1}, false},
		{"depth 3", RelationshipConfig{Depth: 3}, false},
		{"depth 0", RelationshipConfig{Depth: 0}, true},
		{"depth 4", RelationshipConfig{Depth: 4}, true},
		{"priority 101", RelationshipConfig{Depth: 1, Priority: 101}, true},
		{"bad direction", RelationshipConfig{Depth: 1, Direction: "sideways"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTemplate)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTemplate_Validate_Percentages(t *testing.T) {
	tmpl := &ContextTemplate{ID: "x", TokenLimits: TokenLimits{PrimaryPercent: 60, RelatedPercent: 60}}
	assert.ErrorIs(t, tmpl.Validate(), ErrInvalidTemplate)
}

type brokenRepo struct{ err error }

func (b brokenRepo) Get(context.Context, string) (*ContextTemplate, error) { return nil, b.err }
func (b brokenRepo) List(context.Context) ([]*ContextTemplate, error)      { return nil, b.err }

func TestLayeredRepository(t *testing.T) {
	ctx := context.Background()
	files, err := NewMemoryRepository(
		&ContextTemplate{ID: "project-risk", Name: "from files", IsActive: true},
	)
	require.NoError(t, err)
	snapshot, err := NewMemoryRepository(
		&ContextTemplate{ID: "project-risk", Name: "from snapshot", IsActive: true},
		&ContextTemplate{ID: "deal-review", Name: "snapshot only", IsActive: true},
	)
	require.NoError(t, err)

	repo := NewLayeredRepository(files, nil, snapshot)

	got, err := repo.Get(ctx, "project-risk")
	require.NoError(t, err)
	assert.Equal(t, "from files", got.Name)

	got, err = repo.Get(ctx, "deal-review")
	require.NoError(t, err)
	assert.Equal(t, "snapshot only", got.Name)

	_, err = repo.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrTemplateNotFound)

	list, err := repo.List(ctx)
	require.NoError(t, err)
	type entry struct{ ID, Name string }
	var entries []entry
	for _, tpl := range list {
		entries = append(entries, entry{tpl.ID, tpl.Name})
	}
	want := []entry{{"deal-review", "snapshot only"}, {"project-risk", "from files"}}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}
}

func TestLayeredRepository_FailingLayer(t *testing.T) {
	ctx := context.Background()
	down := brokenRepo{err: errors.New("disk gone")}
	snapshot, err := NewMemoryRepository(&ContextTemplate{ID: "deal-review", IsActive: true})
	require.NoError(t, err)

	repo := NewLayeredRepository(down, snapshot)
	list, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = repo.Get(ctx, "nope")
	assert.EqualError(t, err, "disk gone")

	_, err = NewLayeredRepository(down).List(ctx)
	assert.Error(t, err)
}
