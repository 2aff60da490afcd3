// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package shard

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// MemoryStore is an in-process Store used for local development, the CLI
// and tests. Production deployments talk to the real shard service.
//
// Thread Safety: Safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	shards map[string]*Shard
	edges  []Edge

	// fetches counts GetShard calls, for tests asserting on fetch behavior.
	fetches map[string]int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		shards:  make(map[string]*Shard),
		fetches: make(map[string]int),
	}
}

// Put adds or replaces a shard.
func (m *MemoryStore) Put(s *Shard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shards[s.ID] = s
}

// Link adds a relationship edge. The far-side summary is filled from the
// target shard when it is already present.
func (m *MemoryStore) Link(e Edge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.shards[e.TargetID]; ok {
		if e.TargetShardType == "" {
			e.TargetShardType = t.ShardTypeID
		}
		if e.TargetStatus == "" {
			e.TargetStatus = t.Status
		}
		if len(e.TargetTags) == 0 {
			e.TargetTags = t.Tags
		}
		if e.TargetUpdatedAt.IsZero() {
			e.TargetUpdatedAt = t.UpdatedAt
		}
	}
	m.edges = append(m.edges, e)
}

// GetShard implements Store.
func (m *MemoryStore) GetShard(ctx context.Context, id string) (*Shard, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches[id]++
	s, ok := m.shards[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrShardNotFound, id)
	}
	return s, nil
}

// GetRelationships implements Store.
//
// For incoming edges the returned Edge is reoriented so that TargetID is
// always the far side; this keeps traversal code direction-agnostic.
func (m *MemoryStore) GetRelationships(ctx context.Context, shardID, relationshipType string, dir Direction) ([]Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Edge
	for _, e := range m.edges {
		if relationshipType != "" && e.RelationshipType != relationshipType {
			continue
		}
		outgoing := e.SourceID == shardID
		incoming := e.TargetID == shardID
		switch {
		case outgoing && (dir == DirectionOutgoing || dir == DirectionBoth):
			out = append(out, e)
		case incoming && (dir == DirectionIncoming || dir == DirectionBoth):
			out = append(out, m.reverse(e))
		}
	}
	return out, nil
}

// reverse flips an edge so the caller sees the source shard as the target.
// Must be called with the read lock held.
func (m *MemoryStore) reverse(e Edge) Edge {
	r := Edge{
		RelationshipType: e.RelationshipType,
		SourceID:         e.TargetID,
		TargetID:         e.SourceID,
	}
	if s, ok := m.shards[e.SourceID]; ok {
		r.TargetShardType = s.ShardTypeID
		r.TargetStatus = s.Status
		r.TargetTags = s.Tags
		r.TargetUpdatedAt = s.UpdatedAt
	}
	return r
}

// FetchCount returns how many times GetShard was called for id.
func (m *MemoryStore) FetchCount(id string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fetches[id]
}

// Len returns the number of shards in the store.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.shards)
}

// All returns every shard in the store. Order is unspecified.
func (m *MemoryStore) All() []*Shard {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Shard, 0, len(m.shards))
	for _, s := range m.shards {
		out = append(out, s)
	}
	return out
}

// Fixtures is the YAML document layout accepted by LoadFixtures.
type Fixtures struct {
	Shards []*Shard `yaml:"shards"`
	Edges  []Edge   `yaml:"edges"`
}

// LoadFixtures reads shards and edges from a YAML file into a new store.
//
// Inputs:
//
//	path - Path to a YAML file with top-level "shards" and "edges" lists.
//
// Outputs:
//
//	*MemoryStore - Populated store.
//	error - Non-nil if the file cannot be read or parsed.
func LoadFixtures(path string) (*MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures %s: %w", path, err)
	}
	var fx Fixtures
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("parse fixtures %s: %w", path, err)
	}
	store := NewMemoryStore()
	for _, s := range fx.Shards {
		if s == nil || s.ID == "" {
			return nil, fmt.Errorf("fixtures %s: shard without id", path)
		}
		store.Put(s)
	}
	for _, e := range fx.Edges {
		store.Link(e)
	}
	return store, nil
}
