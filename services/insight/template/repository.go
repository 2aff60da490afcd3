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
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Repository is the read side of the template catalog.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Repository interface {
	// List returns every known template.
	List(ctx context.Context) ([]*ContextTemplate, error)

	// Get returns a template by id or ErrTemplateNotFound.
	Get(ctx context.Context, id string) (*ContextTemplate, error)
}

// -----------------------------------------------------------------------------
// MemoryRepository
// -----------------------------------------------------------------------------

// MemoryRepository holds templates in a map.
type MemoryRepository struct {
	mu        sync.RWMutex
	templates map[string]*ContextTemplate
}

// NewMemoryRepository creates a repository seeded with templates.
// Invalid templates are rejected.
func NewMemoryRepository(templates ...*ContextTemplate) (*MemoryRepository, error) {
	r := &MemoryRepository{templates: make(map[string]*ContextTemplate, len(templates))}
	for _, t := range templates {
		if err := r.Put(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Put validates and stores t, replacing any template with the same id.
func (r *MemoryRepository) Put(t *ContextTemplate) error {
	if err := t.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.ID] = t
	return nil
}

// Replace swaps the whole catalog atomically.
func (r *MemoryRepository) Replace(templates []*ContextTemplate) {
	next := make(map[string]*ContextTemplate, len(templates))
	for _, t := range templates {
		next[t.ID] = t
	}
	r.mu.Lock()
	r.templates = next
	r.mu.Unlock()
}

// List implements Repository. Results are sorted by id.
func (r *MemoryRepository) List(ctx context.Context) ([]*ContextTemplate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ContextTemplate, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get implements Repository.
func (r *MemoryRepository) Get(ctx context.Context, id string) (*ContextTemplate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	return t, nil
}

// -----------------------------------------------------------------------------
// CachedRepository
// -----------------------------------------------------------------------------

// CachedRepository is a read-through LRU in front of another repository.
// Get results are cached per id; the List result is cached for ListTTL.
//
// Thread Safety: Safe for concurrent use.
type CachedRepository struct {
	inner   Repository
	byID    *lru.Cache[string, *ContextTemplate]
	listTTL time.Duration

	mu       sync.Mutex
	list     []*ContextTemplate
	listedAt time.Time
	now      func() time.Time
}

// NewCachedRepository wraps inner with an LRU of the given size.
//
// Inputs:
//
//	inner - The backing repository.
//	size - Maximum cached templates. Must be positive.
//	listTTL - How long a List result stays fresh. Zero disables list caching.
func NewCachedRepository(inner Repository, size int, listTTL time.Duration) (*CachedRepository, error) {
	cache, err := lru.New[string, *ContextTemplate](size)
	if err != nil {
		return nil, fmt.Errorf("create template cache: %w", err)
	}
	return &CachedRepository{inner: inner, byID: cache, listTTL: listTTL, now: time.Now}, nil
}

// Get implements Repository.
func (c *CachedRepository) Get(ctx context.Context, id string) (*ContextTemplate, error) {
	if t, ok := c.byID.Get(id); ok {
		return t, nil
	}
	t, err := c.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.byID.Add(id, t)
	return t, nil
}

// List implements Repository.
func (c *CachedRepository) List(ctx context.Context) ([]*ContextTemplate, error) {
	c.mu.Lock()
	if c.listTTL > 0 && c.list != nil && c.now().Sub(c.listedAt) < c.listTTL {
		out := c.list
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	list, err := c.inner.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range list {
		c.byID.Add(t.ID, t)
	}

	c.mu.Lock()
	c.list = list
	c.listedAt = c.now()
	c.mu.Unlock()
	return list, nil
}

// Invalidate drops every cached entry.
func (c *CachedRepository) Invalidate() {
	c.byID.Purge()
	c.mu.Lock()
	c.list = nil
	c.mu.Unlock()
}

// Len returns the number of templates cached by id.
func (c *CachedRepository) Len() int {
	return c.byID.Len()
}

// -----------------------------------------------------------------------------
// LayeredRepository
// -----------------------------------------------------------------------------

// LayeredRepository reads through several repositories in order. Get
// returns the first hit; List merges all layers, earlier layers winning on
// duplicate ids. A failing layer is skipped as long as another answers.
//
// Thread Safety: Safe for concurrent use if every layer is.
type LayeredRepository struct {
	layers []Repository
}

// NewLayeredRepository creates a repository over layers. Nil layers are
// ignored.
func NewLayeredRepository(layers ...Repository) *LayeredRepository {
	r := &LayeredRepository{}
	for _, l := range layers {
		if l != nil {
			r.layers = append(r.layers, l)
		}
	}
	return r
}

// Get implements Repository.
func (r *LayeredRepository) Get(ctx context.Context, id string) (*ContextTemplate, error) {
	var lastErr error
	for _, l := range r.layers {
		t, err := l.Get(ctx, id)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, ErrTemplateNotFound) {
			lastErr = err
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
}

// List implements Repository. The result is sorted by id.
func (r *LayeredRepository) List(ctx context.Context) ([]*ContextTemplate, error) {
	seen := make(map[string]struct{})
	var out []*ContextTemplate
	var errs []error
	for _, l := range r.layers {
		list, err := l.List(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, t := range list {
			if _, dup := seen[t.ID]; dup {
				continue
			}
			seen[t.ID] = struct{}{}
			out = append(out, t)
		}
	}
	if len(errs) > 0 && len(errs) == len(r.layers) {
		return nil, errors.Join(errs...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
