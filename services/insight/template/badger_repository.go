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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianInsight/services/insight/storage/badger"
)

// badgerNamespace is the key prefix for persisted templates.
const badgerNamespace = "templates"

// BadgerRepository persists templates as JSON in the embedded store.
// Template CRUD belongs to another service; Save exists so that a catalog
// synced from there (or loaded from files) survives restarts.
type BadgerRepository struct {
	ns *badger.Namespace
}

// NewBadgerRepository creates a repository backed by db.
func NewBadgerRepository(db *badger.DB) *BadgerRepository {
	return &BadgerRepository{ns: db.Namespace(badgerNamespace)}
}

// Save validates and stores t.
func (r *BadgerRepository) Save(ctx context.Context, t *ContextTemplate) error {
	if err := t.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode template %s: %w", t.ID, err)
	}
	return r.ns.Set(ctx, t.ID, data, 0)
}

// Get implements Repository.
func (r *BadgerRepository) Get(ctx context.Context, id string) (*ContextTemplate, error) {
	data, err := r.ns.Get(ctx, id)
	if errors.Is(err, badger.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var t ContextTemplate
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode template %s: %w", id, err)
	}
	return &t, nil
}

// List implements Repository. Results are in id order.
func (r *BadgerRepository) List(ctx context.Context) ([]*ContextTemplate, error) {
	var out []*ContextTemplate
	err := r.ns.Scan(ctx, func(key string, value []byte) error {
		var t ContextTemplate
		if err := json.Unmarshal(value, &t); err != nil {
			return fmt.Errorf("decode template %s: %w", key, err)
		}
		out = append(out, &t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
