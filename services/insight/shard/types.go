// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package shard defines the tenant-scoped entities ("shards") that context
// assembly reads, and the read-only Store contract through which they are
// fetched.
//
// Shards and edges returned by a Store are already tenant and ACL filtered.
// Nothing in this package makes authorization decisions.
package shard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrShardNotFound is returned when a shard id does not resolve.
	ErrShardNotFound = errors.New("shard not found")

	// ErrStoreUnavailable is returned when the store connection is exhausted.
	// This is the only store error that callers treat as fatal.
	ErrStoreUnavailable = errors.New("shard store unavailable")

	// ErrMissingTenant is returned when a scope has no tenant id.
	ErrMissingTenant = errors.New("scope tenant id is required")

	// ErrInvalidScope is returned for scopes with out-of-range limits.
	ErrInvalidScope = errors.New("invalid scope")
)

// -----------------------------------------------------------------------------
// Shard
// -----------------------------------------------------------------------------

// Shard is a tenant-scoped typed entity with structured fields and free text.
type Shard struct {
	// ID uniquely identifies the shard within its tenant.
	ID string `json:"id" yaml:"id"`

	// TenantID is the owning tenant.
	TenantID string `json:"tenant_id" yaml:"tenant_id"`

	// ShardTypeID is the entity type (e.g., "project", "opportunity", "note").
	ShardTypeID string `json:"shard_type_id" yaml:"shard_type_id"`

	// Name is the human-readable display name.
	Name string `json:"name" yaml:"name"`

	// ProjectID links the shard to a project, if any.
	ProjectID string `json:"project_id,omitempty" yaml:"project_id,omitempty"`

	// CompanyID links the shard to a company, if any.
	CompanyID string `json:"company_id,omitempty" yaml:"company_id,omitempty"`

	// Status is the lifecycle status (e.g., "active", "closed_won").
	Status string `json:"status,omitempty" yaml:"status,omitempty"`

	// Tags are free-form labels.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Fields holds the structured data of the shard.
	Fields map[string]any `json:"fields,omitempty" yaml:"fields,omitempty"`

	// Content is unstructured text (note bodies, document text).
	Content string `json:"content,omitempty" yaml:"content,omitempty"`

	// TemplateID is a context template directly associated with this shard.
	TemplateID string `json:"template_id,omitempty" yaml:"template_id,omitempty"`

	// CreatedAt is when the shard was created.
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`

	// UpdatedAt is when the shard data last changed.
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Field returns a structured field value and whether it exists.
func (s *Shard) Field(name string) (any, bool) {
	if s == nil || s.Fields == nil {
		return nil, false
	}
	v, ok := s.Fields[name]
	return v, ok
}

// FieldNames returns the structured field names in sorted order.
func (s *Shard) FieldNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.Fields))
	for k := range s.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// HasTag reports whether the shard carries the tag (case-insensitive).
func (s *Shard) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Age returns how long ago the shard was last updated relative to now.
// Shards with no timestamps are treated as infinitely old.
func (s *Shard) Age(now time.Time) time.Duration {
	ts := s.UpdatedAt
	if ts.IsZero() {
		ts = s.CreatedAt
	}
	if ts.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	if now.Before(ts) {
		return 0
	}
	return now.Sub(ts)
}

// -----------------------------------------------------------------------------
// Edges
// -----------------------------------------------------------------------------

// Direction selects which side of a relationship edge to follow.
type Direction string

const (
	// DirectionOutgoing follows edges whose source is the given shard.
	DirectionOutgoing Direction = "outgoing"

	// DirectionIncoming follows edges whose target is the given shard.
	DirectionIncoming Direction = "incoming"

	// DirectionBoth follows edges in either direction.
	DirectionBoth Direction = "both"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	switch d {
	case DirectionOutgoing, DirectionIncoming, DirectionBoth:
		return true
	default:
		return false
	}
}

// Edge is a typed relationship between two shards.
//
// Edges carry a denormalized summary of the far-side shard (type, status,
// tags, update time) so that filters can be applied before fetching the
// full shard content.
type Edge struct {
	// RelationshipType names the relationship (e.g., "has_client").
	RelationshipType string `json:"relationship_type" yaml:"relationship_type"`

	// SourceID is the shard the edge starts from.
	SourceID string `json:"source_id" yaml:"source_id"`

	// TargetID is the shard the edge points to.
	TargetID string `json:"target_id" yaml:"target_id"`

	// TargetShardType is the type of the far-side shard.
	TargetShardType string `json:"target_shard_type,omitempty" yaml:"target_shard_type,omitempty"`

	// TargetStatus is the status of the far-side shard.
	TargetStatus string `json:"target_status,omitempty" yaml:"target_status,omitempty"`

	// TargetTags are the tags of the far-side shard.
	TargetTags []string `json:"target_tags,omitempty" yaml:"target_tags,omitempty"`

	// TargetUpdatedAt is when the far-side shard last changed.
	TargetUpdatedAt time.Time `json:"target_updated_at,omitempty" yaml:"target_updated_at,omitempty"`
}

// FarSide returns the id on the other end of the edge relative to from.
func (e Edge) FarSide(from string) string {
	if e.SourceID == from {
		return e.TargetID
	}
	return e.SourceID
}

// -----------------------------------------------------------------------------
// Scope
// -----------------------------------------------------------------------------

// TimeRange bounds data by update time. Zero values are open-ended.
type TimeRange struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// IsZero reports whether the range is unbounded.
func (r TimeRange) IsZero() bool {
	return r.From.IsZero() && r.To.IsZero()
}

// Scope describes what a request is allowed to see and how much of it.
type Scope struct {
	// TenantID is mandatory.
	TenantID string `json:"tenant_id" validate:"required"`

	// ProjectID narrows the scope to a project.
	ProjectID string `json:"project_id,omitempty"`

	// CompanyID narrows the scope to a company.
	CompanyID string `json:"company_id,omitempty"`

	// ShardID is the primary shard the request is about.
	ShardID string `json:"shard_id,omitempty"`

	// TimeRange optionally restricts data by update time.
	TimeRange TimeRange `json:"time_range,omitempty"`

	// MaxShards caps the number of related shards. Zero means unlimited.
	MaxShards int `json:"max_shards,omitempty" validate:"gte=0"`

	// MaxTokens caps the context size. Zero means the model default.
	MaxTokens int `json:"max_tokens,omitempty" validate:"gte=0"`
}

// Validate checks the scope invariants.
func (s Scope) Validate() error {
	if strings.TrimSpace(s.TenantID) == "" {
		return ErrMissingTenant
	}
	if s.MaxShards < 0 || s.MaxTokens < 0 {
		return fmt.Errorf("%w: limits must be non-negative", ErrInvalidScope)
	}
	return nil
}

// PrimaryID returns the most specific shard id named by the scope.
func (s Scope) PrimaryID() string {
	switch {
	case s.ShardID != "":
		return s.ShardID
	case s.ProjectID != "":
		return s.ProjectID
	default:
		return s.CompanyID
	}
}

// Type returns the scope granularity: "shard", "project", "company" or "tenant".
func (s Scope) Type() string {
	switch {
	case s.ShardID != "":
		return "shard"
	case s.ProjectID != "":
		return "project"
	case s.CompanyID != "":
		return "company"
	default:
		return "tenant"
	}
}

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

// Store is the read-only shard store client.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Store interface {
	// GetShard fetches a shard by id.
	//
	// Errors:
	//   ErrShardNotFound - id does not resolve (or is not visible)
	//   ErrStoreUnavailable - store connection exhausted
	GetShard(ctx context.Context, id string) (*Shard, error)

	// GetRelationships returns edges of the given type touching shardID in
	// the given direction. An empty relationshipType matches all types.
	GetRelationships(ctx context.Context, shardID, relationshipType string, dir Direction) ([]Edge, error)
}
