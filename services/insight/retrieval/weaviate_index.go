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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianInsight/services/insight/llm"
	"github.com/AleutianAI/AleutianInsight/services/insight/shard"
	iweaviate "github.com/AleutianAI/AleutianInsight/services/insight/weaviate"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// chunkNamespace seeds the deterministic object ids of chunks.
var chunkNamespace = uuid.MustParse("6f1c1f8e-3f5b-4b7e-9a57-5d3e2b7a9c10")

// WeaviateIndex is a VectorIndex backed by the InsightChunk class.
type WeaviateIndex struct {
	client   *iweaviate.Client
	embedder llm.Embedder
	chunker  *Chunker
	skip     *iweaviate.VectorSearchDegradation
}

// NewWeaviateIndex creates an index over client. embedder vectorizes
// chunks on Upsert.
func NewWeaviateIndex(client *iweaviate.Client, embedder llm.Embedder, chunker *Chunker) *WeaviateIndex {
	if chunker == nil {
		chunker = NewChunker(0, 0, nil)
	}
	skip := iweaviate.NewVectorSearchDegradation(nil)
	client.RegisterHandler(skip)
	return &WeaviateIndex{client: client, embedder: embedder, chunker: chunker, skip: skip}
}

// ChunkObjectID returns the object id for a chunk key.
func ChunkObjectID(key string) string {
	return uuid.NewSHA1(chunkNamespace, []byte(key)).String()
}

type weaviateChunk struct {
	ShardID     string    `json:"shard_id"`
	ShardTypeID string    `json:"shard_type_id"`
	ShardName   string    `json:"shard_name"`
	Content     string    `json:"content"`
	ChunkIndex  int       `json:"chunk_index"`
	TokenCount  int       `json:"token_count"`
	TenantID    string    `json:"tenant_id"`
	ProjectID   string    `json:"project_id"`
	CompanyID   string    `json:"company_id"`
	UpdatedAt   time.Time `json:"updated_at"`
	Additional  struct {
		ID        string  `json:"id"`
		Certainty float64 `json:"certainty"`
	} `json:"_additional"`
}

type chunkSearchResponse struct {
	Get map[string][]weaviateChunk `json:"Get"`
}

// Search implements VectorIndex.
func (w *WeaviateIndex) Search(ctx context.Context, vector []float32, topK int, minScore float64, f Filters) ([]Chunk, error) {
	if w.skip.ShouldSkip() {
		return nil, fmt.Errorf("vector search: %w", ErrIndexUnavailable)
	}
	if len(vector) == 0 {
		return nil, llm.ErrEmptyEmbedding
	}

	var resp *models.GraphQLResponse
	err := w.client.Execute(ctx, "search", func(ctx context.Context) error {
		nearVector := w.client.Weaviate().GraphQL().NearVectorArgBuilder().
			WithVector(vector)
		if minScore > 0 {
			nearVector = nearVector.WithCertainty(float32(minScore))
		}
		q := w.client.Weaviate().GraphQL().Get().
			WithClassName(iweaviate.ChunkClassName).
			WithFields(
				graphql.Field{Name: "shard_id"},
				graphql.Field{Name: "shard_type_id"},
				graphql.Field{Name: "shard_name"},
				graphql.Field{Name: "content"},
				graphql.Field{Name: "chunk_index"},
				graphql.Field{Name: "token_count"},
				graphql.Field{Name: "tenant_id"},
				graphql.Field{Name: "project_id"},
				graphql.Field{Name: "company_id"},
				graphql.Field{Name: "updated_at"},
				graphql.Field{Name: "_additional { id certainty }"},
			).
			WithNearVector(nearVector).
			WithLimit(topK)
		if where := whereFor(f); where != nil {
			q = q.WithWhere(where)
		}
		r, err := q.Do(ctx)
		if err != nil {
			return err
		}
		if len(r.Errors) > 0 {
			return fmt.Errorf("graphql: %s", r.Errors[0].Message)
		}
		resp = r
		return nil
	})
	if err != nil {
		if errors.Is(err, iweaviate.ErrUnavailable) {
			return nil, fmt.Errorf("vector search: %w: %w", ErrIndexUnavailable, err)
		}
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return parseChunks(resp)
}

func parseChunks(resp *models.GraphQLResponse) ([]Chunk, error) {
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal graphql data: %w", err)
	}
	var parsed chunkSearchResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse graphql data: %w", err)
	}
	objs := parsed.Get[iweaviate.ChunkClassName]
	out := make([]Chunk, 0, len(objs))
	for _, o := range objs {
		out = append(out, Chunk{
			ID:           fmt.Sprintf("%s#%d", o.ShardID, o.ChunkIndex),
			ShardID:      o.ShardID,
			ShardTypeID:  o.ShardTypeID,
			ShardName:    o.ShardName,
			Content:      o.Content,
			ChunkIndex:   o.ChunkIndex,
			Score:        o.Additional.Certainty,
			TokenCount:   o.TokenCount,
			EmbeddingRef: o.Additional.ID,
			UpdatedAt:    o.UpdatedAt,
			TenantID:     o.TenantID,
			ProjectID:    o.ProjectID,
			CompanyID:    o.CompanyID,
		})
	}
	sortChunks(out)
	return out, nil
}

// whereFor translates scope filters into a Weaviate where clause. Time
// ranges are applied by the caller through Filters.Match.
func whereFor(f Filters) *filters.WhereBuilder {
	var ops []*filters.WhereBuilder
	eq := func(path, v string) {
		ops = append(ops, filters.Where().
			WithPath([]string{path}).
			WithOperator(filters.Equal).
			WithValueString(v))
	}
	if f.TenantID != "" {
		eq("tenant_id", f.TenantID)
	}
	if f.ProjectID != "" {
		eq("project_id", f.ProjectID)
	}
	if f.CompanyID != "" {
		eq("company_id", f.CompanyID)
	}
	if len(f.ShardTypes) > 0 {
		ops = append(ops, filters.Where().
			WithPath([]string{"shard_type_id"}).
			WithOperator(filters.ContainsAny).
			WithValueText(f.ShardTypes...))
	}
	switch len(ops) {
	case 0:
		return nil
	case 1:
		return ops[0]
	}
	return filters.Where().WithOperator(filters.And).WithOperands(ops)
}

// Upsert chunks and embeds every chunk of s and writes it to Weaviate.
// Returns the number of chunks written.
func (w *WeaviateIndex) Upsert(ctx context.Context, s *shard.Shard) (int, error) {
	return w.upsertChunks(ctx, w.chunker.Split(s))
}

func (w *WeaviateIndex) upsertChunks(ctx context.Context, chunks []Chunk) (int, error) {
	written := 0
	for _, c := range chunks {
		vec, err := w.embedder.Embed(ctx, c.Content)
		if err != nil {
			return written, fmt.Errorf("embed chunk %s: %w", c.Key(), err)
		}
		props := map[string]interface{}{
			"shard_id":      c.ShardID,
			"shard_type_id": c.ShardTypeID,
			"shard_name":    c.ShardName,
			"content":       c.Content,
			"chunk_index":   c.ChunkIndex,
			"token_count":   c.TokenCount,
			"tenant_id":     c.TenantID,
			"project_id":    c.ProjectID,
			"company_id":    c.CompanyID,
		}
		if !c.UpdatedAt.IsZero() {
			props["updated_at"] = c.UpdatedAt.UTC().Format(time.RFC3339)
		}
		id := ChunkObjectID(c.Key())
		err = w.client.Execute(ctx, "upsert", func(ctx context.Context) error {
			_ = w.client.Weaviate().Data().Deleter().
				WithClassName(iweaviate.ChunkClassName).
				WithID(id).
				Do(ctx)
			_, err := w.client.Weaviate().Data().Creator().
				WithClassName(iweaviate.ChunkClassName).
				WithID(id).
				WithProperties(props).
				WithVector(vec).
				Do(ctx)
			return err
		})
		if err != nil {
			return written, fmt.Errorf("write chunk %s: %w", c.Key(), err)
		}
		written++
	}
	return written, nil
}
