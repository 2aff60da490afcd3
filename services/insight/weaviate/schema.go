// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package weaviate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate/entities/models"
)

// ChunkClassName is the Weaviate class holding shard chunks.
const ChunkClassName = "InsightChunk"

// ChunkSchema returns the class definition for shard chunks. Vectors are
// supplied by the caller.
func ChunkSchema() *models.Class {
	filterable := true
	field := func(name, desc string) *models.Property {
		return &models.Property{
			Name:            name,
			DataType:        []string{"text"},
			Description:     desc,
			IndexFilterable: &filterable,
			Tokenization:    "field",
		}
	}
	return &models.Class{
		Class:       ChunkClassName,
		Description: "A chunk of shard text used for vector retrieval.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "Chunk text.",
				Tokenization: "word",
			},
			field("shard_id", "Owning shard id."),
			field("shard_type_id", "Owning shard type."),
			field("shard_name", "Owning shard display name."),
			field("tenant_id", "Tenant scope."),
			field("project_id", "Project scope."),
			field("company_id", "Company scope."),
			{
				Name:            "chunk_index",
				DataType:        []string{"int"},
				Description:     "Position of the chunk within its shard.",
				IndexFilterable: &filterable,
			},
			{
				Name:            "token_count",
				DataType:        []string{"int"},
				Description:     "Estimated tokens in the chunk.",
				IndexFilterable: &filterable,
			},
			{
				Name:            "updated_at",
				DataType:        []string{"date"},
				Description:     "Last update time of the owning shard.",
				IndexFilterable: &filterable,
			},
		},
	}
}

// EnsureSchema creates the chunk class if it does not exist.
func (c *Client) EnsureSchema(ctx context.Context) error {
	class := ChunkSchema()
	return c.Execute(ctx, "ensure_schema", func(ctx context.Context) error {
		if _, err := c.client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx); err == nil {
			return nil
		}
		c.logger.Info("creating weaviate class", slog.String("class", class.Class))
		if err := c.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
			return fmt.Errorf("create class %s: %w", class.Class, err)
		}
		return nil
	})
}
