// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package insight

import (
	"github.com/AleutianAI/AleutianInsight/services/insight/assembly"
	"github.com/AleutianAI/AleutianInsight/services/insight/grounding"
	"github.com/AleutianAI/AleutianInsight/services/insight/shard"
	"github.com/AleutianAI/AleutianInsight/services/insight/template"
)

// ServiceVersion is the insight service version.
const ServiceVersion = "0.1.0"

// =============================================================================
// Requests
// =============================================================================

// ContextRequest is the request body for POST /v1/insight/context.
type ContextRequest struct {
	// Scope selects the tenant data. TenantID is required.
	Scope shard.Scope `json:"scope"`

	// TemplateID selects a template explicitly. Empty lets the resolver
	// pick one from the insight type and primary shard.
	TemplateID string `json:"template_id,omitempty" binding:"max=128"`

	// Query is the user question.
	Query string `json:"query" binding:"max=8000"`

	// MaxTokens is the model context window. Zero uses the scope limit,
	// then the service default.
	MaxTokens int `json:"max_tokens,omitempty" binding:"gte=0,lte=2000000"`

	// IncludeRAG enables hybrid retrieval. Default: true
	IncludeRAG *bool `json:"include_rag,omitempty"`

	InsightType    string `json:"insight_type,omitempty"`
	InsightSubtype string `json:"insight_subtype,omitempty"`
	AssistantID    string `json:"assistant_id,omitempty"`
	Model          string `json:"model,omitempty"`
}

// options converts the request knobs to assembly options.
func (r *ContextRequest) options() assembly.Options {
	includeRAG := true
	if r.IncludeRAG != nil {
		includeRAG = *r.IncludeRAG
	}
	return assembly.Options{
		MaxTokens:      r.MaxTokens,
		IncludeRAG:     includeRAG,
		InsightType:    r.InsightType,
		InsightSubtype: r.InsightSubtype,
		AssistantID:    r.AssistantID,
		Model:          r.Model,
	}
}

// GroundRequest is the request body for POST /v1/insight/ground.
//
// Exactly one of Context and Evidence must be set. With Context the
// evidence comes from a fresh assembly; when Response is also empty the
// configured generator answers the query from that context first.
type GroundRequest struct {
	// Response is the raw model output to verify.
	Response string `json:"response,omitempty" binding:"max=200000"`

	// Context assembles the evidence for Response.
	Context *ContextRequest `json:"context,omitempty"`

	// Evidence is caller-supplied evidence.
	Evidence *grounding.Evidence `json:"evidence,omitempty"`
}

// =============================================================================
// Responses
// =============================================================================

// ContextResponse is the response for POST /v1/insight/context.
type ContextResponse struct {
	*assembly.AssembledContext

	// Completeness folds required coverage and truncation into [0,1].
	Completeness float64 `json:"completeness"`
}

// GroundResponse is the response for POST /v1/insight/ground.
type GroundResponse struct {
	Grounded *grounding.GroundedResponse `json:"grounded"`

	// ContextID and Fingerprint identify the assembled context when the
	// request carried one.
	ContextID   string `json:"context_id,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`

	// Generated is true when the response was produced by the service.
	Generated bool `json:"generated"`

	// ContextWarnings are the assembly warnings of the evidence.
	ContextWarnings []assembly.Warning `json:"context_warnings,omitempty"`
}

// TemplateSummary is one entry of GET /v1/insight/templates.
type TemplateSummary struct {
	ID                     string   `json:"id"`
	Name                   string   `json:"name"`
	Version                int      `json:"version"`
	ApplicableShardTypes   []string `json:"applicable_shard_types,omitempty"`
	ApplicableInsightTypes []string `json:"applicable_insight_types,omitempty"`
	Relationships          int      `json:"relationships"`
	RAGEnabled             bool     `json:"rag_enabled"`
	IsDefault              bool     `json:"is_default"`
	IsActive               bool     `json:"is_active"`
	IsSystem               bool     `json:"is_system"`
}

func summarize(t *template.ContextTemplate) TemplateSummary {
	return TemplateSummary{
		ID:                     t.ID,
		Name:                   t.Name,
		Version:                t.Version,
		ApplicableShardTypes:   t.ApplicableShardTypes,
		ApplicableInsightTypes: t.ApplicableInsightTypes,
		Relationships:          len(t.Relationships),
		RAGEnabled:             t.RAG.Enabled,
		IsDefault:              t.IsDefault,
		IsActive:               t.IsActive,
		IsSystem:               t.IsSystem,
	}
}

// TemplatesResponse is the response for GET /v1/insight/templates.
type TemplatesResponse struct {
	Templates []TemplateSummary `json:"templates"`
	Count     int               `json:"count"`
}

// NewTemplatesResponse summarizes list.
func NewTemplatesResponse(list []*template.ContextTemplate) TemplatesResponse {
	resp := TemplatesResponse{Templates: make([]TemplateSummary, 0, len(list)), Count: len(list)}
	for _, t := range list {
		resp.Templates = append(resp.Templates, summarize(t))
	}
	return resp
}

// TemplateResponse is the response for GET /v1/insight/templates/:id.
type TemplateResponse struct {
	Template *template.ContextTemplate `json:"template"`
}

// HealthResponse is the response for GET /v1/insight/health.
type HealthResponse struct {
	// Status is "healthy" or "degraded". Degraded dependencies reduce
	// retrieval or grounding quality but never fail requests.
	Status       string            `json:"status"`
	Version      string            `json:"version"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the machine readable error code.
	Code string `json:"code,omitempty"`

	// Details provides additional error context (optional).
	Details string `json:"details,omitempty"`
}
