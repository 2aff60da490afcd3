// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package budget

import (
	"errors"

	"github.com/AleutianAI/AleutianInsight/services/insight/template"
)

// ErrTokenBudgetExceeded marks content that did not fit its budget. It is
// never returned to callers of the pipeline; it is recorded as a warning.
var ErrTokenBudgetExceeded = errors.New("token budget exceeded")

const (
	// SystemPromptReserve is held back for the system prompt.
	SystemPromptReserve = 500

	// MaxResponseShare caps the response reserve at 25% of the window.
	MaxResponseShare = 0.25

	// DefaultContextWindow is used when the model window is unknown.
	DefaultContextWindow = 8192
)

// Section names a budgeted part of the assembled context.
type Section string

const (
	SectionPrimary  Section = "primary"
	SectionRelated  Section = "related"
	SectionRAG      Section = "rag"
	SectionMetadata Section = "metadata"
)

// ModelInfo describes the target model.
type ModelInfo struct {
	Name          string `json:"name"`
	ContextWindow int    `json:"context_window"`
}

// Budget is the token allocation for one assembly.
type Budget struct {
	// Window is the effective context window.
	Window int `json:"window"`

	// ReservedForResponse is held back for the model's answer.
	ReservedForResponse int `json:"reserved_for_response"`

	// SystemPrompt is held back for the system prompt.
	SystemPrompt int `json:"system_prompt"`

	// Available is what remains for context sections.
	Available int `json:"available"`

	Primary  int `json:"primary"`
	Related  int `json:"related"`
	RAG      int `json:"rag"`
	Metadata int `json:"metadata"`

	PerShardLimit int `json:"per_shard_limit,omitempty"`
	FieldLimit    int `json:"field_limit,omitempty"`
}

// For returns the budget of section s.
func (b Budget) For(s Section) int {
	switch s {
	case SectionPrimary:
		return b.Primary
	case SectionRelated:
		return b.Related
	case SectionRAG:
		return b.RAG
	case SectionMetadata:
		return b.Metadata
	default:
		return 0
	}
}

// Total is the sum of all section budgets.
func (b Budget) Total() int {
	return b.Primary + b.Related + b.RAG + b.Metadata
}

// Allocate splits model's context window according to limits.
//
// Description:
//
//	reserved = min(limits.ReserveForResponse, 25% of window)
//	available = window - reserved - SystemPromptReserve (floored at 0)
//	each section gets available * percent / 100
//
//	Percentages that sum above 100 are scaled down proportionally so the
//	section budgets never exceed available.
//
// Inputs:
//
//	model - Target model. A zero window uses DefaultContextWindow.
//	limits - Template token limits. Zero values take defaults.
//
// Outputs:
//
//	Budget - The allocation. Total() <= Available always holds.
func Allocate(model ModelInfo, limits template.TokenLimits) Budget {
	limits = limits.WithDefaults()

	window := model.ContextWindow
	if window <= 0 {
		window = DefaultContextWindow
	}

	reserved := limits.ReserveForResponse
	if maxReserve := int(float64(window) * MaxResponseShare); reserved > maxReserve {
		reserved = maxReserve
	}

	available := window - reserved - SystemPromptReserve
	if available < 0 {
		available = 0
	}

	pcts := [4]int{limits.PrimaryPercent, limits.RelatedPercent, limits.RAGPercent, limits.MetadataPercent}
	sum := 0
	for i, p := range pcts {
		if p < 0 {
			pcts[i] = 0
		}
		sum += pcts[i]
	}
	denom := 100
	if sum > 100 {
		denom = sum
	}

	return Budget{
		Window:              window,
		ReservedForResponse: reserved,
		SystemPrompt:        SystemPromptReserve,
		Available:           available,
		Primary:             available * pcts[0] / denom,
		Related:             available * pcts[1] / denom,
		RAG:                 available * pcts[2] / denom,
		Metadata:            available * pcts[3] / denom,
		PerShardLimit:       limits.PerShardLimit,
		FieldLimit:          limits.FieldLimit,
	}
}
