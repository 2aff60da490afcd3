// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package grounding

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianInsight/services/insight/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func opportunity() Source {
	return Source{
		ShardID:     "opp-1",
		ShardName:   "Acme Renewal",
		ShardTypeID: "opportunity",
		Status:      "in_progress",
		Fields: map[string]any{
			"value":      500000.0,
			"close_date": "2025-03-15",
		},
		UpdatedAt: testNow.Add(-2 * time.Hour),
		Primary:   true,
	}
}

func note() Source {
	return Source{
		ShardID:     "note-1",
		ShardName:   "Call notes",
		ShardTypeID: "note",
		Content:     `Customer discussed expansion into EMEA. The buyer said "we need better reporting before renewal" on the call.`,
		UpdatedAt:   testNow.Add(-72 * time.Hour),
	}
}

func testEvidence() *Evidence {
	return NewEvidence("Opportunity: Acme Renewal", opportunity(), note())
}

func claim(text string, typ ClaimType) ExtractedClaim {
	return ExtractedClaim{ID: "c1", Text: text, Type: typ, EndIndex: len(text), RequiresSource: typ.RequiresSource()}
}

func TestMatch_VerifiedExactField(t *testing.T) {
	m := NewSourceMatcher(nil, nil)
	got := m.Match(context.Background(), claim("deal value is $500K", ClaimQuantity), NewEvidence("", opportunity()))

	assert.Equal(t, StatusVerified, got.Status)
	require.NotEmpty(t, got.Sources)
	assert.Equal(t, MatchExact, got.Sources[0].MatchType)
	assert.Equal(t, 1.0, got.Sources[0].MatchScore)
	assert.Equal(t, "opportunity.value", got.Sources[0].Citation.FieldPath)
	assert.Equal(t, "opp-1", got.Sources[0].Citation.ShardID)
	assert.Nil(t, got.Contradiction)
}

func TestMatch_ContradictedField(t *testing.T) {
	m := NewSourceMatcher(nil, nil)
	got := m.Match(context.Background(), claim("deal value is $650K", ClaimQuantity), NewEvidence("", opportunity()))

	assert.Equal(t, StatusContradicted, got.Status)
	require.NotNil(t, got.Contradiction)
	assert.Equal(t, "500000", got.Contradiction.ActualValue)
	assert.Equal(t, "$650K", got.Contradiction.ClaimedValue)
	assert.Equal(t, "opportunity.value", got.Contradiction.FieldPath)
}

func TestMatch_ExactRules(t *testing.T) {
	tests := []struct {
		name      string
		claim     ExtractedClaim
		status    MatchStatus
		matchType MatchType
		actual    string
	}{
		{"within tolerance", claim("The renewal is worth $503,000", ClaimQuantity), StatusVerified, MatchExact, ""},
		{"unnamed equal field", claim("Acme committed 500000 to the program", ClaimQuantity), StatusVerified, MatchExact, ""},
		{"same day", claim("The deal closes on March 15, 2025", ClaimDate), StatusVerified, MatchExact, ""},
		{"same quarter", claim("The deal closes on February 2, 2025", ClaimDate), StatusVerified, MatchExact, ""},
		{"wrong quarter", claim("The deal closes on April 20, 2025", ClaimDate), StatusContradicted, "", "2025-03-15"},
		{"status synonym", claim("Acme Renewal is in progress", ClaimStatus), StatusVerified, MatchExact, ""},
		{"status differs", claim("Acme Renewal is on hold", ClaimStatus), StatusContradicted, "", "in_progress"},
		{"quote found", claim(`The buyer said "we need better reporting before renewal".`, ClaimQuote), StatusVerified, MatchExact, ""},
		{"quote missing", claim(`The buyer said "we are moving to a competitor".`, ClaimQuote), StatusUnverified, "", ""},
		{"opinion skips exact rules", claim("I think Acme Renewal is worth $500K", ClaimOpinion), StatusUnverified, "", ""},
	}
	m := NewSourceMatcher(nil, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.Match(context.Background(), tt.claim, testEvidence())
			assert.Equal(t, tt.status, got.Status)
			if tt.matchType != "" {
				require.NotEmpty(t, got.Sources)
				assert.Equal(t, tt.matchType, got.Sources[0].MatchType)
			}
			if tt.actual != "" {
				require.NotNil(t, got.Contradiction)
				assert.Equal(t, tt.actual, got.Contradiction.ActualValue)
			}
		})
	}
}

func TestMatch_TargetConflictOutweighsCoincidentalMatch(t *testing.T) {
	budgetPlan := Source{
		ShardID:     "budget-1",
		ShardName:   "Budget Plan",
		ShardTypeID: "budget",
		Fields: map[string]any{
			"planned_spend": 650000.0,
			"review_date":   "2025-05-01",
		},
		UpdatedAt: testNow.Add(-24 * time.Hour),
	}
	otherDeal := Source{
		ShardID:     "opp-2",
		ShardName:   "Initech Expansion",
		ShardTypeID: "opportunity",
		Fields:      map[string]any{"value": 650000.0},
		UpdatedAt:   testNow.Add(-24 * time.Hour),
	}

	tests := []struct {
		name   string
		claim  ExtractedClaim
		ev     *Evidence
		field  string
		actual string
	}{
		{
			name:   "unnamed field on another shard",
			claim:  claim("The Acme Renewal deal value is $650K.", ClaimQuantity),
			ev:     NewEvidence("", opportunity(), budgetPlan),
			field:  "opportunity.value",
			actual: "500000",
		},
		{
			name:   "named field on another shard",
			claim:  claim("The Acme Renewal deal value is $650K.", ClaimQuantity),
			ev:     NewEvidence("", opportunity(), otherDeal),
			field:  "opportunity.value",
			actual: "500000",
		},
		{
			name:   "unnamed date on another shard",
			claim:  claim("The Acme Renewal deal closes on May 1, 2025.", ClaimDate),
			ev:     NewEvidence("", opportunity(), budgetPlan),
			field:  "opportunity.close_date",
			actual: "2025-03-15",
		},
	}
	m := NewSourceMatcher(nil, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.Match(context.Background(), tt.claim, tt.ev)
			assert.Equal(t, StatusContradicted, got.Status)
			require.NotNil(t, got.Contradiction)
			assert.Equal(t, tt.field, got.Contradiction.FieldPath)
			assert.Equal(t, tt.actual, got.Contradiction.ActualValue)
		})
	}
}

func TestMatch_TargetMatchSuppressesOtherConflicts(t *testing.T) {
	otherDeal := Source{
		ShardID:     "opp-2",
		ShardName:   "Initech Expansion",
		ShardTypeID: "opportunity",
		Fields:      map[string]any{"value": 650000.0},
	}
	m := NewSourceMatcher(nil, nil)
	got := m.Match(context.Background(), claim("The Acme Renewal deal value is $500K.", ClaimQuantity),
		NewEvidence("", opportunity(), otherDeal))

	assert.Equal(t, StatusVerified, got.Status)
	assert.Nil(t, got.Contradiction)
	require.NotEmpty(t, got.Sources)
	assert.Equal(t, "opp-1", got.Sources[0].Citation.ShardID)
}

func TestMatch_StatusWordInFactDoesNotContradict(t *testing.T) {
	m := NewSourceMatcher(nil, nil)
	got := m.Match(context.Background(), claim("Globex signed a partnership with another vendor", ClaimFact), testEvidence())
	assert.Nil(t, got.Contradiction)
	assert.Equal(t, StatusUnverified, got.Status)
}

// keywordEmbedder maps text mentioning "expansion" and everything else to
// orthogonal vectors.
func keywordEmbedder(calls *atomic.Int64) llm.Embedder {
	return llm.EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		calls.Add(1)
		if strings.Contains(strings.ToLower(text), "expansion") {
			return []float32{1, 0}, nil
		}
		return []float32{0, 1}, nil
	})
}

func TestMatch_Semantic(t *testing.T) {
	var calls atomic.Int64
	m := NewSourceMatcher(keywordEmbedder(&calls), nil)
	ev := testEvidence()

	got := m.Match(context.Background(), claim("The team is planning an expansion", ClaimFact), ev)
	assert.Equal(t, StatusVerified, got.Status)
	require.Len(t, got.Sources, 1)
	assert.Equal(t, MatchSemantic, got.Sources[0].MatchType)
	assert.Equal(t, "note-1", got.Sources[0].Citation.ShardID)
	assert.InDelta(t, 1.0, got.Sources[0].MatchScore, 1e-9)
	assert.Equal(t, int64(3), calls.Load(), "claim plus two sources")

	m.Match(context.Background(), claim("Another expansion claim here", ClaimFact), ev)
	assert.Equal(t, int64(4), calls.Load(), "source vectors are cached on the evidence")
}

func TestMatch_SemanticEmbedFailureFallsBackToInferred(t *testing.T) {
	failing := llm.EmbedderFunc(func(context.Context, string) ([]float32, error) {
		return nil, errors.New("embedding service down")
	})
	m := NewSourceMatcher(failing, nil)
	got := m.Match(context.Background(), claim("Customer discussed expansion into EMEA", ClaimFact), testEvidence())

	require.NotEmpty(t, got.Sources)
	assert.Equal(t, MatchInferred, got.Sources[0].MatchType)
	assert.Equal(t, "note-1", got.Sources[0].Citation.ShardID)
	assert.LessOrEqual(t, got.Sources[0].MatchScore, inferredFactor)
	assert.Equal(t, StatusPartiallyVerified, got.Status)
}

func TestMatch_NoEvidence(t *testing.T) {
	m := NewSourceMatcher(nil, nil)
	got := m.Match(context.Background(), claim("deal value is $500K", ClaimQuantity), nil)
	assert.Equal(t, StatusUnverified, got.Status)
	assert.Empty(t, got.Sources)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, StatusVerified, StatusFor(0.9, false))
	assert.Equal(t, StatusPartiallyVerified, StatusFor(0.7, false))
	assert.Equal(t, StatusPartiallyVerified, StatusFor(0.89, false))
	assert.Equal(t, StatusUnverified, StatusFor(0.69, false))
	assert.Equal(t, StatusContradicted, StatusFor(1.0, true))
}

func TestFieldWords(t *testing.T) {
	assert.Equal(t, []string{"close", "date"}, fieldWords("close_date"))
	assert.Equal(t, []string{"deal", "value"}, fieldWords("dealValue"))
	assert.Equal(t, []string{"value"}, fieldWords("value"))
}
