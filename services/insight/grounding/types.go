// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package grounding checks an LLM response against the context it was given:
// it extracts claims, matches them to sources, detects hallucinations,
// scores confidence and injects citations.
package grounding

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	// ErrContradictionDetected marks a response that contradicts its
	// context after the corrective regeneration.
	ErrContradictionDetected = errors.New("response contradicts context")

	// ErrGroundingUnavailable marks a response returned ungrounded because
	// the grounding pipeline could not run.
	ErrGroundingUnavailable = errors.New("grounding unavailable")
)

// -----------------------------------------------------------------------------
// Claims
// -----------------------------------------------------------------------------

// ClaimType classifies an extracted claim. The set is closed.
type ClaimType int

const (
	ClaimGeneral ClaimType = iota
	ClaimFact
	ClaimDate
	ClaimQuantity
	ClaimQuote
	ClaimStatus
	ClaimRelationship
	ClaimAssessment
	ClaimComparison
	ClaimPrediction
	ClaimRecommendation
	ClaimOpinion
)

var claimTypeNames = [...]string{
	ClaimGeneral:        "GENERAL",
	ClaimFact:           "FACT",
	ClaimDate:           "DATE",
	ClaimQuantity:       "QUANTITY",
	ClaimQuote:          "QUOTE",
	ClaimStatus:         "STATUS",
	ClaimRelationship:   "RELATIONSHIP",
	ClaimAssessment:     "ASSESSMENT",
	ClaimComparison:     "COMPARISON",
	ClaimPrediction:     "PREDICTION",
	ClaimRecommendation: "RECOMMENDATION",
	ClaimOpinion:        "OPINION",
}

// AllClaimTypes lists every claim type.
func AllClaimTypes() []ClaimType {
	out := make([]ClaimType, len(claimTypeNames))
	for i := range claimTypeNames {
		out[i] = ClaimType(i)
	}
	return out
}

func (t ClaimType) String() string {
	if t < 0 || int(t) >= len(claimTypeNames) {
		return "GENERAL"
	}
	return claimTypeNames[t]
}

// ParseClaimType maps a name to a ClaimType. Unknown names are GENERAL.
func ParseClaimType(s string) ClaimType {
	s = strings.ToUpper(strings.TrimSpace(s))
	for i, n := range claimTypeNames {
		if n == s {
			return ClaimType(i)
		}
	}
	return ClaimGeneral
}

// MarshalText implements encoding.TextMarshaler.
func (t ClaimType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *ClaimType) UnmarshalText(b []byte) error {
	*t = ParseClaimType(string(b))
	return nil
}

// RequiresSource reports whether claims of this type must be backed by
// context data.
func (t ClaimType) RequiresSource() bool {
	switch t {
	case ClaimFact, ClaimDate, ClaimQuantity, ClaimQuote, ClaimStatus, ClaimRelationship, ClaimComparison:
		return true
	case ClaimGeneral, ClaimAssessment, ClaimPrediction, ClaimRecommendation, ClaimOpinion:
		return false
	}
	return false
}

// ExtractedClaim is one checkable statement in a response. StartIndex and
// EndIndex are byte offsets into the response.
type ExtractedClaim struct {
	ID             string    `json:"id"`
	Text           string    `json:"text"`
	Type           ClaimType `json:"type"`
	StartIndex     int       `json:"start_index"`
	EndIndex       int       `json:"end_index"`
	RequiresSource bool      `json:"requires_source"`
}

// -----------------------------------------------------------------------------
// Matches
// -----------------------------------------------------------------------------

// MatchStatus is the verification outcome for a claim.
type MatchStatus string

const (
	StatusVerified          MatchStatus = "verified"
	StatusPartiallyVerified MatchStatus = "partially_verified"
	StatusUnverified        MatchStatus = "unverified"
	StatusContradicted      MatchStatus = "contradicted"
)

// MatchType says how a source was matched.
type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchSemantic MatchType = "semantic"
	MatchInferred MatchType = "inferred"
)

// Status thresholds.
const (
	VerifiedThreshold = 0.9
	PartialThreshold  = 0.7
)

// Citation is a source that can be cited in the response.
type Citation struct {
	// ID is the citation number shown in the response. Zero until injected.
	ID            int       `json:"id"`
	ShardID       string    `json:"shard_id"`
	ShardName     string    `json:"shard_name"`
	ShardTypeID   string    `json:"shard_type_id"`
	FieldPath     string    `json:"field_path,omitempty"`
	DataUpdatedAt time.Time `json:"data_updated_at"`
}

// MatchedSource is one piece of evidence supporting a claim.
type MatchedSource struct {
	Citation   Citation  `json:"citation"`
	MatchType  MatchType `json:"match_type"`
	MatchScore float64   `json:"match_score"`
	Excerpt    string    `json:"excerpt,omitempty"`
}

// Contradiction records a structured field that disagrees with a claim.
type Contradiction struct {
	FieldPath    string `json:"field_path"`
	ClaimedValue string `json:"claimed_value"`
	ActualValue  string `json:"actual_value"`
}

// SourceMatch is the verification result for one claim.
type SourceMatch struct {
	Claim         ExtractedClaim  `json:"claim"`
	Status        MatchStatus     `json:"status"`
	Sources       []MatchedSource `json:"sources,omitempty"`
	Contradiction *Contradiction  `json:"contradiction,omitempty"`
}

// BestScore returns the highest source score, or 0.
func (m SourceMatch) BestScore() float64 {
	best := 0.0
	for _, s := range m.Sources {
		if s.MatchScore > best {
			best = s.MatchScore
		}
	}
	return best
}

// StatusFor resolves a status from the best source score.
func StatusFor(best float64, contradicted bool) MatchStatus {
	switch {
	case contradicted:
		return StatusContradicted
	case best >= VerifiedThreshold:
		return StatusVerified
	case best >= PartialThreshold:
		return StatusPartiallyVerified
	default:
		return StatusUnverified
	}
}

// -----------------------------------------------------------------------------
// Hallucinations
// -----------------------------------------------------------------------------

// Severity ranks a hallucination.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// HallucinationType names a detector finding.
type HallucinationType string

const (
	HallucinationEntity      HallucinationType = "entity_not_in_context"
	HallucinationNumber      HallucinationType = "number_not_in_context"
	HallucinationDate        HallucinationType = "date_not_in_context"
	HallucinationQuote       HallucinationType = "quote_not_in_context"
	HallucinationContradict  HallucinationType = "contradiction"
	HallucinationUnsupported HallucinationType = "unsupported_claim"
)

// HallucinationResult is one detector finding.
type HallucinationResult struct {
	Type       HallucinationType `json:"type"`
	Severity   Severity          `json:"severity"`
	Text       string            `json:"text"`
	Message    string            `json:"message"`
	StartIndex int               `json:"start_index"`
	EndIndex   int               `json:"end_index"`
	ClaimID    string            `json:"claim_id,omitempty"`
}

// -----------------------------------------------------------------------------
// Confidence
// -----------------------------------------------------------------------------

// ConfidenceLevel buckets a confidence score.
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

// ConfidenceScore is the overall trust in a grounded response.
type ConfidenceScore struct {
	Level   ConfidenceLevel   `json:"level"`
	Score   float64           `json:"score"`
	Factors ConfidenceFactors `json:"factors"`
	Caveats []string          `json:"caveats,omitempty"`
}

// -----------------------------------------------------------------------------
// Evidence
// -----------------------------------------------------------------------------

// Source is one shard, field or chunk the response may rely on.
type Source struct {
	ShardID     string         `json:"shard_id"`
	ShardName   string         `json:"shard_name"`
	ShardTypeID string         `json:"shard_type_id"`
	Status      string         `json:"status,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
	Content     string         `json:"content,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`

	// Primary marks the shard the context is about.
	Primary bool `json:"primary,omitempty"`
}

func (s Source) citation(fieldPath string) Citation {
	return Citation{
		ShardID:       s.ShardID,
		ShardName:     s.ShardName,
		ShardTypeID:   s.ShardTypeID,
		FieldPath:     fieldPath,
		DataUpdatedAt: s.UpdatedAt,
	}
}

// text renders the source as searchable text.
func (s Source) text() string {
	var b strings.Builder
	b.WriteString(s.ShardName)
	if s.Status != "" {
		b.WriteString("\nstatus: ")
		b.WriteString(s.Status)
	}
	for k, v := range s.Fields {
		fmt.Fprintf(&b, "\n%s: %v", k, v)
	}
	if s.Content != "" {
		b.WriteString("\n")
		b.WriteString(s.Content)
	}
	return b.String()
}

// Evidence is the context a response is grounded against.
//
// Thread Safety: Safe for concurrent use once built.
type Evidence struct {
	Sources []Source `json:"sources"`

	// Text is the formatted context given to the model.
	Text string `json:"text,omitempty"`

	// Completeness is the share of required relationships that were found,
	// in [0,1].
	Completeness float64 `json:"completeness"`

	corpusOnce sync.Once
	corpus     string

	vecMu sync.Mutex
	vecs  map[int][]float32
}

// NewEvidence creates evidence with full completeness.
func NewEvidence(text string, sources ...Source) *Evidence {
	return &Evidence{Sources: sources, Text: text, Completeness: 1}
}

// Corpus returns all evidence text, normalized for containment checks.
func (e *Evidence) Corpus() string {
	e.corpusOnce.Do(func() {
		var b strings.Builder
		b.WriteString(e.Text)
		for _, s := range e.Sources {
			b.WriteString("\n")
			b.WriteString(s.text())
		}
		e.corpus = normalizeText(b.String())
	})
	return e.corpus
}

// -----------------------------------------------------------------------------
// Output
// -----------------------------------------------------------------------------

// Warning is a grounding finding surfaced to the caller.
type Warning struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Warning codes.
const (
	CodeContradiction  = "contradiction_detected"
	CodeHallucination  = "hallucination"
	CodeUnavailable    = "grounding_unavailable"
	CodeHeuristicClaim = "heuristic_claim_extraction"
)

// GroundedResponse is the response with citations, confidence and warnings.
type GroundedResponse struct {
	ID              string                `json:"id"`
	Content         string                `json:"content"`
	OriginalContent string                `json:"original_content"`
	Claims          []SourceMatch         `json:"claims"`
	Citations       []Citation            `json:"citations"`
	Hallucinations  []HallucinationResult `json:"hallucinations,omitempty"`
	Confidence      ConfidenceScore       `json:"confidence"`
	Warnings        []Warning             `json:"warnings,omitempty"`
	Regenerated     bool                  `json:"regenerated"`
	Degraded        bool                  `json:"degraded"`
}
