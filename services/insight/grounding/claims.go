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
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianInsight/services/insight/llm"
	"github.com/shopspring/decimal"
)

// DefaultExtractTimeout bounds the claim extraction LLM call.
const DefaultExtractTimeout = 20 * time.Second

const minClaimWords = 3

var tenDecimal = decimal.NewFromInt(10)

const extractPrompt = `Split the response below into discrete, checkable claims.
Copy each claim's text verbatim from the response. Classify each claim as one of:
FACT, DATE, QUANTITY, QUOTE, STATUS, RELATIONSHIP, ASSESSMENT, COMPARISON,
PREDICTION, RECOMMENDATION, OPINION, GENERAL.

Reply with JSON only: {"claims":[{"text":"...","type":"..."}]}

Response:
%s`

// Package-level compiled patterns for the heuristic extractor.
var (
	sentenceEndRe = regexp.MustCompile(`[.!?]+["')\]]*(?:\s+|$)|\n+`)
	listMarkerRe  = regexp.MustCompile(`^(?:[-*•]|\d+[.)])\s+`)
	quotedRe      = regexp.MustCompile(`["“]([^"”]+)["”]`)
)

// Cue phrases used by the heuristic classifier, matched on word boundaries.
var (
	opinionCues        = []string{"i think", "i believe", "in my opinion", "i feel", "personally"}
	recommendationCues = []string{"should", "recommend", "recommended", "suggest", "consider", "advise", "we need to"}
	comparisonCues     = []string{"more than", "less than", "higher than", "lower than", "greater than", "compared to", "compared with", "versus", "vs", "exceeds", "larger than", "smaller than"}
	predictionCues     = []string{"will", "likely to", "expected to", "forecast", "projected", "is going to", "predict"}
	relationshipCues   = []string{"owned by", "assigned to", "reports to", "works with", "belongs to", "contact for", "managed by", "is the owner", "is the contact", "linked to", "account manager"}
	assessmentCues     = []string{"risk", "risky", "healthy", "strong", "weak", "concern", "concerned", "concerning", "on track", "behind schedule", "critical", "promising"}
)

// ClaimExtractor splits a response into claims.
//
// Description:
//
//	With a Generator it asks the model for a JSON list of claims and
//	locates each one in the response. Without one, or when the call fails,
//	it splits the response into sentences and classifies them with cue
//	phrases and the value extractors in tolerance.go.
//
// Thread Safety: Safe for concurrent use.
type ClaimExtractor struct {
	gen     llm.Generator
	timeout time.Duration
	logger  *slog.Logger
}

// NewClaimExtractor creates an extractor. gen may be nil.
func NewClaimExtractor(gen llm.Generator, timeout time.Duration, logger *slog.Logger) *ClaimExtractor {
	if timeout <= 0 {
		timeout = DefaultExtractTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ClaimExtractor{gen: gen, timeout: timeout, logger: logger}
}

// Extract returns the claims in response in document order. It only fails
// when ctx is done.
func (e *ClaimExtractor) Extract(ctx context.Context, response string) ([]ExtractedClaim, error) {
	claims, _, err := e.extract(ctx, response)
	return claims, err
}

// extract also reports whether the heuristic fallback produced the claims.
func (e *ClaimExtractor) extract(ctx context.Context, response string) ([]ExtractedClaim, bool, error) {
	if strings.TrimSpace(response) == "" {
		return nil, false, nil
	}
	if e.gen != nil {
		claims, err := e.extractLLM(ctx, response)
		if err == nil && len(claims) > 0 {
			return claims, false, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, ctxErr
		}
		e.logger.Warn("llm claim extraction failed, using heuristic extractor", slog.Any("error", err))
	}
	return HeuristicClaims(response), true, nil
}

type llmClaims struct {
	Claims []struct {
		Text string `json:"text"`
		Type string `json:"type"`
	} `json:"claims"`
}

func (e *ClaimExtractor) extractLLM(ctx context.Context, response string) ([]ExtractedClaim, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	raw, err := e.gen.Generate(callCtx, fmt.Sprintf(extractPrompt, response), llm.GenerateOptions{
		Temperature: llm.Float32(0),
		JSON:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	var parsed llmClaims
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &parsed); err != nil {
		return nil, fmt.Errorf("decode claims: %w", err)
	}

	var out []ExtractedClaim
	cursor := 0
	for _, c := range parsed.Claims {
		text := strings.TrimSpace(c.Text)
		if text == "" {
			continue
		}
		start, end, ok := locate(response, text, cursor)
		if !ok {
			e.logger.Debug("claim not found in response", slog.String("claim", text))
			continue
		}
		cursor = end
		typ := ParseClaimType(c.Type)
		out = append(out, ExtractedClaim{
			Text:           response[start:end],
			Type:           typ,
			StartIndex:     start,
			EndIndex:       end,
			RequiresSource: typ.RequiresSource(),
		})
	}
	assignClaimIDs(out)
	return out, nil
}

// locate finds text in response at or after from, falling back to a
// case-insensitive search over the whole response.
func locate(response, text string, from int) (int, int, bool) {
	if i := strings.Index(response[from:], text); i >= 0 {
		return from + i, from + i + len(text), true
	}
	if i := strings.Index(response, text); i >= 0 {
		return i, i + len(text), true
	}
	lower := strings.ToLower(response)
	if i := strings.Index(lower, strings.ToLower(text)); i >= 0 && len(lower) == len(response) {
		return i, i + len(text), true
	}
	return 0, 0, false
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

func assignClaimIDs(claims []ExtractedClaim) {
	for i := range claims {
		claims[i].ID = fmt.Sprintf("c%d", i+1)
	}
}

// HeuristicClaims splits response into sentence claims and classifies them
// without a model. Sentences shorter than three words and the citation
// footer are skipped.
func HeuristicClaims(response string) []ExtractedClaim {
	var out []ExtractedClaim
	for _, span := range sentences(response) {
		text := response[span[0]:span[1]]
		if strings.HasPrefix(strings.ToLower(text), "sources:") {
			break
		}
		if len(strings.Fields(text)) < minClaimWords {
			continue
		}
		typ := ClassifyClaim(text)
		out = append(out, ExtractedClaim{
			Text:           text,
			Type:           typ,
			StartIndex:     span[0],
			EndIndex:       span[1],
			RequiresSource: typ.RequiresSource(),
		})
	}
	assignClaimIDs(out)
	return out
}

// sentences returns the [start,end) byte spans of the sentences in s with
// list markers and surrounding whitespace removed. The end includes the
// terminal punctuation.
func sentences(s string) [][2]int {
	var spans [][2]int
	add := func(start, end int) {
		for start < end && isSpace(s[start]) {
			start++
		}
		if loc := listMarkerRe.FindStringIndex(s[start:end]); loc != nil {
			start += loc[1]
		}
		for end > start && isSpace(s[end-1]) {
			end--
		}
		if end > start {
			spans = append(spans, [2]int{start, end})
		}
	}
	start := 0
	for _, m := range sentenceEndRe.FindAllStringIndex(s, -1) {
		end := m[1]
		add(start, end)
		start = end
	}
	if start < len(s) {
		add(start, len(s))
	}
	return spans
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// ClassifyClaim assigns a claim type to a sentence.
func ClassifyClaim(text string) ClaimType {
	norm := " " + strings.Join(words(text), " ") + " "
	has := func(cues []string) bool {
		for _, c := range cues {
			if strings.Contains(norm, " "+c+" ") {
				return true
			}
		}
		return false
	}

	switch {
	case hasLongQuote(text):
		return ClaimQuote
	case has(opinionCues):
		return ClaimOpinion
	case has(recommendationCues):
		return ClaimRecommendation
	case len(ExtractDates(text)) > 0:
		return ClaimDate
	case len(claimQuantities(text)) > 0:
		return ClaimQuantity
	case has(comparisonCues):
		return ClaimComparison
	case hasStatus(text):
		return ClaimStatus
	case has(predictionCues):
		return ClaimPrediction
	case has(relationshipCues):
		return ClaimRelationship
	case has(assessmentCues):
		return ClaimAssessment
	case len(Entities(text)) > 0:
		return ClaimFact
	default:
		return ClaimGeneral
	}
}

func hasStatus(text string) bool {
	_, ok := FindStatus(text)
	return ok
}

func hasLongQuote(text string) bool {
	for _, m := range quotedRe.FindAllStringSubmatch(text, -1) {
		if len(strings.Fields(m[1])) >= minQuoteWords {
			return true
		}
	}
	return false
}

// claimQuantities returns the quantities that carry meaning on their own:
// currency, percentages, magnified values and multi-digit numbers that do
// not look like years or sit inside a date.
func claimQuantities(text string) []Quantity {
	dates := ExtractDates(text)
	var out []Quantity
	for _, q := range ExtractQuantities(text) {
		if insideDate(q.Start, q.End, dates) {
			continue
		}
		if !q.Currency && !q.Percent && isPlainYear(q) {
			continue
		}
		if !q.Currency && !q.Percent && q.Value.LessThan(tenDecimal) {
			continue
		}
		out = append(out, q)
	}
	return out
}

func insideDate(start, end int, dates []DateValue) bool {
	for _, d := range dates {
		if start >= d.Start && end <= d.End {
			return true
		}
	}
	return false
}

func isPlainYear(q Quantity) bool {
	if !q.Value.IsInteger() || strings.ContainsAny(q.Raw, ",.kKmMbB") {
		return false
	}
	v := q.Value.IntPart()
	return v >= 1900 && v <= 2100
}
