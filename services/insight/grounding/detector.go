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
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// minQuoteWords is the shortest quoted passage checked against context.
const minQuoteWords = 3

var entityRe = regexp.MustCompile(`\p{Lu}[\p{L}\p{N}&'-]*(?:[ \t]+\p{Lu}[\p{L}\p{N}&'-]*)*`)

// leadingStopwords are capitalized words that open a sentence or phrase
// without being part of a name.
var leadingStopwords = map[string]struct{}{
	"The": {}, "A": {}, "An": {}, "This": {}, "That": {}, "These": {}, "Those": {},
	"Our": {}, "Their": {}, "Its": {}, "In": {}, "On": {}, "At": {}, "For": {},
	"With": {}, "By": {}, "From": {}, "To": {}, "And": {}, "But": {}, "If": {},
	"When": {}, "While": {}, "As": {}, "Per": {}, "However": {}, "Also": {},
}

// ignoredEntities are capitalized tokens that never name a context entity.
var ignoredEntities = map[string]struct{}{
	"I": {}, "Q1": {}, "Q2": {}, "Q3": {}, "Q4": {}, "FY": {}, "USD": {}, "EUR": {},
	"CEO": {}, "CFO": {}, "CTO": {}, "COO": {}, "VP": {}, "ARR": {}, "MRR": {},
	"ROI": {}, "KPI": {}, "AI": {}, "Sources": {}, "Note": {}, "Warning": {},
	"Monday": {}, "Tuesday": {}, "Wednesday": {}, "Thursday": {}, "Friday": {},
	"Saturday": {}, "Sunday": {}, "January": {}, "February": {}, "March": {},
	"April": {}, "May": {}, "June": {}, "July": {}, "August": {}, "September": {},
	"October": {}, "November": {}, "December": {},
}

// Span is a located piece of text.
type Span struct {
	Text  string
	Start int
	End   int
}

// commonOpeners are ordinary words that are capitalized only because they
// open a sentence. Other single capitalized words at a sentence start are
// treated as names.
var commonOpeners = map[string]struct{}{
	"it": {}, "we": {}, "they": {}, "he": {}, "she": {}, "you": {}, "there": {},
	"here": {}, "then": {}, "next": {}, "so": {}, "because": {}, "since": {},
	"after": {}, "before": {}, "during": {}, "although": {}, "though": {},
	"overall": {}, "additionally": {}, "currently": {}, "recently": {},
	"finally": {}, "first": {}, "second": {}, "third": {}, "lastly": {},
	"both": {}, "each": {}, "all": {}, "some": {}, "most": {}, "many": {},
	"no": {}, "yes": {}, "not": {}, "please": {}, "based": {}, "given": {},
	"according": {}, "therefore": {}, "thus": {}, "what": {}, "which": {},
	"who": {}, "how": {}, "why": {}, "where": {}, "is": {}, "are": {},
	"was": {}, "were": {}, "has": {}, "have": {}, "had": {}, "will": {},
	"would": {}, "should": {}, "could": {}, "can": {}, "may": {}, "might": {},
	"must": {}, "do": {}, "does": {}, "did": {}, "let": {}, "consider": {},
	"see": {}, "review": {}, "revenue": {}, "value": {}, "budget": {},
	"status": {}, "stage": {}, "risk": {}, "risks": {}, "pricing": {},
	"progress": {}, "customer": {}, "customers": {}, "client": {}, "deal": {},
	"renewal": {}, "project": {}, "timeline": {}, "summary": {}, "key": {},
	"recommendation": {}, "recommendations": {},
	"competitor": {}, "competitors": {}, "sales": {}, "growth": {},
}

// Entities returns the capitalized name sequences in text. Leading
// stopwords are stripped. Matches glued to a preceding letter or digit
// ("$500K") and single letters are skipped, as are single common words
// that only open a sentence.
func Entities(text string) []Span {
	var out []Span
	for _, loc := range entityRe.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]
		if prev, _ := utf8.DecodeLastRuneInString(text[:start]); start > 0 && (unicode.IsLetter(prev) || unicode.IsDigit(prev)) {
			continue
		}
		tokens := strings.Fields(text[start:end])
		for len(tokens) > 0 {
			if _, stop := leadingStopwords[tokens[0]]; !stop {
				break
			}
			start = start + strings.Index(text[start:end], tokens[0]) + len(tokens[0])
			for start < end && (text[start] == ' ' || text[start] == '\t') {
				start++
			}
			tokens = tokens[1:]
		}
		if len(tokens) == 0 {
			continue
		}
		if len(tokens) == 1 {
			if utf8.RuneCountInString(tokens[0]) == 1 {
				continue
			}
			if _, skip := ignoredEntities[tokens[0]]; skip {
				continue
			}
			if _, common := commonOpeners[strings.ToLower(tokens[0])]; common && sentenceStart(text, loc[0]) && start == loc[0] {
				continue
			}
		}
		out = append(out, Span{Text: text[start:end], Start: start, End: end})
	}
	return out
}

// sentenceStart reports whether i is the first word of a sentence or list
// item.
func sentenceStart(text string, i int) bool {
	j := i - 1
	for j >= 0 && (text[j] == ' ' || text[j] == '\t' || text[j] == '"' || text[j] == '(' || text[j] == '*') {
		j--
	}
	if j < 0 {
		return true
	}
	switch text[j] {
	case '.', '!', '?', '\n', ':', '-':
		return true
	}
	return false
}

// Detector flags response content that is absent from, or contradicts,
// the evidence.
//
// Description:
//
//	Entity names absent from the context are high severity, unseen numbers
//	and dates are medium, fabricated quotes are high and contradictions are
//	critical. Claims that need a source but matched none are reported as
//	unsupported with a severity that depends on the claim type.
//
// Thread Safety: Safe for concurrent use.
type Detector struct {
	logger *slog.Logger
}

// NewDetector creates a detector.
func NewDetector(logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{logger: logger}
}

// Detect runs every detector over response and returns the findings in
// document order.
func (d *Detector) Detect(ctx context.Context, response string, ev *Evidence, matches []SourceMatch) []HallucinationResult {
	_, span := tracer.Start(ctx, "grounding.Detector.Detect")
	defer span.End()

	if ev == nil {
		ev = NewEvidence("")
	}
	corpus := ev.Corpus()
	corpusWords := wordSet(corpus)
	contradicted := contradictedSpans(matches)

	var out []HallucinationResult
	out = append(out, d.entities(response, corpus, corpusWords)...)
	out = append(out, d.numbers(response, ev, contradicted)...)
	out = append(out, d.dates(response, ev, contradicted)...)
	out = append(out, d.quotes(response, corpus)...)
	out = append(out, contradictions(matches)...)
	out = append(out, unsupported(matches)...)

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartIndex != out[j].StartIndex {
			return out[i].StartIndex < out[j].StartIndex
		}
		return out[i].Type < out[j].Type
	})

	for _, h := range out {
		if h.Severity == SeverityLow {
			d.logger.Debug("low severity grounding finding",
				slog.String("type", string(h.Type)),
				slog.String("text", h.Text))
		}
	}
	return out
}

func (d *Detector) entities(response, corpus string, corpusWords map[string]struct{}) []HallucinationResult {
	var out []HallucinationResult
	seen := make(map[string]struct{})
	for _, e := range Entities(response) {
		norm := normalizeText(e.Text)
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		if entityPresent(norm, corpus, corpusWords) {
			continue
		}
		out = append(out, HallucinationResult{
			Type:       HallucinationEntity,
			Severity:   SeverityHigh,
			Text:       e.Text,
			Message:    fmt.Sprintf("%q does not appear in the context", e.Text),
			StartIndex: e.Start,
			EndIndex:   e.End,
		})
	}
	return out
}

// entityPresent checks exact containment, then whether every token is a
// corpus word or one edit away from one.
func entityPresent(norm, corpus string, corpusWords map[string]struct{}) bool {
	if strings.Contains(corpus, norm) {
		return true
	}
	for _, tok := range words(norm) {
		if _, ok := corpusWords[tok]; ok {
			continue
		}
		if len(tok) >= 5 && nearWord(tok, corpusWords) {
			continue
		}
		return false
	}
	return true
}

func nearWord(tok string, corpusWords map[string]struct{}) bool {
	for w := range corpusWords {
		if abs(len(w)-len(tok)) <= 1 && editDistance(tok, w) <= 1 {
			return true
		}
	}
	return false
}

func (d *Detector) numbers(response string, ev *Evidence, skip [][2]int) []HallucinationResult {
	known := evidenceNumbers(ev)
	var out []HallucinationResult
	for _, q := range claimQuantities(response) {
		if within(q.Start, skip) {
			continue
		}
		if containsNumber(known, q.Value) {
			continue
		}
		out = append(out, HallucinationResult{
			Type:       HallucinationNumber,
			Severity:   SeverityMedium,
			Text:       q.Raw,
			Message:    fmt.Sprintf("the value %s is not in the context", q.Raw),
			StartIndex: q.Start,
			EndIndex:   q.End,
		})
	}
	return out
}

func (d *Detector) dates(response string, ev *Evidence, skip [][2]int) []HallucinationResult {
	known := evidenceDates(ev)
	var out []HallucinationResult
	for _, dt := range ExtractDates(response) {
		if within(dt.Start, skip) {
			continue
		}
		found := false
		for _, k := range known {
			if DateScore(dt, k.Time) > 0 || (k.Quarter && DateScore(k, dt.Time) > 0) {
				found = true
				break
			}
		}
		if found {
			continue
		}
		out = append(out, HallucinationResult{
			Type:       HallucinationDate,
			Severity:   SeverityMedium,
			Text:       dt.Raw,
			Message:    fmt.Sprintf("the date %s is not in the context", dt.Raw),
			StartIndex: dt.Start,
			EndIndex:   dt.End,
		})
	}
	return out
}

func (d *Detector) quotes(response, corpus string) []HallucinationResult {
	var out []HallucinationResult
	for _, m := range quotedRe.FindAllStringSubmatchIndex(response, -1) {
		q := response[m[2]:m[3]]
		if len(strings.Fields(q)) < minQuoteWords {
			continue
		}
		if strings.Contains(corpus, normalizeText(q)) {
			continue
		}
		out = append(out, HallucinationResult{
			Type:       HallucinationQuote,
			Severity:   SeverityHigh,
			Text:       response[m[0]:m[1]],
			Message:    "quoted text does not appear in the context",
			StartIndex: m[0],
			EndIndex:   m[1],
		})
	}
	return out
}

func contradictions(matches []SourceMatch) []HallucinationResult {
	var out []HallucinationResult
	for _, m := range matches {
		c := m.Contradiction
		if c == nil {
			continue
		}
		out = append(out, HallucinationResult{
			Type:     HallucinationContradict,
			Severity: SeverityCritical,
			Text:     m.Claim.Text,
			Message: fmt.Sprintf("claims %s but %s is %s",
				c.ClaimedValue, c.FieldPath, c.ActualValue),
			StartIndex: m.Claim.StartIndex,
			EndIndex:   m.Claim.EndIndex,
			ClaimID:    m.Claim.ID,
		})
	}
	return out
}

func unsupported(matches []SourceMatch) []HallucinationResult {
	var out []HallucinationResult
	for _, m := range matches {
		if !m.Claim.RequiresSource || m.Status != StatusUnverified {
			continue
		}
		out = append(out, HallucinationResult{
			Type:       HallucinationUnsupported,
			Severity:   unsupportedSeverity(m.Claim.Type),
			Text:       m.Claim.Text,
			Message:    fmt.Sprintf("%s claim has no supporting source", strings.ToLower(m.Claim.Type.String())),
			StartIndex: m.Claim.StartIndex,
			EndIndex:   m.Claim.EndIndex,
			ClaimID:    m.Claim.ID,
		})
	}
	return out
}

func unsupportedSeverity(t ClaimType) Severity {
	switch t {
	case ClaimQuote:
		return SeverityHigh
	case ClaimQuantity, ClaimDate, ClaimStatus:
		return SeverityMedium
	case ClaimFact, ClaimRelationship, ClaimComparison:
		return SeverityLow
	case ClaimGeneral, ClaimAssessment, ClaimPrediction, ClaimRecommendation, ClaimOpinion:
		return SeverityLow
	}
	return SeverityLow
}

func contradictedSpans(matches []SourceMatch) [][2]int {
	var out [][2]int
	for _, m := range matches {
		if m.Contradiction != nil {
			out = append(out, [2]int{m.Claim.StartIndex, m.Claim.EndIndex})
		}
	}
	return out
}

func within(i int, spans [][2]int) bool {
	for _, s := range spans {
		if i >= s[0] && i < s[1] {
			return true
		}
	}
	return false
}

// evidenceNumbers collects numbers from structured fields and text.
func evidenceNumbers(ev *Evidence) []decimal.Decimal {
	var out []decimal.Decimal
	for _, s := range ev.Sources {
		for _, v := range s.Fields {
			if d, ok := ToDecimal(v); ok {
				out = append(out, d)
			}
		}
	}
	for _, q := range ExtractQuantities(ev.Corpus()) {
		out = append(out, q.Value)
	}
	return out
}

func containsNumber(known []decimal.Decimal, v decimal.Decimal) bool {
	for _, k := range known {
		if NumbersMatch(v, k) {
			return true
		}
	}
	return false
}

// evidenceDates collects dates from structured fields, timestamps and text.
func evidenceDates(ev *Evidence) []DateValue {
	var out []DateValue
	for _, s := range ev.Sources {
		if !s.UpdatedAt.IsZero() {
			out = append(out, DateValue{Time: s.UpdatedAt.UTC()})
		}
		for _, v := range s.Fields {
			if t, ok := ToTime(v); ok {
				out = append(out, DateValue{Time: t.UTC()})
			}
		}
	}
	return append(out, ExtractDates(ev.Corpus())...)
}

// editDistance is the Levenshtein distance between a and b.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
