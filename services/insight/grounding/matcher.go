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
	"sort"
	"strings"
	"unicode"

	"github.com/AleutianAI/AleutianInsight/services/insight/llm"
	"github.com/shopspring/decimal"
)

// Semantic matching defaults.
const (
	DefaultSemanticThreshold = 0.75
	DefaultSemanticTopK      = 3
)

// Match scores for the non-field rules.
const (
	scoreUnnamedField   = 0.9
	scoreTextNumber     = 0.85
	scoreTextNumberNear = 0.95
	inferredFactor      = 0.8
	minInferredOverlap  = 0.5
	maxExcerptLen       = 160
	maxEmbedTextLen     = 4000
)

// fieldAliases lists words that refer to a field word in prose.
var fieldAliases = map[string][]string{
	"value":       {"worth", "valued", "deal", "amount", "price", "size"},
	"amount":      {"value", "total", "cost", "price"},
	"revenue":     {"sales", "arr", "income"},
	"close":       {"closing", "closes", "closed"},
	"due":         {"deadline", "due"},
	"start":       {"starts", "started", "kickoff", "begins"},
	"end":         {"ends", "ended", "finish", "finishes"},
	"status":      {"stage", "state"},
	"stage":       {"status", "phase"},
	"probability": {"chance", "likelihood", "odds"},
	"owner":       {"owned", "owns", "managed", "manager"},
	"budget":      {"budgeted", "spend"},
	"employees":   {"headcount", "staff"},
}

var genericFieldWords = map[string]struct{}{
	"id": {}, "the": {}, "at": {}, "is": {}, "of": {}, "date": {}, "name": {},
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {}, "are": {},
	"was": {}, "were": {}, "has": {}, "have": {}, "had": {}, "its": {}, "from": {},
	"into": {}, "which": {}, "their": {}, "there": {}, "been": {}, "also": {},
	"than": {}, "but": {}, "not": {}, "about": {}, "our": {}, "your": {},
}

// SourceMatcher matches claims to evidence.
//
// Description:
//
//	Exact rules run first and compare values pulled out of the claim with
//	structured fields: numbers within ±1%, dates on the same day or in the
//	same quarter, statuses through a synonym table and quotes by
//	containment. When a field the claim names disagrees, the match carries
//	a Contradiction. Without a verified exact match the claim is embedded
//	and compared with each source; the top three sources at or above the
//	cosine threshold are kept. Lexical overlap is the last resort.
//
// Thread Safety: Safe for concurrent use. Evidence caches source
// embeddings between calls.
type SourceMatcher struct {
	embedder  llm.Embedder
	threshold float64
	topK      int
	logger    *slog.Logger
}

// MatcherOption configures a SourceMatcher.
type MatcherOption func(*SourceMatcher)

// WithSemanticThreshold sets the minimum cosine similarity.
func WithSemanticThreshold(t float64) MatcherOption {
	return func(m *SourceMatcher) {
		if t > 0 {
			m.threshold = t
		}
	}
}

// WithSemanticTopK sets how many semantic sources are kept.
func WithSemanticTopK(k int) MatcherOption {
	return func(m *SourceMatcher) {
		if k > 0 {
			m.topK = k
		}
	}
}

// NewSourceMatcher creates a matcher. embedder may be nil, which disables
// semantic matching.
func NewSourceMatcher(embedder llm.Embedder, logger *slog.Logger, opts ...MatcherOption) *SourceMatcher {
	if logger == nil {
		logger = slog.Default()
	}
	m := &SourceMatcher{
		embedder:  embedder,
		threshold: DefaultSemanticThreshold,
		topK:      DefaultSemanticTopK,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Match verifies one claim against ev.
func (m *SourceMatcher) Match(ctx context.Context, claim ExtractedClaim, ev *Evidence) SourceMatch {
	result := SourceMatch{Claim: claim, Status: StatusUnverified}
	if ev == nil || len(ev.Sources) == 0 {
		return result
	}

	mc := newMatchContext(claim, ev)
	switch claim.Type {
	case ClaimQuantity, ClaimComparison:
		mc.matchQuantities()
	case ClaimDate:
		mc.matchDates()
	case ClaimStatus:
		mc.matchStatus()
	case ClaimQuote:
		mc.matchQuotes()
	case ClaimFact, ClaimRelationship, ClaimGeneral, ClaimAssessment, ClaimPrediction:
		mc.matchQuantities()
		mc.matchDates()
		mc.matchStatus()
	case ClaimRecommendation, ClaimOpinion:
	}

	sources := mc.sources
	if best(sources) < VerifiedThreshold && mc.contradiction == nil {
		sources = append(sources, m.semantic(ctx, claim, ev)...)
	}
	if len(sources) == 0 && mc.contradiction == nil {
		sources = inferred(claim, ev)
	}

	sort.SliceStable(sources, func(i, j int) bool { return sources[i].MatchScore > sources[j].MatchScore })
	result.Sources = dedupeSources(sources)
	result.Contradiction = mc.contradiction
	result.Status = StatusFor(result.BestScore(), result.Contradiction != nil)
	return result
}

func best(sources []MatchedSource) float64 {
	return SourceMatch{Sources: sources}.BestScore()
}

// dedupeSources keeps the first (highest) entry per shard and field.
func dedupeSources(in []MatchedSource) []MatchedSource {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		k := s.Citation.ShardID + "\x00" + s.Citation.FieldPath
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, s)
	}
	return out
}

// -----------------------------------------------------------------------------
// Exact rules
// -----------------------------------------------------------------------------

type matchContext struct {
	claim      ExtractedClaim
	claimWords map[string]struct{}
	ev         *Evidence

	// targets are the sources a contradiction may be raised against.
	targets map[int]bool

	sources       []MatchedSource
	contradiction *Contradiction
}

func newMatchContext(claim ExtractedClaim, ev *Evidence) *matchContext {
	mc := &matchContext{
		claim:      claim,
		claimWords: wordSet(claim.Text),
		ev:         ev,
		targets:    make(map[int]bool),
	}
	norm := normalizeText(claim.Text)
	for i, s := range ev.Sources {
		if name := normalizeText(s.ShardName); len(name) >= 3 && strings.Contains(norm, name) {
			mc.targets[i] = true
		}
	}
	if len(mc.targets) == 0 {
		for i, s := range ev.Sources {
			if s.Primary {
				mc.targets[i] = true
			}
		}
	}
	if len(mc.targets) == 0 && len(ev.Sources) == 1 {
		mc.targets[0] = true
	}
	return mc
}

func (mc *matchContext) add(s Source, field string, mt MatchType, score float64, excerpt string) {
	path := ""
	if field != "" {
		path = s.ShardTypeID + "." + field
	}
	mc.sources = append(mc.sources, MatchedSource{
		Citation:   s.citation(path),
		MatchType:  mt,
		MatchScore: score,
		Excerpt:    clip(excerpt),
	})
}

func (mc *matchContext) contradict(s Source, field, claimed, actual string) {
	if mc.contradiction != nil {
		return
	}
	mc.contradiction = &Contradiction{
		FieldPath:    s.ShardTypeID + "." + field,
		ClaimedValue: claimed,
		ActualValue:  actual,
	}
}

// fieldMentioned reports whether the claim refers to field by name or alias.
func (mc *matchContext) fieldMentioned(field string) bool {
	for _, w := range fieldWords(field) {
		if _, generic := genericFieldWords[w]; generic {
			continue
		}
		if _, ok := mc.claimWords[w]; ok {
			return true
		}
		for _, alias := range fieldAliases[w] {
			if _, ok := mc.claimWords[alias]; ok {
				return true
			}
		}
	}
	return false
}

func (mc *matchContext) matchQuantities() {
	for _, q := range claimQuantities(mc.claim.Text) {
		mc.matchQuantity(q)
	}
}

func (mc *matchContext) matchQuantity(q Quantity) {
	type conflict struct {
		src    Source
		field  string
		actual decimal.Decimal
	}
	var conflicts []conflict
	confirmed := false

	for i, s := range mc.ev.Sources {
		for _, field := range sortedKeys(s.Fields) {
			actual, ok := ToDecimal(s.Fields[field])
			if !ok {
				continue
			}
			named := mc.fieldMentioned(field)
			switch {
			case NumbersMatch(q.Value, actual) && named:
				mc.add(s, field, MatchExact, 1.0, fmt.Sprintf("%s: %v", field, s.Fields[field]))
				confirmed = confirmed || mc.targets[i]
			case NumbersMatch(q.Value, actual):
				mc.add(s, field, MatchExact, scoreUnnamedField, fmt.Sprintf("%s: %v", field, s.Fields[field]))
			case named && mc.targets[i]:
				conflicts = append(conflicts, conflict{src: s, field: field, actual: actual})
			}
		}
		if s.Content == "" {
			continue
		}
		for _, tq := range ExtractQuantities(s.Content) {
			if !NumbersMatch(q.Value, tq.Value) {
				continue
			}
			score := scoreTextNumber
			if lexicalOverlap(mc.claimWords, wordSet(s.Content)) >= minInferredOverlap {
				score = scoreTextNumberNear
			}
			mc.add(s, "", MatchExact, score, excerptAround(s.Content, tq.Start, tq.End))
			break
		}
	}

	// A named field on a target that disagrees outweighs coincidental
	// matches elsewhere.
	if !confirmed && len(conflicts) > 0 {
		c := conflicts[0]
		mc.contradict(c.src, c.field, q.Raw, c.actual.String())
	}
}

func (mc *matchContext) matchDates() {
	for _, d := range ExtractDates(mc.claim.Text) {
		mc.matchDate(d)
	}
}

func (mc *matchContext) matchDate(d DateValue) {
	type conflict struct {
		src    Source
		field  string
		actual string
	}
	var conflicts []conflict
	confirmed := false

	for i, s := range mc.ev.Sources {
		for _, field := range sortedKeys(s.Fields) {
			actual, ok := ToTime(s.Fields[field])
			if !ok {
				continue
			}
			score := DateScore(d, actual)
			named := mc.fieldMentioned(field)
			switch {
			case score > 0 && named:
				mc.add(s, field, MatchExact, score, fmt.Sprintf("%s: %s", field, actual.Format("2006-01-02")))
				confirmed = confirmed || mc.targets[i]
			case score > 0:
				mc.add(s, field, MatchExact, score*scoreUnnamedField, fmt.Sprintf("%s: %s", field, actual.Format("2006-01-02")))
			case named && mc.targets[i]:
				conflicts = append(conflicts, conflict{src: s, field: field, actual: actual.Format("2006-01-02")})
			}
		}
		for _, td := range ExtractDates(s.Content) {
			if score := DateScore(d, td.Time); score > 0 {
				mc.add(s, "", MatchExact, score*scoreTextNumberNear, excerptAround(s.Content, td.Start, td.End))
				break
			}
		}
	}

	if !confirmed && len(conflicts) > 0 {
		c := conflicts[0]
		mc.contradict(c.src, c.field, d.Raw, c.actual)
	}
}

func (mc *matchContext) matchStatus() {
	claimed, ok := FindStatus(mc.claim.Text)
	if !ok {
		return
	}
	type conflict struct {
		src    Source
		field  string
		actual string
	}
	var conflicts []conflict
	confirmed := false
	mayContradict := mc.claim.Type == ClaimStatus || mc.fieldMentioned("status")

	for i, s := range mc.ev.Sources {
		values := make(map[string]string)
		if s.Status != "" {
			values["status"] = s.Status
		}
		for _, f := range []string{"status", "stage", "state"} {
			if v, ok := s.Fields[f].(string); ok && v != "" {
				values[f] = v
			}
		}
		for _, field := range sortedKeys(values) {
			actual := values[field]
			if CanonicalStatus(actual) == claimed {
				score := scoreUnnamedField
				if mc.targets[i] {
					score = 1.0
				}
				mc.add(s, field, MatchExact, score, field+": "+actual)
				confirmed = confirmed || mc.targets[i]
				continue
			}
			if mayContradict && mc.targets[i] {
				conflicts = append(conflicts, conflict{src: s, field: field, actual: actual})
			}
		}
	}

	if !confirmed && len(conflicts) > 0 {
		c := conflicts[0]
		mc.contradict(c.src, c.field, claimed, c.actual)
	}
}

func (mc *matchContext) matchQuotes() {
	quotes := quotedPhrases(mc.claim.Text)
	if len(quotes) == 0 {
		quotes = []string{mc.claim.Text}
	}
	for _, q := range quotes {
		nq := normalizeText(q)
		if nq == "" {
			continue
		}
		for _, s := range mc.ev.Sources {
			text := s.text()
			if strings.Contains(normalizeText(text), nq) {
				mc.add(s, "", MatchExact, 1.0, q)
				break
			}
		}
	}
}

func quotedPhrases(text string) []string {
	var out []string
	for _, m := range quotedRe.FindAllStringSubmatch(text, -1) {
		out = append(out, m[1])
	}
	return out
}

// -----------------------------------------------------------------------------
// Semantic and inferred
// -----------------------------------------------------------------------------

func (m *SourceMatcher) semantic(ctx context.Context, claim ExtractedClaim, ev *Evidence) []MatchedSource {
	if m.embedder == nil {
		return nil
	}
	cv, err := m.embedder.Embed(ctx, claim.Text)
	if err != nil {
		m.logger.Debug("claim embedding failed", slog.String("claim_id", claim.ID), slog.Any("error", err))
		return nil
	}

	var out []MatchedSource
	for i, s := range ev.Sources {
		sv, err := ev.sourceVector(ctx, i, m.embedder)
		if err != nil {
			m.logger.Debug("source embedding failed", slog.String("shard_id", s.ShardID), slog.Any("error", err))
			continue
		}
		sim := llm.Cosine(cv, sv)
		if sim < m.threshold {
			continue
		}
		out = append(out, MatchedSource{
			Citation:   s.citation(""),
			MatchType:  MatchSemantic,
			MatchScore: sim,
			Excerpt:    clip(s.text()),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MatchScore > out[j].MatchScore })
	if len(out) > m.topK {
		out = out[:m.topK]
	}
	return out
}

// sourceVector returns the cached embedding of source i.
func (e *Evidence) sourceVector(ctx context.Context, i int, embedder llm.Embedder) ([]float32, error) {
	e.vecMu.Lock()
	if v, ok := e.vecs[i]; ok {
		e.vecMu.Unlock()
		return v, nil
	}
	e.vecMu.Unlock()

	text := e.Sources[i].text()
	if len(text) > maxEmbedTextLen {
		text = text[:maxEmbedTextLen]
	}
	v, err := embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	e.vecMu.Lock()
	defer e.vecMu.Unlock()
	if e.vecs == nil {
		e.vecs = make(map[int][]float32)
	}
	e.vecs[i] = v
	return v, nil
}

// inferred returns the source with the highest lexical overlap, scored at
// 0.8 of the overlap.
func inferred(claim ExtractedClaim, ev *Evidence) []MatchedSource {
	cw := contentWords(claim.Text)
	if len(cw) == 0 {
		return nil
	}
	bestIdx, bestOverlap := -1, 0.0
	for i, s := range ev.Sources {
		if o := lexicalOverlap(cw, wordSet(s.text())); o > bestOverlap {
			bestIdx, bestOverlap = i, o
		}
	}
	if bestIdx < 0 || bestOverlap < minInferredOverlap {
		return nil
	}
	s := ev.Sources[bestIdx]
	return []MatchedSource{{
		Citation:   s.citation(""),
		MatchType:  MatchInferred,
		MatchScore: bestOverlap * inferredFactor,
		Excerpt:    clip(s.text()),
	}}
}

// -----------------------------------------------------------------------------
// Text helpers
// -----------------------------------------------------------------------------

func wordSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range words(s) {
		out[w] = struct{}{}
	}
	return out
}

// contentWords drops stopwords and words shorter than three letters.
func contentWords(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range words(s) {
		if len(w) < 3 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

// lexicalOverlap is the share of the content words of claim present in text.
func lexicalOverlap(claim, text map[string]struct{}) float64 {
	n, hit := 0, 0
	for w := range claim {
		if len(w) < 3 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		n++
		if _, ok := text[w]; ok {
			hit++
		}
	}
	if n == 0 {
		return 0
	}
	return float64(hit) / float64(n)
}

// fieldWords splits snake_case and camelCase field names into lower-case
// words.
func fieldWords(field string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, strings.ToLower(cur.String()))
			cur.Reset()
		}
	}
	for i, r := range field {
		switch {
		case r == '_' || r == '-' || r == '.' || r == ' ':
			flush()
		case unicode.IsUpper(r) && i > 0:
			flush()
			cur.WriteRune(r)
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func excerptAround(text string, start, end int) string {
	lo := strings.LastIndexAny(text[:start], ".\n")
	if lo < 0 {
		lo = 0
	} else {
		lo++
	}
	hi := strings.IndexAny(text[end:], ".\n")
	if hi < 0 {
		hi = len(text)
	} else {
		hi += end + 1
	}
	return strings.TrimSpace(text[lo:hi])
}

func clip(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxExcerptLen {
		return s
	}
	cut := maxExcerptLen
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }
