// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ranking scores related items and orders them for output.
package ranking

import (
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/AleutianAI/AleutianInsight/services/insight/shard"
	"github.com/AleutianAI/AleutianInsight/services/insight/template"
	"github.com/shopspring/decimal"
)

// Importance heuristics.
const (
	importanceBase      = 0.2
	bonusLargeValue     = 0.3
	bonusVeryLargeValue = 0.5
	bonusRequired       = 0.3
	bonusRecentActivity = 0.2
	bonusIntentMatch    = 0.1
)

var (
	largeValue     = decimal.NewFromInt(100_000)
	veryLargeValue = decimal.NewFromInt(1_000_000)
)

// valueFields are the structured fields read as the monetary value of a
// shard, in lookup order.
var valueFields = []string{"value", "amount", "deal_value", "contract_value", "annual_value", "revenue"}

// Candidate is an item to score.
type Candidate struct {
	ID    string
	Shard *shard.Shard

	// RelationshipPriority is the template priority of the edge that
	// produced the item, 0..100. The primary shard uses 100.
	RelationshipPriority int

	// Relevance is the query relevance in [0,1].
	Relevance float64

	Required bool
}

// Factors are the per-factor scores, each in [0,1].
type Factors struct {
	RelationshipPriority float64 `json:"relationship_priority"`
	Relevance            float64 `json:"relevance"`
	Recency              float64 `json:"recency"`
	Importance           float64 `json:"importance"`
}

// Score is a weighted total with its factors.
type Score struct {
	Total   float64 `json:"total"`
	Factors Factors `json:"factors"`
}

// Scorer computes candidate scores.
//
// Thread Safety: Safe for concurrent use.
type Scorer struct {
	weights template.ScoringWeights
	now     func() time.Time
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithClock overrides the time source used for recency.
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScorer creates a scorer. Zero weights use the 0.3/0.3/0.2/0.2 defaults.
func NewScorer(weights template.ScoringWeights, opts ...Option) *Scorer {
	if weights.IsZero() {
		weights = template.DefaultScoringWeights()
	}
	s := &Scorer{weights: weights, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score scores c for the given insight intent.
//
// Description:
//
//	Total = wP*priority/100 + wRel*relevance + wRec*recency + wImp*importance
//
//	Recency is a step function of the shard's last update. Importance starts
//	at 0.2 and adds bonuses for monetary value, required relationships,
//	activity in the last 7 days and an intent keyword matching the shard
//	type, capped at 1.0.
func (s *Scorer) Score(c Candidate, intent string) Score {
	now := s.now()
	f := Factors{
		RelationshipPriority: clamp01(float64(c.RelationshipPriority) / 100),
		Relevance:            clamp01(c.Relevance),
	}
	if c.Shard != nil {
		f.Recency = RecencyScore(c.Shard.Age(now))
	}
	f.Importance = Importance(c, intent, now)

	total := s.weights.RelationshipPriority*f.RelationshipPriority +
		s.weights.Relevance*f.Relevance +
		s.weights.Recency*f.Recency +
		s.weights.Importance*f.Importance
	return Score{Total: total, Factors: f}
}

// RecencyScore maps an age to a freshness score.
func RecencyScore(age time.Duration) float64 {
	const day = 24 * time.Hour
	switch {
	case age <= day:
		return 1.0
	case age <= 7*day:
		return 0.9
	case age <= 30*day:
		return 0.7
	case age <= 90*day:
		return 0.5
	case age <= 365*day:
		return 0.3
	default:
		return 0.1
	}
}

// Importance applies the importance heuristics to c.
func Importance(c Candidate, intent string, now time.Time) float64 {
	score := importanceBase
	if c.Required {
		score += bonusRequired
	}
	if c.Shard != nil {
		if v, ok := MonetaryValue(c.Shard); ok {
			switch {
			case v.GreaterThanOrEqual(veryLargeValue):
				score += bonusVeryLargeValue
			case v.GreaterThanOrEqual(largeValue):
				score += bonusLargeValue
			}
		}
		if c.Shard.Age(now) <= 7*24*time.Hour {
			score += bonusRecentActivity
		}
		if intentMatches(intent, c.Shard.ShardTypeID) {
			score += bonusIntentMatch
		}
	}
	return math.Min(score, 1.0)
}

// MonetaryValue returns the first parseable value field of s.
func MonetaryValue(s *shard.Shard) (decimal.Decimal, bool) {
	for _, name := range valueFields {
		raw, ok := s.Field(name)
		if !ok {
			continue
		}
		if d, ok := toDecimal(raw); ok {
			return d, true
		}
	}
	return decimal.Zero, false
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case float64:
		return decimal.NewFromFloat(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case decimal.Decimal:
		return n, true
	case string:
		cleaned := strings.Map(func(r rune) rune {
			if r == ',' || r == '$' || unicode.IsSpace(r) {
				return -1
			}
			return r
		}, n)
		d, err := decimal.NewFromString(cleaned)
		return d, err == nil
	}
	return decimal.Zero, false
}

// intentMatches reports whether any word of intent names the shard type,
// e.g. intent "opportunity_risk" and type "opportunity".
func intentMatches(intent, shardType string) bool {
	if intent == "" || shardType == "" {
		return false
	}
	st := strings.ToLower(shardType)
	for _, w := range strings.FieldsFunc(strings.ToLower(intent), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) < 3 {
			continue
		}
		if strings.Contains(st, w) || strings.Contains(w, st) {
			return true
		}
	}
	return false
}

// LexicalRelevance is the fraction of distinct query words of three or more
// letters that occur in text. Used when no retrieval score is available.
func LexicalRelevance(query, text string) float64 {
	split := func(s string) []string {
		return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
	}
	words := make(map[string]struct{})
	for _, w := range split(query) {
		if len(w) >= 3 {
			words[w] = struct{}{}
		}
	}
	if len(words) == 0 {
		return 0
	}
	present := make(map[string]struct{})
	for _, w := range split(text) {
		present[w] = struct{}{}
	}
	hit := 0
	for w := range words {
		if _, ok := present[w]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(words))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
