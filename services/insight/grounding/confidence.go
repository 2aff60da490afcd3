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
	"fmt"
	"math"
	"time"

	"github.com/AleutianAI/AleutianInsight/services/insight/ranking"
)

// Confidence weights. HallucinationRisk is inverted before weighting.
const (
	weightDataCompleteness  = 0.15
	weightDataRecency       = 0.10
	weightSourceQuality     = 0.10
	weightGroundingCoverage = 0.25
	weightCitationStrength  = 0.20
	weightModelConfidence   = 0.10
	weightHallucinationRisk = 0.10
)

// Level thresholds on the 0..100 scale.
const (
	HighConfidenceThreshold   = 80.0
	MediumConfidenceThreshold = 60.0
)

// DefaultModelConfidence is used when the model reports none.
const DefaultModelConfidence = 0.7

// maxScoreWithCritical caps the score while a critical finding is unresolved.
const maxScoreWithCritical = MediumConfidenceThreshold - 1

var severityRisk = map[Severity]float64{
	SeverityCritical: 1.0,
	SeverityHigh:     0.5,
	SeverityMedium:   0.2,
	SeverityLow:      0.05,
}

// ConfidenceFactors are the inputs to CalculateConfidence, each in [0,1].
type ConfidenceFactors struct {
	DataCompleteness  float64 `json:"data_completeness"`
	DataRecency       float64 `json:"data_recency"`
	SourceQuality     float64 `json:"source_quality"`
	GroundingCoverage float64 `json:"grounding_coverage"`
	CitationStrength  float64 `json:"citation_strength"`
	ModelConfidence   float64 `json:"model_confidence"`
	HallucinationRisk float64 `json:"hallucination_risk"`

	// CriticalUnresolved forces the level to low.
	CriticalUnresolved bool `json:"critical_unresolved"`
}

// CalculateConfidence combines the factors into a 0..100 score.
//
// Description:
//
//	score = 100 * (0.15*completeness + 0.10*recency + 0.10*quality +
//	               0.25*coverage + 0.20*citations + 0.10*model +
//	               0.10*(1-risk))
//
//	Factors are clamped to [0,1] first. An unresolved critical finding caps
//	the score below the medium threshold.
//
// Thread Safety: Pure function.
func CalculateConfidence(f ConfidenceFactors) ConfidenceScore {
	f.DataCompleteness = clamp01(f.DataCompleteness)
	f.DataRecency = clamp01(f.DataRecency)
	f.SourceQuality = clamp01(f.SourceQuality)
	f.GroundingCoverage = clamp01(f.GroundingCoverage)
	f.CitationStrength = clamp01(f.CitationStrength)
	f.ModelConfidence = clamp01(f.ModelConfidence)
	f.HallucinationRisk = clamp01(f.HallucinationRisk)

	raw := weightDataCompleteness*f.DataCompleteness +
		weightDataRecency*f.DataRecency +
		weightSourceQuality*f.SourceQuality +
		weightGroundingCoverage*f.GroundingCoverage +
		weightCitationStrength*f.CitationStrength +
		weightModelConfidence*f.ModelConfidence +
		weightHallucinationRisk*(1-f.HallucinationRisk)

	score := math.Max(0, math.Min(100, math.Round(raw*10000)/100))
	if f.CriticalUnresolved {
		score = math.Min(score, maxScoreWithCritical)
	}
	return ConfidenceScore{
		Level:   LevelFor(score),
		Score:   score,
		Factors: f,
		Caveats: caveatsFor(f),
	}
}

// LevelFor buckets a score.
func LevelFor(score float64) ConfidenceLevel {
	switch {
	case score >= HighConfidenceThreshold:
		return ConfidenceHigh
	case score >= MediumConfidenceThreshold:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func caveatsFor(f ConfidenceFactors) []string {
	var out []string
	if f.DataCompleteness < 0.8 {
		out = append(out, fmt.Sprintf("Context is incomplete (%.0f%% of required data found).", f.DataCompleteness*100))
	}
	if f.DataRecency < 0.5 {
		out = append(out, "Some source data is more than 90 days old.")
	}
	if f.GroundingCoverage < 0.5 {
		out = append(out, "Fewer than half of the claims could be verified against the context.")
	}
	if f.CriticalUnresolved {
		out = append(out, "The response contradicts the context data.")
	}
	return out
}

// FactorsFrom derives confidence factors from a grounding run.
//
// Description:
//
//	DataCompleteness is the evidence completeness. DataRecency is the mean
//	recency score of the sources. SourceQuality is the share of sources
//	with structured fields. GroundingCoverage counts verified claims as 1
//	and partial ones as 0.5 over the claims that need a source.
//	CitationStrength is the mean best score of supported claims.
//	HallucinationRisk sums severity weights, capped at 1.
func FactorsFrom(ev *Evidence, matches []SourceMatch, hallucinations []HallucinationResult, modelConfidence float64, now time.Time) ConfidenceFactors {
	f := ConfidenceFactors{
		ModelConfidence:   modelConfidence,
		GroundingCoverage: 1,
	}
	if modelConfidence <= 0 {
		f.ModelConfidence = DefaultModelConfidence
	}

	if ev != nil {
		f.DataCompleteness = ev.Completeness
		if n := len(ev.Sources); n > 0 {
			var recency float64
			structured := 0
			for _, s := range ev.Sources {
				recency += ranking.RecencyScore(sourceAge(s, now))
				if len(s.Fields) > 0 || s.Status != "" {
					structured++
				}
			}
			f.DataRecency = recency / float64(n)
			f.SourceQuality = 0.5 + 0.5*float64(structured)/float64(n)
		}
	}

	var needSource, verified, partial int
	var strength float64
	var supported int
	for _, m := range matches {
		if m.Claim.RequiresSource {
			needSource++
		}
		switch m.Status {
		case StatusVerified:
			if m.Claim.RequiresSource {
				verified++
			}
			strength += m.BestScore()
			supported++
		case StatusPartiallyVerified:
			if m.Claim.RequiresSource {
				partial++
			}
			strength += m.BestScore()
			supported++
		}
	}
	if needSource > 0 {
		f.GroundingCoverage = (float64(verified) + 0.5*float64(partial)) / float64(needSource)
	}
	switch {
	case supported > 0:
		f.CitationStrength = strength / float64(supported)
	case needSource == 0:
		f.CitationStrength = 1
	}

	var risk float64
	for _, h := range hallucinations {
		risk += severityRisk[h.Severity]
		if h.Severity == SeverityCritical {
			f.CriticalUnresolved = true
		}
	}
	f.HallucinationRisk = math.Min(1, risk)
	return f
}

func sourceAge(s Source, now time.Time) time.Duration {
	if s.UpdatedAt.IsZero() {
		return math.MaxInt64
	}
	if d := now.Sub(s.UpdatedAt); d > 0 {
		return d
	}
	return 0
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
