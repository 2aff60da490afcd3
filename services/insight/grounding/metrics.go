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
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level tracer and meter for grounding operations.
var (
	tracer = otel.Tracer("aleutian.insight.grounding")
	meter  = otel.Meter("aleutian.insight.grounding")
)

var (
	groundingsTotal     metric.Int64Counter
	groundingDuration   metric.Float64Histogram
	claimsTotal         metric.Int64Counter
	hallucinationsTotal metric.Int64Counter
	regenerationsTotal  metric.Int64Counter
	confidenceHistogram metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		groundingsTotal, err = meter.Int64Counter(
			"insight_grounding_total",
			metric.WithDescription("Grounding runs by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		groundingDuration, err = meter.Float64Histogram(
			"insight_grounding_duration_seconds",
			metric.WithDescription("Grounding run duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		claimsTotal, err = meter.Int64Counter(
			"insight_grounding_claims_total",
			metric.WithDescription("Claims checked by match status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		hallucinationsTotal, err = meter.Int64Counter(
			"insight_grounding_hallucinations_total",
			metric.WithDescription("Detector findings by type and severity"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		regenerationsTotal, err = meter.Int64Counter(
			"insight_grounding_regenerations_total",
			metric.WithDescription("Corrective regenerations by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		confidenceHistogram, err = meter.Float64Histogram(
			"insight_grounding_confidence",
			metric.WithDescription("Confidence score of grounded responses"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordGrounding(ctx context.Context, outcome string, dur time.Duration) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	groundingsTotal.Add(ctx, 1, attrs)
	groundingDuration.Record(ctx, dur.Seconds(), attrs)
}

func recordClaims(ctx context.Context, matches []SourceMatch) {
	if initMetrics() != nil {
		return
	}
	for _, m := range matches {
		claimsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(m.Status)),
			attribute.String("type", m.Claim.Type.String()),
		))
	}
}

func recordHallucinations(ctx context.Context, findings []HallucinationResult) {
	if initMetrics() != nil {
		return
	}
	for _, h := range findings {
		hallucinationsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", string(h.Type)),
			attribute.String("severity", string(h.Severity)),
		))
	}
}

func recordRegeneration(ctx context.Context, outcome string) {
	if initMetrics() != nil {
		return
	}
	regenerationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func recordConfidence(ctx context.Context, c ConfidenceScore) {
	if initMetrics() != nil {
		return
	}
	confidenceHistogram.Record(ctx, c.Score, metric.WithAttributes(attribute.String("level", string(c.Level))))
}
