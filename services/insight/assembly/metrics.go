// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assembly

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("aleutian.insight.assembly")
	meter  = otel.Meter("aleutian.insight.assembly")
)

var (
	assembliesTotal  metric.Int64Counter
	assemblyDuration metric.Float64Histogram
	assemblyTokens   metric.Int64Histogram
	truncatedTotal   metric.Int64Counter
	assemblyWarnings metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		assembliesTotal, err = meter.Int64Counter(
			"insight_assembly_total",
			metric.WithDescription("Context assemblies by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		assemblyDuration, err = meter.Float64Histogram(
			"insight_assembly_duration_seconds",
			metric.WithDescription("Context assembly duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		assemblyTokens, err = meter.Int64Histogram(
			"insight_assembly_tokens",
			metric.WithDescription("Tokens in the assembled context"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		truncatedTotal, err = meter.Int64Counter(
			"insight_assembly_truncated_items_total",
			metric.WithDescription("Items cut or dropped by section and reason"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		assemblyWarnings, err = meter.Int64Counter(
			"insight_assembly_warnings_total",
			metric.WithDescription("Assembly warnings by code"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startAssembleSpan starts the span of one AssembleContext call.
func startAssembleSpan(ctx context.Context, tenantID, templateID string, queryLen int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "assembly.Assembler.AssembleContext",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("template_id", templateID),
			attribute.Int("query_len", queryLen),
		),
	)
}

func recordAssembly(ctx context.Context, outcome string, dur time.Duration) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	assembliesTotal.Add(ctx, 1, attrs)
	assemblyDuration.Record(ctx, dur.Seconds(), attrs)
}

func recordResult(ctx context.Context, ac *AssembledContext) {
	if initMetrics() != nil {
		return
	}
	assemblyTokens.Record(ctx, int64(ac.TokenUsage.Total),
		metric.WithAttributes(attribute.String("template_id", ac.TemplateID)))
	for _, t := range ac.TruncatedItems {
		truncatedTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("section", string(t.Section)),
			attribute.String("reason", string(t.Reason)),
		))
	}
	for _, w := range ac.Warnings {
		assemblyWarnings.Add(ctx, 1, metric.WithAttributes(attribute.String("code", w.Code)))
	}
}
