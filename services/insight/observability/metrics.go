// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the insight HTTP API.
//
// # Description
//
// Request counters, latency histograms and in-flight gauges per endpoint,
// plus outcome counters for the two pipelines:
//   - assembled contexts by template and warning code
//   - grounded responses by confidence level
//
// The pipeline packages additionally record OpenTelemetry instruments; both
// end up on the same /metrics endpoint when the Prometheus exporter is on.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const (
	metricsNamespace = "aleutian"
	insightSubsystem = "insight"
)

// Metrics holds the Prometheus collectors of the insight service.
//
// # Fields
//
//   - RequestsTotal: requests by endpoint and HTTP status
//   - RequestDuration: request latency by endpoint
//   - InFlight: requests currently being served by endpoint
//   - ErrorsTotal: failed requests by endpoint and error code
//   - ContextsTotal: assembled contexts by template
//   - WarningsTotal: assembly and grounding warnings by code
//   - GroundedTotal: grounded responses by confidence level
//   - ContextTokens: tokens per assembled context
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlight        *prometheus.GaugeVec
	ErrorsTotal     *prometheus.CounterVec

	ContextsTotal *prometheus.CounterVec
	WarningsTotal *prometheus.CounterVec
	GroundedTotal *prometheus.CounterVec
	ContextTokens prometheus.Histogram
}

// NewMetrics creates and registers the collectors with reg. A nil reg uses
// the default Prometheus registerer.
//
// # Limitations
//
//   - Panics when called twice with the same registerer (duplicate
//     registration).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: insightSubsystem,
				Name:      "requests_total",
				Help:      "Total insight API requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: insightSubsystem,
				Name:      "request_duration_seconds",
				Help:      "Insight API request duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"endpoint"},
		),

		InFlight: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: insightSubsystem,
				Name:      "in_flight_requests",
				Help:      "Insight API requests currently being served",
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: insightSubsystem,
				Name:      "errors_total",
				Help:      "Failed insight API requests by endpoint and error code",
			},
			[]string{"endpoint", "error_code"},
		),

		ContextsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: insightSubsystem,
				Name:      "contexts_total",
				Help:      "Assembled contexts by template",
			},
			[]string{"template_id"},
		),

		WarningsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: insightSubsystem,
				Name:      "warnings_total",
				Help:      "Assembly and grounding warnings by code",
			},
			[]string{"code"},
		),

		GroundedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: insightSubsystem,
				Name:      "grounded_responses_total",
				Help:      "Grounded responses by confidence level",
			},
			[]string{"level"},
		),

		ContextTokens: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: insightSubsystem,
				Name:      "context_tokens",
				Help:      "Tokens per assembled context",
				Buckets:   prometheus.ExponentialBuckets(256, 2, 8),
			},
		),
	}
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode categorizes a failed request for metrics.
type ErrorCode string

const (
	ErrorCodeValidation       ErrorCode = "validation"
	ErrorCodeNotFound         ErrorCode = "not_found"
	ErrorCodeStoreUnavailable ErrorCode = "store_unavailable"
	ErrorCodeIndexUnavailable ErrorCode = "index_unavailable"
	ErrorCodeTimeout          ErrorCode = "timeout"
	ErrorCodeInternal         ErrorCode = "internal"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordError records a failed request.
func (m *Metrics) RecordError(endpoint string, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(endpoint, string(code)).Inc()
}

// RecordContext records one assembled context and its warnings.
func (m *Metrics) RecordContext(templateID string, tokens int, warningCodes []string) {
	m.ContextsTotal.WithLabelValues(templateID).Inc()
	m.ContextTokens.Observe(float64(tokens))
	for _, c := range warningCodes {
		m.WarningsTotal.WithLabelValues(c).Inc()
	}
}

// RecordGrounded records one grounded response and its warnings.
func (m *Metrics) RecordGrounded(level string, warningCodes []string) {
	m.GroundedTotal.WithLabelValues(level).Inc()
	for _, c := range warningCodes {
		m.WarningsTotal.WithLabelValues(c).Inc()
	}
}

// Middleware returns gin middleware recording request count, latency and
// in-flight requests. The endpoint label is the matched route template so
// path parameters do not explode cardinality.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		start := time.Now()
		m.InFlight.WithLabelValues(endpoint).Inc()
		defer m.InFlight.WithLabelValues(endpoint).Dec()

		c.Next()

		m.RequestsTotal.WithLabelValues(endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		m.RequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}
