// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return NewMetrics(prometheus.NewRegistry())
}

func TestMiddleware_RecordsRouteTemplate(t *testing.T) {
	m := newTestMetrics(t)
	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/v1/insight/templates/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.GET("/v1/insight/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/v1/insight/templates/a", "/v1/insight/templates/b", "/v1/insight/health"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("/v1/insight/templates/:id", "404")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("/v1/insight/health", "200")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.InFlight.WithLabelValues("/v1/insight/health")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.RequestDuration))
}

func TestMiddleware_Unmatched(t *testing.T) {
	m := newTestMetrics(t)
	r := gin.New()
	r.Use(m.Middleware())

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("unmatched", "404")))
}

func TestRecordHelpers(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordContext("project-risk", 1200, []string{"token_budget_exceeded", "token_budget_exceeded"})
	m.RecordGrounded("high", []string{"hallucination"})
	m.RecordError("/v1/insight/context", ErrorCodeStoreUnavailable)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ContextsTotal.WithLabelValues("project-risk")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.WarningsTotal.WithLabelValues("token_budget_exceeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WarningsTotal.WithLabelValues("hallucination")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GroundedTotal.WithLabelValues("high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("/v1/insight/context", "store_unavailable")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ContextTokens))
}
