// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package insight

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianInsight/services/insight/observability"
	"github.com/AleutianAI/AleutianInsight/services/insight/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RegisterRoutes registers the /v1/insight endpoints.
//
// Description:
//
//	The router group should already have any required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	POST /v1/insight/context - Assemble a context
//	POST /v1/insight/ground - Ground a model response
//	GET  /v1/insight/templates - List templates
//	GET  /v1/insight/templates/:id - Get a template
//	GET  /v1/insight/health - Health check
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	insight := rg.Group("/insight")
	{
		insight.POST("/context", handlers.HandleContext)
		insight.POST("/ground", handlers.HandleGround)

		insight.GET("/templates", handlers.HandleListTemplates)
		insight.GET("/templates/:id", handlers.HandleGetTemplate)

		insight.GET("/health", handlers.HandleHealth)
	}
}

// RouterConfig configures NewRouter.
type RouterConfig struct {
	// ServiceName is the otelgin server name.
	ServiceName string

	// MaxBodyBytes caps request bodies. Zero disables the cap.
	MaxBodyBytes int64

	Logger *slog.Logger
}

// NewRouter builds a gin engine with recovery, tracing, request logging,
// Prometheus middleware, the insight routes and GET /metrics.
//
// /metrics serves the OpenTelemetry Prometheus exporter when it is active
// and the default Prometheus registry otherwise.
func NewRouter(handlers *Handlers, metrics *observability.Metrics, cfg RouterConfig) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.ServiceName
	if name == "" {
		name = "aleutian-insight"
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(name))
	if metrics != nil {
		router.Use(metrics.Middleware())
	}
	if cfg.MaxBodyBytes > 0 {
		router.Use(func(c *gin.Context) {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, cfg.MaxBodyBytes)
			c.Next()
		})
	}
	router.Use(requestLogger(logger))

	metricsHandler := telemetry.MetricsHandler()
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	router.GET("/metrics", gin.WrapH(metricsHandler))

	RegisterRoutes(router.Group("/v1"), handlers)
	return router
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/metrics" {
			return
		}
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", c.Writer.Header().Get("X-Request-ID"),
		)
	}
}
