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

	"github.com/AleutianAI/AleutianInsight/services/insight/assembly"
	"github.com/AleutianAI/AleutianInsight/services/insight/observability"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handlers contains the HTTP handlers for the insight service.
type Handlers struct {
	svc     *Service
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewHandlers creates handlers for svc. metrics may be nil.
func NewHandlers(svc *Service, metrics *observability.Metrics) *Handlers {
	return &Handlers{svc: svc, metrics: metrics, logger: svc.logger}
}

// HandleContext handles POST /v1/insight/context.
//
// Description:
//
//	Assembles a token-budgeted context for the scope, template and query
//	in the body. Budget overruns, missing templates and degraded retrieval
//	are reported in the warnings of a 200 response.
//
// Request Body:
//
//	ContextRequest
//
// Response:
//
//	200 OK: ContextResponse
//	400 Bad Request: Malformed body or missing tenant
//	404 Not Found: Primary shard does not exist
//	503 Service Unavailable: Shard store or vector index unavailable
//	504 Gateway Timeout: Assembly deadline exceeded
func (h *Handlers) HandleContext(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleContext")

	var req ContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, logger, err, ErrInvalidRequest)
		return
	}

	ac, err := h.svc.AssembleContext(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, logger, err, nil)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordContext(ac.TemplateID, ac.TokenUsage.Total, warningCodes(ac.Warnings))
	}
	logger.Info("Context assembled",
		"context_id", ac.ID,
		"template_id", ac.TemplateID,
		"tokens", ac.TokenUsage.Total,
		"warnings", len(ac.Warnings),
	)
	c.JSON(http.StatusOK, ContextResponse{
		AssembledContext: ac,
		Completeness:     ac.Quality.Completeness(),
	})
}

// HandleGround handles POST /v1/insight/ground.
//
// Description:
//
//	Grounds a model response against either an inline evidence set or a
//	freshly assembled context. Without a response the configured model
//	answers the context query first.
//
// Response:
//
//	200 OK: GroundResponse
//	400 Bad Request: Malformed body, or both/neither of context and evidence
//	503 Service Unavailable: No generator configured, or store unavailable
func (h *Handlers) HandleGround(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleGround")

	var req GroundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, logger, err, ErrInvalidRequest)
		return
	}

	resp, err := h.svc.Ground(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, logger, err, nil)
		return
	}

	if h.metrics != nil {
		codes := make([]string, 0, len(resp.Grounded.Warnings))
		for _, w := range resp.Grounded.Warnings {
			codes = append(codes, w.Code)
		}
		h.metrics.RecordGrounded(string(resp.Grounded.Confidence.Level), codes)
	}
	logger.Info("Response grounded",
		"claims", len(resp.Grounded.Claims),
		"confidence", resp.Grounded.Confidence.Score,
		"regenerated", resp.Grounded.Regenerated,
		"generated", resp.Generated,
	)
	c.JSON(http.StatusOK, resp)
}

// HandleListTemplates handles GET /v1/insight/templates.
func (h *Handlers) HandleListTemplates(c *gin.Context) {
	logger := h.logger.With("request_id", getOrCreateRequestID(c), "handler", "HandleListTemplates")

	list, err := h.svc.Templates(c.Request.Context())
	if err != nil {
		h.fail(c, logger, err, nil)
		return
	}
	c.JSON(http.StatusOK, NewTemplatesResponse(list))
}

// HandleGetTemplate handles GET /v1/insight/templates/:id.
//
// Response:
//
//	200 OK: TemplateResponse
//	404 Not Found: Unknown template id
func (h *Handlers) HandleGetTemplate(c *gin.Context) {
	logger := h.logger.With("request_id", getOrCreateRequestID(c), "handler", "HandleGetTemplate")

	t, err := h.svc.Template(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, logger, err, nil)
		return
	}
	c.JSON(http.StatusOK, TemplateResponse{Template: t})
}

// HandleHealth handles GET /v1/insight/health. It always answers 200;
// unavailable dependencies only degrade the status.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Health(c.Request.Context()))
}

// fail writes the error response for err. A non-nil wrap is used as the
// classification sentinel for errors that carry none (binding errors).
func (h *Handlers) fail(c *gin.Context, logger *slog.Logger, err, wrap error) {
	classified := err
	if wrap != nil {
		classified = wrap
	}
	status, code, metricCode := classify(classified)
	if h.metrics != nil {
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		h.metrics.RecordError(endpoint, metricCode)
	}
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", "error", err, "code", code)
	} else {
		logger.Warn("Request rejected", "error", err, "code", code)
	}

	resp := ErrorResponse{Error: http.StatusText(status), Code: code, Details: err.Error()}
	if status == 499 {
		resp.Error = "Client closed request"
	}
	c.JSON(status, resp)
}

func warningCodes(ws []assembly.Warning) []string {
	codes := make([]string, 0, len(ws))
	for _, w := range ws {
		codes = append(codes, w.Code)
	}
	return codes
}

func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
