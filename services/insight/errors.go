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
	"context"
	"errors"
	"net/http"

	"github.com/AleutianAI/AleutianInsight/services/insight/assembly"
	"github.com/AleutianAI/AleutianInsight/services/insight/observability"
	"github.com/AleutianAI/AleutianInsight/services/insight/retrieval"
	"github.com/AleutianAI/AleutianInsight/services/insight/shard"
	"github.com/AleutianAI/AleutianInsight/services/insight/template"
)

// Service errors.
var (
	// ErrInvalidRequest is returned for malformed or contradictory requests.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNoGenerator is returned when a ground request asks the service to
	// produce the response but no LLM is configured.
	ErrNoGenerator = errors.New("no generator configured")
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeMissingTenant    = "MISSING_TENANT"
	CodePrimaryNotFound  = "PRIMARY_NOT_FOUND"
	CodeTemplateNotFound = "TEMPLATE_NOT_FOUND"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeIndexUnavailable = "INDEX_UNAVAILABLE"
	CodeNoGenerator      = "GENERATOR_UNAVAILABLE"
	CodeTimeout          = "TIMEOUT"
	CodeCancelled        = "CANCELLED"
	CodeInternal         = "INTERNAL_ERROR"
)

// classify maps err to an HTTP status, a response code and a metrics code.
func classify(err error) (int, string, observability.ErrorCode) {
	switch {
	case errors.Is(err, shard.ErrMissingTenant):
		return http.StatusBadRequest, CodeMissingTenant, observability.ErrorCodeValidation
	case errors.Is(err, shard.ErrInvalidScope), errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, CodeInvalidRequest, observability.ErrorCodeValidation
	case errors.Is(err, assembly.ErrPrimaryNotFound):
		return http.StatusNotFound, CodePrimaryNotFound, observability.ErrorCodeNotFound
	case errors.Is(err, template.ErrTemplateNotFound):
		return http.StatusNotFound, CodeTemplateNotFound, observability.ErrorCodeNotFound
	case errors.Is(err, shard.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, CodeStoreUnavailable, observability.ErrorCodeStoreUnavailable
	case errors.Is(err, retrieval.ErrIndexUnavailable):
		return http.StatusServiceUnavailable, CodeIndexUnavailable, observability.ErrorCodeIndexUnavailable
	case errors.Is(err, ErrNoGenerator):
		return http.StatusServiceUnavailable, CodeNoGenerator, observability.ErrorCodeInternal
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeTimeout, observability.ErrorCodeTimeout
	case errors.Is(err, context.Canceled):
		// 499 is the de facto "client closed request" status.
		return 499, CodeCancelled, observability.ErrorCodeTimeout
	default:
		return http.StatusInternalServerError, CodeInternal, observability.ErrorCodeInternal
	}
}
