// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package weaviate

import (
	"log/slog"
	"sync/atomic"
)

// DegradationHandler is notified when Weaviate availability changes.
type DegradationHandler interface {
	OnDegraded(reason string)
	OnRecovered()
}

// VectorSearchDegradation tracks whether vector retrieval should be
// skipped. Retrieval consults ShouldSkip before embedding a query so that
// a known outage does not cost an embedding call per request.
type VectorSearchDegradation struct {
	degraded atomic.Bool
	logger   *slog.Logger
}

// NewVectorSearchDegradation creates a handler in the normal state.
func NewVectorSearchDegradation(logger *slog.Logger) *VectorSearchDegradation {
	if logger == nil {
		logger = slog.Default()
	}
	return &VectorSearchDegradation{logger: logger.With(slog.String("component", "vector_search"))}
}

// OnDegraded implements DegradationHandler.
func (h *VectorSearchDegradation) OnDegraded(reason string) {
	h.degraded.Store(true)
	h.logger.Warn("vector search disabled, falling back to keyword and graph retrieval",
		slog.String("reason", reason))
}

// OnRecovered implements DegradationHandler.
func (h *VectorSearchDegradation) OnRecovered() {
	h.degraded.Store(false)
	h.logger.Info("vector search restored")
}

// ShouldSkip reports whether vector search is currently disabled.
func (h *VectorSearchDegradation) ShouldSkip() bool {
	return h.degraded.Load()
}
