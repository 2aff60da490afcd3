// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package insight exposes context assembly and response grounding over HTTP.
//
// Service holds the pipeline components and implements the operations;
// Handlers adapts them to gin. RegisterRoutes mounts the /v1/insight
// endpoints and NewRouter builds a fully instrumented engine:
//
//	svc := insight.NewService(asm, grounder, repo, insight.WithGenerator(gen))
//	router := insight.NewRouter(insight.NewHandlers(svc, metrics), metrics, insight.RouterConfig{Logger: logger})
package insight

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianInsight/services/insight/assembly"
	"github.com/AleutianAI/AleutianInsight/services/insight/grounding"
	"github.com/AleutianAI/AleutianInsight/services/insight/llm"
	"github.com/AleutianAI/AleutianInsight/services/insight/template"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Service runs the insight operations.
//
// Thread Safety: Safe for concurrent use. All state is read-only after
// construction.
type Service struct {
	assembler *assembly.Assembler
	grounder  *grounding.Grounder
	templates template.Repository
	generator llm.Generator
	checks    map[string]HealthCheck
	logger    *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithGenerator sets the model used when a ground request carries no
// response.
func WithGenerator(gen llm.Generator) ServiceOption {
	return func(s *Service) { s.generator = gen }
}

// WithHealthCheck adds a named dependency check to the health endpoint.
func WithHealthCheck(name string, check HealthCheck) ServiceOption {
	return func(s *Service) {
		if check != nil {
			s.checks[name] = check
		}
	}
}

// WithServiceLogger sets the logger.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService creates a Service. templates may be nil, in which case only
// the system fallback template is listed.
func NewService(asm *assembly.Assembler, grounder *grounding.Grounder, templates template.Repository, opts ...ServiceOption) *Service {
	s := &Service{
		assembler: asm,
		grounder:  grounder,
		templates: templates,
		checks:    make(map[string]HealthCheck),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AssembleContext assembles the context described by req.
func (s *Service) AssembleContext(ctx context.Context, req *ContextRequest) (*assembly.AssembledContext, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: empty request", ErrInvalidRequest)
	}
	return s.assembler.AssembleContext(ctx, req.Scope, req.TemplateID, req.Query, req.options())
}

// Ground verifies a model response against evidence.
//
// Description:
//
//	With req.Evidence the response is grounded against it directly. With
//	req.Context the context is assembled first and its evidence is used;
//	an empty req.Response is then produced by the configured generator
//	from the formatted context and query.
//
// Outputs:
//
//	*GroundResponse - The grounded response.
//	error - ErrInvalidRequest, ErrNoGenerator, assembly errors or the
//	        caller's context error. Grounding failures are reported as low
//	        confidence, never as errors.
func (s *Service) Ground(ctx context.Context, req *GroundRequest) (*GroundResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: empty request", ErrInvalidRequest)
	}
	if (req.Context == nil) == (req.Evidence == nil) {
		return nil, fmt.Errorf("%w: exactly one of context and evidence is required", ErrInvalidRequest)
	}

	if req.Evidence != nil {
		if strings.TrimSpace(req.Response) == "" {
			return nil, fmt.Errorf("%w: response is required with evidence", ErrInvalidRequest)
		}
		gr, err := s.grounder.GroundResponse(ctx, req.Response, req.Evidence)
		if err != nil {
			return nil, err
		}
		return &GroundResponse{Grounded: gr}, nil
	}

	ac, err := s.AssembleContext(ctx, req.Context)
	if err != nil {
		return nil, err
	}
	out := &GroundResponse{
		ContextID:       ac.ID,
		Fingerprint:     ac.Fingerprint,
		ContextWarnings: ac.Warnings,
	}

	raw := req.Response
	if strings.TrimSpace(raw) == "" {
		if s.generator == nil {
			return nil, ErrNoGenerator
		}
		raw, err = s.answer(ctx, ac)
		if err != nil {
			return nil, err
		}
		out.Generated = true
	}

	out.Grounded, err = s.grounder.GroundResponse(ctx, raw, ac.Evidence())
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) answer(ctx context.Context, ac *assembly.AssembledContext) (string, error) {
	question := ac.Query
	if question == "" {
		question = "Summarize the key facts, risks and open items."
	}
	prompt := fmt.Sprintf("Context:\n%s\n\nQuestion: %s\n\nAnswer using only the context above.", ac.Formatted, question)

	text, err := s.generator.Generate(ctx, prompt, llm.GenerateOptions{
		MaxTokens: ac.TokenUsage.Budget.ReservedForResponse,
	})
	if err != nil {
		return "", fmt.Errorf("generate response: %w", err)
	}
	s.logger.Debug("generated response", slog.String("context_id", ac.ID), slog.Int("response_len", len(text)))
	return text, nil
}

// Templates lists the known templates sorted by id. The system fallback
// is always included.
func (s *Service) Templates(ctx context.Context) ([]*template.ContextTemplate, error) {
	var out []*template.ContextTemplate
	if s.templates != nil {
		list, err := s.templates.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list templates: %w", err)
		}
		out = append(out, list...)
	}

	fallback := template.SystemFallback()
	found := false
	for _, t := range out {
		if t.ID == fallback.ID {
			found = true
			break
		}
	}
	if !found {
		out = append(out, fallback)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Template returns one template or template.ErrTemplateNotFound.
func (s *Service) Template(ctx context.Context, id string) (*template.ContextTemplate, error) {
	if s.templates != nil {
		t, err := s.templates.Get(ctx, id)
		if err == nil {
			return t, nil
		}
		if id != template.SystemFallback().ID {
			return nil, err
		}
	}
	if id == template.SystemFallback().ID {
		return template.SystemFallback(), nil
	}
	return nil, fmt.Errorf("%w: %s", template.ErrTemplateNotFound, id)
}

// Health runs the dependency checks.
func (s *Service) Health(ctx context.Context) HealthResponse {
	resp := HealthResponse{Status: "healthy", Version: ServiceVersion}
	if len(s.checks) == 0 {
		return resp
	}
	resp.Dependencies = make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			resp.Dependencies[name] = "unavailable: " + err.Error()
			resp.Status = "degraded"
			continue
		}
		resp.Dependencies[name] = "ok"
	}
	return resp
}
