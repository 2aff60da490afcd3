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
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianInsight/services/insight/llm"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Config tunes a Grounder. Zero fields take their DefaultConfig values.
type Config struct {
	// Timeout bounds one GroundResponse call, regeneration included.
	Timeout time.Duration

	// ExtractTimeout bounds the claim extraction LLM call.
	ExtractTimeout time.Duration

	// RegenerateTimeout bounds the corrective regeneration call.
	RegenerateTimeout time.Duration

	// MatchConcurrency is the number of claims matched in parallel.
	MatchConcurrency int

	// DisableRegeneration turns off the corrective regeneration that
	// otherwise runs once on critical findings.
	DisableRegeneration bool

	// ModelConfidence is the model's self-reported confidence in [0,1].
	ModelConfidence float64

	SemanticThreshold float64
	SemanticTopK      int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:           60 * time.Second,
		ExtractTimeout:    DefaultExtractTimeout,
		RegenerateTimeout: 30 * time.Second,
		MatchConcurrency:  4,
		ModelConfidence:   DefaultModelConfidence,
		SemanticThreshold: DefaultSemanticThreshold,
		SemanticTopK:      DefaultSemanticTopK,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.ExtractTimeout <= 0 {
		c.ExtractTimeout = d.ExtractTimeout
	}
	if c.RegenerateTimeout <= 0 {
		c.RegenerateTimeout = d.RegenerateTimeout
	}
	if c.MatchConcurrency <= 0 {
		c.MatchConcurrency = d.MatchConcurrency
	}
	if c.ModelConfidence <= 0 {
		c.ModelConfidence = d.ModelConfidence
	}
	if c.SemanticThreshold <= 0 {
		c.SemanticThreshold = d.SemanticThreshold
	}
	if c.SemanticTopK <= 0 {
		c.SemanticTopK = d.SemanticTopK
	}
	return c
}

// Grounder runs the grounding pipeline over a model response.
//
// Thread Safety: Safe for concurrent use.
type Grounder struct {
	gen       llm.Generator
	extractor *ClaimExtractor
	matcher   *SourceMatcher
	detector  *Detector
	injector  *CitationInjector
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// GrounderOption configures a Grounder.
type GrounderOption func(*Grounder)

// WithClock overrides the time source used for freshness and recency.
func WithClock(now func() time.Time) GrounderOption {
	return func(g *Grounder) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGrounder creates a grounder. gen and embedder may be nil: without a
// generator claims come from the heuristic extractor and no regeneration
// happens, without an embedder semantic matching is skipped.
func NewGrounder(gen llm.Generator, embedder llm.Embedder, cfg Config, logger *slog.Logger, opts ...GrounderOption) *Grounder {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	g := &Grounder{
		gen:       gen,
		extractor: NewClaimExtractor(gen, cfg.ExtractTimeout, logger),
		matcher: NewSourceMatcher(embedder, logger,
			WithSemanticThreshold(cfg.SemanticThreshold),
			WithSemanticTopK(cfg.SemanticTopK)),
		detector: NewDetector(logger),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.injector = NewCitationInjector(g.now)
	return g
}

// pass is the outcome of grounding one version of the response.
type pass struct {
	content   string
	matches   []SourceMatch
	findings  []HallucinationResult
	heuristic bool

	// extractFailed is set when the configured model could not extract
	// claims and the heuristic extractor stood in.
	extractFailed bool
}

func (p *pass) critical() []HallucinationResult {
	var out []HallucinationResult
	for _, h := range p.findings {
		if h.Severity == SeverityCritical {
			out = append(out, h)
		}
	}
	return out
}

// GroundResponse verifies raw against ev and returns it with citations,
// confidence and warnings.
//
// Description:
//
//	Claims are extracted, matched against the evidence in parallel and run
//	through the detector. A critical finding triggers one regeneration
//	with the violations listed; the new response is grounded again and
//	any remaining critical finding becomes a contradiction warning. When
//	the pipeline cannot finish within Config.Timeout the raw response is
//	returned ungrounded with low confidence.
//
// Outputs:
//
//	*GroundedResponse - Never nil unless err is non-nil.
//	error - Only the caller's context error.
func (g *Grounder) GroundResponse(ctx context.Context, raw string, ev *Evidence) (*GroundedResponse, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "grounding.Grounder.GroundResponse",
		trace.WithAttributes(
			attribute.Int("response_len", len(raw)),
		),
	)
	defer span.End()

	if ev == nil {
		ev = NewEvidence("")
	}

	runCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	resp, err := g.run(runCtx, raw, ev)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			span.RecordError(ctxErr)
			span.SetStatus(codes.Error, "cancelled")
			recordGrounding(ctx, "cancelled", time.Since(start))
			return nil, ctxErr
		}
		g.logger.Warn("grounding unavailable, returning ungrounded response", slog.Any("error", err))
		span.SetStatus(codes.Error, err.Error())
		recordGrounding(ctx, "unavailable", time.Since(start))
		return g.ungrounded(raw, fmt.Errorf("%w: %w", ErrGroundingUnavailable, err)), nil
	}

	span.SetAttributes(
		attribute.Int("claims", len(resp.Claims)),
		attribute.Int("hallucinations", len(resp.Hallucinations)),
		attribute.Float64("confidence", resp.Confidence.Score),
		attribute.Bool("regenerated", resp.Regenerated),
	)
	recordGrounding(ctx, string(resp.Confidence.Level), time.Since(start))
	recordConfidence(ctx, resp.Confidence)
	return resp, nil
}

func (g *Grounder) run(ctx context.Context, raw string, ev *Evidence) (*GroundedResponse, error) {
	p, err := g.groundOnce(ctx, raw, ev)
	if err != nil {
		return nil, err
	}

	regenerated := false
	if crit := p.critical(); len(crit) > 0 && !g.cfg.DisableRegeneration && g.gen != nil {
		next, err := g.regenerate(ctx, raw, ev, crit)
		switch {
		case err == nil:
			np, err := g.groundOnce(ctx, next, ev)
			if err != nil {
				return nil, err
			}
			p = np
			regenerated = true
			recordRegeneration(ctx, "ok")
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			g.logger.Warn("corrective regeneration failed", slog.Any("error", err))
			recordRegeneration(ctx, "failed")
		}
	}

	recordClaims(ctx, p.matches)
	recordHallucinations(ctx, p.findings)

	injected := g.injector.inject(p.content, p.matches, p.findings)
	conf := CalculateConfidence(FactorsFrom(ev, p.matches, p.findings, g.cfg.ModelConfidence, g.now()))

	resp := &GroundedResponse{
		ID:              uuid.NewString(),
		Content:         injected.Content,
		OriginalContent: raw,
		Claims:          p.matches,
		Citations:       injected.Citations,
		Hallucinations:  p.findings,
		Confidence:      conf,
		Regenerated:     regenerated,
	}
	g.applyPolicy(resp, p)
	return resp, nil
}

// groundOnce extracts, matches and detects over one response text.
func (g *Grounder) groundOnce(ctx context.Context, content string, ev *Evidence) (*pass, error) {
	claims, heuristic, err := g.extractor.extract(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("extract claims: %w", err)
	}

	matches := make([]SourceMatch, len(claims))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.MatchConcurrency)
	for i, c := range claims {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			matches[i] = g.matcher.Match(egCtx, c, ev)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("match claims: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &pass{
		content:   content,
		matches:   matches,
		findings:      g.detector.Detect(ctx, content, ev, matches),
		heuristic:     heuristic,
		extractFailed: heuristic && g.gen != nil,
	}, nil
}

const correctionPrompt = `Your previous answer contradicts the context data.
Rewrite it so every statement agrees with the context. Fix these problems and keep everything else:
%s

Context:
%s

Previous answer:
%s`

func (g *Grounder) regenerate(ctx context.Context, raw string, ev *Evidence, crit []HallucinationResult) (string, error) {
	var fixes strings.Builder
	for _, h := range crit {
		fmt.Fprintf(&fixes, "- %q: %s\n", h.Text, h.Message)
	}
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.RegenerateTimeout)
	defer cancel()

	out, err := g.gen.Generate(callCtx, fmt.Sprintf(correctionPrompt, strings.TrimRight(fixes.String(), "\n"), ev.Text, raw), llm.GenerateOptions{
		Temperature: llm.Float32(0),
	})
	if err != nil {
		return "", fmt.Errorf("regenerate: %w", err)
	}
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("regenerate: %w", llm.ErrNoChoices)
	}
	return out, nil
}

// applyPolicy turns findings into warnings and caveats: critical and high
// findings become warnings, medium ones become caveats. A failed model
// extraction caps confidence at low.
func (g *Grounder) applyPolicy(resp *GroundedResponse, p *pass) {
	for _, h := range p.findings {
		switch h.Severity {
		case SeverityCritical:
			resp.Warnings = append(resp.Warnings, Warning{
				Code:     CodeContradiction,
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("%v: %s", ErrContradictionDetected, h.Message),
			})
		case SeverityHigh:
			resp.Warnings = append(resp.Warnings, Warning{
				Code:     CodeHallucination,
				Severity: SeverityHigh,
				Message:  h.Message,
			})
		case SeverityMedium:
			resp.Confidence.Caveats = append(resp.Confidence.Caveats, "Could not verify: "+h.Message+".")
		case SeverityLow:
		}
	}
	switch {
	case p.extractFailed:
		resp.Warnings = append(resp.Warnings, Warning{
			Code:     CodeHeuristicClaim,
			Severity: SeverityMedium,
			Message:  "claim extraction failed, claims were split heuristically",
		})
		if resp.Confidence.Score > maxScoreWithCritical {
			resp.Confidence.Score = maxScoreWithCritical
		}
		resp.Confidence.Level = ConfidenceLow
		resp.Confidence.Caveats = append(resp.Confidence.Caveats,
			"Claim extraction failed, so some statements may not have been checked.")
	case p.heuristic:
		resp.Warnings = append(resp.Warnings, Warning{
			Code:     CodeHeuristicClaim,
			Severity: SeverityLow,
			Message:  "claims were extracted without the language model",
		})
	}
}

// ungrounded wraps raw as a degraded response with low confidence.
func (g *Grounder) ungrounded(raw string, cause error) *GroundedResponse {
	conf := CalculateConfidence(ConfidenceFactors{ModelConfidence: g.cfg.ModelConfidence, HallucinationRisk: 1})
	conf.Level = ConfidenceLow
	conf.Caveats = append(conf.Caveats, "The response could not be verified against the context.")
	return &GroundedResponse{
		ID:              uuid.NewString(),
		Content:         raw,
		OriginalContent: raw,
		Confidence:      conf,
		Degraded:        true,
		Warnings: []Warning{{
			Code:     CodeUnavailable,
			Severity: SeverityHigh,
			Message:  cause.Error(),
		}},
	}
}
