// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianInsight/pkg/ux"
	"github.com/AleutianAI/AleutianInsight/services/insight"
	"github.com/AleutianAI/AleutianInsight/services/insight/assembly"
	"github.com/AleutianAI/AleutianInsight/services/insight/grounding"
	"github.com/AleutianAI/AleutianInsight/services/insight/template"
	"gopkg.in/yaml.v3"
)

func renderContext(p *ux.Printer, ac *assembly.AssembledContext) error {
	if p.Mode() == ux.ModeJSON {
		return p.JSON(insight.ContextResponse{AssembledContext: ac, Completeness: ac.Quality.Completeness()})
	}

	p.Title("Context " + ac.ID)
	p.KeyValue("template", fmt.Sprintf("%s (%s)", ac.TemplateID, ac.TemplateSource))
	if ac.PrimaryShard != nil {
		p.KeyValue("primary", fmt.Sprintf("%s [%s]", ac.PrimaryShard.Name, ac.PrimaryShard.ShardTypeID))
	}
	p.KeyValue("tokens", fmt.Sprintf("%d / %d", ac.TokenUsage.Total, ac.TokenUsage.Budget.Available))
	p.KeyValue("budget", p.ProgressBar(ac.TokenUsage.Total, ac.TokenUsage.Budget.Available, 24))
	p.KeyValue("related", ac.Quality.RelatedItems)
	p.KeyValue("rag chunks", ac.Quality.RAGChunks)
	p.KeyValue("completeness", fmt.Sprintf("%.2f", ac.Quality.Completeness()))
	p.KeyValue("fingerprint", ac.Fingerprint)

	for _, item := range ac.RelatedItems {
		if item.Shard == nil {
			continue
		}
		p.Bullet(ux.IconArrow, fmt.Sprintf("%s %s (depth %d)", item.RelationshipType, item.Shard.Name, item.Depth))
	}
	for _, t := range ac.TruncatedItems {
		p.Bullet(ux.IconPending, fmt.Sprintf("%s %s: %s", t.Action, t.ID, t.Reason))
	}
	for _, w := range ac.Warnings {
		p.Warning(fmt.Sprintf("%s: %s", w.Code, w.Message))
	}
	for method, reason := range ac.RetrievalDegraded {
		p.Warning(fmt.Sprintf("%s retrieval degraded: %s", method, reason))
	}
	p.Box("Formatted context", strings.TrimRight(ac.Formatted, "\n"))
	return nil
}

func renderGrounded(p *ux.Printer, resp *insight.GroundResponse) error {
	if p.Mode() == ux.ModeJSON {
		return p.JSON(resp)
	}
	gr := resp.Grounded

	p.Title("Grounded response")
	if resp.ContextID != "" {
		p.KeyValue("context", resp.ContextID)
	}
	p.KeyValue("confidence", fmt.Sprintf("%s (%.2f)", gr.Confidence.Level, gr.Confidence.Score))
	p.KeyValue("claims", len(gr.Claims))
	p.KeyValue("citations", len(gr.Citations))
	if resp.Generated {
		p.KeyValue("generated", true)
	}

	for _, m := range gr.Claims {
		p.Bullet(claimIcon(m.Status), fmt.Sprintf("[%s] %s", m.Status, m.Claim.Text))
	}
	for _, h := range gr.Hallucinations {
		p.Warning(fmt.Sprintf("%s (%s): %s", h.Type, h.Severity, h.Message))
	}
	for _, w := range gr.Warnings {
		p.Warning(fmt.Sprintf("%s: %s", w.Code, w.Message))
	}
	for _, caveat := range gr.Confidence.Caveats {
		p.Muted(caveat)
	}
	if gr.Regenerated {
		p.Info("response was regenerated after contradictions were found")
	}
	p.Box("Response", strings.TrimSpace(gr.Content))
	return nil
}

func claimIcon(s grounding.MatchStatus) ux.Icon {
	switch s {
	case grounding.StatusVerified:
		return ux.IconSuccess
	case grounding.StatusPartiallyVerified:
		return ux.IconPending
	case grounding.StatusContradicted:
		return ux.IconError
	default:
		return ux.IconWarning
	}
}

func renderTemplates(p *ux.Printer, resp insight.TemplatesResponse) error {
	if p.Mode() == ux.ModeJSON {
		return p.JSON(resp)
	}
	p.Title(fmt.Sprintf("%d templates", resp.Count))
	for _, t := range resp.Templates {
		var tags []string
		if t.IsDefault {
			tags = append(tags, "default")
		}
		if t.IsSystem {
			tags = append(tags, "system")
		}
		if !t.IsActive {
			tags = append(tags, "inactive")
		}
		line := fmt.Sprintf("%s v%d  %s", t.ID, t.Version, t.Name)
		if len(t.ApplicableShardTypes) > 0 {
			types := append([]string(nil), t.ApplicableShardTypes...)
			sort.Strings(types)
			line += "  shard types: " + strings.Join(types, ",")
		}
		if len(tags) > 0 {
			line += "  (" + strings.Join(tags, ", ") + ")"
		}
		p.Bullet(ux.IconBullet, line)
	}
	return nil
}

func renderTemplate(p *ux.Printer, t *template.ContextTemplate) error {
	if p.Mode() == ux.ModeJSON {
		return p.JSON(insight.TemplateResponse{Template: t})
	}
	out, err := yaml.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode template: %w", err)
	}
	p.Box(t.ID, strings.TrimRight(string(out), "\n"))
	return nil
}
