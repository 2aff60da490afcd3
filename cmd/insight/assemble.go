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
	"os"
	"strings"

	"github.com/AleutianAI/AleutianInsight/services/insight"
	"github.com/AleutianAI/AleutianInsight/services/insight/shard"
	"github.com/spf13/cobra"
)

// requestFlags are the context request flags shared by assemble and
// ground.
type requestFlags struct {
	tenant      string
	shardID     string
	project     string
	company     string
	template    string
	query       string
	maxTokens   int
	maxShards   int
	insightType string
	assistantID string
	noRAG       bool
}

func (f *requestFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.tenant, "tenant", "", "tenant id (required)")
	fl.StringVar(&f.shardID, "shard", "", "primary shard id")
	fl.StringVar(&f.project, "project", "", "project id")
	fl.StringVar(&f.company, "company", "", "company id")
	fl.StringVarP(&f.template, "template", "t", "", "context template id (default: resolved)")
	fl.StringVarP(&f.query, "query", "q", "", "user question")
	fl.IntVar(&f.maxTokens, "max-tokens", 0, "model context window (default: config)")
	fl.IntVar(&f.maxShards, "max-shards", 0, "cap on related shards")
	fl.StringVar(&f.insightType, "insight-type", "", "insight type used for template resolution")
	fl.StringVar(&f.assistantID, "assistant", "", "assistant id used for template resolution")
	fl.BoolVar(&f.noRAG, "no-rag", false, "disable hybrid retrieval")
	_ = cmd.MarkFlagRequired("tenant")
}

func (f *requestFlags) request() *insight.ContextRequest {
	includeRAG := !f.noRAG
	return &insight.ContextRequest{
		Scope: shard.Scope{
			TenantID:  f.tenant,
			ShardID:   f.shardID,
			ProjectID: f.project,
			CompanyID: f.company,
			MaxShards: f.maxShards,
		},
		TemplateID:  f.template,
		Query:       f.query,
		MaxTokens:   f.maxTokens,
		IncludeRAG:  &includeRAG,
		InsightType: f.insightType,
		AssistantID: f.assistantID,
	}
}

func newAssembleCmd(c *cli) *cobra.Command {
	var flags requestFlags
	var rawOnly bool
	cmd := &cobra.Command{
		Use:   "assemble",
		Short: "Assemble a context and print it",
		Example: `  insight assemble --tenant acme --shard opp-1 -q "What could block the renewal?"
  insight assemble --tenant acme --project proj-1 --template project-risk -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context(), c.cfg, c.logger.Slog())
			if err != nil {
				return err
			}
			defer a.Close()

			ac, err := a.service.AssembleContext(cmd.Context(), flags.request())
			if err != nil {
				return err
			}
			if rawOnly {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(ac.Formatted, "\n"))
				return err
			}
			return renderContext(c.printer, ac)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&rawOnly, "raw", false, "print only the formatted context text")
	return cmd
}

func newGroundCmd(c *cli) *cobra.Command {
	var flags requestFlags
	var response, responseFile string
	cmd := &cobra.Command{
		Use:   "ground",
		Short: "Ground a model response against an assembled context",
		Long: `ground assembles the context described by the flags and verifies the
response against it. Without --response or --response-file the configured
LLM answers the query first.`,
		Example: `  insight ground --tenant acme --shard opp-1 --response "The deal is worth $500,000."
  insight ground --tenant acme --shard opp-1 -q "Summarize the risks"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if responseFile != "" {
				if response != "" {
					return fmt.Errorf("--response and --response-file are mutually exclusive")
				}
				data, err := os.ReadFile(responseFile)
				if err != nil {
					return fmt.Errorf("read response: %w", err)
				}
				response = string(data)
			}

			a, err := buildApp(cmd.Context(), c.cfg, c.logger.Slog())
			if err != nil {
				return err
			}
			defer a.Close()

			resp, err := a.service.Ground(cmd.Context(), &insight.GroundRequest{
				Response: response,
				Context:  flags.request(),
			})
			if err != nil {
				return err
			}
			return renderGrounded(c.printer, resp)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&response, "response", "", "model response to verify")
	cmd.Flags().StringVar(&responseFile, "response-file", "", "file holding the model response")
	return cmd
}
