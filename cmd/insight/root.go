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

	"github.com/AleutianAI/AleutianInsight/pkg/logging"
	"github.com/AleutianAI/AleutianInsight/pkg/ux"
	"github.com/AleutianAI/AleutianInsight/services/insight/config"
	"github.com/spf13/cobra"
)

// cli carries the state shared by every subcommand. It is filled by the
// root command's PersistentPreRunE.
type cli struct {
	configPath string
	logLevel   string
	output     string

	cfg     config.Config
	logger  *logging.Logger
	printer *ux.Printer
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "insight",
		Short: "Assemble LLM contexts from shard data and ground model responses",
		Long: `insight builds token-budgeted contexts for a tenant's shards using
context templates, graph traversal and hybrid retrieval, and verifies model
responses against the evidence those contexts contain.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.logger != nil {
				_ = c.logger.Close()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", "", "path to a YAML config file")
	flags.StringVar(&c.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	flags.StringVarP(&c.output, "output", "o", "styled", "output mode (styled, plain, json)")

	root.AddCommand(
		newServeCmd(c),
		newAssembleCmd(c),
		newGroundCmd(c),
		newTemplatesCmd(c),
		newVersionCmd(c),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	mode, err := ux.ParseMode(c.output)
	if err != nil {
		return err
	}

	c.cfg = cfg
	c.logger = logging.New(logging.Config{
		Level:   level,
		Format:  logging.Format(cfg.Logging.Format),
		LogDir:  cfg.Logging.Dir,
		Service: "insight",
		Output:  cmd.ErrOrStderr(),
	})
	c.printer = ux.NewPrinter(cmd.OutOrStdout(), mode)
	c.logger.Debug("configuration loaded",
		"config", c.configPath,
		"llm", cfg.LLM.Enabled,
		"weaviate", cfg.Weaviate.Enabled,
		"templates_dir", cfg.Templates.Dir,
	)
	return nil
}

func newVersionCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.printer.Mode() == ux.ModeJSON {
				return c.printer.JSON(map[string]string{"version": version})
			}
			fmt.Fprintln(cmd.OutOrStdout(), "insight", version)
			return nil
		},
	}
}
