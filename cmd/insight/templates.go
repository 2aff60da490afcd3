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

	"github.com/AleutianAI/AleutianInsight/pkg/ux"
	"github.com/AleutianAI/AleutianInsight/services/insight"
	"github.com/AleutianAI/AleutianInsight/services/insight/template"
	"github.com/spf13/cobra"
)

func newTemplatesCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "templates",
		Aliases: []string{"template", "tpl"},
		Short:   "Inspect context templates",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List the available templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context(), c.cfg, c.logger.Slog())
			if err != nil {
				return err
			}
			defer a.Close()

			templates, err := a.service.Templates(cmd.Context())
			if err != nil {
				return err
			}
			return renderTemplates(c.printer, insight.NewTemplatesResponse(templates))
		},
	}

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), c.cfg, c.logger.Slog())
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := a.service.Template(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return renderTemplate(c.printer, t)
		},
	}

	validate := &cobra.Command{
		Use:   "validate <dir>",
		Short: "Load and validate every template file in a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			templates, err := template.LoadDir(args[0])
			if err != nil {
				c.printer.Error(err.Error())
				return err
			}
			if c.printer.Mode() == ux.ModeJSON {
				return c.printer.JSON(insight.NewTemplatesResponse(templates))
			}
			c.printer.Success(fmt.Sprintf("%d templates valid in %s", len(templates), args[0]))
			return nil
		},
	}

	cmd.AddCommand(list, show, validate)
	return cmd
}
