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
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/AleutianInsight/services/insight"
	"github.com/AleutianAI/AleutianInsight/services/insight/observability"
	"github.com/AleutianAI/AleutianInsight/services/insight/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func newServeCmd(c *cli) *cobra.Command {
	var addr string
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the insight HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				c.cfg.Server.Addr = addr
			}
			if debug {
				gin.SetMode(gin.DebugMode)
			} else {
				gin.SetMode(gin.ReleaseMode)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, c, prometheus.DefaultRegisterer)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable gin debug mode")
	return cmd
}

// runServer serves until ctx is cancelled, then drains in-flight requests
// within the shutdown timeout.
func runServer(ctx context.Context, c *cli, reg prometheus.Registerer) error {
	logger := c.logger.Slog()

	shutdownTelemetry, err := telemetry.Init(ctx, c.cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), c.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	a, err := buildApp(ctx, c.cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.files != nil && c.cfg.Templates.Watch {
		go func() {
			if err := a.files.Watch(ctx); err != nil {
				logger.Warn("template watcher stopped", "error", err)
			}
		}()
	}

	srv := newHTTPServer(a, c, observability.NewMetrics(reg))
	errCh := make(chan error, 1)
	go func() {
		c.printer.Success(fmt.Sprintf("insight %s listening on %s", version, srv.Addr))
		logger.Info("Starting insight server", "address", srv.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down insight server")
	sctx, cancel := context.WithTimeout(context.Background(), c.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

func newHTTPServer(a *app, c *cli, metrics *observability.Metrics) *http.Server {
	router := insight.NewRouter(insight.NewHandlers(a.service, metrics), metrics, insight.RouterConfig{
		ServiceName:  c.cfg.Telemetry.ServiceName,
		MaxBodyBytes: c.cfg.Server.MaxBodyBytes,
		Logger:       a.logger,
	})
	return &http.Server{
		Addr:         c.cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  c.cfg.Server.ReadTimeout,
		WriteTimeout: c.cfg.Server.WriteTimeout,
	}
}
