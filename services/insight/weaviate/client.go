// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package weaviate wraps the Weaviate client used as the chunk vector index
// with a circuit breaker, bounded retry, health checking and degradation
// notifications.
package weaviate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianInsight/services/insight/resilience"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.insight.weaviate")

var (
	// ErrUnavailable is returned when Weaviate cannot serve requests.
	ErrUnavailable = errors.New("weaviate is not available")

	// ErrClientClosed is returned after Close.
	ErrClientClosed = errors.New("weaviate client is closed")
)

// Config configures Client.
type Config struct {
	// URL is the server address, e.g. "http://localhost:8080".
	URL string `yaml:"url" validate:"required,url"`

	// Policy bounds each request.
	Policy resilience.Policy `yaml:"policy"`

	// Breaker tunes the circuit breaker.
	Breaker resilience.BreakerConfig `yaml:"breaker"`

	// HealthCheckInterval is the check period. Zero disables checking.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// HealthCheckTimeout bounds one check. Default: 5s
	HealthCheckTimeout time.Duration `yaml:"health_check_timeout"`

	// AllowStartDegraded lets NewClient succeed while Weaviate is down.
	AllowStartDegraded bool `yaml:"allow_start_degraded"`

	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns production defaults for url.
func DefaultConfig(rawURL string) Config {
	return Config{
		URL:                 rawURL,
		Policy:              resilience.DefaultPolicy(),
		Breaker:             resilience.DefaultBreakerConfig("weaviate"),
		HealthCheckInterval: 10 * time.Second,
		HealthCheckTimeout:  5 * time.Second,
	}
}

// Client is a resilient Weaviate client.
//
// Thread Safety: Safe for concurrent use.
type Client struct {
	client *weaviate.Client
	cfg    Config
	guard  *resilience.Guard
	logger *slog.Logger

	healthy atomic.Bool
	closed  atomic.Bool

	stop chan struct{}
	wg   sync.WaitGroup

	handlersMu sync.RWMutex
	handlers   []DegradationHandler
}

// NewClient connects to Weaviate and starts the health checker.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("weaviate url must not be empty")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid weaviate url %q", cfg.URL)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = 5 * time.Second
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "weaviate"
	}

	wc, err := weaviate.NewClient(weaviate.Config{Host: u.Host, Scheme: u.Scheme})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	logger := cfg.Logger.With(slog.String("component", "weaviate_client"))
	c := &Client{
		client: wc,
		cfg:    cfg,
		logger: logger,
		stop:   make(chan struct{}),
		guard: &resilience.Guard{
			Breaker: resilience.NewCircuitBreaker(cfg.Breaker),
			Policy:  cfg.Policy,
			Logger:  logger,
		},
	}
	c.guard.Breaker.OnStateChange = func(name string, from, to resilience.BreakerState) {
		logger.Info("weaviate breaker transition",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		switch to {
		case resilience.StateOpen:
			c.setHealthy(false, "circuit breaker opened")
		case resilience.StateClosed:
			c.setHealthy(true, "")
		}
	}

	if err := c.checkHealth(context.Background()); err != nil {
		if !cfg.AllowStartDegraded {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		logger.Warn("weaviate unavailable at startup, starting degraded",
			slog.String("url", cfg.URL),
			slog.String("error", err.Error()))
	} else {
		c.healthy.Store(true)
	}

	if cfg.HealthCheckInterval > 0 {
		c.wg.Add(1)
		go c.runHealthChecker()
	}
	logger.Info("weaviate client initialized",
		slog.String("url", cfg.URL),
		slog.Bool("healthy", c.healthy.Load()))
	return c, nil
}

// Weaviate returns the underlying client.
func (c *Client) Weaviate() *weaviate.Client { return c.client }

// Available reports whether requests are expected to succeed.
func (c *Client) Available() bool {
	return c.healthy.Load() && c.guard.Breaker.State() != resilience.StateOpen
}

// Execute runs fn under the retry policy and circuit breaker. Failures are
// wrapped with ErrUnavailable when the breaker rejects the call or every
// attempt failed.
func (c *Client) Execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	ctx, span := tracer.Start(ctx, "weaviate."+op)
	defer span.End()
	span.SetAttributes(attribute.String("weaviate.breaker", c.guard.Breaker.State().String()))

	err := c.guard.Call(ctx, op, fn)
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "weaviate request failed")
	if ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// RegisterHandler subscribes h to availability changes. h is told about the
// current state immediately if degraded.
func (c *Client) RegisterHandler(h DegradationHandler) {
	c.handlersMu.Lock()
	c.handlers = append(c.handlers, h)
	c.handlersMu.Unlock()
	if !c.healthy.Load() {
		h.OnDegraded("initial state: weaviate unavailable")
	}
}

// Close stops the health checker.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.stop)
	c.wg.Wait()
	return nil
}

func (c *Client) setHealthy(ok bool, reason string) {
	if c.healthy.Swap(ok) == ok {
		return
	}
	c.handlersMu.RLock()
	handlers := append([]DegradationHandler(nil), c.handlers...)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		if ok {
			h.OnRecovered()
		} else {
			h.OnDegraded(reason)
		}
	}
}

func (c *Client) checkHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthCheckTimeout)
	defer cancel()
	ready, err := c.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if !ready {
		return ErrUnavailable
	}
	return nil
}

func (c *Client) runHealthChecker() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			err := c.checkHealth(context.Background())
			if err != nil {
				c.setHealthy(false, err.Error())
				continue
			}
			if c.guard.Breaker.State() != resilience.StateOpen {
				c.setHealthy(true, "")
			}
		}
	}
}
