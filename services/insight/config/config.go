// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the insight service configuration.
//
// Values come from Default, then an optional YAML file, then environment
// variables, and are checked with struct tags before use:
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    return fmt.Errorf("load config: %w", err)
//	}
//
// Environment variables:
//
//   - INSIGHT_HTTP_ADDR: listen address
//   - INSIGHT_LOG_LEVEL, INSIGHT_LOG_FORMAT, INSIGHT_LOG_DIR: logging
//   - INSIGHT_TEMPLATES_DIR: template directory
//   - INSIGHT_FIXTURES: shard fixture file
//   - INSIGHT_STORAGE_PATH, INSIGHT_STORAGE_IN_MEMORY: badger storage
//   - INSIGHT_CONTEXT_WINDOW: default model context window
//   - INSIGHT_LLM_MODEL: chat model
//   - OPENAI_API_KEY: enables the LLM section
//   - OPENAI_BASE_URL: OpenAI compatible endpoint
//   - WEAVIATE_URL: enables the Weaviate section
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/AleutianAI/AleutianInsight/services/insight/grounding"
	"github.com/AleutianAI/AleutianInsight/services/insight/llm"
	"github.com/AleutianAI/AleutianInsight/services/insight/resilience"
	"github.com/AleutianAI/AleutianInsight/services/insight/storage/badger"
	"github.com/AleutianAI/AleutianInsight/services/insight/telemetry"
	"github.com/AleutianAI/AleutianInsight/services/insight/traversal"
	"github.com/AleutianAI/AleutianInsight/services/insight/weaviate"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	LLM       LLMConfig        `yaml:"llm"`
	Weaviate  WeaviateConfig   `yaml:"weaviate"`
	Storage   badger.Config    `yaml:"storage"`
	Templates TemplatesConfig  `yaml:"templates"`
	Traversal TraversalConfig  `yaml:"traversal"`
	Retrieval RetrievalConfig  `yaml:"retrieval"`
	Budget    BudgetConfig     `yaml:"budget"`
	Assembly  AssemblyConfig   `yaml:"assembly"`
	Grounding GroundingConfig  `yaml:"grounding"`

	// Fixtures is a YAML shard fixture file served by the in-memory store.
	Fixtures string `yaml:"fixtures"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`

	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes" validate:"gte=0"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"oneof=auto text json"`
	Dir    string `yaml:"dir"`
}

// LLMConfig configures generation and embeddings.
type LLMConfig struct {
	Enabled bool             `yaml:"enabled"`
	OpenAI  llm.OpenAIConfig `yaml:"openai"`

	// RequestsPerSecond rate limits LLM and embedding calls. Zero disables.
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`

	Policy resilience.Policy `yaml:"policy"`

	// EmbeddingCacheTTL is the lifetime of cached embeddings. Zero keeps
	// them forever.
	EmbeddingCacheTTL time.Duration `yaml:"embedding_cache_ttl" validate:"gte=0"`
}

// WeaviateConfig configures the vector index.
type WeaviateConfig struct {
	Enabled             bool          `yaml:"enabled"`
	URL                 string        `yaml:"url" validate:"required_if=Enabled true"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" validate:"gte=0"`
	AllowStartDegraded  bool          `yaml:"allow_start_degraded"`
}

// Client returns the weaviate client configuration.
func (w WeaviateConfig) Client() weaviate.Config {
	c := weaviate.DefaultConfig(w.URL)
	c.AllowStartDegraded = w.AllowStartDegraded
	if w.HealthCheckInterval > 0 {
		c.HealthCheckInterval = w.HealthCheckInterval
	}
	return c
}

// TemplatesConfig configures the template repository.
type TemplatesConfig struct {
	// Dir holds YAML template files. Empty uses only the system fallback
	// and templates persisted in storage.
	Dir string `yaml:"dir"`

	// Watch reloads Dir on change.
	Watch bool `yaml:"watch"`

	// CacheSize is the LRU size in front of the repository.
	CacheSize int           `yaml:"cache_size" validate:"gte=1"`
	ListTTL   time.Duration `yaml:"list_ttl" validate:"gte=0"`
}

// TraversalConfig configures relationship traversal.
type TraversalConfig struct {
	// Workers bounds concurrent shard fetches per traversal level.
	Workers int `yaml:"workers" validate:"gte=1,lte=64"`
}

// RetrievalConfig configures hybrid retrieval.
type RetrievalConfig struct {
	MethodTimeout time.Duration `yaml:"method_timeout" validate:"gte=0"`
	ChunkSize     int           `yaml:"chunk_size" validate:"gte=0"`
	ChunkOverlap  int           `yaml:"chunk_overlap" validate:"gte=0"`
}

// BudgetConfig configures token accounting.
type BudgetConfig struct {
	UseTiktoken   bool   `yaml:"use_tiktoken"`
	Encoding      string `yaml:"encoding"`
	ContextWindow int    `yaml:"context_window" validate:"gte=1024"`
}

// AssemblyConfig configures context assembly.
type AssemblyConfig struct {
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// GroundingConfig mirrors grounding.Config with YAML names.
type GroundingConfig struct {
	Timeout           time.Duration `yaml:"timeout" validate:"gte=0"`
	ExtractTimeout    time.Duration `yaml:"extract_timeout" validate:"gte=0"`
	RegenerateTimeout time.Duration `yaml:"regenerate_timeout" validate:"gte=0"`
	MatchConcurrency  int           `yaml:"match_concurrency" validate:"gte=0,lte=64"`
	Regenerate        bool          `yaml:"regenerate"`
	ModelConfidence   float64       `yaml:"model_confidence" validate:"gte=0,lte=1"`
	SemanticThreshold float64       `yaml:"semantic_threshold" validate:"gte=0,lte=1"`
	SemanticTopK      int           `yaml:"semantic_top_k" validate:"gte=0"`
}

// Grounder returns the grounding package configuration.
func (g GroundingConfig) Grounder() grounding.Config {
	return grounding.Config{
		Timeout:             g.Timeout,
		ExtractTimeout:      g.ExtractTimeout,
		RegenerateTimeout:   g.RegenerateTimeout,
		MatchConcurrency:    g.MatchConcurrency,
		DisableRegeneration: !g.Regenerate,
		ModelConfidence:     g.ModelConfidence,
		SemanticThreshold:   g.SemanticThreshold,
		SemanticTopK:        g.SemanticTopK,
	}
}

// Default returns the development defaults.
func Default() Config {
	g := grounding.DefaultConfig()
	storage := badger.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Addr:            ":8090",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    4 << 20,
		},
		Logging:   LoggingConfig{Level: "info", Format: "auto"},
		Telemetry: telemetry.DefaultConfig(),
		LLM: LLMConfig{
			OpenAI: llm.OpenAIConfig{
				Model:          llm.DefaultChatModel,
				EmbeddingModel: llm.DefaultEmbeddingModel,
			},
			RequestsPerSecond: 5,
			Burst:             5,
			Policy:            resilience.DefaultPolicy(),
			EmbeddingCacheTTL: 7 * 24 * time.Hour,
		},
		Weaviate: WeaviateConfig{HealthCheckInterval: 10 * time.Second, AllowStartDegraded: true},
		Storage:  storage,
		Templates: TemplatesConfig{
			CacheSize: 256,
			ListTTL:   30 * time.Second,
		},
		Traversal: TraversalConfig{Workers: traversal.DefaultWorkers},
		Retrieval: RetrievalConfig{
			MethodTimeout: 2 * time.Second,
			ChunkSize:     1000,
			ChunkOverlap:  100,
		},
		Budget:   BudgetConfig{UseTiktoken: true, Encoding: "cl100k_base", ContextWindow: 16384},
		Assembly: AssemblyConfig{Timeout: 10 * time.Second},
		Grounding: GroundingConfig{
			Timeout:           g.Timeout,
			ExtractTimeout:    g.ExtractTimeout,
			RegenerateTimeout: g.RegenerateTimeout,
			MatchConcurrency:  g.MatchConcurrency,
			Regenerate:        !g.DisableRegeneration,
			ModelConfidence:   g.ModelConfidence,
			SemanticThreshold: g.SemanticThreshold,
			SemanticTopK:      g.SemanticTopK,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (when
// non-empty) and the environment, then validates it.
//
// Outputs:
//
//	Config - The validated configuration.
//	error - File, parse or ErrInvalidConfig (wrapped) errors. Unknown YAML
//	        keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks the struct tag constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			v := verrs[0]
			return fmt.Errorf("%w: %s failed %q (%d problems)", ErrInvalidConfig, v.Namespace(), v.Tag(), len(verrs))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Weaviate.URL != "" {
		if err := validate.Var(c.Weaviate.URL, "url"); err != nil {
			return fmt.Errorf("%w: weaviate.url %q is not a URL", ErrInvalidConfig, c.Weaviate.URL)
		}
	}
	if c.Retrieval.ChunkSize > 0 && c.Retrieval.ChunkOverlap >= c.Retrieval.ChunkSize {
		return fmt.Errorf("%w: retrieval.chunk_overlap %d must be below chunk_size %d",
			ErrInvalidConfig, c.Retrieval.ChunkOverlap, c.Retrieval.ChunkSize)
	}
	return nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("INSIGHT_HTTP_ADDR", &c.Server.Addr)
	str("INSIGHT_LOG_LEVEL", &c.Logging.Level)
	str("INSIGHT_LOG_FORMAT", &c.Logging.Format)
	str("INSIGHT_LOG_DIR", &c.Logging.Dir)
	str("INSIGHT_TEMPLATES_DIR", &c.Templates.Dir)
	str("INSIGHT_FIXTURES", &c.Fixtures)
	str("INSIGHT_STORAGE_PATH", &c.Storage.Path)
	str("INSIGHT_LLM_MODEL", &c.LLM.OpenAI.Model)
	str("OPENAI_BASE_URL", &c.LLM.OpenAI.BaseURL)

	if v := os.Getenv("INSIGHT_STORAGE_IN_MEMORY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: INSIGHT_STORAGE_IN_MEMORY=%q", ErrInvalidConfig, v)
		}
		c.Storage.InMemory = b
	}
	if v := os.Getenv("INSIGHT_CONTEXT_WINDOW"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: INSIGHT_CONTEXT_WINDOW=%q", ErrInvalidConfig, v)
		}
		c.Budget.ContextWindow = n
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.LLM.OpenAI.APIKey = v
		c.LLM.Enabled = true
	}
	if v := os.Getenv("WEAVIATE_URL"); v != "" {
		c.Weaviate.URL = v
		c.Weaviate.Enabled = true
	}
	return nil
}
