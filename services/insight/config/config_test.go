// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"INSIGHT_HTTP_ADDR", "INSIGHT_LOG_LEVEL", "INSIGHT_LOG_FORMAT", "INSIGHT_LOG_DIR",
		"INSIGHT_TEMPLATES_DIR", "INSIGHT_FIXTURES", "INSIGHT_STORAGE_PATH",
		"INSIGHT_STORAGE_IN_MEMORY", "INSIGHT_CONTEXT_WINDOW", "INSIGHT_LLM_MODEL",
		"OPENAI_API_KEY", "OPENAI_BASE_URL", "WEAVIATE_URL",
	} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "insight.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	clearEnv(t)
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.LLM.Enabled)
	assert.False(t, cfg.Weaviate.Enabled)
	assert.Equal(t, 16384, cfg.Budget.ContextWindow)
	assert.Equal(t, 4, cfg.Traversal.Workers)
}

func TestLoad_NoFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Addr, cfg.Server.Addr)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
server:
  addr: ":9999"
  read_timeout: 5s
logging:
  level: debug
  format: json
templates:
  dir: ./templates
  watch: true
  cache_size: 16
traversal:
  workers: 8
retrieval:
  chunk_size: 400
  chunk_overlap: 40
grounding:
  semantic_threshold: 0.7
  regenerate: false
storage:
  in_memory: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Templates.Watch)
	assert.Equal(t, 16, cfg.Templates.CacheSize)
	assert.Equal(t, 8, cfg.Traversal.Workers)
	assert.Equal(t, 400, cfg.Retrieval.ChunkSize)
	assert.True(t, cfg.Storage.InMemory)

	g := cfg.Grounding.Grounder()
	assert.Equal(t, 0.7, g.SemanticThreshold)
	assert.True(t, g.DisableRegeneration)
	// untouched keys keep their defaults
	assert.Equal(t, Default().Grounding.MatchConcurrency, g.MatchConcurrency)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "server:\n  addr: \":9999\"\n")
	t.Setenv("INSIGHT_HTTP_ADDR", ":7000")
	t.Setenv("INSIGHT_CONTEXT_WINDOW", "32000")
	t.Setenv("INSIGHT_STORAGE_IN_MEMORY", "true")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("WEAVIATE_URL", "http://localhost:8080")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, 32000, cfg.Budget.ContextWindow)
	assert.True(t, cfg.Storage.InMemory)
	assert.True(t, cfg.LLM.Enabled)
	assert.Equal(t, "sk-test", cfg.LLM.OpenAI.APIKey)
	assert.True(t, cfg.Weaviate.Enabled)

	wc := cfg.Weaviate.Client()
	assert.Equal(t, "http://localhost:8080", wc.URL)
	assert.True(t, wc.AllowStartDegraded)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		invalid bool
	}{
		{name: "unknown key", yaml: "server:\n  port: 1\n"},
		{name: "bad duration", yaml: "server:\n  read_timeout: soon\n"},
		{name: "bad log level", yaml: "logging:\n  level: loud\n", invalid: true},
		{name: "weaviate enabled without url", yaml: "weaviate:\n  enabled: true\n", invalid: true},
		{name: "weaviate url malformed", yaml: "weaviate:\n  url: \"not a url\"\n", invalid: true},
		{name: "overlap not below size", yaml: "retrieval:\n  chunk_size: 100\n  chunk_overlap: 100\n", invalid: true},
		{name: "zero traversal workers", yaml: "traversal:\n  workers: 0\n", invalid: true},
		{name: "small window", yaml: "budget:\n  context_window: 100\n", invalid: true},
		{name: "confidence above one", yaml: "grounding:\n  model_confidence: 1.5\n", invalid: true},
		{name: "bad window env", env: map[string]string{"INSIGHT_CONTEXT_WINDOW": "big"}, invalid: true},
		{name: "bad in-memory env", env: map[string]string{"INSIGHT_STORAGE_IN_MEMORY": "maybe"}, invalid: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.yaml != "" {
				path = writeFile(t, tt.yaml)
			}
			_, err := Load(path)
			require.Error(t, err)
			if tt.invalid {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
