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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/AleutianAI/AleutianInsight/pkg/logging"
	"github.com/AleutianAI/AleutianInsight/pkg/ux"
	"github.com/AleutianAI/AleutianInsight/services/insight"
	"github.com/AleutianAI/AleutianInsight/services/insight/config"
	"github.com/AleutianAI/AleutianInsight/services/insight/observability"
	"github.com/AleutianAI/AleutianInsight/services/insight/template"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Helpers
// =============================================================================

func sampleDir(t *testing.T, name string) string {
	t.Helper()
	p, err := filepath.Abs(filepath.Join("..", "..", "configs", name))
	require.NoError(t, err)
	return p
}

// isolateEnv blanks every variable config.Load reads.
func isolateEnv(t *testing.T) {
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

// writeConfig writes a config using the sample templates and fixtures with
// in-memory storage and the heuristic token estimator.
func writeConfig(t *testing.T, templatesDir string) string {
	t.Helper()
	isolateEnv(t)
	body := fmt.Sprintf(`
logging:
  level: error
  format: text
storage:
  in_memory: true
  gc_interval: 0s
templates:
  dir: %q
  watch: false
  cache_size: 16
budget:
  use_tiktoken: false
  context_window: 16384
fixtures: %q
`, templatesDir, sampleDir(t, "fixtures.yaml"))
	path := filepath.Join(t.TempDir(), "insight.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func quietLogger() *slog.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Quiet: true}).Slog()
}

// =============================================================================
// Command Tests
// =============================================================================

func TestAssembleCommand_JSON(t *testing.T) {
	cfg := writeConfig(t, sampleDir(t, "templates"))

	out, err := execute(t, "assemble", "--config", cfg, "-o", "json",
		"--tenant", "acme", "--shard", "opp-1", "-q", "What could block the renewal?")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "deal-review", got["template_id"])
	primary, ok := got["primary_shard"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "opp-1", primary["id"])
	related, ok := got["related_items"].([]any)
	require.True(t, ok)
	assert.NotEmpty(t, related)
	assert.Contains(t, got["formatted"], "Globex renewal")
}

func TestAssembleCommand_Raw(t *testing.T) {
	cfg := writeConfig(t, sampleDir(t, "templates"))

	out, err := execute(t, "assemble", "--config", cfg, "--raw", "--no-rag",
		"--tenant", "acme", "--shard", "opp-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Globex renewal")
	assert.Contains(t, out, "Globex Corporation")
}

func TestAssembleCommand_Plain(t *testing.T) {
	cfg := writeConfig(t, sampleDir(t, "templates"))

	out, err := execute(t, "assemble", "--config", cfg, "-o", "plain",
		"--tenant", "acme", "--shard", "opp-1")
	require.NoError(t, err)
	assert.Contains(t, out, "== Context ")
	assert.Contains(t, out, "template\tdeal-review")
	assert.Contains(t, out, "Formatted context:")
}

func TestAssembleCommand_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"missing tenant flag", []string{"--shard", "opp-1"}, "tenant"},
		{"unknown primary", []string{"--tenant", "acme", "--shard", "nope"}, "not found"},
		{"bad output mode", []string{"--tenant", "acme", "-o", "xml"}, "output mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := writeConfig(t, sampleDir(t, "templates"))
			_, err := execute(t, append([]string{"assemble", "--config", cfg}, tt.args...)...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGroundCommand(t *testing.T) {
	cfg := writeConfig(t, sampleDir(t, "templates"))
	respFile := filepath.Join(t.TempDir(), "answer.txt")
	require.NoError(t, os.WriteFile(respFile,
		[]byte("The Globex renewal is worth $500,000 and is in negotiation."), 0o600))

	out, err := execute(t, "ground", "--config", cfg, "-o", "json",
		"--tenant", "acme", "--shard", "opp-1", "--response-file", respFile)
	require.NoError(t, err)

	var got insight.GroundResponse
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.NotNil(t, got.Grounded)
	assert.NotEmpty(t, got.ContextID)
	assert.False(t, got.Generated)
	assert.NotEmpty(t, got.Grounded.Claims)
}

func TestGroundCommand_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr error
		wantMsg string
	}{
		{
			name:    "no response and no llm",
			args:    []string{"--tenant", "acme", "--shard", "opp-1"},
			wantErr: insight.ErrNoGenerator,
		},
		{
			name:    "both response flags",
			args:    []string{"--tenant", "acme", "--response", "x", "--response-file", "y"},
			wantMsg: "mutually exclusive",
		},
		{
			name:    "missing response file",
			args:    []string{"--tenant", "acme", "--response-file", "/nonexistent/answer.txt"},
			wantErr: os.ErrNotExist,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := writeConfig(t, sampleDir(t, "templates"))
			_, err := execute(t, append([]string{"ground", "--config", cfg}, tt.args...)...)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestTemplatesCommands(t *testing.T) {
	cfg := writeConfig(t, sampleDir(t, "templates"))

	out, err := execute(t, "templates", "list", "--config", cfg, "-o", "json")
	require.NoError(t, err)
	var list insight.TemplatesResponse
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	assert.Equal(t, 3, list.Count)
	ids := make([]string, 0, list.Count)
	for _, s := range list.Templates {
		ids = append(ids, s.ID)
	}
	assert.Contains(t, ids, "deal-review")
	assert.Contains(t, ids, "project-risk")
	assert.Contains(t, ids, template.SystemFallback().ID)

	out, err = execute(t, "templates", "show", "deal-review", "--config", cfg, "-o", "plain")
	require.NoError(t, err)
	assert.Contains(t, out, "relationship_type: has_client")

	_, err = execute(t, "templates", "show", "missing", "--config", cfg)
	assert.ErrorIs(t, err, template.ErrTemplateNotFound)

	out, err = execute(t, "templates", "validate", sampleDir(t, "templates"), "--config", cfg, "-o", "plain")
	require.NoError(t, err)
	assert.Contains(t, out, "OK: 2 templates valid")
}

func TestTemplatesValidate_Invalid(t *testing.T) {
	cfg := writeConfig(t, sampleDir(t, "templates"))
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"),
		[]byte("id: bad\nrag:\n  fusion: magic\n"), 0o600))

	_, err := execute(t, "templates", "validate", dir, "--config", cfg)
	assert.ErrorIs(t, err, template.ErrInvalidTemplate)
}

func TestVersionCommand(t *testing.T) {
	cfg := writeConfig(t, sampleDir(t, "templates"))

	out, err := execute(t, "version", "--config", cfg, "-o", "json")
	require.NoError(t, err)
	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, version, got["version"])
}

func TestSampleConfigLoads(t *testing.T) {
	isolateEnv(t)
	cfg, err := config.Load(sampleDir(t, "insight.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8090", cfg.Server.Addr)
	assert.Equal(t, "configs/templates", cfg.Templates.Dir)
}

// =============================================================================
// Wiring Tests
// =============================================================================

func TestHTTPServer(t *testing.T) {
	isolateEnv(t)
	cfg := config.Default()
	cfg.Storage.InMemory = true
	cfg.Storage.GCInterval = 0
	cfg.Budget.UseTiktoken = false
	cfg.Templates.Dir = sampleDir(t, "templates")
	cfg.Fixtures = sampleDir(t, "fixtures.yaml")

	a, err := buildApp(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer a.Close()

	c := &cli{cfg: cfg, printer: ux.NewPrinter(&bytes.Buffer{}, ux.ModePlain)}
	srv := newHTTPServer(a, c, observability.NewMetrics(prometheus.NewRegistry()))
	assert.Equal(t, ":8090", srv.Addr)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/insight/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health insight.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "ok", health.Dependencies["templates"])

	rec = httptest.NewRecorder()
	body := bytes.NewBufferString(`{"scope":{"tenant_id":"acme","project_id":"proj-1"},"include_rag":false}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/insight/context", body)
	req.Header.Set("Content-Type", "application/json")
	srv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ctxResp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ctxResp))
	assert.Equal(t, "project-risk", ctxResp["template_id"])
}

func TestBuildApp_TemplateSnapshotSurvivesBrokenDir(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	data, err := os.ReadFile(filepath.Join(sampleDir(t, "templates"), "deal-review.yaml"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "deal-review.yaml"), data, 0o600))

	cfg := config.Default()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "db")
	cfg.Storage.SyncWrites = false
	cfg.Storage.GCInterval = 0
	cfg.Budget.UseTiktoken = false
	cfg.Templates.Dir = dir

	a, err := buildApp(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	require.NoError(t, a.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "deal-review.yaml"), []byte("id: [broken"), 0o600))

	a, err = buildApp(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.files)

	got, err := a.service.Template(context.Background(), "deal-review")
	require.NoError(t, err)
	assert.Equal(t, "Deal review", got.Name)
}

func TestBuildApp_BrokenDirWithoutSnapshot(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("id: [broken"), 0o600))

	cfg := config.Default()
	cfg.Storage.InMemory = true
	cfg.Storage.GCInterval = 0
	cfg.Budget.UseTiktoken = false
	cfg.Templates.Dir = dir

	_, err := buildApp(context.Background(), cfg, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load templates")
}

func TestBuildApp_ReloadRefreshesCache(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	write := func(name string) {
		body := fmt.Sprintf("id: review\nname: %s\nis_active: true\n", name)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "review.yaml"), []byte(body), 0o600))
	}
	write("first")

	cfg := config.Default()
	cfg.Storage.InMemory = true
	cfg.Storage.GCInterval = 0
	cfg.Budget.UseTiktoken = false
	cfg.Templates.Dir = dir

	a, err := buildApp(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer a.Close()

	got, err := a.service.Template(context.Background(), "review")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Name)

	write("second")
	require.NoError(t, a.files.Reload())

	got, err = a.service.Template(context.Background(), "review")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Name)

	saved, err := a.snapshot.Get(context.Background(), "review")
	require.NoError(t, err)
	assert.Equal(t, "second", saved.Name)
}
