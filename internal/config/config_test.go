package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Limits.MaxFanout != 3 {
		t.Errorf("MaxFanout = %d, want 3", cfg.Limits.MaxFanout)
	}
	if cfg.Limits.MaxDepth != 4 {
		t.Errorf("MaxDepth = %d, want 4", cfg.Limits.MaxDepth)
	}
	if cfg.Tools.ApprovalMode != "ask" {
		t.Errorf("ApprovalMode = %q, want ask", cfg.Tools.ApprovalMode)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	ws := t.TempDir()
	cfg, err := Load(ws)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Limits.MaxChildren != 6 {
		t.Errorf("MaxChildren = %d, want 6", cfg.Limits.MaxChildren)
	}
	if cfg.Tools.WorkspaceRoot != ws {
		t.Errorf("WorkspaceRoot = %q, want %q", cfg.Tools.WorkspaceRoot, ws)
	}
}

func TestLoad_ParsesFile(t *testing.T) {
	ws := t.TempDir()
	dir := filepath.Join(ws, ".cortex")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	body := `
llm:
  provider: gemini
  model: gemini-2.0-flash
  timeout: 30s
limits:
  max_fanout: 5
tools:
  approval_mode: auto-deny
  allowed: [read_file, search]
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(ws)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Provider != "gemini" {
		t.Errorf("Provider = %q", cfg.LLM.Provider)
	}
	if cfg.LLM.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v", cfg.LLM.Timeout)
	}
	if cfg.Limits.MaxFanout != 5 {
		t.Errorf("MaxFanout = %d", cfg.Limits.MaxFanout)
	}
	// Unset limits fall back to defaults.
	if cfg.Limits.MaxDepth != 4 {
		t.Errorf("MaxDepth = %d, want default 4", cfg.Limits.MaxDepth)
	}
	if len(cfg.Tools.Allowed) != 2 {
		t.Errorf("Allowed = %v", cfg.Tools.Allowed)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CORTEX_PROVIDER", "anthropic")
	t.Setenv("CORTEX_API_KEY", "test-key")
	t.Setenv("CORTEX_MODEL", "claude-test")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Provider != "anthropic" {
		t.Errorf("Provider = %q", cfg.LLM.Provider)
	}
	if cfg.LLM.APIKey != "test-key" {
		t.Errorf("APIKey = %q", cfg.LLM.APIKey)
	}
	if !cfg.HasLLM() {
		t.Error("HasLLM() = false with key set")
	}
}

func TestValidate_Rejections(t *testing.T) {
	cfg := Default()
	cfg.Tools.ApprovalMode = "yolo"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for bad approval mode")
	}

	cfg = Default()
	cfg.LLM.Provider = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown provider")
	}

	cfg = Default()
	cfg.Limits.MaxFanout = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero fanout")
	}
}

func TestLoad_FullFileRoundTrip(t *testing.T) {
	ws := t.TempDir()
	dir := filepath.Join(ws, ".cortex")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	body := `
llm:
  provider: openai
  api_key: file-key
  model: gpt-4o-mini
  base_url: http://localhost:8080/v1
  timeout: 45s
  enhance_classifiers: true
limits:
  max_depth: 2
  max_fanout: 2
  max_children: 3
logging:
  debug_mode: true
  level: debug
tools:
  mcp_servers: [http://localhost:9000/mcp]
  allowed: [read_file]
  approval_mode: auto-approve
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o644))

	cfg, err := Load(ws)
	require.NoError(t, err)

	want := &Config{
		LLM: LLMConfig{
			Provider:           "openai",
			APIKey:             "file-key",
			Model:              "gpt-4o-mini",
			BaseURL:            "http://localhost:8080/v1",
			Timeout:            45 * time.Second,
			EnhanceClassifiers: true,
		},
		Limits:  PolicyLimits{MaxDepth: 2, MaxFanout: 2, MaxChildren: 3},
		Logging: LoggingConfig{DebugMode: true, Level: "debug"},
		Tools: ToolsConfig{
			MCPServers:    []string{"http://localhost:9000/mcp"},
			Allowed:       []string{"read_file"},
			ApprovalMode:  "auto-approve",
			WorkspaceRoot: ws,
		},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}
