package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Agent.RecursionLimit != 500 {
		t.Errorf("recursion limit = %d, want 500", cfg.Agent.RecursionLimit)
	}
	if cfg.Bridge.ToolTimeout != 60*time.Second {
		t.Errorf("tool timeout = %v, want 60s", cfg.Bridge.ToolTimeout)
	}
}

func TestLoadYAMLWithEnvExpansion(t *testing.T) {
	t.Setenv("TEST_BRIDGE_CMD", "/usr/local/bin/gitlab-mcp")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
llm:
  provider: openai
  model: gpt-4o
  temperature: 0.7
bridge:
  transport: stdio
  command: ${TEST_BRIDGE_CMD}
supervisor:
  max_retries: 5
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.Model != "gpt-4o" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.Bridge.Command != "/usr/local/bin/gitlab-mcp" {
		t.Errorf("env expansion failed: %q", cfg.Bridge.Command)
	}
	if cfg.Supervisor.MaxRetries != 5 {
		t.Errorf("max_retries = %d, want 5", cfg.Supervisor.MaxRetries)
	}
	// Unset fields keep defaults.
	if cfg.Agent.CodingTimeout != 20*time.Minute {
		t.Errorf("coding timeout = %v, want default 20m", cfg.Agent.CodingTimeout)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "google")
	t.Setenv("LLM_TEMPERATURE", "0.9")
	t.Setenv("AGENT_RECURSION_LIMIT", "100")
	t.Setenv("TOOL_TIMEOUT_SECONDS", "30")
	cfg := FromEnv()
	if cfg.LLM.Provider != "google" {
		t.Errorf("provider = %q", cfg.LLM.Provider)
	}
	if cfg.LLM.Temperature != 0.9 {
		t.Errorf("temperature = %v", cfg.LLM.Temperature)
	}
	if cfg.Agent.RecursionLimit != 100 {
		t.Errorf("recursion limit = %d", cfg.Agent.RecursionLimit)
	}
	if cfg.Bridge.ToolTimeout != 30*time.Second {
		t.Errorf("tool timeout = %v", cfg.Bridge.ToolTimeout)
	}
}

func TestValidateRejectsBadTransport(t *testing.T) {
	cfg := Default()
	cfg.Bridge.Transport = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown transport")
	}
	cfg.Bridge.Transport = "http"
	cfg.Bridge.URL = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for http transport without url")
	}
}

func TestRuntimeOverride(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "")
	t.Setenv("LLM_MODEL", "")
	t.Setenv("LLM_TEMPERATURE", "")
	rt := NewRuntime(Default())
	if err := rt.OverrideLLM(LLMConfig{Provider: "openai", Model: "gpt-4o", Temperature: 0.5}); err != nil {
		t.Fatalf("override: %v", err)
	}
	snap := rt.Snapshot()
	if snap.LLM.Provider != "openai" || snap.LLM.Model != "gpt-4o" || snap.LLM.Temperature != 0.5 {
		t.Errorf("snapshot llm = %+v", snap.LLM)
	}
	if os.Getenv("LLM_MODEL") != "gpt-4o" {
		t.Errorf("env mirror not written")
	}
}

func TestRuntimeOverrideRejectedWhileRunning(t *testing.T) {
	rt := NewRuntime(Default())
	rt.SetRunActive(true)
	if err := rt.OverrideLLM(LLMConfig{Provider: "openai"}); err == nil {
		t.Error("expected rejection while run active")
	}
	rt.SetRunActive(false)
	if err := rt.OverrideLLM(LLMConfig{Provider: "openai"}); err != nil {
		t.Errorf("override after run: %v", err)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	rt := NewRuntime(Default())
	snap := rt.Snapshot()
	snap.LLM.Provider = "mutated"
	if rt.Snapshot().LLM.Provider == "mutated" {
		t.Error("Snapshot leaked a reference to internal state")
	}
}
