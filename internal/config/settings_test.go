package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Engine.MaxConcurrencyPerExecution != 10 {
		t.Errorf("Expected default max concurrency 10, got %d", cfg.Engine.MaxConcurrencyPerExecution)
	}
	if cfg.Engine.MaxExecutionsPerInstance != 100 {
		t.Errorf("Expected default max executions 100, got %d", cfg.Engine.MaxExecutionsPerInstance)
	}
	if cfg.ExecutionDeadline() != time.Hour {
		t.Errorf("Expected 1h deadline, got %s", cfg.ExecutionDeadline())
	}
	if cfg.Dispatcher.MaxAttempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", cfg.Dispatcher.MaxAttempts)
	}
	if cfg.BaseBackoff() != time.Second || cfg.MaxBackoff() != 30*time.Second {
		t.Errorf("Unexpected backoff window: %s..%s", cfg.BaseBackoff(), cfg.MaxBackoff())
	}
	if cfg.Transport.PrefetchWorkflow != 10 || cfg.Transport.PrefetchNode != 20 {
		t.Errorf("Unexpected prefetch: %d/%d", cfg.Transport.PrefetchWorkflow, cfg.Transport.PrefetchNode)
	}
	if cfg.WorkflowTTL() != 24*time.Hour || cfg.NodeTTL() != 30*time.Minute {
		t.Errorf("Unexpected TTLs: %s/%s", cfg.WorkflowTTL(), cfg.NodeTTL())
	}
	if cfg.RunnerTimeout() != 30*time.Second {
		t.Errorf("Expected 30s runner timeout, got %s", cfg.RunnerTimeout())
	}
	if cfg.Runner.MemoryLimitMB != 128 {
		t.Errorf("Expected 128MB memory limit, got %d", cfg.Runner.MemoryLimitMB)
	}
	if cfg.Execution.FailPolicy != "fail-fast" {
		t.Errorf("Expected fail-fast default, got %s", cfg.Execution.FailPolicy)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
environment: production
nats:
  url: nats://broker:4222
engine:
  max_concurrency_per_execution: 25
execution:
  fail_policy: continue
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.NATS.URL != "nats://broker:4222" {
		t.Errorf("Expected broker url from file, got %s", cfg.NATS.URL)
	}
	if cfg.Engine.MaxConcurrencyPerExecution != 25 {
		t.Errorf("Expected 25 from file, got %d", cfg.Engine.MaxConcurrencyPerExecution)
	}
	if cfg.Execution.FailPolicy != "continue" {
		t.Errorf("Expected continue from file, got %s", cfg.Execution.FailPolicy)
	}
	// Untouched keys keep their defaults.
	if cfg.Dispatcher.MaxAttempts != 3 {
		t.Errorf("Expected default attempts, got %d", cfg.Dispatcher.MaxAttempts)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FLOWMESH_NATS_URL", "nats://env:4222")
	t.Setenv("FLOWMESH_ENGINE_MAX_CONCURRENCY_PER_EXECUTION", "42")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.NATS.URL != "nats://env:4222" {
		t.Errorf("Expected env override, got %s", cfg.NATS.URL)
	}
	if cfg.Engine.MaxConcurrencyPerExecution != 42 {
		t.Errorf("Expected env override 42, got %d", cfg.Engine.MaxConcurrencyPerExecution)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"Concurrency Too High", map[string]string{"FLOWMESH_ENGINE_MAX_CONCURRENCY_PER_EXECUTION": "501"}},
		{"Concurrency Zero", map[string]string{"FLOWMESH_ENGINE_MAX_CONCURRENCY_PER_EXECUTION": "0"}},
		{"Bad Fail Policy", map[string]string{"FLOWMESH_EXECUTION_FAIL_POLICY": "panic"}},
		{"Runner Timeout Too Long", map[string]string{"FLOWMESH_RUNNER_DEFAULT_TIMEOUT_SECONDS": "999"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(""); err == nil {
				t.Error("Expected validation failure")
			}
		})
	}
}
