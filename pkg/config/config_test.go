package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Store.Backend != "sqlite" {
		t.Errorf("Expected sqlite default backend, got %s", cfg.Store.Backend)
	}
	if cfg.Executor.MaxAttempts != 3 {
		t.Errorf("Expected 3 default attempts, got %d", cfg.Executor.MaxAttempts)
	}
	if cfg.Executor.RetryDelay != time.Second {
		t.Errorf("Expected 1s default retry delay, got %s", cfg.Executor.RetryDelay)
	}
	if cfg.Events.BufferSize != 1000 || cfg.Events.TailDefault != 100 {
		t.Errorf("Unexpected event defaults: %+v", cfg.Events)
	}
	if cfg.NATS.Enabled || cfg.Telemetry.Enabled {
		t.Error("Optional integrations must default to disabled")
	}
	if cfg.Security.EnableAuth {
		t.Error("Auth must default to disabled")
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  http_port: 9090
store:
  backend: postgres
  dsn: "host=db user=mend"
executor:
  max_attempts: 5
security:
  enable_auth: true
  api_keys:
    - key-one
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFromFile failed: %v", err)
	}

	if cfg.Server.HTTPPort != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Store.Backend != "postgres" || cfg.Store.DSN != "host=db user=mend" {
		t.Errorf("Store config not loaded: %+v", cfg.Store)
	}
	if cfg.Executor.MaxAttempts != 5 {
		t.Errorf("Expected 5 attempts, got %d", cfg.Executor.MaxAttempts)
	}
	if !cfg.Security.EnableAuth || len(cfg.Security.APIKeys) != 1 {
		t.Errorf("Security config not loaded: %+v", cfg.Security)
	}

	// Unset fields keep their defaults.
	if cfg.Events.BufferSize != 1000 {
		t.Errorf("Expected default buffer size, got %d", cfg.Events.BufferSize)
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("MEND_TEST_DSN", "host=prod-db user=mend password=hunter2")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "store:\n  backend: postgres\n  dsn: \"${MEND_TEST_DSN}\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFromFile failed: %v", err)
	}
	if cfg.Store.DSN != "host=prod-db user=mend password=hunter2" {
		t.Errorf("Env not expanded: %q", cfg.Store.DSN)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Expected error for missing config file")
	}
}
