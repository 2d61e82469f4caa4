package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes != 1<<20 {
		t.Errorf("Server.MaxBodyBytes = %d, want 1 MiB", cfg.Server.MaxBodyBytes)
	}
	if cfg.Upstream.MaxRetries != 3 {
		t.Errorf("Upstream.MaxRetries = %d, want 3", cfg.Upstream.MaxRetries)
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.Max != 100 {
		t.Errorf("RateLimit = %+v, want enabled with max 100", cfg.RateLimit)
	}
	if cfg.Batch.HardCap != 8 {
		t.Errorf("Batch.HardCap = %d, want 8", cfg.Batch.HardCap)
	}
	if cfg.TaskQueue.Enabled {
		t.Error("TaskQueue.Enabled defaults true, want false")
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want info/json", cfg.Logging)
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	if cfg.ListenAddr() != "0.0.0.0:8080" {
		t.Errorf("ListenAddr() = %q, want 0.0.0.0:8080", cfg.ListenAddr())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load(missing file) succeeded, want error")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAMLFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  allowed_origins:
    - https://app.example.com
  production: true
upstream:
  base_url: https://provider.example/api/
  timeout: 45s
sessions:
  poll_interval: 2s
  max_polls: 10
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 || !cfg.Server.Production {
		t.Errorf("server = %+v, want port 9090 production", cfg.Server)
	}
	if got := cfg.Server.AllowedOrigins; !reflect.DeepEqual(got, []string{"https://app.example.com"}) {
		t.Errorf("AllowedOrigins = %v", got)
	}
	if cfg.Upstream.Timeout != 45*time.Second {
		t.Errorf("Upstream.Timeout = %v, want 45s", cfg.Upstream.Timeout)
	}
	if cfg.Sessions.PollInterval != 2*time.Second || cfg.Sessions.MaxPolls != 10 {
		t.Errorf("Sessions = %+v, want 2s/10", cfg.Sessions)
	}
	// Untouched sections keep their defaults.
	if cfg.Queue.MaxRetained != 100 {
		t.Errorf("Queue.MaxRetained = %d, want default 100", cfg.Queue.MaxRetained)
	}
}

func TestLoadExpandsEnvInFile(t *testing.T) {
	t.Setenv("TEST_RELAY_KEY", "secret-from-env")
	path := writeConfig(t, `
upstream:
  api_key: ${TEST_RELAY_KEY}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Upstream.APIKey != "secret-from-env" {
		t.Errorf("APIKey = %q, want expanded value", cfg.Upstream.APIKey)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
upstream:
  base_url: https://from-file.example
`)
	t.Setenv("RELAY_PORT", "7070")
	t.Setenv("RELAY_UPSTREAM_URL", "https://from-env.example")
	t.Setenv("RELAY_RATE_LIMIT_ENABLED", "false")
	t.Setenv("RELAY_ALLOWED_ORIGINS", "https://a.example, https://b.example,")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want env override 7070", cfg.Server.Port)
	}
	if cfg.Upstream.BaseURL != "https://from-env.example" {
		t.Errorf("BaseURL = %q, want env override", cfg.Upstream.BaseURL)
	}
	if cfg.RateLimit.Enabled {
		t.Error("RateLimit.Enabled = true, want env-disabled")
	}
	want := []string{"https://a.example", "https://b.example"}
	if !reflect.DeepEqual(cfg.Server.AllowedOrigins, want) {
		t.Errorf("AllowedOrigins = %v, want %v", cfg.Server.AllowedOrigins, want)
	}
}

func TestEnvIgnoresMalformedValues(t *testing.T) {
	t.Setenv("RELAY_PORT", "not-a-number")
	t.Setenv("RELAY_UPSTREAM_TIMEOUT", "soon")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want default kept on bad value", cfg.Server.Port)
	}
	if cfg.Upstream.Timeout != 30*time.Second {
		t.Errorf("Upstream.Timeout = %v, want default kept on bad value", cfg.Upstream.Timeout)
	}
}

func TestValidate(t *testing.T) {
	t.Run("rejects bad port", func(t *testing.T) {
		cfg := Default()
		cfg.Server.Port = 70000
		if err := cfg.Validate(); err == nil {
			t.Error("Validate accepted port 70000")
		}
	})

	t.Run("requires base url", func(t *testing.T) {
		cfg := Default()
		cfg.Upstream.BaseURL = ""
		if err := cfg.Validate(); err == nil {
			t.Error("Validate accepted empty base_url")
		}
	})

	t.Run("clamps out-of-range values", func(t *testing.T) {
		cfg := Default()
		cfg.Server.MaxBodyBytes = -1
		cfg.RateLimit.Window = 0
		cfg.RateLimit.Max = -5
		cfg.Batch.HardCap = 0
		cfg.Sessions.PollInterval = 0
		if err := cfg.Validate(); err != nil {
			t.Fatalf("Validate: %v", err)
		}
		if cfg.Server.MaxBodyBytes != 1<<20 {
			t.Errorf("MaxBodyBytes = %d, want clamped to 1 MiB", cfg.Server.MaxBodyBytes)
		}
		if cfg.RateLimit.Window != 60*time.Second || cfg.RateLimit.Max != 100 {
			t.Errorf("RateLimit = %+v, want clamped defaults", cfg.RateLimit)
		}
		if cfg.Batch.HardCap != 8 {
			t.Errorf("Batch.HardCap = %d, want 8", cfg.Batch.HardCap)
		}
		if cfg.Sessions.PollInterval != 5*time.Second {
			t.Errorf("Sessions.PollInterval = %v, want 5s", cfg.Sessions.PollInterval)
		}
	})
}

func TestListenAddr(t *testing.T) {
	cfg := Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 3000
	if got := cfg.ListenAddr(); got != "127.0.0.1:3000" {
		t.Errorf("ListenAddr() = %q, want 127.0.0.1:3000", got)
	}
}
