package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Gateway.ListenAddr != "0.0.0.0:3000" {
		t.Fatalf("unexpected default listen addr %q", cfg.Gateway.ListenAddr)
	}
	if cfg.Invoke.DefaultTimeout != 30*time.Second {
		t.Fatalf("unexpected default timeout %v", cfg.Invoke.DefaultTimeout)
	}
	if cfg.Observability.Logging.RequestLogPath != "" {
		t.Fatalf("expected request log path to default empty, got %q", cfg.Observability.Logging.RequestLogPath)
	}
}

func TestLoadFromFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"root_dir":"/srv/hhrf","gateway":{"listen_addr":"127.0.0.1:9000"}}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.RootDir != "/srv/hhrf" {
		t.Fatalf("unexpected root dir %q", cfg.RootDir)
	}
	if cfg.Gateway.ListenAddr != "127.0.0.1:9000" {
		t.Fatalf("unexpected listen addr %q", cfg.Gateway.ListenAddr)
	}
	// Fields absent from the override file keep DefaultConfig's value.
	if cfg.Invoke.DefaultTimeout != 30*time.Second {
		t.Fatalf("expected untouched field to keep its default, got %v", cfg.Invoke.DefaultTimeout)
	}
}

func TestLoadFromFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "root_dir: /srv/hhrf\ngateway:\n  listen_addr: 127.0.0.1:9001\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.RootDir != "/srv/hhrf" {
		t.Fatalf("unexpected root dir %q", cfg.RootDir)
	}
	if cfg.Gateway.ListenAddr != "127.0.0.1:9001" {
		t.Fatalf("unexpected listen addr %q", cfg.Gateway.ListenAddr)
	}
}

func TestLoadFromFileYmlExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte("root_dir: /alt\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.RootDir != "/alt" {
		t.Fatalf("unexpected root dir %q", cfg.RootDir)
	}
}

func TestLoadFromFileMalformedJSONErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}

func TestLoadFromFileMissingPathErrors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("HHRF_ROOT", "/env/root")
	t.Setenv("HHRF_LISTEN_ADDR", "0.0.0.0:4000")
	t.Setenv("HHRF_MAX_BODY_BYTES", "2048")
	t.Setenv("HHRF_IDLE_TTL", "10m")
	t.Setenv("HHRF_CLEANUP_INTERVAL", "2m")
	t.Setenv("HHRF_DEFAULT_TIMEOUT", "5s")
	t.Setenv("HHRF_TRANSPORT_MODE", "subprocess")
	t.Setenv("FEZZ_RUNNER", "/usr/local/bin/fezzrun")
	t.Setenv("HHRF_TRACING_ENABLED", "true")
	t.Setenv("HHRF_METRICS_ENABLED", "false")
	t.Setenv("HHRF_LOG_LEVEL", "debug")
	t.Setenv("HHRF_LOG_FORMAT", "json")
	t.Setenv("HHRF_REQUEST_LOG_PATH", "/var/log/hhrf/requests.jsonl")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.RootDir != "/env/root" {
		t.Fatalf("unexpected root dir %q", cfg.RootDir)
	}
	if cfg.Gateway.ListenAddr != "0.0.0.0:4000" {
		t.Fatalf("unexpected listen addr %q", cfg.Gateway.ListenAddr)
	}
	if cfg.Gateway.MaxBodyBytes != 2048 {
		t.Fatalf("unexpected max body bytes %d", cfg.Gateway.MaxBodyBytes)
	}
	if cfg.Cache.IdleTTL != 10*time.Minute {
		t.Fatalf("unexpected idle ttl %v", cfg.Cache.IdleTTL)
	}
	if cfg.Cache.CleanupInterval != 2*time.Minute {
		t.Fatalf("unexpected cleanup interval %v", cfg.Cache.CleanupInterval)
	}
	if cfg.Invoke.DefaultTimeout != 5*time.Second {
		t.Fatalf("unexpected default timeout %v", cfg.Invoke.DefaultTimeout)
	}
	if cfg.Invoke.TransportMode != "subprocess" {
		t.Fatalf("unexpected transport mode %q", cfg.Invoke.TransportMode)
	}
	if cfg.Invoke.RunnerPath != "/usr/local/bin/fezzrun" {
		t.Fatalf("unexpected runner path %q", cfg.Invoke.RunnerPath)
	}
	if !cfg.Observability.Tracing.Enabled {
		t.Fatal("expected tracing enabled")
	}
	if cfg.Observability.Metrics.Enabled {
		t.Fatal("expected metrics disabled")
	}
	if cfg.Observability.Logging.Level != "debug" || cfg.Observability.Logging.Format != "json" {
		t.Fatalf("unexpected logging config %+v", cfg.Observability.Logging)
	}
	if cfg.Observability.Logging.RequestLogPath != "/var/log/hhrf/requests.jsonl" {
		t.Fatalf("unexpected request log path %q", cfg.Observability.Logging.RequestLogPath)
	}
}

func TestLoadFromEnvLeavesDefaultsWhenUnset(t *testing.T) {
	cfg := DefaultConfig()
	LoadFromEnv(cfg)
	if cfg.Gateway.ListenAddr != "0.0.0.0:3000" {
		t.Fatalf("expected default to survive an empty environment, got %q", cfg.Gateway.ListenAddr)
	}
}

func TestParseBool(t *testing.T) {
	cases := map[string]bool{
		"true": true, "TRUE": true, "1": true, "yes": true,
		"false": false, "0": false, "no": false, "": false, "garbage": false,
	}
	for in, want := range cases {
		if got := parseBool(in); got != want {
			t.Fatalf("parseBool(%q) = %v, want %v", in, got, want)
		}
	}
}
