package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oriys/conserver/internal/chain"
)

func TestDefaultConfigSaneDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Redis.Addr == "" {
		t.Fatal("expected a default redis addr")
	}
	if cfg.Daemon.HTTPAddr != ":8080" {
		t.Fatalf("HTTPAddr = %q, want :8080", cfg.Daemon.HTTPAddr)
	}
	if cfg.Supervisor.ShutdownGrace != 10*time.Second {
		t.Fatalf("ShutdownGrace = %v, want 10s", cfg.Supervisor.ShutdownGrace)
	}
	if !cfg.Supervisor.AutoRestart {
		t.Fatal("expected AutoRestart to default true")
	}
	if cfg.Auth.GlobalKeys == nil || cfg.Auth.ListKeys == nil {
		t.Fatal("expected non-nil key maps so env overrides can populate them")
	}
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("CONSERVER_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("CONSERVER_REDIS_DB", "3")
	t.Setenv("CONSERVER_HTTP_ADDR", ":9090")
	t.Setenv("CONSERVER_AUTO_RESTART", "false")
	t.Setenv("CONSERVER_ADMIN_KEY", "topsecret")
	t.Setenv("CONSERVER_TRACING_ENABLED", "true")
	t.Setenv("CONSERVER_TRACING_SAMPLE_RATE", "0.5")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Redis.Addr != "redis.internal:6380" {
		t.Fatalf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if cfg.Redis.DB != 3 {
		t.Fatalf("Redis.DB = %d, want 3", cfg.Redis.DB)
	}
	if cfg.Daemon.HTTPAddr != ":9090" {
		t.Fatalf("HTTPAddr = %q", cfg.Daemon.HTTPAddr)
	}
	if cfg.Supervisor.AutoRestart {
		t.Fatal("expected AutoRestart to be overridden to false")
	}
	if cfg.Auth.GlobalKeys["admin"] != "topsecret" {
		t.Fatalf("GlobalKeys[admin] = %q", cfg.Auth.GlobalKeys["admin"])
	}
	if !cfg.Observability.Tracing.Enabled {
		t.Fatal("expected tracing enabled override")
	}
	if cfg.Observability.Tracing.SampleRate != 0.5 {
		t.Fatalf("SampleRate = %v, want 0.5", cfg.Observability.Tracing.SampleRate)
	}
}

func TestLoadFromEnvLeavesUnsetValuesAlone(t *testing.T) {
	cfg := DefaultConfig()
	want := cfg.Postgres.DSN
	LoadFromEnv(cfg)
	if cfg.Postgres.DSN != want {
		t.Fatalf("Postgres.DSN changed with no env var set: got %q, want %q", cfg.Postgres.DSN, want)
	}
}

func TestLoadChainsFileRoundTrip(t *testing.T) {
	yaml := `
chains:
  - name: transcription
    links:
      - name: tag
        options:
          name: sentiment
          value: positive
    storages:
      - postgres
    ingress_lists:
      - ingress:transcription
    egress_lists:
      - egress:transcription
    parallel_storage: true
    storage_failure_policy: best_effort
    egress_retries: 2
    parallelism: 4
    max_workers: 8
  - name: disabled-chain
    enabled: false
    ingress_lists:
      - ingress:disabled
`
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	configs, err := LoadChainsFile(path)
	if err != nil {
		t.Fatalf("LoadChainsFile: %v", err)
	}
	if len(configs) != 2 {
		t.Fatalf("len(configs) = %d, want 2", len(configs))
	}

	c := configs[0]
	if c.Name != "transcription" {
		t.Fatalf("Name = %q", c.Name)
	}
	if len(c.Links) != 1 || c.Links[0].Name != "tag" {
		t.Fatalf("Links = %+v", c.Links)
	}
	if c.Links[0].Options["name"] != "sentiment" {
		t.Fatalf("link options = %v", c.Links[0].Options)
	}
	if !c.ParallelStorage {
		t.Fatal("expected parallel_storage true")
	}
	if c.StorageFailurePolicy != chain.BestEffort {
		t.Fatalf("StorageFailurePolicy = %q, want best_effort", c.StorageFailurePolicy)
	}
	if c.EgressFailurePolicy != chain.EgressLogOnly {
		t.Fatalf("EgressFailurePolicy = %q, want the default log_only", c.EgressFailurePolicy)
	}
	if !c.Enabled {
		t.Fatal("expected enabled to default true when omitted")
	}

	if configs[1].Enabled {
		t.Fatal("expected the explicit enabled: false chain to stay disabled")
	}
}

func TestLoadChainsFileMissingFileErrors(t *testing.T) {
	if _, err := LoadChainsFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error loading a nonexistent chains file")
	}
}
