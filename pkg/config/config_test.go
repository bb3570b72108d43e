package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	n, err := cfg.Store.CacheBytes()
	if err != nil {
		t.Fatalf("cache bytes: %v", err)
	}
	if n != 64_000_000 {
		t.Errorf("expected 64MB to parse as 64000000, got %d", n)
	}
}

func TestLoadYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
store:
  path: /var/lib/mailindex
  poolSize: 4
  cacheSize: 1 GiB
database:
  driver: sqlite
  path: ":memory:"
sweeper:
  enabled: true
  schedule: "30 1 * * *"
  maxRuntime: 45m
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	t.Setenv("MI_INDEX_SERVER_ID", "node-7")
	t.Setenv("MI_STORE_POOL_SIZE", "8")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Path != "/var/lib/mailindex" || cfg.Store.PoolSize != 8 {
		t.Errorf("store config not applied: %+v", cfg.Store)
	}
	if n, _ := cfg.Store.CacheBytes(); n != 1<<30 {
		t.Errorf("expected 1 GiB, got %d", n)
	}
	if cfg.Database.DSN() != ":memory:" {
		t.Errorf("sqlite dsn: got %q", cfg.Database.DSN())
	}
	if cfg.Index.ServerID != "node-7" {
		t.Errorf("env override of server id ignored: %q", cfg.Index.ServerID)
	}
	if cfg.Sweeper.MaxRuntime != 45*time.Minute {
		t.Errorf("max runtime: got %v", cfg.Sweeper.MaxRuntime)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad cron", func(c *Config) { c.Sweeper.Schedule = "every day" }, "cron"},
		{"bad cache", func(c *Config) { c.Store.CacheSize = "lots" }, "cache size"},
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }, "driver"},
		{"no pool", func(c *Config) { c.Store.PoolSize = 0 }, "poolSize"},
		{"no server", func(c *Config) { c.Index.ServerID = "" }, "serverId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}
