package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Validation.SLA != 150*time.Millisecond {
		t.Errorf("Validation.SLA = %v, want 150ms", cfg.Validation.SLA)
	}
	if cfg.Inventory.Composition != "SUM" || cfg.Inventory.AllowNegative {
		t.Errorf("Inventory = %+v", cfg.Inventory)
	}
	if cfg.Redis.TTL != 30*time.Second {
		t.Errorf("Redis.TTL = %v", cfg.Redis.TTL)
	}
	if cfg.Database.URL != "" {
		t.Errorf("Database.URL = %q, want empty (in-memory)", cfg.Database.URL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFromFileWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ims.yaml")
	yaml := `
server:
  port: 9090
auth:
  tokens: ["alpha", "beta"]
inventory:
  htb_threshold: 2500
  composition: MAX
limits:
  client_share: 0.25
  overrides:
    VIP: 0.9
locate:
  auto_approve: true
  ttl: 2h
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("IMS_SERVER_PORT", "7070")
	t.Setenv("IMS_VALIDATION_SLA", "200ms")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("env override: Server.Port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Validation.SLA != 200*time.Millisecond {
		t.Errorf("env override: Validation.SLA = %v", cfg.Validation.SLA)
	}
	if len(cfg.Auth.Tokens) != 2 || cfg.Auth.Tokens[1] != "beta" {
		t.Errorf("Auth.Tokens = %v", cfg.Auth.Tokens)
	}
	if cfg.Inventory.HTBThreshold != 2500 || cfg.Inventory.Composition != "MAX" {
		t.Errorf("Inventory = %+v", cfg.Inventory)
	}
	if cfg.Locate.TTL != 2*time.Hour || !cfg.Locate.AutoApprove {
		t.Errorf("Locate = %+v", cfg.Locate)
	}
	if cfg.Limits.AggregationUnitShare != 1.0 {
		t.Errorf("unset key should keep default, got %v", cfg.Limits.AggregationUnitShare)
	}
	shares := cfg.Limits.OverrideShares()
	if v, ok := shares["vip"]; !ok || v.String() != "0.9" {
		t.Errorf("overrides = %v", shares)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	chdir(t, t.TempDir())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"composition", func(c *Config) { c.Inventory.Composition = "AVG" }, "inventory.composition"},
		{"client share", func(c *Config) { c.Limits.ClientShare = 1.5 }, "limits.client_share"},
		{"override share", func(c *Config) { c.Limits.Overrides = map[string]float64{"c9": -1} }, "limits.overrides.c9"},
		{"redis without db", func(c *Config) { c.Redis.URL = "redis://localhost:6379" }, "redis.url"},
		{"db conns", func(c *Config) { c.Database.URL = "postgres://x"; c.Database.MinConns = 20 }, "database.min_conns"},
		{"sla", func(c *Config) { c.Validation.SLA = 0 }, "validation.sla"},
		{"locate ttl", func(c *Config) { c.Locate.TTL = 0 }, "locate.ttl"},
		{"log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error naming %s", err, tt.want)
			}
		})
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, added in Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
