package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	if cfg.Storage.Path == "" || cfg.Dedup.CheckpointDir == "" || cfg.Compaction.WorkDir == "" {
		t.Errorf("Resolve left paths empty: %+v", cfg)
	}
	if cfg.CatalogPath() != filepath.Join(cfg.DataDir, "catalog.db") {
		t.Errorf("CatalogPath = %s", cfg.CatalogPath())
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"unknown storage type", func(c *Config) { c.Storage.Type = "gcs" }},
		{"s3 without bucket", func(c *Config) { c.Storage.Type = "s3" }},
		{"bad unknown-type policy", func(c *Config) { c.Validation.UnknownTypePolicy = "maybe" }},
		{"non-positive lateness", func(c *Config) { c.Validation.MaxLateness = 0 }},
		{"horizon below lateness", func(c *Config) {
			c.Validation.MaxLateness = time.Hour
			c.Dedup.Horizon = time.Minute
		}},
		{"zero workers", func(c *Config) { c.Backfill.Workers = 0 }},
		{"lease ttl below renew interval", func(c *Config) {
			c.Backfill.LeaseTTL = 10 * time.Second
			c.Backfill.LeaseRenewInterval = 30 * time.Second
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Resolve()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadFromFileYAML(t *testing.T) {
	body := `
data_dir: /tmp/silvermill-test
validation:
  unknown_type_policy: other
  allowed_event_types: [page_view, purchase]
backfill:
  workers: 2
storage:
  type: s3
  s3:
    bucket: my-lakehouse
    region: eu-central-1
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if cfg.DataDir != "/tmp/silvermill-test" {
		t.Errorf("data_dir = %s", cfg.DataDir)
	}
	if cfg.Validation.UnknownTypePolicy != PolicyOther {
		t.Errorf("policy = %s", cfg.Validation.UnknownTypePolicy)
	}
	if len(cfg.Validation.AllowedEventTypes) != 2 {
		t.Errorf("allow-list = %v", cfg.Validation.AllowedEventTypes)
	}
	if cfg.Backfill.Workers != 2 {
		t.Errorf("workers = %d", cfg.Backfill.Workers)
	}
	if cfg.Storage.S3.Bucket != "my-lakehouse" {
		t.Errorf("bucket = %s", cfg.Storage.S3.Bucket)
	}

	// Unspecified fields keep their defaults.
	if cfg.Validation.MaxLateness != 5*time.Minute {
		t.Errorf("max_lateness default lost: %v", cfg.Validation.MaxLateness)
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("SILVERMILL_DATA_DIR", "/tmp/env-data")
	t.Setenv("SILVERMILL_MAX_LATENESS", "15m")
	t.Setenv("SILVERMILL_DEDUP_HORIZON", "1h")
	t.Setenv("SILVERMILL_UNKNOWN_TYPE_POLICY", "other")
	t.Setenv("SILVERMILL_BACKFILL_WORKERS", "8")
	t.Setenv("SILVERMILL_STORAGE_TYPE", "s3")
	t.Setenv("SILVERMILL_S3_BUCKET", "env-bucket")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.DataDir != "/tmp/env-data" {
		t.Errorf("data_dir = %s", cfg.DataDir)
	}
	if cfg.Validation.MaxLateness != 15*time.Minute {
		t.Errorf("max_lateness = %v", cfg.Validation.MaxLateness)
	}
	if cfg.Dedup.Horizon != time.Hour {
		t.Errorf("horizon = %v", cfg.Dedup.Horizon)
	}
	if cfg.Backfill.Workers != 8 {
		t.Errorf("workers = %d", cfg.Backfill.Workers)
	}
	if cfg.Storage.Type != "s3" || cfg.Storage.S3.Bucket != "env-bucket" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
}

func TestEnsureDirectories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "nested", "data")
	cfg.Resolve()

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, dir := range []string{cfg.DataDir, cfg.Storage.Path, cfg.Dedup.CheckpointDir, cfg.Compaction.WorkDir} {
		if st, err := os.Stat(dir); err != nil || !st.IsDir() {
			t.Errorf("directory %s missing (err %v)", dir, err)
		}
	}
}
