// Package config provides unified configuration for all Silvermill services.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/silvermill/silvermill/pkg/event"
)

// UnknownTypePolicy controls how the validator treats event types outside
// the allow-list.
type UnknownTypePolicy string

const (
	// PolicyReject quarantines events with an unknown type.
	PolicyReject UnknownTypePolicy = "reject"

	// PolicyOther rewrites unknown types to "other" and admits the event.
	PolicyOther UnknownTypePolicy = "other"
)

// Config holds the unified configuration for all Silvermill services.
type Config struct {
	// DataDir is the base directory for all local data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// HTTP configuration (health and metrics endpoints)
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Validation configuration
	Validation ValidationConfig `json:"validation" yaml:"validation"`

	// Dedup/watermark tracker configuration
	Dedup DedupConfig `json:"dedup" yaml:"dedup"`

	// Compaction configuration
	Compaction CompactionConfig `json:"compaction" yaml:"compaction"`

	// Backfill coordinator configuration
	Backfill BackfillConfig `json:"backfill" yaml:"backfill"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the address for the health/metrics endpoint
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// ValidationConfig holds schema validation configuration.
type ValidationConfig struct {
	// AllowedEventTypes is the event type allow-list
	AllowedEventTypes []string `json:"allowed_event_types" yaml:"allowed_event_types"`

	// UnknownTypePolicy is "reject" (quarantine) or "other" (pass through)
	UnknownTypePolicy UnknownTypePolicy `json:"unknown_type_policy" yaml:"unknown_type_policy"`

	// MaxLateness is how far behind ingestion time an event_ts may be
	MaxLateness time.Duration `json:"max_lateness" yaml:"max_lateness"`

	// MaxEarlySkew is how far ahead of ingestion time an event_ts may be
	MaxEarlySkew time.Duration `json:"max_early_skew" yaml:"max_early_skew"`
}

// DedupConfig holds dedup and watermark tracker configuration.
type DedupConfig struct {
	// Horizon is how long seen event_ids are remembered per partition key.
	// Must cover at least the maximum allowed lateness.
	Horizon time.Duration `json:"horizon" yaml:"horizon"`

	// FlushInterval is how often open batches are checked for closing
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`

	// CheckpointDir is the directory for offset/watermark checkpoints
	CheckpointDir string `json:"checkpoint_dir" yaml:"checkpoint_dir"`
}

// CompactionConfig holds partition compactor configuration.
type CompactionConfig struct {
	// WorkDir is the staging directory for partition builds
	WorkDir string `json:"work_dir" yaml:"work_dir"`

	// RetentionGrace is how long superseded versions are kept before GC
	RetentionGrace time.Duration `json:"retention_grace" yaml:"retention_grace"`

	// GCInterval is the interval between garbage collection runs
	GCInterval time.Duration `json:"gc_interval" yaml:"gc_interval"`
}

// BackfillConfig holds reprocessing coordinator configuration.
type BackfillConfig struct {
	// Workers is the number of partition keys processed in parallel
	Workers int `json:"workers" yaml:"workers"`

	// LeaseTTL is the write-intent lease duration
	LeaseTTL time.Duration `json:"lease_ttl" yaml:"lease_ttl"`

	// LeaseRenewInterval is how often long-running jobs renew their lease
	LeaseRenewInterval time.Duration `json:"lease_renew_interval" yaml:"lease_renew_interval"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// BronzePrefix is the object prefix for raw Bronze data
	BronzePrefix string `json:"bronze_prefix" yaml:"bronze_prefix"`

	// SilverPrefix is the object prefix for published Silver partitions
	SilverPrefix string `json:"silver_prefix" yaml:"silver_prefix"`

	// QuarantinePrefix is the object prefix for quarantined records
	QuarantinePrefix string `json:"quarantine_prefix" yaml:"quarantine_prefix"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/silvermill",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Validation: ValidationConfig{
			AllowedEventTypes: event.DefaultAllowedTypes(),
			UnknownTypePolicy: PolicyReject,
			MaxLateness:       5 * time.Minute,
			MaxEarlySkew:      5 * time.Minute,
		},
		Dedup: DedupConfig{
			Horizon:       10 * time.Minute,
			FlushInterval: 30 * time.Second,
		},
		Compaction: CompactionConfig{
			RetentionGrace: 24 * time.Hour,
			GCInterval:     time.Hour,
		},
		Backfill: BackfillConfig{
			Workers:            4,
			LeaseTTL:           2 * time.Minute,
			LeaseRenewInterval: 30 * time.Second,
		},
		Storage: StorageConfig{
			Type:             "local",
			BronzePrefix:     "bronze",
			SilverPrefix:     "silver",
			QuarantinePrefix: "quarantine",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/silvermill"
	}

	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}

	if c.Dedup.CheckpointDir == "" {
		c.Dedup.CheckpointDir = filepath.Join(c.DataDir, "checkpoints")
	}

	if c.Compaction.WorkDir == "" {
		c.Compaction.WorkDir = filepath.Join(c.DataDir, "staging")
	}
}

// CatalogPath returns the path to the Silver catalog database.
func (c *Config) CatalogPath() string {
	return filepath.Join(c.DataDir, "catalog.db")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	switch c.Validation.UnknownTypePolicy {
	case PolicyReject, PolicyOther:
	default:
		return fmt.Errorf("invalid unknown_type_policy: %s (must be reject or other)", c.Validation.UnknownTypePolicy)
	}

	if c.Validation.MaxLateness <= 0 {
		return fmt.Errorf("validation.max_lateness must be positive, got %v", c.Validation.MaxLateness)
	}

	if c.Dedup.Horizon < c.Validation.MaxLateness {
		return fmt.Errorf("dedup.horizon (%v) must cover validation.max_lateness (%v)",
			c.Dedup.Horizon, c.Validation.MaxLateness)
	}

	if c.Backfill.Workers < 1 {
		return fmt.Errorf("backfill.workers must be at least 1, got %d", c.Backfill.Workers)
	}

	if c.Backfill.LeaseTTL <= c.Backfill.LeaseRenewInterval {
		return fmt.Errorf("backfill.lease_ttl (%v) must exceed lease_renew_interval (%v)",
			c.Backfill.LeaseTTL, c.Backfill.LeaseRenewInterval)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the SILVERMILL_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("SILVERMILL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// HTTP configuration
	if v := os.Getenv("SILVERMILL_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	// Validation configuration
	if v := os.Getenv("SILVERMILL_ALLOWED_EVENT_TYPES"); v != "" {
		cfg.Validation.AllowedEventTypes = strings.Split(v, ",")
	}
	if v := os.Getenv("SILVERMILL_UNKNOWN_TYPE_POLICY"); v != "" {
		cfg.Validation.UnknownTypePolicy = UnknownTypePolicy(v)
	}
	if v := os.Getenv("SILVERMILL_MAX_LATENESS"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Validation.MaxLateness = d
		}
	}
	if v := os.Getenv("SILVERMILL_MAX_EARLY_SKEW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Validation.MaxEarlySkew = d
		}
	}

	// Dedup configuration
	if v := os.Getenv("SILVERMILL_DEDUP_HORIZON"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Dedup.Horizon = d
		}
	}
	if v := os.Getenv("SILVERMILL_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Dedup.FlushInterval = d
		}
	}

	// Compaction configuration
	if v := os.Getenv("SILVERMILL_RETENTION_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Compaction.RetentionGrace = d
		}
	}

	// Backfill configuration
	if v := os.Getenv("SILVERMILL_BACKFILL_WORKERS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Backfill.Workers)
	}

	// Storage configuration
	if v := os.Getenv("SILVERMILL_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("SILVERMILL_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("SILVERMILL_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("SILVERMILL_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("SILVERMILL_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required local directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Storage.Path,
		c.Dedup.CheckpointDir,
		c.Compaction.WorkDir,
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
