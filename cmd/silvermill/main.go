// Package main implements the silvermill service binary: the live Silver
// pipeline that validates, deduplicates, compacts, and publishes Bronze
// clickstream events.
package main

import (
	"context"
	"flag"
	"log"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/silvermill/silvermill/internal/bronze"
	"github.com/silvermill/silvermill/internal/catalog"
	"github.com/silvermill/silvermill/internal/checkpoint"
	"github.com/silvermill/silvermill/internal/compact"
	"github.com/silvermill/silvermill/internal/config"
	"github.com/silvermill/silvermill/internal/dedup"
	"github.com/silvermill/silvermill/internal/observability"
	"github.com/silvermill/silvermill/internal/pipeline"
	"github.com/silvermill/silvermill/internal/quarantine"
	"github.com/silvermill/silvermill/internal/server"
	"github.com/silvermill/silvermill/internal/storage"
	"github.com/silvermill/silvermill/internal/validate"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML or JSON config file")
	dataDir := flag.String("data-dir", "", "Base directory for local data (overrides config)")
	httpAddr := flag.String("http-addr", "", "Health/metrics listen address (overrides config)")
	flag.Parse()

	cfg := loadConfig(*configPath, *dataDir, *httpAddr)

	log.Printf("Starting silvermill service...")
	log.Printf("Data dir: %s", cfg.DataDir)
	log.Printf("Storage: %s (bronze=%s silver=%s)", cfg.Storage.Type,
		cfg.Storage.BronzePrefix, cfg.Storage.SilverPrefix)
	log.Printf("Lateness: %v, dedup horizon: %v, flush interval: %v",
		cfg.Validation.MaxLateness, cfg.Dedup.Horizon, cfg.Dedup.FlushInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := initStorage(ctx, cfg)

	cat, err := catalog.NewCatalog(cfg.CatalogPath())
	if err != nil {
		log.Fatalf("Failed to initialize catalog: %v", err)
	}
	log.Printf("Catalog initialized at: %s", cfg.CatalogPath())

	registry := prometheus.NewRegistry()
	metrics := observability.NewPipelineMetrics(registry)

	validator := validate.New(cfg.Validation, metrics)
	tracker := dedup.NewTracker(cfg.Validation.MaxLateness, cfg.Dedup.Horizon, metrics)
	compactor := compact.NewCompactor(store, cat, cfg.Compaction.WorkDir, cfg.Storage.SilverPrefix, metrics)
	qw := quarantine.NewWriter(store, cfg.Storage.QuarantinePrefix)
	reader := bronze.NewReader(store, cfg.Storage.BronzePrefix)

	ckpt, err := checkpoint.NewFileStore(filepath.Join(cfg.Dedup.CheckpointDir, "live.json"))
	if err != nil {
		log.Fatalf("Failed to initialize checkpoint store: %v", err)
	}

	pipe := pipeline.New(*cfg, reader, validator, tracker, compactor, qw, ckpt, cat, metrics)
	log.Printf("Pipeline initialized as holder %s", pipe.Holder())

	gc := catalog.NewGarbageCollector(cat, store, cfg.Compaction.RetentionGrace)

	admin := server.NewAdminServer(cfg.HTTP, registry, func() server.HealthStatus {
		return server.HealthStatus{
			Status:    "ok",
			Holder:    pipe.Holder(),
			Watermark: tracker.Watermark(),
			OpenKeys:  len(tracker.OpenKeys()),
		}
	})

	pipeDone := make(chan error, 1)
	go func() { pipeDone <- pipe.Run(ctx) }()
	go gc.Run(ctx, cfg.Compaction.GCInterval)

	httpErr := admin.Start()
	log.Printf("HTTP server listening on %s", cfg.HTTP.Addr)

	sm := server.NewShutdownManager(30 * time.Second)
	sm.Register("catalog", func(context.Context) error { return cat.Close() })
	sm.Register("pipeline", func(sctx context.Context) error {
		cancel()
		select {
		case err := <-pipeDone:
			return err
		case <-sctx.Done():
			return sctx.Err()
		}
	})
	sm.Register("http", admin.Shutdown)

	go func() {
		if err := <-httpErr; err != nil {
			log.Printf("HTTP server error: %v", err)
			cancel()
		}
	}()

	if err := sm.Wait(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Printf("silvermill service stopped")
}

func loadConfig(configPath, dataDir, httpAddr string) *config.Config {
	var cfg *config.Config
	var err error

	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	cfg.Resolve()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("Failed to create directories: %v", err)
	}
	return cfg
}

func initStorage(ctx context.Context, cfg *config.Config) storage.ObjectStorage {
	switch cfg.Storage.Type {
	case "s3":
		store, err := storage.NewS3Storage(ctx, cfg.Storage.S3.Bucket, storage.S3Options{
			Region:   cfg.Storage.S3.Region,
			Endpoint: cfg.Storage.S3.Endpoint,
		})
		if err != nil {
			log.Fatalf("Failed to initialize S3 storage: %v", err)
		}
		log.Printf("S3 storage initialized: bucket=%s region=%s", cfg.Storage.S3.Bucket, cfg.Storage.S3.Region)
		return store
	default:
		store, err := storage.NewLocalStorage(cfg.Storage.Path)
		if err != nil {
			log.Fatalf("Failed to initialize local storage: %v", err)
		}
		log.Printf("Local storage initialized at: %s", cfg.Storage.Path)
		return store
	}
}
