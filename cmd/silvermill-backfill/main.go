// Package main implements the silvermill-backfill CLI: it rebuilds the
// Silver partitions for a historical date range from Bronze.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/silvermill/silvermill/internal/backfill"
	"github.com/silvermill/silvermill/internal/bronze"
	"github.com/silvermill/silvermill/internal/catalog"
	"github.com/silvermill/silvermill/internal/compact"
	"github.com/silvermill/silvermill/internal/config"
	"github.com/silvermill/silvermill/internal/observability"
	"github.com/silvermill/silvermill/internal/quarantine"
	"github.com/silvermill/silvermill/internal/storage"
	"github.com/silvermill/silvermill/internal/validate"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML or JSON config file")
	dataDir := flag.String("data-dir", "", "Base directory for local data (overrides config)")
	fromStr := flag.String("from", "", "Range start, RFC3339 or 2006-01-02T15 (inclusive)")
	toStr := flag.String("to", "", "Range end, RFC3339 or 2006-01-02T15 (exclusive)")
	workers := flag.Int("workers", 0, "Parallel partition keys (overrides config)")
	flag.Parse()

	if *fromStr == "" || *toStr == "" {
		fmt.Fprintln(os.Stderr, "both -from and -to are required")
		flag.Usage()
		os.Exit(2)
	}
	from, err := parseTime(*fromStr)
	if err != nil {
		log.Fatalf("Invalid -from: %v", err)
	}
	to, err := parseTime(*toStr)
	if err != nil {
		log.Fatalf("Invalid -to: %v", err)
	}

	cfg := loadConfig(*configPath, *dataDir)
	if *workers > 0 {
		cfg.Backfill.Workers = *workers
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, cancelling reprocessing...", sig)
		cancel()
	}()

	store := initStorage(ctx, cfg)

	cat, err := catalog.NewCatalog(cfg.CatalogPath())
	if err != nil {
		log.Fatalf("Failed to initialize catalog: %v", err)
	}
	defer cat.Close()

	registry := prometheus.NewRegistry()
	metrics := observability.NewPipelineMetrics(registry)

	reader := bronze.NewReader(store, cfg.Storage.BronzePrefix)
	validator := validate.New(cfg.Validation, metrics)
	compactor := compact.NewCompactor(store, cat, cfg.Compaction.WorkDir, cfg.Storage.SilverPrefix, metrics)
	qw := quarantine.NewWriter(store, cfg.Storage.QuarantinePrefix)

	coord := backfill.NewCoordinator(cfg.Backfill, reader, validator, compactor, cat, qw)
	log.Printf("Reprocessing %s .. %s as job %s with %d workers",
		from.Format(time.RFC3339), to.Format(time.RFC3339), coord.JobID(), cfg.Backfill.Workers)

	start := time.Now()
	results, runErr := coord.Reprocess(ctx, from, to)

	var ok, skipped, failed int
	for _, res := range results {
		switch {
		case res.Err != nil:
			failed++
			log.Printf("  %s: FAILED: %v", res.Key, res.Err)
		case res.Version == 0:
			skipped++
		default:
			ok++
			log.Printf("  %s: version %d (%d events)", res.Key, res.Version, res.Events)
		}
	}

	log.Printf("Reprocessing finished in %v: %d published, %d empty, %d failed",
		time.Since(start).Round(time.Millisecond), ok, skipped, failed)

	if runErr != nil {
		log.Fatalf("Reprocessing aborted: %v", runErr)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

// parseTime accepts RFC3339 or the shorter hour form 2006-01-02T15.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02T15", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC3339 or 2006-01-02T15, got %q", s)
	}
	return t.UTC(), nil
}

func loadConfig(configPath, dataDir string) *config.Config {
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
		return store
	default:
		store, err := storage.NewLocalStorage(cfg.Storage.Path)
		if err != nil {
			log.Fatalf("Failed to initialize local storage: %v", err)
		}
		return store
	}
}
