// Package main implements the ratescope service binary: partition
// discovery, dataset assembly, and rate analysis over a metadata index.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ratescope/ratescope/internal/app"
	"github.com/ratescope/ratescope/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		indexPath   string
		httpAddr    string
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for local data files")
	flag.StringVar(&indexPath, "index", "", "Path to the metadata index database")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP listen address")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Ratescope - Healthcare Rate Partition Discovery and Analysis\n\n")
		fmt.Fprintf(os.Stderr, "Usage: ratescope [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  ratescope --data-dir /data/ratescope\n")
		fmt.Fprintf(os.Stderr, "  ratescope --index /data/metadata.db --http-addr :8080\n")
		fmt.Fprintf(os.Stderr, "  ratescope --config /etc/ratescope/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  RATESCOPE_DATA_DIR       Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  RATESCOPE_INDEX_PATH     Metadata index database path\n")
		fmt.Fprintf(os.Stderr, "  RATESCOPE_HTTP_ADDR      HTTP listen address\n")
		fmt.Fprintf(os.Stderr, "  RATESCOPE_STORAGE_TYPE   Storage type (local, s3)\n")
		fmt.Fprintf(os.Stderr, "  RATESCOPE_S3_BUCKET      Partition object bucket\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("ratescope version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, dataDir, indexPath, httpAddr)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	printBanner(cfg)

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("Received signal: %v", sig)

	if err := application.Stop(context.Background()); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, dataDir, indexPath, httpAddr string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	// Command line flags have the highest priority
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if indexPath != "" {
		cfg.IndexPath = indexPath
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}

	return cfg, nil
}

// printBanner prints the startup banner with configuration summary.
func printBanner(cfg *config.Config) {
	log.Printf("╔═══════════════════════════════════════════════════════════╗")
	log.Printf("║                      RATESCOPE                            ║")
	log.Printf("║     Healthcare Rate Partition Discovery and Analysis      ║")
	log.Printf("╚═══════════════════════════════════════════════════════════╝")
	log.Printf("")
	log.Printf("Configuration:")
	log.Printf("  Data Dir: %s", cfg.DataDir)
	log.Printf("  Index:    %s", cfg.IndexPath)
	log.Printf("  Storage:  %s", cfg.Storage.Type)
	log.Printf("  HTTP:     %s", cfg.HTTP.Addr)
	log.Printf("  Budgets:  %d rows / %d partitions", cfg.Combine.MaxRows, cfg.Combine.MaxPartitions)
	log.Printf("")
}
