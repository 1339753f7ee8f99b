// Package main implements the ratescope-index tool. It builds a
// metadata index database from a JSON manifest of partition records,
// so environments without an upstream index publisher can serve one
// locally.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/ratescope/ratescope/internal/metadata"
)

// Manifest is the input document: partition records plus optional
// display-name tables.
type Manifest struct {
	Partitions []*metadata.PartitionRecord `json:"partitions"`
	Payers     map[string]string           `json:"payers,omitempty"`
	Taxonomies map[string]string           `json:"taxonomies,omitempty"`
}

func main() {
	var (
		manifestPath string
		outputPath   string
		showHelp     bool
	)

	flag.StringVar(&manifestPath, "manifest", "", "Path to the JSON partition manifest")
	flag.StringVar(&outputPath, "out", "metadata.db", "Output path for the index database")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "ratescope-index - Build a metadata index from a partition manifest\n\n")
		fmt.Fprintf(os.Stderr, "Usage: ratescope-index --manifest partitions.json --out metadata.db\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if showHelp || manifestPath == "" {
		flag.Usage()
		if manifestPath == "" {
			os.Exit(1)
		}
		os.Exit(0)
	}

	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		log.Fatalf("Failed to read manifest: %v", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		log.Fatalf("Failed to parse manifest: %v", err)
	}
	if len(manifest.Partitions) == 0 {
		log.Fatalf("Manifest contains no partitions")
	}

	for i, p := range manifest.Partitions {
		if p.Bucket == "" || p.ObjectKey == "" {
			log.Fatalf("Partition %d is missing bucket or object_key", i)
		}
		if p.Payer == "" || p.State == "" || p.BillingClass == "" {
			log.Fatalf("Partition %s is missing a required dimension", p.Address())
		}
	}

	if _, err := os.Stat(outputPath); err == nil {
		log.Fatalf("Output %s already exists, refusing to overwrite", outputPath)
	}

	if err := metadata.BuildIndex(outputPath, manifest.Partitions, manifest.Payers, manifest.Taxonomies); err != nil {
		log.Fatalf("Failed to build index: %v", err)
	}

	log.Printf("Indexed %d partitions into %s", len(manifest.Partitions), outputPath)
}
