// Package config provides unified configuration for the Ratescope service.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the unified configuration for the Ratescope service.
type Config struct {
	// DataDir is the base directory for all local data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// IndexPath is the path to the metadata index database
	IndexPath string `json:"index_path" yaml:"index_path"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Storage configuration for partition objects
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Spool configuration for locally materialized partitions
	Spool SpoolConfig `json:"spool" yaml:"spool"`

	// Engine configuration for the analytical connection pool
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// Combine configuration for dataset assembly budgets
	Combine CombineConfig `json:"combine" yaml:"combine"`

	// Cache configuration for derived results
	Cache CacheConfig `json:"cache" yaml:"cache"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP listen address
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// StorageConfig holds partition object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

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

	// UsePathStyle forces path-style addressing (MinIO and friends)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// SpoolConfig holds the local partition spool configuration.
type SpoolConfig struct {
	// Dir is the directory for spooled partition files
	Dir string `json:"dir" yaml:"dir"`

	// MaxBytes is the spool size budget before LRU eviction (default 4 GiB)
	MaxBytes int64 `json:"max_bytes" yaml:"max_bytes"`

	// PrefetchConcurrency is the number of parallel prefetch downloads
	PrefetchConcurrency int `json:"prefetch_concurrency" yaml:"prefetch_concurrency"`
}

// EngineConfig holds analytical engine pool configuration.
type EngineConfig struct {
	// MaxTargets is the maximum number of live engine connections
	MaxTargets int `json:"max_targets" yaml:"max_targets"`

	// ProbeTimeout is the health probe timeout per acquisition
	ProbeTimeout time.Duration `json:"probe_timeout" yaml:"probe_timeout"`

	// IdleTimeout is how long an unused connection survives
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// CombineConfig holds dataset assembly budgets.
type CombineConfig struct {
	// MaxRows is the default row budget per assembled dataset
	MaxRows int64 `json:"max_rows" yaml:"max_rows"`

	// MaxPartitions is the default candidate budget per resolution
	MaxPartitions int `json:"max_partitions" yaml:"max_partitions"`
}

// CacheConfig holds derived result cache configuration.
type CacheConfig struct {
	// TTL is the default lifetime of a cached result
	TTL time.Duration `json:"ttl" yaml:"ttl"`

	// SweepInterval is how often expired entries are collected
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir:   "./data/ratescope",
		IndexPath: "",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Storage: StorageConfig{
			Type: "local",
			Path: "",
		},
		Spool: SpoolConfig{
			Dir:                 "",
			MaxBytes:            4 * 1024 * 1024 * 1024,
			PrefetchConcurrency: 4,
		},
		Engine: EngineConfig{
			MaxTargets:   32,
			ProbeTimeout: 2 * time.Second,
			IdleTimeout:  5 * time.Minute,
		},
		Combine: CombineConfig{
			MaxRows:       10000,
			MaxPartitions: 25,
		},
		Cache: CacheConfig{
			TTL:           time.Hour,
			SweepInterval: 5 * time.Minute,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/ratescope"
	}

	if c.IndexPath == "" {
		c.IndexPath = filepath.Join(c.DataDir, "metadata.db")
	}

	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}

	if c.Spool.Dir == "" {
		c.Spool.Dir = filepath.Join(c.DataDir, "spool")
	}
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

	if c.Spool.MaxBytes <= 0 {
		return fmt.Errorf("spool.max_bytes must be positive, got %d", c.Spool.MaxBytes)
	}

	if c.Combine.MaxRows <= 0 {
		return fmt.Errorf("combine.max_rows must be positive, got %d", c.Combine.MaxRows)
	}

	if c.Combine.MaxPartitions <= 0 {
		return fmt.Errorf("combine.max_partitions must be positive, got %d", c.Combine.MaxPartitions)
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive, got %s", c.Cache.TTL)
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
// Environment variables use the RATESCOPE_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("RATESCOPE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("RATESCOPE_INDEX_PATH"); v != "" {
		cfg.IndexPath = v
	}

	// HTTP configuration
	if v := os.Getenv("RATESCOPE_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	// Storage configuration
	if v := os.Getenv("RATESCOPE_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("RATESCOPE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("RATESCOPE_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("RATESCOPE_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("RATESCOPE_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("RATESCOPE_S3_PATH_STYLE"); v != "" {
		cfg.Storage.S3.UsePathStyle = v == "true" || v == "1"
	}

	// Spool configuration
	if v := os.Getenv("RATESCOPE_SPOOL_DIR"); v != "" {
		cfg.Spool.Dir = v
	}
	if v := os.Getenv("RATESCOPE_SPOOL_MAX_BYTES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Spool.MaxBytes)
	}

	// Combine budgets
	if v := os.Getenv("RATESCOPE_COMBINE_MAX_ROWS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Combine.MaxRows)
	}
	if v := os.Getenv("RATESCOPE_COMBINE_MAX_PARTITIONS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Combine.MaxPartitions)
	}

	// Cache configuration
	if v := os.Getenv("RATESCOPE_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.TTL = d
		}
	}
	if v := os.Getenv("RATESCOPE_CACHE_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.SweepInterval = d
		}
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Spool.Dir,
	}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
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
