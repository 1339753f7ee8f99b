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
}

func TestResolveDerivesPathsFromDataDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/var/lib/ratescope"
	cfg.Resolve()

	if cfg.IndexPath != filepath.Join("/var/lib/ratescope", "metadata.db") {
		t.Errorf("index path = %q", cfg.IndexPath)
	}
	if cfg.Spool.Dir != filepath.Join("/var/lib/ratescope", "spool") {
		t.Errorf("spool dir = %q", cfg.Spool.Dir)
	}
	if cfg.Storage.Path != filepath.Join("/var/lib/ratescope", "storage") {
		t.Errorf("storage path = %q", cfg.Storage.Path)
	}
}

func TestResolveKeepsExplicitPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IndexPath = "/opt/index/metadata.db"
	cfg.Resolve()

	if cfg.IndexPath != "/opt/index/metadata.db" {
		t.Errorf("explicit index path overwritten: %q", cfg.IndexPath)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid local", func(c *Config) {}, false},
		{"bad storage type", func(c *Config) { c.Storage.Type = "gcs" }, true},
		{"s3 without bucket", func(c *Config) { c.Storage.Type = "s3" }, true},
		{"s3 with bucket", func(c *Config) {
			c.Storage.Type = "s3"
			c.Storage.S3.Bucket = "rates"
		}, false},
		{"zero row budget", func(c *Config) { c.Combine.MaxRows = 0 }, true},
		{"zero partition budget", func(c *Config) { c.Combine.MaxPartitions = -1 }, true},
		{"zero spool budget", func(c *Config) { c.Spool.MaxBytes = 0 }, true},
		{"zero cache ttl", func(c *Config) { c.Cache.TTL = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Resolve()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ratescope.yaml")
	content := `
data_dir: /srv/ratescope
storage:
  type: s3
  s3:
    bucket: rate-partitions
    region: us-east-1
combine:
  max_rows: 5000
cache:
  ttl: 30m
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.DataDir != "/srv/ratescope" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
	if cfg.Storage.S3.Bucket != "rate-partitions" {
		t.Errorf("bucket = %q", cfg.Storage.S3.Bucket)
	}
	if cfg.Combine.MaxRows != 5000 {
		t.Errorf("max_rows = %d", cfg.Combine.MaxRows)
	}
	if cfg.Cache.TTL != 30*time.Minute {
		t.Errorf("cache ttl = %s", cfg.Cache.TTL)
	}
	// Untouched fields keep their defaults.
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("http addr = %q", cfg.HTTP.Addr)
	}
}

func TestLoadFromFileUnsupportedFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ratescope.toml")
	if err := os.WriteFile(path, []byte("data_dir = 'x'"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("RATESCOPE_DATA_DIR", "/env/data")
	t.Setenv("RATESCOPE_HTTP_ADDR", ":9999")
	t.Setenv("RATESCOPE_COMBINE_MAX_ROWS", "2500")
	t.Setenv("RATESCOPE_CACHE_TTL", "15m")
	t.Setenv("RATESCOPE_S3_PATH_STYLE", "1")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.DataDir != "/env/data" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
	if cfg.HTTP.Addr != ":9999" {
		t.Errorf("http addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Combine.MaxRows != 2500 {
		t.Errorf("max_rows = %d", cfg.Combine.MaxRows)
	}
	if cfg.Cache.TTL != 15*time.Minute {
		t.Errorf("cache ttl = %s", cfg.Cache.TTL)
	}
	if !cfg.Storage.S3.UsePathStyle {
		t.Error("path style should be enabled")
	}
}

func TestEnsureDirectories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "ratescope")
	cfg.Resolve()

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	for _, dir := range []string{cfg.DataDir, cfg.Spool.Dir, cfg.Storage.Path} {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			t.Errorf("directory %q not created", dir)
		}
	}
}
