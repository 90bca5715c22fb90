// Package config loads the optional YAML configuration file of the ingest
// command. Command-line flags override anything set here.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/perfgo/testprof/fetch"
	"github.com/perfgo/testprof/pool"
)

// DefaultOutputDir is where snapshots are written unless configured otherwise.
const DefaultOutputDir = "data"

// Config holds the ingest settings.
type Config struct {
	// Task queue root URL
	RootURL string `yaml:"root_url"`
	// Artifact name within a task run
	ArtifactPath string `yaml:"artifact_path"`
	// Artifact cache directory
	CacheDir string `yaml:"cache_dir"`
	// Snapshot output directory
	OutputDir string `yaml:"output_dir"`
	// Number of pool workers
	Workers int `yaml:"workers"`
	// Timeout of one artifact download, e.g. "90s"
	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

// DefaultCacheDir returns the per-user artifact cache directory.
func DefaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "testprof", "artifacts")
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file and fills in defaults for unset fields.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML configuration data, rejecting unknown keys.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", cfg.Workers)
	}
	if cfg.HTTPTimeout < 0 {
		return fmt.Errorf("http_timeout must not be negative, got %s", cfg.HTTPTimeout)
	}
	if cfg.RootURL != "" {
		u, err := url.Parse(cfg.RootURL)
		if err != nil {
			return fmt.Errorf("invalid root_url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("invalid root_url %q: scheme must be http or https", cfg.RootURL)
		}
	}
	return nil
}

// applyDefaults fills in default values for unset configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.RootURL == "" {
		cfg.RootURL = fetch.DefaultRootURL
	}
	if cfg.ArtifactPath == "" {
		cfg.ArtifactPath = fetch.DefaultArtifactPath
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = DefaultCacheDir()
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = DefaultOutputDir
	}
	if cfg.Workers == 0 {
		cfg.Workers = pool.DefaultWorkers()
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = fetch.DefaultTimeout
	}
}
