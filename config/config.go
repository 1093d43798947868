package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	homedir "github.com/mitchellh/go-homedir"
	coretypes "github.com/projecteru2/core/types"
)

// Config holds global zb configuration.
type Config struct {
	// RootDir is the base directory for persistent data: blobs, the
	// object store, the metadata DB, taps, and the API response cache.
	RootDir string `json:"root_dir"`
	// PrefixDir is the user-visible prefix the linker projects into
	// (bin/, lib/, Cellar/, opt/, ...). Kept separate from RootDir so
	// store internals never leak into PATH-visible directories.
	PrefixDir string `json:"prefix_dir"`
	// DownloadConcurrency caps simultaneous in-flight bottle downloads.
	DownloadConcurrency int `json:"download_concurrency"`
	// CatalogBaseURL is the primary formula API endpoint.
	CatalogBaseURL string `json:"catalog_base_url"`
	// PoolSize is the goroutine pool size for concurrent metadata
	// operations (dependency-closure fetching, outdated checks).
	// Defaults to runtime.NumCPU() if zero.
	PoolSize int `json:"pool_size"`
	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log"`
}

// DefaultBaseURL is the formula API zb targets out of the box.
const DefaultBaseURL = "https://formulae.brew.sh/api/formula"

// DefaultConfig returns a Config with sensible defaults. The data root
// and prefix land under the invoking user's home directory so zb never
// needs elevated privileges.
func DefaultConfig() *Config {
	home, err := homedir.Dir()
	if err != nil {
		home = "/var/lib"
	}
	return &Config{
		RootDir:             filepath.Join(home, ".local", "share", "zb"),
		PrefixDir:           filepath.Join(home, ".zb"),
		DownloadConcurrency: 8, //nolint:mnd
		CatalogBaseURL:      DefaultBaseURL,
		PoolSize:            runtime.NumCPU(),
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // config path from CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = runtime.NumCPU()
	}
	if cfg.DownloadConcurrency <= 0 {
		cfg.DownloadConcurrency = 8 //nolint:mnd
	}
	if cfg.CatalogBaseURL == "" {
		cfg.CatalogBaseURL = DefaultBaseURL
	}
	return cfg, nil
}
