package config

import (
	"fmt"
	"path/filepath"

	"github.com/zerobrew/zb/utils"
)

// EnsureDirs creates every directory zb needs under the data root and the
// prefix, returning the same config for call-chaining at startup.
func EnsureDirs(c *Config) (*Config, error) {
	dirs := []string{
		c.DBDir(),
		c.CacheAPIDir(),
		c.TapsDir(),
		c.CellarDir(),
		c.OptDir(),
	}
	if err := utils.EnsureDirs(dirs...); err != nil {
		return nil, fmt.Errorf("ensure dirs: %w", err)
	}
	return c, nil
}

// Derived path helpers. The blob cache (blobs/, tmp/) and the object
// store (store/, locks/) create their own subdirectories on construction.

func (c *Config) DBDir() string       { return filepath.Join(c.RootDir, "db") }
func (c *Config) DBPath() string      { return filepath.Join(c.DBDir(), "main.sqlite") }
func (c *Config) CacheAPIDir() string { return filepath.Join(c.RootDir, "cache", "api") }
func (c *Config) TapsDir() string     { return filepath.Join(c.RootDir, "taps") }

func (c *Config) CellarDir() string { return filepath.Join(c.PrefixDir, "Cellar") }
func (c *Config) OptDir() string    { return filepath.Join(c.PrefixDir, "opt") }

// InstallLockPath is the coarse cross-process lock serializing DB writers;
// one installer process mutates state at a time.
func (c *Config) InstallLockPath() string { return filepath.Join(c.DBDir(), "install.lock") }

// OptPath returns the stable "current version" pointer for name.
func (c *Config) OptPath(name string) string { return filepath.Join(c.OptDir(), name) }
