// Package cellar projects extracted store entries at a stable,
// human-readable path (Cellar/{name}/{version}) that the linker and
// installed binaries' rpaths can depend on for the life of an install.
package cellar

import (
	"fmt"
	"os"
	"path/filepath"
)

// Cellar materializes store entries at Cellar/{name}/{version} by
// symlinking the keg path directly at the store entry. The store entry is
// itself immutable once committed, so there is no copy-on-write hazard in
// pointing at it directly; a recursive copy would only cost disk space and
// extraction time for no added safety.
type Cellar struct {
	cellarDir string
}

// New creates a Cellar rooted at cellarDir, creating it if absent.
func New(cellarDir string) (*Cellar, error) {
	if err := os.MkdirAll(cellarDir, 0o750); err != nil {
		return nil, fmt.Errorf("create %s: %w", cellarDir, err)
	}
	return &Cellar{cellarDir: cellarDir}, nil
}

// KegPath returns the keg path for name/version. Pure; does not check
// existence.
func (c *Cellar) KegPath(name, version string) string {
	return filepath.Join(c.cellarDir, name, version)
}

// Materialize creates (or repairs) the keg symlink at KegPath(name,
// version) pointing at storeEntry. Idempotent: if the symlink already
// exists and already points at storeEntry, it is left untouched.
func (c *Cellar) Materialize(name, version, storeEntry string) (string, error) {
	keg := c.KegPath(name, version)

	if target, err := os.Readlink(keg); err == nil {
		if target == storeEntry {
			return keg, nil
		}
		if err := os.Remove(keg); err != nil {
			return "", fmt.Errorf("remove stale keg symlink %s: %w", keg, err)
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("stat keg %s: %w", keg, err)
	}

	if err := os.MkdirAll(filepath.Dir(keg), 0o750); err != nil {
		return "", fmt.Errorf("create %s: %w", filepath.Dir(keg), err)
	}
	if err := os.Symlink(storeEntry, keg); err != nil {
		return "", fmt.Errorf("symlink keg %s -> %s: %w", keg, storeEntry, err)
	}
	return keg, nil
}

// RemoveKeg reverses Materialize, removing the keg symlink (and its
// now-empty name directory, if this was the only version).
func (c *Cellar) RemoveKeg(name, version string) error {
	keg := c.KegPath(name, version)
	if err := os.Remove(keg); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("remove keg %s: %w", keg, err)
	}

	nameDir := filepath.Join(c.cellarDir, name)
	if entries, err := os.ReadDir(nameDir); err == nil && len(entries) == 0 {
		_ = os.Remove(nameDir)
	}
	return nil
}

// Exists reports whether a keg is currently materialized for name/version.
func (c *Cellar) Exists(name, version string) bool {
	_, err := os.Lstat(c.KegPath(name, version))
	return err == nil
}
