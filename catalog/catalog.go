// Package catalog fetches formula descriptors from the primary formula
// API, caching responses on disk so repeated lookups (and offline re-runs)
// don't refetch unchanged formulas every time.
package catalog

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/zerobrew/zb/formula"
)

// DefaultBaseURL is the primary formula API this implementation targets.
const DefaultBaseURL = "https://formulae.brew.sh/api/formula"

// Catalog fetches and caches formula descriptors.
type Catalog struct {
	baseURL  string
	cacheDir string
	client   *http.Client
}

// New creates a Catalog that fetches from baseURL and caches responses
// under cacheDir.
func New(baseURL, cacheDir string) (*Catalog, error) {
	if err := os.MkdirAll(cacheDir, 0o750); err != nil {
		return nil, fmt.Errorf("create %s: %w", cacheDir, err)
	}
	return &Catalog{
		baseURL:  baseURL,
		cacheDir: cacheDir,
		client:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *Catalog) cachePath(name string) string {
	return filepath.Join(c.cacheDir, name+".json")
}

// Fetch returns name's formula descriptor, preferring a cached response no
// older than maxAge. A cache miss (or stale entry) fetches fresh from the
// API and refreshes the cache on success; a fetch failure falls back to a
// stale cache entry if one exists, so transient API outages don't break
// offline-capable commands like `list`/`outdated` against already-known
// formulas.
func (c *Catalog) Fetch(name string, maxAge time.Duration) (*formula.Formula, error) {
	if data, fresh := c.readCache(name, maxAge); fresh {
		return parseFormula(name, data)
	}

	data, err := c.fetchRemote(name)
	if err != nil {
		if cached, ok := c.readStaleCache(name); ok {
			return parseFormula(name, cached)
		}
		return nil, err
	}

	_ = os.WriteFile(c.cachePath(name), data, 0o644) // cache write failure is non-fatal.
	return parseFormula(name, data)
}

func (c *Catalog) fetchRemote(name string) ([]byte, error) {
	url := fmt.Sprintf("%s/%s.json", c.baseURL, name)
	resp, err := c.client.Get(url) //nolint:gosec // baseURL is operator-configured, not attacker-controlled
	if err != nil {
		return nil, &formula.NetworkFailure{Message: fmt.Sprintf("fetch formula %q: %v", name, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, &formula.MissingFormula{Name: name}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &formula.NetworkFailure{Message: fmt.Sprintf("fetch formula %q: unexpected status %s", name, resp.Status)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &formula.NetworkFailure{Message: fmt.Sprintf("read formula %q response: %v", name, err)}
	}
	return data, nil
}

func (c *Catalog) readCache(name string, maxAge time.Duration) ([]byte, bool) {
	info, err := os.Stat(c.cachePath(name))
	if err != nil {
		return nil, false
	}
	if time.Since(info.ModTime()) > maxAge {
		return nil, false
	}
	data, err := os.ReadFile(c.cachePath(name))
	if err != nil {
		return nil, false
	}
	return data, true
}

func (c *Catalog) readStaleCache(name string) ([]byte, bool) {
	data, err := os.ReadFile(c.cachePath(name))
	if err != nil {
		return nil, false
	}
	return data, true
}

func parseFormula(name string, data []byte) (*formula.Formula, error) {
	return formula.Parse(name, data)
}

// Prune deletes cached formula responses older than maxAge, returning the
// count removed.
func (c *Catalog) Prune(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(c.cacheDir)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", c.cacheDir, err)
	}
	now := time.Now()
	var count int
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) <= maxAge {
			continue
		}
		if err := os.Remove(filepath.Join(c.cacheDir, e.Name())); err == nil {
			count++
		}
	}
	return count, nil
}
